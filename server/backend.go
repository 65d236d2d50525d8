package server

import (
	"context"
	"encoding/json"
)

// BackendError is the {code, message, data} triple a backend method handler
// returns to report an application-level failure, carried verbatim to the
// client as an RpcResponse-error.
type BackendError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *BackendError) Error() string {
	return e.Message
}

// MethodHandler answers one forwarded JSON-RPC call. A non-nil *BackendError
// return is carried back to the client as an RpcResponse-error (never as a
// transport-level IQ error); a nil error means result is the JSON-RPC
// success value.
type MethodHandler func(ctx context.Context, params json.RawMessage) (result interface{}, rpcErr *BackendError)
