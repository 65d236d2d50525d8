// Package backendrpc forwards JSON-RPC 2.0 calls to a single backend HTTP
// endpoint on behalf of the Charon server: one shot for ordinary method
// calls, and a long-polling variant for waiter.UpdateWaiter that always
// passes a single "known id" argument.
package backendrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xaya/charon/server"
	"github.com/xaya/charon/wire"
)

var log = logrus.WithField("component", "backendrpc")

// request is the JSON-RPC 2.0 request envelope sent to the backend.
type request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// response is the JSON-RPC 2.0 reply envelope read back from the backend.
type response struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error reports a JSON-RPC error returned by the backend, as opposed to a
// transport-level failure (which surfaces as a plain error).
type Error struct {
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *Error) Error() string {
	return fmt.Sprintf("backend rpc error %d: %s", e.Code, e.Message)
}

// Client calls a single backend JSON-RPC 2.0 endpoint over HTTP. It has no
// third-party JSON-RPC-over-HTTP client to build on anywhere in the
// retrieval pack (the one JSON-RPC library present, sourcegraph/jsonrpc2,
// pulled in only transitively and never actually called by any example, is
// built around a persistent io.ReadWriteCloser codec rather than one-shot
// request/response, so it does not fit this call shape); it is a thin
// wrapper over net/http and encoding/json.
type Client struct {
	url        string
	httpClient *http.Client
}

// New returns a Client posting requests to url with the given per-call
// timeout.
func New(url string, timeout time.Duration) *Client {
	return &Client{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Call invokes method on the backend with params, returning the raw JSON
// result on success or an *Error for a JSON-RPC-level failure.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(request{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("backendrpc: marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("backendrpc: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backendrpc: calling %s: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("backendrpc: reading response for %s: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backendrpc: %s returned HTTP %d: %s", method, resp.StatusCode, data)
	}

	var env response
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("backendrpc: decoding response for %s: %w", method, err)
	}
	if env.Error != nil {
		return nil, &Error{Code: env.Error.Code, Message: env.Error.Message, Data: env.Error.Data}
	}
	return env.Result, nil
}

// MethodSet forwards a fixed, allowed set of method names to a backend
// Client, answering everything else with method-not-found. It is the Go
// realization of ForwardingRpcServer: an allow-list guarding a single
// backend target.
type MethodSet struct {
	client  *Client
	allowed map[string]struct{}
}

// NewMethodSet returns a MethodSet with no allowed methods yet, forwarding
// to backend.
func NewMethodSet(backend *Client) *MethodSet {
	return &MethodSet{client: backend, allowed: map[string]struct{}{}}
}

// Allow adds name to the forwardable method set.
func (m *MethodSet) Allow(name string) {
	m.allowed[name] = struct{}{}
}

// Handle answers a forwarded call to method. It takes the method name in
// addition to server.MethodHandler's arguments, so cmd/charon-server
// registers it per method through a closure that binds the name.
func (m *MethodSet) Handle(ctx context.Context, method string, params json.RawMessage) (result interface{}, rpcErr *server.BackendError) {
	if _, ok := m.allowed[method]; !ok {
		return nil, &server.BackendError{
			Code:    wire.ErrCodeMethodNotFound,
			Message: "method not found or not allowed: " + method,
		}
	}

	log.WithField("method", method).Debug("backendrpc: forwarding call")

	var p interface{}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &server.BackendError{Code: wire.ErrCodeInvalidParams, Message: "invalid params: " + err.Error()}
		}
	}

	res, err := m.client.Call(ctx, method, p)
	if err != nil {
		if apiErr, ok := err.(*Error); ok {
			var data interface{}
			if len(apiErr.Data) > 0 {
				_ = json.Unmarshal(apiErr.Data, &data)
			}
			return nil, &server.BackendError{Code: apiErr.Code, Message: apiErr.Message, Data: data}
		}
		return nil, &server.BackendError{Code: wire.ErrCodeInternal, Message: err.Error()}
	}
	var out interface{}
	if len(res) > 0 {
		if err := json.Unmarshal(res, &out); err != nil {
			return nil, &server.BackendError{Code: wire.ErrCodeInternal, Message: "decoding backend result: " + err.Error()}
		}
	}
	return out, nil
}

// Waiter returns a waiter.UpdateWaiter that long-polls method on the
// backend, always passing alwaysBlock as its single positional argument, as
// RpcUpdateWaiter does for the original's waitforchange/waitforpendingchange
// methods.
func (m *MethodSet) Waiter(method string, alwaysBlock interface{}) func(ctx context.Context) (bool, json.RawMessage) {
	return func(ctx context.Context) (bool, json.RawMessage) {
		res, err := m.client.Call(ctx, method, []interface{}{alwaysBlock})
		if err != nil {
			log.WithError(err).WithField("method", method).Warn("backendrpc: long-polling call failed")
			return false, nil
		}
		return true, res
	}
}
