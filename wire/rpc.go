package wire

import (
	"encoding/json"
	"encoding/xml"
	"errors"
	"strconv"

	"github.com/xaya/charon/internal/xmlutil"
	"github.com/xaya/charon/payload"
)

// RpcRequest is the payload of an IQ of type "get" carrying a JSON-RPC
// method call:
//
//	<request xmlns="https://xaya.io/charon/">
//	  <method>mymethod</method>
//	  <params><raw>["json params",42]</raw></params>
//	</request>
type RpcRequest struct {
	Valid  bool
	Method string
	Params json.RawMessage
}

// NewRpcRequest builds a valid request from semantic fields. params must
// marshal to a JSON object, array, or null.
func NewRpcRequest(method string, params interface{}) (RpcRequest, error) {
	if method == "" {
		return RpcRequest{}, errors.New("wire: RPC method name must not be empty")
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return RpcRequest{}, err
	}
	if err := validateParamsShape(raw); err != nil {
		return RpcRequest{}, err
	}
	return RpcRequest{Valid: true, Method: method, Params: raw}, nil
}

func validateParamsShape(raw json.RawMessage) error {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	switch v.(type) {
	case nil, map[string]interface{}, []interface{}:
		return nil
	default:
		return errors.New("wire: RPC params must be an object, array, or null")
	}
}

// TokenReader renders the request as an XML token stream suitable for use
// as an IQ payload, or nil if the request is invalid.
func (r RpcRequest) TokenReader() xml.TokenReader {
	if !r.Valid {
		return nil
	}
	paramToks, err := payload.EncodeJSON(json.RawMessage(r.Params))
	if err != nil {
		return nil
	}
	toks := elemStart("request")
	toks = append(toks, textElem("method", r.Method)...)
	toks = append(toks, wrapTokens("params", paramToks)...)
	toks = append(toks, elemEnd("request"))
	return xmlutil.Tokens(toks...)
}

// DecodeRpcRequest interprets a <request/> node already parsed into a tree
// by xmlutil.ReadNode. It returns an invalid RpcRequest, rather than an
// error, on any structural problem.
func DecodeRpcRequest(n *xmlutil.Node) RpcRequest {
	if n == nil || n.Name.Local != "request" {
		return RpcRequest{}
	}
	method := n.ChildText("method")
	if method == "" {
		return RpcRequest{}
	}
	paramsNode := n.Child("params")
	if paramsNode == nil {
		return RpcRequest{}
	}
	raw, err := payload.DecodeJSON(paramsNode)
	if err != nil {
		return RpcRequest{}
	}
	if err := validateParamsShape(raw); err != nil {
		return RpcRequest{}
	}
	return RpcRequest{Valid: true, Method: method, Params: raw}
}

// Clone returns an independent deep copy.
func (r RpcRequest) Clone() RpcRequest {
	cp := append(json.RawMessage{}, r.Params...)
	return RpcRequest{Valid: r.Valid, Method: r.Method, Params: cp}
}

// RpcResponse is the payload of a result IQ carrying either a JSON-RPC
// success result or an error triple. Exactly one of the two is meaningful
// when Valid is true, selected by Success.
type RpcResponse struct {
	Valid     bool
	Success   bool
	Result    json.RawMessage
	ErrorCode int
	ErrorMsg  string
	ErrorData json.RawMessage
}

// NewRpcSuccess builds a valid success response.
func NewRpcSuccess(result interface{}) (RpcResponse, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return RpcResponse{}, err
	}
	return RpcResponse{Valid: true, Success: true, Result: raw}, nil
}

// NewRpcError builds a valid error response. data may be nil.
func NewRpcError(code int, message string, data interface{}) (RpcResponse, error) {
	var raw json.RawMessage
	if data != nil {
		var err error
		raw, err = json.Marshal(data)
		if err != nil {
			return RpcResponse{}, err
		}
	}
	return RpcResponse{Valid: true, Success: false, ErrorCode: code, ErrorMsg: message, ErrorData: raw}, nil
}

// TokenReader renders the response as an XML token stream, or nil if the
// response is invalid.
func (r RpcResponse) TokenReader() xml.TokenReader {
	if !r.Valid {
		return nil
	}
	toks := elemStart("response")
	if r.Success {
		resultToks, err := payload.EncodeJSON(json.RawMessage(r.Result))
		if err != nil {
			return nil
		}
		toks = append(toks, wrapTokens("result", resultToks)...)
		toks = append(toks, elemEnd("response"))
		return xmlutil.Tokens(toks...)
	}
	errStart := xml.StartElement{
		Name: xml.Name{Local: "error"},
		Attr: []xml.Attr{{Name: xml.Name{Local: "code"}, Value: strconv.Itoa(r.ErrorCode)}},
	}
	var errToks []xml.Token
	errToks = append(errToks, errStart)
	if r.ErrorMsg != "" {
		errToks = append(errToks, textElem("message", r.ErrorMsg)...)
	}
	if len(r.ErrorData) > 0 && string(r.ErrorData) != "null" {
		dataToks, err := payload.EncodeJSON(json.RawMessage(r.ErrorData))
		if err != nil {
			return nil
		}
		errToks = append(errToks, wrapTokens("data", dataToks)...)
	}
	errToks = append(errToks, errStart.End())
	toks = append(toks, errToks...)
	toks = append(toks, elemEnd("response"))
	return xmlutil.Tokens(toks...)
}

// DecodeRpcResponse interprets a <response/> node.
func DecodeRpcResponse(n *xmlutil.Node) RpcResponse {
	if n == nil || n.Name.Local != "response" {
		return RpcResponse{}
	}
	if result := n.Child("result"); result != nil {
		raw, err := payload.DecodeJSON(result)
		if err != nil {
			return RpcResponse{}
		}
		return RpcResponse{Valid: true, Success: true, Result: raw}
	}
	errNode := n.Child("error")
	if errNode == nil {
		return RpcResponse{}
	}
	code, ok := errNode.IntAttribute("code")
	if !ok {
		return RpcResponse{}
	}
	resp := RpcResponse{Valid: true, Success: false, ErrorCode: code}
	resp.ErrorMsg = errNode.ChildText("message")
	if dataNode := errNode.Child("data"); dataNode != nil {
		raw, err := payload.DecodeJSON(dataNode)
		if err != nil {
			return RpcResponse{}
		}
		resp.ErrorData = raw
	}
	return resp
}

// Clone returns an independent deep copy.
func (r RpcResponse) Clone() RpcResponse {
	cp := r
	cp.Result = append(json.RawMessage{}, r.Result...)
	cp.ErrorData = append(json.RawMessage{}, r.ErrorData...)
	return cp
}
