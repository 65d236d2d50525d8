// Package payload implements Charon's wire payload codec: byte strings (and
// JSON values serialized to bytes) carried as one or more child elements of
// a wrapper element, in one of three forms (raw, base64, zlib). The three
// element names are the only recognized payload carriers; anything else
// inside a payload wrapper fails the decode.
package payload

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"

	"github.com/xaya/charon/internal/xmlutil"
)

// MaxDecodedBytes is the hard cap on the number of decoded payload bytes a
// single decode will accumulate, regardless of how many child elements
// contribute to it.
const MaxDecodedBytes = 64 * 1024 * 1024

// zlibMinInput is the minimum payload length for which compression is even
// attempted.
const zlibMinInput = 128

// Compression is kept only when compressedSize*100 <= zlibWorthwhileNum*rawSize.
const zlibWorthwhileNum = 70

// canStoreRaw reports whether data can be carried as character data inside a
// <raw> element: no control bytes below 0x20 except '\n', and no byte >=
// 0x80.
func canStoreRaw(data []byte) bool {
	for _, b := range data {
		if b == '\n' {
			continue
		}
		if b < 0x20 || b >= 0x80 {
			return false
		}
	}
	return true
}

// EncodeBytes returns the child-element tokens that carry data, in whatever
// of the three forms is most appropriate. The caller wraps the result in
// its own enclosing start/end element.
func EncodeBytes(data []byte) []xml.Token {
	if len(data) >= zlibMinInput {
		if compressed, ok := tryCompress(data); ok {
			return encodeZlib(data, compressed)
		}
	}
	if canStoreRaw(data) {
		return encodeRaw(data)
	}
	return encodeBase64(data)
}

func tryCompress(data []byte) ([]byte, bool) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, false
	}
	if err := zw.Close(); err != nil {
		return nil, false
	}
	compressed := buf.Bytes()
	if len(compressed)*100 > zlibWorthwhileNum*len(data) {
		return nil, false
	}
	return compressed, true
}

func encodeRaw(data []byte) []xml.Token {
	start := xml.StartElement{Name: xml.Name{Local: "raw"}}
	if len(data) == 0 {
		return []xml.Token{start, start.End()}
	}
	return []xml.Token{start, xml.CharData(data), start.End()}
}

func encodeBase64(data []byte) []xml.Token {
	start := xml.StartElement{Name: xml.Name{Local: "base64"}}
	encoded := base64.StdEncoding.EncodeToString(data)
	if encoded == "" {
		return []xml.Token{start, start.End()}
	}
	return []xml.Token{start, xml.CharData(encoded), start.End()}
}

func encodeZlib(raw, compressed []byte) []xml.Token {
	start := xml.StartElement{
		Name: xml.Name{Local: "zlib"},
		Attr: []xml.Attr{{Name: xml.Name{Local: "length"}, Value: fmt.Sprintf("%d", len(raw))}},
	}
	toks := []xml.Token{start}
	toks = append(toks, encodeBase64(compressed)...)
	toks = append(toks, start.End())
	return toks
}

// EncodeJSON marshals v with Go's default (compact, no indentation) JSON
// encoding and returns the resulting payload tokens.
func EncodeJSON(v interface{}) ([]xml.Token, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return EncodeBytes(raw), nil
}

// DecodeBytes concatenates the decoded bytes of wrapper's children in
// document order, enforcing MaxDecodedBytes across the whole decode.
func DecodeBytes(wrapper *xmlutil.Node) ([]byte, error) {
	var out bytes.Buffer
	for _, child := range wrapper.Children {
		decoded, err := decodeChild(child)
		if err != nil {
			return nil, err
		}
		if out.Len()+len(decoded) > MaxDecodedBytes {
			return nil, fmt.Errorf("payload: decoded size exceeds %d bytes", MaxDecodedBytes)
		}
		out.Write(decoded)
	}
	return out.Bytes(), nil
}

func decodeChild(n *xmlutil.Node) ([]byte, error) {
	switch n.Name.Local {
	case "raw":
		data := []byte(n.Text)
		if !canStoreRaw(data) {
			return nil, fmt.Errorf("payload: <raw> contains non-raw-able bytes")
		}
		return data, nil
	case "base64":
		return decodeBase64([]byte(n.Text))
	case "zlib":
		length, ok := n.IntAttribute("length")
		if !ok {
			return nil, fmt.Errorf("payload: <zlib> missing length attribute")
		}
		compressed, err := DecodeBytes(n)
		if err != nil {
			return nil, err
		}
		return inflate(compressed, length)
	default:
		return nil, fmt.Errorf("payload: unrecognized payload element <%s>", n.Name.Local)
	}
}

func decodeBase64(text []byte) ([]byte, error) {
	var clean bytes.Buffer
	for _, b := range text {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		default:
			clean.WriteByte(b)
		}
	}
	s := clean.String()
	if padIdx := bytes.IndexByte(clean.Bytes(), '='); padIdx >= 0 {
		for i := padIdx; i < len(s); i++ {
			if s[i] != '=' {
				return nil, fmt.Errorf("payload: padding '=' not trailing in base64 data")
			}
		}
		if len(s)-padIdx > 3 {
			return nil, fmt.Errorf("payload: excess base64 padding")
		}
	}
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("payload: invalid base64 data: %w", err)
	}
	return decoded, nil
}

func inflate(compressed []byte, wantLen int) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("payload: invalid zlib stream: %w", err)
	}
	defer zr.Close()
	limited := io.LimitReader(zr, MaxDecodedBytes+1)
	out, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("payload: failed to inflate: %w", err)
	}
	if len(out) > MaxDecodedBytes {
		return nil, fmt.Errorf("payload: decoded size exceeds %d bytes", MaxDecodedBytes)
	}
	if len(out) != wantLen {
		return nil, fmt.Errorf("payload: zlib length attribute %d does not match inflated size %d", wantLen, len(out))
	}
	return out, nil
}

// DecodeJSON decodes wrapper's payload and parses it as JSON with strict
// settings: no duplicate object keys and no trailing content after the
// value, matching jsoncpp's rejectDupKeys=true, failIfExtra=true reader
// settings from the original Charon implementation (encoding/json has no
// built-in equivalent, so UnmarshalStrict walks the token stream itself).
func DecodeJSON(wrapper *xmlutil.Node) (json.RawMessage, error) {
	raw, err := DecodeBytes(wrapper)
	if err != nil {
		return nil, err
	}
	var v interface{}
	if err := UnmarshalStrict(raw, &v); err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}

// UnmarshalStrict decodes raw into v, rejecting duplicate object keys and
// any trailing non-whitespace content.
func UnmarshalStrict(raw []byte, v interface{}) error {
	if err := checkNoDuplicateKeys(json.NewDecoder(bytes.NewReader(raw))); err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("payload: trailing content after JSON value")
	}
	return nil
}

// checkNoDuplicateKeys walks the raw token stream looking for duplicate
// keys within any single object.
func checkNoDuplicateKeys(dec *json.Decoder) error {
	type frame struct {
		isObject  bool
		expectKey bool
		seen      map[string]bool
	}
	var stack []frame

	afterValue := func() {
		if len(stack) > 0 && stack[len(stack)-1].isObject {
			stack[len(stack)-1].expectKey = true
		}
	}

	for {
		tok, err := dec.Token()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		switch t := tok.(type) {
		case json.Delim:
			switch t {
			case '{':
				stack = append(stack, frame{isObject: true, expectKey: true, seen: map[string]bool{}})
			case '[':
				stack = append(stack, frame{isObject: false})
			case '}', ']':
				if len(stack) > 0 {
					stack = stack[:len(stack)-1]
				}
				afterValue()
			}
		case string:
			if len(stack) > 0 && stack[len(stack)-1].isObject && stack[len(stack)-1].expectKey {
				top := &stack[len(stack)-1]
				if top.seen[t] {
					return fmt.Errorf("payload: duplicate key %q in JSON object", t)
				}
				top.seen[t] = true
				top.expectKey = false
				continue
			}
			afterValue()
		default:
			afterValue()
		}
	}
}
