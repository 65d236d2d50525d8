// Package xmlutil provides small helpers for building and walking
// xml.TokenReader streams, in the spirit of mellium.im/xmlstream (which
// pubsubcoord and xmppconn use for wrapping a child stream in an element and
// reading a stanza's inner stream; the wire package does not import it).
// The helpers here turn a handful of literal tokens into a reader.
package xmlutil

import (
	"encoding/xml"
	"io"
)

// Tokens returns an xml.TokenReader that yields exactly the given tokens in
// order.
func Tokens(toks ...xml.Token) xml.TokenReader {
	return &sliceReader{toks: toks}
}

type sliceReader struct {
	toks []xml.Token
	pos  int
}

func (r *sliceReader) Token() (xml.Token, error) {
	if r.pos >= len(r.toks) {
		return nil, io.EOF
	}
	t := r.toks[r.pos]
	r.pos++
	return t, nil
}

// Text returns a reader for one element with the given name (including its
// namespace, if set) and no attributes, carrying text as character data, or
// just the empty element if text is "".
func Text(name xml.Name, text string) xml.TokenReader {
	start := xml.StartElement{Name: name}
	if text == "" {
		return Tokens(start, start.End())
	}
	return Tokens(start, xml.CharData(text), start.End())
}

