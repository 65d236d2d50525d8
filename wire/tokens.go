package wire

import "encoding/xml"

// elemStart begins building a token slice for a namespaced top-level
// Charon element, returning just the start token so far.
func elemStart(local string) []xml.Token {
	return []xml.Token{xml.StartElement{
		Name: xml.Name{Local: local, Space: NS},
	}}
}

func elemEnd(local string) xml.Token {
	return xml.EndElement{Name: xml.Name{Local: local, Space: NS}}
}

// textElem returns the tokens for a plain unnamespaced child element
// carrying character data, e.g. <method>NAME</method>.
func textElem(local, text string) []xml.Token {
	start := xml.StartElement{Name: xml.Name{Local: local}}
	if text == "" {
		return []xml.Token{start, start.End()}
	}
	return []xml.Token{start, xml.CharData(text), start.End()}
}

// wrapTokens wraps inner (e.g. the output of payload.EncodeJSON) in a plain
// unnamespaced wrapper element such as <params> or <result>.
func wrapTokens(local string, inner []xml.Token) []xml.Token {
	start := xml.StartElement{Name: xml.Name{Local: local}}
	toks := make([]xml.Token, 0, len(inner)+2)
	toks = append(toks, start)
	toks = append(toks, inner...)
	toks = append(toks, start.End())
	return toks
}
