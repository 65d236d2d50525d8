package xmlutil

import (
	"encoding/xml"
	"strconv"
	"strings"
)

// Node is a small, fully-materialized XML tree, used by the wire package to
// decode Charon's stanza extensions without leaving an *xml.Decoder in a
// partially-consumed state if a later validation step fails. Charon's
// payloads are bounded (64 MiB, see package payload) so buffering an entire
// element in memory before interpreting it is cheap enough in exchange for
// never having to reason about decoder state on an error path.
type Node struct {
	Name     xml.Name
	Attr     []xml.Attr
	Text     string
	Children []*Node
}

// ReadNode reads a full element (whose start token has already been
// consumed as start) into a Node tree.
func ReadNode(dec *xml.Decoder, start xml.StartElement) (*Node, error) {
	n := &Node{Name: start.Name, Attr: start.Attr}
	var text strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child, err := ReadNode(dec, t)
			if err != nil {
				return nil, err
			}
			n.Children = append(n.Children, child)
		case xml.CharData:
			text.WriteString(string(t))
		case xml.EndElement:
			n.Text = text.String()
			return n, nil
		}
	}
}

// Child returns the first direct child named local, or nil.
func (n *Node) Child(local string) *Node {
	if n == nil {
		return nil
	}
	for _, c := range n.Children {
		if c.Name.Local == local {
			return c
		}
	}
	return nil
}

// ChildText returns the text of the first direct child named local, or "".
func (n *Node) ChildText(local string) string {
	c := n.Child(local)
	if c == nil {
		return ""
	}
	return c.Text
}

// Attribute returns the value of the attribute named local and whether it
// was present.
func (n *Node) Attribute(local string) (string, bool) {
	if n == nil {
		return "", false
	}
	for _, a := range n.Attr {
		if a.Name.Local == local {
			return a.Value, true
		}
	}
	return "", false
}

// IntAttribute parses the attribute named local as a decimal integer.
func (n *Node) IntAttribute(local string) (int, bool) {
	v, ok := n.Attribute(local)
	if !ok {
		return 0, false
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return i, true
}
