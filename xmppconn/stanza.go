package xmppconn

import (
	"encoding/xml"
	"io"

	"github.com/xaya/charon/internal/xmlutil"
	"mellium.im/xmpp/jid"
)

// envelope wraps the payload tokens in a top-level iq/message/presence
// start element carrying to/from/id/type attributes, mirroring the helper
// shape wire/tokens.go uses for Charon's own namespaced elements.
func envelope(local, typ string, to, from *jid.JID, id string, payload []xml.Token) []xml.Token {
	start := xml.StartElement{Name: xml.Name{Local: local}}
	if typ != "" {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "type"}, Value: typ})
	}
	if to != nil {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "to"}, Value: to.String()})
	}
	if from != nil {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "from"}, Value: from.String()})
	}
	if id != "" {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "id"}, Value: id})
	}
	toks := make([]xml.Token, 0, len(payload)+2)
	toks = append(toks, start)
	toks = append(toks, payload...)
	toks = append(toks, start.End())
	return toks
}

// stanzaEnvelope is the subset of attributes Charon's handlers need off an
// incoming iq/message/presence start element, read directly from the start
// token rather than round-tripped through xmlutil.ReadNode.
type stanzaEnvelope struct {
	Type string
	To   *jid.JID
	From *jid.JID
	ID   string
}

func readEnvelope(start xml.StartElement) stanzaEnvelope {
	var e stanzaEnvelope
	for _, a := range start.Attr {
		switch a.Name.Local {
		case "type":
			e.Type = a.Value
		case "id":
			e.ID = a.Value
		case "to":
			if j, err := jid.Parse(a.Value); err == nil {
				e.To = j
			}
		case "from":
			if j, err := jid.Parse(a.Value); err == nil {
				e.From = j
			}
		}
	}
	return e
}

// payloadNode reads the single child element of a top-level stanza's inner
// token stream (e.g. the <ping/>, <request/>, or <pubsub/> payload of an
// already-dispatched message/iq) into an xmlutil.Node tree. Returns nil if
// the stanza carries no child element.
func payloadNode(r xml.TokenReader) (*xmlutil.Node, error) {
	dec := xml.NewTokenDecoder(r)
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			return xmlutil.ReadNode(dec, t)
		case xml.EndElement:
			return nil, nil
		}
	}
}

// payloadNodes is like payloadNode but reads every top-level sibling element,
// since a presence stanza's Pong may be accompanied by a sibling
// SupportedNotifications element.
func payloadNodes(r xml.TokenReader) ([]*xmlutil.Node, error) {
	dec := xml.NewTokenDecoder(r)
	var nodes []*xmlutil.Node
	for {
		tok, err := dec.Token()
		if err != nil {
			if err == io.EOF {
				return nodes, nil
			}
			return nodes, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			n, err := xmlutil.ReadNode(dec, t)
			if err != nil {
				return nodes, err
			}
			nodes = append(nodes, n)
		case xml.EndElement:
			return nodes, nil
		}
	}
}
