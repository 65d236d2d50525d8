package wire

import (
	"encoding/json"
	"encoding/xml"

	"github.com/xaya/charon/internal/xmlutil"
	"github.com/xaya/charon/payload"
)

// NotificationUpdate is the payload of a pub/sub item publication:
//
//	<update xmlns="https://xaya.io/charon/" type="state">PAYLOAD</update>
type NotificationUpdate struct {
	Valid bool
	Type  string
	State json.RawMessage
}

// NewNotificationUpdate builds a valid update for the given notification
// type and JSON state (which may be nil, encoded as JSON null).
func NewNotificationUpdate(typ string, state interface{}) (NotificationUpdate, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return NotificationUpdate{}, err
	}
	return NotificationUpdate{Valid: true, Type: typ, State: raw}, nil
}

// TokenReader renders the update, or nil if invalid.
func (u NotificationUpdate) TokenReader() xml.TokenReader {
	if !u.Valid {
		return nil
	}
	stateToks, err := payload.EncodeJSON(json.RawMessage(u.State))
	if err != nil {
		return nil
	}
	start := xml.StartElement{
		Name: xml.Name{Local: "update", Space: NS},
		Attr: []xml.Attr{{Name: xml.Name{Local: "type"}, Value: u.Type}},
	}
	toks := []xml.Token{start}
	toks = append(toks, stateToks...)
	toks = append(toks, start.End())
	return xmlutil.Tokens(toks...)
}

// DecodeNotificationUpdate interprets an <update/> node.
func DecodeNotificationUpdate(n *xmlutil.Node) NotificationUpdate {
	if n == nil || n.Name.Local != "update" {
		return NotificationUpdate{}
	}
	typ, ok := n.Attribute("type")
	if !ok || typ == "" {
		return NotificationUpdate{}
	}
	raw, err := payload.DecodeJSON(n)
	if err != nil {
		return NotificationUpdate{}
	}
	return NotificationUpdate{Valid: true, Type: typ, State: raw}
}
