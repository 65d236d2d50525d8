package wire

import (
	"encoding/xml"
	"sort"

	"github.com/xaya/charon/internal/xmlutil"
)

// Ping is the payload of a discovery message sent to a bare peer identity:
//
//	<ping xmlns="https://xaya.io/charon/"/>
type Ping struct {
	Valid bool
}

// NewPing returns a valid, payload-less ping.
func NewPing() Ping { return Ping{Valid: true} }

// TokenReader renders the ping, or nil if invalid.
func (p Ping) TokenReader() xml.TokenReader {
	if !p.Valid {
		return nil
	}
	toks := elemStart("ping")
	toks = append(toks, elemEnd("ping"))
	return xmlutil.Tokens(toks...)
}

// DecodePing interprets a <ping/> node. A ping carries no content, so any
// node named "ping" decodes successfully.
func DecodePing(n *xmlutil.Node) Ping {
	if n == nil || n.Name.Local != "ping" {
		return Ping{}
	}
	return Ping{Valid: true}
}

// Pong is the payload of a directed Available presence answering a Ping. An
// empty Version means the server did not advertise one (callers must still
// treat the comparison against a required version the same as any other
// mismatch).
//
//	<pong xmlns="https://xaya.io/charon/" version="1.2.3"/>
type Pong struct {
	Valid   bool
	Version string
}

// NewPong returns a valid pong with the given version string (may be empty).
func NewPong(version string) Pong { return Pong{Valid: true, Version: version} }

// TokenReader renders the pong, or nil if invalid.
func (p Pong) TokenReader() xml.TokenReader {
	if !p.Valid {
		return nil
	}
	start := xml.StartElement{Name: xml.Name{Local: "pong", Space: NS}}
	if p.Version != "" {
		start.Attr = []xml.Attr{{Name: xml.Name{Local: "version"}, Value: p.Version}}
	}
	return xmlutil.Tokens(start, start.End())
}

// DecodePong interprets a <pong/> node.
func DecodePong(n *xmlutil.Node) Pong {
	if n == nil || n.Name.Local != "pong" {
		return Pong{}
	}
	version, _ := n.Attribute("version")
	return Pong{Valid: true, Version: version}
}

// NotificationEntry is one (type name -> pub/sub node name) pair offered by
// a server in a SupportedNotifications stanza.
type NotificationEntry struct {
	Type string
	Node string
}

// SupportedNotifications accompanies a Pong, declaring the pub/sub service
// identity and the (type -> node) mapping currently being published.
//
//	<notifications xmlns="https://xaya.io/charon/" service="pubsub.example.com">
//	  <notification type="state">NODE1</notification>
//	  <notification type="pending">NODE2</notification>
//	</notifications>
type SupportedNotifications struct {
	Valid   bool
	Service string
	Entries []NotificationEntry
}

// NewSupportedNotifications builds a valid instance. service and every
// entry's Type/Node must be non-empty, and types must be unique; violating
// either makes the result invalid (mirroring the parse path, so callers
// cannot accidentally emit a stanza that would fail to round-trip).
func NewSupportedNotifications(service string, entries []NotificationEntry) SupportedNotifications {
	if service == "" {
		return SupportedNotifications{}
	}
	seen := map[string]bool{}
	for _, e := range entries {
		if e.Type == "" || e.Node == "" || seen[e.Type] {
			return SupportedNotifications{}
		}
		seen[e.Type] = true
	}
	cp := append([]NotificationEntry{}, entries...)
	sort.Slice(cp, func(i, j int) bool { return cp[i].Type < cp[j].Type })
	return SupportedNotifications{Valid: true, Service: service, Entries: cp}
}

// HasType reports whether typ is among the declared entries.
func (s SupportedNotifications) HasType(typ string) bool {
	for _, e := range s.Entries {
		if e.Type == typ {
			return true
		}
	}
	return false
}

// NodeFor returns the node name declared for typ, and whether it was found.
func (s SupportedNotifications) NodeFor(typ string) (string, bool) {
	for _, e := range s.Entries {
		if e.Type == typ {
			return e.Node, true
		}
	}
	return "", false
}

// TokenReader renders the stanza, or nil if invalid.
func (s SupportedNotifications) TokenReader() xml.TokenReader {
	if !s.Valid {
		return nil
	}
	start := xml.StartElement{
		Name: xml.Name{Local: "notifications", Space: NS},
		Attr: []xml.Attr{{Name: xml.Name{Local: "service"}, Value: s.Service}},
	}
	toks := []xml.Token{start}
	for _, e := range s.Entries {
		entryStart := xml.StartElement{
			Name: xml.Name{Local: "notification"},
			Attr: []xml.Attr{{Name: xml.Name{Local: "type"}, Value: e.Type}},
		}
		toks = append(toks, entryStart, xml.CharData(e.Node), entryStart.End())
	}
	toks = append(toks, start.End())
	return xmlutil.Tokens(toks...)
}

// DecodeSupportedNotifications interprets a <notifications/> node.
func DecodeSupportedNotifications(n *xmlutil.Node) SupportedNotifications {
	if n == nil || n.Name.Local != "notifications" {
		return SupportedNotifications{}
	}
	service, ok := n.Attribute("service")
	if !ok || service == "" {
		return SupportedNotifications{}
	}
	var entries []NotificationEntry
	seen := map[string]bool{}
	for _, c := range n.Children {
		if c.Name.Local != "notification" {
			continue
		}
		typ, ok := c.Attribute("type")
		if !ok || typ == "" || seen[typ] {
			return SupportedNotifications{}
		}
		if c.Text == "" {
			return SupportedNotifications{}
		}
		seen[typ] = true
		entries = append(entries, NotificationEntry{Type: typ, Node: c.Text})
	}
	return NewSupportedNotifications(service, entries)
}
