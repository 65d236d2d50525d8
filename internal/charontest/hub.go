package charontest

import (
	"context"
	"encoding/xml"
	"sync"

	"mellium.im/xmlstream"
	"mellium.im/xmpp"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/mux"

	"github.com/xaya/charon/internal/xmlutil"
)

// Trio pairs a client session and a server session through a third party
// standing in for the shared home server: it routes stanzas addressed to
// the other side verbatim (stamping "from" the way a real server does) and
// answers XEP-0060 pub/sub requests addressed to hubFull, since Charon
// itself never implements a pub/sub service — a real deployment reaches one
// over the same c2s stream used for everything else. Trio exists so tests
// can drive a real client<->server exchange, including subscribe/publish,
// without a live XMPP server.
type Trio struct {
	Client *xmpp.Session
	Server *xmpp.Session

	hub *pubsubHub
}

// NewTrio negotiates a client<->hub and a server<->hub session pair and
// starts the hub's two routing loops.
func NewTrio(ctx context.Context, clientFull, serverFull, hubFull *jid.JID) (*Trio, error) {
	toClient, err := NewPair(ctx, clientFull, hubFull)
	if err != nil {
		return nil, err
	}
	toServer, err := NewPair(ctx, serverFull, hubFull)
	if err != nil {
		return nil, err
	}

	h := &pubsubHub{
		hubFull:    hubFull,
		clientFull: clientFull,
		serverFull: serverFull,
		clientLeg:  toClient.Remote,
		serverLeg:  toServer.Remote,
		nodes:      map[string]bool{},
		subs:       map[string]*jid.JID{},
	}
	go h.clientLeg.Serve(h.legMux(clientFull, h.clientLeg, h.serverLeg))
	go h.serverLeg.Serve(h.legMux(serverFull, h.serverLeg, h.clientLeg))

	return &Trio{Client: toClient.Local, Server: toServer.Local, hub: h}, nil
}

// Close closes both of the hub's own session legs. Callers are responsible
// for closing the Client/Server sessions they were handed.
func (tr *Trio) Close() error {
	err := tr.hub.clientLeg.Close()
	if serr := tr.hub.serverLeg.Close(); err == nil {
		err = serr
	}
	return err
}

type pubsubHub struct {
	hubFull, clientFull, serverFull *jid.JID
	clientLeg, serverLeg            *xmpp.Session

	mu    sync.Mutex
	nodes map[string]bool
	subs  map[string]*jid.JID
}

func (h *pubsubHub) legMux(ownIdentity *jid.JID, own, other *xmpp.Session) *mux.ServeMux {
	return mux.New(
		mux.IQFunc(func(t xmlstream.TokenReadWriter, start *xml.StartElement) error {
			return h.handleIQ(ownIdentity, own, other, t, start)
		}),
		mux.MessageFunc(func(t xmlstream.TokenReadWriter, start *xml.StartElement) error {
			return h.route(ownIdentity, other, "message", t, start)
		}),
		mux.PresenceFunc(func(t xmlstream.TokenReadWriter, start *xml.StartElement) error {
			return h.route(ownIdentity, other, "presence", t, start)
		}),
	)
}

func attrValue(start xml.StartElement, name string) string {
	for _, a := range start.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

// stampedAttrs copies start's attributes, replacing (or adding) "from" with
// ownIdentity, the way a real server overwrites the from address on
// anything it routes.
func stampedAttrs(start xml.StartElement, ownIdentity *jid.JID) []xml.Attr {
	attrs := make([]xml.Attr, 0, len(start.Attr)+1)
	stamped := false
	for _, a := range start.Attr {
		if a.Name.Local == "from" {
			attrs = append(attrs, xml.Attr{Name: a.Name, Value: ownIdentity.String()})
			stamped = true
			continue
		}
		attrs = append(attrs, a)
	}
	if !stamped {
		attrs = append(attrs, xml.Attr{Name: xml.Name{Local: "from"}, Value: ownIdentity.String()})
	}
	return attrs
}

func drainTokens(r xml.TokenReader) []xml.Token {
	var toks []xml.Token
	for {
		tok, err := r.Token()
		if err != nil {
			break
		}
		toks = append(toks, xml.CopyToken(tok))
	}
	return toks
}

func sendStanza(sess *xmpp.Session, local string, attrs []xml.Attr, inner []xml.Token) error {
	start := xml.StartElement{Name: xml.Name{Local: local}, Attr: attrs}
	toks := make([]xml.Token, 0, len(inner)+2)
	toks = append(toks, start)
	toks = append(toks, inner...)
	toks = append(toks, start.End())
	return sess.Send(context.Background(), xmlutil.Tokens(toks...))
}

// route forwards a message/presence stanza not addressed to the hub itself
// on to the other leg, stamping "from" as ownIdentity.
func (h *pubsubHub) route(ownIdentity *jid.JID, other *xmpp.Session, local string, t xmlstream.TokenReadWriter, start *xml.StartElement) error {
	inner := drainTokens(xmlstream.Inner(t))
	return sendStanza(other, local, stampedAttrs(*start, ownIdentity), inner)
}

func (h *pubsubHub) isHub(addr string) bool {
	if addr == "" {
		return false
	}
	j, err := jid.Parse(addr)
	if err != nil {
		return false
	}
	return j.Bare().Equal(h.hubFull.Bare())
}

func (h *pubsubHub) handleIQ(ownIdentity *jid.JID, own, other *xmpp.Session, t xmlstream.TokenReadWriter, start *xml.StartElement) error {
	if !h.isHub(attrValue(*start, "to")) {
		return h.route(ownIdentity, other, "iq", t, start)
	}

	id := attrValue(*start, "id")
	dec := xml.NewTokenDecoder(xmlstream.Inner(t))
	tok, err := dec.Token()
	if err != nil {
		return nil
	}
	pstart, ok := tok.(xml.StartElement)
	if !ok || pstart.Name.Local != "pubsub" {
		return nil
	}
	node, err := xmlutil.ReadNode(dec, pstart)
	if err != nil || node == nil {
		return nil
	}

	switch {
	case node.Child("create") != nil:
		name, _ := node.Child("create").Attribute("node")
		h.mu.Lock()
		h.nodes[name] = true
		h.mu.Unlock()
		return h.replyResult(own, id, nil)
	case node.Child("subscribe") != nil:
		sub := node.Child("subscribe")
		name, _ := sub.Attribute("node")
		subJID, _ := sub.Attribute("jid")
		if j, err := jid.Parse(subJID); err == nil {
			h.mu.Lock()
			h.subs[name] = j
			h.mu.Unlock()
		}
		reply := []*xmlutil.Node{{
			Name: xml.Name{Local: "subscription"},
			Attr: []xml.Attr{
				{Name: xml.Name{Local: "node"}, Value: name},
				{Name: xml.Name{Local: "subscription"}, Value: "subscribed"},
			},
		}}
		return h.replyResult(own, id, reply)
	case node.Child("publish") != nil:
		pub := node.Child("publish")
		name, _ := pub.Attribute("node")
		var item *xmlutil.Node
		if it := pub.Child("item"); it != nil && len(it.Children) > 0 {
			item = it.Children[0]
		}
		if err := h.replyResult(own, id, nil); err != nil {
			return nil
		}
		h.deliverEvent(name, item)
		return nil
	}
	return nil
}

// replyResult sends an IQ of type "result" with the given id back on own,
// wrapping children (if any) in a <pubsub/> element the way the real
// service's replies are shaped. Matched purely by id, per mellium's own
// SendIQ contract, so "from"/"to" are cosmetic here.
func (h *pubsubHub) replyResult(own *xmpp.Session, id string, children []*xmlutil.Node) error {
	var inner []xml.Token
	if len(children) > 0 {
		var toks []xml.Token
		for _, c := range children {
			toks = append(toks, nodeTokens(c)...)
		}
		inner = []xml.Token{xml.StartElement{Name: xml.Name{Local: "pubsub"}}}
		inner = append(inner, toks...)
		inner = append(inner, xml.EndElement{Name: xml.Name{Local: "pubsub"}})
	}
	attrs := []xml.Attr{
		{Name: xml.Name{Local: "type"}, Value: "result"},
		{Name: xml.Name{Local: "id"}, Value: id},
	}
	return sendStanza(own, "iq", attrs, inner)
}

// deliverEvent pushes a pub/sub event notification for node's current
// subscriber, if any, addressed on whichever leg that subscriber lives on.
func (h *pubsubHub) deliverEvent(node string, item *xmlutil.Node) {
	h.mu.Lock()
	subscriber := h.subs[node]
	h.mu.Unlock()
	if subscriber == nil {
		return
	}

	var itemToks []xml.Token
	if item != nil {
		itemToks = nodeTokens(item)
	}
	inner := []xml.Token{
		xml.StartElement{Name: xml.Name{Local: "items"}, Attr: []xml.Attr{{Name: xml.Name{Local: "node"}, Value: node}}},
		xml.StartElement{Name: xml.Name{Local: "item"}},
	}
	inner = append(inner, itemToks...)
	inner = append(inner,
		xml.EndElement{Name: xml.Name{Local: "item"}},
		xml.EndElement{Name: xml.Name{Local: "items"}},
	)
	event := []xml.Token{xml.StartElement{Name: xml.Name{Local: "event"}}}
	event = append(event, inner...)
	event = append(event, xml.EndElement{Name: xml.Name{Local: "event"}})

	leg := h.serverLeg
	if subscriber.Bare().Equal(h.clientFull.Bare()) {
		leg = h.clientLeg
	}
	attrs := []xml.Attr{{Name: xml.Name{Local: "to"}, Value: subscriber.String()}}
	_ = sendStanza(leg, "message", attrs, event)
}

// nodeTokens serializes an xmlutil.Node tree back into an xml.Token stream.
func nodeTokens(n *xmlutil.Node) []xml.Token {
	if n == nil {
		return nil
	}
	start := xml.StartElement{Name: n.Name, Attr: n.Attr}
	toks := []xml.Token{start}
	for _, c := range n.Children {
		toks = append(toks, nodeTokens(c)...)
	}
	if n.Text != "" {
		toks = append(toks, xml.CharData(n.Text))
	}
	toks = append(toks, start.End())
	return toks
}
