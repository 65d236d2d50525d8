// Package pubsubcoord implements Charon's pub/sub coordinator: the
// owned-node lifecycle, subscription registry, and item-callback demuxer
// layered on top of mellium.im/xmpp/pubsub's XEP-0060 IQ helpers.
//
// A Coordinator is owned exclusively by one xmppconn.Connection and shares
// that connection's session for as long as the connection is alive; it never
// outlives it.
package pubsubcoord

import (
	"context"
	"encoding/xml"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"mellium.im/xmlstream"
	"mellium.im/xmpp"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/pubsub"
	"mellium.im/xmpp/stanza"

	"github.com/xaya/charon/internal/xmlutil"
)

var log = logrus.WithField("component", "pubsubcoord")

// ItemCallback is invoked, on the connection's receive goroutine, for every
// non-retracted item delivered to a subscribed node.
type ItemCallback func(item *xmlutil.Node)

// Coordinator tracks the pub/sub nodes this connection owns (and must
// delete on teardown) and the nodes it has subscribed to (with the callback
// to demux incoming items to).
type Coordinator struct {
	sess    *xmpp.Session
	service *jid.JID
	local   *jid.JID

	mu     sync.Mutex
	owned  map[string]struct{}
	subs   map[string]ItemCallback
	closed bool

	liveMu sync.Mutex
	live   map[*call]struct{}
}

// call tracks one in-flight blocking operation so Close can wake it.
type call struct {
	cancel context.CancelFunc
}

// New returns a Coordinator bound to sess and the given pub/sub service
// identity. local is the connection's own full identity, used as the `jid`
// attribute of subscription requests.
func New(sess *xmpp.Session, service *jid.JID, local *jid.JID) *Coordinator {
	return &Coordinator{
		sess:    sess,
		service: service,
		local:   local,
		owned:   map[string]struct{}{},
		subs:    map[string]ItemCallback{},
		live:    map[*call]struct{}{},
	}
}

// track registers a cancelable, closing-aware context for a blocking call
// and returns it along with a cleanup function the caller must defer.
func (c *Coordinator) track(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	cl := &call{cancel: cancel}
	c.liveMu.Lock()
	if c.live == nil {
		// Close already ran; cancel immediately so the caller fails fast.
		c.liveMu.Unlock()
		cancel()
		return ctx, cancel
	}
	c.live[cl] = struct{}{}
	c.liveMu.Unlock()
	return ctx, func() {
		c.liveMu.Lock()
		delete(c.live, cl)
		c.liveMu.Unlock()
		cancel()
	}
}

// CreateNode requests a new node from the service, blocking until the
// service replies, and returns the node name it was created under. The name
// is generated client-side (the service is asked to create exactly that
// node, rather than relying on the wire-level instant-node reply, which
// mellium.im/xmpp/pubsub does not currently surface) and returned only once
// the service has confirmed creation. Returns "" on failure.
func (c *Coordinator) CreateNode(ctx context.Context) string {
	ctx, done := c.track(ctx)
	defer done()

	node := uuid.NewString()
	if err := pubsub.CreateNodeIQ(ctx, c.sess, stanza.IQ{To: *c.service}, node, nil); err != nil {
		log.WithError(err).WithField("node", node).Warn("pubsubcoord: CreateNode failed")
		return ""
	}

	c.mu.Lock()
	c.owned[node] = struct{}{}
	c.mu.Unlock()
	return node
}

// Publish sends an item publication to node, which must be owned by this
// coordinator, and blocks until the service acknowledges it.
func (c *Coordinator) Publish(ctx context.Context, node string, item xml.TokenReader) error {
	c.mu.Lock()
	_, owned := c.owned[node]
	c.mu.Unlock()
	if !owned {
		return fmt.Errorf("pubsubcoord: node %q is not owned by this coordinator", node)
	}

	ctx, done := c.track(ctx)
	defer done()

	payload := xmlstream.Wrap(
		xmlstream.Wrap(
			xmlstream.Wrap(item, xml.StartElement{Name: xml.Name{Local: "item"}}),
			xml.StartElement{Name: xml.Name{Local: "publish"}, Attr: []xml.Attr{{Name: xml.Name{Local: "node"}, Value: node}}},
		),
		xml.StartElement{Name: xml.Name{Space: pubsub.NS, Local: "pubsub"}},
	)
	return c.sess.UnmarshalIQElement(ctx, payload, stanza.IQ{Type: stanza.SetIQ, To: *c.service}, nil)
}

// SubscribeToNode requests a subscription to node and, on a successful
// "subscribed" reply, installs cb as the node's item callback. Returns false
// on any failure, including a pending/unconfigured subscription state.
func (c *Coordinator) SubscribeToNode(ctx context.Context, node string, cb ItemCallback) bool {
	ctx, done := c.track(ctx)
	defer done()

	payload := xmlstream.Wrap(
		nil,
		xml.StartElement{
			Name: xml.Name{Local: "subscribe"},
			Attr: []xml.Attr{
				{Name: xml.Name{Local: "node"}, Value: node},
				{Name: xml.Name{Local: "jid"}, Value: c.local.String()},
			},
		},
	)
	wrapped := xmlstream.Wrap(payload, xml.StartElement{Name: xml.Name{Space: pubsub.NS, Local: "pubsub"}})

	rc, err := c.sess.SendIQElement(ctx, wrapped, stanza.IQ{Type: stanza.SetIQ, To: *c.service})
	if err != nil {
		log.WithError(err).WithField("node", node).Warn("pubsubcoord: subscribe request failed")
		return false
	}
	defer rc.Close()

	dec := xml.NewTokenDecoder(rc)
	resp, err := readSubscriptionReply(dec)
	if err != nil {
		log.WithError(err).WithField("node", node).Warn("pubsubcoord: malformed subscribe reply")
		return false
	}
	if resp != "subscribed" {
		log.WithField("node", node).WithField("subscription", resp).Warn("pubsubcoord: subscribe not accepted")
		return false
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.subs[node] = cb
	c.mu.Unlock()
	return true
}

func readSubscriptionReply(dec *xml.Decoder) (string, error) {
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", err
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if start.Name.Local != "subscription" {
			continue
		}
		for _, a := range start.Attr {
			if a.Name.Local == "subscription" {
				return a.Value, nil
			}
		}
		return "", nil
	}
}

// HandleEvent demuxes an incoming pub/sub event element (the payload of a
// <message/> carrying <event xmlns="...#event"><items node="..."> ...). Items
// marked retracted are dropped; items for unknown nodes are logged and
// ignored, matching §4.3.
func (c *Coordinator) HandleEvent(event *xmlutil.Node) {
	if event == nil || event.Name.Local != "event" {
		return
	}
	for _, items := range event.Children {
		if items.Name.Local != "items" {
			continue
		}
		node, _ := items.Attribute("node")
		for _, item := range items.Children {
			switch item.Name.Local {
			case "retract":
				continue
			case "item":
				c.dispatch(node, item)
			}
		}
	}
}

func (c *Coordinator) dispatch(node string, item *xmlutil.Node) {
	c.mu.Lock()
	cb := c.subs[node]
	c.mu.Unlock()
	if cb == nil {
		log.WithField("node", node).Warn("pubsubcoord: item for unknown/unsubscribed node")
		return
	}
	var payload *xmlutil.Node
	if len(item.Children) > 0 {
		payload = item.Children[0]
	}
	cb(payload)
}

// Close issues best-effort unsubscribe and delete-node requests for every
// subscription and owned node, without waiting for replies, wakes any
// blocking call still in flight, and does not return until every woken call
// has observed the cancellation and returned.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	owned := c.owned
	c.subs = nil
	c.owned = nil
	c.mu.Unlock()

	c.liveMu.Lock()
	live := c.live
	c.live = nil
	c.liveMu.Unlock()
	for cl := range live {
		cl.cancel()
	}

	var result *multierror.Error
	bg := context.Background()
	for node := range subs {
		if err := c.bestEffortUnsubscribe(bg, node); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for node := range owned {
		if err := c.bestEffortDelete(bg, node); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (c *Coordinator) bestEffortUnsubscribe(ctx context.Context, node string) error {
	payload := xmlstream.Wrap(
		nil,
		xml.StartElement{
			Name: xml.Name{Local: "unsubscribe"},
			Attr: []xml.Attr{
				{Name: xml.Name{Local: "node"}, Value: node},
				{Name: xml.Name{Local: "jid"}, Value: c.local.String()},
			},
		},
	)
	wrapped := xmlstream.Wrap(payload, xml.StartElement{Name: xml.Name{Space: pubsub.NS, Local: "pubsub"}})
	iq := stanza.IQ{ID: uuid.NewString(), Type: stanza.SetIQ, To: *c.service}
	err := c.sess.Send(ctx, iq.Wrap(wrapped))
	if err != nil {
		log.WithError(err).WithField("node", node).Warn("pubsubcoord: best-effort unsubscribe failed")
	}
	return err
}

func (c *Coordinator) bestEffortDelete(ctx context.Context, node string) error {
	payload := xmlstream.Wrap(
		nil,
		xml.StartElement{Name: xml.Name{Local: "delete"}, Attr: []xml.Attr{{Name: xml.Name{Local: "node"}, Value: node}}},
	)
	wrapped := xmlstream.Wrap(payload, xml.StartElement{Name: xml.Name{Space: pubsub.NSOwner, Local: "pubsub"}})
	iq := stanza.IQ{ID: uuid.NewString(), Type: stanza.SetIQ, To: *c.service}
	err := c.sess.Send(ctx, iq.Wrap(wrapped))
	if err != nil {
		log.WithError(err).WithField("node", node).Warn("pubsubcoord: best-effort delete-node failed")
	}
	return err
}
