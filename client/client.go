// Package client implements the Charon client side: peer discovery over a
// ping/pong presence handshake, JSON-RPC call forwarding over IQ, and
// notification tracking over a subscribed pub/sub node.
package client

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"mellium.im/xmpp"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/xaya/charon/internal/xmlutil"
	"github.com/xaya/charon/notify"
	"github.com/xaya/charon/wire"
	"github.com/xaya/charon/xmppconn"
)

var log = logrus.WithField("component", "client")

// DefaultTimeout is used when New is given a zero timeout.
const DefaultTimeout = 3 * time.Second

// waitForChangePollTimeout is the fixed poll interval WaitForChange uses
// while waiting for a state update, per §4.6.
const waitForChangePollTimeout = 5 * time.Second

// RPCError is the error a Client raises for a failed ForwardMethod call,
// either relayed verbatim from the backend or synthesized for a transport
// failure (using the well-known JSON-RPC internal-error code).
type RPCError struct {
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("charon: rpc error %d: %s", e.Code, e.Message)
}

func internalError(format string, args ...interface{}) *RPCError {
	return &RPCError{Code: wire.ErrCodeInternal, Message: fmt.Sprintf(format, args...)}
}

// enabledNotification is the client-side state of one notification type this
// client has been configured to track.
type enabledNotification struct {
	typ notify.Type

	mu       sync.Mutex
	cond     *sync.Cond
	hasState bool
	state    json.RawMessage
	node     string // pub/sub node once subscribed; "" until then
}

// Client is the discovery/selection/forwarding half of Charon. It owns one
// xmppconn.Connection.
type Client struct {
	conn        *xmppconn.Connection
	full        *jid.JID
	bareServer  *jid.JID
	requiredVer string
	timeout     time.Duration
	pingGroup   singleflight.Group

	mu       sync.Mutex
	cond     *sync.Cond
	selected *jid.JID

	notifications map[string]*enabledNotification
}

// New returns a disconnected Client. bareServer is the target server's bare
// identity; requiredVersion must match the version a candidate server
// advertises in its Pong. A zero timeout uses DefaultTimeout.
func New(full *jid.JID, password string, bareServer *jid.JID, requiredVersion string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		conn:          xmppconn.New(full, password),
		full:          full,
		bareServer:    bareServer.Bare(),
		requiredVer:   requiredVersion,
		timeout:       timeout,
		notifications: map[string]*enabledNotification{},
	}
	c.cond = sync.NewCond(&c.mu)
	c.conn.SetHandlers(nil, c.OnPresence, nil, c.handleDisconnect)
	return c
}

// SetRootCA delegates to the underlying connection.
func (c *Client) SetRootCA(path string) { c.conn.SetRootCA(path) }

// EnableNotification registers typ as a notification this client should
// track once a server is selected. Must be called before Connect.
func (c *Client) EnableNotification(name string, typ notify.Type) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := &enabledNotification{typ: typ}
	n.cond = sync.NewCond(&n.mu)
	c.notifications[name] = n
}

// Connect logs in and begins serving. Discovery of a server happens lazily,
// the first time EnsureConnected (directly, or via ForwardMethod/
// WaitForChange/GetServerResource) is called.
func (c *Client) Connect(ctx context.Context, priority int8) error {
	return c.conn.Connect(ctx, priority)
}

// ConnectSession is like Connect but wires in an already-negotiated session
// (see internal/charontest) instead of dialing, for tests that exercise a
// real client/server pair without a live XMPP server.
func (c *Client) ConnectSession(ctx context.Context, sess *xmpp.Session, priority int8) error {
	return c.conn.ConnectSession(ctx, sess, priority)
}

// Disconnect tears the connection down.
func (c *Client) Disconnect() error {
	return c.conn.Disconnect()
}

func (c *Client) handleDisconnect() {
	c.mu.Lock()
	c.selected = nil
	c.cond.Broadcast()
	c.mu.Unlock()
}

// EnsureConnected returns the currently selected server's full identity,
// discovering one via a ping/pong handshake if none is currently selected.
// Returns nil (no error) if no server responds within the configured
// timeout.
func (c *Client) EnsureConnected(ctx context.Context) (*jid.JID, error) {
	c.mu.Lock()
	if c.selected != nil {
		sel := c.selected
		c.mu.Unlock()
		return sel, nil
	}
	c.mu.Unlock()

	v, err, _ := c.pingGroup.Do(c.bareServer.String(), func() (interface{}, error) {
		return c.discover(ctx)
	})
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return v.(*jid.JID), nil
}

// discover sends a Ping to the bare server identity and waits up to
// c.timeout for OnPresence to record a selection.
func (c *Client) discover(ctx context.Context) (interface{}, error) {
	deadline := time.Now().Add(c.timeout)
	ping := wire.NewPing()
	sendCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	if err := c.conn.SendMessage(sendCtx, c.bareServer, "", ping.TokenReader()); err != nil {
		return nil, fmt.Errorf("charon: sending discovery ping: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for c.selected == nil {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return (*jid.JID)(nil), nil
		}
		waitOnce(c.cond, remaining)
	}
	return c.selected, nil
}

// OnPresence is the connection's presence-dispatch callback.
func (c *Client) OnPresence(start xml.StartElement, from *jid.JID, nodes []*xmlutil.Node) {
	typ := attrType(start)
	switch typ {
	case "", "available":
		c.handleAvailable(from, nodes)
	case "unavailable":
		c.handleUnavailable(from)
	}
}

func attrType(start xml.StartElement) string {
	for _, a := range start.Attr {
		if a.Name.Local == "type" {
			return a.Value
		}
	}
	return ""
}

func (c *Client) handleAvailable(from *jid.JID, nodes []*xmlutil.Node) {
	if from == nil {
		return
	}
	var pong wire.Pong
	var supported wire.SupportedNotifications
	for _, n := range nodes {
		switch n.Name.Local {
		case "pong":
			pong = wire.DecodePong(n)
		case "notifications":
			supported = wire.DecodeSupportedNotifications(n)
		}
	}
	if !pong.Valid || pong.Version != c.requiredVer {
		return
	}
	if !from.Bare().Equal(c.bareServer) {
		return
	}

	c.mu.Lock()
	names := make([]string, 0, len(c.notifications))
	for name := range c.notifications {
		names = append(names, name)
	}
	alreadySelected := c.selected != nil
	c.mu.Unlock()

	if len(names) > 0 {
		if !supported.Valid {
			return
		}
		for _, name := range names {
			if !supported.HasType(name) {
				return
			}
		}
	}

	if alreadySelected {
		return
	}
	c.SetSelectedServer(from, supported)
}

func (c *Client) handleUnavailable(from *jid.JID) {
	if from == nil {
		return
	}
	c.mu.Lock()
	if c.selected != nil && c.selected.Equal(from) {
		c.selected = nil
		c.cond.Broadcast()
	}
	c.mu.Unlock()
}

// SetSelectedServer records fullId as the selected peer, completes the
// mutual-subscription handshake, and (if any notification types are
// enabled) attaches a pub/sub coordinator and starts subscribing to each
// declared node. First-caller-wins: if a peer is already selected by the
// time this runs, it does nothing.
func (c *Client) SetSelectedServer(fullId *jid.JID, supported wire.SupportedNotifications) {
	if !fullId.Bare().Equal(c.bareServer) {
		log.WithField("from", fullId.String()).Warn("client: SetSelectedServer called for foreign bare identity")
		return
	}

	c.mu.Lock()
	if c.selected != nil {
		c.mu.Unlock()
		return
	}
	c.selected = fullId
	names := make([]string, 0, len(c.notifications))
	for name := range c.notifications {
		names = append(names, name)
	}
	c.mu.Unlock()
	c.cond.Broadcast()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.conn.SendPresence(ctx, fullId, "", nil); err != nil {
		log.WithError(err).WithField("to", fullId.String()).Warn("client: failed to send directed presence")
	}

	if len(names) == 0 {
		return
	}

	service, err := jid.Parse(supported.Service)
	if err != nil {
		log.WithError(err).WithField("service", supported.Service).Warn("client: malformed pub/sub service identity")
		return
	}

	// Deadlock hazard #1 (§5): SubscribeToNode blocks on an IQ reply, and that
	// reply can only be delivered by the connection's own Serve-loop goroutine
	// (the same goroutine that dispatches presence and thus calls this very
	// method). Waiting for the subscribes here would starve that goroutine and
	// guarantee every subscribe times out. Fire the whole subscribe/join tail
	// on its own goroutine instead, so Serve keeps reading tokens.
	c.conn.AddPubSub(service)
	go c.subscribeAll(names, supported)
}

func (c *Client) subscribeAll(names []string, supported wire.SupportedNotifications) {
	var wg sync.WaitGroup
	for _, name := range names {
		name := name
		node, ok := supported.NodeFor(name)
		if !ok {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.subscribe(name, node)
		}()
	}
	wg.Wait()
}

func (c *Client) subscribe(name, node string) {
	ps := c.conn.GetPubSub()
	if ps == nil {
		return
	}
	c.mu.Lock()
	n, ok := c.notifications[name]
	c.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	ok = ps.SubscribeToNode(ctx, node, func(item *xmlutil.Node) {
		c.onNotificationItem(name, n, item)
	})
	if !ok {
		log.WithField("notification", name).WithField("node", node).Warn("client: subscribe failed")
		return
	}
	n.mu.Lock()
	n.node = node
	n.mu.Unlock()
}

func (c *Client) onNotificationItem(name string, n *enabledNotification, item *xmlutil.Node) {
	update := wire.DecodeNotificationUpdate(item)
	if !update.Valid || update.Type != name {
		return
	}
	n.mu.Lock()
	n.hasState = true
	n.state = update.State
	n.cond.Broadcast()
	n.mu.Unlock()
}

// ForwardMethod calls method on the selected server with the given params,
// discovering a peer first if necessary, and waits up to the client's
// timeout for the reply.
func (c *Client) ForwardMethod(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	target, err := c.EnsureConnected(ctx)
	if err != nil {
		return nil, internalError("discovering server: %v", err)
	}
	if target == nil {
		return nil, internalError("no charon server found within timeout")
	}

	req, err := wire.NewRpcRequest(method, params)
	if err != nil {
		return nil, internalError("building request: %v", err)
	}

	sess := c.conn.Session()
	if sess == nil {
		return nil, internalError("not connected")
	}

	id := uuid.NewString()
	iq := stanza.IQ{Type: stanza.GetIQ, To: target, ID: id}
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := sess.SendIQElement(callCtx, req.TokenReader(), iq)
	if err != nil {
		return nil, internalError("timeout waiting for reply from %s", target.String())
	}
	defer resp.Close()

	tok, err := resp.Token()
	if err != nil {
		return nil, internalError("malformed reply from %s", target.String())
	}
	start, ok := tok.(xml.StartElement)
	if !ok {
		return nil, internalError("malformed reply from %s", target.String())
	}

	switch attrType(start) {
	case "error":
		if isServiceUnavailable(resp) {
			return nil, internalError("server unavailable")
		}
		return nil, internalError("server returned a transport-level error")
	case "result":
		dec := xml.NewTokenDecoder(resp)
		tok, err := dec.Token()
		if err != nil {
			return nil, internalError("malformed reply from %s", target.String())
		}
		rstart, ok := tok.(xml.StartElement)
		if !ok {
			return nil, internalError("malformed reply from %s", target.String())
		}
		node, err := xmlutil.ReadNode(dec, rstart)
		if err != nil {
			return nil, internalError("malformed reply from %s", target.String())
		}
		respWire := wire.DecodeRpcResponse(node)
		if !respWire.Valid {
			return nil, internalError("malformed RPC response from %s", target.String())
		}
		if respWire.Success {
			return respWire.Result, nil
		}
		return nil, &RPCError{Code: respWire.ErrorCode, Message: respWire.ErrorMsg, Data: respWire.ErrorData}
	default:
		return nil, internalError("unexpected reply type from %s", target.String())
	}
}

// isServiceUnavailable reports whether r's remaining tokens contain a
// service-unavailable stanza-error condition element.
func isServiceUnavailable(r xml.TokenReader) bool {
	dec := xml.NewTokenDecoder(r)
	for {
		tok, err := dec.Token()
		if err != nil {
			return false
		}
		if se, ok := tok.(xml.StartElement); ok && se.Name.Local == "service-unavailable" {
			return true
		}
	}
}

// WaitForChange returns the current state of the named notification, or
// blocks up to a fixed poll timeout if knownId (the caller's last-seen state
// id, or the type's AlwaysBlockID sentinel) still matches the current state.
func (c *Client) WaitForChange(name string, knownID interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	n, ok := c.notifications[name]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("charon: notification type %q is not enabled", name)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.hasState && knownID != n.typ.AlwaysBlockID() {
		id, err := n.typ.ExtractStateID(n.state)
		if err == nil {
			// Compare JSON encodings, so that an int64 id matches the float64 a
			// JSON-decoded knownID carries, and object ids compare by value.
			idJSON, idErr := json.Marshal(id)
			knownJSON, knownErr := json.Marshal(knownID)
			if idErr == nil && knownErr == nil && string(idJSON) != string(knownJSON) {
				return n.state, nil
			}
		}
	}

	waitOnce(n.cond, waitForChangePollTimeout)
	return n.state, nil
}

// GetServerResource forces discovery and returns the selected server's
// resource part, or "" if none is selected.
func (c *Client) GetServerResource(ctx context.Context) string {
	sel, err := c.EnsureConnected(ctx)
	if err != nil || sel == nil {
		return ""
	}
	return sel.Resourcepart()
}
