// Package xmppconn wraps mellium.im/xmpp's Session and dial packages into
// the login/send/dispatch/teardown abstraction Charon's server and client
// share, so neither has to touch the low-level negotiation and stanza
// dispatch machinery directly.
package xmppconn

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/xml"
	"fmt"
	"os"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"mellium.im/xmlstream"
	"mellium.im/xmpp"
	"mellium.im/xmpp/dial"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/mux"

	"github.com/xaya/charon/internal/xmlutil"
	"github.com/xaya/charon/pubsubcoord"
)

var log = logrus.WithField("component", "xmppconn")

// PingHandler is invoked for an incoming Charon discovery message sent to
// our bare identity.
type PingHandler func(from *jid.JID)

// PresenceHandler is invoked for an incoming presence stanza with every
// top-level payload element it carried (a Pong may be accompanied by a
// sibling SupportedNotifications element).
type PresenceHandler func(start xml.StartElement, from *jid.JID, nodes []*xmlutil.Node)

// RequestHandler is invoked for an incoming IQ of type "get" carrying an
// RpcRequest; it replies by writing into the session directly (via the
// Connection's serialized send path) rather than returning a value, since a
// backend call may be arbitrarily slow.
type RequestHandler func(from *jid.JID, id string, node *xmlutil.Node)

// Connection owns a single logged-in XMPP session plus its receive loop. It
// is the only thing in this module that talks to mellium.im/xmpp directly.
type Connection struct {
	full     *jid.JID
	password string
	rootCA   string

	sendMu sync.Mutex // serializes writes made through SendWithSession, including IQ replies; IQ round trips via Session() do not take it
	stMu   sync.Mutex
	sess   *xmpp.Session
	done   chan struct{}

	pubsub *pubsubcoord.Coordinator

	onPing     PingHandler
	onPresence PresenceHandler
	onRequest  RequestHandler
	onCleared  func()
}

// New returns a disconnected Connection for the given full identity.
func New(full *jid.JID, password string) *Connection {
	return &Connection{full: full, password: password}
}

// SetRootCA supplies an explicit trust root file (PEM) used instead of the
// system default on every subsequent Connect.
func (c *Connection) SetRootCA(path string) {
	c.stMu.Lock()
	defer c.stMu.Unlock()
	c.rootCA = path
}

// SetHandlers installs the stanza-dispatch callbacks. Must be called before
// Connect.
func (c *Connection) SetHandlers(onPing PingHandler, onPresence PresenceHandler, onRequest RequestHandler, onCleared func()) {
	c.onPing = onPing
	c.onPresence = onPresence
	c.onRequest = onRequest
	c.onCleared = onCleared
}

func (c *Connection) tlsConfig() (*tls.Config, error) {
	c.stMu.Lock()
	path := c.rootCA
	c.stMu.Unlock()

	if path == "" {
		return &tls.Config{}, nil
	}
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("xmppconn: reading CA file %q: %w", path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("xmppconn: no usable certificates found in %q", path)
	}
	return &tls.Config{RootCAs: pool}, nil
}

// Connect dials, negotiates, sends initial presence with the given priority,
// and starts the receive loop. Returns an error (without transitioning any
// persistent state) on failure.
func (c *Connection) Connect(ctx context.Context, priority int8) error {
	tlsConfig, err := c.tlsConfig()
	if err != nil {
		return err
	}

	conn, err := dial.Client(ctx, "tcp", *c.full)
	if err != nil {
		return fmt.Errorf("xmppconn: dialing %s: %w", c.full, err)
	}

	sess, err := negotiateSession(ctx, c.full, c.password, tlsConfig, conn)
	if err != nil {
		conn.Close()
		return err
	}

	return c.ConnectSession(ctx, sess, priority)
}

// ConnectSession wires an already-negotiated session into the connection,
// sends initial presence, and starts the receive loop, skipping dial and
// stream negotiation. Exposed for tests (see internal/charontest) that drive
// a real xmpp.Session pair instead of dialing a live server.
func (c *Connection) ConnectSession(ctx context.Context, sess *xmpp.Session, priority int8) error {
	c.stMu.Lock()
	c.sess = sess
	c.done = make(chan struct{})
	c.stMu.Unlock()

	if err := c.sendInitialPresence(ctx, priority); err != nil {
		c.stMu.Lock()
		c.sess = nil
		c.stMu.Unlock()
		sess.Close()
		return fmt.Errorf("xmppconn: sending initial presence: %w", err)
	}

	done := c.done
	go func() {
		serveErr := sess.Serve(c.mux())
		log.WithError(serveErr).WithField("jid", c.full.String()).Info("xmppconn: receive loop exited")
		c.stMu.Lock()
		if c.sess == sess {
			c.sess = nil
		}
		c.stMu.Unlock()
		close(done)
		if cb := c.onCleared; cb != nil {
			cb()
		}
	}()

	log.WithField("jid", c.full.String()).Info("xmppconn: connected")
	return nil
}

func (c *Connection) sendInitialPresence(ctx context.Context, priority int8) error {
	toks := []xml.Token{
		xml.StartElement{Name: xml.Name{Local: "presence"}},
	}
	toks = append(toks, []xml.Token{
		xml.StartElement{Name: xml.Name{Local: "priority"}},
		xml.CharData(fmt.Sprintf("%d", priority)),
		xml.EndElement{Name: xml.Name{Local: "priority"}},
	}...)
	toks = append(toks, xml.EndElement{Name: xml.Name{Local: "presence"}})
	return c.SendWithSession(func(s *xmpp.Session) error {
		return s.Send(ctx, xmlutil.Tokens(toks...))
	})
}

// SendWithSession runs fn with exclusive access to the underlying session's
// write path. Safe to call from any goroutine, including from within a
// dispatched handler (the receive loop never holds sendMu while dispatching,
// so there is no reentrancy hazard).
func (c *Connection) SendWithSession(fn func(s *xmpp.Session) error) error {
	c.stMu.Lock()
	sess := c.sess
	c.stMu.Unlock()
	if sess == nil {
		return fmt.Errorf("xmppconn: not connected")
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return fn(sess)
}

// Session returns the current underlying session, or nil if disconnected.
// Intended for read-only operations (SendIQ/UnmarshalIQ) that already
// serialize their own writes internally via mellium's own per-call locking;
// callers that emit multi-token streams must go through SendWithSession
// instead.
func (c *Connection) Session() *xmpp.Session {
	c.stMu.Lock()
	defer c.stMu.Unlock()
	return c.sess
}

// AddPubSub attaches a pub/sub coordinator bound to service.
func (c *Connection) AddPubSub(service *jid.JID) {
	c.stMu.Lock()
	defer c.stMu.Unlock()
	c.pubsub = pubsubcoord.New(c.sess, service, c.full)
}

// GetPubSub returns the currently attached coordinator, or nil.
func (c *Connection) GetPubSub() *pubsubcoord.Coordinator {
	c.stMu.Lock()
	defer c.stMu.Unlock()
	return c.pubsub
}

// IsConnected reports whether a session is currently established.
func (c *Connection) IsConnected() bool {
	c.stMu.Lock()
	defer c.stMu.Unlock()
	return c.sess != nil
}

// Disconnect stops the receive loop, tears down pub/sub, and closes the
// session. Safe to call when already disconnected.
func (c *Connection) Disconnect() error {
	c.stMu.Lock()
	sess := c.sess
	ps := c.pubsub
	done := c.done
	c.sess = nil
	c.pubsub = nil
	c.stMu.Unlock()

	if sess == nil {
		return nil
	}

	var result *multierror.Error
	if ps != nil {
		if err := ps.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := sess.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if done != nil {
		<-done
	}
	log.WithField("jid", c.full.String()).Info("xmppconn: disconnected")
	return result.ErrorOrNil()
}

func (c *Connection) mux() *mux.ServeMux {
	return mux.New(
		mux.MessageFunc(c.handleMessage),
		mux.PresenceFunc(c.handlePresence),
		mux.IQFunc(c.handleIQ),
	)
}

func (c *Connection) handleMessage(t xmlstream.TokenReadWriter, start *xml.StartElement) error {
	env := readEnvelope(*start)
	node, err := payloadNode(xmlstream.Inner(t))
	if err != nil || node == nil {
		return nil
	}
	switch node.Name.Local {
	case "ping":
		if c.onPing != nil && env.From != nil {
			c.onPing(env.From)
		}
	case "event":
		if ps := c.GetPubSub(); ps != nil {
			ps.HandleEvent(node)
		}
	}
	return nil
}

func (c *Connection) handlePresence(t xmlstream.TokenReadWriter, start *xml.StartElement) error {
	nodes, err := payloadNodes(xmlstream.Inner(t))
	if err != nil {
		return nil
	}
	env := readEnvelope(*start)
	if c.onPresence != nil {
		c.onPresence(*start, env.From, nodes)
	}
	return nil
}

func (c *Connection) handleIQ(t xmlstream.TokenReadWriter, start *xml.StartElement) error {
	env := readEnvelope(*start)
	if env.Type != "get" {
		// Responses to our own outgoing SendIQ calls are consumed by mellium
		// internally before reaching the mux; anything else of type set/
		// result/error reaching here is not something Charon's server side
		// answers.
		_, _ = xmlstream.Copy(xmlstream.Discard(), xmlstream.Inner(t))
		return nil
	}
	node, err := payloadNode(xmlstream.Inner(t))
	if err != nil || node == nil {
		log.WithError(err).Warn("xmppconn: dropping malformed IQ get")
		return nil
	}
	if c.onRequest != nil && env.From != nil {
		c.onRequest(env.From, env.ID, node)
	}
	return nil
}

// ReplyResult sends an IQ of type "result" addressed to `to` with the given
// id, wrapping payload.
func (c *Connection) ReplyResult(ctx context.Context, to *jid.JID, id string, payload xml.TokenReader) error {
	var inner []xml.Token
	for {
		tok, err := payload.Token()
		if err != nil {
			break
		}
		inner = append(inner, xml.CopyToken(tok))
	}
	env := envelope("iq", "result", to, nil, id, inner)
	return c.SendWithSession(func(s *xmpp.Session) error {
		return s.Send(ctx, xmlutil.Tokens(env...))
	})
}

// drain fully consumes r, returning a deep copy of its tokens, or nil if r
// is nil.
func drain(r xml.TokenReader) []xml.Token {
	if r == nil {
		return nil
	}
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

// SendMessage sends a message stanza of the given type (may be "") to to,
// carrying the concatenation of payloads.
func (c *Connection) SendMessage(ctx context.Context, to *jid.JID, typ string, payloads ...xml.TokenReader) error {
	var inner []xml.Token
	for _, p := range payloads {
		inner = append(inner, drain(p)...)
	}
	env := envelope("message", typ, to, nil, "", inner)
	return c.SendWithSession(func(s *xmpp.Session) error {
		return s.Send(ctx, xmlutil.Tokens(env...))
	})
}

// SendPresence sends a presence stanza of the given type (may be "" for
// Available) directed at to, carrying the concatenation of payloads.
func (c *Connection) SendPresence(ctx context.Context, to *jid.JID, typ string, payloads ...xml.TokenReader) error {
	var inner []xml.Token
	for _, p := range payloads {
		inner = append(inner, drain(p)...)
	}
	env := envelope("presence", typ, to, nil, "", inner)
	return c.SendWithSession(func(s *xmpp.Session) error {
		return s.Send(ctx, xmlutil.Tokens(env...))
	})
}
