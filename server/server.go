// Package server implements the Charon server side: it answers ping
// discovery messages with a pong presence declaring its pub/sub
// notifications, answers forwarded JSON-RPC requests against a registered
// method set, and publishes notification updates to its owned pub/sub
// nodes.
package server

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"mellium.im/xmpp"
	"mellium.im/xmpp/jid"

	"github.com/xaya/charon/internal/xmlutil"
	"github.com/xaya/charon/notify"
	"github.com/xaya/charon/waiter"
	"github.com/xaya/charon/wire"
	"github.com/xaya/charon/xmppconn"
)

var log = logrus.WithField("component", "server")

// notificationState is the per-notification entry of §4.5's state machine:
// Attached (running, not publishing, node == "") or Publishing (running,
// node owned and non-empty).
type notificationState struct {
	typ  notify.Type
	loop *waiter.Loop
	node string
}

// Server is the IQ answerer, ping-to-presence responder, and notification
// publisher half of Charon. It owns one xmppconn.Connection.
type Server struct {
	conn          *xmppconn.Connection
	full          *jid.JID
	version       string
	pubsubService *jid.JID

	mu            sync.Mutex
	connected     bool
	notifications map[string]*notificationState
	methods       map[string]MethodHandler
}

// New returns a disconnected Server bound to full (its own identity),
// answering RPC calls with version as the pong's advertised version.
// pubsubService must be non-nil if any notification will ever be added.
func New(full *jid.JID, password string, version string, pubsubService *jid.JID) *Server {
	s := &Server{
		conn:          xmppconn.New(full, password),
		full:          full,
		version:       version,
		pubsubService: pubsubService,
		notifications: map[string]*notificationState{},
		methods:       map[string]MethodHandler{},
	}
	s.conn.SetHandlers(s.handlePing, nil, s.handleRequest, s.handleDisconnect)
	return s
}

// SetRootCA delegates to the underlying connection.
func (s *Server) SetRootCA(path string) { s.conn.SetRootCA(path) }

// RegisterMethod adds name to the forwardable method set.
func (s *Server) RegisterMethod(name string, h MethodHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods[name] = h
}

// AddNotification registers a notification type under name, starting its
// waiter loop immediately. If the server is already connected, the
// notification is published right away (an owned pub/sub node is created
// for it), to preserve the "every registered notification is Publishing
// while connected" invariant.
func (s *Server) AddNotification(name string, typ notify.Type, wait waiter.UpdateWaiter) {
	loop := waiter.New(name, typ, wait)

	s.mu.Lock()
	s.notifications[name] = &notificationState{typ: typ, loop: loop}
	connected := s.connected
	s.mu.Unlock()

	loop.Start()
	if connected {
		if s.conn.GetPubSub() == nil && s.pubsubService != nil {
			s.conn.AddPubSub(s.pubsubService)
		}
		s.publishOne(name)
	}
}

// IsConnected reports whether the underlying connection is currently
// established.
func (s *Server) IsConnected() bool {
	return s.conn.IsConnected()
}

// Ready reports whether the server is connected and every registered
// notification is currently Publishing, per §4.5/§8.
func (s *Server) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return false
	}
	for _, n := range s.notifications {
		if n.node == "" {
			return false
		}
	}
	return true
}

// Connect logs in, transitions every notification to Publishing, and begins
// serving.
func (s *Server) Connect(ctx context.Context, priority int8) error {
	return s.finishConnect(s.conn.Connect(ctx, priority))
}

// ConnectSession is like Connect but wires in an already-negotiated session
// (see internal/charontest) instead of dialing, for tests that exercise a
// real client/server pair without a live XMPP server.
func (s *Server) ConnectSession(ctx context.Context, sess *xmpp.Session, priority int8) error {
	return s.finishConnect(s.conn.ConnectSession(ctx, sess, priority))
}

func (s *Server) finishConnect(connectErr error) error {
	if connectErr != nil {
		return connectErr
	}
	s.mu.Lock()
	s.connected = true
	names := make([]string, 0, len(s.notifications))
	for name := range s.notifications {
		names = append(names, name)
	}
	s.mu.Unlock()

	if len(names) > 0 {
		if s.pubsubService == nil {
			return fmt.Errorf("server: notifications registered without a pub/sub service")
		}
		s.conn.AddPubSub(s.pubsubService)
		for _, name := range names {
			s.publishOne(name)
		}
	}
	return nil
}

// Disconnect tears the connection down; handleDisconnect (invoked by the
// connection's "cleared" hook) transitions every notification back to
// Attached.
func (s *Server) Disconnect() error {
	return s.conn.Disconnect()
}

func (s *Server) handleDisconnect() {
	s.mu.Lock()
	s.connected = false
	for _, n := range s.notifications {
		n.node = ""
	}
	s.mu.Unlock()
	log.Info("server: connection lost, notifications reverted to Attached")
}

// publishOne creates a pub/sub node for name and installs the waiter
// handler that forwards surviving updates to it. Called with s.mu unheld.
func (s *Server) publishOne(name string) {
	ps := s.conn.GetPubSub()
	if ps == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	node := ps.CreateNode(ctx)
	if node == "" {
		log.WithField("notification", name).Error("server: failed to create pub/sub node")
		return
	}

	s.mu.Lock()
	n, ok := s.notifications[name]
	if !ok {
		s.mu.Unlock()
		return
	}
	n.node = node
	n.loop.SetUpdateHandler(func(state json.RawMessage) { s.publishUpdate(name, state) })
	s.mu.Unlock()

	log.WithField("notification", name).WithField("node", node).Info("server: publishing")
}

// publishUpdate runs on the waiter goroutine. It snapshots the node name and
// pub/sub coordinator before calling Publish (which blocks on a service
// reply) so it never holds s.mu while doing so, avoiding deadlock against
// Disconnect tearing down pub/sub concurrently (§4.5, §5).
func (s *Server) publishUpdate(name string, state json.RawMessage) {
	s.mu.Lock()
	n, ok := s.notifications[name]
	var node string
	if ok {
		node = n.node
	}
	s.mu.Unlock()
	if node == "" {
		return
	}
	ps := s.conn.GetPubSub()
	if ps == nil {
		return
	}

	update, err := wire.NewNotificationUpdate(name, json.RawMessage(state))
	if err != nil {
		log.WithError(err).WithField("notification", name).Error("server: building notification update")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := ps.Publish(ctx, node, update.TokenReader()); err != nil {
		log.WithError(err).WithField("notification", name).WithField("node", node).Warn("server: publish failed")
	}
}

func (s *Server) handlePing(from *jid.JID) {
	if !s.Ready() {
		return
	}
	pong := wire.NewPong(s.version)

	s.mu.Lock()
	var entries []wire.NotificationEntry
	for name, n := range s.notifications {
		if n.node != "" {
			entries = append(entries, wire.NotificationEntry{Type: name, Node: n.node})
		}
	}
	s.mu.Unlock()

	payloads := []xml.TokenReader{pong.TokenReader()}
	if len(entries) > 0 {
		supported := wire.NewSupportedNotifications(s.pubsubService.String(), entries)
		payloads = append(payloads, supported.TokenReader())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.conn.SendPresence(ctx, from, "", payloads...); err != nil {
		log.WithError(err).WithField("to", from.String()).Warn("server: failed to send pong")
	}
}

// handleRequest is invoked on the connection's sole receive/dispatch
// goroutine. It hands off to answerRequest on its own goroutine immediately,
// since a registered MethodHandler may call an arbitrarily slow backend
// (§6) and spec §5 requires concurrently in-flight ForwardMethod calls to
// be serviceable independently — one slow handler must not stall the
// receive loop and, with it, every other stanza on the connection.
func (s *Server) handleRequest(from *jid.JID, id string, node *xmlutil.Node) {
	go s.answerRequest(from, id, node)
}

func (s *Server) answerRequest(from *jid.JID, id string, node *xmlutil.Node) {
	req := wire.DecodeRpcRequest(node)
	if !req.Valid {
		log.WithField("from", from.String()).Warn("server: dropping invalid RPC request")
		return
	}

	s.mu.Lock()
	handler, ok := s.methods[req.Method]
	s.mu.Unlock()

	var resp wire.RpcResponse
	var err error
	if !ok {
		resp, err = wire.NewRpcError(wire.ErrCodeMethodNotFound, fmt.Sprintf("method not found or not allowed: %s", req.Method), nil)
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		result, rpcErr := handler(ctx, req.Params)
		cancel()
		if rpcErr != nil {
			resp, err = wire.NewRpcError(rpcErr.Code, rpcErr.Message, rpcErr.Data)
		} else {
			resp, err = wire.NewRpcSuccess(result)
		}
	}
	if err != nil {
		log.WithError(err).WithField("method", req.Method).Error("server: building RPC response")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.conn.ReplyResult(ctx, from, id, resp.TokenReader()); err != nil {
		log.WithError(err).WithField("to", from.String()).Warn("server: failed to reply to RPC request")
	}
}
