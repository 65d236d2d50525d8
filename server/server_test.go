package server

import (
	"context"
	"encoding/json"
	"testing"

	"mellium.im/xmpp/jid"

	"github.com/xaya/charon/notify"
)

func testJID(t *testing.T, s string) *jid.JID {
	t.Helper()
	j, err := jid.Parse(s)
	if err != nil {
		t.Fatalf("jid.Parse(%q): %v", s, err)
	}
	return j
}

func TestReadyRequiresConnectedAndAllPublishing(t *testing.T) {
	full := testJID(t, "server@example.com/res")
	svc := testJID(t, "pubsub.example.com")
	s := New(full, "pw", "1.0", svc)

	if s.Ready() {
		t.Fatal("a freshly constructed server must not be ready")
	}

	wait := func(ctx context.Context) (bool, json.RawMessage) {
		<-ctx.Done()
		return false, nil
	}
	s.AddNotification("state", notify.State, wait)
	defer s.notifications["state"].loop.Stop()

	if s.Ready() {
		t.Fatal("disconnected server with a registered notification must not be ready")
	}

	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	if s.Ready() {
		t.Fatal("connected server whose notification has no owned node yet must not be ready")
	}

	s.mu.Lock()
	s.notifications["state"].node = "node-1"
	s.mu.Unlock()
	if !s.Ready() {
		t.Fatal("connected server with every notification publishing must be ready")
	}
}

func TestHandleDisconnectRevertsToAttached(t *testing.T) {
	full := testJID(t, "server@example.com/res")
	svc := testJID(t, "pubsub.example.com")
	s := New(full, "pw", "1.0", svc)

	wait := func(ctx context.Context) (bool, json.RawMessage) {
		<-ctx.Done()
		return false, nil
	}
	s.AddNotification("state", notify.State, wait)
	defer s.notifications["state"].loop.Stop()

	s.mu.Lock()
	s.connected = true
	s.notifications["state"].node = "node-1"
	s.mu.Unlock()

	s.handleDisconnect()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		t.Error("handleDisconnect must clear connected")
	}
	if s.notifications["state"].node != "" {
		t.Error("handleDisconnect must revert every notification's node to empty (Attached)")
	}
}

func TestRegisterMethodAndNotFound(t *testing.T) {
	full := testJID(t, "server@example.com/res")
	s := New(full, "pw", "1.0", nil)

	called := false
	s.RegisterMethod("echo", func(ctx context.Context, params json.RawMessage) (interface{}, *BackendError) {
		called = true
		return "ok", nil
	})

	s.mu.Lock()
	h, ok := s.methods["echo"]
	_, unknownOK := s.methods["nope"]
	s.mu.Unlock()
	if !ok || unknownOK {
		t.Fatal("registered method must be present, unregistered must not be")
	}
	if _, _ = h(context.Background(), nil); !called {
		t.Fatal("handler should have been invoked")
	}
}
