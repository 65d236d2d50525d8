package client

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"mellium.im/xmpp/jid"

	"github.com/xaya/charon/internal/charontest"
	"github.com/xaya/charon/notify"
	"github.com/xaya/charon/server"
	"github.com/xaya/charon/waiter"
)

// blockingWaiter is a waiter.UpdateWaiter driven by a test-controlled
// channel, standing in for a long-polling backend call.
func blockingWaiter(updates <-chan json.RawMessage) waiter.UpdateWaiter {
	return func(ctx context.Context) (bool, json.RawMessage) {
		select {
		case v := <-updates:
			return true, v
		case <-ctx.Done():
			return false, nil
		}
	}
}

func echoHandler(ctx context.Context, params json.RawMessage) (interface{}, *server.BackendError) {
	return map[string]string{"echoed": string(params)}, nil
}

// waitUntil polls cond every 5ms until it reports true or the deadline
// passes, failing the test in the latter case.
func waitUntil(t *testing.T, deadline time.Time, msg string, cond func() bool) {
	t.Helper()
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TestClientServerDiscoverSubscribeForward wires a real client.Client to a
// real server.Server over an internal/charontest.Trio (client<->server plus
// a fake pub/sub service standing in for the shared home server), and
// drives the whole discovery -> subscribe -> forward -> notification path
// end to end, the way a live deployment would.
func TestClientServerDiscoverSubscribeForward(t *testing.T) {
	clientFull := jid.MustParse("client@example.com/c1")
	serverFull := jid.MustParse("server@example.com/s1")
	hubFull := jid.MustParse("pubsub.example.com")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	trio, err := charontest.NewTrio(ctx, clientFull, serverFull, hubFull)
	if err != nil {
		t.Fatalf("NewTrio: %v", err)
	}
	defer trio.Close()

	updates := make(chan json.RawMessage, 1)

	srv := server.New(serverFull, "pw", "1.0", hubFull)
	srv.RegisterMethod("echo", echoHandler)
	srv.AddNotification("state", notify.State, blockingWaiter(updates))
	if err := srv.ConnectSession(ctx, trio.Server, 0); err != nil {
		t.Fatalf("server ConnectSession: %v", err)
	}
	defer srv.Disconnect()

	cli := New(clientFull, "pw", serverFull.Bare(), "1.0", 2*time.Second)
	cli.EnableNotification("state", notify.State)
	if err := cli.ConnectSession(ctx, trio.Client, 0); err != nil {
		t.Fatalf("client ConnectSession: %v", err)
	}
	defer cli.Disconnect()

	target, err := cli.EnsureConnected(ctx)
	if err != nil {
		t.Fatalf("EnsureConnected: %v", err)
	}
	if target == nil {
		t.Fatal("no server discovered within timeout")
	}
	if !target.Equal(serverFull) {
		t.Fatalf("discovered %s, want %s", target, serverFull)
	}

	// The subscribe/join tail now runs off the presence-dispatch goroutine
	// (client.go's SetSelectedServer), so wait for it to land instead of
	// assuming it completed by the time EnsureConnected returned.
	deadline := time.Now().Add(4 * time.Second)
	waitUntil(t, deadline, "client never finished subscribing to the state notification", func() bool {
		cli.mu.Lock()
		n, ok := cli.notifications["state"]
		cli.mu.Unlock()
		if !ok {
			return false
		}
		n.mu.Lock()
		defer n.mu.Unlock()
		return n.node != ""
	})

	result, err := cli.ForwardMethod(ctx, "echo", json.RawMessage(`{"a":1}`))
	if err != nil {
		t.Fatalf("ForwardMethod: %v", err)
	}
	var decoded struct {
		Echoed string `json:"echoed"`
	}
	if err := json.Unmarshal(result, &decoded); err != nil {
		t.Fatalf("decoding ForwardMethod result: %v", err)
	}
	if decoded.Echoed != `{"a":1}` {
		t.Fatalf("got echoed %q, want the original params", decoded.Echoed)
	}

	waitCh := make(chan struct {
		state json.RawMessage
		err   error
	}, 1)
	go func() {
		state, err := cli.WaitForChange("state", notify.State.AlwaysBlockID())
		waitCh <- struct {
			state json.RawMessage
			err   error
		}{state, err}
	}()

	updates <- json.RawMessage(`"block-1"`)

	select {
	case got := <-waitCh:
		if got.err != nil {
			t.Fatalf("WaitForChange: %v", got.err)
		}
		if string(got.state) != `"block-1"` {
			t.Fatalf("got state %s, want \"block-1\"", got.state)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for the published notification to arrive")
	}
}
