package client

import (
	"encoding/xml"
	"testing"
	"time"

	"mellium.im/xmpp/jid"

	"github.com/xaya/charon/internal/xmlutil"
	"github.com/xaya/charon/notify"
)

func testClientJID(t *testing.T, s string) *jid.JID {
	t.Helper()
	j, err := jid.Parse(s)
	if err != nil {
		t.Fatalf("jid.Parse(%q): %v", s, err)
	}
	return j
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	full := testClientJID(t, "client@example.com/res")
	bare := testClientJID(t, "server@example.com")
	return New(full, "pw", bare, "1.0", 50*time.Millisecond)
}

func node(local string, attrs map[string]string, children ...*xmlutil.Node) *xmlutil.Node {
	n := &xmlutil.Node{Name: xml.Name{Local: local}, Children: children}
	for k, v := range attrs {
		n.Attr = append(n.Attr, xml.Attr{Name: xml.Name{Local: k}, Value: v})
	}
	return n
}

func pongNode(version string) *xmlutil.Node {
	return node("pong", map[string]string{"version": version})
}

func TestHandleAvailableRejectsVersionMismatch(t *testing.T) {
	c := newTestClient(t)
	from := testClientJID(t, "server@example.com/s1")

	c.handleAvailable(from, []*xmlutil.Node{pongNode("2.0")})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selected != nil {
		t.Fatal("mismatched version must not select a peer")
	}
}

func TestHandleAvailableRejectsForeignBareIdentity(t *testing.T) {
	c := newTestClient(t)
	from := testClientJID(t, "other@example.com/s1")

	c.handleAvailable(from, []*xmlutil.Node{pongNode("1.0")})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selected != nil {
		t.Fatal("a pong from a foreign bare identity must not select a peer")
	}
}

func TestHandleAvailableRequiresNotificationSuperset(t *testing.T) {
	c := newTestClient(t)
	c.EnableNotification("state", notify.State)
	from := testClientJID(t, "server@example.com/s1")

	// Advertises no notifications at all: must be rejected since "state" is
	// enabled but not declared.
	c.handleAvailable(from, []*xmlutil.Node{pongNode("1.0")})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selected != nil {
		t.Fatal("a pong missing a required notification type must not select a peer")
	}
}

func TestHandleAvailableFirstWins(t *testing.T) {
	c := newTestClient(t)
	first := testClientJID(t, "server@example.com/s1")
	second := testClientJID(t, "server@example.com/s2")

	c.handleAvailable(first, []*xmlutil.Node{pongNode("1.0")})
	c.handleAvailable(second, []*xmlutil.Node{pongNode("1.0")})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selected == nil || !c.selected.Equal(first) {
		t.Fatalf("expected first responder %s selected, got %v", first, c.selected)
	}
}

func TestHandleUnavailableClearsMatchingSelection(t *testing.T) {
	c := newTestClient(t)
	sel := testClientJID(t, "server@example.com/s1")
	c.mu.Lock()
	c.selected = sel
	c.mu.Unlock()

	c.handleUnavailable(testClientJID(t, "server@example.com/s2"))
	c.mu.Lock()
	if c.selected == nil {
		t.Fatal("unavailable from a non-selected resource must not clear selection")
	}
	c.mu.Unlock()

	c.handleUnavailable(sel)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selected != nil {
		t.Fatal("unavailable from the selected resource must clear selection")
	}
}

func TestWaitForChangeReturnsImmediatelyOnDifferentID(t *testing.T) {
	c := newTestClient(t)
	c.EnableNotification("state", notify.State)

	c.mu.Lock()
	n := c.notifications["state"]
	c.mu.Unlock()
	n.mu.Lock()
	n.hasState = true
	n.state = []byte(`"newstate"`)
	n.mu.Unlock()

	start := time.Now()
	state, err := c.WaitForChange("state", "oldstate")
	if err != nil {
		t.Fatalf("WaitForChange: %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("WaitForChange should return immediately when the id differs")
	}
	if string(state) != `"newstate"` {
		t.Fatalf("got state %s, want \"newstate\"", state)
	}
}

func TestWaitForChangeBlocksOnAlwaysBlockSentinel(t *testing.T) {
	c := newTestClient(t)
	c.EnableNotification("state", notify.State)

	c.mu.Lock()
	n := c.notifications["state"]
	c.mu.Unlock()
	n.mu.Lock()
	n.hasState = true
	n.state = []byte(`"s"`)
	n.mu.Unlock()

	go func() {
		time.Sleep(20 * time.Millisecond)
		n.mu.Lock()
		n.cond.Broadcast()
		n.mu.Unlock()
	}()

	start := time.Now()
	state, err := c.WaitForChange("state", notify.State.AlwaysBlockID())
	if err != nil {
		t.Fatalf("WaitForChange: %v", err)
	}
	if time.Since(start) > waitForChangePollTimeout {
		t.Fatal("WaitForChange should have woken on the broadcast, not the poll timeout")
	}
	if string(state) != `"s"` {
		t.Fatalf("got state %s, want \"s\"", state)
	}
}

func TestWaitForChangeUnknownTypeErrors(t *testing.T) {
	c := newTestClient(t)
	if _, err := c.WaitForChange("nope", nil); err == nil {
		t.Fatal("expected error for an unregistered notification type")
	}
}
