package pubsubcoord

import (
	"encoding/xml"
	"testing"

	"github.com/xaya/charon/internal/xmlutil"
)

func node(local string, attrs map[string]string, children ...*xmlutil.Node) *xmlutil.Node {
	n := &xmlutil.Node{Name: xml.Name{Local: local}, Children: children}
	for k, v := range attrs {
		n.Attr = append(n.Attr, xml.Attr{Name: xml.Name{Local: k}, Value: v})
	}
	return n
}

func TestHandleEventDispatchesKnownNode(t *testing.T) {
	c := &Coordinator{subs: map[string]ItemCallback{}, owned: map[string]struct{}{}}
	var got *xmlutil.Node
	c.subs["node1"] = func(item *xmlutil.Node) { got = item }

	payload := node("update", map[string]string{"type": "state"})
	event := node("event", nil,
		node("items", map[string]string{"node": "node1"},
			node("item", nil, payload),
		),
	)

	c.HandleEvent(event)
	if got != payload {
		t.Fatalf("callback did not receive the item's payload element")
	}
}

func TestHandleEventIgnoresUnknownNode(t *testing.T) {
	c := &Coordinator{subs: map[string]ItemCallback{}, owned: map[string]struct{}{}}
	called := false
	c.subs["node1"] = func(*xmlutil.Node) { called = true }

	event := node("event", nil,
		node("items", map[string]string{"node": "other-node"},
			node("item", nil, node("update", nil)),
		),
	)

	c.HandleEvent(event)
	if called {
		t.Fatal("callback for unrelated node must not fire")
	}
}

func TestHandleEventSkipsRetractedItems(t *testing.T) {
	c := &Coordinator{subs: map[string]ItemCallback{}, owned: map[string]struct{}{}}
	called := false
	c.subs["node1"] = func(*xmlutil.Node) { called = true }

	event := node("event", nil,
		node("items", map[string]string{"node": "node1"},
			node("retract", map[string]string{"id": "1"}),
		),
	)

	c.HandleEvent(event)
	if called {
		t.Fatal("retracted items must not be dispatched")
	}
}
