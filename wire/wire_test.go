package wire

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"testing"

	"github.com/xaya/charon/internal/xmlutil"
)

// roundTrip writes tr fully to XML text and reparses the outer element into
// a Node tree, mimicking what a real Session's receive loop hands to the
// decode side.
func roundTrip(t *testing.T, tr xml.TokenReader) *xmlutil.Node {
	t.Helper()
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	for {
		tok, err := tr.Token()
		if err != nil {
			break
		}
		if err := enc.EncodeToken(tok); err != nil {
			t.Fatalf("EncodeToken: %v", err)
		}
	}
	if err := enc.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	dec := xml.NewDecoder(&buf)
	tok, err := dec.Token()
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	start, ok := tok.(xml.StartElement)
	if !ok {
		t.Fatalf("expected start element, got %T", tok)
	}
	n, err := xmlutil.ReadNode(dec, start)
	if err != nil {
		t.Fatalf("ReadNode: %v", err)
	}
	return n
}

func TestRpcRequestRoundTrip(t *testing.T) {
	cases := []struct {
		name   string
		params interface{}
	}{
		{"null", nil},
		{"array", []interface{}{"foo", float64(42)}},
		{"object", map[string]interface{}{"a": 1.0}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			req, err := NewRpcRequest("mymethod", c.params)
			if err != nil {
				t.Fatalf("NewRpcRequest: %v", err)
			}
			n := roundTrip(t, req.TokenReader())
			got := DecodeRpcRequest(n)
			if !got.Valid {
				t.Fatal("decoded request is invalid")
			}
			if got.Method != "mymethod" {
				t.Errorf("method = %q", got.Method)
			}
			wantParams, _ := json.Marshal(c.params)
			if !jsonEqual(got.Params, wantParams) {
				t.Errorf("params = %s want %s", got.Params, wantParams)
			}
		})
	}
}

func TestRpcResponseRoundTrip(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		resp, err := NewRpcSuccess("foo")
		if err != nil {
			t.Fatal(err)
		}
		n := roundTrip(t, resp.TokenReader())
		got := DecodeRpcResponse(n)
		if !got.Valid || !got.Success {
			t.Fatal("expected valid success response")
		}
		if string(got.Result) != `"foo"` {
			t.Errorf("result = %s", got.Result)
		}
	})
	t.Run("error with empty message and null data", func(t *testing.T) {
		resp, err := NewRpcError(42, "", nil)
		if err != nil {
			t.Fatal(err)
		}
		n := roundTrip(t, resp.TokenReader())
		got := DecodeRpcResponse(n)
		if !got.Valid || got.Success {
			t.Fatal("expected valid error response")
		}
		if got.ErrorCode != 42 || got.ErrorMsg != "" || got.ErrorData != nil {
			t.Errorf("unexpected decode: %+v", got)
		}
	})
	t.Run("error with message and data", func(t *testing.T) {
		resp, err := NewRpcError(7, "bad", map[string]interface{}{"x": 1.0})
		if err != nil {
			t.Fatal(err)
		}
		n := roundTrip(t, resp.TokenReader())
		got := DecodeRpcResponse(n)
		if !got.Valid || got.Success || got.ErrorCode != 7 || got.ErrorMsg != "bad" {
			t.Fatalf("unexpected decode: %+v", got)
		}
		if !jsonEqual(got.ErrorData, []byte(`{"x":1}`)) {
			t.Errorf("error data = %s", got.ErrorData)
		}
	})
}

func TestPongRoundTrip(t *testing.T) {
	for _, version := range []string{"", "1.2.3"} {
		p := NewPong(version)
		n := roundTrip(t, p.TokenReader())
		got := DecodePong(n)
		if !got.Valid || got.Version != version {
			t.Errorf("version %q: got %+v", version, got)
		}
	}
}

func TestSupportedNotificationsRoundTrip(t *testing.T) {
	cases := [][]NotificationEntry{
		nil,
		{{Type: "state", Node: "node1"}},
		{{Type: "state", Node: "node1"}, {Type: "pending", Node: "node2"}},
	}
	for _, entries := range cases {
		s := NewSupportedNotifications("pubsub.example.com", entries)
		if !s.Valid {
			t.Fatalf("expected valid construction for %+v", entries)
		}
		n := roundTrip(t, s.TokenReader())
		got := DecodeSupportedNotifications(n)
		if !got.Valid || got.Service != "pubsub.example.com" || len(got.Entries) != len(entries) {
			t.Fatalf("got %+v", got)
		}
		for _, e := range entries {
			node, ok := got.NodeFor(e.Type)
			if !ok || node != e.Node {
				t.Errorf("missing or wrong node for type %q", e.Type)
			}
		}
	}
}

func TestSupportedNotificationsDuplicateTypeInvalid(t *testing.T) {
	s := NewSupportedNotifications("svc", []NotificationEntry{
		{Type: "state", Node: "n1"},
		{Type: "state", Node: "n2"},
	})
	if s.Valid {
		t.Fatal("expected duplicate type to be rejected")
	}
}

func TestNotificationUpdateRoundTrip(t *testing.T) {
	u, err := NewNotificationUpdate("state", map[string]interface{}{"id": "a", "value": "1"})
	if err != nil {
		t.Fatal(err)
	}
	n := roundTrip(t, u.TokenReader())
	got := DecodeNotificationUpdate(n)
	if !got.Valid || got.Type != "state" {
		t.Fatalf("got %+v", got)
	}
	if !jsonEqual(got.State, []byte(`{"id":"a","value":"1"}`)) {
		t.Errorf("state = %s", got.State)
	}
}

func jsonEqual(a, b []byte) bool {
	var av, bv interface{}
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	am, _ := json.Marshal(av)
	bm, _ := json.Marshal(bv)
	return string(am) == string(bm)
}
