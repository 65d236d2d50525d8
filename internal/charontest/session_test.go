package charontest

import (
	"context"
	"encoding/xml"
	"testing"
	"time"

	"mellium.im/xmlstream"
	"mellium.im/xmpp"
	"mellium.im/xmpp/jid"

	"github.com/xaya/charon/internal/xmlutil"
)

func TestNewPairExchangesAMessage(t *testing.T) {
	local := jid.MustParse("client@example.com/res")
	remote := jid.MustParse("server@example.com/res")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pair, err := NewPair(ctx, local, remote)
	if err != nil {
		t.Fatalf("NewPair: %v", err)
	}
	defer pair.Close()

	received := make(chan string, 1)
	go func() {
		pair.Remote.Serve(xmpp.HandlerFunc(func(t xmlstream.TokenReadWriter, start *xml.StartElement) error {
			if start.Name.Local != "message" {
				return nil
			}
			dec := xml.NewTokenDecoder(xmlstream.Inner(t))
			tok, err := dec.Token()
			if err != nil {
				return nil
			}
			inner, ok := tok.(xml.StartElement)
			if !ok {
				return nil
			}
			node, err := xmlutil.ReadNode(dec, inner)
			if err == nil && node != nil {
				received <- node.Name.Local
			}
			return nil
		}))
	}()

	toks := xmlutil.Tokens(
		xml.StartElement{Name: xml.Name{Local: "message"}},
		xml.StartElement{Name: xml.Name{Local: "ping"}},
		xml.EndElement{Name: xml.Name{Local: "ping"}},
		xml.EndElement{Name: xml.Name{Local: "message"}},
	)
	if err := pair.Local.Send(ctx, toks); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case name := <-received:
		if name != "ping" {
			t.Fatalf("got payload %q, want ping", name)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for the message to arrive")
	}
}
