// Package charontest supplies a net.Pipe-based paired-session test harness,
// used by higher-level packages to exercise a real xmpp.Session round trip
// instead of hand-building xmlutil.Node trees. It is grounded on (not
// copied from) mellium's own unexported internal/xmpptest package: that
// package leans on mellium-internal stream negotiation helpers this module
// cannot import, so the stream-open handshake below is reimplemented from
// only exported xmpp.Session surface (Token/EncodeToken/Flush).
package charontest

import (
	"context"
	"encoding/xml"
	"io"
	"net"

	"mellium.im/xmpp"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stream"
)

// openTag builds the opening <stream:stream> tag one side of the handshake
// writes to the other.
func openTag(from, to *jid.JID) xml.StartElement {
	return xml.StartElement{
		Name: xml.Name{Space: stream.NS, Local: "stream"},
		Attr: []xml.Attr{
			{Name: xml.Name{Local: "xmlns"}, Value: "jabber:client"},
			{Name: xml.Name{Local: "from"}, Value: from.String()},
			{Name: xml.Name{Local: "to"}, Value: to.String()},
			{Name: xml.Name{Local: "version"}, Value: "1.0"},
		},
	}
}

// clientNegotiator writes the initial stream-open tag, reads the peer's
// reply, and marks the session ready — no STARTTLS, no SASL, no bind.
// Charon's own tests never need those; they exercise stanza dispatch on an
// already-authenticated pipe.
func clientNegotiator(from, to *jid.JID) xmpp.Negotiator {
	return func(ctx context.Context, s *xmpp.Session, data interface{}) (xmpp.SessionState, io.ReadWriter, interface{}, error) {
		if err := s.EncodeToken(openTag(from, to)); err != nil {
			return 0, nil, nil, err
		}
		if err := s.Flush(); err != nil {
			return 0, nil, nil, err
		}
		if _, err := s.Token(); err != nil {
			return 0, nil, nil, err
		}
		return xmpp.Ready, nil, nil, nil
	}
}

// serverNegotiator reads the peer's stream-open tag, replies with its own,
// and marks the session ready with the Received bit set.
func serverNegotiator(from, to *jid.JID) xmpp.Negotiator {
	return func(ctx context.Context, s *xmpp.Session, data interface{}) (xmpp.SessionState, io.ReadWriter, interface{}, error) {
		if _, err := s.Token(); err != nil {
			return 0, nil, nil, err
		}
		if err := s.EncodeToken(openTag(from, to)); err != nil {
			return 0, nil, nil, err
		}
		if err := s.Flush(); err != nil {
			return 0, nil, nil, err
		}
		return xmpp.Ready | xmpp.Received, nil, nil, nil
	}
}

// Pair is two xmpp.Session values sharing a net.Pipe, negotiated with the
// no-op handshake above. Local plays the client role (Received unset);
// Remote plays the server role (Received set).
type Pair struct {
	Local  *xmpp.Session
	Remote *xmpp.Session
}

// NewPair dials a net.Pipe and negotiates both ends against the local and
// remote identities as given. It blocks until both sides report Ready.
func NewPair(ctx context.Context, local, remote *jid.JID) (*Pair, error) {
	c1, c2 := net.Pipe()

	type result struct {
		sess *xmpp.Session
		err  error
	}
	localCh := make(chan result, 1)
	remoteCh := make(chan result, 1)

	go func() {
		s, err := xmpp.NegotiateSession(ctx, remote, local, c1, clientNegotiator(local, remote))
		localCh <- result{s, err}
	}()
	go func() {
		s, err := xmpp.NegotiateSession(ctx, local, remote, c2, serverNegotiator(remote, local))
		remoteCh <- result{s, err}
	}()

	lr := <-localCh
	if lr.err != nil {
		return nil, lr.err
	}
	rr := <-remoteCh
	if rr.err != nil {
		return nil, rr.err
	}
	return &Pair{Local: lr.sess, Remote: rr.sess}, nil
}

// Close closes both sessions.
func (p *Pair) Close() error {
	err := p.Local.Close()
	if rerr := p.Remote.Close(); err == nil {
		err = rerr
	}
	return err
}
