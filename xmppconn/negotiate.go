package xmppconn

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"

	"mellium.im/sasl"
	"mellium.im/xmpp"
	"mellium.im/xmpp/jid"
)

// negotiateSession performs the full login handshake (required STARTTLS,
// SASL, resource bind) for j against the already-dialed connection, the way
// the echobot example wires up xmpp.NegotiateSession.
func negotiateSession(ctx context.Context, j *jid.JID, password string, tlsConfig *tls.Config, rw io.ReadWriter) (*xmpp.Session, error) {
	cfg := tlsConfig
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		cfg = cfg.Clone()
		cfg.ServerName = j.Domain().String()
	}

	s, err := xmpp.NegotiateSession(ctx, j.Domain(), j, rw, false, xmpp.NewNegotiator(xmpp.StreamConfig{
		Lang: "en",
		Features: []xmpp.StreamFeature{
			xmpp.BindResource(),
			xmpp.StartTLS(true, cfg),
			xmpp.SASL(j.Localpart(), password, sasl.ScramSha1Plus, sasl.ScramSha1, sasl.Plain),
		},
	}))
	if err != nil {
		return nil, fmt.Errorf("xmppconn: negotiating session for %s: %w", j, err)
	}
	return s, nil
}
