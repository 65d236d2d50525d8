// Package wire defines Charon's own stanza payloads: the typed XML elements
// carried inside XMPP message/presence/IQ stanzas for discovery, RPC
// request/response, and notification delivery.
//
// Every type here follows the same shape as mellium.im/xmpp/stanza's own
// types: a plain struct, a constructor from semantic fields
// that is always valid, and a parse path that may produce an invalid value
// instead of an error so that callers can log and drop a malformed stanza
// without tearing down the session.
package wire

// NS is the XML namespace carried by every Charon-specific element.
const NS = "https://xaya.io/charon/"
