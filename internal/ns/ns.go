// Copyright 2025 The Meridian Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package ns provides namespace constants that are used by the xmppd package
// and other internal packages.
package ns

// List of commonly used namespaces.
const (
	Bind     = "urn:ietf:params:xml:ns:xmpp-bind"
	Client   = "jabber:client"
	Dialback = "jabber:server:dialback"
	HTTPBind = "http://jabber.org/protocol/httpbind"
	SASL     = "urn:ietf:params:xml:ns:xmpp-sasl"
	Server   = "jabber:server"
	Session  = "urn:ietf:params:xml:ns:xmpp-session"
	Stanza   = "urn:ietf:params:xml:ns:xmpp-stanzas"
	StartTLS = "urn:ietf:params:xml:ns:xmpp-tls"
	Stream   = "http://etherx.jabber.org/streams"
	Streams  = "urn:ietf:params:xml:ns:xmpp-streams"
	XML      = "http://www.w3.org/XML/1998/namespace"
	XMPPBosh = "urn:xmpp:xbosh"
)
