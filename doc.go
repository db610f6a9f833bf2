// Copyright 2025 The Meridian Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package xmppd implements the receiving side of XMPP streams: it accepts
// client and server-to-server connections, negotiates the XML stream through
// TLS and SASL to resource binding, and dispatches stanzas in wire order to a
// router.
//
// The package is transport and policy agnostic: credentials come from an
// auth.Provider, outbound routing from a router.Router, and sockets from any
// net.Listener. The bosh subpackage layers the same sessions over HTTP
// long-polling.
package xmppd // import "github.com/meridian-im/xmppd"
