// Copyright 2025 The Meridian Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package stream contains XMPP stream framing: the stream open/close
// handshake, the stream version, and stream errors as defined by RFC 6120
// §4.9.
//
// Most code will want to use the facilities of the xmppd package and not
// send stream headers or errors directly.
package stream
