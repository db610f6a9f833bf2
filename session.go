// Copyright 2025 The Meridian Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmppd

import (
	"encoding/xml"
	"sync"

	"go.uber.org/zap"

	"github.com/meridian-im/xmppd/jid"
	"github.com/meridian-im/xmppd/stanza"
	"github.com/meridian-im/xmppd/stream"
	"github.com/meridian-im/xmppd/transport"
)

// SessionState is a bitmask tracking the current state of an XMPP session.
type SessionState uint8

const (
	// Secure indicates that the stream has been secured with TLS.
	Secure SessionState = 1 << iota

	// Authn indicates that the peer has been authenticated.
	Authn

	// Bound indicates that a resource has been bound to the session.
	Bound

	// Ready indicates that stream negotiation is complete and stanzas are
	// being dispatched.
	Ready

	// Closed indicates that the session has ended. It is never cleared.
	Closed
)

// Has reports whether every bit in mask is set.
func (s SessionState) Has(mask SessionState) bool {
	return s&mask == mask
}

// Session represents one XMPP stream from stream open to close. Its state
// transitions are monotonic; in particular Closed is terminal.
type Session struct {
	server *Server
	conn   *transport.Conn
	d      *xml.Decoder
	logger *zap.Logger
	role   Role

	mu              sync.Mutex
	state           SessionState
	id              string
	identity        string
	addr            *jid.JID
	info            stream.Info
	sentUnavailable bool
	validDomains    map[string]bool
}

// newSession wraps an accepted connection. The stream ID is assigned when the
// first stream header is received.
func newSession(srv *Server, conn *transport.Conn) *Session {
	return &Session{
		server: srv,
		conn:   conn,
		d:      xml.NewDecoder(conn),
		logger: srv.logger(),
	}
}

// State returns the current session state bits.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) addState(mask SessionState) {
	s.mu.Lock()
	s.state |= mask
	s.mu.Unlock()
}

// ID returns the unguessable stream ID assigned to the current stream.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// JID returns the address bound to the session, or nil before binding.
func (s *Session) JID() *jid.JID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Identity returns the SASL-authenticated username.
func (s *Session) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Conn returns the underlying transport connection.
func (s *Session) Conn() *transport.Conn {
	return s.conn
}

// Deliver writes the stanza to the session's connection, falling back to the
// offline deliverer if the connection is dead. Sessions are registered in the
// session registry as their own deliverer.
func (s *Session) Deliver(st stanza.Stanza) {
	s.conn.Deliver(st)
}

// domainValidated reports whether from has passed dialback on this stream.
func (s *Session) domainValidated(domain string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.validDomains[domain]
}

func (s *Session) markDomainValidated(domain string) {
	s.mu.Lock()
	if s.validDomains == nil {
		s.validDomains = make(map[string]bool)
	}
	s.validDomains[domain] = true
	s.mu.Unlock()
}

func (s *Session) markUnavailableSent() {
	s.mu.Lock()
	s.sentUnavailable = true
	s.mu.Unlock()
}

// Close ends the session. It is safe to call multiple times.
func (s *Session) Close() error {
	s.addState(Closed)
	return s.conn.Close()
}

// closeWithError sends a stream-level error and closes the session. Errors
// writing the element are ignored; the close always proceeds.
func (s *Session) closeWithError(serr stream.Error) error {
	_, _ = s.conn.Write(serr.XML())
	return s.Close()
}
