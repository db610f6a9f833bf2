// Copyright 2025 The Meridian Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmppd

import (
	"encoding/xml"

	"go.uber.org/zap"

	"github.com/meridian-im/xmppd/internal/ns"
	"github.com/meridian-im/xmppd/stanza"
	"github.com/meridian-im/xmppd/stream"
)

// A Role captures how a session kind differs from the baseline negotiation
// and dispatch loop: which features it is offered, how inbound addressing is
// policed, and what happens to elements the loop does not recognize.
type Role interface {
	// Features returns the stream features offered to this session kind, in
	// advertisement order.
	Features(s *Session) []StreamFeature

	// RewriteFrom fixes up the sender address of an inbound stanza before
	// routing.
	RewriteFrom(s *Session, st stanza.Stanza)

	// ValidateSender checks the addressing of an inbound stanza. A returned
	// stream error is sent to the peer and terminates the stream.
	ValidateSender(s *Session, st stanza.Stanza) error

	// HandleUnknown processes a non-stanza top-level element received in
	// steady state. A returned error terminates the stream.
	HandleUnknown(s *Session, start xml.StartElement) error

	// Process dispatches an accepted stanza toward the router.
	Process(s *Session, st stanza.Stanza)

	// Teardown runs once when the session ends, before the connection is
	// closed. graceful reports whether the peer sent a closing stream tag.
	Teardown(s *Session, graceful bool)
}

// clientRole implements the jabber:client policy: clients authenticate with
// SASL, bind a resource, never pick their own from address, and have an
// unavailable presence synthesized for them if they vanish without sending
// one.
type clientRole struct {
	srv *Server
}

func (r clientRole) Features(s *Session) []StreamFeature {
	var feats []StreamFeature
	saslRequiresTLS := SessionState(0)
	if r.srv.TLSConfig != nil {
		feats = append(feats, StartTLS(r.srv.RequireTLS, r.srv.TLSConfig))
		if r.srv.RequireTLS {
			saslRequiresTLS = Secure
		}
	}
	saslFeat := SASLServer(r.srv.Auth)
	saslFeat.Necessary |= saslRequiresTLS
	feats = append(feats, saslFeat, BindResource())
	return feats
}

// RewriteFrom force-overwrites the sender with the bound address so that a
// client can never speak for anyone but itself.
func (clientRole) RewriteFrom(s *Session, st stanza.Stanza) {
	st.SetFrom(s.JID())
}

func (clientRole) ValidateSender(*Session, stanza.Stanza) error { return nil }

func (clientRole) HandleUnknown(s *Session, start xml.StartElement) error {
	return stream.UnsupportedStanzaType
}

func (r clientRole) Process(s *Session, st stanza.Stanza) {
	r.srv.Router.Route(st)
}

func (r clientRole) Teardown(s *Session, graceful bool) {
	addr := s.JID()
	if addr == nil {
		return
	}
	r.srv.Registry.Unbind(addr)

	s.mu.Lock()
	sent := s.sentUnavailable
	s.mu.Unlock()
	if !sent {
		// The client vanished without saying goodbye; tell the world on its
		// behalf.
		r.srv.Router.Route(&stanza.Presence{
			From: addr,
			Type: stanza.UnavailablePresence,
		})
	}
}

// serverRole implements the jabber:server policy: no SASL, sender domains
// must be validated through dialback, and accepted stanzas are processed on a
// bounded worker pool so one slow consumer cannot stall the read loop.
type serverRole struct {
	srv  *Server
	pool *workerPool
}

func (r serverRole) Features(s *Session) []StreamFeature {
	if r.srv.TLSConfig == nil {
		return nil
	}
	return []StreamFeature{StartTLS(r.srv.RequireTLS, r.srv.TLSConfig)}
}

func (serverRole) RewriteFrom(*Session, stanza.Stanza) {}

func (r serverRole) ValidateSender(s *Session, st stanza.Stanza) error {
	from, to := st.GetFrom(), st.GetTo()
	if from == nil && to == nil {
		return stream.ImproperAddressing
	}
	if from == nil || !s.domainValidated(from.Domainpart()) {
		return stream.InvalidFrom
	}
	return nil
}

func (r serverRole) HandleUnknown(s *Session, start xml.StartElement) error {
	if start.Name.Space == ns.Dialback {
		return r.srv.dialback(s, start)
	}
	return stream.UnsupportedStanzaType
}

func (r serverRole) Process(s *Session, st stanza.Stanza) {
	// Submission order is wire order; completion order is not guaranteed
	// once pool depth exceeds one.
	r.pool.Submit(func() {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic processing stanza",
					zap.Any("panic", rec), zap.String("kind", st.Kind()))
			}
		}()
		r.srv.Router.Route(st)
	})
}

func (serverRole) Teardown(*Session, bool) {}
