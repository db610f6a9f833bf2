// Copyright 2025 The Meridian Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmppd

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"

	"go.uber.org/zap"

	"github.com/meridian-im/xmppd/internal/ns"
	"github.com/meridian-im/xmppd/stanza"
	"github.com/meridian-im/xmppd/stream"
)

// An Interceptor inspects stanzas before and after routing. Returning an
// error from a pre-routing call rejects the stanza with a not-allowed reply;
// return a RejectionError to also tell the sender why.
type Interceptor interface {
	Intercept(s *Session, st stanza.Stanza, incoming bool) error
}

// RejectionError carries an optional human-readable reason for an
// interceptor rejection, delivered to the sender as a message.
type RejectionError struct {
	Text string
}

// Error implements error.
func (e *RejectionError) Error() string {
	if e.Text == "" {
		return "xmppd: stanza rejected"
	}
	return "xmppd: stanza rejected: " + e.Text
}

// serve is the steady-state read loop: it parses stanzas in wire order and
// hands them to the session's role for dispatch. It returns when the stream
// ends, gracefully or not.
func (s *Session) serve() {
	graceful := false
	defer func() {
		s.role.Teardown(s, graceful)
		s.addState(Closed)
		_ = s.conn.Close()
	}()

	for {
		tok, err := s.d.Token()
		if err != nil {
			// An abrupt TCP close with no closing tag is how most clients
			// disconnect; it is not an error worth shouting about.
			if err != io.EOF && !s.conn.IsClosed() {
				s.logger.Debug("read loop ended", zap.Error(err))
			}
			return
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if stanza.Is(t.Name) {
				if !s.handleStanza(t) {
					return
				}
				continue
			}
			if err := s.role.HandleUnknown(s, t); err != nil {
				var serr stream.Error
				if errors.As(err, &serr) {
					_ = s.closeWithError(serr)
				} else {
					s.logger.Debug("closing after unhandled element",
						zap.String("element", t.Name.Local), zap.Error(err))
					_ = s.Close()
				}
				return
			}
		case xml.EndElement:
			if t.Name.Space == ns.Stream && t.Name.Local == "stream" {
				graceful = true
				return
			}
		}
	}
}

// handleStanza parses and dispatches one stanza, reporting whether the read
// loop should continue.
func (s *Session) handleStanza(start xml.StartElement) bool {
	st, err := stanza.Read(s.d, start)
	if err != nil {
		var jerr *stanza.JIDError
		if errors.As(err, &jerr) {
			// A bad address inside an otherwise well-formed stanza is
			// recoverable: answer with jid-malformed and keep reading.
			s.replyJIDMalformed(jerr)
			return true
		}
		_ = s.closeWithError(stream.NotWellFormed)
		return false
	}

	s.role.RewriteFrom(s, st)
	if err := s.role.ValidateSender(s, st); err != nil {
		var serr stream.Error
		if errors.As(err, &serr) {
			_ = s.closeWithError(serr)
		} else {
			_ = s.Close()
		}
		return false
	}

	if p, ok := st.(*stanza.Presence); ok && p.Type == stanza.UnavailablePresence && p.To == nil {
		s.markUnavailableSent()
	}
	if s.handleSessionIQ(st) {
		return true
	}

	for _, ic := range s.server.Interceptors {
		if err := ic.Intercept(s, st, true); err != nil {
			s.replyNotAllowed(st, err)
			return true
		}
	}

	s.role.Process(s, st)

	for _, ic := range s.server.Interceptors {
		if err := ic.Intercept(s, st, false); err != nil {
			s.logger.Debug("post-routing interceptor error", zap.Error(err))
		}
	}
	return true
}

// handleSessionIQ answers the legacy session-establishment IQ locally.
func (s *Session) handleSessionIQ(st stanza.Stanza) bool {
	iq, ok := st.(*stanza.IQ)
	if !ok || iq.Type != stanza.SetIQ {
		return false
	}
	if iq.To != nil && !iq.To.IsServer() {
		return false
	}
	if !bytes.Contains(iq.InnerXML, []byte(ns.Session)) {
		return false
	}
	if err := writeIQResult(s, iq.ID); err != nil {
		s.logger.Debug("session establishment reply failed", zap.Error(err))
	}
	return true
}

func writeIQResult(s *Session, id string) error {
	var buf []byte
	buf = append(buf, `<iq type='result'`...)
	if id != "" {
		buf = append(buf, ` id='`...)
		buf = appendEscaped(buf, id)
		buf = append(buf, '\'')
	}
	buf = append(buf, `/>`...)
	_, err := s.conn.Write(buf)
	return err
}

// replyJIDMalformed answers a stanza whose to or from address failed to
// parse. The element was consumed in full, so the stream continues.
func (s *Session) replyJIDMalformed(jerr *stanza.JIDError) {
	se := stanza.Error{Type: stanza.Modify, Condition: stanza.JIDMalformed}
	errXML, err := se.XML()
	if err != nil {
		return
	}
	var buf []byte
	buf = append(buf, '<')
	buf = append(buf, jerr.Kind...)
	buf = append(buf, ` type='error'`...)
	if jerr.ID != "" {
		buf = append(buf, ` id='`...)
		buf = appendEscaped(buf, jerr.ID)
		buf = append(buf, '\'')
	}
	if addr := s.JID(); addr != nil {
		buf = append(buf, ` to='`...)
		buf = appendEscaped(buf, addr.String())
		buf = append(buf, '\'')
	}
	buf = append(buf, '>')
	buf = append(buf, errXML...)
	buf = append(buf, "</"+jerr.Kind+">"...)
	if _, err := s.conn.Write(buf); err != nil {
		s.logger.Debug("jid-malformed reply failed", zap.Error(err))
	}
}

// replyNotAllowed bounces an interceptor-rejected stanza back to its sender,
// optionally followed by a human-readable reason.
func (s *Session) replyNotAllowed(st stanza.Stanza, cause error) {
	reply, err := stanza.WrapError(st, stanza.Error{Type: stanza.Cancel, Condition: stanza.NotAllowed})
	if err != nil {
		s.logger.Debug("cannot build rejection reply", zap.Error(err))
		return
	}
	s.conn.Deliver(reply)

	var rej *RejectionError
	if errors.As(cause, &rej) && rej.Text != "" {
		body := appendEscaped([]byte(`<body>`), rej.Text)
		body = append(body, `</body>`...)
		s.conn.Deliver(&stanza.Message{
			To:       st.GetFrom(),
			Type:     stanza.ChatMessage,
			InnerXML: body,
		})
	}
}
