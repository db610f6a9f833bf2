// Copyright 2025 The Meridian Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmppd

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/meridian-im/xmppd/internal/idgen"
	"github.com/meridian-im/xmppd/internal/ns"
	"github.com/meridian-im/xmppd/stanza"
	"github.com/meridian-im/xmppd/stream"
)

// negotiate drives the stream from the first open tag to Ready. The stream
// restarts (new open tag, new features) after TLS and after authentication;
// each pass offers only the features valid in the current state, and the
// stream is ready once no required feature remains.
func (s *Session) negotiate(ctx context.Context) error {
	for {
		info, err := stream.Expect(ctx, s.d)
		if err != nil {
			var serr stream.Error
			if errors.As(err, &serr) {
				// Open our side of the stream before reporting the error so
				// the peer sees a well formed document (RFC 6120 §4.9.1).
				s.sendErrorHeader(info)
				return s.closeWithError(serr)
			}
			_ = s.Close()
			return err
		}

		if s.role == nil {
			role, err := s.server.roleFor(info.XMLNS)
			if err != nil {
				return s.closeWithError(stream.InvalidNamespace)
			}
			s.role = role
		}

		id := idgen.StreamID()
		lang := stream.NegotiateLang(info.Lang, s.server.languages())
		s.mu.Lock()
		s.info = info
		s.id = id
		s.mu.Unlock()
		s.conn.SetLang(lang)
		s.conn.SetVersion(info.Version.String())

		resp := stream.Info{
			ID:      id,
			From:    s.server.addr(),
			To:      info.From,
			Version: info.Version,
			XMLNS:   info.XMLNS,
			Lang:    lang,
		}
		if err := stream.Send(s.conn, resp); err != nil {
			return err
		}

		required, offered, err := writeFeatures(ctx, s, s.role.Features(s))
		if err != nil {
			return err
		}
		if !required {
			s.addState(Ready)
			return nil
		}

		restart, err := s.negotiateFeatures(ctx, offered)
		if err != nil {
			return err
		}
		if !restart {
			return nil
		}
		s.d = xml.NewDecoder(s.conn)
	}
}

// negotiateFeatures reads elements until a feature restarts the stream or
// finishes negotiation. It reports whether the caller should expect a new
// stream open tag.
func (s *Session) negotiateFeatures(ctx context.Context, offered []StreamFeature) (restart bool, err error) {
	for {
		tok, err := s.d.Token()
		if err != nil {
			_ = s.Close()
			return false, err
		}
		var start xml.StartElement
		switch t := tok.(type) {
		case xml.StartElement:
			start = t
		case xml.EndElement:
			// Peer closed the stream mid-negotiation.
			_ = s.Close()
			return false, fmt.Errorf("xmppd: stream closed during negotiation")
		default:
			continue
		}

		var feat StreamFeature
		switch {
		case stanza.Is(start.Name):
			// Resource binding travels inside an IQ; any other stanza before
			// negotiation completes is rejected.
			feat = featureByNamespace(offered, ns.Bind)
			if start.Name.Local != "iq" || feat.Negotiate == nil || !s.State().Has(Authn) {
				return false, s.closeWithError(stream.NotAuthorized)
			}
		default:
			var ok bool
			feat, ok = matchFeature(offered, start)
			if !ok {
				return false, s.closeWithError(stream.UnsupportedStanzaType)
			}
		}

		mask, restart, err := feat.Negotiate(ctx, s, start)
		s.addState(mask)
		if err != nil {
			if errors.Is(err, ErrAuthn) {
				// The failure element is already on the wire.
				s.logger.Info("authentication failed",
					zap.Stringer("remote", s.conn.RemoteAddr()))
				_ = s.Close()
				return false, err
			}
			_ = s.Close()
			return false, err
		}
		if restart {
			return true, nil
		}
		if s.State().Has(Ready) {
			return false, nil
		}
	}
}

// sendErrorHeader writes a minimal response stream header ahead of a stream
// error when the peer's opening tag could not be accepted. The content
// namespace falls back to jabber:client when the bad header never declared
// one we recognize.
func (s *Session) sendErrorHeader(info stream.Info) {
	xmlns := info.XMLNS
	if xmlns == "" {
		xmlns = ns.Client
	}
	_ = stream.Send(s.conn, stream.Info{
		ID:      idgen.StreamID(),
		From:    s.server.addr(),
		To:      info.From,
		Version: stream.DefaultVersion,
		XMLNS:   xmlns,
	})
}

func featureByNamespace(offered []StreamFeature, space string) StreamFeature {
	for _, f := range offered {
		if f.Name.Space == space {
			return f
		}
	}
	return StreamFeature{}
}
