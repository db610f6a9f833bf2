// Copyright 2025 The Meridian Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmppd

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/meridian-im/xmppd/internal/ns"
)

// StartTLS returns a stream feature that upgrades the stream to TLS. If
// required is true the feature blocks further negotiation until the stream is
// secured.
func StartTLS(required bool, cfg *tls.Config) StreamFeature {
	return StreamFeature{
		Name:       xml.Name{Space: ns.StartTLS, Local: "starttls"},
		Prohibited: Secure,
		List: func(ctx context.Context, w io.Writer) (bool, error) {
			if required {
				_, err := fmt.Fprint(w, `<starttls xmlns='`+ns.StartTLS+`'><required/></starttls>`)
				return true, err
			}
			_, err := fmt.Fprint(w, `<starttls xmlns='`+ns.StartTLS+`'/>`)
			return false, err
		},
		Negotiate: func(ctx context.Context, s *Session, start xml.StartElement) (SessionState, bool, error) {
			if err := s.d.Skip(); err != nil {
				return 0, false, err
			}
			if _, err := s.conn.Write([]byte(`<proceed xmlns='` + ns.StartTLS + `'/>`)); err != nil {
				return 0, false, err
			}
			if err := s.conn.StartTLS(cfg); err != nil {
				// The failure element rarely reaches a peer whose handshake
				// just failed, but we try before tearing down.
				_, _ = s.conn.Write([]byte(`<failure xmlns='` + ns.StartTLS + `'/>`))
				return 0, false, err
			}
			s.logger.Debug("stream secured", zap.Stringer("remote", s.conn.RemoteAddr()))
			return Secure, true, nil
		},
	}
}
