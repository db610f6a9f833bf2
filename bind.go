// Copyright 2025 The Meridian Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmppd

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meridian-im/xmppd/internal/ns"
	"github.com/meridian-im/xmppd/jid"
)

// BindResource returns the resource binding stream feature. The client may
// request a resource; if it sends none, or the requested resource is
// malformed, a random one is generated. Binding an address that is already
// bound kicks the previous session.
func BindResource() StreamFeature {
	return StreamFeature{
		Name:       xml.Name{Space: ns.Bind, Local: "bind"},
		Necessary:  Authn,
		Prohibited: Bound,
		List: func(ctx context.Context, w io.Writer) (bool, error) {
			_, err := fmt.Fprint(w, `<bind xmlns='`+ns.Bind+`'/>`)
			return true, err
		},
		Negotiate: func(ctx context.Context, s *Session, start xml.StartElement) (SessionState, bool, error) {
			var req struct {
				ID   string `xml:"id,attr"`
				Type string `xml:"type,attr"`
				Bind *struct {
					Resource string `xml:"resource"`
				} `xml:"urn:ietf:params:xml:ns:xmpp-bind bind"`
			}
			if err := s.d.DecodeElement(&req, &start); err != nil {
				return 0, false, err
			}
			if req.Type != "set" || req.Bind == nil {
				err := writeIQError(s, req.ID, "modify", "bad-request")
				return 0, false, err
			}

			resource := req.Bind.Resource
			addr, err := jid.New(s.Identity(), s.server.Domain, resource)
			if err != nil || resource == "" {
				addr, err = jid.New(s.Identity(), s.server.Domain, uuid.NewString())
				if err != nil {
					return 0, false, err
				}
			}

			reg := s.server.Registry
			if old, ok := reg.Exact(addr); ok {
				// Resource conflict: the newer stream wins.
				reg.Unbind(addr)
				if oldSess, ok := old.(*Session); ok {
					s.logger.Debug("kicking conflicting session", zap.Stringer("jid", addr))
					_ = oldSess.Close()
				}
			}
			reg.Bind(addr, s)

			s.mu.Lock()
			s.addr = addr
			s.mu.Unlock()

			var buf []byte
			buf = append(buf, `<iq type='result'`...)
			if req.ID != "" {
				buf = append(buf, ` id='`...)
				buf = appendEscaped(buf, req.ID)
				buf = append(buf, '\'')
			}
			buf = append(buf, `><bind xmlns='`+ns.Bind+`'><jid>`...)
			buf = appendEscaped(buf, addr.String())
			buf = append(buf, `</jid></bind></iq>`...)
			if _, err := s.conn.Write(buf); err != nil {
				return 0, false, err
			}
			s.logger.Info("resource bound", zap.Stringer("jid", addr))
			return Bound | Ready, false, nil
		},
	}
}

// writeIQError replies to a half-parsed IQ with a stanza error.
func writeIQError(s *Session, id, errType, condition string) error {
	var buf []byte
	buf = append(buf, `<iq type='error'`...)
	if id != "" {
		buf = append(buf, ` id='`...)
		buf = appendEscaped(buf, id)
		buf = append(buf, '\'')
	}
	buf = append(buf, `><error type='`+errType+`'><`+condition+` xmlns='`+ns.Stanza+`'/></error></iq>`...)
	_, err := s.conn.Write(buf)
	return err
}

func appendEscaped(buf []byte, s string) []byte {
	for _, r := range s {
		switch r {
		case '\'':
			buf = append(buf, `&apos;`...)
		case '"':
			buf = append(buf, `&quot;`...)
		case '&':
			buf = append(buf, `&amp;`...)
		case '<':
			buf = append(buf, `&lt;`...)
		case '>':
			buf = append(buf, `&gt;`...)
		default:
			buf = append(buf, string(r)...)
		}
	}
	return buf
}
