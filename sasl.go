// Copyright 2025 The Meridian Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmppd

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"mellium.im/sasl"

	"github.com/meridian-im/xmppd/auth"
	"github.com/meridian-im/xmppd/internal/idgen"
	"github.com/meridian-im/xmppd/internal/ns"
)

// ErrAuthn is returned by the SASL feature when authentication fails.
// Authentication failure is always terminal for the stream; the peer must
// reconnect to retry.
var ErrAuthn = errors.New("xmppd: authentication failed")

// SASLServer returns a stream feature that authenticates the peer. PLAIN is
// verified through the mechanism engine against the provider; ANONYMOUS
// logins are granted a random identity. Only single-shot mechanisms are
// offered: the engine has no receiving side for the SCRAM family, so
// advertising it would invite exchanges we cannot complete.
func SASLServer(p auth.Provider) StreamFeature {
	return StreamFeature{
		Name:       xml.Name{Space: ns.SASL, Local: "mechanisms"},
		Prohibited: Authn,
		List: func(ctx context.Context, w io.Writer) (bool, error) {
			if _, err := fmt.Fprint(w, `<mechanisms xmlns='`+ns.SASL+`'>`); err != nil {
				return true, err
			}
			for _, m := range mechanismNames(p) {
				if _, err := fmt.Fprintf(w, `<mechanism>%s</mechanism>`, m); err != nil {
					return true, err
				}
			}
			_, err := fmt.Fprint(w, `</mechanisms>`)
			return true, err
		},
		Negotiate: func(ctx context.Context, s *Session, start xml.StartElement) (SessionState, bool, error) {
			var req struct {
				Mechanism string `xml:"mechanism,attr"`
				Payload   string `xml:",chardata"`
			}
			if err := s.d.DecodeElement(&req, &start); err != nil {
				return 0, false, err
			}
			payload, err := decodeSASLPayload(req.Payload)
			if err != nil {
				return 0, false, saslFailure(s, "incorrect-encoding")
			}

			var identity string
			switch req.Mechanism {
			case "PLAIN":
				identity, err = verifyPlain(p, payload)
			case "ANONYMOUS":
				if !p.AllowAnonymous() {
					return 0, false, saslFailure(s, "invalid-mechanism")
				}
				identity = "anon-" + idgen.New(8)
			default:
				return 0, false, saslFailure(s, "invalid-mechanism")
			}
			if err != nil {
				if errors.Is(err, ErrAuthn) || errors.Is(err, auth.ErrBadCredentials) {
					return 0, false, saslFailure(s, "temporary-auth-failure")
				}
				return 0, false, err
			}

			if _, err := s.conn.Write([]byte(`<success xmlns='` + ns.SASL + `'/>`)); err != nil {
				return 0, false, err
			}
			s.mu.Lock()
			s.identity = identity
			s.mu.Unlock()
			return Authn, true, nil
		},
	}
}

// mechanismNames lists advertised mechanisms strongest first.
func mechanismNames(p auth.Provider) []string {
	names := []string{"PLAIN"}
	if p.AllowAnonymous() {
		names = append(names, "ANONYMOUS")
	}
	return names
}

// decodeSASLPayload decodes a base64 SASL payload. A single equals sign
// indicates a present-but-empty payload (RFC 6120 §6.4.2).
func decodeSASLPayload(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "=" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

// verifyPlain runs a PLAIN exchange through the mechanism engine. The engine
// parses the initial response and hands the submitted credentials to the
// permissions callback, which checks them against the provider.
func verifyPlain(p auth.Provider, payload []byte) (string, error) {
	var identity string
	permissions := func(n *sasl.Negotiator) bool {
		user, pass, _ := n.Credentials()
		if len(user) == 0 {
			return false
		}
		if err := p.Authenticate(string(user), string(pass)); err != nil {
			return false
		}
		identity = string(user)
		return true
	}
	machine := sasl.NewServer(sasl.Plain, permissions)
	if _, _, err := saslStep(machine, payload); err != nil {
		return "", ErrAuthn
	}
	if identity == "" {
		return "", ErrAuthn
	}
	return identity, nil
}

// saslStep steps the mechanism engine, converting a panic inside the engine
// into an error so one misbehaving mechanism cannot take down the process.
func saslStep(machine *sasl.Negotiator, resp []byte) (more bool, challenge []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("xmppd: sasl mechanism aborted: %v", r)
		}
	}()
	return machine.Step(resp)
}

// saslFailure writes a failure element and returns ErrAuthn; the caller
// terminates the stream.
func saslFailure(s *Session, condition string) error {
	_, _ = fmt.Fprintf(s.conn, `<failure xmlns='%s'><%s/></failure>`, ns.SASL, condition)
	return ErrAuthn
}
