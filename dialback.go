// Copyright 2025 The Meridian Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmppd

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"fmt"

	"go.uber.org/zap"
)

// DialbackKey computes a dialback key for the given stream: an HMAC-SHA256
// over the addresses and stream ID, keyed with the hash of the shared
// secret.
func DialbackKey(secret, receiving, originating, streamID string) string {
	sum := sha256.Sum256([]byte(secret))
	mac := hmac.New(sha256.New, sum[:])
	fmt.Fprintf(mac, "%s %s %s", receiving, originating, streamID)
	return hex.EncodeToString(mac.Sum(nil))
}

// A DomainVerifier decides whether a dialback key proves that the
// originating server is authorized to send for its domain. Implementations
// typically dial the authoritative server back; clusters sharing a secret
// can use KeyVerifier instead.
type DomainVerifier interface {
	Verify(originating, receiving, streamID, key string) bool
}

// KeyVerifier verifies dialback keys against a shared secret.
type KeyVerifier struct {
	Secret string
}

// Verify implements DomainVerifier.
func (v KeyVerifier) Verify(originating, receiving, streamID, key string) bool {
	expected := DialbackKey(v.Secret, receiving, originating, streamID)
	return hmac.Equal([]byte(expected), []byte(key))
}

// dialback handles db:result and db:verify elements on server streams. A
// validated db:result whitelists the originating domain for the remainder of
// the stream.
func (srv *Server) dialback(s *Session, start xml.StartElement) error {
	var req struct {
		From string `xml:"from,attr"`
		To   string `xml:"to,attr"`
		ID   string `xml:"id,attr"`
		Key  string `xml:",chardata"`
	}
	if err := s.d.DecodeElement(&req, &start); err != nil {
		return err
	}

	switch start.Name.Local {
	case "result":
		valid := srv.Verifier != nil && srv.Verifier.Verify(req.From, req.To, s.ID(), req.Key)
		verdict := "invalid"
		if valid {
			verdict = "valid"
			s.markDomainValidated(req.From)
			s.logger.Info("dialback validated domain", zap.String("domain", req.From))
		} else {
			s.logger.Warn("dialback rejected domain", zap.String("domain", req.From))
		}
		_, err := fmt.Fprintf(s.conn, `<db:result from='%s' to='%s' type='%s'/>`,
			req.To, req.From, verdict)
		return err
	case "verify":
		// We are the authoritative server for req.To: confirm whether the key
		// was minted with our secret for that stream.
		verdict := "invalid"
		if (KeyVerifier{Secret: srv.DialbackSecret}).Verify(req.To, req.From, req.ID, req.Key) {
			verdict = "valid"
		}
		_, err := fmt.Fprintf(s.conn, `<db:verify from='%s' to='%s' id='%s' type='%s'/>`,
			req.To, req.From, req.ID, verdict)
		return err
	}
	return nil
}
