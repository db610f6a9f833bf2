// Copyright 2025 The Meridian Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmppd

import (
	"bytes"
	"context"
	"encoding/xml"
	"io"
)

// A StreamFeature is a feature that the server advertises in its
// <stream:features> list and negotiates with the peer.
type StreamFeature struct {
	// Name is the XML name of the advertised feature element.
	Name xml.Name

	// Necessary are the bits that must be enabled, and Prohibited the bits
	// that must be disabled, for the feature to be advertised. For example a
	// feature with Necessary Secure|Authn is only offered after TLS and
	// authentication are both done.
	Necessary  SessionState
	Prohibited SessionState

	// List writes the feature element to the features list and reports
	// whether negotiating it is required before the stream may proceed.
	List func(ctx context.Context, w io.Writer) (required bool, err error)

	// Negotiate drives one negotiation attempt, starting from the element the
	// peer opened it with. It returns the state bits to enable and whether
	// the stream restarts afterwards. A returned error is terminal for the
	// stream.
	Negotiate func(ctx context.Context, s *Session, start xml.StartElement) (mask SessionState, restart bool, err error)
}

// offered reports whether the feature may be advertised in state.
func (f StreamFeature) offered(state SessionState) bool {
	return state&f.Necessary == f.Necessary && state&f.Prohibited == 0
}

// writeFeatures advertises every offerable feature and reports whether any of
// them is required and which were offered.
func writeFeatures(ctx context.Context, s *Session, features []StreamFeature) (required bool, offered []StreamFeature, err error) {
	var buf bytes.Buffer
	buf.WriteString(`<stream:features>`)
	state := s.State()
	for _, f := range features {
		if !f.offered(state) {
			continue
		}
		req, err := f.List(ctx, &buf)
		if err != nil {
			return false, nil, err
		}
		required = required || req
		offered = append(offered, f)
	}
	buf.WriteString(`</stream:features>`)
	if _, err := s.conn.Write(buf.Bytes()); err != nil {
		return false, nil, err
	}
	return required, offered, nil
}

// matchFeature finds the offered feature negotiated by a start element. SASL
// and STARTTLS are matched by the namespace of the element the client sends
// (<auth/>, <starttls/>); resource binding is carried inside an IQ stanza and
// matched separately by the negotiator.
func matchFeature(offered []StreamFeature, start xml.StartElement) (StreamFeature, bool) {
	for _, f := range offered {
		if f.Name.Space == start.Name.Space {
			return f, true
		}
	}
	return StreamFeature{}, false
}
