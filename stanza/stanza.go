// Copyright 2025 The Meridian Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package stanza contains types for the three top-level units of XMPP
// communication: message, presence, and iq.
//
// Stanza payloads are carried as opaque inner XML; this package only models
// the addressing envelope and error conditions that the connection layer
// needs to route and police stanzas.
package stanza

import (
	"encoding/xml"
	"fmt"

	"github.com/meridian-im/xmppd/internal/ns"
	"github.com/meridian-im/xmppd/jid"
)

// Is tests whether name is a valid stanza based on name and space.
func Is(name xml.Name) bool {
	return (name.Local == "iq" || name.Local == "message" || name.Local == "presence") &&
		(name.Space == ns.Client || name.Space == ns.Server || name.Space == "")
}

// Stanza is the common interface of Message, Presence, and IQ. It exposes the
// addressing envelope that routing decisions are made on; the payload stays
// opaque.
type Stanza interface {
	// Kind returns "message", "presence", or "iq".
	Kind() string

	GetID() string
	GetTo() *jid.JID
	GetFrom() *jid.JID
	SetTo(*jid.JID)
	SetFrom(*jid.JID)

	// XML serializes the stanza, payload included.
	XML() ([]byte, error)
}

// JIDError is returned by Read when a stanza's envelope carried an address
// that does not parse. The element has been fully consumed from the stream,
// so the caller may reply with a jid-malformed error and keep reading.
type JIDError struct {
	Kind    string
	ID      string
	RawTo   string
	RawFrom string
	Err     error
}

// Error satisfies the error interface.
func (e *JIDError) Error() string {
	return fmt.Sprintf("stanza: malformed JID on %s stanza: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying address parsing error.
func (e *JIDError) Unwrap() error {
	return e.Err
}

// envelope is the wire form shared by all three stanza kinds. Addresses stay
// strings here so that a malformed JID can be reported without abandoning the
// element mid-parse.
type envelope struct {
	ID       string `xml:"id,attr,omitempty"`
	To       string `xml:"to,attr,omitempty"`
	From     string `xml:"from,attr,omitempty"`
	Type     string `xml:"type,attr,omitempty"`
	Lang     string `xml:"http://www.w3.org/XML/1998/namespace lang,attr,omitempty"`
	InnerXML []byte `xml:",innerxml"`
}

// Read decodes the stanza starting at start from d. The element is always
// consumed in full, even on error. If the envelope addressing is malformed a
// *JIDError is returned.
func Read(d *xml.Decoder, start xml.StartElement) (Stanza, error) {
	if !Is(start.Name) {
		return nil, fmt.Errorf("stanza: unexpected element %s", start.Name.Local)
	}

	var env envelope
	if err := d.DecodeElement(&env, &start); err != nil {
		return nil, err
	}

	var to, from *jid.JID
	var err error
	if env.To != "" {
		to, err = jid.Parse(env.To)
		if err != nil {
			return nil, &JIDError{Kind: start.Name.Local, ID: env.ID, RawTo: env.To, RawFrom: env.From, Err: err}
		}
	}
	if env.From != "" {
		from, err = jid.Parse(env.From)
		if err != nil {
			return nil, &JIDError{Kind: start.Name.Local, ID: env.ID, RawTo: env.To, RawFrom: env.From, Err: err}
		}
	}

	switch start.Name.Local {
	case "message":
		return &Message{
			ID: env.ID, To: to, From: from, Lang: env.Lang,
			Type: MessageType(env.Type), InnerXML: env.InnerXML,
		}, nil
	case "presence":
		return &Presence{
			ID: env.ID, To: to, From: from, Lang: env.Lang,
			Type: PresenceType(env.Type), InnerXML: env.InnerXML,
		}, nil
	default:
		iq := &IQ{
			ID: env.ID, To: to, From: from, Lang: env.Lang,
			InnerXML: env.InnerXML,
		}
		if err := iq.Type.parse(env.Type); err != nil {
			return nil, err
		}
		return iq, nil
	}
}
