// Copyright 2025 The Meridian Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stanza_test

import (
	"encoding/xml"
	"errors"
	"strings"
	"testing"

	"github.com/meridian-im/xmppd/stanza"
)

func decodeStanza(t *testing.T, src string) (stanza.Stanza, error) {
	t.Helper()
	d := xml.NewDecoder(strings.NewReader(src))
	tok, err := d.Token()
	if err != nil {
		t.Fatalf("error reading start token: %v", err)
	}
	start, ok := tok.(xml.StartElement)
	if !ok {
		t.Fatalf("expected start element, got %T", tok)
	}
	return stanza.Read(d, start)
}

func TestReadMessage(t *testing.T) {
	s, err := decodeStanza(t, `<message id='a1' to='juliet@example.net' from='romeo@example.net/orchard' type='chat'><body>hi</body></message>`)
	if err != nil {
		t.Fatal(err)
	}
	msg, ok := s.(*stanza.Message)
	if !ok {
		t.Fatalf("expected *stanza.Message, got %T", s)
	}
	if msg.Type != stanza.ChatMessage {
		t.Errorf("wrong type: %q", msg.Type)
	}
	if msg.GetTo().String() != "juliet@example.net" {
		t.Errorf("wrong to: %q", msg.GetTo())
	}
	if !strings.Contains(string(msg.InnerXML), "<body>hi</body>") {
		t.Errorf("payload not preserved: %q", msg.InnerXML)
	}
}

func TestReadIQ(t *testing.T) {
	s, err := decodeStanza(t, `<iq id='b2' type='get'><query xmlns='jabber:iq:roster'/></iq>`)
	if err != nil {
		t.Fatal(err)
	}
	iq, ok := s.(*stanza.IQ)
	if !ok {
		t.Fatalf("expected *stanza.IQ, got %T", s)
	}
	if iq.Type != stanza.GetIQ {
		t.Errorf("wrong type: %v", iq.Type)
	}
}

func TestReadMalformedJID(t *testing.T) {
	_, err := decodeStanza(t, `<message id='c3' to='bad jid@@' from='romeo@example.net'><body>x</body></message>`)
	var jidErr *stanza.JIDError
	if !errors.As(err, &jidErr) {
		t.Fatalf("expected *stanza.JIDError, got %v", err)
	}
	if jidErr.Kind != "message" || jidErr.ID != "c3" {
		t.Errorf("wrong error metadata: %+v", jidErr)
	}
	if jidErr.RawFrom != "romeo@example.net" {
		t.Errorf("wrong raw from: %q", jidErr.RawFrom)
	}
}

func TestRoundTrip(t *testing.T) {
	s, err := decodeStanza(t, `<presence id='d4' from='romeo@example.net/orchard' type='unavailable'></presence>`)
	if err != nil {
		t.Fatal(err)
	}
	out, err := s.XML()
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`id="d4"`, `from="romeo@example.net/orchard"`, `type="unavailable"`} {
		if !strings.Contains(string(out), want) {
			t.Errorf("serialized stanza missing %s: %s", want, out)
		}
	}
}

func TestWrapError(t *testing.T) {
	s, err := decodeStanza(t, `<message id='e5' to='example.net' from='romeo@example.net/orchard'><body>x</body></message>`)
	if err != nil {
		t.Fatal(err)
	}
	reply, err := stanza.WrapError(s, stanza.Error{Type: stanza.Modify, Condition: stanza.JIDMalformed})
	if err != nil {
		t.Fatal(err)
	}
	if !reply.GetTo().Equal(s.GetFrom()) {
		t.Error("error reply should be addressed to the original sender")
	}
	out, err := reply.XML()
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`type="error"`, `jid-malformed`, `<body>x</body>`} {
		if !strings.Contains(string(out), want) {
			t.Errorf("error reply missing %s: %s", want, out)
		}
	}
}

func TestErrorRoundTrip(t *testing.T) {
	in := stanza.Error{Type: stanza.Cancel, Condition: stanza.NotAllowed, Text: "denied"}
	b, err := in.XML()
	if err != nil {
		t.Fatal(err)
	}
	var out stanza.Error
	if err := xml.Unmarshal(b, &out); err != nil {
		t.Fatal(err)
	}
	if out.Condition != stanza.NotAllowed || out.Type != stanza.Cancel || out.Text != "denied" {
		t.Errorf("round trip mismatch: %+v", out)
	}
}

func TestIs(t *testing.T) {
	for _, tc := range []struct {
		name xml.Name
		want bool
	}{
		{xml.Name{Space: "jabber:client", Local: "message"}, true},
		{xml.Name{Space: "jabber:server", Local: "iq"}, true},
		{xml.Name{Space: "", Local: "presence"}, true},
		{xml.Name{Space: "jabber:client", Local: "starttls"}, false},
		{xml.Name{Space: "urn:ietf:params:xml:ns:xmpp-sasl", Local: "auth"}, false},
	} {
		if got := stanza.Is(tc.name); got != tc.want {
			t.Errorf("Is(%v) = %v, want %v", tc.name, got, tc.want)
		}
	}
}
