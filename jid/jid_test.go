// Copyright 2025 The Meridian Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package jid_test

import (
	"encoding/xml"
	"strconv"
	"testing"

	"github.com/meridian-im/xmppd/jid"
)

var validTestCases = [...]struct {
	jid      string
	local    string
	domain   string
	resource string
}{
	0: {"example.net", "", "example.net", ""},
	1: {"example.net/rp", "", "example.net", "rp"},
	2: {"mercutio@example.net", "mercutio", "example.net", ""},
	3: {"mercutio@example.net/rp", "mercutio", "example.net", "rp"},
	4: {"mercutio@example.net/rp@rp", "mercutio", "example.net", "rp@rp"},
	5: {"mercutio@example.net/rp@rp/rp", "mercutio", "example.net", "rp@rp/rp"},
	6: {"example.net.", "", "example.net", ""},
	7: {"[::1]", "", "[::1]", ""},
}

func TestValidJIDs(t *testing.T) {
	for i, tc := range validTestCases {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			j, err := jid.Parse(tc.jid)
			if err != nil {
				t.Fatalf("error parsing %q: %v", tc.jid, err)
			}
			if lp := j.Localpart(); lp != tc.local {
				t.Errorf("wrong localpart: want=%q, got=%q", tc.local, lp)
			}
			if dp := j.Domainpart(); dp != tc.domain {
				t.Errorf("wrong domainpart: want=%q, got=%q", tc.domain, dp)
			}
			if rp := j.Resourcepart(); rp != tc.resource {
				t.Errorf("wrong resourcepart: want=%q, got=%q", tc.resource, rp)
			}
		})
	}
}

var invalidTestCases = [...]string{
	0: "@example.net",
	1: "example.net/",
	2: "lp@/rp",
	3: `b"d@example.net`,
	4: `b&d@example.net`,
	5: `b'd@example.net`,
	6: `b:d@example.net`,
	7: `b<d@example.net`,
	8: `b>d@example.net`,
	9: "[127.0.0.1]",
}

func TestInvalidJIDs(t *testing.T) {
	for i, tc := range invalidTestCases {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			if j, err := jid.Parse(tc); err == nil {
				t.Errorf("expected parsing %q to fail, got %q", tc, j)
			}
		})
	}
}

func TestBareAndDomain(t *testing.T) {
	j := jid.MustParse("romeo@example.net/balcony")
	if bare := j.Bare().String(); bare != "romeo@example.net" {
		t.Errorf("wrong bare JID: %q", bare)
	}
	if d := j.Domain().String(); d != "example.net" {
		t.Errorf("wrong domain JID: %q", d)
	}
	if !j.IsFull() || j.Bare().IsFull() {
		t.Error("wrong full/bare classification")
	}
	if !j.Domain().IsServer() {
		t.Error("domain JID should be a server JID")
	}
}

func TestEqual(t *testing.T) {
	j := jid.MustParse("juliet@example.net/chamber")
	if !j.Equal(j.Copy()) {
		t.Error("JID should equal its copy")
	}
	if j.Equal(j.Bare()) {
		t.Error("full JID should not equal its bare form")
	}
}

func TestWithResource(t *testing.T) {
	j := jid.MustParse("nurse@example.net")
	j2, err := j.WithResource("house")
	if err != nil {
		t.Fatal(err)
	}
	if j2.String() != "nurse@example.net/house" {
		t.Errorf("wrong JID with resource: %q", j2)
	}
	if j.Resourcepart() != "" {
		t.Error("WithResource should not mutate the receiver")
	}
}

func TestMarshalAttr(t *testing.T) {
	msg := struct {
		XMLName xml.Name `xml:"message"`
		To      *jid.JID `xml:"to,attr"`
	}{
		To: jid.MustParse("tybalt@example.net"),
	}
	out, err := xml.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	const want = `<message to="tybalt@example.net"></message>`
	if string(out) != want {
		t.Errorf("wrong marshal output: want=%s, got=%s", want, out)
	}
}

func TestUnmarshalAttr(t *testing.T) {
	msg := struct {
		XMLName xml.Name `xml:"message"`
		To      jid.JID  `xml:"to,attr"`
	}{}
	err := xml.Unmarshal([]byte(`<message to='paris@example.net/rp'/>`), &msg)
	if err != nil {
		t.Fatal(err)
	}
	if msg.To.String() != "paris@example.net/rp" {
		t.Errorf("wrong unmarshaled JID: %q", msg.To.String())
	}
}
