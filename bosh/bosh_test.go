// Copyright 2025 The Meridian Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package bosh

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridian-im/xmppd/auth"
	"github.com/meridian-im/xmppd/jid"
	"github.com/meridian-im/xmppd/router"
	"github.com/meridian-im/xmppd/stanza"
)

type routeCapture struct {
	mu      sync.Mutex
	stanzas []stanza.Stanza
}

func (r *routeCapture) Route(st stanza.Stanza) {
	r.mu.Lock()
	r.stanzas = append(r.stanzas, st)
	r.mu.Unlock()
}

func (r *routeCapture) snapshot() []stanza.Stanza {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]stanza.Stanza(nil), r.stanzas...)
}

type offlineCapture struct {
	mu      sync.Mutex
	stanzas []stanza.Stanza
}

func (o *offlineCapture) Deliver(st stanza.Stanza) {
	o.mu.Lock()
	o.stanzas = append(o.stanzas, st)
	o.mu.Unlock()
}

func (o *offlineCapture) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.stanzas)
}

func testManager(t *testing.T, mutate func(*Config)) (*Manager, *routeCapture, *offlineCapture) {
	t.Helper()
	prov := auth.NewMemory(false)
	prov.Register("alice", "s3cret")
	rc := &routeCapture{}
	oc := &offlineCapture{}
	cfg := Config{
		Domain:   "example.net",
		Auth:     prov,
		Router:   rc,
		Registry: router.NewRegistry(nil),
		Offline:  oc,
		MaxWait:  2 * time.Second,
		MinPoll:  time.Hour, // burst covers the polls tests need
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m := NewManager(cfg)
	t.Cleanup(m.Stop)
	return m, rc, oc
}

func doPost(t *testing.T, m *Manager, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/http-bind", strings.NewReader(body))
	w := httptest.NewRecorder()
	m.ServeHTTP(w, req)
	return w
}

func createSession(t *testing.T, m *Manager, rid uint64, hold int) string {
	t.Helper()
	w := doPost(t, m, fmt.Sprintf(
		`<body xmlns='http://jabber.org/protocol/httpbind' rid='%d' to='example.net' wait='1' hold='%d' ver='1.8'/>`,
		rid, hold))
	var created struct {
		SID  string `xml:"sid,attr"`
		Wait int    `xml:"wait,attr"`
		Hold int    `xml:"hold,attr"`
	}
	require.NoError(t, xml.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created.SID)
	require.LessOrEqual(t, created.Wait, 2)
	return created.SID
}

func authAndBind(t *testing.T, m *Manager, sid string, rid uint64) string {
	t.Helper()
	creds := base64.StdEncoding.EncodeToString([]byte("\x00alice\x00s3cret"))
	w := doPost(t, m, fmt.Sprintf(
		`<body xmlns='http://jabber.org/protocol/httpbind' rid='%d' sid='%s'><auth xmlns='urn:ietf:params:xml:ns:xmpp-sasl' mechanism='PLAIN'>%s</auth></body>`,
		rid, sid, creds))
	require.Contains(t, w.Body.String(), "<success")

	w = doPost(t, m, fmt.Sprintf(
		`<body xmlns='http://jabber.org/protocol/httpbind' rid='%d' sid='%s' restart='true'/>`,
		rid+1, sid))
	require.Contains(t, w.Body.String(), "xmpp-bind")

	w = doPost(t, m, fmt.Sprintf(
		`<body xmlns='http://jabber.org/protocol/httpbind' rid='%d' sid='%s'><iq type='set' id='b1' xmlns='jabber:client'><bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'><resource>web</resource></bind></iq></body>`,
		rid+2, sid))
	require.Contains(t, w.Body.String(), "alice@example.net/web")
	return w.Body.String()
}

func TestSessionCreationAndLogin(t *testing.T) {
	m, _, _ := testManager(t, nil)
	sid := createSession(t, m, 1, 1)
	require.Equal(t, 1, m.SessionCount())
	authAndBind(t, m, sid, 2)
}

func TestReplayIsByteIdentical(t *testing.T) {
	m, _, _ := testManager(t, nil)
	sid := createSession(t, m, 1, 1)
	creds := base64.StdEncoding.EncodeToString([]byte("\x00alice\x00s3cret"))
	body := fmt.Sprintf(
		`<body xmlns='http://jabber.org/protocol/httpbind' rid='2' sid='%s'><auth xmlns='urn:ietf:params:xml:ns:xmpp-sasl' mechanism='PLAIN'>%s</auth></body>`,
		sid, creds)

	first := doPost(t, m, body).Body.Bytes()
	second := doPost(t, m, body).Body.Bytes()
	require.Equal(t, first, second)
	require.Equal(t, 1, m.SessionCount(), "replay must not disturb the session")
}

func TestReplayOfEvictedRIDIsTerminal(t *testing.T) {
	m, _, _ := testManager(t, nil)
	sid := createSession(t, m, 10, 1)
	sess, ok := m.lookup(sid)
	require.True(t, ok)

	// rid 5 predates the session and was never cached.
	res := sess.Admit(&request{RID: 5, SID: sid, Ver: "1.8", children: 1}, false)
	require.NotNil(t, res.Body)
	require.True(t, res.Terminal)
	require.Contains(t, string(res.Body), "item-not-found")
}

func TestTooFarAheadRIDTerminatesSession(t *testing.T) {
	m, _, _ := testManager(t, nil)
	sid := createSession(t, m, 5, 1)
	sess, ok := m.lookup(sid)
	require.True(t, ok)

	// lastRequestID=5, hold=1: rid 10 exceeds 5+1+1.
	res := sess.Admit(&request{RID: 10, SID: sid, Ver: "1.8", children: 1}, false)
	require.True(t, res.Terminal)
	require.Contains(t, string(res.Body), "item-not-found")

	// The session is gone; in-window requests are rejected too.
	res = sess.Admit(&request{RID: 6, SID: sid, Ver: "1.8", children: 1}, false)
	require.True(t, res.Terminal)
}

func TestRIDOrderingAndDeliveryFanOut(t *testing.T) {
	m, _, _ := testManager(t, func(cfg *Config) { cfg.MaxHold = 2 })
	sid := createSession(t, m, 1, 2)
	sess, ok := m.lookup(sid)
	require.True(t, ok)

	resA := sess.Admit(&request{RID: 2, SID: sid, Ver: "1.8", children: 1}, false)
	resB := sess.Admit(&request{RID: 3, SID: sid, Ver: "1.8", children: 1}, false)
	require.NotNil(t, resA.Conn)
	require.NotNil(t, resB.Conn)

	sess.Deliver(&stanza.Message{To: jid.MustParse("alice@example.net/web"), ID: "m1", Type: stanza.ChatMessage})
	bodyA := resA.Conn.Response(context.Background(), time.Second, func() { sess.expire(resA.Conn) })
	require.Contains(t, string(bodyA), `id="m1"`)

	sess.Deliver(&stanza.Message{To: jid.MustParse("alice@example.net/web"), ID: "m2", Type: stanza.ChatMessage})
	bodyB := resB.Conn.Response(context.Background(), time.Second, func() { sess.expire(resB.Conn) })
	require.Contains(t, string(bodyB), `id="m2"`)

	var lastRID uint64
	sess.run(func() { lastRID = sess.lastRID })
	require.Equal(t, uint64(3), lastRID)
}

func TestHoldBoundEvictsOldest(t *testing.T) {
	m, _, _ := testManager(t, nil)
	sid := createSession(t, m, 1, 1)
	sess, ok := m.lookup(sid)
	require.True(t, ok)

	resOld := sess.Admit(&request{RID: 2, SID: sid, Ver: "1.8", children: 1}, false)
	resNew := sess.Admit(&request{RID: 3, SID: sid, Ver: "1.8", children: 1}, false)
	require.NotNil(t, resNew.Conn)

	// Admitting rid 3 evicted rid 2 with an empty body and advanced the
	// accounting past it.
	bodyOld := resOld.Conn.Response(context.Background(), 50*time.Millisecond, func() {})
	require.Equal(t, string(emptyBody()), string(bodyOld))

	var open int
	var lastRID uint64
	sess.run(func() { open, lastRID = sess.openCount(), sess.lastRID })
	require.LessOrEqual(t, open, 1)
	require.Equal(t, uint64(2), lastRID)
}

func TestExactlyOnceBodyDelivery(t *testing.T) {
	c := newConnection(7, false)
	require.NoError(t, c.deliverBody([]byte("first")))
	require.ErrorIs(t, c.deliverBody([]byte("second")), ErrBodyDelivered)
	body := c.Response(context.Background(), time.Second, func() {})
	require.Equal(t, "first", string(body))
}

func TestPollTooFrequentlyIsPolicyViolation(t *testing.T) {
	m, _, _ := testManager(t, nil)
	sid := createSession(t, m, 1, 1)
	sess, ok := m.lookup(sid)
	require.True(t, ok)

	// The limiter burst admits two polls; the third inside the minimum
	// interval is a violation.
	_ = sess.Admit(&request{RID: 2, SID: sid, Ver: "1.8"}, false)
	_ = sess.Admit(&request{RID: 3, SID: sid, Ver: "1.8"}, false)
	res := sess.Admit(&request{RID: 4, SID: sid, Ver: "1.8"}, false)
	require.True(t, res.Terminal)
	require.Contains(t, string(res.Body), "policy-violation")
}

func TestMixedSecurityIsTerminal(t *testing.T) {
	m, _, _ := testManager(t, nil)
	sid := createSession(t, m, 1, 1)
	sess, ok := m.lookup(sid)
	require.True(t, ok)

	res := sess.Admit(&request{RID: 2, SID: sid, Ver: "1.8", children: 1}, true)
	require.True(t, res.Terminal)
	require.Contains(t, string(res.Body), "bad-request")
}

func TestResponseTimeoutSynthesizesEmptyBody(t *testing.T) {
	m, _, _ := testManager(t, nil)
	sid := createSession(t, m, 1, 1)
	sess, ok := m.lookup(sid)
	require.True(t, ok)

	res := sess.Admit(&request{RID: 2, SID: sid, Ver: "1.8", children: 1}, false)
	require.NotNil(t, res.Conn)
	body := res.Conn.Response(context.Background(), 20*time.Millisecond, func() { sess.expire(res.Conn) })
	require.Equal(t, string(emptyBody()), string(body))

	// The empty response still advanced the expected request id.
	var lastRID uint64
	sess.run(func() { lastRID = sess.lastRID })
	require.Equal(t, uint64(2), lastRID)
}

func TestTerminatedSessionRedirectsToOffline(t *testing.T) {
	m, _, oc := testManager(t, nil)
	sid := createSession(t, m, 1, 1)
	sess, ok := m.lookup(sid)
	require.True(t, ok)

	// Queue a stanza with no eligible connection, then close.
	sess.Deliver(&stanza.Message{To: jid.MustParse("alice@example.net/web"), ID: "m1", Type: stanza.ChatMessage})
	sess.Close()
	require.Equal(t, 1, oc.len())
	require.Equal(t, 0, m.SessionCount())

	// Deliveries after the session is gone go straight to offline storage.
	sess.Deliver(&stanza.Message{ID: "m2", Type: stanza.ChatMessage})
	require.Eventually(t, func() bool { return oc.len() == 2 }, time.Second, 10*time.Millisecond)
}

func TestInactivityReaping(t *testing.T) {
	m, _, _ := testManager(t, func(cfg *Config) {
		cfg.Inactivity = 30 * time.Millisecond
		cfg.SweepInterval = 10 * time.Millisecond
	})
	m.Start()
	createSession(t, m, 1, 1)
	require.Equal(t, 1, m.SessionCount())
	require.Eventually(t, func() bool { return m.SessionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStanzaFromIsOverwritten(t *testing.T) {
	m, rc, _ := testManager(t, nil)
	sid := createSession(t, m, 1, 1)
	authAndBind(t, m, sid, 2)

	doPost(t, m, fmt.Sprintf(
		`<body xmlns='http://jabber.org/protocol/httpbind' rid='5' sid='%s'><message xmlns='jabber:client' to='bob@example.net' from='mallory@evil.example' id='m1' type='chat'><body>hi</body></message></body>`,
		sid))
	require.Eventually(t, func() bool { return len(rc.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	st := rc.snapshot()[0]
	require.NotNil(t, st.GetFrom())
	require.Equal(t, "alice@example.net/web", st.GetFrom().String())
}

func TestGETScriptSyntax(t *testing.T) {
	m, _, _ := testManager(t, nil)
	body := `<body xmlns='http://jabber.org/protocol/httpbind' rid='1' to='example.net' wait='1' hold='1' ver='1.8'/>`
	req := httptest.NewRequest(http.MethodGet, "/http-bind?"+url.QueryEscape(body), nil)
	w := httptest.NewRecorder()
	m.ServeHTTP(w, req)
	require.Equal(t, "text/javascript; charset=utf-8", w.Header().Get("Content-Type"))
	require.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("_BOSH_(")))
}

func TestMalformedRequestIsRecoverable(t *testing.T) {
	m, _, _ := testManager(t, nil)
	sid := createSession(t, m, 1, 1)

	w := doPost(t, m, `<body rid='broken`)
	require.Contains(t, w.Body.String(), "type='error'")
	require.Contains(t, w.Body.String(), "condition='bad-request'")

	// The session is untouched and keeps working.
	require.Equal(t, 1, m.SessionCount())
	authAndBind(t, m, sid, 2)
}

func TestUnknownSIDTerminalForModernClients(t *testing.T) {
	m, _, _ := testManager(t, nil)
	w := doPost(t, m, `<body xmlns='http://jabber.org/protocol/httpbind' rid='9' sid='nope' ver='1.8'/>`)
	require.Contains(t, w.Body.String(), "item-not-found")

	// Pre-1.6 clients get a bare HTTP status instead.
	req := httptest.NewRequest(http.MethodPost, "/http-bind",
		strings.NewReader(`<body xmlns='http://jabber.org/protocol/httpbind' rid='9' sid='nope' ver='1.5'/>`))
	w = httptest.NewRecorder()
	m.ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}
