// Copyright 2025 The Meridian Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package bosh

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/meridian-im/xmppd/internal/ns"
	"github.com/meridian-im/xmppd/jid"
	"github.com/meridian-im/xmppd/stanza"
)

// Result is the outcome of admitting one request. Either Body is an
// immediate response (replays and binding errors), or Conn is a held
// connection whose body arrives later.
type Result struct {
	Body     []byte
	Conn     *Connection
	Terminal bool
}

type pendingItem struct {
	raw []byte
	st  stanza.Stanza // nil for protocol payloads
}

// Session emulates one stream over a rotating set of held HTTP requests.
// All mutable state is owned by a single actor goroutine; external callers
// interact through posted closures, which serializes every structural change
// and preserves the ordering invariants without locks.
type Session struct {
	id     string
	m      *Manager
	logger *zap.Logger

	wait       time.Duration
	hold       int
	inactivity time.Duration
	poll       *rate.Limiter

	actorCh chan func()
	quit    chan struct{}
	once    sync.Once

	lastActivity atomic.Int64 // unix nanos, written on every admitted request

	// Actor-owned state. Only the actor goroutine touches these.
	lastRID       uint64
	connQ         map[uint64]*Connection
	pending       []pendingItem
	sent          *lru.Cache[uint64, []byte]
	secure        bool
	terminated    bool
	authenticated bool
	identity      string
	addr          *jid.JID
	sentUnavail   bool
}

// newSession starts the actor. rid is the creation request's ID, which is
// considered already serviced.
func newSession(m *Manager, sid string, rid uint64, wait time.Duration, hold int, secure bool) *Session {
	replayCap := hold
	if replayCap < 1 {
		replayCap = 1
	}
	cache, _ := lru.New[uint64, []byte](replayCap)
	s := &Session{
		id:         sid,
		m:          m,
		logger:     m.logger.With(zap.String("sid", sid)),
		wait:       wait,
		hold:       hold,
		inactivity: m.inactivity,
		poll:       rate.NewLimiter(rate.Every(m.minPoll), 2),
		actorCh:    make(chan func()),
		quit:       make(chan struct{}),
		lastRID:    rid,
		connQ:      make(map[uint64]*Connection),
		sent:       cache,
		secure:     secure,
	}
	s.lastActivity.Store(time.Now().UnixNano())
	go s.loop()
	return s
}

func (s *Session) loop() {
	for {
		select {
		case fn := <-s.actorCh:
			fn()
		case <-s.quit:
			return
		}
	}
}

// post schedules fn on the actor, reporting false if the session is gone.
func (s *Session) post(fn func()) bool {
	select {
	case s.actorCh <- fn:
		return true
	case <-s.quit:
		return false
	}
}

// run executes fn on the actor and waits for it.
func (s *Session) run(fn func()) bool {
	done := make(chan struct{})
	if !s.post(func() {
		fn()
		close(done)
	}) {
		return false
	}
	<-done
	return true
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// Wait returns the negotiated longest hold time for one request.
func (s *Session) Wait() time.Duration { return s.wait }

// idleSince returns the time of the last serviced request.
func (s *Session) idleSince() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Admit runs the admission algorithm for one request: replay, ordering,
// polling-rate, and security checks, then either an immediate reply or a
// held connection.
func (s *Session) Admit(req *request, secure bool) Result {
	var res Result
	if !s.run(func() { res = s.admit(req, secure) }) {
		return Result{Body: terminalBody("item-not-found"), Terminal: true}
	}
	return res
}

func (s *Session) admit(req *request, secure bool) Result {
	if s.terminated {
		return Result{Body: terminalBody("item-not-found"), Terminal: true}
	}
	s.lastActivity.Store(time.Now().UnixNano())

	// A session is all-secure or all-insecure, fixed at creation.
	if s.secure != secure {
		s.terminate()
		return Result{Body: terminalBody("bad-request"), Terminal: true}
	}

	// Replay: the client lost our response and retried. Answer with the
	// byte-identical cached body, or fail the session if it was evicted.
	if req.RID <= s.lastRID {
		if body, ok := s.sent.Get(req.RID); ok {
			return Result{Body: body}
		}
		s.terminate()
		return Result{Body: terminalBody("item-not-found"), Terminal: true}
	}

	// Too far ahead of what we are willing to buffer.
	if req.RID > s.lastRID+uint64(s.hold)+1 {
		s.terminate()
		return Result{Body: terminalBody("item-not-found"), Terminal: true}
	}

	if req.poll() && !s.poll.Allow() {
		s.terminate()
		return Result{Body: terminalBody("policy-violation"), Terminal: true}
	}

	s.handlePayload(req)
	if s.terminated {
		// Payload handling can end the session (SASL failure).
		return Result{Body: terminalBody("not-authorized"), Terminal: true}
	}

	conn := newConnection(req.RID, secure)
	s.connQ[req.RID] = conn
	s.evictExcess()
	s.flush()
	return Result{Conn: conn}
}

// handlePayload processes the children of an admitted request: SASL
// exchanges and binding locally, stanzas to the router.
func (s *Session) handlePayload(req *request) {
	if req.SASL != nil {
		s.handleSASL(req.SASL)
	}
	if req.Restart {
		s.queueProtocol(s.m.featuresPayload(s.authenticated))
	}
	for _, jerr := range req.JIDErrors {
		s.queueProtocol(jidMalformedReply(jerr))
	}
	for _, st := range req.Stanzas {
		s.handleStanza(st)
	}
}

func (s *Session) handleSASL(sr *saslRequest) {
	// Authentication failure ends the session; the admission path turns the
	// terminated state into a terminal not-authorized body.
	fail := func(condition string) {
		s.logger.Warn("authentication failed", zap.String("condition", condition))
		s.terminate()
	}
	if sr.Op != "auth" {
		fail("malformed-request")
		return
	}
	switch sr.Mechanism {
	case "PLAIN":
		raw, err := base64.StdEncoding.DecodeString(sr.Payload)
		if err != nil {
			fail("incorrect-encoding")
			return
		}
		parts := bytes.Split(raw, []byte{0})
		if len(parts) != 3 {
			fail("malformed-request")
			return
		}
		if err := s.m.auth.Authenticate(string(parts[1]), string(parts[2])); err != nil {
			fail("temporary-auth-failure")
			return
		}
		s.identity = string(parts[1])
	case "ANONYMOUS":
		if !s.m.auth.AllowAnonymous() {
			fail("invalid-mechanism")
			return
		}
		s.identity = "anon-" + uuid.NewString()
	default:
		// Challenge/response mechanisms need a socket stream; over BOSH we
		// only offer the single-shot mechanisms.
		fail("invalid-mechanism")
		return
	}
	s.authenticated = true
	s.queueProtocol([]byte(`<success xmlns='` + ns.SASL + `'/>`))
	s.logger.Info("authenticated", zap.String("identity", s.identity))
}

func (s *Session) handleStanza(st stanza.Stanza) {
	if !s.authenticated {
		s.logger.Debug("dropping stanza before authentication", zap.String("kind", st.Kind()))
		return
	}
	if iq, ok := st.(*stanza.IQ); ok && iq.Type == stanza.SetIQ {
		if s.addr == nil && bytes.Contains(iq.InnerXML, []byte(ns.Bind)) {
			s.bindResource(iq)
			return
		}
		if bytes.Contains(iq.InnerXML, []byte(ns.Session)) && (iq.To == nil || iq.To.IsServer()) {
			s.queueProtocol(iqResult(iq.ID, nil))
			return
		}
	}

	// The from address is never trusted from the wire.
	st.SetFrom(s.addr)
	if p, ok := st.(*stanza.Presence); ok && p.Type == stanza.UnavailablePresence && p.To == nil {
		s.sentUnavail = true
	}
	go s.m.router.Route(st)
}

func (s *Session) bindResource(iq *stanza.IQ) {
	var bind struct {
		Resource string `xml:"resource"`
	}
	_ = xml.Unmarshal(iq.InnerXML, &bind)

	addr, err := jid.New(s.identity, s.m.domain, bind.Resource)
	if err != nil || bind.Resource == "" {
		addr, err = jid.New(s.identity, s.m.domain, uuid.NewString())
		if err != nil {
			s.queueProtocol(iqError(iq.ID, "cancel", "internal-server-error"))
			return
		}
	}
	s.addr = addr
	s.m.registry.Bind(addr, s)
	s.queueProtocol(iqResult(iq.ID, []byte(`<bind xmlns='`+ns.Bind+`'><jid>`+addr.String()+`</jid></bind>`)))
	s.logger.Info("resource bound", zap.Stringer("jid", addr))
}

// queueProtocol appends a protocol payload for the next eligible response.
func (s *Session) queueProtocol(raw []byte) {
	s.pending = append(s.pending, pendingItem{raw: raw})
}

// Deliver queues an outbound stanza for the session, implementing
// transport.Deliverer. If the session is gone the stanza goes to the offline
// deliverer, never to the floor.
func (s *Session) Deliver(st stanza.Stanza) {
	raw, err := st.XML()
	if err != nil {
		s.logger.Error("dropping unserializable stanza", zap.Error(err))
		return
	}
	if !s.post(func() {
		if s.terminated {
			s.m.offline.Deliver(st)
			return
		}
		s.pending = append(s.pending, pendingItem{raw: raw, st: st})
		s.flush()
	}) {
		s.m.offline.Deliver(st)
	}
}

// flush attaches pending payloads to the connection matching the next
// expected request ID; responses are only ever delivered in rid order.
func (s *Session) flush() {
	for len(s.pending) > 0 {
		conn, ok := s.connQ[s.lastRID+1]
		if !ok || !conn.pending() {
			return
		}
		payloads := make([][]byte, len(s.pending))
		for i, item := range s.pending {
			payloads[i] = item.raw
		}
		body := wrapBody(payloads...)
		if err := conn.deliverBody(body); err != nil {
			return
		}
		s.pending = s.pending[:0]
		s.record(conn, body)
	}

	// In polling mode no connection is held open; answer the next request
	// immediately even when there is nothing to say.
	if s.hold <= 0 {
		if conn, ok := s.connQ[s.lastRID+1]; ok && conn.pending() {
			body := emptyBody()
			if conn.deliverBody(body) == nil {
				s.record(conn, body)
			}
		}
	}
}

// record commits a serviced request: advance the accounting, cache the body
// for replay, and drop the connection from the queue.
func (s *Session) record(conn *Connection, body []byte) {
	s.sent.Add(conn.rid, body)
	if conn.rid > s.lastRID {
		s.lastRID = conn.rid
	}
	delete(s.connQ, conn.rid)
}

// evictExcess keeps the count of held connections within hold by answering
// the oldest ones with empty bodies, advancing the accounting for each.
func (s *Session) evictExcess() {
	for s.openCount() > s.hold && s.hold > 0 {
		oldest := s.oldestPending()
		if oldest == nil {
			return
		}
		body := emptyBody()
		if oldest.deliverBody(body) != nil {
			return
		}
		s.record(oldest, body)
	}
}

func (s *Session) openCount() int {
	n := 0
	for _, c := range s.connQ {
		if c.pending() {
			n++
		}
	}
	return n
}

func (s *Session) oldestPending() *Connection {
	var oldest *Connection
	for _, c := range s.connQ {
		if !c.pending() {
			continue
		}
		if oldest == nil || c.rid < oldest.rid {
			oldest = c
		}
	}
	return oldest
}

// expire is called by the HTTP handler when wait elapsed with nothing to
// send. The empty body is normal long-poll behavior, but it still advances
// the request accounting.
func (s *Session) expire(conn *Connection) {
	s.run(func() {
		if !conn.pending() {
			return
		}
		body := emptyBody()
		if conn.deliverBody(body) != nil {
			return
		}
		s.record(conn, body)
		s.flush()
	})
}

// Close terminates the session: held requests get terminal bodies, and
// anything undelivered is redirected to the offline deliverer.
func (s *Session) Close() {
	s.run(func() { s.terminate() })
}

func (s *Session) terminate() {
	if s.terminated {
		return
	}
	s.terminated = true
	s.redirectUndelivered()

	for _, c := range s.connQ {
		_ = c.deliverBody(terminalBody(""))
	}
	s.connQ = make(map[uint64]*Connection)

	if s.addr != nil {
		s.m.registry.Unbind(s.addr)
		if !s.sentUnavail {
			go s.m.router.Route(&stanza.Presence{From: s.addr, Type: stanza.UnavailablePresence})
		}
	}
	s.m.remove(s.id)
	s.once.Do(func() {
		// Let the current actor call finish before the loop exits.
		go close(s.quit)
	})
	s.logger.Info("session terminated")
}

// redirectUndelivered sends every pending stanza to the offline deliverer.
func (s *Session) redirectUndelivered() {
	for _, item := range s.pending {
		if item.st != nil {
			s.m.offline.Deliver(item.st)
		}
	}
	s.pending = nil
}

func jidMalformedReply(jerr *stanza.JIDError) []byte {
	return []byte(fmt.Sprintf(
		`<%s type='error' id='%s'><error type='modify'><jid-malformed xmlns='%s'/></error></%s>`,
		jerr.Kind, jerr.ID, ns.Stanza, jerr.Kind))
}

func iqResult(id string, payload []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(`<iq type='result'`)
	if id != "" {
		fmt.Fprintf(&buf, ` id='%s'`, id)
	}
	if payload == nil {
		buf.WriteString(`/>`)
		return buf.Bytes()
	}
	buf.WriteString(`>`)
	buf.Write(payload)
	buf.WriteString(`</iq>`)
	return buf.Bytes()
}

func iqError(id, errType, condition string) []byte {
	var buf bytes.Buffer
	buf.WriteString(`<iq type='error'`)
	if id != "" {
		fmt.Fprintf(&buf, ` id='%s'`, id)
	}
	fmt.Fprintf(&buf, `><error type='%s'><%s xmlns='%s'/></error></iq>`, errType, condition, ns.Stanza)
	return buf.Bytes()
}
