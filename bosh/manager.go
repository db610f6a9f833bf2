// Copyright 2025 The Meridian Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package bosh

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meridian-im/xmppd/auth"
	"github.com/meridian-im/xmppd/internal/ns"
	"github.com/meridian-im/xmppd/router"
	"github.com/meridian-im/xmppd/transport"
)

const (
	defaultMaxWait       = 60 * time.Second
	defaultMaxHold       = 1
	defaultInactivity    = 60 * time.Second
	defaultMinPoll       = 2 * time.Second
	defaultSweepInterval = 30 * time.Second
	maxRequestBytes      = 1 << 18
)

// Config carries the collaborators and policy knobs for a Manager.
type Config struct {
	Domain   string
	Auth     auth.Provider
	Router   router.Router
	Registry *router.Registry
	Offline  transport.Deliverer
	Logger   *zap.Logger

	// MaxWait caps the per-request hold time a client may ask for.
	MaxWait time.Duration

	// MaxHold caps how many requests the server keeps open per session.
	MaxHold int

	// Inactivity is how long a session may go without any request before the
	// reaper tears it down. Outbound pushes do not count as activity.
	Inactivity time.Duration

	// MinPoll is the shortest allowed interval between empty poll requests.
	MinPoll time.Duration

	// SweepInterval is how often the reaper checks for idle sessions.
	SweepInterval time.Duration
}

// Manager creates BOSH sessions, routes HTTP requests to them, and reaps
// the inactive ones. It implements http.Handler.
type Manager struct {
	domain   string
	auth     auth.Provider
	router   router.Router
	registry *router.Registry
	offline  transport.Deliverer
	logger   *zap.Logger

	maxWait    time.Duration
	maxHold    int
	inactivity time.Duration
	minPoll    time.Duration
	sweep      time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
	stop     chan struct{}
	done     chan struct{}
}

// NewManager builds a Manager, applying defaults for any zero policy value.
// Start must be called for inactivity reaping to happen.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Offline == nil {
		cfg.Offline = transport.DiscardDeliverer{}
	}
	if cfg.Registry == nil {
		cfg.Registry = router.NewRegistry(cfg.Logger)
	}
	if cfg.Router == nil {
		cfg.Router = router.NewDispatcher(cfg.Domain, cfg.Registry, nil, cfg.Offline, cfg.Logger)
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = defaultMaxWait
	}
	if cfg.MaxHold <= 0 {
		cfg.MaxHold = defaultMaxHold
	}
	if cfg.Inactivity <= 0 {
		cfg.Inactivity = defaultInactivity
	}
	if cfg.MinPoll <= 0 {
		cfg.MinPoll = defaultMinPoll
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	return &Manager{
		domain:     cfg.Domain,
		auth:       cfg.Auth,
		router:     cfg.Router,
		registry:   cfg.Registry,
		offline:    cfg.Offline,
		logger:     cfg.Logger.Named("bosh"),
		maxWait:    cfg.MaxWait,
		maxHold:    cfg.MaxHold,
		inactivity: cfg.Inactivity,
		minPoll:    cfg.MinPoll,
		sweep:      cfg.SweepInterval,
		sessions:   make(map[string]*Session),
	}
}

// Start launches the inactivity reaper.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		return
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.reap(m.stop, m.done)
}

// Stop halts the reaper and terminates every session.
func (m *Manager) Stop() {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	var all []*Session
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	for _, s := range all {
		s.Close()
	}
}

func (m *Manager) reap(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			m.mu.Lock()
			var idle []*Session
			for _, s := range m.sessions {
				if now.Sub(s.idleSince()) > s.inactivity {
					idle = append(idle, s)
				}
			}
			m.mu.Unlock()
			for _, s := range idle {
				m.logger.Info("reaping inactive session", zap.String("sid", s.ID()))
				s.Close()
			}
		}
	}
}

func (m *Manager) lookup(sid string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sid]
	return s, ok
}

func (m *Manager) remove(sid string) {
	m.mu.Lock()
	delete(m.sessions, sid)
	m.mu.Unlock()
}

// SessionCount returns the number of live sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// ServeHTTP handles one BOSH request: POST with the body wrapper as the
// request body, or GET with the URL-decoded query string as the body (script
// syntax, answered as a _BOSH_ callback).
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var data []byte
	script := false
	switch r.Method {
	case http.MethodPost:
		var err error
		data, err = io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
		if err != nil {
			http.Error(w, "request too large", http.StatusBadRequest)
			return
		}
	case http.MethodGet:
		script = true
		decoded, err := url.QueryUnescape(r.URL.RawQuery)
		if err != nil {
			http.Error(w, "bad query", http.StatusBadRequest)
			return
		}
		data = []byte(decoded)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	req, err := parseRequest(data)
	if err != nil {
		// A request we cannot parse carries no session state to invalidate;
		// the error is recoverable and the client may resend it intact.
		writeBody(w, recoverableBody("bad-request"), script)
		return
	}
	secure := r.TLS != nil

	if req.SID == "" {
		m.createSession(w, req, secure, script)
		return
	}

	sess, ok := m.lookup(req.SID)
	if !ok {
		if req.legacy() {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		writeBody(w, terminalBody("item-not-found"), script)
		return
	}

	res := sess.Admit(req, secure)
	if res.Body != nil {
		writeBody(w, res.Body, script)
		return
	}
	body := res.Conn.Response(r.Context(), sess.Wait(), func() { sess.expire(res.Conn) })
	if body == nil {
		// Client went away; the session's accounting is untouched and the
		// request will be replayed or expired.
		return
	}
	writeBody(w, body, script)
}

// createSession services a session creation request synchronously: the
// negotiated parameters and the stream features travel in the reply.
func (m *Manager) createSession(w http.ResponseWriter, req *request, secure, script bool) {
	if req.RID == 0 || req.To == "" {
		if req.legacy() {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		writeBody(w, terminalBody("bad-request"), script)
		return
	}

	wait := m.maxWait
	if req.Wait >= 0 {
		if d := time.Duration(req.Wait) * time.Second; d < wait {
			wait = d
		}
	}
	hold := m.maxHold
	if req.Hold >= 0 && req.Hold < hold {
		hold = req.Hold
	}

	sid := uuid.NewString()
	sess := newSession(m, sid, req.RID, wait, hold, secure)
	m.mu.Lock()
	m.sessions[sid] = sess
	m.mu.Unlock()

	body := m.creationBody(sess, req.RID)
	sess.run(func() { sess.sent.Add(req.RID, body) })
	m.logger.Info("session created",
		zap.String("sid", sid), zap.Uint64("rid", req.RID), zap.Bool("secure", secure))
	writeBody(w, body, script)
}

func (m *Manager) creationBody(s *Session, rid uint64) []byte {
	return []byte(fmt.Sprintf(
		`<body xmlns='%s' sid='%s' wait='%d' hold='%d' requests='%d' inactivity='%d' polling='%d' ver='1.8' from='%s'>%s</body>`,
		ns.HTTPBind, s.id, int(s.wait.Seconds()), s.hold, s.hold+1,
		int(s.inactivity.Seconds()), int(m.minPoll.Seconds()), m.domain,
		m.featuresPayload(false)))
}

// featuresPayload renders the stream features advertised in creation and
// restart responses.
func (m *Manager) featuresPayload(authenticated bool) []byte {
	if authenticated {
		return []byte(`<stream:features xmlns:stream='` + ns.Stream + `'>` +
			`<bind xmlns='` + ns.Bind + `'/><session xmlns='` + ns.Session + `'/></stream:features>`)
	}
	mechanisms := `<mechanism>PLAIN</mechanism>`
	if m.auth != nil && m.auth.AllowAnonymous() {
		mechanisms += `<mechanism>ANONYMOUS</mechanism>`
	}
	return []byte(`<stream:features xmlns:stream='` + ns.Stream + `'>` +
		`<mechanisms xmlns='` + ns.SASL + `'>` + mechanisms + `</mechanisms></stream:features>`)
}

func writeBody(w http.ResponseWriter, body []byte, script bool) {
	if script {
		w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
		fmt.Fprintf(w, "_BOSH_(%q)", body)
		return
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	_, _ = w.Write(body)
}
