// Copyright 2025 The Meridian Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmppd

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/netutil"
	"golang.org/x/text/language"

	"github.com/meridian-im/xmppd/auth"
	"github.com/meridian-im/xmppd/internal/ns"
	"github.com/meridian-im/xmppd/jid"
	"github.com/meridian-im/xmppd/router"
	"github.com/meridian-im/xmppd/stream"
	"github.com/meridian-im/xmppd/transport"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("xmppd: server closed")

// defaultNegotiateTimeout bounds how long a peer may take to progress stream
// negotiation before the connection is dropped.
const defaultNegotiateTimeout = 45 * time.Second

// Server accepts XMPP streams and serves them until closed. All fields are
// read-only after the first call to Serve.
type Server struct {
	// Domain is the XMPP domain this server is authoritative for.
	Domain string

	// TLSConfig enables the STARTTLS feature when set. RequireTLS blocks
	// authentication until the stream is secured.
	TLSConfig  *tls.Config
	RequireTLS bool

	// Auth validates credentials during SASL.
	Auth auth.Provider

	// Router receives every accepted inbound stanza.
	Router router.Router

	// Registry tracks live sessions by bound address; resource binding and
	// teardown update it.
	Registry *router.Registry

	// Tracker, when set, watches for wedged writes across all connections.
	Tracker *transport.SendTracker

	// Offline receives stanzas that could not be written to a session.
	Offline transport.Deliverer

	// Verifier validates dialback keys presented by remote servers;
	// DialbackSecret signs the keys this server mints for its own streams.
	Verifier       DomainVerifier
	DialbackSecret string

	// Interceptors run before and after each stanza is routed.
	Interceptors []Interceptor

	// Languages are the stream languages this server can offer, preferred
	// first. Defaults to English.
	Languages []language.Tag

	// MaxConnections bounds concurrently accepted sockets; zero means
	// unlimited.
	MaxConnections int

	// NegotiateTimeout bounds stream negotiation.
	NegotiateTimeout time.Duration

	// S2SWorkers sizes the worker pool for server-to-server stanza
	// processing.
	S2SWorkers int

	Logger *zap.Logger

	initOnce  sync.Once
	selfAddr  *jid.JID
	pool      *workerPool
	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	closed    bool
}

func (srv *Server) init() {
	srv.initOnce.Do(func() {
		if srv.Router == nil {
			srv.Router = router.NewDispatcher(srv.Domain, srv.registry(), nil, srv.offline(), srv.logger())
		}
		workers := srv.S2SWorkers
		if workers == 0 {
			workers = 8
		}
		srv.pool = newWorkerPool(workers)
		srv.selfAddr = jid.MustParse(srv.Domain)
	})
}

func (srv *Server) logger() *zap.Logger {
	if srv.Logger == nil {
		return zap.NewNop()
	}
	return srv.Logger
}

func (srv *Server) registry() *router.Registry {
	if srv.Registry == nil {
		srv.Registry = router.NewRegistry(srv.logger())
	}
	return srv.Registry
}

func (srv *Server) offline() transport.Deliverer {
	if srv.Offline == nil {
		srv.Offline = transport.DiscardDeliverer{}
	}
	return srv.Offline
}

func (srv *Server) addr() *jid.JID {
	return srv.selfAddr
}

func (srv *Server) languages() []language.Tag {
	if len(srv.Languages) == 0 {
		return []language.Tag{language.English}
	}
	return srv.Languages
}

func (srv *Server) negotiateTimeout() time.Duration {
	if srv.NegotiateTimeout <= 0 {
		return defaultNegotiateTimeout
	}
	return srv.NegotiateTimeout
}

// roleFor maps a stream namespace to the session role serving it.
func (srv *Server) roleFor(xmlns string) (Role, error) {
	switch xmlns {
	case ns.Client:
		return clientRole{srv: srv}, nil
	case ns.Server:
		return serverRole{srv: srv, pool: srv.pool}, nil
	}
	return nil, stream.InvalidNamespace
}

// Serve accepts connections on l until Shutdown. Each connection gets its
// own read goroutine; MaxConnections bounds how many are live at once.
func (srv *Server) Serve(l net.Listener) error {
	srv.init()
	srv.registry()
	srv.offline()
	if srv.MaxConnections > 0 {
		l = netutil.LimitListener(l, srv.MaxConnections)
	}

	srv.mu.Lock()
	if srv.closed {
		srv.mu.Unlock()
		return ErrServerClosed
	}
	if srv.listeners == nil {
		srv.listeners = make(map[net.Listener]struct{})
	}
	srv.listeners[l] = struct{}{}
	srv.mu.Unlock()
	defer func() {
		srv.mu.Lock()
		delete(srv.listeners, l)
		srv.mu.Unlock()
	}()

	var delay time.Duration
	for {
		nc, err := l.Accept()
		if err != nil {
			srv.mu.Lock()
			closed := srv.closed
			srv.mu.Unlock()
			if closed {
				return ErrServerClosed
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				if delay == 0 {
					delay = 5 * time.Millisecond
				} else if delay *= 2; delay > time.Second {
					delay = time.Second
				}
				srv.logger().Warn("accept failed, retrying",
					zap.Error(err), zap.Duration("delay", delay))
				time.Sleep(delay)
				continue
			}
			return err
		}
		delay = 0
		go srv.ServeConn(nc)
	}
}

// ServeConn negotiates and serves a single accepted socket. It returns when
// the stream ends.
func (srv *Server) ServeConn(nc net.Conn) {
	srv.init()
	log := srv.logger()
	conn := transport.NewConn(nc,
		transport.Logger(log),
		transport.Tracker(srv.Tracker),
		transport.Fallback(srv.offline()),
		transport.NegotiateTimeout(srv.negotiateTimeout()),
	)
	sess := newSession(srv, conn)
	if err := sess.negotiate(context.Background()); err != nil {
		log.Debug("stream negotiation failed",
			zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
		return
	}
	if err := conn.ClearDeadline(); err != nil {
		_ = sess.Close()
		return
	}
	log.Debug("stream established",
		zap.String("stream_id", sess.ID()), zap.Stringer("remote", conn.RemoteAddr()))
	sess.serve()
}

// Shutdown closes the listeners and stops the worker pool. Live sessions are
// closed without waiting for them to drain.
func (srv *Server) Shutdown(ctx context.Context) error {
	srv.mu.Lock()
	srv.closed = true
	for l := range srv.listeners {
		_ = l.Close()
	}
	srv.mu.Unlock()
	if srv.pool != nil {
		srv.pool.Stop()
	}
	return ctx.Err()
}
