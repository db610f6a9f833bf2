// Copyright 2025 The Meridian Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package transport provides the byte-level connection abstraction that XMPP
// sessions are layered over: buffered serialized writes, TLS upgrades,
// idempotent close semantics, and detection of write-side hangs.
package transport

import (
	"bufio"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"mellium.im/reader"

	"github.com/meridian-im/xmppd/stanza"
)

// ErrClosed is returned by write operations on a closed connection.
var ErrClosed = errors.New("transport: connection closed")

// A Deliverer is a non-failing sink of last resort for stanzas that could not
// be written to a live connection (offline storage, bounce, or drop).
type Deliverer interface {
	Deliver(stanza.Stanza)
}

// DiscardDeliverer is a Deliverer that drops every stanza.
type DiscardDeliverer struct{}

// Deliver implements Deliverer.
func (DiscardDeliverer) Deliver(stanza.Stanza) {}

// Option configures a Conn.
type Option func(*Conn)

// Logger sets the structured logger used by the connection.
func Logger(l *zap.Logger) Option {
	return func(c *Conn) {
		c.logger = l
	}
}

// Tracker registers every blocking write on the connection with the given
// send tracker so that hung writes can be detected and the socket reaped.
func Tracker(t *SendTracker) Option {
	return func(c *Conn) {
		c.tracker = t
	}
}

// Fallback sets the deliverer that receives stanzas which cannot be written
// because the connection is (or just became) dead.
func Fallback(d Deliverer) Option {
	return func(c *Conn) {
		c.fallback = d
	}
}

// NegotiateTimeout arms a read deadline that fires if the peer does not begin
// stream negotiation within d of the first read. Call ClearDeadline once the
// stream is established.
func NegotiateTimeout(d time.Duration) Option {
	return func(c *Conn) {
		c.negotiateTimeout = d
	}
}

// Conn wraps a single accepted socket. Writes are serialized under a write
// lock that is never required to close the socket, so a wedged write cannot
// prevent the connection from being torn down. Close is idempotent and
// notifies any registered close listeners exactly once.
type Conn struct {
	logger   *zap.Logger
	tracker  *SendTracker
	fallback Deliverer

	negotiateTimeout time.Duration

	// writeMu serializes writes (and TLS upgrades, which replace the
	// writer). It must never be taken while mu is held.
	writeMu sync.Mutex

	// mu guards connection state only; no blocking I/O happens under it.
	mu      sync.Mutex
	sock    net.Conn
	read    io.Reader
	w       *bufio.Writer
	secure  bool
	closed  bool
	closing []func(*Conn)
	lang    string
	version string
}

// NewConn wraps an accepted socket.
func NewConn(sock net.Conn, opts ...Option) *Conn {
	c := &Conn{
		logger:   zap.NewNop(),
		fallback: DiscardDeliverer{},
		sock:     sock,
		read:     sock,
		w:        bufio.NewWriter(sock),
	}
	for _, o := range opts {
		o(c)
	}
	if c.negotiateTimeout > 0 {
		// The deadline is armed lazily, immediately before the first byte is
		// read from the socket.
		c.read = reader.Before(sock, func() error {
			return sock.SetReadDeadline(time.Now().Add(c.negotiateTimeout))
		})
	}
	return c
}

// Read reads decrypted bytes from the connection.
func (c *Conn) Read(b []byte) (int, error) {
	c.mu.Lock()
	r := c.read
	c.mu.Unlock()
	return r.Read(b)
}

// Write serializes and flushes b to the peer. The write is registered with
// the send tracker (if any) for the duration of the call so a peer that stops
// reading cannot wedge the writer forever without being noticed.
func (c *Conn) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.write(b)
}

// write requires writeMu.
func (c *Conn) write(b []byte) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	w := c.w
	c.mu.Unlock()

	if c.tracker != nil {
		c.tracker.Register(c)
		defer c.tracker.Unregister(c)
	}
	n, err := w.Write(b)
	if err != nil {
		return n, err
	}
	return n, w.Flush()
}

// Deliver writes the stanza to the peer. If the connection is closed, or the
// write fails, the stanza is handed to the fallback deliverer instead of
// being dropped; a failed write also closes the connection.
func (c *Conn) Deliver(st stanza.Stanza) {
	b, err := st.XML()
	if err != nil {
		c.logger.Error("dropping unserializable stanza", zap.String("kind", st.Kind()), zap.Error(err))
		return
	}
	if _, err := c.Write(b); err != nil {
		if !errors.Is(err, ErrClosed) {
			c.logger.Debug("write failed, rerouting stanza",
				zap.String("kind", st.Kind()), zap.Error(err))
			_ = c.Close()
		}
		c.fallback.Deliver(st)
	}
}

// StartTLS wraps the underlying socket with a server-side TLS channel and
// performs the handshake synchronously before returning. On success every
// subsequent read and write passes through the TLS layer; there is no
// fallback to plaintext once secured.
func (c *Conn) StartTLS(cfg *tls.Config) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.secure {
		c.mu.Unlock()
		return errors.New("transport: connection is already secure")
	}
	sock := c.sock
	w := c.w
	c.mu.Unlock()

	if err := w.Flush(); err != nil {
		return err
	}
	tlsSock := tls.Server(sock, cfg)
	if err := tlsSock.Handshake(); err != nil {
		return err
	}

	c.mu.Lock()
	c.sock = tlsSock
	c.read = tlsSock
	c.w = bufio.NewWriter(tlsSock)
	c.secure = true
	c.mu.Unlock()
	return nil
}

// ConnectionState returns the TLS state of a secured connection.
func (c *Conn) ConnectionState() (tls.ConnectionState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tlsSock, ok := c.sock.(*tls.Conn); ok {
		return tlsSock.ConnectionState(), true
	}
	return tls.ConnectionState{}, false
}

// Secure reports whether the connection has been upgraded to TLS.
func (c *Conn) Secure() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.secure
}

// IsClosed reports whether Close or ForceClose has been called. Once true it
// never becomes false again.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// SetLang records the negotiated stream language.
func (c *Conn) SetLang(lang string) {
	c.mu.Lock()
	c.lang = lang
	c.mu.Unlock()
}

// Lang returns the negotiated stream language.
func (c *Conn) Lang() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lang
}

// SetVersion records the negotiated stream version.
func (c *Conn) SetVersion(v string) {
	c.mu.Lock()
	c.version = v
	c.mu.Unlock()
}

// Version returns the negotiated stream version.
func (c *Conn) Version() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// OnClose registers f to run when the connection closes. Listeners run
// exactly once, after the socket has been torn down. Registering on an
// already closed connection runs f immediately.
func (c *Conn) OnClose(f func(*Conn)) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		f(c)
		return
	}
	c.closing = append(c.closing, f)
	c.mu.Unlock()
}

// ClearDeadline removes any pending read deadline; it is called once stream
// negotiation has produced an authenticated session.
func (c *Conn) ClearDeadline() error {
	c.mu.Lock()
	sock := c.sock
	c.read = sock
	c.mu.Unlock()
	return sock.SetReadDeadline(time.Time{})
}

// SetReadDeadline sets the read deadline on the underlying socket.
func (c *Conn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	sock := c.sock
	c.mu.Unlock()
	return sock.SetReadDeadline(t)
}

// RemoteAddr returns the remote network address of the peer.
func (c *Conn) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sock.RemoteAddr()
}

// Close closes the connection: a closing stream tag is written best-effort,
// the socket is shut down, and close listeners are notified. Calling Close
// more than once is a no-op.
func (c *Conn) Close() error {
	return c.close(true)
}

// ForceClose tears the socket down without attempting to write a closing
// stream tag. It is used by the send tracker when the write side is already
// known to be wedged and a graceful close could block.
func (c *Conn) ForceClose() error {
	return c.close(false)
}

func (c *Conn) close(graceful bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	listeners := c.closing
	c.closing = nil
	sock := c.sock
	w := c.w
	c.mu.Unlock()

	// The closing tag is best-effort: if another goroutine is mid-write we
	// skip it rather than block behind a possibly wedged writer.
	if graceful && c.writeMu.TryLock() {
		_ = sock.SetWriteDeadline(time.Now().Add(200 * time.Millisecond))
		_, _ = w.WriteString(`</stream:stream>`)
		_ = w.Flush()
		c.writeMu.Unlock()
	}

	err := sock.Close()
	for _, f := range listeners {
		f(c)
	}
	return err
}
