// Copyright 2025 The Meridian Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package transport

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultWriteLimit    = 60 * time.Second
	defaultSweepInterval = 10 * time.Second
)

// TrackerOption configures a SendTracker.
type TrackerOption func(*SendTracker)

// WriteLimit sets the longest a single write may remain in flight before the
// owning connection is force-closed.
func WriteLimit(d time.Duration) TrackerOption {
	return func(t *SendTracker) {
		t.limit = d
	}
}

// SweepInterval sets how often in-flight writes are checked against the
// limit.
func SweepInterval(d time.Duration) TrackerOption {
	return func(t *SendTracker) {
		t.interval = d
	}
}

// TrackerLogger sets the structured logger used by the tracker.
func TrackerLogger(l *zap.Logger) TrackerOption {
	return func(t *SendTracker) {
		t.logger = l
	}
}

// SendTracker watches blocking writes across all connections. A connection
// whose write has been in flight longer than the limit is assumed to have a
// peer that stopped reading and is force-closed so the writing goroutine
// unblocks with an error.
type SendTracker struct {
	logger   *zap.Logger
	limit    time.Duration
	interval time.Duration

	inflight sync.Map // *Conn -> time.Time

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewSendTracker returns a tracker with the default one minute write limit
// and ten second sweep interval. Start must be called before the tracker
// reaps anything.
func NewSendTracker(opts ...TrackerOption) *SendTracker {
	t := &SendTracker{
		logger:   zap.NewNop(),
		limit:    defaultWriteLimit,
		interval: defaultSweepInterval,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Register records that a blocking write on c has begun.
func (t *SendTracker) Register(c *Conn) {
	t.inflight.Store(c, time.Now())
}

// Unregister records that the write on c has finished.
func (t *SendTracker) Unregister(c *Conn) {
	t.inflight.Delete(c)
}

// Start launches the background sweep. It is a no-op if the tracker is
// already running.
func (t *SendTracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop != nil {
		return
	}
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	go t.run(t.stop, t.done)
}

// Stop halts the background sweep and waits for it to exit.
func (t *SendTracker) Stop() {
	t.mu.Lock()
	stop, done := t.stop, t.done
	t.stop, t.done = nil, nil
	t.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (t *SendTracker) run(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			t.sweep(now)
		}
	}
}

func (t *SendTracker) sweep(now time.Time) {
	t.inflight.Range(func(key, value any) bool {
		c := key.(*Conn)
		started := value.(time.Time)
		if elapsed := now.Sub(started); elapsed > t.limit {
			t.logger.Warn("write stalled past limit, closing connection",
				zap.Stringer("remote", c.RemoteAddr()),
				zap.Duration("elapsed", elapsed))
			t.inflight.Delete(c)
			_ = c.ForceClose()
		}
		return true
	})
}
