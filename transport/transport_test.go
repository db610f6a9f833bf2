// Copyright 2025 The Meridian Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package transport

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridian-im/xmppd/stanza"
)

type captureDeliverer struct {
	mu      sync.Mutex
	stanzas []stanza.Stanza
}

func (d *captureDeliverer) Deliver(st stanza.Stanza) {
	d.mu.Lock()
	d.stanzas = append(d.stanzas, st)
	d.mu.Unlock()
}

func (d *captureDeliverer) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.stanzas)
}

func TestWrite(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	c := NewConn(server)

	go func() {
		_, err := c.Write([]byte("<presence/>"))
		require.NoError(t, err)
	}()

	buf := make([]byte, 64)
	n, err := client.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "<presence/>", string(buf[:n]))
}

func TestNegotiateDeadline(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	c := NewConn(server, NegotiateTimeout(20*time.Millisecond))
	defer c.Close()

	// The peer never sends a byte, so the lazily armed deadline fires.
	buf := make([]byte, 1)
	_, err := c.Read(buf)
	var nerr net.Error
	require.ErrorAs(t, err, &nerr)
	require.True(t, nerr.Timeout())
}

func TestDeliverToClosedConnUsesFallback(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	fb := &captureDeliverer{}
	c := NewConn(server, Fallback(fb))
	require.NoError(t, c.ForceClose())

	c.Deliver(&stanza.Message{Type: stanza.ChatMessage})
	require.Equal(t, 1, fb.len())
}

func TestCloseIdempotent(t *testing.T) {
	client, server := net.Pipe()
	go func() {
		buf := make([]byte, 64)
		for {
			if _, err := client.Read(buf); err != nil {
				return
			}
		}
	}()

	c := NewConn(server)
	var notified int32
	c.OnClose(func(*Conn) {
		atomic.AddInt32(&notified, 1)
	})

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	require.True(t, c.IsClosed())
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&notified) == 1
	}, time.Second, 10*time.Millisecond)

	// Listeners registered after close still run, once.
	c.OnClose(func(*Conn) {
		atomic.AddInt32(&notified, 1)
	})
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&notified) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestTrackerReapsStalledWrite(t *testing.T) {
	// The client side of the pipe never reads, so the flush blocks until the
	// tracker force-closes the connection out from under it.
	client, server := net.Pipe()
	defer client.Close()

	tracker := NewSendTracker(WriteLimit(50*time.Millisecond), SweepInterval(10*time.Millisecond))
	tracker.Start()
	defer tracker.Stop()

	c := NewConn(server, Tracker(tracker))
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Write([]byte("<message>this write never completes</message>"))
		errCh <- err
	}()

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stalled write was never reaped")
	}
	require.True(t, c.IsClosed())
}

func TestTrackerStartStop(t *testing.T) {
	tracker := NewSendTracker()
	tracker.Start()
	tracker.Start() // second start is a no-op
	tracker.Stop()
	tracker.Stop() // second stop is a no-op
}

func TestWriteAfterClose(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	c := NewConn(server)
	require.NoError(t, c.ForceClose())
	_, err := c.Write([]byte("<presence/>"))
	require.ErrorIs(t, err, ErrClosed)
}
