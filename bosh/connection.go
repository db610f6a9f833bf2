// Copyright 2025 The Meridian Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package bosh implements the HTTP long-polling binding for XMPP streams
// (XEP-0124): sessions that emulate a persistent duplex connection over a
// rotating set of held HTTP requests, with strict request-ID ordering,
// replay, polling-rate, and inactivity rules.
package bosh

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrBodyDelivered is returned when a response body is delivered to the same
// connection twice. Delivery is exactly-once; the second writer is the bug.
var ErrBodyDelivered = errors.New("bosh: response body already delivered")

// Connection is one held HTTP request awaiting its response body. The body
// is set at most once; the waiting handler receives it through a one-shot
// channel.
type Connection struct {
	rid    uint64
	secure bool

	bodyCh chan []byte

	mu        sync.Mutex
	delivered bool
}

func newConnection(rid uint64, secure bool) *Connection {
	return &Connection{
		rid:    rid,
		secure: secure,
		bodyCh: make(chan []byte, 1),
	}
}

// RID returns the request ID this connection was opened with.
func (c *Connection) RID() uint64 { return c.rid }

// Secure reports whether the HTTP request arrived over TLS.
func (c *Connection) Secure() bool { return c.secure }

// deliverBody hands the response body to the waiting handler. The second
// call for a connection fails with ErrBodyDelivered.
func (c *Connection) deliverBody(body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.delivered {
		return ErrBodyDelivered
	}
	c.delivered = true
	c.bodyCh <- body
	return nil
}

// pending reports whether the connection is still awaiting a body.
func (c *Connection) pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.delivered
}

// Response blocks until a body is delivered or wait elapses. On timeout,
// expire is invoked so the owning session can synthesize an empty body and
// keep its request accounting consistent; the body produced that way is then
// returned. A cancelled context returns nil.
func (c *Connection) Response(ctx context.Context, wait time.Duration, expire func()) []byte {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case body := <-c.bodyCh:
		return body
	case <-timer.C:
		expire()
		select {
		case body := <-c.bodyCh:
			return body
		case <-ctx.Done():
			return nil
		}
	case <-ctx.Done():
		return nil
	}
}
