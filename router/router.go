// Copyright 2025 The Meridian Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package router implements outbound stanza routing: resolving the best local
// session for an address, handing off remote-domain stanzas, and applying the
// fallback policy for stanzas that cannot be delivered.
package router

import (
	"sync"

	"go.uber.org/zap"

	"github.com/meridian-im/xmppd/jid"
	"github.com/meridian-im/xmppd/stanza"
	"github.com/meridian-im/xmppd/transport"
)

// A Router accepts a fully formed stanza for asynchronous, best-effort
// delivery. It never reports an outcome to the caller.
type Router interface {
	Route(st stanza.Stanza)
}

// RemoteLookup resolves a deliverer for an address whose domain is not served
// locally, for example a cluster node or an outgoing server-to-server stream.
// The lookup is attempted once per stanza; there is no retry.
type RemoteLookup interface {
	Lookup(j *jid.JID) (transport.Deliverer, bool)
}

// NopRemoteLookup is a RemoteLookup that never finds a route.
type NopRemoteLookup struct{}

// Lookup implements RemoteLookup.
func (NopRemoteLookup) Lookup(*jid.JID) (transport.Deliverer, bool) { return nil, false }

type binding struct {
	res      string
	priority int8
	d        transport.Deliverer
}

// Registry maps bound addresses to the deliverers of their live sessions. It
// is safe for concurrent use.
type Registry struct {
	logger *zap.Logger

	mu     sync.RWMutex
	routes map[string][]*binding // bare address -> bindings ordered by arrival
}

// NewRegistry returns an empty session registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger: logger,
		routes: make(map[string][]*binding),
	}
}

// Bind registers d as the deliverer for the full address j. Binding the same
// full address again replaces the previous deliverer.
func (r *Registry) Bind(j *jid.JID, d transport.Deliverer) {
	bare := j.Bare().String()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.routes[bare] {
		if b.res == j.Resourcepart() {
			b.d = d
			return
		}
	}
	r.routes[bare] = append(r.routes[bare], &binding{res: j.Resourcepart(), d: d})
	r.logger.Debug("bound resource", zap.Stringer("jid", j))
}

// SetPriority records the presence priority of the resource bound at j; it is
// used to pick the best resource for bare-address delivery.
func (r *Registry) SetPriority(j *jid.JID, priority int8) {
	bare := j.Bare().String()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.routes[bare] {
		if b.res == j.Resourcepart() {
			b.priority = priority
			return
		}
	}
}

// Unbind removes the binding for the full address j, if any.
func (r *Registry) Unbind(j *jid.JID) {
	bare := j.Bare().String()
	r.mu.Lock()
	defer r.mu.Unlock()
	bs := r.routes[bare]
	for i, b := range bs {
		if b.res == j.Resourcepart() {
			r.routes[bare] = append(bs[:i], bs[i+1:]...)
			break
		}
	}
	if len(r.routes[bare]) == 0 {
		delete(r.routes, bare)
	}
}

// Exact returns the deliverer bound at exactly the full address j.
func (r *Registry) Exact(j *jid.JID) (transport.Deliverer, bool) {
	bare := j.Bare().String()
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.routes[bare] {
		if b.res == j.Resourcepart() {
			return b.d, true
		}
	}
	return nil, false
}

// Best returns the highest-priority deliverer bound under the bare form of j.
// Resources with negative priority do not receive bare-address traffic. Ties
// go to the earliest bound resource.
func (r *Registry) Best(j *jid.JID) (transport.Deliverer, bool) {
	bare := j.Bare().String()
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *binding
	for _, b := range r.routes[bare] {
		if b.priority < 0 {
			continue
		}
		if best == nil || b.priority > best.priority {
			best = b
		}
	}
	if best == nil {
		return nil, false
	}
	return best.d, true
}

// Len returns the number of bound resources across all addresses.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, bs := range r.routes {
		n += len(bs)
	}
	return n
}

// Dispatcher resolves where an outbound stanza goes: a live local session, a
// remote route, or the fallback policy for its kind.
type Dispatcher struct {
	domain   string
	registry *Registry
	remote   RemoteLookup
	offline  transport.Deliverer
	logger   *zap.Logger
}

// NewDispatcher returns a dispatcher for the given local domain. The offline
// deliverer receives undeliverable messages; remote may be nil, in which case
// every remote-domain address is treated as unroutable.
func NewDispatcher(domain string, registry *Registry, remote RemoteLookup, offline transport.Deliverer, logger *zap.Logger) *Dispatcher {
	if remote == nil {
		remote = NopRemoteLookup{}
	}
	if offline == nil {
		offline = transport.DiscardDeliverer{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		domain:   domain,
		registry: registry,
		remote:   remote,
		offline:  offline,
		logger:   logger,
	}
}

// Route implements Router.
func (d *Dispatcher) Route(st stanza.Stanza) {
	to := st.GetTo()

	// Remote domain: one lookup, no retry.
	if to != nil && to.Domainpart() != d.domain {
		if remote, ok := d.remote.Lookup(to); ok {
			remote.Deliver(st)
			return
		}
		d.unprocessed(st)
		return
	}

	// Absent or server-itself address: reflect to the sender's own session.
	if to == nil || to.IsServer() {
		from := st.GetFrom()
		if from == nil {
			d.logger.Debug("dropping self-addressed stanza with no sender",
				zap.String("kind", st.Kind()), zap.String("id", st.GetID()))
			return
		}
		if sess, ok := d.registry.Exact(from); ok {
			sess.Deliver(st)
		}
		return
	}

	// Full address: exact resource only.
	if to.IsFull() {
		if sess, ok := d.registry.Exact(to); ok {
			sess.Deliver(st)
			return
		}
		d.unprocessed(st)
		return
	}

	// Bare address: highest-priority available resource.
	if sess, ok := d.registry.Best(to); ok {
		sess.Deliver(st)
		return
	}
	d.unprocessed(st)
}

// unprocessed applies the per-kind policy for stanzas that found no route:
// messages go to offline storage, presence is dropped, and IQs are logged and
// dropped since the requester is expected to time out and retry.
func (d *Dispatcher) unprocessed(st stanza.Stanza) {
	switch st.Kind() {
	case "message":
		d.offline.Deliver(st)
	case "presence":
	case "iq":
		d.logger.Debug("dropping unroutable iq",
			zap.String("id", st.GetID()), zap.Stringer("to", st.GetTo()))
	}
}
