// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package provider

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Connector establishes the transport binding to a provider's connection
// service. Implementations are typically generated from platform bindings;
// tests supply fakes.
type Connector interface {
	Connect(id Identity, events ConnectionEvents) (ConnectionService, error)
	Disconnect(id Identity)
}

// Registry caches live provider handles keyed by provider identity.
// Handles are constructed lazily on first use and torn down when the last
// referencing call releases them or the underlying transport dies.
type Registry struct {
	mu        sync.Mutex
	connector Connector
	events    ConnectionEvents
	log       logrus.FieldLogger

	handles map[string]*Handle
	deathFn []func(Identity)
}

// NewRegistry creates a registry that binds services through connector and
// routes their asynchronous reports to events.
func NewRegistry(connector Connector, events ConnectionEvents, log logrus.FieldLogger) *Registry {
	return &Registry{
		connector: connector,
		events:    events,
		log:       log,
		handles:   make(map[string]*Handle),
	}
}

// Get returns the cached handle for id, lazily binding the service on first
// use. The returned handle starts with one additional reference owned by the
// caller; Release it when the referencing call disconnects.
func (r *Registry) Get(id Identity) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.handles[id.Key()]; ok {
		h.refs++
		return h, nil
	}

	svc, err := r.connector.Connect(id, r.events)
	if err != nil {
		return nil, errors.Wrapf(err, "bind provider %s", id.Key())
	}

	h := &Handle{id: id, svc: svc, registry: r, refs: 1}
	r.handles[id.Key()] = h
	r.log.WithField("provider", id.Key()).Debug("provider service bound")
	return h, nil
}

// OnServiceDeath registers fn to be invoked whenever a bound provider's
// transport dies. Registration does not replay past deaths.
func (r *Registry) OnServiceDeath(fn func(Identity)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deathFn = append(r.deathFn, fn)
}

// ServiceDied is called by the transport layer when a bound provider
// disappears. The handle is dropped from the cache and death subscribers are
// notified so the engine can tear down that provider's calls.
func (r *Registry) ServiceDied(id Identity) {
	r.mu.Lock()
	_, bound := r.handles[id.Key()]
	delete(r.handles, id.Key())
	fns := append([]func(Identity){}, r.deathFn...)
	r.mu.Unlock()

	if !bound {
		return
	}
	r.log.WithField("provider", id.Key()).Warn("provider service died")
	for _, fn := range fns {
		fn(id)
	}
}

func (r *Registry) release(h *Handle) {
	r.mu.Lock()
	h.refs--
	// ServiceDied may have evicted this handle and a fresh one may already be
	// bound for the same identity. Only the handle the cache still maps to may
	// tear down the transport; releasing a stale one is a no-op.
	last := h.refs <= 0 && r.handles[h.id.Key()] == h
	if last {
		delete(r.handles, h.id.Key())
	}
	r.mu.Unlock()

	if last {
		r.connector.Disconnect(h.id)
		r.log.WithField("provider", h.id.Key()).Debug("provider service unbound")
	}
}

// Handle is a live reference-counted binding to one provider's service
type Handle struct {
	id       Identity
	svc      ConnectionService
	registry *Registry
	refs     int
}

func (h *Handle) Identity() Identity {
	return h.id
}

func (h *Handle) Service() ConnectionService {
	return h.svc
}

// Release drops one reference; the binding is torn down when the last
// referencing call disconnects.
func (h *Handle) Release() {
	h.registry.release(h)
}
