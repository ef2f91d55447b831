// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package account

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/sprucehealth/telecore/model"
)

// ChangeKind identifies which part of the registry mutated
type ChangeKind string

const (
	ChangeAccounts          ChangeKind = "accounts"
	ChangeDefaultOutgoing   ChangeKind = "default_outgoing"
	ChangeConnectionManager ChangeKind = "connection_manager"
)

// TrustChecker validates that a provider component holds the capability
// required to register or modify accounts. Implemented by the platform's
// permission layer; tests supply fakes.
type TrustChecker interface {
	CanRegisterAccounts(component string) bool
}

// ErrNotTrusted is returned when a component fails the trust check
var ErrNotTrusted = errors.New("component not trusted to register accounts")

// ErrUnknownAccount is returned when a referenced handle is not registered
var ErrUnknownAccount = errors.New("account not registered")

// Registrar is the durable registry of callable accounts. In-memory state is
// authoritative for the process lifetime; every mutation is persisted, and a
// failed write is logged rather than surfaced (the next write retries from
// current memory).
type Registrar struct {
	mu    sync.RWMutex
	store Store
	trust TrustChecker
	log   logrus.FieldLogger

	accounts          []model.Account
	defaultOutgoing   *model.AccountHandle
	connectionManager *model.AccountHandle

	subs   map[int]func(ChangeKind)
	nextID int
}

// NewRegistrar loads persisted state (migrating older documents forward) and
// returns a ready registrar. A corrupt or unreadable document is logged and
// treated as empty.
func NewRegistrar(store Store, trust TrustChecker, log logrus.FieldLogger) *Registrar {
	r := &Registrar{
		store: store,
		trust: trust,
		log:   log,
		subs:  make(map[int]func(ChangeKind)),
	}
	r.load()
	return r
}

func (r *Registrar) load() {
	data, err := r.store.Read()
	if err != nil {
		r.log.WithError(err).Error("account state unreadable, starting empty")
		return
	}
	if data == nil {
		return
	}
	doc, err := decodeDocument(data)
	if err != nil {
		r.log.WithError(err).Error("account state corrupt, starting empty")
		return
	}
	r.accounts = doc.Accounts
	r.defaultOutgoing = doc.DefaultOutgoing
	r.connectionManager = doc.ConnectionManager
}

// persistLocked writes current in-memory state; failures are logged only
func (r *Registrar) persistLocked() {
	doc := document{
		Version:           DocumentVersion,
		Accounts:          r.accounts,
		DefaultOutgoing:   r.defaultOutgoing,
		ConnectionManager: r.connectionManager,
	}
	data, err := encodeDocument(doc)
	if err != nil {
		r.log.WithError(err).Error("account state not persisted")
		return
	}
	if err := r.store.Write(data); err != nil {
		r.log.WithError(err).Error("account state not persisted")
	}
}

// Register adds account, replacing any existing entry with the same
// (provider, id) key in place.
func (r *Registrar) Register(a model.Account) error {
	if !r.trust.CanRegisterAccounts(a.Handle.Component) {
		return errors.Wrap(ErrNotTrusted, a.Handle.Component)
	}

	r.mu.Lock()
	replaced := false
	for i := range r.accounts {
		if r.accounts[i].Handle == a.Handle {
			r.accounts[i] = a
			replaced = true
			break
		}
	}
	if !replaced {
		r.accounts = append(r.accounts, a)
	}
	r.persistLocked()
	r.mu.Unlock()

	r.notify(ChangeAccounts)
	return nil
}

// Unregister removes the account with the given handle. Removing the
// referent of a sticky selection clears that selection.
func (r *Registrar) Unregister(handle model.AccountHandle) {
	r.mu.Lock()
	kept := r.accounts[:0]
	removed := false
	for _, a := range r.accounts {
		if a.Handle == handle {
			removed = true
			continue
		}
		kept = append(kept, a)
	}
	r.accounts = kept
	changed := []ChangeKind{}
	if removed {
		changed = append(changed, ChangeAccounts)
		changed = append(changed, r.dropDanglingLocked()...)
		r.persistLocked()
	}
	r.mu.Unlock()

	for _, kind := range changed {
		r.notify(kind)
	}
}

// ClearAccounts removes every account registered by component
func (r *Registrar) ClearAccounts(component string) {
	r.mu.Lock()
	kept := r.accounts[:0]
	removed := false
	for _, a := range r.accounts {
		if a.Handle.Component == component {
			removed = true
			continue
		}
		kept = append(kept, a)
	}
	r.accounts = kept
	changed := []ChangeKind{}
	if removed {
		changed = append(changed, ChangeAccounts)
		changed = append(changed, r.dropDanglingLocked()...)
		r.persistLocked()
	}
	r.mu.Unlock()

	for _, kind := range changed {
		r.notify(kind)
	}
}

// dropDanglingLocked clears sticky selections whose referent is gone
func (r *Registrar) dropDanglingLocked() []ChangeKind {
	var changed []ChangeKind
	if r.defaultOutgoing != nil {
		if _, ok := r.findLocked(*r.defaultOutgoing); !ok {
			r.defaultOutgoing = nil
			changed = append(changed, ChangeDefaultOutgoing)
		}
	}
	if r.connectionManager != nil {
		if _, ok := r.findLocked(*r.connectionManager); !ok {
			r.connectionManager = nil
			changed = append(changed, ChangeConnectionManager)
		}
	}
	return changed
}

func (r *Registrar) findLocked(handle model.AccountHandle) (model.Account, bool) {
	for _, a := range r.accounts {
		if a.Handle == handle {
			return a, true
		}
	}
	return model.Account{}, false
}

// Account returns the registered account for handle
func (r *Registrar) Account(handle model.AccountHandle) (model.Account, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.findLocked(handle)
}

// Accounts returns a copy of all registered accounts in registration order
func (r *Registrar) Accounts() []model.Account {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]model.Account{}, r.accounts...)
}

// DefaultOutgoing resolves the account to use for an outgoing call on the
// given scheme: the user-sticky default if it still exists and supports the
// scheme, else the single scheme-capable account, else none (ambiguous).
func (r *Registrar) DefaultOutgoing(scheme string) (model.Account, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.defaultOutgoing != nil {
		if a, ok := r.findLocked(*r.defaultOutgoing); ok && a.SupportsScheme(scheme) {
			return a, true
		}
	}

	var match model.Account
	matches := 0
	for _, a := range r.accounts {
		if a.Capabilities.Has(model.AccountCallProvider) && a.SupportsScheme(scheme) {
			match = a
			matches++
		}
	}
	if matches == 1 {
		return match, true
	}
	return model.Account{}, false
}

// SetDefaultOutgoing commits the sticky default-outgoing selection.
// A zero handle clears it.
func (r *Registrar) SetDefaultOutgoing(handle model.AccountHandle) error {
	r.mu.Lock()
	if handle.IsZero() {
		r.defaultOutgoing = nil
	} else {
		a, ok := r.findLocked(handle)
		if !ok {
			r.mu.Unlock()
			return errors.Wrap(ErrUnknownAccount, handle.Key())
		}
		if !a.Capabilities.Has(model.AccountCallProvider) {
			r.mu.Unlock()
			return errors.Errorf("account %s is not a call provider", handle.Key())
		}
		h := handle
		r.defaultOutgoing = &h
	}
	r.persistLocked()
	r.mu.Unlock()

	r.notify(ChangeDefaultOutgoing)
	return nil
}

// ConnectionManager returns the current connection-manager selection
func (r *Registrar) ConnectionManager() (model.AccountHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.connectionManager == nil {
		return model.AccountHandle{}, false
	}
	return *r.connectionManager, true
}

// SetConnectionManager commits the connection-manager selection.
// A zero handle clears it.
func (r *Registrar) SetConnectionManager(handle model.AccountHandle) error {
	r.mu.Lock()
	if handle.IsZero() {
		r.connectionManager = nil
	} else {
		a, ok := r.findLocked(handle)
		if !ok {
			r.mu.Unlock()
			return errors.Wrap(ErrUnknownAccount, handle.Key())
		}
		if !a.Capabilities.Has(model.AccountConnectionManager) {
			r.mu.Unlock()
			return errors.Errorf("account %s is not a connection manager", handle.Key())
		}
		h := handle
		r.connectionManager = &h
	}
	r.persistLocked()
	r.mu.Unlock()

	r.notify(ChangeConnectionManager)
	return nil
}

// OnChange registers fn for registry change events; the returned cancel
// removes it. Safe to call at any time; no events are replayed.
func (r *Registrar) OnChange(fn func(ChangeKind)) (cancel func()) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

func (r *Registrar) notify(kind ChangeKind) {
	r.mu.RLock()
	fns := make([]func(ChangeKind), 0, len(r.subs))
	for _, fn := range r.subs {
		fns = append(fns, fn)
	}
	r.mu.RUnlock()
	for _, fn := range fns {
		fn(kind)
	}
}
