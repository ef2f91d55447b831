// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

// Package engine implements the call-session orchestration core: the
// authoritative set of in-progress calls, the admission policy limiting how
// many may be live, held, ringing or dialing at once, foreground selection,
// and the fan-out of change notifications to listeners.
package engine

import (
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sprucehealth/telecore/account"
	"github.com/sprucehealth/telecore/clock"
	"github.com/sprucehealth/telecore/model"
	"github.com/sprucehealth/telecore/provider"
)

// maxTopLevelCalls bounds the total of live plus held top-level calls.
// One may be live and one held; anything beyond that is refused admission.
const maxTopLevelCalls = 2

// DefaultBridgeTimeout bounds synchronous requests into the orchestration
// context. Generous on purpose: it exists to turn a wedged provider callback
// into an error instead of an unbounded stall.
const DefaultBridgeTimeout = 10 * time.Second

// Orchestrator owns every in-progress call. All state lives on a single
// logical owner context; public methods marshal onto it and return only
// after the mutation and its listener fan-out have completed.
//
// Construct one per process and hand it to every collaborator; there is no
// process-wide instance.
type Orchestrator struct {
	log       logrus.FieldLogger
	clk       clock.Clock
	seq       *sequencer
	events    *subscriptions
	mapper    *CallIDMapper
	registrar *account.Registrar
	registry  *provider.Registry
	callLog   CallLog
	audio     *audioManager
	ring      *ringer

	// Owner-context state. calls is kept in registration order, which is
	// what makes foreground selection deterministic.
	calls      []*Call
	sessions   map[string]*Call
	foreground *Call

	// Hold-then-answer bookkeeping: pendingAnswer is answered once
	// pendingBlocker has confirmed hold or is gone.
	pendingAnswer  *Call
	pendingBlocker *Call
	pendingRoute   model.AudioRoute
}

// Option configures an Orchestrator
type Option func(*Orchestrator, *options)

type options struct {
	bridgeTimeout time.Duration
	toneSink      ToneSink
}

// WithClock sets the time source (tests use a manual clock)
func WithClock(clk clock.Clock) Option {
	return func(o *Orchestrator, _ *options) { o.clk = clk }
}

// WithCallLog sets the call record sink
func WithCallLog(cl CallLog) Option {
	return func(o *Orchestrator, _ *options) { o.callLog = cl }
}

// WithToneSink sets the ringtone/ringback player
func WithToneSink(sink ToneSink) Option {
	return func(_ *Orchestrator, opts *options) { opts.toneSink = sink }
}

// WithBridgeTimeout overrides the synchronous-bridge timeout
func WithBridgeTimeout(d time.Duration) Option {
	return func(_ *Orchestrator, opts *options) { opts.bridgeTimeout = d }
}

// New creates the orchestrator and starts its owner context. connector is
// how provider services are bound on first use.
func New(registrar *account.Registrar, connector provider.Connector, log logrus.FieldLogger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		log:       log,
		clk:       clock.NewSystem(),
		events:    newSubscriptions(),
		mapper:    NewCallIDMapper(),
		registrar: registrar,
		sessions:  make(map[string]*Call),
	}
	cfg := &options{bridgeTimeout: DefaultBridgeTimeout}
	for _, opt := range opts {
		opt(o, cfg)
	}
	if o.callLog == nil {
		o.callLog = logrusCallLog{log: log}
	}
	if cfg.toneSink == nil {
		cfg.toneSink = logToneSink{log: log}
	}

	o.seq = newSequencer(cfg.bridgeTimeout)
	o.audio = newAudioManager(o)
	o.ring = newRinger(o, cfg.toneSink)
	o.registry = provider.NewRegistry(connector, providerEvents{o}, log)
	o.registry.OnServiceDeath(func(id provider.Identity) {
		_ = o.seq.post(func() { o.handleServiceDeath(id) })
	})
	return o
}

// Close shuts the orchestrator down after draining queued work
func (o *Orchestrator) Close() error {
	o.seq.stop()
	return nil
}

// Flush blocks until all queued work has been processed. Useful for tests
// and orderly shutdown.
func (o *Orchestrator) Flush() error {
	return o.seq.postWait(func() {})
}

// Subscribe registers fn for the given event kinds (all kinds when empty).
// Registration is safe at any time and does not replay missed events.
// Handlers run synchronously on the orchestration context and must not call
// the orchestrator's blocking entry points.
func (o *Orchestrator) Subscribe(fn func(Event), kinds ...EventKind) (cancel func()) {
	return o.events.add(fn, kinds...)
}

// StartOutgoingCall validates the request against the admission policy,
// creates and registers a Call in CONNECTING (account resolved) or
// SELECT_ACCOUNT (awaiting selection), and returns it. A nil Call means the
// request was refused outright; the dispatch layer owns any user feedback.
func (o *Orchestrator) StartOutgoingCall(address string, requested *model.AccountHandle, gateway *model.GatewayInfo, extras map[string]string) (*Call, error) {
	var c *Call
	if err := o.seq.postWait(func() { c = o.startOutgoing(address, requested, gateway, extras) }); err != nil {
		return nil, err
	}
	return c, nil
}

// ProcessIncomingCall handles a provider-initiated incoming leg. If a call
// is already ringing the new one is auto-rejected with a missed-call record
// and never enters the live set.
func (o *Orchestrator) ProcessIncomingCall(acct model.AccountHandle, session, address string, extras map[string]string) error {
	return o.seq.postWait(func() { o.processIncoming(acct, session, address, extras) })
}

// ProcessUnknownCall handles a leg discovered in an unknown direction (e.g.
// already established on the backend). It is registered only once the
// provider confirms it.
func (o *Orchestrator) ProcessUnknownCall(acct model.AccountHandle, session, address string, extras map[string]string) error {
	return o.seq.postWait(func() { o.processUnknown(acct, session, address, extras) })
}

// AccountSelected supplies the account for a call parked in SELECT_ACCOUNT
// and re-evaluates admission before dialing proceeds.
func (o *Orchestrator) AccountSelected(c *Call, handle model.AccountHandle) error {
	return o.seq.postWait(func() { o.accountSelected(c, handle) })
}

// Answer accepts a ringing call, first resolving any conflicting foreground
// call per the hold-then-answer policy.
func (o *Orchestrator) Answer(c *Call, route model.AudioRoute) error {
	return o.seq.postWait(func() { o.answer(c, route) })
}

// Reject declines a ringing call, optionally with a text message
func (o *Orchestrator) Reject(c *Call, withMessage bool, text string) error {
	return o.seq.postWait(func() { o.reject(c, withMessage, text) })
}

// Hold asks the backend to put an active call on hold
func (o *Orchestrator) Hold(c *Call) error {
	return o.seq.postWait(func() { o.hold(c) })
}

// Unhold asks the backend to resume a held call
func (o *Orchestrator) Unhold(c *Call) error {
	return o.seq.postWait(func() { o.unhold(c) })
}

// Disconnect ends a call in any state. Disconnect is the universal
// cancellation primitive: it also abandons a call still awaiting account
// selection.
func (o *Orchestrator) Disconnect(c *Call) error {
	return o.seq.postWait(func() { o.disconnectCall(c) })
}

// DisconnectAll ends every tracked call
func (o *Orchestrator) DisconnectAll() error {
	return o.seq.postWait(func() {
		for _, c := range append([]*Call{}, o.calls...) {
			o.disconnectCall(c)
		}
	})
}

// Conference links two tracked top-level calls as parent and child
func (o *Orchestrator) Conference(parent, child *Call) error {
	return o.seq.postWait(func() { o.conference(parent, child) })
}

// PlayDTMF forwards a DTMF digit to the call's backend
func (o *Orchestrator) PlayDTMF(c *Call, digit rune) error {
	return o.seq.postWait(func() { o.playDTMF(c, digit) })
}

// Calls returns a copy of the live set in registration order
func (o *Orchestrator) Calls() ([]*Call, error) {
	var calls []*Call
	err := o.seq.postWait(func() { calls = append([]*Call{}, o.calls...) })
	return calls, err
}

// ForegroundCall returns the call currently entitled to audio focus
func (o *Orchestrator) ForegroundCall() (*Call, error) {
	var c *Call
	err := o.seq.postWait(func() { c = o.foreground })
	return c, err
}

// Registry exposes the provider registry so the platform layer can report
// service lifecycle events such as a provider process dying.
func (o *Orchestrator) Registry() *provider.Registry {
	return o.registry
}

// CallByID resolves an opaque session id to its Call, or nil if untracked
func (o *Orchestrator) CallByID(id CallID) (*Call, error) {
	var c *Call
	err := o.seq.postWait(func() { c, _ = o.mapper.ByID(id) })
	return c, err
}

// --- owner-context core below ---

func (o *Orchestrator) startOutgoing(address string, requested *model.AccountHandle, gateway *model.GatewayInfo, extras map[string]string) *Call {
	c := newCall(model.DirectionOutgoing, model.StateNew, address, extras, o.clk.Now())
	c.gateway = gateway

	if requested != nil {
		if _, ok := o.registrar.Account(*requested); ok {
			h := *requested
			c.targetAccount = &h
		} else {
			o.log.WithField("account", requested.Key()).Warn("requested account not registered, using default")
		}
	}
	if c.targetAccount == nil {
		if acct, ok := o.registrar.DefaultOutgoing(model.SchemeOf(address)); ok {
			h := acct.Handle
			c.targetAccount = &h
		}
	}

	if !o.makeRoomForOutgoing(c) {
		o.log.WithField("emergency", c.emergency).Info("outgoing call refused by admission policy")
		return nil
	}

	if c.targetAccount == nil {
		o.setCallState(c, model.StateSelectAccount)
		o.addCall(c)
		return c
	}
	o.setCallState(c, model.StateConnecting)
	o.addCall(c)
	o.placeCall(c)
	return c
}

// makeRoomForOutgoing applies the admission decision order for a new or
// re-evaluated outgoing call. It may disconnect or hold an existing call as
// a side effect of admitting c.
func (o *Orchestrator) makeRoomForOutgoing(c *Call) bool {
	live := o.liveCallExcluding(c)
	if live == nil {
		return true
	}

	if og := o.outgoingCall(c); og != nil {
		// Only an emergency call may displace an outgoing call in progress.
		if c.emergency && !og.emergency {
			o.log.WithField("call", og.id).Info("disconnecting outgoing call for emergency call")
			o.disconnectCall(og)
			return true
		}
		return false
	}

	if held := o.heldCall(); held != nil {
		// Both slots occupied. Dropping the live call is safer than juggling
		// the held one, and only an emergency justifies either.
		if c.emergency {
			o.log.WithField("call", live.id).Info("disconnecting live call for emergency call")
			o.disconnectCall(live)
			return true
		}
		return false
	}

	// Room for one more held call.
	if c.targetAccount != nil && live.targetAccount != nil && *c.targetAccount == *live.targetAccount {
		// Same backend: it decides how to multiplex.
		return true
	}
	if c.targetAccount == nil {
		// Provisional: re-evaluated once an account is selected.
		return true
	}
	if live.caps.Has(model.CapabilitySupportHold) {
		o.requestHold(live)
		return true
	}
	return false
}

func (o *Orchestrator) processIncoming(acct model.AccountHandle, session, address string, extras map[string]string) {
	now := o.clk.Now()
	if ringing := o.ringingCall(); ringing != nil {
		o.log.WithFields(logrus.Fields{"session": session, "ringing": ringing.id}).
			Info("incoming call auto-rejected: ringing limit saturated")
		o.callLog.LogCall(CallLogEntry{
			Address:      address,
			Direction:    model.DirectionIncoming,
			CreationTime: now,
			EndTime:      now,
			Cause:        model.CauseMissed,
		})
		if h, err := o.registry.Get(provider.Identity{Component: acct.Component}); err == nil {
			if err := h.Service().Reject(session, false, ""); err != nil {
				o.log.WithError(err).Warn("auto-reject request failed")
			}
			h.Release()
		}
		return
	}

	c := newCall(model.DirectionIncoming, model.StateRinging, address, extras, now)
	h := acct
	c.targetAccount = &h

	handle, err := o.registry.Get(provider.Identity{Component: acct.Component})
	if err != nil {
		o.log.WithError(err).Error("no provider for incoming call")
		return
	}
	c.handle = handle
	c.session = session
	o.sessions[session] = c
	o.addCall(c)

	if err := handle.Service().CreateConnection(provider.ConnectionRequest{
		SessionID: session,
		Account:   acct,
		Address:   address,
		Direction: model.DirectionIncoming,
		Extras:    c.extras,
	}); err != nil {
		o.log.WithError(err).Error("incoming connection confirmation failed")
		o.failCall(c, model.CauseError)
	}
}

func (o *Orchestrator) processUnknown(acct model.AccountHandle, session, address string, extras map[string]string) {
	c := newCall(model.DirectionUnknown, model.StateNew, address, extras, o.clk.Now())
	h := acct
	c.targetAccount = &h

	handle, err := o.registry.Get(provider.Identity{Component: acct.Component})
	if err != nil {
		o.log.WithError(err).Error("no provider for unknown call")
		return
	}
	c.handle = handle
	c.session = session
	o.sessions[session] = c

	if err := handle.Service().CreateConnection(provider.ConnectionRequest{
		SessionID: session,
		Account:   acct,
		Address:   address,
		Direction: model.DirectionUnknown,
		Extras:    c.extras,
	}); err != nil {
		o.cleanupCall(c)
	}
}

func (o *Orchestrator) accountSelected(c *Call, handle model.AccountHandle) {
	if !o.isTracked(c) {
		o.log.Warn("account selected for untracked call ignored")
		return
	}
	if c.state != model.StateSelectAccount {
		o.log.WithFields(logrus.Fields{"call": c.id, "state": c.state}).
			Warn("account selected for call not awaiting selection ignored")
		return
	}
	if _, ok := o.registrar.Account(handle); !ok {
		o.log.WithField("account", handle.Key()).Warn("selected account not registered")
		return
	}
	h := handle
	c.targetAccount = &h

	if !o.makeRoomForOutgoing(c) {
		o.log.WithField("call", c.id).Info("call refused at account selection by admission policy")
		c.cause = model.CauseCanceled
		o.setCallState(c, model.StateDisconnected)
		o.removeCall(c)
		return
	}
	o.setCallState(c, model.StateConnecting)
	o.placeCall(c)
}

// placeCall binds the provider and requests the outgoing leg. Gateway
// rewrites substitute the dialed address; the original stays on the Call
// for display.
func (o *Orchestrator) placeCall(c *Call) {
	address := c.address
	if c.gateway != nil {
		address = c.gateway.GatewayAddress
	}

	handle, err := o.registry.Get(provider.Identity{Component: c.targetAccount.Component})
	if err != nil {
		o.log.WithError(err).Error("no provider for outgoing call")
		o.failCall(c, model.CauseError)
		return
	}
	c.handle = handle
	c.session = uuid.NewString()
	o.sessions[c.session] = c

	if err := handle.Service().CreateConnection(provider.ConnectionRequest{
		SessionID: c.session,
		Account:   *c.targetAccount,
		Address:   address,
		Direction: model.DirectionOutgoing,
		Extras:    c.extras,
	}); err != nil {
		o.log.WithError(err).Error("create connection failed")
		o.failCall(c, model.CauseError)
	}
}

func (o *Orchestrator) answer(c *Call, route model.AudioRoute) {
	if !o.isTracked(c) {
		o.log.Warn("answer for untracked call ignored")
		return
	}
	if c.state != model.StateRinging {
		o.log.WithFields(logrus.Fields{"call": c.id, "state": c.state}).Warn("answer for non-ringing call ignored")
		return
	}

	fg := o.foreground
	if fg != nil && fg != c && (fg.state == model.StateActive || fg.state == model.StateDialing) {
		switch {
		case fg.caps.Has(model.CapabilitySupportHold):
			// Hold fully first; the answer fires once the hold confirms.
			o.pendingAnswer, o.pendingBlocker, o.pendingRoute = c, fg, route
			o.requestHold(fg)
			return
		case !fg.sameProviderAs(c):
			// Unholdable and on a different backend: drop it rather than
			// present two live audio streams.
			o.pendingAnswer, o.pendingBlocker, o.pendingRoute = c, fg, route
			o.disconnectCall(fg)
			return
		default:
			// Same backend: it reconciles its own legs.
		}
	}
	o.answerNow(c, route)
}

func (o *Orchestrator) answerNow(c *Call, route model.AudioRoute) {
	o.audio.apply(o.audio.state.Mode, route, o.audio.state.Muted)
	svc := c.service()
	if svc == nil {
		o.log.WithField("call", c.id).Error("answer with no bound provider")
		return
	}
	if err := svc.Answer(c.session); err != nil {
		o.log.WithError(err).WithField("call", c.id).Error("answer request failed")
	}
}

func (o *Orchestrator) reject(c *Call, withMessage bool, text string) {
	if !o.isTracked(c) {
		o.log.Warn("reject for untracked call ignored")
		return
	}
	if c.state != model.StateRinging {
		o.log.WithFields(logrus.Fields{"call": c.id, "state": c.state}).Warn("reject for non-ringing call ignored")
		return
	}
	c.cause = model.CauseRejected
	if svc := c.service(); svc != nil {
		if err := svc.Reject(c.session, withMessage, text); err != nil {
			o.log.WithError(err).WithField("call", c.id).Error("reject request failed")
		}
	}
}

func (o *Orchestrator) hold(c *Call) {
	if !o.isTracked(c) {
		o.log.Warn("hold for untracked call ignored")
		return
	}
	if c.state != model.StateActive || !c.caps.Has(model.CapabilityHold) {
		o.log.WithFields(logrus.Fields{"call": c.id, "state": c.state}).Warn("hold not available, ignored")
		return
	}
	o.requestHold(c)
}

func (o *Orchestrator) unhold(c *Call) {
	if !o.isTracked(c) {
		o.log.Warn("unhold for untracked call ignored")
		return
	}
	if c.state != model.StateOnHold {
		o.log.WithFields(logrus.Fields{"call": c.id, "state": c.state}).Warn("unhold for call not on hold ignored")
		return
	}
	if svc := c.service(); svc != nil {
		if err := svc.Unhold(c.session); err != nil {
			o.log.WithError(err).WithField("call", c.id).Error("unhold request failed")
		}
	}
}

func (o *Orchestrator) requestHold(c *Call) {
	svc := c.service()
	if svc == nil {
		return
	}
	if err := svc.Hold(c.session); err != nil {
		o.log.WithError(err).WithField("call", c.id).Error("hold request failed")
	}
}

func (o *Orchestrator) disconnectCall(c *Call) {
	if c.state.IsTerminal() {
		return
	}
	svc := c.service()
	if svc == nil || c.state == model.StateSelectAccount {
		// Never reached a backend; tear down locally.
		if c.cause == "" {
			c.cause = model.CauseCanceled
		}
		o.setCallState(c, model.StateDisconnected)
		if o.isTracked(c) {
			o.removeCall(c)
		} else {
			o.cleanupCall(c)
		}
		return
	}
	if c.state == model.StateConnecting {
		// The backend has not confirmed the leg yet; abort rather than
		// disconnect, and finish locally without waiting for a report.
		if err := svc.Abort(c.session); err != nil {
			o.log.WithError(err).WithField("call", c.id).Warn("abort request failed")
		}
		c.cause = model.CauseCanceled
		o.setCallState(c, model.StateAborted)
		if o.isTracked(c) {
			o.removeCall(c)
		} else {
			o.cleanupCall(c)
		}
		return
	}
	if err := svc.Disconnect(c.session); err != nil {
		o.log.WithError(err).WithField("call", c.id).Error("disconnect request failed, tearing down locally")
		o.failCall(c, model.CauseLocal)
		return
	}
	o.setCallState(c, model.StateDisconnecting)
}

func (o *Orchestrator) conference(parent, child *Call) {
	if !o.isTracked(parent) || !o.isTracked(child) {
		o.log.Warn("conference with untracked call ignored")
		return
	}
	if parent == child {
		return
	}
	if parent.parent != nil || child.parent != nil || len(child.children) > 0 {
		o.log.WithFields(logrus.Fields{"parent": parent.id, "child": child.id}).
			Warn("conference refused: call already conferenced")
		return
	}
	child.parent = parent
	parent.children = append(parent.children, child)
	o.events.emit(Event{Kind: EventIsConferencedChanged, Call: parent})
	o.events.emit(Event{Kind: EventIsConferencedChanged, Call: child})
	o.recomputeCapabilities()
	o.updateForeground()
}

func (o *Orchestrator) playDTMF(c *Call, digit rune) {
	if !o.isTracked(c) {
		o.log.Warn("dtmf for untracked call ignored")
		return
	}
	if svc := c.service(); svc != nil {
		if err := svc.PlayDTMF(c.session, digit); err != nil {
			o.log.WithError(err).WithField("call", c.id).Error("dtmf request failed")
		}
	}
}

// setCallState is the single authoritative state-mutation entry point. The
// backend is authoritative, so unexpected transitions are accepted and only
// logged as anomalies.
func (o *Orchestrator) setCallState(c *Call, next model.CallState) {
	if c.state == next {
		return
	}
	old := c.state
	if !old.IsExpectedTransition(next) {
		o.log.WithFields(logrus.Fields{"call": c.id, "from": old, "to": next}).
			Warn("accepting unexpected state transition")
	}
	c.state = next
	if next == model.StateActive && c.connectTime.IsZero() {
		c.connectTime = o.clk.Now()
	}
	if next == model.StateDisconnected && c.cause == "" {
		c.cause = model.CauseUnknown
	}
	if o.isTracked(c) {
		o.events.emit(Event{Kind: EventCallStateChanged, Call: c, OldState: old, NewState: next})
		o.recomputeCapabilities()
		o.updateForeground()
	}
	if next == model.StateOnHold || next == model.StateDisconnected {
		o.resolvePending(c)
	}
}

func (o *Orchestrator) failCall(c *Call, cause model.DisconnectCause) {
	if c.cause == "" {
		c.cause = cause
	}
	o.setCallState(c, model.StateDisconnected)
	if o.isTracked(c) {
		o.removeCall(c)
	} else {
		o.cleanupCall(c)
	}
}

func (o *Orchestrator) addCall(c *Call) {
	o.mapper.Register(c)
	o.calls = append(o.calls, c)
	o.events.emit(Event{Kind: EventCallAdded, Call: c})
	o.recomputeCapabilities()
	o.updateForeground()
}

// removeCall deregisters a call and recomputes every remaining call's
// capabilities: removing one call can make "add call" legal again.
func (o *Orchestrator) removeCall(c *Call) {
	if !o.isTracked(c) {
		return
	}

	if c.parent != nil {
		kept := c.parent.children[:0]
		for _, sibling := range c.parent.children {
			if sibling != c {
				kept = append(kept, sibling)
			}
		}
		c.parent.children = kept
		o.events.emit(Event{Kind: EventIsConferencedChanged, Call: c.parent})
		c.parent = nil
	}
	for _, child := range c.children {
		child.parent = nil
		o.events.emit(Event{Kind: EventIsConferencedChanged, Call: child})
	}
	c.children = nil

	kept := o.calls[:0]
	for _, tracked := range o.calls {
		if tracked != c {
			kept = append(kept, tracked)
		}
	}
	o.calls = kept

	o.mapper.Release(c)
	o.cleanupCall(c)

	o.callLog.LogCall(CallLogEntry{
		Address:      c.address,
		Direction:    c.direction,
		CreationTime: c.creationTime,
		ConnectTime:  c.connectTime,
		EndTime:      o.clk.Now(),
		Cause:        c.cause,
	})

	o.events.emit(Event{Kind: EventCallRemoved, Call: c})
	o.recomputeCapabilities()
	o.updateForeground()
}

// cleanupCall severs the provider linkage for a call leaving the system
func (o *Orchestrator) cleanupCall(c *Call) {
	if c.session != "" {
		delete(o.sessions, c.session)
	}
	if c.handle != nil {
		c.handle.Release()
		c.handle = nil
	}
	o.resolvePending(c)
}

// resolvePending advances the hold-then-answer handshake when the blocking
// call confirms hold or disappears.
func (o *Orchestrator) resolvePending(c *Call) {
	if o.pendingAnswer == c {
		o.pendingAnswer, o.pendingBlocker = nil, nil
		return
	}
	if o.pendingBlocker != c {
		return
	}
	if c.state != model.StateOnHold && !c.state.IsTerminal() {
		return
	}
	answer := o.pendingAnswer
	route := o.pendingRoute
	o.pendingAnswer, o.pendingBlocker = nil, nil
	if answer != nil && o.isTracked(answer) && answer.state == model.StateRinging {
		o.answerNow(answer, route)
	}
}

// updateForeground recomputes which call holds audio focus: an ACTIVE
// top-level call wins outright; otherwise the last alive or ringing
// top-level call in registration order. Children are never foreground.
func (o *Orchestrator) updateForeground() {
	var next *Call
	for _, c := range o.calls {
		if c.parent != nil {
			continue
		}
		if c.state == model.StateActive {
			next = c
			break
		}
		if c.state.IsAlive() || c.state == model.StateRinging {
			next = c
		}
	}
	if next == o.foreground {
		return
	}
	old := o.foreground
	o.foreground = next
	o.events.emit(Event{Kind: EventForegroundChanged, OldForeground: old, NewForeground: next})
}

// recomputeCapabilities rebuilds every tracked call's capability bitset from
// current membership.
func (o *Orchestrator) recomputeCapabilities() {
	topLevel := 0
	for _, c := range o.calls {
		if c.parent == nil && !c.state.IsTerminal() {
			topLevel++
		}
	}
	canAdd := topLevel < maxTopLevelCalls

	for _, c := range o.calls {
		var caps model.Capabilities
		if c.supportsHold {
			caps = caps.With(model.CapabilitySupportHold)
			if c.state == model.StateActive {
				caps = caps.With(model.CapabilityHold)
			}
		}
		switch c.state {
		case model.StateActive, model.StateOnHold:
			caps = caps.With(model.CapabilityMute)
			if canAdd {
				caps = caps.With(model.CapabilityAddCall)
			}
			if topLevel >= maxTopLevelCalls && c.parent == nil {
				caps = caps.With(model.CapabilityMerge).With(model.CapabilitySwap)
			}
		}
		c.caps = caps
	}
}

// handleServiceDeath force-disconnects every call owned by a dead provider.
// No retry, no partial state.
func (o *Orchestrator) handleServiceDeath(id provider.Identity) {
	for _, c := range append([]*Call{}, o.calls...) {
		if c.targetAccount == nil || c.targetAccount.Component != id.Component {
			continue
		}
		o.log.WithFields(logrus.Fields{"call": c.id, "provider": id.Key()}).
			Warn("force-disconnecting call: provider died")
		c.cause = model.CauseError
		o.setCallState(c, model.StateDisconnected)
		o.removeCall(c)
	}
	// Legs never admitted to the live set (unknown-direction calls awaiting
	// confirmation) still hold a session entry and a provider reference.
	for _, c := range o.sessions {
		if c.targetAccount == nil || c.targetAccount.Component != id.Component {
			continue
		}
		o.log.WithFields(logrus.Fields{"session": c.session, "provider": id.Key()}).
			Warn("dropping unconfirmed leg: provider died")
		c.cause = model.CauseError
		o.setCallState(c, model.StateDisconnected)
		o.cleanupCall(c)
	}
}

func (o *Orchestrator) isTracked(c *Call) bool {
	for _, tracked := range o.calls {
		if tracked == c {
			return true
		}
	}
	return false
}

// Admission counts top-level calls only; a conference is one call as far as
// the limits are concerned.

func (o *Orchestrator) liveCallExcluding(exclude *Call) *Call {
	for _, c := range o.calls {
		if c != exclude && c.parent == nil && c.state.IsLive() {
			return c
		}
	}
	return nil
}

func (o *Orchestrator) heldCall() *Call {
	for _, c := range o.calls {
		if c.parent == nil && c.state == model.StateOnHold {
			return c
		}
	}
	return nil
}

func (o *Orchestrator) ringingCall() *Call {
	for _, c := range o.calls {
		if c.state == model.StateRinging {
			return c
		}
	}
	return nil
}

// outgoingCall returns the outgoing call still in progress, excluding the
// admission candidate itself.
func (o *Orchestrator) outgoingCall(exclude *Call) *Call {
	for _, c := range o.calls {
		if c == exclude || c.direction != model.DirectionOutgoing {
			continue
		}
		switch c.state {
		case model.StateConnecting, model.StateSelectAccount, model.StateDialing:
			return c
		}
	}
	return nil
}

// providerEvents marshals asynchronous provider reports onto the
// orchestration context. Reports never block the provider; they are queued.
type providerEvents struct {
	o *Orchestrator
}

func (p providerEvents) OnConnectionCreated(session string) {
	_ = p.o.seq.post(func() { p.o.onConnectionCreated(session) })
}

func (p providerEvents) OnConnectionFailed(session string, cause model.DisconnectCause) {
	_ = p.o.seq.post(func() { p.o.onConnectionFailed(session, cause) })
}

func (p providerEvents) OnStateChanged(session string, state model.CallState) {
	_ = p.o.seq.post(func() { p.o.onStateChanged(session, state) })
}

func (p providerEvents) OnDisconnected(session string, cause model.DisconnectCause) {
	_ = p.o.seq.post(func() { p.o.onDisconnected(session, cause) })
}

func (p providerEvents) OnRingbackRequested(session string, ringback bool) {
	_ = p.o.seq.post(func() { p.o.onRingbackRequested(session, ringback) })
}

func (p providerEvents) OnPostDialWait(session string, remaining string) {
	_ = p.o.seq.post(func() { p.o.onPostDialWait(session, remaining) })
}

func (p providerEvents) OnCapabilitiesChanged(session string, supportsHold bool) {
	_ = p.o.seq.post(func() { p.o.onCapabilitiesChanged(session, supportsHold) })
}

func (o *Orchestrator) callForSession(session string) *Call {
	c, ok := o.sessions[session]
	if !ok {
		// Stale references are expected when provider and UI updates race.
		o.log.WithField("session", session).Debug("report for unknown session ignored")
		return nil
	}
	return c
}

func (o *Orchestrator) onConnectionCreated(session string) {
	c := o.callForSession(session)
	if c == nil {
		return
	}
	switch c.direction {
	case model.DirectionOutgoing:
		o.setCallState(c, model.StateDialing)
	case model.DirectionUnknown:
		// Confirmed: register it now, already established.
		o.setCallState(c, model.StateActive)
		o.addCall(c)
	}
	// Incoming calls are already ringing and registered.
}

func (o *Orchestrator) onConnectionFailed(session string, cause model.DisconnectCause) {
	c := o.callForSession(session)
	if c == nil {
		return
	}
	o.failCall(c, cause)
}

func (o *Orchestrator) onStateChanged(session string, state model.CallState) {
	c := o.callForSession(session)
	if c == nil {
		return
	}
	if !state.IsValid() {
		// The backend is authoritative over transitions, not over the state
		// vocabulary. A report outside it is dropped, not stored.
		o.log.WithFields(logrus.Fields{"call": c.id, "state": state}).
			Warn("dropping state report outside the known set")
		return
	}
	if state == model.StateDisconnected {
		o.onDisconnected(session, model.CauseUnknown)
		return
	}
	o.setCallState(c, state)
}

func (o *Orchestrator) onDisconnected(session string, cause model.DisconnectCause) {
	c := o.callForSession(session)
	if c == nil {
		return
	}
	if c.cause == "" {
		c.cause = cause
	}
	o.setCallState(c, model.StateDisconnected)
	if o.isTracked(c) {
		o.removeCall(c)
	} else {
		o.cleanupCall(c)
	}
}

func (o *Orchestrator) onRingbackRequested(session string, ringback bool) {
	c := o.callForSession(session)
	if c == nil {
		return
	}
	c.ringbackRequested = ringback
	if o.isTracked(c) {
		o.events.emit(Event{Kind: EventRingbackRequested, Call: c, Ringback: ringback})
	}
}

func (o *Orchestrator) onPostDialWait(session string, remaining string) {
	c := o.callForSession(session)
	if c == nil {
		return
	}
	if o.isTracked(c) {
		o.events.emit(Event{Kind: EventPostDialWait, Call: c, Remaining: remaining})
	}
}

func (o *Orchestrator) onCapabilitiesChanged(session string, supportsHold bool) {
	c := o.callForSession(session)
	if c == nil {
		return
	}
	c.supportsHold = supportsHold
	o.recomputeCapabilities()
}
