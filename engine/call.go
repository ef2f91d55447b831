// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package engine

import (
	"time"

	"github.com/sprucehealth/telecore/model"
	"github.com/sprucehealth/telecore/provider"
)

// CallID is the opaque session identifier handed out to external components.
// Zero means the call has not been registered yet.
type CallID int32

// Call is one tracked communication session. It only holds state; all policy
// lives in the orchestrator, which owns the Call for its entire lifetime and
// is the sole writer of every field. Other components hold non-owning
// references and read through snapshots.
type Call struct {
	id        CallID
	direction model.Direction
	state     model.CallState

	address             string
	addressPresentation model.Presentation
	displayName         string
	namePresentation    model.Presentation

	caps         model.Capabilities
	supportsHold bool
	emergency    bool

	targetAccount *model.AccountHandle
	gateway       *model.GatewayInfo

	parent   *Call
	children []*Call

	creationTime time.Time
	connectTime  time.Time
	cause        model.DisconnectCause

	// extras is opaque key-value data passed through to the UI bridge
	// verbatim.
	extras map[string]string

	// session and handle tie the call to its backend leg.
	session string
	handle  *provider.Handle

	ringbackRequested bool
}

func newCall(direction model.Direction, state model.CallState, address string, extras map[string]string, now time.Time) *Call {
	if extras == nil {
		extras = make(map[string]string)
	}
	return &Call{
		direction:           direction,
		state:               state,
		address:             address,
		addressPresentation: model.PresentationAllowed,
		namePresentation:    model.PresentationAllowed,
		supportsHold:        true,
		emergency:           model.IsEmergencyAddress(address),
		creationTime:        now,
		extras:              extras,
	}
}

// Accessors below are safe from listener context or whenever the engine is
// quiescent (e.g. after Flush in tests); concurrent reads during live
// mutation must go through snapshots instead.

func (c *Call) ID() CallID { return c.id }

func (c *Call) Direction() model.Direction { return c.direction }

func (c *Call) State() model.CallState { return c.state }

func (c *Call) Address() string { return c.address }

func (c *Call) DisplayName() string { return c.displayName }

func (c *Call) Capabilities() model.Capabilities { return c.caps }

func (c *Call) IsEmergency() bool { return c.emergency }

func (c *Call) ConnectTime() time.Time { return c.connectTime }

func (c *Call) DisconnectCause() model.DisconnectCause { return c.cause }

// Account returns the selected target account, if one has been resolved
func (c *Call) Account() (model.AccountHandle, bool) {
	if c.targetAccount == nil {
		return model.AccountHandle{}, false
	}
	return *c.targetAccount, true
}

// Gateway returns the address-substitution info, if any
func (c *Call) Gateway() (model.GatewayInfo, bool) {
	if c.gateway == nil {
		return model.GatewayInfo{}, false
	}
	return *c.gateway, true
}

// Parent returns the conference parent, if this call is a child
func (c *Call) Parent() *Call {
	return c.parent
}

// Children returns the conference children in join order
func (c *Call) Children() []*Call {
	return append([]*Call{}, c.children...)
}

// IsConferenced reports whether the call participates in a conference
func (c *Call) IsConferenced() bool {
	return c.parent != nil || len(c.children) > 0
}

// sameProviderAs reports whether both calls target the same backend
func (c *Call) sameProviderAs(other *Call) bool {
	if c.targetAccount == nil || other.targetAccount == nil {
		return false
	}
	return c.targetAccount.Component == other.targetAccount.Component
}

// service returns the bound connection service, or nil before placement
func (c *Call) service() provider.ConnectionService {
	if c.handle == nil {
		return nil
	}
	return c.handle.Service()
}
