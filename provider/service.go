// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

// Package provider defines the contract between the orchestration engine and
// backend connection services, and the registry that caches live bindings to
// them. Providers establish the physical or virtual call leg; the engine owns
// all policy.
package provider

import (
	"github.com/sprucehealth/telecore/model"
)

// Identity is the stable identity of a backend connection provider
type Identity struct {
	Component string `json:"component"`
	SubID     string `json:"sub_id,omitempty"`
}

func (i Identity) Key() string {
	if i.SubID == "" {
		return i.Component
	}
	return i.Component + "#" + i.SubID
}

// ConnectionRequest asks a provider to establish or confirm one call leg.
// SessionID is chosen by the engine for outgoing and unknown calls, and by
// the provider for incoming ones; all subsequent reports are keyed by it.
type ConnectionRequest struct {
	SessionID string
	Account   model.AccountHandle
	Address   string
	Direction model.Direction
	Extras    map[string]string
}

// ConnectionEvents receives asynchronous state reports from a provider.
// Implementations must be safe to call from any goroutine; the engine
// marshals reports onto its own sequencing context.
type ConnectionEvents interface {
	// OnConnectionCreated confirms that CreateConnection succeeded.
	OnConnectionCreated(session string)
	// OnConnectionFailed reports that CreateConnection failed.
	OnConnectionFailed(session string, cause model.DisconnectCause)
	// OnStateChanged reports a provider-driven state transition.
	OnStateChanged(session string, state model.CallState)
	// OnDisconnected reports that the leg has ended.
	OnDisconnected(session string, cause model.DisconnectCause)
	// OnRingbackRequested asks for local ringback tone while dialing.
	OnRingbackRequested(session string, ringback bool)
	// OnPostDialWait reports that post-dial DTMF is paused awaiting the user.
	OnPostDialWait(session string, remaining string)
	// OnCapabilitiesChanged reports backend capability changes for the leg.
	OnCapabilitiesChanged(session string, supportsHold bool)
}

// ConnectionService is the backend that actually establishes call legs.
// All methods are asynchronous requests: outcomes arrive via ConnectionEvents.
type ConnectionService interface {
	CreateConnection(req ConnectionRequest) error
	Abort(session string) error
	Answer(session string) error
	Reject(session string, withMessage bool, message string) error
	Hold(session string) error
	Unhold(session string) error
	Disconnect(session string) error
	PlayDTMF(session string, digit rune) error
}
