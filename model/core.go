// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package model

import (
	"strings"
)

// CallState represents the lifecycle state of a call session
type CallState string

const (
	StateNew           CallState = "new"
	StateConnecting    CallState = "connecting"
	StateSelectAccount CallState = "select_account"
	StateDialing       CallState = "dialing"
	StateRinging       CallState = "ringing"
	StateActive        CallState = "active"
	StateOnHold        CallState = "on_hold"
	StateDisconnecting CallState = "disconnecting"
	StateDisconnected  CallState = "disconnected"
	StateAborted       CallState = "aborted"
)

func (s CallState) String() string {
	return string(s)
}

// IsTerminal reports whether the call can never leave this state
func (s CallState) IsTerminal() bool {
	switch s {
	case StateDisconnected, StateAborted:
		return true
	}
	return false
}

// IsValid reports whether s is a state the engine knows. Provider reports
// carry raw strings, so they must be checked at the boundary before being
// stored.
func (s CallState) IsValid() bool {
	switch s {
	case StateNew, StateConnecting, StateSelectAccount, StateDialing,
		StateRinging, StateActive, StateOnHold, StateDisconnecting,
		StateDisconnected, StateAborted:
		return true
	}
	return false
}

// IsLive reports whether the call counts against the live-call limit.
// A held call is not live; neither is one still ringing.
func (s CallState) IsLive() bool {
	switch s {
	case StateConnecting, StateSelectAccount, StateDialing, StateActive:
		return true
	}
	return false
}

// IsAlive reports whether the call has started and has not yet torn down
func (s CallState) IsAlive() bool {
	switch s {
	case StateNew, StateDisconnected, StateAborted:
		return false
	}
	return true
}

// expectedTransitions lists the transitions the orchestrator anticipates.
// A backend is authoritative over local expectations, so anything outside
// this set is still accepted; it is only flagged as an anomaly in logs.
var expectedTransitions = map[CallState][]CallState{
	StateNew:           {StateConnecting, StateSelectAccount, StateRinging, StateActive, StateDisconnected, StateAborted},
	StateConnecting:    {StateDialing, StateRinging, StateActive, StateDisconnecting, StateDisconnected, StateAborted},
	StateSelectAccount: {StateConnecting, StateDisconnected, StateAborted},
	StateDialing:       {StateActive, StateOnHold, StateDisconnecting, StateDisconnected},
	StateRinging:       {StateActive, StateDisconnecting, StateDisconnected},
	StateActive:        {StateOnHold, StateDisconnecting, StateDisconnected},
	StateOnHold:        {StateActive, StateDisconnecting, StateDisconnected},
	StateDisconnecting: {StateDisconnected},
	StateDisconnected:  {},
	StateAborted:       {},
}

// IsExpectedTransition reports whether moving to next is an anticipated
// transition from s. Unexpected transitions are accepted anyway.
func (s CallState) IsExpectedTransition(next CallState) bool {
	for _, allowed := range expectedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Direction indicates who initiated a call
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
	DirectionUnknown  Direction = "unknown"
)

// DisconnectCause explains why a call reached its terminal state
type DisconnectCause string

const (
	CauseUnknown  DisconnectCause = "unknown"
	CauseLocal    DisconnectCause = "local"
	CauseRemote   DisconnectCause = "remote"
	CauseMissed   DisconnectCause = "missed"
	CauseRejected DisconnectCause = "rejected"
	CauseBusy     DisconnectCause = "busy"
	CauseCanceled DisconnectCause = "canceled"
	CauseError    DisconnectCause = "error"
)

// Capabilities is a bitset of actions currently available on a call
type Capabilities uint32

const (
	// CapabilitySupportHold means the backend can hold this call at all.
	CapabilitySupportHold Capabilities = 1 << iota
	// CapabilityHold means a hold request is valid right now.
	CapabilityHold
	CapabilityMute
	CapabilityAddCall
	CapabilityMerge
	CapabilitySwap
)

func (c Capabilities) Has(cap Capabilities) bool {
	return c&cap == cap
}

func (c Capabilities) With(cap Capabilities) Capabilities {
	return c | cap
}

func (c Capabilities) Without(cap Capabilities) Capabilities {
	return c &^ cap
}

// Presentation controls visibility of an address or display name
type Presentation string

const (
	PresentationAllowed    Presentation = "allowed"
	PresentationRestricted Presentation = "restricted"
	PresentationUnknown    Presentation = "unknown"
)

// AudioMode is the coarse audio focus state derived from call activity
type AudioMode string

const (
	AudioModeIdle    AudioMode = "idle"
	AudioModeRinging AudioMode = "ringing"
	AudioModeInCall  AudioMode = "in_call"
)

// AudioRoute selects the active audio device class
type AudioRoute string

const (
	RouteEarpiece AudioRoute = "earpiece"
	RouteSpeaker  AudioRoute = "speaker"
)

// AudioState is the externally visible audio focus snapshot
type AudioState struct {
	Mode  AudioMode  `json:"mode"`
	Route AudioRoute `json:"route"`
	Muted bool       `json:"muted"`
}

// GatewayInfo records an address substitution applied for routing.
// The original address is preserved for display purposes.
type GatewayInfo struct {
	GatewayAddress  string `json:"gateway_address"`
	OriginalAddress string `json:"original_address"`
}

// Address schemes understood by the engine
const (
	SchemeTel       = "tel"
	SchemeSIP       = "sip"
	SchemeVoicemail = "voicemail"
)

// SchemeOf derives the address scheme from a raw dial string
func SchemeOf(address string) string {
	switch {
	case strings.HasPrefix(address, "sip:"), strings.Contains(address, "@"):
		return SchemeSIP
	case strings.HasPrefix(address, "voicemail:"):
		return SchemeVoicemail
	default:
		return SchemeTel
	}
}

var emergencyAddresses = map[string]bool{
	"911": true,
	"112": true,
	"999": true,
	"000": true,
}

// IsEmergencyAddress reports whether dialing address must bypass
// normal admission limits
func IsEmergencyAddress(address string) bool {
	return emergencyAddresses[strings.TrimPrefix(address, "tel:")]
}
