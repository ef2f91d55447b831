// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package model

// AccountHandle uniquely identifies a registered account as a
// (provider component, account-specific id) pair
type AccountHandle struct {
	Component string `json:"component"`
	ID        string `json:"id"`
}

func (h AccountHandle) Key() string {
	return h.Component + "/" + h.ID
}

func (h AccountHandle) IsZero() bool {
	return h.Component == "" && h.ID == ""
}

// AccountCapabilities is a bitset describing what an account may do
type AccountCapabilities uint32

const (
	// AccountCallProvider marks an account that can place and receive calls.
	AccountCallProvider AccountCapabilities = 1 << iota
	// AccountConnectionManager marks an account that may proxy other providers.
	AccountConnectionManager
	// AccountSIMSubscription marks an account backed by a SIM subscription.
	AccountSIMSubscription
)

func (c AccountCapabilities) Has(cap AccountCapabilities) bool {
	return c&cap == cap
}

// Account is a routable identity backed by a specific connection provider
type Account struct {
	Handle              AccountHandle       `json:"handle"`
	Label               string              `json:"label"`
	Description         string              `json:"description,omitempty"`
	SupportedSchemes    []string            `json:"supported_schemes"`
	Capabilities        AccountCapabilities `json:"capabilities"`
	IconURI             string              `json:"icon_uri,omitempty"`
	Address             string              `json:"address,omitempty"`
	SubscriptionAddress string              `json:"subscription_address,omitempty"`
}

// SupportsScheme reports whether the account can route addresses
// of the given scheme
func (a Account) SupportsScheme(scheme string) bool {
	for _, s := range a.SupportedSchemes {
		if s == scheme {
			return true
		}
	}
	return false
}
