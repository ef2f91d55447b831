package engine

import (
	"time"

	"github.com/sprucehealth/telecore/model"
)

// CallSnapshot is an immutable projection of a Call's externally visible
// fields. The live Call object never crosses the UI boundary.
type CallSnapshot struct {
	ID                  CallID                `json:"id"`
	State               model.CallState       `json:"state"`
	Direction           model.Direction       `json:"direction"`
	Address             string                `json:"address,omitempty"`
	AddressPresentation model.Presentation    `json:"address_presentation"`
	DisplayName         string                `json:"display_name,omitempty"`
	NamePresentation    model.Presentation    `json:"name_presentation"`
	Capabilities        model.Capabilities    `json:"capabilities"`
	Account             *model.AccountHandle  `json:"account,omitempty"`
	ParentID            CallID                `json:"parent_id,omitempty"`
	ChildIDs            []CallID              `json:"child_ids,omitempty"`
	ConnectTime         time.Time             `json:"connect_time,omitzero"`
	DisconnectCause     model.DisconnectCause `json:"disconnect_cause,omitempty"`
	Extras              map[string]string     `json:"extras,omitempty"`
}

// snapshotCall projects c. Sequencer context only.
func snapshotCall(c *Call) CallSnapshot {
	snap := CallSnapshot{
		ID:                  c.id,
		State:               c.state,
		Direction:           c.direction,
		Address:             c.address,
		AddressPresentation: c.addressPresentation,
		DisplayName:         c.displayName,
		NamePresentation:    c.namePresentation,
		Capabilities:        c.caps,
		ConnectTime:         c.connectTime,
		DisconnectCause:     c.cause,
	}
	if c.addressPresentation == model.PresentationRestricted {
		snap.Address = ""
	}
	if c.namePresentation == model.PresentationRestricted {
		snap.DisplayName = ""
	}
	if c.targetAccount != nil {
		acct := *c.targetAccount
		snap.Account = &acct
	}
	if c.parent != nil {
		snap.ParentID = c.parent.id
	}
	for _, child := range c.children {
		snap.ChildIDs = append(snap.ChildIDs, child.id)
	}
	if len(c.extras) > 0 {
		snap.Extras = make(map[string]string, len(c.extras))
		for k, v := range c.extras {
			snap.Extras[k] = v
		}
	}
	return snap
}

// UIBridge renders call state to a human. It consumes snapshots only and is
// invoked synchronously on the orchestration context, so implementations
// should hand work off rather than block.
type UIBridge interface {
	OnCallAdded(snap CallSnapshot)
	OnCallUpdated(snap CallSnapshot)
	OnCallRemoved(id CallID)
	OnAudioStateChanged(old, new model.AudioState)
	OnPostDialWait(id CallID, remaining string)
}

// AttachUIBridge subscribes bridge to orchestrator events, translating live
// calls into snapshots. Removing a call refreshes every remaining call's
// snapshot because capability recomputation may have changed them.
func (o *Orchestrator) AttachUIBridge(bridge UIBridge) (cancel func()) {
	return o.Subscribe(func(ev Event) {
		switch ev.Kind {
		case EventCallAdded:
			bridge.OnCallAdded(snapshotCall(ev.Call))
		case EventCallStateChanged, EventIsConferencedChanged:
			bridge.OnCallUpdated(snapshotCall(ev.Call))
		case EventCallRemoved:
			bridge.OnCallRemoved(ev.Call.id)
			for _, c := range o.calls {
				bridge.OnCallUpdated(snapshotCall(c))
			}
		case EventAudioStateChanged:
			bridge.OnAudioStateChanged(ev.OldAudio, ev.NewAudio)
		case EventPostDialWait:
			bridge.OnPostDialWait(ev.Call.id, ev.Remaining)
		}
	},
		EventCallAdded, EventCallStateChanged, EventIsConferencedChanged,
		EventCallRemoved, EventAudioStateChanged, EventPostDialWait)
}
