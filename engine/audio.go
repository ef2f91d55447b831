package engine

import (
	"github.com/sprucehealth/telecore/model"
)

// audioManager derives the audio focus state from call activity: a ringing
// call demands the ring mode unless something is already active, and any
// alive foreground call claims in-call focus. It runs as an internal
// listener on the orchestration context and republishes changes as
// EventAudioStateChanged.
type audioManager struct {
	o     *Orchestrator
	state model.AudioState
}

func newAudioManager(o *Orchestrator) *audioManager {
	am := &audioManager{
		o:     o,
		state: model.AudioState{Mode: model.AudioModeIdle, Route: model.RouteEarpiece},
	}
	o.events.add(am.handle,
		EventCallAdded, EventCallRemoved, EventCallStateChanged, EventForegroundChanged)
	return am
}

func (am *audioManager) handle(Event) {
	am.apply(am.computeMode(), am.state.Route, am.state.Muted)
}

func (am *audioManager) computeMode() model.AudioMode {
	anyActive := false
	anyRinging := false
	for _, c := range am.o.calls {
		switch c.state {
		case model.StateActive:
			anyActive = true
		case model.StateRinging:
			anyRinging = true
		}
	}
	switch {
	case anyRinging && !anyActive:
		return model.AudioModeRinging
	case am.o.foreground != nil && am.o.foreground.state.IsAlive():
		return model.AudioModeInCall
	default:
		return model.AudioModeIdle
	}
}

func (am *audioManager) apply(mode model.AudioMode, route model.AudioRoute, muted bool) {
	next := model.AudioState{Mode: mode, Route: route, Muted: muted}
	if next == am.state {
		return
	}
	old := am.state
	am.state = next
	am.o.events.emit(Event{Kind: EventAudioStateChanged, OldAudio: old, NewAudio: next})
}

// AudioState returns the current audio focus snapshot
func (o *Orchestrator) AudioState() (model.AudioState, error) {
	var state model.AudioState
	err := o.seq.postWait(func() { state = o.audio.state })
	return state, err
}

// SetMuted toggles the microphone mute flag
func (o *Orchestrator) SetMuted(muted bool) error {
	return o.seq.postWait(func() {
		o.audio.apply(o.audio.state.Mode, o.audio.state.Route, muted)
	})
}

// SetAudioRoute selects the active audio device class
func (o *Orchestrator) SetAudioRoute(route model.AudioRoute) error {
	return o.seq.postWait(func() {
		o.audio.apply(o.audio.state.Mode, route, o.audio.state.Muted)
	})
}
