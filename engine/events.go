package engine

import (
	"sync"

	"github.com/sprucehealth/telecore/model"
)

// EventKind tags the variant carried by an Event
type EventKind string

const (
	EventCallAdded            EventKind = "call_added"
	EventCallRemoved          EventKind = "call_removed"
	EventCallStateChanged     EventKind = "call_state_changed"
	EventForegroundChanged    EventKind = "foreground_changed"
	EventAudioStateChanged    EventKind = "audio_state_changed"
	EventRingbackRequested    EventKind = "ringback_requested"
	EventIsConferencedChanged EventKind = "is_conferenced_changed"
	EventPostDialWait         EventKind = "post_dial_wait"
)

// Event is a tagged variant describing one orchestrator mutation. Only the
// fields relevant to Kind are populated. Events are delivered synchronously
// on the orchestration context before the triggering call returns, so
// handlers must not call the orchestrator's blocking entry points.
type Event struct {
	Kind EventKind

	// Call is the subject for call-scoped kinds.
	Call *Call

	// For EventCallStateChanged.
	OldState model.CallState
	NewState model.CallState

	// For EventForegroundChanged. Either side may be nil.
	OldForeground *Call
	NewForeground *Call

	// For EventAudioStateChanged.
	OldAudio model.AudioState
	NewAudio model.AudioState

	// For EventRingbackRequested.
	Ringback bool

	// For EventPostDialWait.
	Remaining string
}

// subscriptions is the listener fan-out registry. Registration and removal
// are safe from any goroutine at any time and never replay missed events.
type subscriptions struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*subscription
}

type subscription struct {
	kinds map[EventKind]bool // empty means all kinds
	fn    func(Event)
}

func newSubscriptions() *subscriptions {
	return &subscriptions{subs: make(map[int]*subscription)}
}

func (s *subscriptions) add(fn func(Event), kinds ...EventKind) (cancel func()) {
	sub := &subscription{fn: fn, kinds: make(map[EventKind]bool, len(kinds))}
	for _, k := range kinds {
		sub.kinds[k] = true
	}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = sub
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// emit delivers ev to every matching subscriber. The subscriber list is
// snapshotted first so handlers may subscribe or cancel during delivery.
func (s *subscriptions) emit(ev Event) {
	s.mu.Lock()
	fns := make([]func(Event), 0, len(s.subs))
	for _, sub := range s.subs {
		if len(sub.kinds) == 0 || sub.kinds[ev.Kind] {
			fns = append(fns, sub.fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
