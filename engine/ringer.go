package engine

import (
	"github.com/sirupsen/logrus"

	"github.com/sprucehealth/telecore/model"
)

// ToneSink plays the ringtone and ringback tone. Actual playback hardware is
// out of scope; the default sink just logs.
type ToneSink interface {
	StartRinging(id CallID)
	StopRinging(id CallID)
	StartRingback(id CallID)
	StopRingback(id CallID)
}

type logToneSink struct {
	log logrus.FieldLogger
}

func (s logToneSink) StartRinging(id CallID)  { s.log.WithField("call", id).Debug("ringtone start") }
func (s logToneSink) StopRinging(id CallID)   { s.log.WithField("call", id).Debug("ringtone stop") }
func (s logToneSink) StartRingback(id CallID) { s.log.WithField("call", id).Debug("ringback start") }
func (s logToneSink) StopRingback(id CallID)  { s.log.WithField("call", id).Debug("ringback stop") }

// ringer starts the ringtone when a call rings and ringback when a dialing
// backend asks for it, and stops either as soon as the call leaves the
// corresponding state or disappears.
type ringer struct {
	sink     ToneSink
	ringing  map[CallID]bool
	ringback map[CallID]bool
}

func newRinger(o *Orchestrator, sink ToneSink) *ringer {
	r := &ringer{
		sink:     sink,
		ringing:  make(map[CallID]bool),
		ringback: make(map[CallID]bool),
	}
	o.events.add(r.handle,
		EventCallAdded, EventCallRemoved, EventCallStateChanged, EventRingbackRequested)
	return r
}

func (r *ringer) handle(ev Event) {
	c := ev.Call
	switch ev.Kind {
	case EventCallAdded, EventCallStateChanged:
		r.setRinging(c.id, c.state == model.StateRinging)
	case EventCallRemoved:
		r.setRinging(c.id, false)
		r.setRingback(c.id, false)
	case EventRingbackRequested:
		r.setRingback(c.id, ev.Ringback)
	}
}

func (r *ringer) setRinging(id CallID, on bool) {
	if on == r.ringing[id] {
		return
	}
	if on {
		r.ringing[id] = true
		r.sink.StartRinging(id)
	} else {
		delete(r.ringing, id)
		r.sink.StopRinging(id)
	}
}

func (r *ringer) setRingback(id CallID, on bool) {
	if on == r.ringback[id] {
		return
	}
	if on {
		r.ringback[id] = true
		r.sink.StartRingback(id)
	} else {
		delete(r.ringback, id)
		r.sink.StopRingback(id)
	}
}
