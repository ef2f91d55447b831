package provider

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/sprucehealth/telecore/clock"
	"github.com/sprucehealth/telecore/model"
)

// Simulated is an in-process connection service used by tests and the demo.
// Each session walks the same lifecycle a real radio backend would report:
// created, then dialing with optional ringback, then answered, busy, failed
// or timed out, driven either by the remote-control methods or by the ring
// timer.
type Simulated struct {
	mu       sync.Mutex
	events   ConnectionEvents
	clk      clock.Clock
	log      logrus.FieldLogger
	ringFor  time.Duration
	noHold   bool
	sessions map[string]*simSession
}

type simSession struct {
	id        string
	direction model.Direction
	address   string
	state     model.CallState
	ringTimer clock.Timer
}

// NewSimulated creates a simulated backend. Sessions ring for ringFor before
// being reported as no-answer; zero disables the timeout.
func NewSimulated(clk clock.Clock, ringFor time.Duration, log logrus.FieldLogger) *Simulated {
	return &Simulated{
		clk:      clk,
		log:      log,
		ringFor:  ringFor,
		sessions: make(map[string]*simSession),
	}
}

// Connector returns a Connector that always binds to this instance.
// Disconnect is a no-op; the simulated backend has no transport to tear down.
func (s *Simulated) Connector() Connector {
	return simConnector{s}
}

type simConnector struct{ s *Simulated }

func (c simConnector) Connect(_ Identity, events ConnectionEvents) (ConnectionService, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.s.events = events
	return c.s, nil
}

func (c simConnector) Disconnect(Identity) {}

// SetHoldSupported controls whether legs created from now on report hold
// support. The default is supported.
func (s *Simulated) SetHoldSupported(supported bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noHold = !supported
}

// NewIncomingSession allocates a provider-side session for an incoming call.
// The caller is expected to hand the returned session id to the engine.
func (s *Simulated) NewIncomingSession(address string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.sessions[id] = &simSession{
		id:        id,
		direction: model.DirectionIncoming,
		address:   address,
		state:     model.StateRinging,
	}
	return id
}

// CreateConnection starts a new leg. Outgoing sessions report created then
// dialing; incoming sessions must already exist via NewIncomingSession.
func (s *Simulated) CreateConnection(req ConnectionRequest) error {
	s.mu.Lock()
	events := s.events
	noHold := s.noHold
	sess, exists := s.sessions[req.SessionID]

	if req.Direction == model.DirectionIncoming {
		s.mu.Unlock()
		if !exists {
			events.OnConnectionFailed(req.SessionID, model.CauseError)
			return errors.Errorf("unknown incoming session %s", req.SessionID)
		}
		events.OnConnectionCreated(req.SessionID)
		if noHold {
			events.OnCapabilitiesChanged(req.SessionID, false)
		}
		return nil
	}

	if exists {
		s.mu.Unlock()
		return errors.Errorf("session %s already exists", req.SessionID)
	}
	sess = &simSession{
		id:        req.SessionID,
		direction: req.Direction,
		address:   req.Address,
		state:     model.StateDialing,
	}
	s.sessions[req.SessionID] = sess
	if s.ringFor > 0 {
		sess.ringTimer = s.clk.AfterFunc(s.ringFor, func() { s.timeout(req.SessionID) })
	}
	s.mu.Unlock()

	events.OnConnectionCreated(req.SessionID)
	if noHold {
		events.OnCapabilitiesChanged(req.SessionID, false)
	}
	events.OnStateChanged(req.SessionID, model.StateDialing)
	events.OnRingbackRequested(req.SessionID, true)
	return nil
}

func (s *Simulated) Abort(session string) error {
	return s.end(session, model.CauseCanceled, false)
}

func (s *Simulated) Answer(session string) error {
	s.mu.Lock()
	sess, ok := s.sessions[session]
	if !ok {
		s.mu.Unlock()
		return errors.Errorf("unknown session %s", session)
	}
	sess.state = model.StateActive
	events := s.events
	s.mu.Unlock()

	events.OnStateChanged(session, model.StateActive)
	return nil
}

func (s *Simulated) Reject(session string, _ bool, _ string) error {
	return s.end(session, model.CauseRejected, true)
}

func (s *Simulated) Hold(session string) error {
	return s.report(session, model.StateOnHold)
}

func (s *Simulated) Unhold(session string) error {
	return s.report(session, model.StateActive)
}

func (s *Simulated) Disconnect(session string) error {
	return s.end(session, model.CauseLocal, true)
}

func (s *Simulated) PlayDTMF(session string, digit rune) error {
	s.mu.Lock()
	_, ok := s.sessions[session]
	s.mu.Unlock()
	if !ok {
		return errors.Errorf("unknown session %s", session)
	}
	s.log.WithFields(logrus.Fields{"session": session, "digit": string(digit)}).Debug("dtmf played")
	return nil
}

// SessionForAddress finds the session dialing or connected to address.
// Useful for tests and demos driving the remote side without knowing the
// engine-assigned session id.
func (s *Simulated) SessionForAddress(address string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		if sess.address == address {
			return id, true
		}
	}
	return "", false
}

// RemoteAnswer simulates the far end picking up an outgoing call. A dial
// string carrying post-dial digits after ';' leaves the leg waiting for the
// user to confirm sending them.
func (s *Simulated) RemoteAnswer(session string) {
	s.mu.Lock()
	sess, ok := s.sessions[session]
	var postDial string
	if ok {
		sess.state = model.StateActive
		if sess.ringTimer != nil {
			sess.ringTimer.Stop()
		}
		if i := strings.IndexByte(sess.address, ';'); i >= 0 {
			postDial = sess.address[i+1:]
		}
	}
	events := s.events
	s.mu.Unlock()
	if !ok {
		return
	}
	events.OnRingbackRequested(session, false)
	events.OnStateChanged(session, model.StateActive)
	if postDial != "" {
		events.OnPostDialWait(session, postDial)
	}
}

// RemoteBusy simulates a busy far end
func (s *Simulated) RemoteBusy(session string) {
	_ = s.end(session, model.CauseBusy, true)
}

// RemoteHangup simulates the far end hanging up
func (s *Simulated) RemoteHangup(session string) {
	_ = s.end(session, model.CauseRemote, true)
}

func (s *Simulated) report(session string, state model.CallState) error {
	s.mu.Lock()
	sess, ok := s.sessions[session]
	if ok {
		sess.state = state
	}
	events := s.events
	s.mu.Unlock()
	if !ok {
		return errors.Errorf("unknown session %s", session)
	}
	events.OnStateChanged(session, state)
	return nil
}

func (s *Simulated) end(session string, cause model.DisconnectCause, notify bool) error {
	s.mu.Lock()
	sess, ok := s.sessions[session]
	if ok {
		if sess.ringTimer != nil {
			sess.ringTimer.Stop()
		}
		delete(s.sessions, session)
	}
	events := s.events
	s.mu.Unlock()
	if !ok {
		return errors.Errorf("unknown session %s", session)
	}
	if notify {
		events.OnDisconnected(session, cause)
	}
	return nil
}

func (s *Simulated) timeout(session string) {
	s.mu.Lock()
	sess, ok := s.sessions[session]
	if ok && sess.state == model.StateDialing {
		delete(s.sessions, session)
	} else {
		ok = false
	}
	events := s.events
	s.mu.Unlock()
	if ok {
		events.OnDisconnected(session, model.CauseMissed)
	}
}
