package provider_test

import (
	"sync"
	"testing"
	"time"

	"github.com/sprucehealth/telecore/clock"
	"github.com/sprucehealth/telecore/model"
	"github.com/sprucehealth/telecore/provider"
)

type recordedEvent struct {
	name    string
	session string
	state   model.CallState
	cause   model.DisconnectCause
	flag    bool
}

type recordingEvents struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *recordingEvents) record(ev recordedEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingEvents) OnConnectionCreated(session string) {
	r.record(recordedEvent{name: "created", session: session})
}

func (r *recordingEvents) OnConnectionFailed(session string, cause model.DisconnectCause) {
	r.record(recordedEvent{name: "failed", session: session, cause: cause})
}

func (r *recordingEvents) OnStateChanged(session string, state model.CallState) {
	r.record(recordedEvent{name: "state", session: session, state: state})
}

func (r *recordingEvents) OnDisconnected(session string, cause model.DisconnectCause) {
	r.record(recordedEvent{name: "disconnected", session: session, cause: cause})
}

func (r *recordingEvents) OnRingbackRequested(session string, ringback bool) {
	r.record(recordedEvent{name: "ringback", session: session, flag: ringback})
}

func (r *recordingEvents) OnPostDialWait(session string, remaining string) {
	r.record(recordedEvent{name: "post_dial_wait", session: session})
}

func (r *recordingEvents) OnCapabilitiesChanged(session string, supportsHold bool) {
	r.record(recordedEvent{name: "capabilities", session: session, flag: supportsHold})
}

func (r *recordingEvents) find(name string) (recordedEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.name == name {
			return ev, true
		}
	}
	return recordedEvent{}, false
}

func newSimFixture(t *testing.T, ringFor time.Duration) (*provider.Simulated, *clock.Manual, *recordingEvents, provider.ConnectionService) {
	t.Helper()
	clk := clock.NewManual(time.Time{})
	sim := provider.NewSimulated(clk, ringFor, testLog())
	events := &recordingEvents{}
	svc, err := sim.Connector().Connect(provider.Identity{Component: "sim"}, events)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	return sim, clk, events, svc
}

func TestSimulatedOutgoingReportsDialingAndRingback(t *testing.T) {
	_, _, events, svc := newSimFixture(t, 30*time.Second)

	err := svc.CreateConnection(provider.ConnectionRequest{
		SessionID: "s1",
		Address:   "tel:+15550100",
		Direction: model.DirectionOutgoing,
	})
	if err != nil {
		t.Fatalf("create connection failed: %v", err)
	}

	if _, ok := events.find("created"); !ok {
		t.Error("no created report")
	}
	if ev, ok := events.find("state"); !ok || ev.state != model.StateDialing {
		t.Errorf("state report = %v", ev)
	}
	if ev, ok := events.find("ringback"); !ok || !ev.flag {
		t.Error("no ringback request")
	}
}

func TestSimulatedRingTimeout(t *testing.T) {
	_, clk, events, svc := newSimFixture(t, 30*time.Second)

	if err := svc.CreateConnection(provider.ConnectionRequest{
		SessionID: "s1",
		Address:   "tel:+15550100",
		Direction: model.DirectionOutgoing,
	}); err != nil {
		t.Fatalf("create connection failed: %v", err)
	}

	clk.Advance(29 * time.Second)
	if _, ok := events.find("disconnected"); ok {
		t.Fatal("timed out early")
	}
	clk.Advance(time.Second)
	ev, ok := events.find("disconnected")
	if !ok {
		t.Fatal("no timeout report")
	}
	if ev.cause != model.CauseMissed {
		t.Errorf("timeout cause = %s, want %s", ev.cause, model.CauseMissed)
	}
}

func TestSimulatedAnswerCancelsRingTimer(t *testing.T) {
	sim, clk, events, svc := newSimFixture(t, 30*time.Second)

	if err := svc.CreateConnection(provider.ConnectionRequest{
		SessionID: "s1",
		Address:   "tel:+15550100",
		Direction: model.DirectionOutgoing,
	}); err != nil {
		t.Fatalf("create connection failed: %v", err)
	}
	sim.RemoteAnswer("s1")
	clk.Advance(time.Minute)

	if _, ok := events.find("disconnected"); ok {
		t.Fatal("answered call still timed out")
	}
}

func TestSimulatedIncomingNeedsSession(t *testing.T) {
	sim, _, events, svc := newSimFixture(t, 0)

	if err := svc.CreateConnection(provider.ConnectionRequest{
		SessionID: "bogus",
		Direction: model.DirectionIncoming,
	}); err == nil {
		t.Fatal("confirmed a session that was never announced")
	}
	if _, ok := events.find("failed"); !ok {
		t.Error("no failure report for unknown incoming session")
	}

	session := sim.NewIncomingSession("tel:+15551234")
	if err := svc.CreateConnection(provider.ConnectionRequest{
		SessionID: session,
		Direction: model.DirectionIncoming,
	}); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
}

func TestSimulatedReportsNoHoldSupport(t *testing.T) {
	sim, _, events, svc := newSimFixture(t, 0)
	sim.SetHoldSupported(false)

	if err := svc.CreateConnection(provider.ConnectionRequest{
		SessionID: "s1",
		Address:   "tel:+15550100",
		Direction: model.DirectionOutgoing,
	}); err != nil {
		t.Fatalf("create connection failed: %v", err)
	}

	ev, ok := events.find("capabilities")
	if !ok {
		t.Fatal("no capability report")
	}
	if ev.flag {
		t.Error("hold still reported as supported")
	}
}
