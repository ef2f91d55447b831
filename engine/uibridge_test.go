package engine_test

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sprucehealth/telecore/account"
	"github.com/sprucehealth/telecore/clock"
	"github.com/sprucehealth/telecore/engine"
	"github.com/sprucehealth/telecore/model"
	"github.com/sprucehealth/telecore/provider"
)

type recordingBridge struct {
	mu       sync.Mutex
	added    []engine.CallSnapshot
	updated  []engine.CallSnapshot
	removed  []engine.CallID
	audio    []model.AudioState
	postDial []string
}

func (b *recordingBridge) OnCallAdded(snap engine.CallSnapshot) {
	b.mu.Lock()
	b.added = append(b.added, snap)
	b.mu.Unlock()
}

func (b *recordingBridge) OnCallUpdated(snap engine.CallSnapshot) {
	b.mu.Lock()
	b.updated = append(b.updated, snap)
	b.mu.Unlock()
}

func (b *recordingBridge) OnCallRemoved(id engine.CallID) {
	b.mu.Lock()
	b.removed = append(b.removed, id)
	b.mu.Unlock()
}

func (b *recordingBridge) OnAudioStateChanged(_, new model.AudioState) {
	b.mu.Lock()
	b.audio = append(b.audio, new)
	b.mu.Unlock()
}

func (b *recordingBridge) OnPostDialWait(id engine.CallID, remaining string) {
	b.mu.Lock()
	b.postDial = append(b.postDial, remaining)
	b.mu.Unlock()
}

func TestPostDialWaitReachesBridge(t *testing.T) {
	f := newFixture(t, "sim")
	bridge := &recordingBridge{}
	cancel := f.orch.AttachUIBridge(bridge)
	defer cancel()

	// The tail after ';' is sent only once the user confirms.
	c := f.dialOut("sim", "tel:+15550100;123")

	bridge.mu.Lock()
	postDial := append([]string{}, bridge.postDial...)
	bridge.mu.Unlock()
	if len(postDial) != 1 || postDial[0] != "123" {
		t.Fatalf("post-dial reports = %v, want [123]", postDial)
	}

	// Confirming plays the digits through the backend.
	for _, digit := range "123" {
		if err := f.orch.PlayDTMF(c, digit); err != nil {
			t.Fatalf("dtmf failed: %v", err)
		}
	}
	f.settle()
}

func TestUIBridgeSeesLifecycle(t *testing.T) {
	f := newFixture(t, "sim")
	bridge := &recordingBridge{}
	cancel := f.orch.AttachUIBridge(bridge)
	defer cancel()

	c := f.dialOut("sim", "tel:+15550100")
	if err := f.orch.Disconnect(c); err != nil {
		t.Fatalf("disconnect failed: %v", err)
	}
	f.settle()

	bridge.mu.Lock()
	defer bridge.mu.Unlock()
	if len(bridge.added) != 1 {
		t.Fatalf("added snapshots = %d, want 1", len(bridge.added))
	}
	if bridge.added[0].State != model.StateConnecting {
		t.Errorf("first snapshot state = %s, want %s", bridge.added[0].State, model.StateConnecting)
	}
	if bridge.added[0].Address != "tel:+15550100" {
		t.Errorf("snapshot address = %s", bridge.added[0].Address)
	}
	if len(bridge.removed) != 1 || bridge.removed[0] != c.ID() {
		t.Fatalf("removed = %v, want [%d]", bridge.removed, c.ID())
	}

	var sawActive bool
	for _, snap := range bridge.updated {
		if snap.ID == c.ID() && snap.State == model.StateActive {
			sawActive = true
		}
	}
	if !sawActive {
		t.Error("bridge never saw the active state")
	}
	if len(bridge.audio) == 0 {
		t.Error("bridge saw no audio state changes")
	}
}

func TestUIBridgeDetachesOnCancel(t *testing.T) {
	f := newFixture(t, "sim")
	bridge := &recordingBridge{}
	cancel := f.orch.AttachUIBridge(bridge)
	cancel()

	f.dialOut("sim", "tel:+15550100")

	bridge.mu.Lock()
	defer bridge.mu.Unlock()
	if len(bridge.added) != 0 {
		t.Fatal("detached bridge still received events")
	}
}

type recordingToneSink struct {
	mu        sync.Mutex
	ringing   map[engine.CallID]bool
	ringbacks map[engine.CallID]bool
}

func newRecordingToneSink() *recordingToneSink {
	return &recordingToneSink{
		ringing:   make(map[engine.CallID]bool),
		ringbacks: make(map[engine.CallID]bool),
	}
}

func (s *recordingToneSink) StartRinging(id engine.CallID) {
	s.mu.Lock()
	s.ringing[id] = true
	s.mu.Unlock()
}

func (s *recordingToneSink) StopRinging(id engine.CallID) {
	s.mu.Lock()
	s.ringing[id] = false
	s.mu.Unlock()
}

func (s *recordingToneSink) StartRingback(id engine.CallID) {
	s.mu.Lock()
	s.ringbacks[id] = true
	s.mu.Unlock()
}

func (s *recordingToneSink) StopRingback(id engine.CallID) {
	s.mu.Lock()
	s.ringbacks[id] = false
	s.mu.Unlock()
}

func (s *recordingToneSink) isRinging(id engine.CallID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ringing[id]
}

func (s *recordingToneSink) isRingingBack(id engine.CallID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ringbacks[id]
}

func TestTonesFollowCallStates(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	clk := clock.NewManual(time.Time{})
	reg := account.NewRegistrar(&memStore{}, trustAll{}, log)
	sim := provider.NewSimulated(clk, testRingFor, log)
	if err := reg.Register(model.Account{
		Handle:           model.AccountHandle{Component: "sim", ID: "line"},
		Label:            "sim",
		SupportedSchemes: []string{model.SchemeTel},
		Capabilities:     model.AccountCallProvider,
	}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	sink := newRecordingToneSink()
	orch := engine.New(reg, sim.Connector(), log,
		engine.WithClock(clk),
		engine.WithToneSink(sink))
	defer orch.Close()

	flush := func() {
		for i := 0; i < 4; i++ {
			if err := orch.Flush(); err != nil {
				t.Fatalf("flush failed: %v", err)
			}
		}
	}

	// Outgoing: the backend asks for ringback while dialing, and it stops on
	// answer.
	out, err := orch.StartOutgoingCall("tel:+15550100", nil, nil, nil)
	if err != nil || out == nil {
		t.Fatalf("outgoing call failed: %v", err)
	}
	flush()
	if !sink.isRingingBack(out.ID()) {
		t.Error("no ringback while dialing")
	}
	session, _ := sim.SessionForAddress("tel:+15550100")
	sim.RemoteAnswer(session)
	flush()
	if sink.isRingingBack(out.ID()) {
		t.Error("ringback still playing after answer")
	}

	_ = orch.Disconnect(out)
	flush()

	// Incoming: ringtone while ringing, silent after answer.
	inSession := sim.NewIncomingSession("tel:+15551234")
	if err := orch.ProcessIncomingCall(model.AccountHandle{Component: "sim", ID: "line"}, inSession, "tel:+15551234", nil); err != nil {
		t.Fatalf("incoming failed: %v", err)
	}
	flush()
	calls, err := orch.Calls()
	if err != nil || len(calls) != 1 {
		t.Fatalf("calls = %v, %v", calls, err)
	}
	in := calls[0]
	if !sink.isRinging(in.ID()) {
		t.Error("no ringtone while ringing")
	}
	if err := orch.Answer(in, model.RouteEarpiece); err != nil {
		t.Fatalf("answer failed: %v", err)
	}
	flush()
	if sink.isRinging(in.ID()) {
		t.Error("ringtone still playing after answer")
	}
}
