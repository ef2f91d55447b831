package engine_test

import (
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/sprucehealth/telecore/account"
	"github.com/sprucehealth/telecore/clock"
	"github.com/sprucehealth/telecore/engine"
	"github.com/sprucehealth/telecore/model"
	"github.com/sprucehealth/telecore/provider"
)

const testRingFor = 30 * time.Second

type memStore struct {
	data []byte
}

func (s *memStore) Read() ([]byte, error) { return s.data, nil }

func (s *memStore) Write(data []byte) error {
	s.data = append([]byte{}, data...)
	return nil
}

type trustAll struct{}

func (trustAll) CanRegisterAccounts(string) bool { return true }

type recordingCallLog struct {
	mu      sync.Mutex
	entries []engine.CallLogEntry
}

func (l *recordingCallLog) LogCall(e engine.CallLogEntry) {
	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.mu.Unlock()
}

func (l *recordingCallLog) all() []engine.CallLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]engine.CallLogEntry{}, l.entries...)
}

// multiConnector routes bindings to one simulated backend per component
type multiConnector struct {
	sims map[string]*provider.Simulated
}

func (m multiConnector) Connect(id provider.Identity, events provider.ConnectionEvents) (provider.ConnectionService, error) {
	sim, ok := m.sims[id.Component]
	if !ok {
		return nil, errors.Errorf("no backend for %s", id.Component)
	}
	return sim.Connector().Connect(id, events)
}

func (m multiConnector) Disconnect(provider.Identity) {}

// eventTap exposes the report sink the engine hands its connector, so a test
// can inject raw provider reports.
type eventTap struct {
	inner  provider.Connector
	events provider.ConnectionEvents
}

func (t *eventTap) Connect(id provider.Identity, events provider.ConnectionEvents) (provider.ConnectionService, error) {
	t.events = events
	return t.inner.Connect(id, events)
}

func (t *eventTap) Disconnect(id provider.Identity) { t.inner.Disconnect(id) }

// fixture wires a full engine with one simulated backend and one registered
// call-provider account per component name.
type fixture struct {
	t       *testing.T
	clk     *clock.Manual
	reg     *account.Registrar
	sims    map[string]*provider.Simulated
	callLog *recordingCallLog
	orch    *engine.Orchestrator
}

func newFixture(t *testing.T, components ...string) *fixture {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	f := &fixture{
		t:       t,
		clk:     clock.NewManual(time.Time{}),
		reg:     account.NewRegistrar(&memStore{}, trustAll{}, log),
		sims:    make(map[string]*provider.Simulated),
		callLog: &recordingCallLog{},
	}
	for _, comp := range components {
		f.sims[comp] = provider.NewSimulated(f.clk, testRingFor, log)
		if err := f.reg.Register(model.Account{
			Handle:           f.handle(comp),
			Label:            comp,
			SupportedSchemes: []string{model.SchemeTel, model.SchemeVoicemail},
			Capabilities:     model.AccountCallProvider,
		}); err != nil {
			t.Fatalf("register account for %s failed: %v", comp, err)
		}
	}

	f.orch = engine.New(f.reg, multiConnector{sims: f.sims}, log,
		engine.WithClock(f.clk),
		engine.WithCallLog(f.callLog))
	t.Cleanup(func() { _ = f.orch.Close() })
	return f
}

func (f *fixture) handle(component string) model.AccountHandle {
	return model.AccountHandle{Component: component, ID: "line"}
}

func (f *fixture) sim(component string) *provider.Simulated {
	sim, ok := f.sims[component]
	if !ok {
		f.t.Fatalf("no simulated backend for %s", component)
	}
	return sim
}

// settle drains queued work including follow-up work queued by event
// handlers, so several rounds are needed before the engine is quiescent.
func (f *fixture) settle() {
	f.t.Helper()
	for i := 0; i < 4; i++ {
		if err := f.orch.Flush(); err != nil {
			f.t.Fatalf("flush failed: %v", err)
		}
	}
}

func (f *fixture) startOutgoing(address string, acct *model.AccountHandle) *engine.Call {
	f.t.Helper()
	c, err := f.orch.StartOutgoingCall(address, acct, nil, nil)
	if err != nil {
		f.t.Fatalf("start outgoing call failed: %v", err)
	}
	if c == nil {
		f.t.Fatal("outgoing call unexpectedly refused")
	}
	f.settle()
	return c
}

// dialOut places an outgoing call and answers it remotely
func (f *fixture) dialOut(component, address string) *engine.Call {
	f.t.Helper()
	acct := f.handle(component)
	c := f.startOutgoing(address, &acct)
	f.remoteAnswer(component, address)
	return c
}

func (f *fixture) remoteAnswer(component, address string) {
	f.t.Helper()
	session, ok := f.sim(component).SessionForAddress(address)
	if !ok {
		f.t.Fatalf("no session for %s", address)
	}
	f.sim(component).RemoteAnswer(session)
	f.settle()
}

// ringIn starts an incoming call and returns the tracked Call
func (f *fixture) ringIn(component, address string) *engine.Call {
	f.t.Helper()
	session := f.sim(component).NewIncomingSession(address)
	if err := f.orch.ProcessIncomingCall(f.handle(component), session, address, nil); err != nil {
		f.t.Fatalf("incoming call failed: %v", err)
	}
	f.settle()
	c := f.callInState(model.StateRinging)
	if c == nil {
		f.t.Fatalf("incoming call from %s is not ringing", address)
	}
	return c
}

func (f *fixture) calls() []*engine.Call {
	f.t.Helper()
	calls, err := f.orch.Calls()
	if err != nil {
		f.t.Fatalf("listing calls failed: %v", err)
	}
	return calls
}

func (f *fixture) callInState(state model.CallState) *engine.Call {
	f.t.Helper()
	for _, c := range f.calls() {
		if c.State() == state {
			return c
		}
	}
	return nil
}

func (f *fixture) foreground() *engine.Call {
	f.t.Helper()
	c, err := f.orch.ForegroundCall()
	if err != nil {
		f.t.Fatalf("foreground lookup failed: %v", err)
	}
	return c
}

func (f *fixture) wantState(c *engine.Call, state model.CallState) {
	f.t.Helper()
	if c.State() != state {
		f.t.Fatalf("call %d state = %s, want %s", c.ID(), c.State(), state)
	}
}

func (f *fixture) wantCallCount(n int) {
	f.t.Helper()
	if got := len(f.calls()); got != n {
		f.t.Fatalf("tracked calls = %d, want %d", got, n)
	}
}
