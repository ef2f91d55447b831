package engine_test

import (
	"testing"

	"github.com/sprucehealth/telecore/model"
)

func TestAnswerHoldsActiveCallFirst(t *testing.T) {
	f := newFixture(t, "sim")

	out := f.dialOut("sim", "tel:+15550100")
	in := f.ringIn("sim", "tel:+15551234")

	if err := f.orch.Answer(in, model.RouteEarpiece); err != nil {
		t.Fatalf("answer failed: %v", err)
	}
	f.settle()

	// The active call was held to completion before the new one went live.
	f.wantState(out, model.StateOnHold)
	f.wantState(in, model.StateActive)
	if got := f.foreground(); got != in {
		t.Fatalf("foreground = %v, want the answered call", got)
	}
}

func TestAnswerDisconnectsUnholdableCrossProviderCall(t *testing.T) {
	f := newFixture(t, "cell", "voip")
	f.sim("cell").SetHoldSupported(false)

	out := f.dialOut("cell", "tel:+15550100")
	if out.Capabilities().Has(model.CapabilitySupportHold) {
		t.Fatal("call on hold-incapable backend reports hold support")
	}

	in := f.ringIn("voip", "tel:+15551234")
	if err := f.orch.Answer(in, model.RouteEarpiece); err != nil {
		t.Fatalf("answer failed: %v", err)
	}
	f.settle()

	// The unholdable call on the other backend had to go; the answer then
	// proceeded.
	f.wantState(out, model.StateDisconnected)
	f.wantCallCount(1)
	f.wantState(in, model.StateActive)
}

func TestAnswerSameProviderUnholdableProceeds(t *testing.T) {
	f := newFixture(t, "sim")
	f.sim("sim").SetHoldSupported(false)

	out := f.dialOut("sim", "tel:+15550100")
	in := f.ringIn("sim", "tel:+15551234")

	if err := f.orch.Answer(in, model.RouteEarpiece); err != nil {
		t.Fatalf("answer failed: %v", err)
	}
	f.settle()

	// Same backend: it reconciles its own legs, so nothing is torn down.
	f.wantCallCount(2)
	f.wantState(in, model.StateActive)
	f.wantState(out, model.StateActive)
}

func TestHoldAndUnhold(t *testing.T) {
	f := newFixture(t, "sim")

	c := f.dialOut("sim", "tel:+15550100")
	if !c.Capabilities().Has(model.CapabilityHold) {
		t.Fatal("active call missing hold capability")
	}

	if err := f.orch.Hold(c); err != nil {
		t.Fatalf("hold failed: %v", err)
	}
	f.settle()
	f.wantState(c, model.StateOnHold)
	if c.Capabilities().Has(model.CapabilityHold) {
		t.Error("held call still offers hold")
	}

	if err := f.orch.Unhold(c); err != nil {
		t.Fatalf("unhold failed: %v", err)
	}
	f.settle()
	f.wantState(c, model.StateActive)
}

func TestHoldIgnoredWhenUnsupported(t *testing.T) {
	f := newFixture(t, "sim")
	f.sim("sim").SetHoldSupported(false)

	c := f.dialOut("sim", "tel:+15550100")
	if err := f.orch.Hold(c); err != nil {
		t.Fatalf("hold errored: %v", err)
	}
	f.settle()

	// No capability, no state change.
	f.wantState(c, model.StateActive)
}
