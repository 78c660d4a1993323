package nodecfg

import "testing"

func TestPatchAppliesOnlyPresentKeys(t *testing.T) {
	base := validCfg()

	raw := []byte(`{"device":{"name":"N2"}}`)
	p, err := ParsePatch(raw)
	if err != nil {
		t.Fatalf("ParsePatch: %v", err)
	}

	out := p.Apply(base)
	if out.DeviceName != "N2" {
		t.Errorf("expected device name to update, got %q", out.DeviceName)
	}
	if out.PWM.FreqHz != base.PWM.FreqHz {
		t.Errorf("expected pwm block to be untouched, got %+v", out.PWM)
	}
}

func TestPatchReplacesWholeBlockWhenPresent(t *testing.T) {
	base := validCfg()

	raw := []byte(`{"relays":{"count":0,"gpio":[],"active_low_mask":0,"open_drain_mask":0,"autoff_sec":[]}}`)
	p, err := ParsePatch(raw)
	if err != nil {
		t.Fatalf("ParsePatch: %v", err)
	}

	out := p.Apply(base)
	if out.Relays.Count != 0 || len(out.Relays.Pins) != 0 {
		t.Errorf("expected relays block cleared, got %+v", out.Relays)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	base := validCfg()
	clone := base.Clone()
	clone.Relays.Pins[0] = 99

	if base.Relays.Pins[0] == 99 {
		t.Error("expected Clone to deep-copy pin slices")
	}
}
