package cmdmsg

import "testing"

func TestParamsPointersDistinguishAbsentFromZero(t *testing.T) {
	zero := 0
	p := Params{DurationMs: &zero}

	if p.DurationMs == nil || *p.DurationMs != 0 {
		t.Fatal("expected DurationMs to be present and zero")
	}
	if p.BrightnessPercent != nil {
		t.Fatal("expected BrightnessPercent to be absent")
	}
}
