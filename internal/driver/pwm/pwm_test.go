package pwm

import (
	"testing"
	"time"

	"github.com/fernwood-iot/meshnode/internal/driver/gpio/simpin"
)

func TestSetDutyAppliesAndCaches(t *testing.T) {
	res := simpin.NewResolver()
	d, err := Init(res, []int{12}, 0, 5000)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	if err := d.SetDuty(0, DutyMax/2); err != nil {
		t.Fatalf("SetDuty: %v", err)
	}
	if d.GetDuty(0) != DutyMax/2 {
		t.Errorf("expected cached duty %d, got %d", DutyMax/2, d.GetDuty(0))
	}

	duty, _ := res.Pin(12).LastDuty()
	if duty == 0 {
		t.Error("expected non-zero duty applied to pin")
	}
}

func TestInvertedMaskAppliesMaxMinusDuty(t *testing.T) {
	res := simpin.NewResolver()
	d, err := Init(res, []int{12}, 1, 5000)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	if err := d.SetDuty(0, 0); err != nil {
		t.Fatalf("SetDuty: %v", err)
	}
	duty, _ := res.Pin(12).LastDuty()
	if duty == 0 {
		t.Error("expected inverted channel at duty=0 to apply max duty to hardware")
	}
}

func TestStopWritesZeroWithoutForgettingCache(t *testing.T) {
	res := simpin.NewResolver()
	d, err := Init(res, []int{12}, 0, 5000)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	if err := d.SetDuty(0, DutyMax); err != nil {
		t.Fatalf("SetDuty: %v", err)
	}
	if err := d.Stop(0); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	duty, _ := res.Pin(12).LastDuty()
	if duty != 0 {
		t.Error("expected hardware duty zero after Stop")
	}
	if d.GetDuty(0) != DutyMax {
		t.Error("expected cached duty to survive Stop")
	}
}

func TestStartReappliesCachedDuty(t *testing.T) {
	res := simpin.NewResolver()
	d, err := Init(res, []int{12}, 0, 5000)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := d.SetDuty(0, DutyMax); err != nil {
		t.Fatalf("SetDuty: %v", err)
	}
	if err := d.Stop(0); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := d.Start(0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	duty, _ := res.Pin(12).LastDuty()
	if duty == 0 {
		t.Error("expected Start to re-apply cached nonzero duty")
	}
}

func TestFadeToReachesTargetDuty(t *testing.T) {
	res := simpin.NewResolver()
	d, err := Init(res, []int{12}, 0, 5000)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	if err := d.FadeTo(0, DutyMax, 60); err != nil {
		t.Fatalf("FadeTo: %v", err)
	}

	time.Sleep(300 * time.Millisecond)
	if d.GetDuty(0) != DutyMax {
		t.Errorf("expected fade to reach %d, got %d", DutyMax, d.GetDuty(0))
	}
}

func TestFadeToCancelledBySubsequentSetDuty(t *testing.T) {
	res := simpin.NewResolver()
	d, err := Init(res, []int{12}, 0, 5000)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	if err := d.FadeTo(0, DutyMax, 2000); err != nil {
		t.Fatalf("FadeTo: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if err := d.SetDuty(0, 100); err != nil {
		t.Fatalf("SetDuty: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	if d.GetDuty(0) != 100 {
		t.Errorf("expected SetDuty to win over in-progress fade, got %d", d.GetDuty(0))
	}
}
