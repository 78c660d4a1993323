package parser

import (
	"reflect"
	"testing"

	"github.com/davecgh/go-spew/spew"

	"github.com/fernwood-iot/meshnode/internal/cmdmsg"
)

func mustParse(t *testing.T, doc string) Result {
	t.Helper()
	res, err := Parse([]byte(doc), Meta{Source: cmdmsg.SourceMQTT, RxTimestampMs: 1000})
	if err != nil {
		t.Fatalf("Parse(%s): %v", doc, err)
	}
	return res
}

func TestRelayOnWithMinutesAutoOff(t *testing.T) {
	res := mustParse(t, `{"target_dev":"N1","io_kind":"RELAY","io_id":0,"action":"ON","minutes":1}`)

	if res.Message.IOKind != cmdmsg.IOKindRelay {
		t.Errorf("expected RELAY, got %s", res.Message.IOKind)
	}
	if res.Message.Action != cmdmsg.ActionOn {
		t.Errorf("expected ON, got %s", res.Message.Action)
	}
	if res.Message.Params.DurationMs == nil || *res.Message.Params.DurationMs != 60000 {
		t.Fatalf("expected duration_ms=60000, got %+v", res.Message.Params.DurationMs)
	}
}

func TestRemotePWMSetWithPercentBrightness(t *testing.T) {
	res := mustParse(t, `{"target_dev":"N2","io":"pwm","channel":0,"action":"SET","brightness":"25%","ramp":300}`)

	if res.Message.IOID != 0 {
		t.Errorf("expected io_id 0, got %d", res.Message.IOID)
	}
	if res.Message.Params.BrightnessPercent == nil || *res.Message.Params.BrightnessPercent != 25 {
		t.Fatalf("expected brightness_percent=25, got %+v", res.Message.Params.BrightnessPercent)
	}
	if res.Message.Params.RampMs == nil || *res.Message.Params.RampMs != 300 {
		t.Fatalf("expected ramp_ms=300, got %+v", res.Message.Params.RampMs)
	}
}

func TestDurationAliasConflictReportsParamsDurationPath(t *testing.T) {
	_, err := Parse([]byte(`{"target_dev":"N1","action":"ON","duration_ms":1000,"duration_s":5}`), Meta{})
	if err == nil {
		t.Fatal("expected conflict error")
	}
	if err.Code != CodeConflict || err.Path != "params.duration" {
		t.Errorf("expected CONFLICT at params.duration, got %+v", err)
	}
}

func TestDurationAliasAgreementIsAccepted(t *testing.T) {
	res := mustParse(t, `{"target_dev":"N1","action":"ON","duration_ms":5000,"duration_s":5}`)
	if *res.Message.Params.DurationMs != 5000 {
		t.Errorf("expected 5000, got %d", *res.Message.Params.DurationMs)
	}
}

func TestDutyLinearlyMapsToBrightnessPercent(t *testing.T) {
	res := mustParse(t, `{"target_dev":"N2","action":"SET","duty":128}`)
	if res.Message.Params.BrightnessPercent == nil || *res.Message.Params.BrightnessPercent != 50 {
		t.Fatalf("expected ~50%%, got %+v", res.Message.Params.BrightnessPercent)
	}
}

func TestIOKindInferredFromReportValuePresence(t *testing.T) {
	res := mustParse(t, `{"target_dev":"N1","action":"REPORT","value":true}`)
	if res.Message.IOKind != cmdmsg.IOKindInput {
		t.Errorf("expected inferred INPUT, got %s", res.Message.IOKind)
	}
}

func TestIOKindInferredFromBrightnessPresence(t *testing.T) {
	res := mustParse(t, `{"target_dev":"N2","action":"SET","brightness":50}`)
	if res.Message.IOKind != cmdmsg.IOKindPWM {
		t.Errorf("expected inferred PWM, got %s", res.Message.IOKind)
	}
}

func TestIOKindDefaultsToRelay(t *testing.T) {
	res := mustParse(t, `{"target_dev":"N1","action":"ON"}`)
	if res.Message.IOKind != cmdmsg.IOKindRelay {
		t.Errorf("expected default RELAY, got %s", res.Message.IOKind)
	}
}

func TestBooleanActionMapsToOnOff(t *testing.T) {
	res := mustParse(t, `{"target_dev":"N1","action":true}`)
	if res.Message.Action != cmdmsg.ActionOn {
		t.Errorf("expected ON, got %s", res.Message.Action)
	}

	res = mustParse(t, `{"target_dev":"N1","action":false}`)
	if res.Message.Action != cmdmsg.ActionOff {
		t.Errorf("expected OFF, got %s", res.Message.Action)
	}
}

func TestActionIsCaseInsensitive(t *testing.T) {
	res := mustParse(t, `{"target_dev":"N1","action":"toggle"}`)
	if res.Message.Action != cmdmsg.ActionToggle {
		t.Errorf("expected TOGGLE, got %s", res.Message.Action)
	}
}

func TestMissingTargetDeviceIsMissingField(t *testing.T) {
	_, err := Parse([]byte(`{"action":"ON"}`), Meta{})
	if err == nil || err.Code != CodeMissingField || err.Path != "target_device" {
		t.Fatalf("expected MISSING_FIELD at target_device, got %+v", err)
	}
}

func TestInvalidJSONIsReported(t *testing.T) {
	_, err := Parse([]byte(`{not json`), Meta{})
	if err == nil || err.Code != CodeInvalidJSON {
		t.Fatalf("expected INVALID_JSON, got %+v", err)
	}
}

func TestUnknownActionIsInvalidEnum(t *testing.T) {
	_, err := Parse([]byte(`{"target_dev":"N1","action":"FROBNICATE"}`), Meta{})
	if err == nil || err.Code != CodeInvalidEnum {
		t.Fatalf("expected INVALID_ENUM, got %+v", err)
	}
}

func TestIOIDOutOfRange(t *testing.T) {
	_, err := Parse([]byte(`{"target_dev":"N1","action":"ON","io_id":64}`), Meta{})
	if err == nil || err.Code != CodeOutOfRange || err.Path != "io_id" {
		t.Fatalf("expected OUT_OF_RANGE at io_id, got %+v", err)
	}
}

func TestAbsentCorrelationIDIsGenerated(t *testing.T) {
	res := mustParse(t, `{"target_dev":"N1","action":"ON"}`)
	if res.Message.CorrelationID == "" {
		t.Fatal("expected a generated correlation id")
	}
	if !res.Message.Meta.CorrelationGenerated {
		t.Error("expected CorrelationGenerated=true")
	}
}

func TestPresentCorrelationIDIsPreserved(t *testing.T) {
	res := mustParse(t, `{"target_dev":"N1","action":"ON","corr_id":"abc-123"}`)
	if res.Message.CorrelationID != "abc-123" {
		t.Errorf("expected preserved correlation id, got %q", res.Message.CorrelationID)
	}
	if res.Message.Meta.CorrelationGenerated {
		t.Error("expected CorrelationGenerated=false")
	}
}

func TestUnknownTopLevelKeysAreReportedNonFatally(t *testing.T) {
	res := mustParse(t, `{"target_dev":"N1","action":"ON","mystery":42}`)
	if len(res.UnknownKeys) != 1 || res.UnknownKeys[0] != "mystery" {
		t.Errorf("expected [mystery], got %v", res.UnknownKeys)
	}
}

func TestChAliasForIOID(t *testing.T) {
	res := mustParse(t, `{"target_dev":"N2","action":"SET","ch":3,"brightness":10}`)
	if res.Message.IOID != 3 {
		t.Errorf("expected io_id 3, got %d", res.Message.IOID)
	}
}

// TestCanonicalMessageShape checks the full canonical Message produced for a
// handful of representative documents. On mismatch it dumps both the actual
// and expected structs with spew, since a bare %+v hides which nested Params
// pointer differs.
func TestCanonicalMessageShape(t *testing.T) {
	durationMs := 60000
	brightness := 25
	ramp := 300

	cases := []struct {
		name string
		doc  string
		want cmdmsg.Message
	}{
		{
			name: "relay on with minutes auto-off",
			doc:  `{"target_dev":"N1","io_kind":"RELAY","io_id":0,"action":"ON","minutes":1,"corr_id":"fixed-1"}`,
			want: cmdmsg.Message{
				Type:          cmdmsg.TypeCommand,
				TargetDevice:  "N1",
				IOKind:        cmdmsg.IOKindRelay,
				IOID:          0,
				Action:        cmdmsg.ActionOn,
				Params:        cmdmsg.Params{DurationMs: &durationMs},
				CorrelationID: "fixed-1",
				Meta: cmdmsg.Meta{
					Source:        cmdmsg.SourceMQTT,
					RxTimestampMs: 1000,
				},
			},
		},
		{
			name: "remote pwm set with percent brightness",
			doc:  `{"target_dev":"N2","io":"pwm","channel":0,"action":"SET","brightness":"25%","ramp":300,"corr_id":"fixed-2"}`,
			want: cmdmsg.Message{
				Type:          cmdmsg.TypeCommand,
				TargetDevice:  "N2",
				IOKind:        cmdmsg.IOKindPWM,
				IOID:          0,
				Action:        cmdmsg.ActionSet,
				Params:        cmdmsg.Params{BrightnessPercent: &brightness, RampMs: &ramp},
				CorrelationID: "fixed-2",
				Meta: cmdmsg.Meta{
					Source:        cmdmsg.SourceMQTT,
					RxTimestampMs: 1000,
				},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := mustParse(t, tc.doc)
			if !reflect.DeepEqual(res.Message, tc.want) {
				t.Fatalf("canonical message mismatch\ngot:\n%s\nwant:\n%s",
					spew.Sdump(res.Message), spew.Sdump(tc.want))
			}
		})
	}
}
