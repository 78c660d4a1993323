package cfgapply

import (
	"encoding/json"
	"fmt"
	"testing"

	"go.uber.org/zap"

	ourgpio "github.com/fernwood-iot/meshnode/internal/driver/gpio"
	"github.com/fernwood-iot/meshnode/internal/driver/gpio/simpin"
	"github.com/fernwood-iot/meshnode/internal/driver/relay"
	"github.com/fernwood-iot/meshnode/internal/mesh"
	"github.com/fernwood-iot/meshnode/internal/nodecfg"
)

type fakeStore struct {
	cfg      nodecfg.Cfg
	putErr   error
	putCalls int
}

func (s *fakeStore) Get() (nodecfg.Cfg, bool, error) { return s.cfg, true, nil }
func (s *fakeStore) PutAll(c nodecfg.Cfg) error {
	s.putCalls++
	if s.putErr != nil {
		return s.putErr
	}
	s.cfg = c
	return nil
}
func (s *fakeStore) Erase() error { s.cfg = nodecfg.Cfg{}; return nil }

type fakePublisher struct {
	published map[string][]byte
}

func newFakePublisher() *fakePublisher { return &fakePublisher{published: map[string][]byte{}} }

func (p *fakePublisher) Publish(topic string, retained bool, payload []byte) error {
	p.published[topic] = payload
	return nil
}

type fakeHello struct {
	sent []mesh.Envelope
}

func (h *fakeHello) SendEvent(env mesh.Envelope) mesh.Status {
	h.sent = append(h.sent, env)
	return mesh.StatusOK
}

type fakeReboot struct {
	called chan struct{}
}

func newFakeReboot() *fakeReboot { return &fakeReboot{called: make(chan struct{}, 1)} }

func (r *fakeReboot) Reboot() {
	select {
	case r.called <- struct{}{}:
	default:
	}
}

func decodeResult(t *testing.T, raw []byte) Result {
	t.Helper()
	var r Result
	if err := json.Unmarshal(raw, &r); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return r
}

func newTestApplier(t *testing.T, resolver *simpin.Resolver, store *fakeStore, pub *fakePublisher, hello *fakeHello, reboot *fakeReboot, initial nodecfg.Cfg) *Applier {
	t.Helper()

	var relayDrv *relay.Driver
	if initial.Relays.Count > 0 {
		d, err := relay.Init(resolver, initial.Relays.Pins, initial.Relays.ActiveLowMask, initial.Relays.OpenDrainMask, initial.Relays.AutoOffSec)
		if err != nil {
			t.Fatalf("init relay: %v", err)
		}
		relayDrv = d
	}

	return New(zap.NewNop(), "N1", resolver, store, pub, hello, reboot, initial, relayDrv, nil, nil)
}

func TestApplyRelayAddSucceedsAndPublishesOK(t *testing.T) {
	resolver := simpin.NewResolver()
	store := &fakeStore{}
	pub := newFakePublisher()
	hello := &fakeHello{}
	reboot := newFakeReboot()
	a := newTestApplier(t, resolver, store, pub, hello, reboot, nodecfg.Cfg{DeviceName: "N1", SchemaVersion: nodecfg.SchemaVersion})

	relays := nodecfg.RelayBlock{Count: 1, Pins: []int{1}, AutoOffSec: []int{0}}
	if err := a.Apply(nodecfg.Patch{Relays: &relays}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result := decodeResult(t, pub.published["Devices/N1/State"])
	if result.Status != StatusOK {
		t.Errorf("expected OK, got %s: %s", result.Status, result.Detail)
	}
	if store.putCalls != 1 {
		t.Errorf("expected config to be persisted once, got %d", store.putCalls)
	}
	if len(hello.sent) != 1 {
		t.Error("expected a HELLO diagnostic to be sent after apply")
	}
	if a.RelayDriver() == nil || a.RelayDriver().ChannelCount() != 1 {
		t.Error("expected the applier's live relay driver to reflect the new channel count")
	}
}

func TestApplyWrongTargetRejected(t *testing.T) {
	resolver := simpin.NewResolver()
	store := &fakeStore{}
	pub := newFakePublisher()
	a := newTestApplier(t, resolver, store, pub, nil, nil, nodecfg.Cfg{DeviceName: "N1"})

	err := a.Apply(nodecfg.Patch{TargetDev: "N2"})
	if err == nil {
		t.Fatal("expected an error for mismatched target_dev")
	}
	result := decodeResult(t, pub.published["Devices/N1/State"])
	if result.Status != StatusWrongTarget {
		t.Errorf("expected WRONG_TARGET, got %s", result.Status)
	}
	if store.putCalls != 0 {
		t.Error("expected no persistence for a rejected target_dev")
	}
}

func TestApplyNoEffectWhenPatchMatchesCurrent(t *testing.T) {
	resolver := simpin.NewResolver()
	initial := nodecfg.Cfg{DeviceName: "N1", SchemaVersion: nodecfg.SchemaVersion}
	store := &fakeStore{}
	pub := newFakePublisher()
	a := newTestApplier(t, resolver, store, pub, nil, nil, initial)

	err := a.Apply(nodecfg.Patch{Device: &nodecfg.DevicePatch{Name: "N1"}})
	if err == nil {
		t.Fatal("expected an error signaling NO_EFFECT")
	}
	result := decodeResult(t, pub.published["Devices/N1/State"])
	if result.Status != StatusNoEffect {
		t.Errorf("expected NO_EFFECT, got %s", result.Status)
	}
}

func TestApplyReservedPinRejected(t *testing.T) {
	resolver := simpin.NewResolver()
	store := &fakeStore{}
	pub := newFakePublisher()
	a := newTestApplier(t, resolver, store, pub, nil, nil, nodecfg.Cfg{DeviceName: "N1"})

	relays := nodecfg.RelayBlock{Count: 1, Pins: []int{6}, AutoOffSec: []int{0}} // reserved flash pin
	err := a.Apply(nodecfg.Patch{Relays: &relays})
	if err == nil {
		t.Fatal("expected a validation error for a reserved pin")
	}
	result := decodeResult(t, pub.published["Devices/N1/State"])
	if result.Status != StatusInvalid {
		t.Errorf("expected INVALID, got %s", result.Status)
	}
	if store.putCalls != 0 {
		t.Error("expected no persistence when validation fails")
	}
}

func TestApplyRelayInitFailureRevertsToOldConfig(t *testing.T) {
	resolver := simpin.NewResolver()
	initial := nodecfg.Cfg{
		DeviceName:    "N1",
		SchemaVersion: nodecfg.SchemaVersion,
		Relays:        nodecfg.RelayBlock{Count: 1, Pins: []int{1}, AutoOffSec: []int{0}},
	}
	store := &fakeStore{cfg: initial}
	pub := newFakePublisher()
	reboot := newFakeReboot()
	a := newTestApplier(t, resolver, store, pub, nil, reboot, initial)

	// Pin 2 passes nodecfg.Validate, so this patch fails only when
	// relay.Init asks the resolver for the pin: the init-failure path
	// rather than validation rejection.
	relays := nodecfg.RelayBlock{Count: 1, Pins: []int{2}, AutoOffSec: []int{0}}

	// Force a resolver failure for the new pin by capping the resolver's
	// pin supply: simplest is to assert the driver reports an error when
	// asked for a pin the fake resolver refuses. Since simpin never
	// refuses a non-negative pin, we instead verify the revert path using
	// a resolver wrapper that fails pin 2 specifically.
	failing := &failingResolver{Resolver: resolver, failPin: 2}
	a.resolver = failing

	err := a.Apply(nodecfg.Patch{Relays: &relays})
	if err == nil {
		t.Fatal("expected relay init failure to produce an error")
	}
	result := decodeResult(t, pub.published["Devices/N1/State"])
	if result.Status != StatusRelayInitFailed {
		t.Errorf("expected RELAY_INIT_FAILED, got %s", result.Status)
	}
	if result.RebootRequired {
		t.Error("expected successful revert not to require reboot")
	}
	if a.RelayDriver() == nil || a.RelayDriver().ChannelCount() != 1 {
		t.Error("expected the relay driver to be reverted back to the original single channel")
	}
	if store.putCalls != 0 {
		t.Error("expected no persistence on init failure")
	}
}

// failingResolver wraps a real resolver but refuses to resolve one
// specific output pin, simulating a hardware claim failure.
type failingResolver struct {
	*simpin.Resolver
	failPin int
}

func (f *failingResolver) OutputPin(num int) (ourgpio.OutputPin, error) {
	if num == f.failPin {
		return nil, fmt.Errorf("failingResolver: refused pin %d", num)
	}
	return f.Resolver.OutputPin(num)
}
