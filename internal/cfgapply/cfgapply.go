// Package cfgapply implements the configuration-apply pipeline: validate
// a proposed I/O binding, deinitialize then reinitialize the affected
// drivers in order, persist the result atomically, and announce the new
// mapping. On a driver init failure mid-apply it attempts to revert
// every block touched by this apply back to the previous snapshot
// rather than leave the node straddling old and new hardware state.
package cfgapply

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fernwood-iot/meshnode/internal/driver/gpio"
	"github.com/fernwood-iot/meshnode/internal/driver/input"
	"github.com/fernwood-iot/meshnode/internal/driver/pwm"
	"github.com/fernwood-iot/meshnode/internal/driver/relay"
	"github.com/fernwood-iot/meshnode/internal/mesh"
	"github.com/fernwood-iot/meshnode/internal/nodecfg"
)

// DevicePrefix is the Devices/* topic root this package publishes
// apply-result State documents under.
const DevicePrefix = "Devices"

// RebootDelay is how long Apply waits before invoking Reboot after a
// device rename, giving the OK State publish time to leave the node.
const RebootDelay = 300 * time.Millisecond

// Status is the outcome code reported in an apply-result State
// document, drawn from the same taxonomy the parser and router use.
type Status string

const (
	StatusOK               Status = "OK"
	StatusWrongTarget      Status = "WRONG_TARGET"
	StatusConfigNotReady   Status = "CONFIG_NOT_READY"
	StatusNoEffect         Status = "NO_EFFECT"
	StatusInvalid          Status = "INVALID"
	StatusRelayInitFailed  Status = "RELAY_INIT_FAILED"
	StatusPWMInitFailed    Status = "PWM_INIT_FAILED"
	StatusInputInitFailed  Status = "INPUT_INIT_FAILED"
	StatusConfigSaveFailed Status = "CONFIG_SAVE_FAILED"
)

// Result is the outcome of one Apply call.
type Result struct {
	CorrID         string `json:"corr_id,omitempty"`
	Device         string `json:"device"`
	Status         Status `json:"status"`
	Detail         string `json:"detail,omitempty"`
	RebootRequired bool   `json:"reboot_required,omitempty"`
}

// Publisher is the narrow broker surface Apply needs to report its
// result; bridge.Bridge satisfies this directly.
type Publisher interface {
	Publish(topic string, retained bool, payload []byte) error
}

// HelloEmitter sends the post-apply HELLO diagnostic to the root so it
// refreshes the node's retained Info. mesh.Link satisfies this via
// SendEvent.
type HelloEmitter interface {
	SendEvent(env mesh.Envelope) mesh.Status
}

// Rebooter performs the actual device reboot. On real hardware this is
// esp_restart or similar; tests supply a stub.
type Rebooter interface {
	Reboot()
}

// Applier owns the live driver instances for one node and mediates
// every config change against them.
type Applier struct {
	logger      *zap.Logger
	localDevice string
	resolver    gpio.Resolver
	store       nodecfg.Store
	publisher   Publisher
	hello       HelloEmitter
	reboot      Rebooter

	mu    sync.Mutex
	ready bool
	cfg   nodecfg.Cfg
	relay *relay.Driver
	pwm   *pwm.Driver
	input *input.Driver
}

// New constructs an Applier. initial is the config already loaded (or
// defaulted) at boot, with its drivers already initialized by the
// caller; relayDrv/pwmDrv/inputDrv are those live driver instances.
func New(logger *zap.Logger, localDevice string, resolver gpio.Resolver, store nodecfg.Store, publisher Publisher, hello HelloEmitter, reboot Rebooter, initial nodecfg.Cfg, relayDrv *relay.Driver, pwmDrv *pwm.Driver, inputDrv *input.Driver) *Applier {
	return &Applier{
		logger:      logger.With(zap.String("component", "cfgapply")),
		localDevice: localDevice,
		resolver:    resolver,
		store:       store,
		publisher:   publisher,
		hello:       hello,
		reboot:      reboot,
		ready:       true,
		cfg:         initial,
		relay:       relayDrv,
		pwm:         pwmDrv,
		input:       inputDrv,
	}
}

// Apply runs the full validate/reinit/persist/announce pipeline for
// patch. It always publishes a result State to Devices/<device>/State
// and returns a non-nil error only when the outcome was not OK, so
// callers that merely want to log a failure can do so from the return
// value without re-deriving it from the published Result.
func (a *Applier) Apply(patch nodecfg.Patch) error {
	corrID := patch.CorrID

	if patch.TargetDev != "" && patch.TargetDev != a.localDevice {
		return a.finish(Result{CorrID: corrID, Device: a.localDevice, Status: StatusWrongTarget, Detail: "target_dev does not match this node"})
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.ready {
		return a.finish(Result{CorrID: corrID, Device: a.localDevice, Status: StatusConfigNotReady, Detail: "no config loaded yet"})
	}

	oldCfg := a.cfg
	newCfg := patch.Apply(oldCfg)
	newCfg.SchemaVersion = nodecfg.SchemaVersion

	if configsEqual(oldCfg, newCfg) {
		return a.finish(Result{CorrID: corrID, Device: a.localDevice, Status: StatusNoEffect})
	}

	if err := nodecfg.Validate(newCfg); err != nil {
		return a.finish(Result{CorrID: corrID, Device: a.localDevice, Status: StatusInvalid, Detail: err.Error()})
	}

	relayChanged := patch.Relays != nil
	pwmChanged := patch.PWM != nil
	inputChanged := patch.Inputs != nil

	if relayChanged {
		if err := a.reinitRelay(newCfg); err != nil {
			return a.revertAndReport(oldCfg, relayChanged, pwmChanged, inputChanged, StatusRelayInitFailed, err)
		}
	}
	if pwmChanged {
		if err := a.reinitPWM(newCfg); err != nil {
			return a.revertAndReport(oldCfg, relayChanged, pwmChanged, inputChanged, StatusPWMInitFailed, err)
		}
	}
	if inputChanged {
		if err := a.reinitInput(newCfg); err != nil {
			return a.revertAndReport(oldCfg, relayChanged, pwmChanged, inputChanged, StatusInputInitFailed, err)
		}
	}

	a.cfg = newCfg

	if err := a.store.PutAll(newCfg); err != nil {
		return a.finish(Result{CorrID: corrID, Device: a.localDevice, Status: StatusConfigSaveFailed, Detail: err.Error()})
	}

	if err := a.finish(Result{CorrID: corrID, Device: a.localDevice, Status: StatusOK}); err != nil {
		return err
	}

	a.announceHello()

	if newCfg.DeviceName != oldCfg.DeviceName {
		a.scheduleReboot()
	}

	return nil
}

// revertAndReport attempts to re-initialize every block touched by this
// apply attempt back to oldCfg's parameters. If the revert itself fails
// for any block, the node is marked for reboot rather than left in a
// mixed state.
func (a *Applier) revertAndReport(oldCfg nodecfg.Cfg, relayTouched, pwmTouched, inputTouched bool, failed Status, cause error) error {
	rebootRequired := false

	if relayTouched {
		if err := a.reinitRelay(oldCfg); err != nil {
			a.logger.Error("revert relay init failed", zap.Error(err))
			rebootRequired = true
		}
	}
	if pwmTouched {
		if err := a.reinitPWM(oldCfg); err != nil {
			a.logger.Error("revert pwm init failed", zap.Error(err))
			rebootRequired = true
		}
	}
	if inputTouched {
		if err := a.reinitInput(oldCfg); err != nil {
			a.logger.Error("revert input init failed", zap.Error(err))
			rebootRequired = true
		}
	}

	if rebootRequired {
		a.scheduleReboot()
	}

	return a.finish(Result{
		Device:         a.localDevice,
		Status:         failed,
		Detail:         cause.Error(),
		RebootRequired: rebootRequired,
	})
}

func (a *Applier) reinitRelay(cfg nodecfg.Cfg) error {
	if a.relay != nil {
		if err := a.relay.Deinit(); err != nil {
			a.logger.Warn("relay deinit before reinit failed", zap.Error(err))
		}
	}
	d, err := relay.Init(a.resolver, cfg.Relays.Pins, cfg.Relays.ActiveLowMask, cfg.Relays.OpenDrainMask, cfg.Relays.AutoOffSec)
	if err != nil {
		a.relay = nil
		return err
	}
	a.relay = d
	return nil
}

func (a *Applier) reinitPWM(cfg nodecfg.Cfg) error {
	if a.pwm != nil {
		if err := a.pwm.Deinit(); err != nil {
			a.logger.Warn("pwm deinit before reinit failed", zap.Error(err))
		}
	}
	d, err := pwm.Init(a.resolver, cfg.PWM.Pins, cfg.PWM.InvertedMask, cfg.PWM.FreqHz)
	if err != nil {
		a.pwm = nil
		return err
	}
	a.pwm = d
	return nil
}

func (a *Applier) reinitInput(cfg nodecfg.Cfg) error {
	if a.input != nil {
		if err := a.input.Deinit(); err != nil {
			a.logger.Warn("input deinit before reinit failed", zap.Error(err))
		}
	}
	d, err := input.Init(a.resolver, cfg.Inputs.Pins, cfg.Inputs.PullupMask, cfg.Inputs.PulldownMask, cfg.Inputs.InvertedMask, nodecfg.DefaultDebounceMs, cfg.Inputs.DebounceMs)
	if err != nil {
		a.input = nil
		return err
	}
	a.input = d
	d.EnableIRQ(true)
	return nil
}

// RelayDriver, PWMDriver, and InputDriver expose the currently live
// drivers so the router can be wired against whichever instance is
// current after a reapply swaps them out.
func (a *Applier) RelayDriver() *relay.Driver {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.relay
}

func (a *Applier) PWMDriver() *pwm.Driver {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pwm
}

func (a *Applier) InputDriver() *input.Driver {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.input
}

func (a *Applier) finish(result Result) error {
	if a.publisher != nil {
		raw, err := json.Marshal(result)
		if err == nil {
			if perr := a.publisher.Publish(devicesTopic(a.localDevice, "State"), false, raw); perr != nil {
				a.logger.Error("publish config apply result failed", zap.Error(perr))
			}
		}
	}
	if result.Status == StatusOK {
		return nil
	}
	return fmt.Errorf("cfgapply: %s: %s", result.Status, result.Detail)
}

func (a *Applier) announceHello() {
	if a.hello == nil {
		return
	}
	status := a.hello.SendEvent(mesh.Envelope{
		DestinationDevice: mesh.RootSentinel,
		Kind:              mesh.KindDiag,
		Payload:           map[string]interface{}{"type": "HELLO", "hello": true, "dev": a.localDevice},
	})
	if status != mesh.StatusOK {
		a.logger.Warn("post-apply hello announce did not reach root", zap.String("status", string(status)))
	}
}

func (a *Applier) scheduleReboot() {
	if a.reboot == nil {
		return
	}
	time.AfterFunc(RebootDelay, a.reboot.Reboot)
}

func devicesTopic(device, leaf string) string {
	return fmt.Sprintf("%s/%s/%s", DevicePrefix, device, leaf)
}

func configsEqual(a, b nodecfg.Cfg) bool {
	ar, _ := json.Marshal(a)
	br, _ := json.Marshal(b)
	return string(ar) == string(br)
}
