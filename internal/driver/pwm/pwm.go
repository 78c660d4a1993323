// Package pwm implements the N-channel PWM output contract: polarity
// inversion, cached duty reporting, and a timed ramp-to-duty fade.
package pwm

import (
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/physic"

	"github.com/fernwood-iot/meshnode/internal/driver/gpio"
)

// DutyMax is the top of the 13-bit raw duty scale the contract operates
// in.
const DutyMax = gpio.RawDutyMax

// StateHook is invoked whenever a channel's applied duty changes.
type StateHook func(ch int, duty int)

const fadeTick = 20 * time.Millisecond

// Driver drives a fixed set of PWM channels.
type Driver struct {
	mu           sync.Mutex
	pins         []gpio.PWMPin
	invertedMask uint32
	freq         physic.Frequency
	duty         []int
	started      []bool
	fadeCancel   []chan struct{}
	hook         StateHook
}

// Init claims pins and configures every channel at zero duty.
func Init(resolver gpio.Resolver, pins []int, invertedMask uint32, freqHz int) (*Driver, error) {
	d := &Driver{
		invertedMask: invertedMask,
		freq:         physic.Frequency(freqHz) * physic.Hertz,
		duty:         make([]int, len(pins)),
		started:      make([]bool, len(pins)),
		fadeCancel:   make([]chan struct{}, len(pins)),
		pins:         make([]gpio.PWMPin, len(pins)),
	}

	for ch, num := range pins {
		p, err := resolver.PWMPin(num)
		if err != nil {
			return nil, fmt.Errorf("pwm: channel %d: %w", ch, err)
		}
		d.pins[ch] = p
		if err := d.writeLocked(ch, 0); err != nil {
			return nil, fmt.Errorf("pwm: channel %d: init: %w", ch, err)
		}
	}

	return d, nil
}

// SetStateHook registers fn to be called, outside any internal lock,
// after every applied duty change.
func (d *Driver) SetStateHook(fn StateHook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hook = fn
}

func (d *Driver) isInverted(ch int) bool {
	return d.invertedMask&(1<<uint(ch)) != 0
}

// writeLocked must be called with d.mu held; it does not update d.duty.
func (d *Driver) writeLocked(ch int, raw int) error {
	applied := raw
	if d.isInverted(ch) {
		applied = DutyMax - raw
	}
	if applied < 0 {
		applied = 0
	}
	if applied > DutyMax {
		applied = DutyMax
	}
	return d.pins[ch].PWM(gpio.RawDutyToPeriph(applied), d.freq)
}

// SetDuty writes raw (0..DutyMax) to channel ch immediately, cancelling
// any in-progress fade.
func (d *Driver) SetDuty(ch int, raw int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.setDutyLocked(ch, raw)
}

func (d *Driver) setDutyLocked(ch int, raw int) error {
	if err := d.checkChannel(ch); err != nil {
		return err
	}
	d.cancelFadeLocked(ch)
	if raw < 0 {
		raw = 0
	}
	if raw > DutyMax {
		raw = DutyMax
	}
	if err := d.writeLocked(ch, raw); err != nil {
		return fmt.Errorf("pwm: channel %d: %w", ch, err)
	}
	d.duty[ch] = raw
	d.started[ch] = true
	d.fireHookLocked(ch, raw)
	return nil
}

// fireHookLocked must be called with d.mu held; it dispatches the hook
// on its own goroutine so a hook that calls back into the Driver cannot
// deadlock against the lock the caller is holding.
func (d *Driver) fireHookLocked(ch int, raw int) {
	if d.hook != nil {
		hook := d.hook
		go hook(ch, raw)
	}
}

// ChannelCount reports how many PWM channels this driver manages.
func (d *Driver) ChannelCount() int {
	return len(d.pins)
}

// GetDuty returns channel ch's last-written raw duty.
func (d *Driver) GetDuty(ch int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch < 0 || ch >= len(d.duty) {
		return 0
	}
	return d.duty[ch]
}

// FadeTo ramps channel ch from its current duty to raw over fadeMs,
// updating the hardware at a fixed tick rate. A fadeMs of 0 behaves like
// SetDuty.
func (d *Driver) FadeTo(ch int, raw int, fadeMs int) error {
	d.mu.Lock()
	if err := d.checkChannel(ch); err != nil {
		d.mu.Unlock()
		return err
	}
	if raw < 0 {
		raw = 0
	}
	if raw > DutyMax {
		raw = DutyMax
	}
	if fadeMs <= 0 {
		err := d.setDutyLocked(ch, raw)
		d.mu.Unlock()
		return err
	}

	d.cancelFadeLocked(ch)
	from := d.duty[ch]
	cancel := make(chan struct{})
	d.fadeCancel[ch] = cancel
	d.mu.Unlock()

	go d.runFade(ch, from, raw, time.Duration(fadeMs)*time.Millisecond, cancel)
	return nil
}

func (d *Driver) runFade(ch, from, to int, duration time.Duration, cancel chan struct{}) {
	steps := int(duration / fadeTick)
	if steps < 1 {
		steps = 1
	}
	ticker := time.NewTicker(fadeTick)
	defer ticker.Stop()

	for step := 1; step <= steps; step++ {
		select {
		case <-cancel:
			return
		case <-ticker.C:
		}
		raw := from + (to-from)*step/steps

		d.mu.Lock()
		if d.fadeCancel[ch] != cancel {
			d.mu.Unlock()
			return
		}
		if err := d.writeLocked(ch, raw); err == nil {
			d.duty[ch] = raw
			d.fireHookLocked(ch, raw)
		}
		if step == steps {
			d.fadeCancel[ch] = nil
		}
		d.mu.Unlock()
	}
}

// cancelFadeLocked must be called with d.mu held.
func (d *Driver) cancelFadeLocked(ch int) {
	if d.fadeCancel[ch] != nil {
		close(d.fadeCancel[ch])
		d.fadeCancel[ch] = nil
	}
}

// Start re-applies the last-written duty to the hardware.
func (d *Driver) Start(ch int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkChannel(ch); err != nil {
		return err
	}
	d.started[ch] = true
	return d.writeLocked(ch, d.duty[ch])
}

// Stop writes zero duty without forgetting the cached last-written duty.
func (d *Driver) Stop(ch int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkChannel(ch); err != nil {
		return err
	}
	d.cancelFadeLocked(ch)
	d.started[ch] = false
	return d.writeLocked(ch, 0)
}

// Deinit stops every channel and releases the pins. It is idempotent.
func (d *Driver) Deinit() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	for ch, p := range d.pins {
		if p == nil {
			continue
		}
		d.cancelFadeLocked(ch)
		if err := d.writeLocked(ch, 0); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("pwm: channel %d: deinit drive: %w", ch, err)
		}
		if err := p.Halt(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("pwm: channel %d: halt: %w", ch, err)
		}
	}
	return firstErr
}

func (d *Driver) checkChannel(ch int) error {
	if ch < 0 || ch >= len(d.pins) {
		return fmt.Errorf("pwm: channel %d out of range", ch)
	}
	return nil
}
