// Package relay implements the N-channel digital relay output contract:
// polarity (active-low) and per-channel auto-off timers. Init accepts an
// open-drain mask but does not use it; every channel is driven the same
// way whatever its open-drain bit.
package relay

import (
	"fmt"
	"sync"
	"time"

	periphgpio "periph.io/x/conn/v3/gpio"

	"github.com/fernwood-iot/meshnode/internal/driver/gpio"
)

// StateHook is invoked whenever a channel's on/off state changes, from
// either a direct call or an auto-off timer firing.
type StateHook func(ch int, on bool)

// Driver drives a fixed set of relay channels.
type Driver struct {
	mu            sync.Mutex
	pins          []gpio.OutputPin
	activeLowMask uint32
	autoOffSec    []int
	on            []bool
	timers        []*time.Timer
	timerGen      []uint64
	hook          StateHook
}

// Init claims pins (one per channel, via resolver) and drives every
// channel to its inactive level. len(pins) must equal len(autoOffSec).
func Init(resolver gpio.Resolver, pins []int, activeLowMask, openDrainMask uint32, autoOffSec []int) (*Driver, error) {
	if len(pins) != len(autoOffSec) {
		return nil, fmt.Errorf("relay: pins/autoOffSec length mismatch")
	}

	d := &Driver{
		activeLowMask: activeLowMask,
		autoOffSec:    append([]int(nil), autoOffSec...),
		on:            make([]bool, len(pins)),
		timers:        make([]*time.Timer, len(pins)),
		timerGen:      make([]uint64, len(pins)),
		pins:          make([]gpio.OutputPin, len(pins)),
	}

	for ch, num := range pins {
		p, err := resolver.OutputPin(num)
		if err != nil {
			return nil, fmt.Errorf("relay: channel %d: %w", ch, err)
		}
		d.pins[ch] = p
		if err := p.Out(d.inactiveLevel(ch)); err != nil {
			return nil, fmt.Errorf("relay: channel %d: init drive: %w", ch, err)
		}
	}

	return d, nil
}

// SetStateHook registers fn to be called, outside any internal lock,
// after every channel state change.
func (d *Driver) SetStateHook(fn StateHook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hook = fn
}

func (d *Driver) isActiveLow(ch int) bool {
	return d.activeLowMask&(1<<uint(ch)) != 0
}

func (d *Driver) activeLevel(ch int) periphgpio.Level {
	if d.isActiveLow(ch) {
		return periphgpio.Low
	}
	return periphgpio.High
}

func (d *Driver) inactiveLevel(ch int) periphgpio.Level {
	if d.isActiveLow(ch) {
		return periphgpio.High
	}
	return periphgpio.Low
}

// On turns channel ch on, (re)arming its auto-off timer if one is
// configured. Calling On on an already-on channel retriggers the timer.
func (d *Driver) On(ch int) error {
	d.mu.Lock()
	err := d.onLocked(ch)
	hook := d.hook
	d.mu.Unlock()

	if err == nil && hook != nil {
		hook(ch, true)
	}
	return err
}

func (d *Driver) onLocked(ch int) error {
	if err := d.checkChannel(ch); err != nil {
		return err
	}
	if err := d.pins[ch].Out(d.activeLevel(ch)); err != nil {
		return fmt.Errorf("relay: channel %d: %w", ch, err)
	}
	d.on[ch] = true
	d.cancelTimer(ch)
	if d.autoOffSec[ch] > 0 {
		d.armTimer(ch, time.Duration(d.autoOffSec[ch])*time.Second)
	}
	return nil
}

// Off turns channel ch off and cancels any pending auto-off timer.
func (d *Driver) Off(ch int) error {
	d.mu.Lock()
	err := d.offLocked(ch)
	hook := d.hook
	d.mu.Unlock()

	if err == nil && hook != nil {
		hook(ch, false)
	}
	return err
}

func (d *Driver) offLocked(ch int) error {
	if err := d.checkChannel(ch); err != nil {
		return err
	}
	if err := d.pins[ch].Out(d.inactiveLevel(ch)); err != nil {
		return fmt.Errorf("relay: channel %d: %w", ch, err)
	}
	d.on[ch] = false
	d.cancelTimer(ch)
	return nil
}

// Toggle flips channel ch's current state.
func (d *Driver) Toggle(ch int) error {
	d.mu.Lock()
	wasOn := ch >= 0 && ch < len(d.on) && d.on[ch]
	d.mu.Unlock()

	if wasOn {
		return d.Off(ch)
	}
	return d.On(ch)
}

// ChannelCount reports how many relay channels this driver manages.
func (d *Driver) ChannelCount() int {
	return len(d.pins)
}

// IsOn reports channel ch's current logical state.
func (d *Driver) IsOn(ch int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch < 0 || ch >= len(d.on) {
		return false
	}
	return d.on[ch]
}

// SetAutoOffSeconds updates channel ch's auto-off interval. If the
// channel is currently on, the timer is (re)armed with the new value; 0
// disables auto-off and cancels any pending timer.
func (d *Driver) SetAutoOffSeconds(ch int, sec int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkChannel(ch); err != nil {
		return err
	}
	d.autoOffSec[ch] = sec
	if d.on[ch] {
		d.cancelTimer(ch)
		if sec > 0 {
			d.armTimer(ch, time.Duration(sec)*time.Second)
		}
	}
	return nil
}

// Deinit drives every channel to its inactive level, cancels all timers,
// and releases the pins. It is idempotent.
func (d *Driver) Deinit() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	for ch, p := range d.pins {
		if p == nil {
			continue
		}
		d.cancelTimer(ch)
		if err := p.Out(d.inactiveLevel(ch)); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("relay: channel %d: deinit drive: %w", ch, err)
		}
		if err := p.Halt(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("relay: channel %d: halt: %w", ch, err)
		}
		d.on[ch] = false
	}
	return firstErr
}

func (d *Driver) checkChannel(ch int) error {
	if ch < 0 || ch >= len(d.pins) {
		return fmt.Errorf("relay: channel %d out of range", ch)
	}
	return nil
}

// cancelTimer must be called with d.mu held.
func (d *Driver) cancelTimer(ch int) {
	if d.timers[ch] != nil {
		d.timers[ch].Stop()
		d.timers[ch] = nil
	}
}

// armTimer must be called with d.mu held. The timer callback reacquires
// the lock itself; a generation counter guards against a timer that had
// already fired before a concurrent retrigger called cancelTimer.
func (d *Driver) armTimer(ch int, after time.Duration) {
	d.timerGen[ch]++
	gen := d.timerGen[ch]
	d.timers[ch] = time.AfterFunc(after, func() {
		d.mu.Lock()
		if !d.on[ch] || d.timerGen[ch] != gen {
			d.mu.Unlock()
			return
		}
		err := d.offLocked(ch)
		hook := d.hook
		d.mu.Unlock()

		if err == nil && hook != nil {
			hook(ch, false)
		}
	})
}
