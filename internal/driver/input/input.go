// Package input implements the N-channel debounced digital input
// contract: pullup/pulldown, polarity inversion, per-channel debounce,
// and a logical-level change hook. Edge handling follows the same
// restart-the-debounce-timer-on-every-edge, decide-on-timer-expiry shape
// used by interrupt-driven GPIO input elsewhere in the pack: every edge
// only restarts a timer, and all level decisions run when it expires.
package input

import (
	"fmt"
	"sync"
	"time"

	periphgpio "periph.io/x/conn/v3/gpio"

	"github.com/fernwood-iot/meshnode/internal/driver/gpio"
)

// LevelHook is invoked whenever a channel's debounced logical level
// changes.
type LevelHook func(ch int, logicalLevel bool)

// Driver watches a fixed set of input channels.
type Driver struct {
	mu           sync.Mutex
	pins         []gpio.InputPin
	invertedMask uint32
	debounceMs   []int
	lastLogical  []bool
	timers       []*time.Timer
	hook         LevelHook
	irqEnabled   bool
	stopCh       chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

// Init claims pins and applies pull configuration. It starts no
// goroutines; EnableIRQ(true) starts one edge-watch goroutine per channel.
func Init(resolver gpio.Resolver, pins []int, pullupMask, pulldownMask, invertedMask uint32, defaultDebounceMs int, debounceMs []int) (*Driver, error) {
	if len(debounceMs) != len(pins) {
		return nil, fmt.Errorf("input: pins/debounceMs length mismatch")
	}

	d := &Driver{
		invertedMask: invertedMask,
		debounceMs:   append([]int(nil), debounceMs...),
		lastLogical:  make([]bool, len(pins)),
		timers:       make([]*time.Timer, len(pins)),
		pins:         make([]gpio.InputPin, len(pins)),
		stopCh:       make(chan struct{}),
	}

	for ch := range d.debounceMs {
		if d.debounceMs[ch] <= 0 {
			d.debounceMs[ch] = defaultDebounceMs
		}
	}

	for ch, num := range pins {
		p, err := resolver.InputPin(num)
		if err != nil {
			return nil, fmt.Errorf("input: channel %d: %w", ch, err)
		}
		pull := periphgpio.Float
		switch {
		case pullupMask&(1<<uint(ch)) != 0:
			pull = periphgpio.PullUp
		case pulldownMask&(1<<uint(ch)) != 0:
			pull = periphgpio.PullDown
		}
		if err := p.In(pull, periphgpio.BothEdges); err != nil {
			return nil, fmt.Errorf("input: channel %d: %w", ch, err)
		}
		d.pins[ch] = p
		d.lastLogical[ch] = d.logicalLevel(ch, p.Read())
	}

	return d, nil
}

func (d *Driver) logicalLevel(ch int, raw periphgpio.Level) bool {
	rawBit := raw == periphgpio.High
	invertedBit := d.invertedMask&(1<<uint(ch)) != 0
	return rawBit != invertedBit
}

// EnableIRQ starts (true) or stops (false) edge-watch goroutines for
// every channel. It is safe to call multiple times.
func (d *Driver) EnableIRQ(enabled bool) {
	d.mu.Lock()
	alreadyRunning := d.irqEnabled
	d.irqEnabled = enabled
	if enabled && !alreadyRunning {
		// A previous disable closed stopCh; new watchers need an open one.
		select {
		case <-d.stopCh:
			d.stopCh = make(chan struct{})
			d.stopOnce = sync.Once{}
		default:
		}
	}
	d.mu.Unlock()

	if enabled && !alreadyRunning {
		for ch := range d.pins {
			d.wg.Add(1)
			go d.watch(ch)
		}
	} else if !enabled && alreadyRunning {
		d.stopOnce.Do(func() { close(d.stopCh) })
		d.wg.Wait()
	}
}

// watch blocks on the pin's edge notification and, on every edge,
// (re)starts the channel's debounce timer; the timer's own callback does
// the re-sample and hook dispatch, never the edge handler itself.
func (d *Driver) watch(ch int) {
	defer d.wg.Done()
	pin := d.pins[ch]
	for {
		if !pin.WaitForEdge(200 * time.Millisecond) {
			select {
			case <-d.stopCh:
				return
			default:
				continue
			}
		}
		select {
		case <-d.stopCh:
			return
		default:
		}
		d.restartDebounce(ch)
	}
}

func (d *Driver) restartDebounce(ch int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timers[ch] != nil {
		d.timers[ch].Stop()
	}
	debounce := time.Duration(d.debounceMs[ch]) * time.Millisecond
	d.timers[ch] = time.AfterFunc(debounce, func() { d.settle(ch) })
}

// settle re-samples channel ch after its debounce interval and fires the
// hook only if the logical level actually changed.
func (d *Driver) settle(ch int) {
	d.mu.Lock()
	level := d.logicalLevel(ch, d.pins[ch].Read())
	changed := level != d.lastLogical[ch]
	if changed {
		d.lastLogical[ch] = level
	}
	hook := d.hook
	d.mu.Unlock()

	if changed && hook != nil {
		hook(ch, level)
	}
}

// SetStateHook registers fn to be called, outside any internal lock, on
// every debounced logical-level change.
func (d *Driver) SetStateHook(fn LevelHook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hook = fn
}

// SetDebounceMs updates channel ch's debounce interval for subsequent
// edges; it does not affect a timer already in flight.
func (d *Driver) SetDebounceMs(ch int, ms int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch < 0 || ch >= len(d.debounceMs) {
		return fmt.Errorf("input: channel %d out of range", ch)
	}
	d.debounceMs[ch] = ms
	return nil
}

// ChannelCount reports how many input channels this driver manages.
func (d *Driver) ChannelCount() int {
	return len(d.pins)
}

// GetLevel returns channel ch's last debounced logical level.
func (d *Driver) GetLevel(ch int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch < 0 || ch >= len(d.lastLogical) {
		return false
	}
	return d.lastLogical[ch]
}

// Deinit stops all edge-watch goroutines, cancels pending timers, and
// releases the pins. It is idempotent.
func (d *Driver) Deinit() error {
	d.EnableIRQ(false)

	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	for ch, p := range d.pins {
		if p == nil {
			continue
		}
		if d.timers[ch] != nil {
			d.timers[ch].Stop()
		}
		if err := p.Halt(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("input: channel %d: halt: %w", ch, err)
		}
	}
	return firstErr
}
