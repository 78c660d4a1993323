// Package simpin is an in-memory stand-in for periph.io/x/conn/v3/gpio's
// hardware pins, used by driver tests and by `meshnode simulate` to run
// the full stack without real GPIO.
package simpin

import (
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
)

// Pin is a software pin: its level can be driven externally (Drive, to
// simulate a physical edge) and read back by a driver, or written by a
// driver and observed externally (Level).
type Pin struct {
	mu       sync.Mutex
	level    gpio.Level
	pull     gpio.Pull
	edge     gpio.Edge
	duty     gpio.Duty
	freq     physic.Frequency
	edgeCh   chan struct{}
	halted   bool
}

// New returns a Pin initially at Low.
func New() *Pin {
	return &Pin{edgeCh: make(chan struct{}, 1)}
}

// In configures the pin as an input with the given pull and edge
// detection mode, matching periph.io's gpio.PinIn.In.
func (p *Pin) In(pull gpio.Pull, edge gpio.Edge) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pull = pull
	p.edge = edge
	return nil
}

// Read returns the pin's current level.
func (p *Pin) Read() gpio.Level {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}

// WaitForEdge blocks until Drive changes the pin's level, or timeout
// elapses. A negative timeout blocks forever. It returns false on
// timeout, matching periph.io's semantics.
func (p *Pin) WaitForEdge(timeout time.Duration) bool {
	var after <-chan time.Time
	if timeout >= 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		after = timer.C
	}
	select {
	case <-p.edgeCh:
		return true
	case <-after:
		return false
	}
}

// Out drives the pin to the given level, matching periph.io's
// gpio.PinOut.Out.
func (p *Pin) Out(l gpio.Level) error {
	p.mu.Lock()
	p.level = l
	p.mu.Unlock()
	return nil
}

// PWM records the last duty/frequency a driver requested.
func (p *Pin) PWM(duty gpio.Duty, freq physic.Frequency) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.duty = duty
	p.freq = freq
	return nil
}

// Halt releases the pin. It is safe to call multiple times.
func (p *Pin) Halt() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.halted = true
	return nil
}

// Drive simulates a physical transition to level, waking any goroutine
// blocked in WaitForEdge.
func (p *Pin) Drive(level gpio.Level) {
	p.mu.Lock()
	p.level = level
	p.mu.Unlock()
	select {
	case p.edgeCh <- struct{}{}:
	default:
	}
}

// LastDuty returns the most recent duty/frequency PWM recorded, for
// assertions in tests.
func (p *Pin) LastDuty() (gpio.Duty, physic.Frequency) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.duty, p.freq
}

// Halted reports whether Halt has been called.
func (p *Pin) Halted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.halted
}
