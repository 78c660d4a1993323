package simpin

import (
	"fmt"
	"sync"

	ourgpio "github.com/fernwood-iot/meshnode/internal/driver/gpio"
)

// Resolver is a gpio.Resolver backed by in-memory Pins, created on first
// reference to a given pin number and reused thereafter.
type Resolver struct {
	mu   sync.Mutex
	pins map[int]*Pin
}

// NewResolver returns an empty Resolver.
func NewResolver() *Resolver {
	return &Resolver{pins: make(map[int]*Pin)}
}

// Pin returns the simulated pin at num, creating it on first use. Tests
// use this to drive a pin's level out-of-band (simpin.(*Pin).Drive) while
// a driver under test reads it through the gpio.Resolver interface.
func (r *Resolver) Pin(num int) *Pin {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pins[num]
	if !ok {
		p = New()
		r.pins[num] = p
	}
	return p
}

func (r *Resolver) InputPin(num int) (ourgpio.InputPin, error) {
	if num < 0 {
		return nil, fmt.Errorf("simpin: invalid pin %d", num)
	}
	return r.Pin(num), nil
}

func (r *Resolver) OutputPin(num int) (ourgpio.OutputPin, error) {
	if num < 0 {
		return nil, fmt.Errorf("simpin: invalid pin %d", num)
	}
	return r.Pin(num), nil
}

func (r *Resolver) PWMPin(num int) (ourgpio.PWMPin, error) {
	if num < 0 {
		return nil, fmt.Errorf("simpin: invalid pin %d", num)
	}
	return r.Pin(num), nil
}
