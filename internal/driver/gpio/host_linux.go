//go:build linux

package gpio

import (
	"fmt"

	periphgpio "periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// HostResolver resolves pin numbers against the local machine's GPIO
// registry via periph.io/x/host's platform driver (bcm283x on a
// Raspberry Pi, and so on for whatever host.Init detects). It is the
// resolver a bench rig build wires in place of simpin's in-memory one.
type HostResolver struct{}

// NewHostResolver initializes periph.io's host drivers and returns a
// Resolver backed by the live GPIO registry.
func NewHostResolver() (*HostResolver, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("gpio: host init: %w", err)
	}
	return &HostResolver{}, nil
}

func (r *HostResolver) byName(num int) (periphgpio.PinIO, error) {
	pin := gpioreg.ByName(fmt.Sprintf("GPIO%d", num))
	if pin == nil {
		return nil, fmt.Errorf("gpio: no such pin GPIO%d", num)
	}
	return pin, nil
}

func (r *HostResolver) InputPin(num int) (InputPin, error)   { return r.byName(num) }
func (r *HostResolver) OutputPin(num int) (OutputPin, error) { return r.byName(num) }
func (r *HostResolver) PWMPin(num int) (PWMPin, error)       { return r.byName(num) }
