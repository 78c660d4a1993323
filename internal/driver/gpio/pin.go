// Package gpio is the hardware-facing seam the relay, PWM, and input
// drivers are built against. It declares narrow interfaces shaped after
// periph.io/x/conn/v3/gpio.PinIO so that a real periph.io pin satisfies
// them with no adapter, while internal/driver/gpio/simpin provides an
// in-memory stand-in for tests and the `meshnode simulate` transport.
package gpio

import (
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
)

// InputPin is the subset of gpio.PinIO the input driver depends on.
type InputPin interface {
	In(pull gpio.Pull, edge gpio.Edge) error
	Read() gpio.Level
	WaitForEdge(timeout time.Duration) bool
	Halt() error
}

// OutputPin is the subset of gpio.PinIO the relay driver depends on.
type OutputPin interface {
	Out(l gpio.Level) error
	Halt() error
}

// PWMPin is the subset of gpio.PinIO the PWM driver depends on. Real
// hardware is driven via periph.io's PWM method; duty is converted from
// this package's 13-bit raw scale to gpio.Duty's native scale at the
// call site.
type PWMPin interface {
	PWM(duty gpio.Duty, freq physic.Frequency) error
	Out(l gpio.Level) error
	Halt() error
}

// RawDutyMax is the top of the 13-bit raw duty scale the PWM driver's
// contract operates in, matching the spec's "13-bit unsigned value".
const RawDutyMax = 1<<13 - 1

// RawDutyToPeriph converts a raw 13-bit duty value to periph.io's
// gpio.Duty scale.
func RawDutyToPeriph(raw int) gpio.Duty {
	if raw < 0 {
		raw = 0
	}
	if raw > RawDutyMax {
		raw = RawDutyMax
	}
	return gpio.Duty(uint64(raw) * uint64(gpio.DutyMax) / RawDutyMax)
}

// Resolver looks up a hardware pin by its numeric GPIO identifier, as
// used throughout nodecfg's pin lists.
type Resolver interface {
	InputPin(num int) (InputPin, error)
	OutputPin(num int) (OutputPin, error)
	PWMPin(num int) (PWMPin, error)
}
