package nodecfg

import "fmt"

// Role identifies which block claimed a pin, for exclusivity-conflict
// messages and the claim table.
type Role string

const (
	RoleRelay Role = "RELAY"
	RolePWM   Role = "PWM"
	RoleInput Role = "INPUT"
)

// ValidationError reports a single rejected field, with a dotted path in
// the style used by the command parser's error taxonomy.
type ValidationError struct {
	Path   string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Detail)
}

// Validate checks c for internal consistency and GPIO exclusivity: pin
// range and reserved-range legality, per-block count bounds, and pin
// uniqueness across and within roles. It does not consult any previously
// persisted configuration.
func Validate(c Cfg) error {
	if len(c.DeviceName) > MaxDeviceNameLen {
		return &ValidationError{Path: "device_name", Detail: fmt.Sprintf("exceeds %d characters", MaxDeviceNameLen)}
	}

	if err := checkBlockShape("relays", c.Relays.Count, len(c.Relays.Pins)); err != nil {
		return err
	}
	if err := checkBlockShape("pwm", c.PWM.Count, len(c.PWM.Pins)); err != nil {
		return err
	}
	if err := checkBlockShape("inputs", c.Inputs.Count, len(c.Inputs.Pins)); err != nil {
		return err
	}

	claims := make(map[int]Role, PinMax)

	if err := claimPins(claims, RoleRelay, c.Relays.Pins, true); err != nil {
		return err
	}
	if err := claimPins(claims, RolePWM, c.PWM.Pins, true); err != nil {
		return err
	}
	if err := claimPins(claims, RoleInput, c.Inputs.Pins, false); err != nil {
		return err
	}

	return nil
}

func checkBlockShape(block string, count, pins int) error {
	if count < 0 || count > ChMax {
		return &ValidationError{Path: block + ".count", Detail: fmt.Sprintf("must be 0..%d", ChMax)}
	}
	if pins != count {
		return &ValidationError{Path: block + ".gpio", Detail: fmt.Sprintf("expected %d pins, got %d", count, pins)}
	}
	return nil
}

// claimPins walks pins in order, claiming each into the shared 40-slot
// table for role. outputRole marks roles that may not use the input-only
// pin range (34..39).
func claimPins(claims map[int]Role, role Role, pins []int, outputRole bool) error {
	seen := make(map[int]bool, len(pins))
	blockField := blockFieldName(role)

	for i, pin := range pins {
		path := fmt.Sprintf("%s.gpio[%d]", blockField, i)

		if pin < 0 || pin >= PinMax {
			return &ValidationError{Path: path, Detail: fmt.Sprintf("pin %d out of range 0..%d", pin, PinMax-1)}
		}
		if pin >= ReservedFlashPinLow && pin <= ReservedFlashPinHigh {
			return &ValidationError{Path: path, Detail: fmt.Sprintf("pin %d is reserved for flash", pin)}
		}
		if outputRole && pin >= InputOnlyPinLow && pin <= InputOnlyPinHigh {
			return &ValidationError{Path: path, Detail: fmt.Sprintf("pin %d is input-only", pin)}
		}
		if seen[pin] {
			return &ValidationError{Path: path, Detail: fmt.Sprintf("pin %d duplicated within %s", pin, role)}
		}
		seen[pin] = true

		if other, claimed := claims[pin]; claimed {
			return &ValidationError{Path: path, Detail: fmt.Sprintf("gpio %d used by %s and %s", pin, other, role)}
		}
		claims[pin] = role
	}
	return nil
}

func blockFieldName(role Role) string {
	switch role {
	case RoleRelay:
		return "relays"
	case RolePWM:
		return "pwm"
	case RoleInput:
		return "inputs"
	default:
		return "unknown"
	}
}
