package nodecfg

import "encoding/json"

// Patch is the partial Config JSON document a Config/Set message carries:
// every field optional, missing keys keep the current value. Pointer and
// nil-slice fields distinguish "absent" from "present but empty".
type Patch struct {
	CorrID    string       `json:"corr_id,omitempty"`
	TargetDev string       `json:"target_dev,omitempty"`
	Device    *DevicePatch `json:"device,omitempty"`
	Relays    *RelayBlock  `json:"relays,omitempty"`
	PWM       *PWMBlock    `json:"pwm,omitempty"`
	Inputs    *InputBlock  `json:"inputs,omitempty"`
}

// DevicePatch carries an optional new device name.
type DevicePatch struct {
	Name string `json:"name"`
}

// ParsePatch decodes a Config JSON document.
func ParsePatch(raw []byte) (Patch, error) {
	var p Patch
	if err := json.Unmarshal(raw, &p); err != nil {
		return Patch{}, err
	}
	return p, nil
}

// Apply returns a copy of base with every field present in p overlaid,
// leaving fields p omits untouched. It does not validate the result;
// callers run Validate on the returned Cfg before committing it.
func (p Patch) Apply(base Cfg) Cfg {
	out := base.Clone()

	if p.Device != nil && p.Device.Name != "" {
		out.DeviceName = p.Device.Name
	}
	if p.Relays != nil {
		out.Relays = *p.Relays
	}
	if p.PWM != nil {
		out.PWM = *p.PWM
	}
	if p.Inputs != nil {
		out.Inputs = *p.Inputs
	}

	return out
}
