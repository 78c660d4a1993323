// Package parser turns an alias-tolerant, possibly partial JSON command
// document into the canonical cmdmsg.Message the rest of the system
// operates on, or a structured parser.Error naming exactly which field
// failed and why.
package parser

import (
	"encoding/json"
	"strings"

	"github.com/gofrs/uuid"

	"github.com/fernwood-iot/meshnode/internal/cmdmsg"
)

// Meta is the out-of-band context every Parse call supplies alongside the
// document itself: where it arrived from, the broker topic it arrived
// on (if any), and when it was received.
type Meta struct {
	Source        cmdmsg.Source
	TopicHint     string
	RxTimestampMs uint64
}

// Result is a successful parse: the canonical message plus any
// top-level keys the alias table did not recognize, reported for
// non-fatal diagnostic logging.
type Result struct {
	Message     cmdmsg.Message
	UnknownKeys []string
}

var knownTopLevelKeys = buildKnownTopLevelKeys()

func buildKnownTopLevelKeys() map[string]bool {
	known := map[string]bool{"params": true, "type": true}
	for _, group := range [][]string{
		targetDeviceAliases, ioKindAliases, ioIDAliases, actionAliases,
		correlationAliases, topicHintAliases, rampAliases, debounceAliases,
		inputInferenceKeys, pwmInferenceKeys,
	} {
		for _, k := range group {
			known[k] = true
		}
	}
	for _, d := range durationAliases {
		known[d.key] = true
	}
	return known
}

// Parse resolves raw into a canonical cmdmsg.Message.
func Parse(raw []byte, meta Meta) (Result, *Error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Result{}, newError(CodeInvalidJSON, "$", err.Error())
	}

	action, perr := resolveAction(doc)
	if perr != nil {
		return Result{}, perr
	}

	targetDevice, perr := resolveTargetDevice(doc)
	if perr != nil {
		return Result{}, perr
	}

	ioKind, perr := resolveIOKind(doc)
	if perr != nil {
		return Result{}, perr
	}

	ioID, perr := resolveIOID(doc)
	if perr != nil {
		return Result{}, perr
	}

	params, perr := resolveParams(doc)
	if perr != nil {
		return Result{}, perr
	}

	correlationID, generated := resolveCorrelationID(doc)

	topicHint := meta.TopicHint
	if v, ok := doc["topic_hint"]; ok {
		if s, ok := v.(string); ok {
			topicHint = s
		}
	}

	msg := cmdmsg.Message{
		Type:          cmdmsg.TypeCommand,
		TargetDevice:  targetDevice,
		IOKind:        ioKind,
		IOID:          ioID,
		Action:        action,
		Params:        params,
		CorrelationID: correlationID,
		TopicHint:     topicHint,
		Meta: cmdmsg.Meta{
			Source:               meta.Source,
			RxTimestampMs:         meta.RxTimestampMs,
			CorrelationGenerated: generated,
		},
	}

	return Result{Message: msg, UnknownKeys: unknownKeys(doc)}, nil
}

func unknownKeys(doc map[string]interface{}) []string {
	var unknown []string
	for k := range doc {
		if !knownTopLevelKeys[k] {
			unknown = append(unknown, k)
		}
	}
	return unknown
}

func resolveAction(doc map[string]interface{}) (cmdmsg.Action, *Error) {
	key, ok := firstPresent(doc, actionAliases)
	if !ok {
		return "", newError(CodeMissingField, "action", "required field is absent")
	}
	v := doc[key]

	if b, ok := asBoolLike(v); ok {
		if b {
			return cmdmsg.ActionOn, nil
		}
		return cmdmsg.ActionOff, nil
	}

	s, ok := v.(string)
	if !ok {
		return "", newError(CodeTypeMismatch, "action", "expected string or boolean")
	}
	switch cmdmsg.Action(strings.ToUpper(s)) {
	case cmdmsg.ActionOn, cmdmsg.ActionOff, cmdmsg.ActionToggle, cmdmsg.ActionSet, cmdmsg.ActionRead, cmdmsg.ActionReport:
		return cmdmsg.Action(strings.ToUpper(s)), nil
	default:
		return "", newError(CodeInvalidEnum, "action", "unrecognized action "+s)
	}
}

func resolveTargetDevice(doc map[string]interface{}) (string, *Error) {
	key, ok := firstPresent(doc, targetDeviceAliases)
	if !ok {
		return "", newError(CodeMissingField, "target_device", "required field is absent")
	}
	s, ok := doc[key].(string)
	if !ok || s == "" {
		return "", newError(CodeTypeMismatch, "target_device", "expected non-empty string")
	}
	return s, nil
}

func resolveIOKind(doc map[string]interface{}) (cmdmsg.IOKind, *Error) {
	if key, ok := firstPresent(doc, ioKindAliases); ok {
		s, ok := doc[key].(string)
		if !ok {
			return "", newError(CodeTypeMismatch, "io_kind", "expected string")
		}
		switch cmdmsg.IOKind(strings.ToUpper(s)) {
		case cmdmsg.IOKindRelay, cmdmsg.IOKindPWM, cmdmsg.IOKindInput:
			return cmdmsg.IOKind(strings.ToUpper(s)), nil
		default:
			return "", newError(CodeInvalidEnum, "io_kind", "unrecognized io_kind "+s)
		}
	}

	switch {
	case anyPresent(doc, inputInferenceKeys):
		return cmdmsg.IOKindInput, nil
	case anyPresent(doc, pwmInferenceKeys):
		return cmdmsg.IOKindPWM, nil
	default:
		return cmdmsg.IOKindRelay, nil
	}
}

func resolveIOID(doc map[string]interface{}) (int, *Error) {
	key, ok := firstPresent(doc, ioIDAliases)
	if !ok {
		return 0, nil
	}
	n, ok := asInt(doc[key])
	if !ok {
		return 0, newError(CodeTypeMismatch, "io_id", "expected integer")
	}
	if n < 0 || n > 63 {
		return 0, newError(CodeOutOfRange, "io_id", "must be 0..63")
	}
	return n, nil
}

func resolveCorrelationID(doc map[string]interface{}) (string, bool) {
	if key, ok := firstPresent(doc, correlationAliases); ok {
		if s, ok := doc[key].(string); ok && s != "" {
			return s, false
		}
	}
	return uuid.Must(uuid.NewV4()).String(), true
}

func resolveParams(doc map[string]interface{}) (cmdmsg.Params, *Error) {
	var p cmdmsg.Params

	durationMs, perr := resolveDurationMs(doc)
	if perr != nil {
		return p, perr
	}
	p.DurationMs = durationMs

	brightness, perr := resolveBrightnessPercent(doc)
	if perr != nil {
		return p, perr
	}
	p.BrightnessPercent = brightness

	if key, ok := firstPresent(doc, rampAliases); ok {
		n, ok := asInt(doc[key])
		if !ok {
			return p, newError(CodeTypeMismatch, "params.ramp_ms", "expected integer")
		}
		if n < 0 || n > 60000 {
			return p, newError(CodeOutOfRange, "params.ramp_ms", "must be 0..60000")
		}
		p.RampMs = &n
	}

	if key, ok := firstPresent(doc, debounceAliases); ok {
		n, ok := asInt(doc[key])
		if !ok {
			return p, newError(CodeTypeMismatch, "params.debounce_ms", "expected integer")
		}
		if n < 0 || n > 5000 {
			return p, newError(CodeOutOfRange, "params.debounce_ms", "must be 0..5000")
		}
		p.DebounceMs = &n
	}

	return p, nil
}

func resolveDurationMs(doc map[string]interface{}) (*int, *Error) {
	var resolved *int
	var resolvedFrom string

	for _, alias := range durationAliases {
		v, ok := doc[alias.key]
		if !ok {
			continue
		}
		n, ok := asInt(v)
		if !ok {
			return nil, newError(CodeTypeMismatch, "params.duration", "expected integer for "+alias.key)
		}
		ms := n * alias.multiplier
		if resolved == nil {
			resolved = &ms
			resolvedFrom = alias.key
			continue
		}
		if *resolved != ms {
			return nil, newError(CodeConflict, "params.duration",
				alias.key+" disagrees with "+resolvedFrom)
		}
	}

	if resolved == nil {
		return nil, nil
	}
	if *resolved < 0 || *resolved > 86_400_000 {
		return nil, newError(CodeOutOfRange, "params.duration", "must be 0..86400000 ms")
	}
	return resolved, nil
}

func resolveBrightnessPercent(doc map[string]interface{}) (*int, *Error) {
	var resolved *int

	if key, ok := firstPresent(doc, []string{"brightness", "brightness_percent"}); ok {
		n, ok := asPercent(doc[key])
		if !ok {
			return nil, newError(CodeTypeMismatch, "params.brightness_percent", "expected integer or percentage string")
		}
		resolved = &n
	}

	if v, ok := doc["duty"]; ok {
		raw, ok := asInt(v)
		if !ok {
			return nil, newError(CodeTypeMismatch, "params.brightness_percent", "expected integer duty")
		}
		if raw < 0 || raw > 255 {
			return nil, newError(CodeOutOfRange, "params.brightness_percent", "duty must be 0..255")
		}
		pct := dutyToPercent(raw)
		if resolved != nil && *resolved != pct {
			return nil, newError(CodeConflict, "params.brightness_percent", "duty disagrees with brightness")
		}
		resolved = &pct
	}

	if resolved == nil {
		return nil, nil
	}
	if *resolved < 0 || *resolved > 100 {
		return nil, newError(CodeOutOfRange, "params.brightness_percent", "must be 0..100")
	}
	return resolved, nil
}
