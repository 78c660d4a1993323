// Package router decides local-vs-remote for every canonical command,
// drives the local I/O blocks via their driver contracts, and publishes
// the resulting State document. Remote commands are handed to the mesh
// link; a root additionally republishes State on behalf of leaves whose
// mesh EVENT carries their own execution outcome, since the root is the
// node that bridges mesh traffic to the broker.
package router

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fernwood-iot/meshnode/internal/cmdmsg"
	"github.com/fernwood-iot/meshnode/internal/mesh"
)

// RelayControl is the subset of the relay driver contract the router
// drives.
type RelayControl interface {
	On(ch int) error
	Off(ch int) error
	Toggle(ch int) error
	IsOn(ch int) bool
	SetAutoOffSeconds(ch int, sec int) error
	ChannelCount() int
}

// PWMControl is the subset of the PWM driver contract the router drives.
type PWMControl interface {
	SetDuty(ch int, raw int) error
	GetDuty(ch int) int
	FadeTo(ch int, raw int, fadeMs int) error
	ChannelCount() int
}

// InputControl is the subset of the input driver contract the router
// drives.
type InputControl interface {
	GetLevel(ch int) bool
	ChannelCount() int
}

// Publisher publishes to the broker's Devices/<dev>/* namespace. The
// router derives the topic and retained/QoS policy; callers (the MQTT
// bridge, or a test double) only transport the bytes.
type Publisher interface {
	Publish(topic string, retained bool, payload []byte) error
}

// DevicePrefix is the default broker topic prefix for per-device topics.
const DevicePrefix = "Devices"

// MeshSubmitter is the subset of mesh.Link the router drives to forward
// a command to, or report an event from, a remote node.
type MeshSubmitter interface {
	Request(env mesh.Envelope, timeout time.Duration) mesh.Status
	SendEvent(env mesh.Envelope) mesh.Status
}

// RoleProvider reports whether this node currently holds the root role,
// since that governs whether a command for another device can be
// forwarded at all.
type RoleProvider interface {
	IsRoot() bool
}

// DefaultRequestTimeout bounds how long a root waits for a remote RESPONSE
// before reporting TIMEOUT.
const DefaultRequestTimeout = 5 * time.Second

// Router ties the driver contracts, the mesh link, and the broker
// publisher together for one node.
type Router struct {
	logger         *zap.Logger
	localDevice    string
	relay          RelayControl
	pwm            PWMControl
	input          InputControl
	mesh           MeshSubmitter
	role           RoleProvider
	publisher      Publisher
	requestTimeout time.Duration
}

// New constructs a Router. relay/pwm/input may be nil if the
// corresponding block has zero channels.
func New(logger *zap.Logger, localDevice string, relay RelayControl, pwm PWMControl, input InputControl, m MeshSubmitter, role RoleProvider, publisher Publisher) *Router {
	return &Router{
		logger:         logger.With(zap.String("component", "router")),
		localDevice:    localDevice,
		relay:          relay,
		pwm:            pwm,
		input:          input,
		mesh:           m,
		role:           role,
		publisher:      publisher,
		requestTimeout: DefaultRequestTimeout,
	}
}

// HandleCommand is the entry point for a canonical command arriving from
// the broker (or from the CLI/TUI in simulate mode). It decides local vs
// remote and, for local execution, publishes exactly one State document.
func (r *Router) HandleCommand(msg cmdmsg.Message) {
	if msg.TargetDevice == r.localDevice {
		state := r.executeLocal(msg)
		r.publishState(state, msg.TopicHint)
		return
	}

	r.forwardRemote(msg)
}

func (r *Router) forwardRemote(msg cmdmsg.Message) {
	if !r.role.IsRoot() {
		r.publishState(cmdmsg.State{
			CorrelationID: msg.CorrelationID,
			Device:        msg.TargetDevice,
			Status:        cmdmsg.StatusNoRoute,
			IO:            msg.IOKind,
			IOID:          msg.IOID,
			Action:        msg.Action,
			Detail:        "not root: cannot forward to another device",
		}, msg.TopicHint)
		return
	}

	payload, err := commandPayload(msg)
	if err != nil {
		r.publishState(cmdmsg.State{
			CorrelationID: msg.CorrelationID,
			Device:        msg.TargetDevice,
			Status:        cmdmsg.StatusError,
			IO:            msg.IOKind,
			IOID:          msg.IOID,
			Action:        msg.Action,
			Detail:        err.Error(),
		}, msg.TopicHint)
		return
	}

	env := mesh.Envelope{
		SourceDevice:      r.localDevice,
		DestinationDevice: msg.TargetDevice,
		Kind:              envelopeKind(msg.IOKind),
		OriginSetTopic:    msg.TopicHint,
		Payload:           payload,
	}

	status := r.mesh.Request(env, r.requestTimeout)
	if status == mesh.StatusOK {
		// Success is reported by the destination's own State, relayed
		// back as a mesh EVENT and republished by HandleMeshEvent.
		// Publishing here too would violate single-State-per-command.
		return
	}

	r.publishState(cmdmsg.State{
		CorrelationID: msg.CorrelationID,
		Device:        msg.TargetDevice,
		Status:        meshStatusToCmdStatus(status),
		IO:            msg.IOKind,
		IOID:          msg.IOID,
		Action:        msg.Action,
		Detail:        fmt.Sprintf("mesh request: %s", status),
	}, msg.TopicHint)
}

// HandleMeshRequest executes a command forwarded from the root over the
// mesh and returns the synchronous ack status for the RESPONSE frame.
// The resulting State is sent back as a mesh EVENT, not published
// locally; the root republishes it on this node's behalf. Its
// signature matches the func(Envelope) Status shape mesh.Link's
// RegisterRx expects for inbound requests.
func (r *Router) HandleMeshRequest(env mesh.Envelope) mesh.Status {
	msg, err := commandFromEnvelope(env)
	if err != nil {
		r.logger.Warn("malformed mesh request", zap.Error(err))
		return mesh.StatusErr
	}

	state := r.executeLocal(msg)
	r.emitStateEvent(env.Kind, env.OriginSetTopic, state)

	return cmdStatusToMeshStatus(state.Status)
}

// HandleMeshEvent processes an EVENT or HELLO-as-DIAG frame received
// over the mesh. Only the root republishes to the broker: a HELLO
// payload triggers retained Status/Info publications for its source,
// any other event republishes its carried State to the derived State
// topic. Its signature matches the func(Envelope) shape mesh.Link's
// RegisterRx expects for inbound events.
func (r *Router) HandleMeshEvent(env mesh.Envelope) {
	if !r.role.IsRoot() {
		return
	}

	if isHelloPayload(env.Payload) {
		r.publishHello(env.SourceDevice, env.Payload)
		return
	}

	state, err := stateFromPayload(env.Payload)
	if err != nil {
		r.logger.Warn("malformed mesh event payload", zap.String("source", env.SourceDevice), zap.Error(err))
		return
	}
	r.publishState(state, env.OriginSetTopic)
}

// publishHello renders the retained online Status and Info documents a
// HELLO (or hello=true) DIAG envelope triggers at the root.
func (r *Router) publishHello(source string, payload interface{}) {
	statusDoc, err := json.Marshal(map[string]interface{}{"status": "online", "dev": source})
	if err != nil {
		r.logger.Error("marshal hello status", zap.Error(err))
		return
	}
	if err := r.publisher.Publish(devicesTopic(source, "Status"), true, statusDoc); err != nil {
		r.logger.Error("publish hello status", zap.String("device", source), zap.Error(err))
	}

	infoDoc, err := json.Marshal(payload)
	if err != nil {
		r.logger.Error("marshal hello info", zap.Error(err))
		return
	}
	if err := r.publisher.Publish(devicesTopic(source, "Info"), true, infoDoc); err != nil {
		r.logger.Error("publish hello info", zap.String("device", source), zap.Error(err))
	}
}

func (r *Router) executeLocal(msg cmdmsg.Message) cmdmsg.State {
	switch msg.IOKind {
	case cmdmsg.IOKindRelay:
		return r.executeRelay(msg)
	case cmdmsg.IOKindPWM:
		return r.executePWM(msg)
	case cmdmsg.IOKindInput:
		return r.executeInput(msg)
	default:
		return r.invalid(msg, "unknown io_kind")
	}
}

func (r *Router) executeRelay(msg cmdmsg.Message) cmdmsg.State {
	if r.relay == nil || msg.IOID < 0 || msg.IOID >= r.relay.ChannelCount() {
		return r.outOfRange(msg)
	}

	var err error
	switch msg.Action {
	case cmdmsg.ActionOn:
		if msg.Params.DurationMs != nil {
			sec := int(math.Ceil(float64(*msg.Params.DurationMs) / 1000.0))
			if serr := r.relay.SetAutoOffSeconds(msg.IOID, sec); serr != nil {
				return r.errorState(msg, serr)
			}
		}
		err = r.relay.On(msg.IOID)
	case cmdmsg.ActionOff:
		err = r.relay.Off(msg.IOID)
	case cmdmsg.ActionToggle:
		err = r.relay.Toggle(msg.IOID)
	case cmdmsg.ActionRead, cmdmsg.ActionReport:
		// fall through to the OK/value reporting below
	default:
		return r.invalid(msg, "unsupported action for RELAY")
	}
	if err != nil {
		return r.errorState(msg, err)
	}

	on := r.relay.IsOn(msg.IOID)
	return cmdmsg.State{
		CorrelationID: msg.CorrelationID,
		Device:        r.localDevice,
		Status:        cmdmsg.StatusOK,
		IO:            cmdmsg.IOKindRelay,
		IOID:          msg.IOID,
		Action:        msg.Action,
		Value:         &on,
	}
}

func (r *Router) executePWM(msg cmdmsg.Message) cmdmsg.State {
	if r.pwm == nil || msg.IOID < 0 || msg.IOID >= r.pwm.ChannelCount() {
		return r.outOfRange(msg)
	}

	var targetPercent *int
	switch msg.Action {
	case cmdmsg.ActionSet:
		if msg.Params.BrightnessPercent == nil {
			return r.invalid(msg, "SET requires brightness_percent")
		}
		targetPercent = msg.Params.BrightnessPercent
	case cmdmsg.ActionOn:
		full := 100
		targetPercent = &full
	case cmdmsg.ActionOff:
		zero := 0
		targetPercent = &zero
	case cmdmsg.ActionToggle:
		cur := r.pwm.GetDuty(msg.IOID)
		next := 0
		if cur == 0 {
			next = percentToRaw(100)
		}
		if err := r.pwm.SetDuty(msg.IOID, next); err != nil {
			return r.errorState(msg, err)
		}
		pct := rawToPercent(next)
		return cmdmsg.State{
			CorrelationID: msg.CorrelationID, Device: r.localDevice, Status: cmdmsg.StatusOK,
			IO: cmdmsg.IOKindPWM, IOID: msg.IOID, Action: msg.Action, BrightnessPercent: &pct,
		}
	case cmdmsg.ActionRead, cmdmsg.ActionReport:
		pct := rawToPercent(r.pwm.GetDuty(msg.IOID))
		return cmdmsg.State{
			CorrelationID: msg.CorrelationID, Device: r.localDevice, Status: cmdmsg.StatusOK,
			IO: cmdmsg.IOKindPWM, IOID: msg.IOID, Action: msg.Action, BrightnessPercent: &pct,
		}
	default:
		return r.invalid(msg, "unsupported action for PWM")
	}

	raw := percentToRaw(*targetPercent)
	var err error
	if msg.Params.RampMs != nil && *msg.Params.RampMs > 0 {
		err = r.pwm.FadeTo(msg.IOID, raw, *msg.Params.RampMs)
	} else {
		err = r.pwm.SetDuty(msg.IOID, raw)
	}
	if err != nil {
		return r.errorState(msg, err)
	}

	return cmdmsg.State{
		CorrelationID: msg.CorrelationID, Device: r.localDevice, Status: cmdmsg.StatusOK,
		IO: cmdmsg.IOKindPWM, IOID: msg.IOID, Action: msg.Action, BrightnessPercent: targetPercent,
	}
}

func (r *Router) executeInput(msg cmdmsg.Message) cmdmsg.State {
	if r.input == nil || msg.IOID < 0 || msg.IOID >= r.input.ChannelCount() {
		return r.outOfRange(msg)
	}
	if msg.Action != cmdmsg.ActionRead && msg.Action != cmdmsg.ActionReport {
		return r.invalid(msg, "INPUT only supports READ")
	}

	level := r.input.GetLevel(msg.IOID)
	return cmdmsg.State{
		CorrelationID: msg.CorrelationID,
		Device:        r.localDevice,
		Status:        cmdmsg.StatusOK,
		IO:            cmdmsg.IOKindInput,
		IOID:          msg.IOID,
		Action:        msg.Action,
		Value:         &level,
	}
}

func (r *Router) invalid(msg cmdmsg.Message, detail string) cmdmsg.State {
	return cmdmsg.State{
		CorrelationID: msg.CorrelationID, Device: r.localDevice, Status: cmdmsg.StatusInvalid,
		IO: msg.IOKind, IOID: msg.IOID, Action: msg.Action, Detail: detail,
	}
}

func (r *Router) outOfRange(msg cmdmsg.Message) cmdmsg.State {
	return cmdmsg.State{
		CorrelationID: msg.CorrelationID, Device: r.localDevice, Status: cmdmsg.StatusOutOfRange,
		IO: msg.IOKind, IOID: msg.IOID, Action: msg.Action, Detail: "io_id has no bound channel",
	}
}

func (r *Router) errorState(msg cmdmsg.Message, err error) cmdmsg.State {
	return cmdmsg.State{
		CorrelationID: msg.CorrelationID, Device: r.localDevice, Status: cmdmsg.StatusError,
		IO: msg.IOKind, IOID: msg.IOID, Action: msg.Action, Detail: err.Error(),
	}
}

// publishState renders state and publishes it non-retained, QoS 1, to
// the topic derived from originSetTopic (a "…/Cmd/Set"-suffixed topic
// carried along with the originating command) or, absent that, to
// Devices/<device>/State.
func (r *Router) publishState(state cmdmsg.State, originSetTopic string) {
	raw, err := json.Marshal(state)
	if err != nil {
		r.logger.Error("marshal state", zap.Error(err))
		return
	}
	topic := deriveStateTopic(state.Device, originSetTopic)
	if err := r.publisher.Publish(topic, false, raw); err != nil {
		r.logger.Error("publish state", zap.String("topic", topic), zap.Error(err))
	}
}

// emitStateEvent sends a just-executed State back to the root as a mesh
// EVENT, so the root can republish it on the broker on this node's
// behalf.
func (r *Router) emitStateEvent(kind mesh.Kind, originSetTopic string, state cmdmsg.State) {
	raw, err := json.Marshal(state)
	if err != nil {
		r.logger.Error("marshal state event", zap.Error(err))
		return
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		r.logger.Error("unmarshal state event", zap.Error(err))
		return
	}

	status := r.mesh.SendEvent(mesh.Envelope{
		SourceDevice:      r.localDevice,
		DestinationDevice: mesh.RootSentinel,
		Kind:              kind,
		OriginSetTopic:    originSetTopic,
		Payload:           payload,
	})
	if status != mesh.StatusOK {
		r.logger.Warn("failed to relay state event to root", zap.String("status", string(status)))
	}
}

// deriveStateTopic implements the State topic derivation rule: a
// "…/Cmd/Set" origin topic has that suffix swapped for "/State";
// otherwise the default Devices/<device>/State topic is used.
func deriveStateTopic(device, originSetTopic string) string {
	const suffix = "/Cmd/Set"
	if strings.HasSuffix(originSetTopic, suffix) {
		return strings.TrimSuffix(originSetTopic, suffix) + "/State"
	}
	return devicesTopic(device, "State")
}

func devicesTopic(device, leaf string) string {
	return fmt.Sprintf("%s/%s/%s", DevicePrefix, device, leaf)
}

func envelopeKind(io cmdmsg.IOKind) mesh.Kind {
	switch io {
	case cmdmsg.IOKindRelay:
		return mesh.KindRelay
	case cmdmsg.IOKindPWM:
		return mesh.KindPWM
	case cmdmsg.IOKindInput:
		return mesh.KindInput
	default:
		return mesh.KindDiag
	}
}

func meshStatusToCmdStatus(s mesh.Status) cmdmsg.Status {
	switch s {
	case mesh.StatusTimeout:
		return cmdmsg.StatusTimeout
	case mesh.StatusNoRoute:
		return cmdmsg.StatusNoRoute
	default:
		return cmdmsg.StatusError
	}
}

func cmdStatusToMeshStatus(s cmdmsg.Status) mesh.Status {
	if s == cmdmsg.StatusOK {
		return mesh.StatusOK
	}
	return mesh.StatusErr
}

func percentToRaw(percent int) int {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return int(float64(percent)*8191.0/100.0 + 0.5)
}

func rawToPercent(raw int) int {
	return int(float64(raw)*100.0/8191.0 + 0.5)
}

// commandPayload renders a canonical command's routable fields into the
// mesh envelope payload a REQUEST carries.
func commandPayload(msg cmdmsg.Message) (map[string]interface{}, error) {
	raw, err := json.Marshal(struct {
		IOID   int           `json:"io_id"`
		Action cmdmsg.Action `json:"action"`
		Params cmdmsg.Params `json:"params"`
	}{msg.IOID, msg.Action, msg.Params})
	if err != nil {
		return nil, fmt.Errorf("router: marshal command payload: %w", err)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("router: unmarshal command payload: %w", err)
	}
	return payload, nil
}

// commandFromEnvelope reconstructs a canonical command from a received
// mesh REQUEST envelope.
func commandFromEnvelope(env mesh.Envelope) (cmdmsg.Message, error) {
	raw, err := json.Marshal(env.Payload)
	if err != nil {
		return cmdmsg.Message{}, fmt.Errorf("router: marshal envelope payload: %w", err)
	}

	var body struct {
		IOID   int           `json:"io_id"`
		Action cmdmsg.Action `json:"action"`
		Params cmdmsg.Params `json:"params"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return cmdmsg.Message{}, fmt.Errorf("router: unmarshal envelope payload: %w", err)
	}

	return cmdmsg.Message{
		Type:         cmdmsg.TypeCommand,
		TargetDevice: env.DestinationDevice,
		IOKind:       meshKindToIOKind(env.Kind),
		IOID:         body.IOID,
		Action:       body.Action,
		Params:       body.Params,
		Meta:         cmdmsg.Meta{Source: cmdmsg.SourceMesh},
	}, nil
}

func meshKindToIOKind(k mesh.Kind) cmdmsg.IOKind {
	switch k {
	case mesh.KindRelay:
		return cmdmsg.IOKindRelay
	case mesh.KindPWM:
		return cmdmsg.IOKindPWM
	case mesh.KindInput:
		return cmdmsg.IOKindInput
	default:
		return ""
	}
}

func stateFromPayload(payload interface{}) (cmdmsg.State, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return cmdmsg.State{}, err
	}
	var state cmdmsg.State
	if err := json.Unmarshal(raw, &state); err != nil {
		return cmdmsg.State{}, err
	}
	return state, nil
}

func isHelloPayload(payload interface{}) bool {
	m, ok := payload.(map[string]interface{})
	if !ok {
		return false
	}
	if t, _ := m["type"].(string); t == "HELLO" {
		return true
	}
	hello, _ := m["hello"].(bool)
	return hello
}
