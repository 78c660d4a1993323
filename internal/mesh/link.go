package mesh

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fernwood-iot/meshnode/internal/logging"
)

// Role is a node's position in the mesh role state machine.
type Role string

const (
	RoleFollower Role = "FOLLOWER"
	RoleRoot     Role = "ROOT"
)

// RequestHandler executes a mesh-received REQUEST envelope locally and
// returns the status to ack back to the requester. It must not publish to
// the broker itself (the destination's own EVENT does that later).
type RequestHandler func(env Envelope) Status

// EventHandler processes a mesh-received EVENT or HELLO envelope. At the
// root this republishes to the broker; at a leaf it is typically a no-op.
type EventHandler func(env Envelope)

// RetainedPublisher is the narrow broker surface the root lifecycle needs:
// publish and clear retained topics. Implemented by the MQTT bridge.
type RetainedPublisher interface {
	PublishRetained(topic string, payload []byte) error
	ClearRetained(topic string) error
}

// Clock abstracts wall-clock time so tests can control timestamps and
// heartbeat cadence deterministically.
type Clock func() time.Time

// CorrelationSource produces correlation ids for outbound requests.
type CorrelationSource func() uint32

// Options configures a Link.
type Options struct {
	Radio             Radio
	Publisher         RetainedPublisher
	LocalDevice       string
	TopicPrefix       string // default "Mesh"
	HeartbeatInterval time.Duration
	StaleTTL          time.Duration
	Clock             Clock
	CorrelationSource CorrelationSource
}

func (o *Options) setDefaults() {
	if o.TopicPrefix == "" {
		o.TopicPrefix = "Mesh"
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = 20 * time.Second
	}
	if o.StaleTTL == 0 {
		o.StaleTTL = 90 * time.Second
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.CorrelationSource == nil {
		var n uint32
		var mu sync.Mutex
		o.CorrelationSource = func() uint32 {
			mu.Lock()
			defer mu.Unlock()
			n++
			return n
		}
	}
}

// Link is the mesh transport: envelope send/receive, peer resolution,
// request/ack correlation, and (when the node is root) the retained
// lifecycle publications described in spec section 4.3.
type Link struct {
	opts   Options
	logger *zap.Logger

	peers   *PeerCache
	pending *PendingTable

	mu       sync.Mutex
	rootMAC  MAC
	haveRoot bool
	role     Role
	helloTo  map[MAC]bool

	onRequest RequestHandler
	onEvent   EventHandler
	onRole    func(Role)

	root     *rootWorker
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New constructs a Link. Call Init to start its receive and (if elected)
// root-lifecycle goroutines.
func New(opts Options) *Link {
	opts.setDefaults()
	return &Link{
		opts:    opts,
		logger:  logging.With(zap.String("component", "mesh")),
		peers:   NewPeerCache(),
		pending: NewPendingTable(),
		role:    RoleFollower,
		helloTo: make(map[MAC]bool),
		stopCh:  make(chan struct{}),
	}
}

// RegisterRx installs the handlers invoked for mesh-received requests and
// events. Must be called before Init.
func (l *Link) RegisterRx(onRequest RequestHandler, onEvent EventHandler) {
	l.onRequest = onRequest
	l.onEvent = onEvent
}

// RegisterRoot installs a callback invoked whenever this node's role
// changes between FOLLOWER and ROOT.
func (l *Link) RegisterRoot(onRoleChange func(Role)) {
	l.onRole = onRoleChange
}

// IsRoot reports whether this node currently holds the root role. It
// satisfies bridge.RoleProvider so the MQTT bridge can choose its
// subscription set without depending on the mesh package's internals.
func (l *Link) IsRoot() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.role == RoleRoot
}

// Init starts the receive loop and the topology-event loop that drives root
// lifecycle publications.
func (l *Link) Init() error {
	if l.opts.Radio == nil {
		return errors.New("mesh: Init requires a Radio")
	}
	l.root = newRootWorker(l)
	go l.recvLoop()
	go l.topologyLoop()
	return nil
}

// Close stops the link's background goroutines.
func (l *Link) Close() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		if l.root != nil {
			close(l.root.stopCh)
			l.root.stopHeartbeat()
		}
	})
}

// ObserveRootCurrent refreshes the seen-root timestamp for a foreign root's
// retained Current pointer. The bridge calls this for every message it
// receives on Mesh/<id>/Root/Current/+.
func (l *Link) ObserveRootCurrent(root MAC) {
	if l.root == nil {
		return
	}
	l.root.observeRootCurrent(root, l.nowMs())
}

func (l *Link) nowMs() uint64 {
	return uint64(l.opts.Clock().UnixMilli())
}

// resolve maps a destination device identifier to a mesh address.
// RootSentinel resolves against the last-known root MAC.
func (l *Link) resolve(dest string) (MAC, bool) {
	if dest == RootSentinel {
		l.mu.Lock()
		defer l.mu.Unlock()
		if !l.haveRoot {
			return MAC{}, false
		}
		return l.rootMAC, true
	}
	return l.peers.Resolve(dest)
}

// Request sends env as a REQUEST and blocks until a matching RESPONSE
// arrives or timeout elapses.
func (l *Link) Request(env Envelope, timeout time.Duration) Status {
	dest, ok := l.resolve(env.DestinationDevice)
	if !ok {
		return StatusNoRoute
	}

	env.SourceDevice = l.opts.LocalDevice
	env.TimestampMs = l.nowMs()
	if env.CorrelationID == 0 {
		env.CorrelationID = l.opts.CorrelationSource()
	}

	done, err := l.pending.Allocate(env.CorrelationID)
	if err != nil {
		return StatusErr
	}

	frame, err := EncodeFrame(FrameRequest, env)
	if err != nil {
		l.pending.Release(env.CorrelationID)
		return StatusErr
	}

	if err := l.opts.Radio.Send(dest, frame); err != nil {
		l.pending.Release(env.CorrelationID)
		return StatusNoRoute
	}

	select {
	case status := <-done:
		return status
	case <-time.After(timeout):
		l.pending.Release(env.CorrelationID)
		return StatusTimeout
	}
}

// SendEvent unicasts env as a fire-and-forget EVENT.
func (l *Link) SendEvent(env Envelope) Status {
	dest, ok := l.resolve(env.DestinationDevice)
	if !ok {
		return StatusNoRoute
	}

	env.SourceDevice = l.opts.LocalDevice
	env.TimestampMs = l.nowMs()
	if env.CorrelationID == 0 {
		env.CorrelationID = l.opts.CorrelationSource()
	}

	frame, err := EncodeFrame(FrameEvent, env)
	if err != nil {
		return StatusErr
	}
	if err := l.opts.Radio.Send(dest, frame); err != nil {
		return StatusNoRoute
	}
	return StatusOK
}

// sendHello transmits a HELLO frame to the root exactly once per root
// address, tracked by helloTo.
func (l *Link) sendHello(root MAC) {
	l.mu.Lock()
	if l.helloTo[root] {
		l.mu.Unlock()
		return
	}
	l.helloTo[root] = true
	l.mu.Unlock()

	env := Envelope{
		SourceDevice:      l.opts.LocalDevice,
		DestinationDevice: RootSentinel,
		Kind:              KindDiag,
		TimestampMs:       l.nowMs(),
		CorrelationID:     l.opts.CorrelationSource(),
		Payload:           map[string]interface{}{"type": "HELLO", "hello": true, "dev": l.opts.LocalDevice},
	}
	frame, err := EncodeFrame(FrameHello, env)
	if err != nil {
		l.logger.Error("encode hello failed", zap.Error(err))
		return
	}
	if err := l.opts.Radio.Send(root, frame); err != nil {
		l.logger.Warn("hello send failed", zap.Error(err))
	}
}

// Snapshot returns the current routing table as mac strings.
func (l *Link) Snapshot() []string {
	if l.root == nil {
		return nil
	}
	table := l.root.currentTable()
	out := make([]string, len(table))
	for i, m := range table {
		out[i] = m.String()
	}
	return out
}

func (l *Link) recvLoop() {
	rx := l.opts.Radio.Recv()
	for {
		select {
		case <-l.stopCh:
			return
		case frame, ok := <-rx:
			if !ok {
				return
			}
			l.handleFrame(frame)
		}
	}
}

func (l *Link) handleFrame(frame InboundFrame) {
	ft, env, err := DecodeFrame(frame.Data)
	if err != nil {
		l.logger.Warn("dropping malformed frame", zap.Error(err))
		return
	}
	if env.SourceDevice != "" {
		l.peers.Upsert(env.SourceDevice, frame.Source, l.nowMs())
	}

	switch ft {
	case FrameRequest:
		l.handleRequest(frame.Source, env)
	case FrameResponse:
		status, _ := env.Payload.(map[string]interface{})
		l.pending.Signal(env.CorrelationID, statusFromPayload(status))
	case FrameEvent, FrameHello:
		if l.onEvent != nil {
			l.onEvent(env)
		}
	default:
		l.logger.Warn("unknown frame type", zap.String("type", string(ft)))
	}
}

func statusFromPayload(payload map[string]interface{}) Status {
	if payload == nil {
		return StatusErr
	}
	s, _ := payload["status"].(string)
	switch Status(s) {
	case StatusOK, StatusTimeout, StatusNoRoute, StatusErr:
		return Status(s)
	default:
		return StatusErr
	}
}

func (l *Link) handleRequest(source MAC, env Envelope) {
	var status Status
	if l.onRequest != nil {
		status = l.onRequest(env)
	} else {
		status = StatusErr
	}

	resp := Envelope{
		SourceDevice:      l.opts.LocalDevice,
		DestinationDevice: env.SourceDevice,
		CorrelationID:     env.CorrelationID,
		Kind:              env.Kind,
		TimestampMs:       l.nowMs(),
		Payload:           map[string]interface{}{"status": string(status)},
	}
	frame, err := EncodeFrame(FrameResponse, resp)
	if err != nil {
		l.logger.Error("encode response failed", zap.Error(err))
		return
	}
	if err := l.opts.Radio.Send(source, frame); err != nil {
		l.logger.Warn("response send failed", zap.Error(err))
	}
}

func (l *Link) topologyLoop() {
	events := l.opts.Radio.Events()
	for {
		select {
		case <-l.stopCh:
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			l.handleTopology(evt)
		}
	}
}

func (l *Link) handleTopology(evt TopologyEvent) {
	wasRoot := l.role == RoleRoot

	if evt.Type == TopoRootChange {
		l.mu.Lock()
		l.rootMAC = evt.RootMAC
		l.haveRoot = true
		newRole := RoleFollower
		if evt.IsRoot {
			newRole = RoleRoot
		}
		roleChanged := newRole != l.role
		l.role = newRole
		l.mu.Unlock()

		if roleChanged {
			if newRole == RoleRoot {
				l.root.onBecomeRoot(evt.RoutingTable)
			} else {
				l.root.onBecomeFollower()
			}
			if l.onRole != nil {
				l.onRole(newRole)
			}
		}

		if newRole == RoleFollower {
			l.sendHello(evt.RootMAC)
		}
	}

	if l.role == RoleRoot || wasRoot {
		l.root.handleTopology(evt)
	}
}
