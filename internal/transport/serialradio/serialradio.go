// Package serialradio implements mesh.Radio over a UART-attached mesh
// coprocessor, the way the teacher's internal/connection package drove a
// Meshtastic device over go.bug.st/serial. Where the teacher framed
// magic+length binary packets (pkg/meshtastic.StreamFramer), this transport
// reuses the mesh package's NUL-terminated JSON framing (mesh.FrameReader /
// mesh.WriteFrame) and wraps each mesh wire frame in a small envelope that
// carries the MAC addressing the mesh.Radio interface itself doesn't.
package serialradio

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"github.com/fernwood-iot/meshnode/internal/mesh"
)

const (
	defaultReadTimeout = 100 * time.Millisecond
	recvBacklog        = 64
	eventBacklog       = 16
)

// handshakeTimeout is a var rather than a const so tests can shorten it
// instead of waiting out the real handshake window.
var handshakeTimeout = 3 * time.Second

// Config describes the serial port the mesh coprocessor is attached to.
type Config struct {
	Port string
	Baud int
}

// wireMessage is the outer envelope carried over the serial link, one per
// NUL-terminated frame. Type selects the populated fields: Source/Dest/Data
// for a frame, Topology for a topology event, MeshID/SelfMAC for a hello.
type wireMessage struct {
	Type     string          `json:"type"`
	Source   string          `json:"source,omitempty"`
	Dest     string          `json:"dest,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Topology *topologyWire   `json:"topology,omitempty"`
	MeshID   string          `json:"mesh_id,omitempty"`
	SelfMAC  string          `json:"self_mac,omitempty"`
}

type topologyWire struct {
	Type         mesh.TopologyEventType `json:"type"`
	IsRoot       bool                   `json:"is_root,omitempty"`
	RootMAC      string                 `json:"root_mac,omitempty"`
	RoutingTable []string               `json:"routing_table,omitempty"`
}

const (
	msgTypeFrame    = "frame"
	msgTypeTopology = "topology"
	msgTypeHello    = "hello"
)

// portCloser is the slice of go.bug.st/serial.Port this package needs.
// Declaring it locally (serial.Port satisfies it structurally) lets tests
// swap in an in-memory stand-in instead of a real port.
type portCloser interface {
	io.Reader
	io.Writer
	Close() error
}

// Radio drives a mesh coprocessor reachable over a serial port. It
// implements mesh.Radio.
type Radio struct {
	cfg    Config
	logger *zap.Logger
	port   portCloser
	fr     *mesh.FrameReader

	writeMu sync.Mutex

	mu      sync.RWMutex
	meshID  mesh.MeshID
	selfMAC mesh.MAC

	recv   chan mesh.InboundFrame
	events chan mesh.TopologyEvent
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Open connects to the coprocessor, performs the startup handshake to learn
// its mesh ID and self address, and starts the background read loop.
func Open(logger *zap.Logger, cfg Config) (*Radio, error) {
	mode := &serial.Mode{
		BaudRate: cfg.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("serialradio: open %s: %w", cfg.Port, err)
	}
	if err := port.SetReadTimeout(defaultReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("serialradio: set read timeout: %w", err)
	}

	r := &Radio{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "serialradio"), zap.String("port", cfg.Port)),
		port:   port,
		fr:     mesh.NewFrameReader(port),
		recv:   make(chan mesh.InboundFrame, recvBacklog),
		events: make(chan mesh.TopologyEvent, eventBacklog),
		stopCh: make(chan struct{}),
	}

	if err := r.handshake(); err != nil {
		port.Close()
		return nil, err
	}

	r.wg.Add(1)
	go r.readLoop()
	return r, nil
}

// handshake asks the coprocessor for its mesh ID and self address, the
// serial-transport equivalent of the teacher's WantConfig/MyInfo exchange.
func (r *Radio) handshake() error {
	if err := r.writeMessage(wireMessage{Type: msgTypeHello}); err != nil {
		return fmt.Errorf("serialradio: handshake write: %w", err)
	}

	deadline := time.Now().Add(handshakeTimeout)
	for time.Now().Before(deadline) {
		raw, err := r.fr.ReadFrame()
		if err != nil {
			continue
		}
		var msg wireMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if msg.Type != msgTypeHello || msg.MeshID == "" || msg.SelfMAC == "" {
			continue
		}
		meshID, err := mesh.ParseMeshID(msg.MeshID)
		if err != nil {
			return fmt.Errorf("serialradio: handshake mesh id: %w", err)
		}
		selfMAC, err := mesh.ParseMAC(msg.SelfMAC)
		if err != nil {
			return fmt.Errorf("serialradio: handshake self mac: %w", err)
		}
		r.mu.Lock()
		r.meshID = meshID
		r.selfMAC = selfMAC
		r.mu.Unlock()
		return nil
	}
	return fmt.Errorf("serialradio: handshake timed out waiting for coprocessor hello")
}

// MeshID returns the 6-byte mesh identifier learned at handshake.
func (r *Radio) MeshID() mesh.MeshID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.meshID
}

// SelfMAC returns this node's own mesh address learned at handshake.
func (r *Radio) SelfMAC() mesh.MAC {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.selfMAC
}

// Send unicasts a raw mesh wire frame to dest over the serial link.
func (r *Radio) Send(dest mesh.MAC, frame []byte) error {
	return r.writeMessage(wireMessage{
		Type: msgTypeFrame,
		Dest: dest.String(),
		Data: json.RawMessage(frame),
	})
}

func (r *Radio) writeMessage(msg wireMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("serialradio: encode: %w", err)
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return mesh.WriteFrame(r.port, raw)
}

// Recv returns the channel of inbound frames arriving from the coprocessor.
func (r *Radio) Recv() <-chan mesh.InboundFrame {
	return r.recv
}

// Events returns the channel of topology/role changes reported by the
// coprocessor.
func (r *Radio) Events() <-chan mesh.TopologyEvent {
	return r.events
}

// Close stops the read loop and closes the underlying serial port.
func (r *Radio) Close() error {
	select {
	case <-r.stopCh:
		return nil
	default:
		close(r.stopCh)
	}
	err := r.port.Close()
	r.wg.Wait()
	close(r.recv)
	close(r.events)
	return err
}

func (r *Radio) stopped() bool {
	select {
	case <-r.stopCh:
		return true
	default:
		return false
	}
}

func (r *Radio) readLoop() {
	defer r.wg.Done()
	for {
		if r.stopped() {
			return
		}
		raw, err := r.fr.ReadFrame()
		if err != nil {
			if r.stopped() {
				return
			}
			// Read timeouts and resync discards surface here too; neither
			// is worth logging at a level that is on by default.
			r.logger.Debug("frame read error", zap.Error(err))
			continue
		}
		r.handleFrame(raw)
	}
}

func (r *Radio) handleFrame(raw []byte) {
	var msg wireMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		r.logger.Debug("malformed serial envelope", zap.Error(err))
		return
	}

	switch msg.Type {
	case msgTypeFrame:
		src, err := mesh.ParseMAC(msg.Source)
		if err != nil {
			r.logger.Debug("inbound frame with invalid source mac", zap.String("source", msg.Source))
			return
		}
		select {
		case r.recv <- mesh.InboundFrame{Source: src, Data: []byte(msg.Data)}:
		default:
			r.logger.Warn("inbound frame queue full, dropping frame")
		}
	case msgTypeTopology:
		if msg.Topology == nil {
			return
		}
		evt := mesh.TopologyEvent{
			Type:   msg.Topology.Type,
			IsRoot: msg.Topology.IsRoot,
		}
		if msg.Topology.RootMAC != "" {
			if mac, err := mesh.ParseMAC(msg.Topology.RootMAC); err == nil {
				evt.RootMAC = mac
			}
		}
		for _, s := range msg.Topology.RoutingTable {
			if mac, err := mesh.ParseMAC(s); err == nil {
				evt.RoutingTable = append(evt.RoutingTable, mac)
			}
		}
		select {
		case r.events <- evt:
		default:
			r.logger.Warn("topology event queue full, dropping event")
		}
	case msgTypeHello:
		// The coprocessor re-announces after its own reset; refresh our
		// cached identity rather than treating it as an error.
		if msg.MeshID != "" {
			if id, err := mesh.ParseMeshID(msg.MeshID); err == nil {
				r.mu.Lock()
				r.meshID = id
				r.mu.Unlock()
			}
		}
		if msg.SelfMAC != "" {
			if mac, err := mesh.ParseMAC(msg.SelfMAC); err == nil {
				r.mu.Lock()
				r.selfMAC = mac
				r.mu.Unlock()
			}
		}
	default:
		r.logger.Debug("unknown serial envelope type", zap.String("type", msg.Type))
	}
}
