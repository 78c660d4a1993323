// Package meshsim provides an in-process stand-in for the mesh radio stack,
// the way pkg/meshtastic/simulator stood in for a real Meshtastic node: a
// shared Bus lets several mesh.Link instances exchange frames and topology
// events without hardware, for tests and for `meshnode simulate`.
package meshsim

import (
	"errors"
	"sync"

	"github.com/fernwood-iot/meshnode/internal/mesh"
)

// Bus is a shared virtual mesh that several Radios attach to.
type Bus struct {
	mu     sync.Mutex
	meshID mesh.MeshID
	nodes  map[mesh.MAC]*Radio
}

// NewBus creates an empty simulated mesh identified by meshID.
func NewBus(meshID mesh.MeshID) *Bus {
	return &Bus{meshID: meshID, nodes: make(map[mesh.MAC]*Radio)}
}

// Radio returns (creating if needed) the simulated radio for mac.
func (b *Bus) Radio(mac mesh.MAC) *Radio {
	b.mu.Lock()
	defer b.mu.Unlock()

	if r, ok := b.nodes[mac]; ok {
		return r
	}
	r := &Radio{
		bus:    b,
		self:   mac,
		recv:   make(chan mesh.InboundFrame, 32),
		events: make(chan mesh.TopologyEvent, 8),
	}
	b.nodes[mac] = r
	return r
}

// SetRoot broadcasts a ROOT_CHANGE event to every attached radio, marking
// root as the elected root and table as the current routing snapshot.
func (b *Bus) SetRoot(root mesh.MAC, table []mesh.MAC) {
	for _, r := range b.snapshotRadios() {
		r.events <- mesh.TopologyEvent{
			Type:         mesh.TopoRootChange,
			IsRoot:       r.self == root,
			RootMAC:      root,
			RoutingTable: table,
		}
	}
}

// Announce broadcasts a routing-table change event to every attached radio.
func (b *Bus) Announce(evtType mesh.TopologyEventType, table []mesh.MAC) {
	for _, r := range b.snapshotRadios() {
		r.events <- mesh.TopologyEvent{Type: evtType, RoutingTable: table}
	}
}

func (b *Bus) snapshotRadios() []*Radio {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Radio, 0, len(b.nodes))
	for _, r := range b.nodes {
		out = append(out, r)
	}
	return out
}

// Radio is a mesh.Radio backed by the Bus instead of real hardware.
type Radio struct {
	bus    *Bus
	self   mesh.MAC
	recv   chan mesh.InboundFrame
	events chan mesh.TopologyEvent
}

// MeshID implements mesh.Radio.
func (r *Radio) MeshID() mesh.MeshID { return r.bus.meshID }

// SelfMAC implements mesh.Radio.
func (r *Radio) SelfMAC() mesh.MAC { return r.self }

// Send implements mesh.Radio by handing the frame directly to the
// destination radio's inbound channel.
func (r *Radio) Send(dest mesh.MAC, frame []byte) error {
	r.bus.mu.Lock()
	target, ok := r.bus.nodes[dest]
	r.bus.mu.Unlock()
	if !ok {
		return errors.New("meshsim: no route to " + dest.String())
	}

	cp := make([]byte, len(frame))
	copy(cp, frame)

	select {
	case target.recv <- mesh.InboundFrame{Source: r.self, Data: cp}:
		return nil
	default:
		return errors.New("meshsim: destination receive buffer full")
	}
}

// Recv implements mesh.Radio.
func (r *Radio) Recv() <-chan mesh.InboundFrame { return r.recv }

// Events implements mesh.Radio.
func (r *Radio) Events() <-chan mesh.TopologyEvent { return r.events }
