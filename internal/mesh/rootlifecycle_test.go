package mesh_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/fernwood-iot/meshnode/internal/mesh"
	"github.com/fernwood-iot/meshnode/internal/mesh/meshsim"
)

func TestRootElectionPublishesRouteTableAndCurrent(t *testing.T) {
	meshID := mesh.MeshID{1, 2, 3, 4, 5, 6}
	bus := meshsim.NewBus(meshID)
	rootMAC := mesh.MAC{0xAA}
	leafMAC := mesh.MAC{0xBB}

	pub := newFakePublisher()
	root := newLink(t, bus, rootMAC, "ROOT1", pub)
	root.RegisterRx(func(mesh.Envelope) mesh.Status { return mesh.StatusOK }, func(mesh.Envelope) {})

	bus.SetRoot(rootMAC, []mesh.MAC{leafMAC})
	time.Sleep(50 * time.Millisecond)

	routeTopic := "Mesh/" + meshID.Hex() + "/Root/" + rootMAC.String() + "/RouteTable"
	currentTopic := "Mesh/" + meshID.Hex() + "/Root/Current/" + rootMAC.String()

	raw, ok := pub.published[routeTopic]
	if !ok {
		t.Fatalf("expected RouteTable publish on %s, got topics: %v", routeTopic, keysOf(pub.published))
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("unmarshal route doc: %v", err)
	}
	if doc["event"] != "ROOT_ELECTED" {
		t.Errorf("expected event ROOT_ELECTED, got %v", doc["event"])
	}

	if _, ok := pub.published[currentTopic]; !ok {
		t.Fatalf("expected Current pointer publish on %s", currentTopic)
	}
}

func TestStaleRootCleanup(t *testing.T) {
	meshID := mesh.MeshID{1, 2, 3, 4, 5, 6}
	bus := meshsim.NewBus(meshID)
	rootMAC := mesh.MAC{0xAA}
	staleRootMAC := mesh.MAC{0xCC}

	pub := newFakePublisher()
	l := mesh.New(mesh.Options{
		Radio:             bus.Radio(rootMAC),
		Publisher:         pub,
		LocalDevice:       "ROOT1",
		HeartbeatInterval: 20 * time.Millisecond,
		StaleTTL:          30 * time.Millisecond,
	})
	if err := l.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(l.Close)
	l.RegisterRx(func(mesh.Envelope) mesh.Status { return mesh.StatusOK }, func(mesh.Envelope) {})

	bus.SetRoot(rootMAC, nil)
	time.Sleep(10 * time.Millisecond)

	// Seed a stale foreign root pointer that is absent from our table.
	l.ObserveRootCurrent(staleRootMAC)

	routeTopic := "Mesh/" + meshID.Hex() + "/Root/" + staleRootMAC.String() + "/RouteTable"
	currentTopic := "Mesh/" + meshID.Hex() + "/Root/Current/" + staleRootMAC.String()
	pub.published[routeTopic] = []byte(`{"stale":true}`)
	pub.published[currentTopic] = []byte(`{"stale":true}`)

	// Wait past StaleTTL so the next heartbeat clears it.
	time.Sleep(80 * time.Millisecond)

	if _, ok := pub.published[routeTopic]; ok {
		t.Errorf("expected stale root's RouteTable to be cleared")
	}
	if _, ok := pub.published[currentTopic]; ok {
		t.Errorf("expected stale root's Current pointer to be cleared")
	}
}

func keysOf(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
