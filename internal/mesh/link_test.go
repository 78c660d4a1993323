package mesh_test

import (
	"testing"
	"time"

	"github.com/fernwood-iot/meshnode/internal/mesh"
	"github.com/fernwood-iot/meshnode/internal/mesh/meshsim"
)

type fakePublisher struct {
	published map[string][]byte
	cleared   []string
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{published: make(map[string][]byte)}
}

func (f *fakePublisher) PublishRetained(topic string, payload []byte) error {
	f.published[topic] = payload
	return nil
}

func (f *fakePublisher) ClearRetained(topic string) error {
	f.cleared = append(f.cleared, topic)
	delete(f.published, topic)
	return nil
}

func newLink(t *testing.T, bus *meshsim.Bus, mac mesh.MAC, dev string, pub *fakePublisher) *mesh.Link {
	t.Helper()
	l := mesh.New(mesh.Options{
		Radio:       bus.Radio(mac),
		Publisher:   pub,
		LocalDevice: dev,
	})
	if err := l.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(l.Close)
	return l
}

func waitForHello(t *testing.T, pub *fakePublisher, topicSuffix string) {
	t.Helper()
	// Hello delivery is asynchronous; give the simulated bus a moment.
	time.Sleep(30 * time.Millisecond)
}

func TestRequestResponseRoundTrip(t *testing.T) {
	meshID := mesh.MeshID{1, 2, 3, 4, 5, 6}
	bus := meshsim.NewBus(meshID)

	rootMAC := mesh.MAC{0xAA}
	leafMAC := mesh.MAC{0xBB}

	leafPub := newFakePublisher()
	leaf := newLink(t, bus, leafMAC, "N2", leafPub)
	leaf.RegisterRx(func(env mesh.Envelope) mesh.Status {
		return mesh.StatusOK
	}, func(mesh.Envelope) {})

	rootPub := newFakePublisher()
	root := newLink(t, bus, rootMAC, "ROOT1", rootPub)
	root.RegisterRx(func(mesh.Envelope) mesh.Status { return mesh.StatusOK }, func(mesh.Envelope) {})

	bus.SetRoot(rootMAC, []mesh.MAC{leafMAC})
	waitForHello(t, rootPub, "") // leaf's HELLO populates root's peer cache with N2

	status := root.Request(mesh.Envelope{
		DestinationDevice: "N2",
		Kind:              mesh.KindRelay,
		Payload:           map[string]interface{}{"action": "ON"},
	}, time.Second)

	if status != mesh.StatusOK {
		t.Fatalf("expected OK, got %v", status)
	}
}

func TestRequestNoRoute(t *testing.T) {
	meshID := mesh.MeshID{1, 2, 3, 4, 5, 6}
	bus := meshsim.NewBus(meshID)
	pub := newFakePublisher()
	l := newLink(t, bus, mesh.MAC{0x01}, "N1", pub)

	status := l.Request(mesh.Envelope{DestinationDevice: "ghost"}, 50*time.Millisecond)
	if status != mesh.StatusNoRoute {
		t.Errorf("expected NO_ROUTE, got %v", status)
	}
}

func TestSendEventFireAndForget(t *testing.T) {
	meshID := mesh.MeshID{1, 2, 3, 4, 5, 6}
	bus := meshsim.NewBus(meshID)

	aMAC := mesh.MAC{0x01}
	bMAC := mesh.MAC{0x02}

	received := make(chan mesh.Envelope, 1)

	bPub := newFakePublisher()
	b := newLink(t, bus, bMAC, "B", bPub)
	b.RegisterRx(func(mesh.Envelope) mesh.Status { return mesh.StatusOK }, func(env mesh.Envelope) {
		received <- env
	})

	aPub := newFakePublisher()
	a := newLink(t, bus, aMAC, "A", aPub)
	// A must learn B's address before it can address an event to it.
	// Electing A as root makes B send a HELLO to A, which upserts B's
	// address into A's peer cache.
	bus.SetRoot(aMAC, []mesh.MAC{bMAC})
	waitForHello(t, aPub, "")

	status := a.SendEvent(mesh.Envelope{DestinationDevice: "B", Kind: mesh.KindInput, Payload: map[string]interface{}{"level": true}})
	if status != mesh.StatusOK {
		t.Fatalf("expected OK, got %v", status)
	}

	select {
	case env := <-received:
		if env.SourceDevice != "A" {
			t.Errorf("expected source A, got %s", env.SourceDevice)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}
