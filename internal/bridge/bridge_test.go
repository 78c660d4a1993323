package bridge

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fernwood-iot/meshnode/internal/cmdmsg"
	"github.com/fernwood-iot/meshnode/internal/nodecfg"
)

type fakeRole struct{ root bool }

func (f *fakeRole) IsRoot() bool { return f.root }

type recordingRouter struct {
	handled []cmdmsg.Message
}

func (r *recordingRouter) HandleCommand(msg cmdmsg.Message) {
	r.handled = append(r.handled, msg)
}

type recordingApplier struct {
	applied []nodecfg.Patch
	err     error
}

func (a *recordingApplier) Apply(patch nodecfg.Patch) error {
	a.applied = append(a.applied, patch)
	return a.err
}

func TestSubscriptionTopicsRootUsesWildcard(t *testing.T) {
	b := New(zap.NewNop(), Config{LocalDevice: "N1"}, nil, nil, &fakeRole{root: true}, nil)

	topics := b.subscriptionTopics()
	want := map[string]bool{"Devices/+/Cmd/Set": true, "Devices/+/Config/Set": true}
	if len(topics) != 2 {
		t.Fatalf("expected 2 topics, got %v", topics)
	}
	for _, tp := range topics {
		if !want[tp] {
			t.Errorf("unexpected root subscription topic %q", tp)
		}
	}
}

func TestSubscriptionTopicsLeafUsesOwnDeviceOnly(t *testing.T) {
	b := New(zap.NewNop(), Config{LocalDevice: "N1"}, nil, nil, &fakeRole{root: false}, nil)

	topics := b.subscriptionTopics()
	want := map[string]bool{"Devices/N1/Cmd/Set": true, "Devices/N1/Config/Set": true}
	if len(topics) != 2 {
		t.Fatalf("expected 2 topics, got %v", topics)
	}
	for _, tp := range topics {
		if !want[tp] {
			t.Errorf("unexpected leaf subscription topic %q", tp)
		}
	}
}

func TestHandleCmdSetParsesAndDispatchesToRouter(t *testing.T) {
	router := &recordingRouter{}
	b := New(zap.NewNop(), Config{LocalDevice: "N1"}, router, nil, &fakeRole{}, nil)

	b.handleCmdSet("Devices/N1/Cmd/Set", []byte(`{"target_device":"N1","action":"ON","io_id":0}`))

	if len(router.handled) != 1 {
		t.Fatalf("expected one dispatched command, got %d", len(router.handled))
	}
	if router.handled[0].TargetDevice != "N1" || router.handled[0].Action != cmdmsg.ActionOn {
		t.Errorf("unexpected dispatched message: %+v", router.handled[0])
	}
}

func TestHandleCmdSetDropsMalformedJSON(t *testing.T) {
	router := &recordingRouter{}
	b := New(zap.NewNop(), Config{LocalDevice: "N1"}, router, nil, &fakeRole{}, nil)

	b.handleCmdSet("Devices/N1/Cmd/Set", []byte(`not json`))

	if len(router.handled) != 0 {
		t.Error("expected malformed command to be dropped, not dispatched")
	}
}

func TestHandleConfigSetAppliesLocalPatch(t *testing.T) {
	applier := &recordingApplier{}
	b := New(zap.NewNop(), Config{LocalDevice: "N1"}, nil, applier, &fakeRole{}, nil)

	b.handleConfigSet("Devices/N1/Config/Set", []byte(`{"target_dev":"N1","device":{"name":"N1"}}`))

	if len(applier.applied) != 1 {
		t.Fatalf("expected one applied patch, got %d", len(applier.applied))
	}
}

func TestHandleConfigSetForwardsToOtherTarget(t *testing.T) {
	applier := &recordingApplier{}
	b := New(zap.NewNop(), Config{LocalDevice: "N1"}, nil, applier, &fakeRole{root: true}, nil)

	b.handleConfigSet("Devices/N1/Config/Set", []byte(`{"target_dev":"N2","device":{"name":"N2"}}`))

	if len(applier.applied) != 0 {
		t.Error("expected config for another device not to be applied locally")
	}
	raw, ok := b.outbox.Drain(), true
	_ = ok
	found := false
	for _, e := range raw {
		if e.topic == "Devices/N2/Config/Set" {
			found = true
		}
	}
	if !found {
		t.Error("expected config patch to be forwarded (queued while offline) to Devices/N2/Config/Set")
	}
}

func TestPublishQueuesWhileDisconnected(t *testing.T) {
	b := New(zap.NewNop(), Config{LocalDevice: "N1"}, nil, nil, &fakeRole{}, nil)

	if err := b.Publish("Devices/N1/State", false, []byte(`{"status":"OK"}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.outbox.Len() != 1 {
		t.Fatalf("expected one queued entry, got %d", b.outbox.Len())
	}
}

func TestOutboxDropsOldestOnOverflow(t *testing.T) {
	o := newOutbox(2, time.Minute, time.Now)
	o.Enqueue("a", false, []byte("1"))
	o.Enqueue("b", false, []byte("2"))
	dropped := o.Enqueue("c", false, []byte("3"))

	if !dropped {
		t.Error("expected overflow to report a drop")
	}
	entries := o.Drain()
	if len(entries) != 2 || entries[0].topic != "b" || entries[1].topic != "c" {
		t.Errorf("expected [b c] to survive, got %+v", entries)
	}
}

func TestOutboxExpiresEntriesOnDrain(t *testing.T) {
	now := time.Now()
	clock := now
	o := newOutbox(4, time.Second, func() time.Time { return clock })

	o.Enqueue("stale", false, []byte("1"))
	clock = now.Add(2 * time.Second)
	o.Enqueue("fresh", false, []byte("2"))

	entries := o.Drain()
	if len(entries) != 1 || entries[0].topic != "fresh" {
		t.Errorf("expected only the fresh entry to survive, got %+v", entries)
	}
}

func TestStatusTopicUsesConfiguredPrefix(t *testing.T) {
	b := New(zap.NewNop(), Config{LocalDevice: "N1", Prefix: "Custom"}, nil, nil, &fakeRole{}, nil)
	if got := b.statusTopic(); got != "Custom/N1/Status" {
		t.Errorf("expected Custom/N1/Status, got %s", got)
	}
}
