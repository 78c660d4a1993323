package mesh

import "testing"

func TestPendingTableAllocateSignal(t *testing.T) {
	pt := NewPendingTable()

	done, err := pt.Allocate(7)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	if !pt.Signal(7, StatusOK) {
		t.Fatal("expected Signal to find pending entry")
	}

	select {
	case status := <-done:
		if status != StatusOK {
			t.Errorf("got %v, want OK", status)
		}
	default:
		t.Fatal("expected status to be delivered")
	}

	if pt.Len() != 0 {
		t.Errorf("expected pending table empty after signal, got %d", pt.Len())
	}
}

func TestPendingTableSignalUnknownIsNoop(t *testing.T) {
	pt := NewPendingTable()
	if pt.Signal(123, StatusOK) {
		t.Error("expected Signal on unknown correlation id to return false")
	}
}

func TestPendingTableOverflow(t *testing.T) {
	pt := NewPendingTable()
	for i := uint32(0); i < PendingTableSize; i++ {
		if _, err := pt.Allocate(i + 1); err != nil {
			t.Fatalf("Allocate(%d): %v", i, err)
		}
	}

	if _, err := pt.Allocate(9999); err != ErrPendingTableFull {
		t.Errorf("expected ErrPendingTableFull, got %v", err)
	}
}

func TestPendingTableReleaseWithoutSignal(t *testing.T) {
	pt := NewPendingTable()
	if _, err := pt.Allocate(1); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	pt.Release(1)
	if pt.Len() != 0 {
		t.Error("expected release to free the slot")
	}
	if pt.Signal(1, StatusOK) {
		t.Error("expected Signal after Release to be a no-op")
	}
}
