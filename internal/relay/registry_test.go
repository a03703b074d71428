package relay

import (
	"net"
	"testing"
)

func testSession(id uint16, addr string) *Session {
	return NewSession(id, &net.IPAddr{IP: net.ParseIP(addr)}, "RQ47", 0, SessionConfig{
		MailboxSize: 4,
	})
}

func TestRegistry_PutGet(t *testing.T) {
	reg := NewRegistry()

	reg.Put(testSession(4242, "192.168.1.50"))

	got := reg.Get(4242)
	if got == nil {
		t.Fatal("Get returned nil for registered session")
	}
	if got.AgentID != 4242 {
		t.Errorf("AgentID = %d, want 4242", got.AgentID)
	}
}

func TestRegistry_GetUnknown(t *testing.T) {
	reg := NewRegistry()

	if got := reg.Get(99); got != nil {
		t.Errorf("Get(99) = %v, want nil", got)
	}
}

func TestRegistry_Len(t *testing.T) {
	reg := NewRegistry()

	if reg.Len() != 0 {
		t.Errorf("Len = %d, want 0", reg.Len())
	}

	reg.Put(testSession(1, "10.0.0.1"))
	reg.Put(testSession(2, "10.0.0.2"))

	if reg.Len() != 2 {
		t.Errorf("Len = %d, want 2", reg.Len())
	}

	// Re-registering an agent keeps one slot.
	reg.Put(testSession(1, "10.0.0.1"))
	if reg.Len() != 2 {
		t.Errorf("Len after re-put = %d, want 2", reg.Len())
	}
}

func TestRegistry_Snapshot_Sorted(t *testing.T) {
	reg := NewRegistry()

	for _, id := range []uint16{300, 5, 77} {
		reg.Put(testSession(id, "10.0.0.1"))
	}

	snap := reg.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("Snapshot length = %d, want 3", len(snap))
	}

	want := []uint16{5, 77, 300}
	for i, sess := range snap {
		if sess.AgentID != want[i] {
			t.Errorf("Snapshot[%d].AgentID = %d, want %d", i, sess.AgentID, want[i])
		}
	}
}

func TestRegistry_SnapshotEmpty(t *testing.T) {
	reg := NewRegistry()

	if snap := reg.Snapshot(); len(snap) != 0 {
		t.Errorf("Snapshot of empty registry has %d entries", len(snap))
	}
}
