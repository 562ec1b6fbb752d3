package sequence

import (
	"errors"
	"testing"

	"github.com/inercia/chatwire/internal/clientstate"
	"github.com/inercia/chatwire/internal/protocol"
)

func textAt(seq int64) protocol.Envelope {
	env, _ := protocol.New(protocol.TypeText, protocol.Text{Content: "x"})
	return env.WithSeq(seq)
}

func newTracker(t *testing.T, last int64) (*Tracker, *clientstate.MemoryStore) {
	t.Helper()
	store := clientstate.NewMemoryStore()
	if last > 0 {
		_ = store.SetLastSeq("c1", last)
	}
	tr, err := NewTracker("c1", store)
	if err != nil {
		t.Fatalf("NewTracker failed: %v", err)
	}
	return tr, store
}

func TestTracker_Observe(t *testing.T) {
	tests := []struct {
		name     string
		last     int64
		seq      int64
		want     Verdict
		wantLast int64
	}{
		{"next in order", 5, 6, Accept, 6},
		{"duplicate of last", 5, 5, Duplicate, 5},
		{"late retransmit", 8, 7, Duplicate, 8},
		{"gap", 5, 7, Gap, 5},
		{"first event with no prior state", 0, 42, Accept, 42},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, store := newTracker(t, tt.last)
			if got := tr.Observe(textAt(tt.seq)); got != tt.want {
				t.Errorf("Observe(%d) = %v, want %v", tt.seq, got, tt.want)
			}
			if got := tr.LastSeen(); got != tt.wantLast {
				t.Errorf("LastSeen() = %d, want %d", got, tt.wantLast)
			}
			if persisted, _ := store.LastSeq("c1"); persisted != tt.wantLast {
				t.Errorf("persisted seq = %d, want %d", persisted, tt.wantLast)
			}
		})
	}
}

func TestTracker_UnsequencedAlwaysAccepted(t *testing.T) {
	tr, _ := newTracker(t, 3)
	env, _ := protocol.New(protocol.TypeError, protocol.Error{Message: "x"})
	if got := tr.Observe(env); got != Accept {
		t.Errorf("Observe(unsequenced) = %v, want Accept", got)
	}
	if tr.LastSeen() != 3 {
		t.Errorf("LastSeen() = %d, want 3", tr.LastSeen())
	}
}

func TestTracker_AnchorRequiresNext(t *testing.T) {
	tr, _ := newTracker(t, 0)
	tr.Anchor()
	if got := tr.Observe(textAt(4)); got != Gap {
		t.Errorf("Observe(4) after Anchor = %v, want Gap", got)
	}
	if got := tr.Observe(textAt(1)); got != Accept {
		t.Errorf("Observe(1) after Anchor = %v, want Accept", got)
	}
}

func TestTracker_Reset(t *testing.T) {
	tr, store := newTracker(t, 9)
	if err := tr.Reset(0); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if persisted, _ := store.LastSeq("c1"); persisted != 0 {
		t.Errorf("persisted seq after Reset = %d, want 0", persisted)
	}
	if got := tr.Observe(textAt(1)); got != Accept {
		t.Errorf("Observe(1) after Reset = %v, want Accept", got)
	}
}

type failingStore struct{}

func (failingStore) LastSeq(string) (int64, error)  { return 0, errors.New("disk gone") }
func (failingStore) SetLastSeq(string, int64) error { return errors.New("disk gone") }

func TestNewTracker_LoadError(t *testing.T) {
	if _, err := NewTracker("c1", failingStore{}); err == nil {
		t.Error("expected load error")
	}
}
