package session

import (
	"testing"

	"draftgate/internal/domain"
)

func statusMap(t *Tracker) map[string]string {
	out := map[string]string{}
	for _, c := range t.Snapshot() {
		out[c.Name] = c.Status
	}
	return out
}

func TestTrackerAdvancesPriorBuilding(t *testing.T) {
	tr := NewTracker([]string{"hero", "features", "footer"})
	tr.ComponentStart("hero")
	tr.ComponentStart("features")
	got := statusMap(tr)
	if got["hero"] != domain.ComponentComplete {
		t.Fatalf("hero = %q, want complete", got["hero"])
	}
	if got["features"] != domain.ComponentBuilding {
		t.Fatalf("features = %q, want building", got["features"])
	}
	if got["footer"] != domain.ComponentPending {
		t.Fatalf("footer = %q, want pending", got["footer"])
	}
}

func TestTrackerIgnoresUnknownName(t *testing.T) {
	tr := NewTracker([]string{"hero"})
	tr.ComponentStart("hero")
	tr.ComponentStart("sidebar")
	got := statusMap(tr)
	if got["hero"] != domain.ComponentBuilding {
		t.Fatalf("hero = %q, unknown name must not disturb known entries", got["hero"])
	}
	if len(tr.Snapshot()) != 1 {
		t.Fatalf("unknown name added a component")
	}
}

func TestTrackerNeverMovesBackward(t *testing.T) {
	tr := NewTracker([]string{"hero", "features"})
	tr.ComponentStart("hero")
	tr.ComponentStart("features")
	// A repeated start for a completed section must not reopen it.
	tr.ComponentStart("hero")
	got := statusMap(tr)
	if got["hero"] != domain.ComponentComplete {
		t.Fatalf("hero regressed to %q", got["hero"])
	}
}

func TestTrackerCompleteAll(t *testing.T) {
	tr := NewTracker([]string{"hero", "features", "footer"})
	tr.ComponentStart("hero")
	tr.CompleteAll()
	for name, st := range statusMap(tr) {
		if st != domain.ComponentComplete {
			t.Fatalf("%s = %q after CompleteAll", name, st)
		}
	}
}

func TestTrackerSnapshotOrder(t *testing.T) {
	sections := []string{"hero", "features", "footer"}
	tr := NewTracker(sections)
	snap := tr.Snapshot()
	for i, c := range snap {
		if c.Name != sections[i] {
			t.Fatalf("snapshot out of plan order: %v", snap)
		}
	}
}
