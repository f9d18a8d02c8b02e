package session

import "draftgate/internal/domain"

// Tracker maintains the status of each named sub-unit of an in-flight
// generation. The section list is fixed before the stream opens; entries
// only ever move forward (pending -> building -> complete).
type Tracker struct {
	order  []string
	index  map[string]int
	status []string
}

func NewTracker(sections []string) *Tracker {
	t := &Tracker{
		order:  append([]string(nil), sections...),
		index:  make(map[string]int, len(sections)),
		status: make([]string, len(sections)),
	}
	for i, name := range t.order {
		t.index[name] = i
		t.status[i] = domain.ComponentPending
	}
	return t
}

// ComponentStart records that the producer began building a section. Any
// earlier section still marked building is completed first. Names outside
// the declared plan are ignored: the producer is an external, evolving
// collaborator and extra sections must not crash a session.
func (t *Tracker) ComponentStart(name string) {
	pos, ok := t.index[name]
	if !ok {
		return
	}
	for i, st := range t.status {
		if st == domain.ComponentBuilding && i < pos {
			t.status[i] = domain.ComponentComplete
		}
	}
	if t.status[pos] == domain.ComponentPending {
		t.status[pos] = domain.ComponentBuilding
	}
}

// CompleteAll marks every section complete, regardless of prior state.
// Called on the terminal complete event.
func (t *Tracker) CompleteAll() {
	for i := range t.status {
		t.status[i] = domain.ComponentComplete
	}
}

// Snapshot returns the current component statuses in plan order. On a
// failed run the last observed statuses are preserved so a caller can
// show which sections never finished.
func (t *Tracker) Snapshot() []domain.ComponentStatus {
	out := make([]domain.ComponentStatus, len(t.order))
	for i, name := range t.order {
		out[i] = domain.ComponentStatus{Name: name, Status: t.status[i]}
	}
	return out
}
