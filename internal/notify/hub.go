// Package notify fans out core state changes to in-process subscribers.
// It decouples the engine and sessions from any transport: the HTTP watch
// endpoint, the CLI progress display, and tests all consume the same feed.
package notify

import (
	"log/slog"
	"sync"
)

// Notification kinds.
const (
	KindArtifactUpdated = "artifact.updated"
	KindApprovalChanged = "approval.changed"
	KindPhaseChanged    = "phase.changed"
	KindSessionUpdate   = "session.update"
)

// Notification is one state-change message.
type Notification struct {
	Kind      string         `json:"kind"`
	ProjectID string         `json:"project_id,omitempty"`
	Route     string         `json:"route,omitempty"`
	PhaseID   string         `json:"phase_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Hub is a subscriber registry. A nil *Hub is valid and drops everything,
// so producers do not need to guard their Publish calls.
type Hub struct {
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan Notification]struct{}
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:      logger,
		subscribers: make(map[chan Notification]struct{}),
	}
}

// Subscribe returns a channel receiving future notifications.
// The caller must call Unsubscribe when done.
func (h *Hub) Subscribe() chan Notification {
	ch := make(chan Notification, 64) // buffered so Publish never blocks
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (h *Hub) Unsubscribe(ch chan Notification) {
	h.mu.Lock()
	delete(h.subscribers, ch)
	h.mu.Unlock()
	close(ch)
}

// Publish sends a notification to all subscribers. Subscribers with a full
// buffer are skipped so one slow consumer cannot stall the core.
func (h *Hub) Publish(n Notification) {
	if h == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subscribers {
		select {
		case ch <- n:
		default:
			h.logger.Debug("notify: dropped notification for slow subscriber", "kind", n.Kind)
		}
	}
}
