package domain

// Artifact statuses.
const (
	StatusPendingReview     = "pending_review"
	StatusApproved          = "approved"
	StatusRevisionRequested = "revision_requested"
)

type Project struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// OwnerKey addresses one versioned artifact slot: a project plus the
// route of the generated page inside it.
type OwnerKey struct {
	ProjectID string `json:"project_id"`
	Route     string `json:"route"`
}

func (k OwnerKey) String() string {
	return k.ProjectID + ":" + k.Route
}

// Artifact is one generated deliverable. A new generation for the same
// owner key bumps Version and drops any prior approval.
type Artifact struct {
	ID        string  `json:"id"`
	ProjectID string  `json:"project_id"`
	Route     string  `json:"route"`
	Content   string  `json:"content"`
	Status    string  `json:"status" enum:"pending_review,approved,revision_requested"`
	Approved  bool    `json:"approved"`
	Feedback  *string `json:"feedback,omitempty"`
	Version   int     `json:"version"`
	CreatedAt string  `json:"created_at" format:"date-time"`
	UpdatedAt string  `json:"updated_at" format:"date-time"`
}

func (a Artifact) Key() OwnerKey {
	return OwnerKey{ProjectID: a.ProjectID, Route: a.Route}
}

// PhaseSignoff is the dual sign-off for one phase, independent of
// per-artifact approvals. Both flags stay true until an explicit reset.
type PhaseSignoff struct {
	ProjectID         string `json:"project_id"`
	PhaseID           string `json:"phase_id"`
	ReviewerApproved  bool   `json:"reviewer_approved"`
	RequesterApproved bool   `json:"requester_approved"`
	UpdatedAt         string `json:"updated_at" format:"date-time"`
}

// PhaseStatus is the computed readiness of one phase.
type PhaseStatus struct {
	ProjectID         string   `json:"project_id"`
	PhaseID           string   `json:"phase_id"`
	ExpectedRoutes    []string `json:"expected_routes"`
	ApprovedCount     int      `json:"approved_count"`
	ExpectedCount     int      `json:"expected_count"`
	GateOpen          bool     `json:"gate_open"`
	ReviewerApproved  bool     `json:"reviewer_approved"`
	RequesterApproved bool     `json:"requester_approved"`
	CanAdvance        bool     `json:"can_advance"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload,omitempty"`
}

// Generation event types on the producer wire.
const (
	EventStart          = "start"
	EventConnected      = "connected"
	EventComponentStart = "component_start"
	EventCodeChunk      = "code_chunk"
	EventComplete       = "complete"
	EventError          = "error"
)

// GenerationEvent is the discriminated union carried on the producer
// stream, tagged by Type. Fields not used by a given type stay zero;
// unknown fields from newer producers are ignored on decode.
type GenerationEvent struct {
	Type      string `json:"type"`
	Message   string `json:"message,omitempty"`
	Component string `json:"component,omitempty"`
	Progress  int    `json:"progress,omitempty"`
	Content   string `json:"content,omitempty"`
	Code      string `json:"code,omitempty"`
}

// Terminal reports whether no further events are expected after this one.
func (e GenerationEvent) Terminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}

// Component statuses while a generation is in flight.
const (
	ComponentPending  = "pending"
	ComponentBuilding = "building"
	ComponentComplete = "complete"
)

// ComponentStatus is the progress of one named sub-unit of a generation.
type ComponentStatus struct {
	Name   string `json:"name"`
	Status string `json:"status" enum:"pending,building,complete"`
}
