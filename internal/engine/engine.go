package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"draftgate/internal/config"
	"draftgate/internal/domain"
	"draftgate/internal/events"
	"draftgate/internal/notify"
	"draftgate/internal/repo"
)

// Transition errors. Each is rejected synchronously before any mutation.
var (
	ErrEmptyFeedback    = errors.New("feedback is required to request a revision")
	ErrArtifactApproved = errors.New("artifact is approved and locked")
	ErrOverrideRequired = errors.New("artifact is approved; regeneration requires an explicit override")
	ErrBadTransition    = errors.New("invalid approval transition")
)

// Sign-off roles for phase advancement.
const (
	RoleReviewer  = "reviewer"
	RoleRequester = "requester"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Hub    *notify.Hub
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// InitProject initializes a new project with migrations already run.
func (e Engine) InitProject(ctx context.Context, projectID, description, actorID string) (domain.Project, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p := domain.Project{
		ID:          projectID,
		Status:      "active",
		Description: description,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertProjectTx(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, p.ID, config.Default(p.ID)); err != nil {
		return domain.Project{}, fmt.Errorf("insert project config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "project.init", p.ID, "project", p.ID, actorID, events.EventPayload{"status": p.Status}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// CheckGenerate verifies that a generation may start for the key. An
// approved artifact is locked: starting a new generation for it needs the
// override flag, so an approval is never overwritten by an incidental click.
func (e Engine) CheckGenerate(ctx context.Context, key domain.OwnerKey, override bool) error {
	a, err := e.Repo.GetArtifact(ctx, key)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if a.Approved && !override {
		return ErrOverrideRequired
	}
	return nil
}

// SaveArtifact persists the outcome of a successful generation. The first
// save for a key creates version 1; later saves read the current version
// inside the transaction and write version+1. Every save re-enters review:
// status pending_review, approved false, feedback cleared. Approval never
// carries forward across content changes.
func (e Engine) SaveArtifact(ctx context.Context, key domain.OwnerKey, content, actorID string) (domain.Artifact, error) {
	if key.ProjectID == "" || key.Route == "" {
		return domain.Artifact{}, errors.New("owner key requires project and route")
	}
	if _, err := e.Repo.GetProject(ctx, key.ProjectID); err != nil {
		return domain.Artifact{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Artifact{}, err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	a, err := e.Repo.GetArtifactTx(ctx, tx, key)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		a = domain.Artifact{
			ID:        uuid.NewString(),
			ProjectID: key.ProjectID,
			Route:     key.Route,
			Content:   content,
			Status:    domain.StatusPendingReview,
			Version:   1,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := e.Repo.InsertArtifactTx(ctx, tx, a); err != nil {
			return domain.Artifact{}, fmt.Errorf("insert artifact: %w", err)
		}
	case err != nil:
		return domain.Artifact{}, err
	default:
		a.Content = content
		a.Status = domain.StatusPendingReview
		a.Approved = false
		a.Feedback = nil
		a.Version++
		a.UpdatedAt = now
		if err := e.Repo.UpdateArtifactContentTx(ctx, tx, a); err != nil {
			return domain.Artifact{}, fmt.Errorf("update artifact: %w", err)
		}
	}
	if err := e.Events.Append(ctx, tx, "artifact.generated", a.ProjectID, "artifact", a.ID, actorID, events.EventPayload{
		"route":   a.Route,
		"version": a.Version,
	}); err != nil {
		return domain.Artifact{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Artifact{}, err
	}
	e.Hub.Publish(notify.Notification{
		Kind:      notify.KindArtifactUpdated,
		ProjectID: a.ProjectID,
		Route:     a.Route,
		Payload:   map[string]any{"version": a.Version, "status": a.Status},
	})
	e.publishPhaseChanges(ctx, a)
	return a, nil
}

// Approve locks an artifact. Legal from pending_review or
// revision_requested; calling it on an already approved artifact is a
// no-op returning the current state.
func (e Engine) Approve(ctx context.Context, key domain.OwnerKey, actorID string) (domain.Artifact, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Artifact{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetArtifactTx(ctx, tx, key)
	if err != nil {
		return domain.Artifact{}, err
	}
	if a.Approved {
		return a, nil
	}
	if a.Status != domain.StatusPendingReview && a.Status != domain.StatusRevisionRequested {
		return a, fmt.Errorf("%w: approve from %s", ErrBadTransition, a.Status)
	}
	a.Status = domain.StatusApproved
	a.Approved = true
	a.Feedback = nil
	a.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateArtifactReviewTx(ctx, tx, a); err != nil {
		return domain.Artifact{}, err
	}
	if err := e.Events.Append(ctx, tx, "artifact.approved", a.ProjectID, "artifact", a.ID, actorID, events.EventPayload{
		"route":   a.Route,
		"version": a.Version,
	}); err != nil {
		return domain.Artifact{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Artifact{}, err
	}
	e.Hub.Publish(notify.Notification{
		Kind:      notify.KindApprovalChanged,
		ProjectID: a.ProjectID,
		Route:     a.Route,
		Payload:   map[string]any{"status": a.Status, "version": a.Version},
	})
	e.publishPhaseChanges(ctx, a)
	return a, nil
}

// RequestRevision sends an artifact back with feedback. Illegal on an
// approved artifact and with empty feedback; the artifact keeps its
// current version until the next successful generation.
func (e Engine) RequestRevision(ctx context.Context, key domain.OwnerKey, feedback, actorID string) (domain.Artifact, error) {
	if strings.TrimSpace(feedback) == "" {
		return domain.Artifact{}, ErrEmptyFeedback
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Artifact{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetArtifactTx(ctx, tx, key)
	if err != nil {
		return domain.Artifact{}, err
	}
	if a.Approved {
		return a, ErrArtifactApproved
	}
	a.Status = domain.StatusRevisionRequested
	a.Approved = false
	a.Feedback = &feedback
	a.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateArtifactReviewTx(ctx, tx, a); err != nil {
		return domain.Artifact{}, err
	}
	if err := e.Events.Append(ctx, tx, "artifact.revision_requested", a.ProjectID, "artifact", a.ID, actorID, events.EventPayload{
		"route":    a.Route,
		"version":  a.Version,
		"feedback": feedback,
	}); err != nil {
		return domain.Artifact{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Artifact{}, err
	}
	e.Hub.Publish(notify.Notification{
		Kind:      notify.KindApprovalChanged,
		ProjectID: a.ProjectID,
		Route:     a.Route,
		Payload:   map[string]any{"status": a.Status, "version": a.Version},
	})
	return a, nil
}

// GateOpen reports whether every expected route maps to an approved
// artifact. An empty expected set never opens the gate.
func GateOpen(expectedRoutes []string, artifacts map[string]domain.Artifact) bool {
	if len(expectedRoutes) == 0 {
		return false
	}
	for _, route := range expectedRoutes {
		a, ok := artifacts[route]
		if !ok || !a.Approved {
			return false
		}
	}
	return true
}

// PhaseStatus computes the readiness of one phase: per-artifact approvals,
// the dual sign-off, and the resulting advancement verdict.
func (e Engine) PhaseStatus(ctx context.Context, projectID, phaseID string) (domain.PhaseStatus, error) {
	if e.Config == nil {
		return domain.PhaseStatus{}, errors.New("config not loaded")
	}
	phase, ok := e.Config.PhaseByID(phaseID)
	if !ok {
		return domain.PhaseStatus{}, fmt.Errorf("phase %s: %w", phaseID, repo.ErrNotFound)
	}
	artifacts, err := e.Repo.ArtifactsByRoutes(ctx, projectID, phase.Routes)
	if err != nil {
		return domain.PhaseStatus{}, err
	}
	signoff, err := e.Repo.GetPhaseSignoff(ctx, projectID, phaseID)
	if err != nil {
		return domain.PhaseStatus{}, err
	}
	approved := 0
	for _, route := range phase.Routes {
		if a, ok := artifacts[route]; ok && a.Approved {
			approved++
		}
	}
	st := domain.PhaseStatus{
		ProjectID:         projectID,
		PhaseID:           phaseID,
		ExpectedRoutes:    phase.Routes,
		ApprovedCount:     approved,
		ExpectedCount:     len(phase.Routes),
		GateOpen:          GateOpen(phase.Routes, artifacts),
		ReviewerApproved:  signoff.ReviewerApproved,
		RequesterApproved: signoff.RequesterApproved,
	}
	st.CanAdvance = st.GateOpen && st.ReviewerApproved && st.RequesterApproved
	return st, nil
}

// CanAdvance is the phase-advance consumer contract: the conjunction of
// all per-artifact approvals, reviewer sign-off, and requester sign-off.
func (e Engine) CanAdvance(ctx context.Context, projectID, phaseID string) (bool, error) {
	st, err := e.PhaseStatus(ctx, projectID, phaseID)
	if err != nil {
		return false, err
	}
	return st.CanAdvance, nil
}

// Signoff records a reviewer or requester sign-off for a phase. Sign-offs
// are monotonic: once true they stay true until ResetSignoffs.
func (e Engine) Signoff(ctx context.Context, projectID, phaseID, role, actorID string) (domain.PhaseSignoff, error) {
	if e.Config == nil {
		return domain.PhaseSignoff{}, errors.New("config not loaded")
	}
	if _, ok := e.Config.PhaseByID(phaseID); !ok {
		return domain.PhaseSignoff{}, fmt.Errorf("phase %s: %w", phaseID, repo.ErrNotFound)
	}
	if role != RoleReviewer && role != RoleRequester {
		return domain.PhaseSignoff{}, fmt.Errorf("unknown sign-off role %q", role)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PhaseSignoff{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetPhaseSignoff(ctx, projectID, phaseID)
	if err != nil {
		return domain.PhaseSignoff{}, err
	}
	switch role {
	case RoleReviewer:
		s.ReviewerApproved = true
	case RoleRequester:
		s.RequesterApproved = true
	}
	s.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpsertPhaseSignoffTx(ctx, tx, s); err != nil {
		return domain.PhaseSignoff{}, err
	}
	if err := e.Events.Append(ctx, tx, "phase.signoff", projectID, "phase", phaseID, actorID, events.EventPayload{"role": role}); err != nil {
		return domain.PhaseSignoff{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PhaseSignoff{}, err
	}
	e.publishPhase(ctx, projectID, phaseID)
	return s, nil
}

// ResetSignoffs clears both sign-offs for a phase.
func (e Engine) ResetSignoffs(ctx context.Context, projectID, phaseID, actorID string) (domain.PhaseSignoff, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PhaseSignoff{}, err
	}
	defer tx.Rollback()

	s := domain.PhaseSignoff{
		ProjectID: projectID,
		PhaseID:   phaseID,
		UpdatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.UpsertPhaseSignoffTx(ctx, tx, s); err != nil {
		return domain.PhaseSignoff{}, err
	}
	if err := e.Events.Append(ctx, tx, "phase.reset", projectID, "phase", phaseID, actorID, events.EventPayload{}); err != nil {
		return domain.PhaseSignoff{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PhaseSignoff{}, err
	}
	e.publishPhase(ctx, projectID, phaseID)
	return s, nil
}

// RecordSessionFailure logs a failed generation attempt in the event log.
// Nothing is persisted to the artifact itself.
func (e Engine) RecordSessionFailure(ctx context.Context, key domain.OwnerKey, reason, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "session.failed", key.ProjectID, "session", key.String(), actorID, events.EventPayload{"reason": reason}); err != nil {
		return err
	}
	return tx.Commit()
}

// publishPhaseChanges notifies every phase whose route set contains the
// artifact's route, since the gate verdict may have flipped either way.
func (e Engine) publishPhaseChanges(ctx context.Context, a domain.Artifact) {
	if e.Config == nil || e.Hub == nil {
		return
	}
	for _, phase := range e.Config.Phases {
		for _, route := range phase.Routes {
			if route == a.Route {
				e.publishPhase(ctx, a.ProjectID, phase.ID)
				break
			}
		}
	}
}

func (e Engine) publishPhase(ctx context.Context, projectID, phaseID string) {
	if e.Hub == nil {
		return
	}
	st, err := e.PhaseStatus(ctx, projectID, phaseID)
	if err != nil {
		return
	}
	e.Hub.Publish(notify.Notification{
		Kind:      notify.KindPhaseChanged,
		ProjectID: projectID,
		PhaseID:   phaseID,
		Payload: map[string]any{
			"gate_open":   st.GateOpen,
			"can_advance": st.CanAdvance,
			"approved":    st.ApprovedCount,
			"expected":    st.ExpectedCount,
		},
	})
}
