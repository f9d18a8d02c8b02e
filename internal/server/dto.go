package server

import (
	"draftgate/internal/domain"
	"draftgate/internal/session"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string  `json:"id"`
	Description *string `json:"description,omitempty"`
}

type GenerateRequest struct {
	Route       string  `json:"route"`
	Description *string `json:"description,omitempty"`
	Override    bool    `json:"override,omitempty"`
}

type RouteRequest struct {
	Route string `json:"route"`
}

type RequestRevisionRequest struct {
	Route    string `json:"route"`
	Feedback string `json:"feedback"`
}

type SignoffRequest struct {
	Role string `json:"role" enum:"reviewer,requester"`
}

// Response payloads

type ProjectResponse struct {
	Project domain.Project `json:"project"`
}

type ProjectListResponse struct {
	Projects []domain.Project `json:"projects"`
}

type ArtifactResponse struct {
	Artifact domain.Artifact `json:"artifact"`
}

type ArtifactListResponse struct {
	Artifacts []domain.Artifact `json:"artifacts"`
}

type SessionResponse struct {
	Session session.Status `json:"session"`
}

type PhaseStatusResponse struct {
	Phase domain.PhaseStatus `json:"phase"`
}

type SignoffResponse struct {
	Signoff domain.PhaseSignoff `json:"signoff"`
}

type EventListResponse struct {
	Events []domain.Event `json:"events"`
	Cursor int64          `json:"cursor,omitempty"`
}
