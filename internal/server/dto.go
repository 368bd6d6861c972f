package server

import "pulseline/internal/domain"

// Request payloads

type CreateTenantRequest struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type EmitSignalRequest struct {
	Name          string         `json:"name"`
	Payload       map[string]any `json:"payload,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	OccurredAt    *string        `json:"occurred_at,omitempty" format:"date-time"`
	DedupeKey     *string        `json:"dedupe_key,omitempty"`
	CorrelationID *string        `json:"correlation_id,omitempty"`
	CausationID   *string        `json:"causation_id,omitempty"`
	ActorType     *string        `json:"actor_type,omitempty"`
	ActorID       *string        `json:"actor_id,omitempty"`
	SubjectType   *string        `json:"subject_type,omitempty"`
	SubjectID     *string        `json:"subject_id,omitempty"`
	Source        *string        `json:"source,omitempty"`
}

type CreateDirectiveRequest struct {
	Name           string         `json:"name"`
	Payload        map[string]any `json:"payload,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	IdempotencyKey *string        `json:"idempotency_key,omitempty"`
	ScheduledAt    *string        `json:"scheduled_at,omitempty" format:"date-time"`
	MaxAttempts    *int           `json:"max_attempts,omitempty"`
}

type RegisterPackageRequest struct {
	Slug     string                 `json:"slug"`
	Name     string                 `json:"name,omitempty"`
	Version  string                 `json:"version"`
	Includes domain.PackageIncludes `json:"includes"`
}

type RequestInstallRequest struct {
	PackageSlug    string         `json:"package_slug"`
	PackageVersion string         `json:"package_version,omitempty"`
	Config         map[string]any `json:"config,omitempty"`
	IdempotencyKey *string        `json:"idempotency_key,omitempty"`
}

// Response payloads

type EmitSignalResponse struct {
	Signal  domain.Signal `json:"signal"`
	Created bool          `json:"created"`
}

type CreateDirectiveResponse struct {
	Directive domain.Directive `json:"directive"`
	Created   bool             `json:"created"`
}

type paginatedSignals struct {
	Items      []domain.Signal `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type paginatedDirectives struct {
	Items      []domain.Directive `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}
