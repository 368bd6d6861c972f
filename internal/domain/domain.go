package domain

type Tenant struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Signal is an immutable tenant-scoped fact. Rows are never updated or
// deleted after insert.
type Signal struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenant_id"`
	Name          string         `json:"name"`
	Payload       map[string]any `json:"payload"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	OccurredAt    string         `json:"occurred_at" format:"date-time"`
	DedupeKey     *string        `json:"dedupe_key,omitempty"`
	CorrelationID *string        `json:"correlation_id,omitempty"`
	CausationID   *string        `json:"causation_id,omitempty"`
	ActorType     *string        `json:"actor_type,omitempty"`
	ActorID       *string        `json:"actor_id,omitempty"`
	SubjectType   *string        `json:"subject_type,omitempty"`
	SubjectID     *string        `json:"subject_id,omitempty"`
	Source        string         `json:"source,omitempty"`
	InsertedAt    string         `json:"inserted_at" format:"date-time"`
}

// Directive is a persisted, auditable command with lifecycle status.
// Directives are permanent: there is no delete path.
type Directive struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	Name           string         `json:"name"`
	IdempotencyKey *string        `json:"idempotency_key,omitempty"`
	Status         string         `json:"status" enum:"requested,running,succeeded,failed,canceled"`
	ScheduledAt    *string        `json:"scheduled_at,omitempty" format:"date-time"`
	StartedAt      *string        `json:"started_at,omitempty" format:"date-time"`
	CompletedAt    *string        `json:"completed_at,omitempty" format:"date-time"`
	Payload        map[string]any `json:"payload"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Result         map[string]any `json:"result"`
	LastError      *string        `json:"last_error,omitempty"`
	LastErrorAt    *string        `json:"last_error_at,omitempty" format:"date-time"`
	RequestedBy    *string        `json:"requested_by,omitempty"`
	Attempt        int            `json:"attempt"`
	MaxAttempts    int            `json:"max_attempts"`
	InsertedAt     string         `json:"inserted_at" format:"date-time"`
	UpdatedAt      string         `json:"updated_at" format:"date-time"`
}

// Installation tracks the install lifecycle of one package in a tenant.
type Installation struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	PackageSlug    string         `json:"package_slug"`
	PackageVersion string         `json:"package_version"`
	PackageName    string         `json:"package_name,omitempty"`
	Status         string         `json:"status" enum:"requested,installing,installed,failed,disabled"`
	Enabled        bool           `json:"enabled"`
	InstalledAt    *string        `json:"installed_at,omitempty" format:"date-time"`
	Config         map[string]any `json:"config,omitempty"`
	IdempotencyKey *string        `json:"idempotency_key,omitempty"`
	LastError      *string        `json:"last_error,omitempty"`
	LastErrorAt    *string        `json:"last_error_at,omitempty" format:"date-time"`
	CreatedAt      string         `json:"created_at" format:"date-time"`
	UpdatedAt      string         `json:"updated_at" format:"date-time"`
}

// Package is a globally-scoped content definition. Tenants reference it
// by slug+version only, never by cross-partition key.
type Package struct {
	ID           string          `json:"id"`
	Slug         string          `json:"slug"`
	Name         string          `json:"name"`
	Version      string          `json:"version"`
	Includes     PackageIncludes `json:"includes"`
	InstallCount int             `json:"install_count"`
	CreatedAt    string          `json:"created_at" format:"date-time"`
}

// PackageIncludes is the content manifest of a package.
type PackageIncludes struct {
	Agents    []AgentSpec   `json:"agents,omitempty"`
	Workflows []ContentStub `json:"workflows,omitempty"`
	Skills    []ContentStub `json:"skills,omitempty"`
}

type AgentSpec struct {
	Name         string         `json:"name"`
	SystemPrompt string         `json:"system_prompt"`
	Config       map[string]any `json:"config,omitempty"`
}

// ContentStub names manifest entries of kinds not yet installable.
type ContentStub struct {
	Name string `json:"name"`
}

// Agent is tenant-scoped content created by the installer. The
// (name, system_prompt) pair is the install idempotency signature.
type Agent struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenant_id"`
	Name         string         `json:"name"`
	SystemPrompt string         `json:"system_prompt"`
	Config       map[string]any `json:"config,omitempty"`
	SourceSlug   *string        `json:"source_slug,omitempty"`
	CreatedAt    string         `json:"created_at" format:"date-time"`
}

// Job is one unit of queued work. Args carry only references; runners
// reload state from storage.
type Job struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	Kind        string         `json:"kind"`
	EntityID    string         `json:"entity_id"`
	Args        map[string]any `json:"args,omitempty"`
	Status      string         `json:"status" enum:"queued,running,succeeded,failed,dead"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	RunAt       string         `json:"run_at" format:"date-time"`
	LastError   *string        `json:"last_error,omitempty"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
	UpdatedAt   string         `json:"updated_at" format:"date-time"`
}
