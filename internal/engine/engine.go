package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pulseline/internal/besteffort"
	"pulseline/internal/config"
	"pulseline/internal/directive"
	"pulseline/internal/domain"
	"pulseline/internal/fanout"
	"pulseline/internal/installer"
	"pulseline/internal/jobs"
	"pulseline/internal/repo"
	"pulseline/internal/signal"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Bus    signal.Bus
	Queue  *jobs.Queue
	Config *config.Config
	Now    func() time.Time
}

// New wires the repo, signal bus, job queue and all job handlers.
// Config may be nil; tenant config only tunes handler order, webhooks
// and retry budgets.
func New(db *sql.DB, cfg *config.Config) Engine {
	now := func() time.Time { return time.Now().UTC() }
	r := repo.Repo{DB: db}
	queue := jobs.New(db)

	bus := signal.Bus{Repo: r, Queue: queue, Now: now}
	if cfg != nil {
		bus.ExtraDeniedKeys = cfg.Signals.DeniedKeys
		if cfg.Jobs.Backoff.BaseSeconds > 0 {
			queue.Backoff.BaseDelay = time.Duration(cfg.Jobs.Backoff.BaseSeconds) * time.Second
		}
		if cfg.Jobs.Backoff.MaxSeconds > 0 {
			queue.Backoff.MaxDelay = time.Duration(cfg.Jobs.Backoff.MaxSeconds) * time.Second
		}
	}

	inst := installer.Installer{Repo: r, Bus: bus, Queue: queue, Now: now}
	runner := directive.Runner{Repo: r, Bus: bus, Now: now, Handlers: inst.DirectiveHandlers()}
	exec := fanout.Executor{Repo: r, Handlers: fanoutHandlers(r, cfg, now)}

	queue.Register(jobs.KindSignalFanout, exec.Run)
	queue.Register(jobs.KindDirectiveRun, runner.Run)
	queue.Register(jobs.KindPackageInstall, inst.RunInstall)

	return Engine{
		DB:     db,
		Repo:   r,
		Bus:    bus,
		Queue:  queue,
		Config: cfg,
		Now:    now,
	}
}

// fanoutHandlers builds the delivery chain in configured order; with
// no config the default order is stats then webhooks.
func fanoutHandlers(r repo.Repo, cfg *config.Config, now func() time.Time) []fanout.Handler {
	order := []string{"stats", "webhooks"}
	var hooks []config.WebhookConfig
	if cfg != nil {
		if len(cfg.Fanout.Handlers) > 0 {
			order = cfg.Fanout.Handlers
		}
		hooks = cfg.Webhooks
	}
	var handlers []fanout.Handler
	for _, name := range order {
		switch name {
		case "stats":
			handlers = append(handlers, fanout.StatsHandler(r, now))
		case "webhooks":
			if len(hooks) > 0 {
				handlers = append(handlers, fanout.WebhookHandler(hooks))
			}
		}
	}
	return handlers
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

// InitTenant creates a tenant with its default config persisted.
func (e Engine) InitTenant(ctx context.Context, tenantID, name string) (domain.Tenant, error) {
	if tenantID == "" {
		return domain.Tenant{}, errors.New("tenant id is required")
	}
	t := domain.Tenant{
		ID:        tenantID,
		Name:      name,
		CreatedAt: e.now().Format(time.RFC3339),
	}
	if err := e.Repo.InsertTenant(ctx, t.ID, t.Name, t.CreatedAt); err != nil {
		return domain.Tenant{}, fmt.Errorf("insert tenant: %w", err)
	}
	if err := e.Repo.UpsertTenantConfig(ctx, tenantID, config.Default(tenantID)); err != nil {
		return domain.Tenant{}, fmt.Errorf("insert tenant config: %w", err)
	}
	besteffort.Do("tenant.created", func() error {
		_, _, err := e.Bus.Emit(ctx, tenantID, "tenant.created", map[string]any{"name": name}, signal.EmitOptions{
			SubjectType: "tenant",
			SubjectID:   tenantID,
			Source:      "engine",
		})
		return err
	})
	return t, nil
}

// DirectiveCreateOptions are parameters for requesting a directive.
type DirectiveCreateOptions struct {
	Tenant         string
	Name           string
	Payload        map[string]any
	Metadata       map[string]any
	IdempotencyKey string
	ScheduledAt    *time.Time
	RequestedBy    string
	MaxAttempts    int
}

// CreateDirective persists a directive in requested status and
// enqueues its run. With an idempotency key, a repeated request
// returns the original directive and created=false.
func (e Engine) CreateDirective(ctx context.Context, opts DirectiveCreateOptions) (domain.Directive, bool, error) {
	if opts.Tenant == "" {
		return domain.Directive{}, false, errors.New("tenant is required")
	}
	if err := domain.ValidateName("directive name", opts.Name); err != nil {
		return domain.Directive{}, false, err
	}
	if opts.Payload == nil {
		opts.Payload = map[string]any{}
	}
	if err := domain.ValidateJSONSafe("payload", opts.Payload); err != nil {
		return domain.Directive{}, false, err
	}
	if err := domain.ValidateJSONSafe("metadata", opts.Metadata); err != nil {
		return domain.Directive{}, false, err
	}
	if _, err := e.Repo.GetTenant(ctx, opts.Tenant); err != nil {
		return domain.Directive{}, false, err
	}

	if opts.IdempotencyKey != "" {
		existing, err := e.Repo.GetDirectiveByIdempotencyKey(ctx, opts.Tenant, opts.IdempotencyKey)
		if err == nil {
			return existing, false, nil
		}
		if err != repo.ErrNotFound {
			return domain.Directive{}, false, err
		}
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = e.defaultMaxAttempts()
	}
	now := e.now()
	d := domain.Directive{
		ID:          uuid.New().String(),
		TenantID:    opts.Tenant,
		Name:        opts.Name,
		Status:      domain.DirectiveRequested,
		Payload:     opts.Payload,
		Metadata:    opts.Metadata,
		Result:      map[string]any{},
		Attempt:     0,
		MaxAttempts: maxAttempts,
		InsertedAt:  now.Format(time.RFC3339),
		UpdatedAt:   now.Format(time.RFC3339),
	}
	if opts.IdempotencyKey != "" {
		d.IdempotencyKey = &opts.IdempotencyKey
	}
	if opts.RequestedBy != "" {
		d.RequestedBy = &opts.RequestedBy
	}
	var runAt time.Time
	if opts.ScheduledAt != nil {
		scheduled := opts.ScheduledAt.UTC().Format(time.RFC3339)
		d.ScheduledAt = &scheduled
		runAt = opts.ScheduledAt.UTC()
	}
	if err := e.Repo.InsertDirective(ctx, d); err != nil {
		return domain.Directive{}, false, err
	}

	if _, err := e.Queue.Enqueue(ctx, jobs.EnqueueOptions{
		Tenant:      opts.Tenant,
		Kind:        jobs.KindDirectiveRun,
		EntityID:    d.ID,
		Args:        map[string]any{"tenant": opts.Tenant, "directive_id": d.ID},
		RunAt:       runAt,
		MaxAttempts: maxAttempts,
	}); err != nil {
		return domain.Directive{}, false, err
	}

	besteffort.Do("directive.requested", func() error {
		_, _, err := e.Bus.Emit(ctx, opts.Tenant, "directive.requested", map[string]any{
			"directive_id": d.ID,
			"name":         d.Name,
		}, signal.EmitOptions{
			DedupeKey:   "directive.requested:" + d.ID,
			CausationID: d.ID,
			SubjectType: "directive",
			SubjectID:   d.ID,
			Source:      "engine",
		})
		return err
	})
	return d, true, nil
}

func (e Engine) defaultMaxAttempts() int {
	if e.Config != nil && e.Config.Jobs.MaxAttempts > 0 {
		return e.Config.Jobs.MaxAttempts
	}
	return 10
}

// CancelDirective moves a requested or running directive to canceled.
// Cancel is cooperative: a running handler is not interrupted, but the
// runner will not start new attempts.
func (e Engine) CancelDirective(ctx context.Context, tenant, id string) (domain.Directive, error) {
	d, err := e.Repo.GetDirective(ctx, tenant, id)
	if err != nil {
		return domain.Directive{}, err
	}
	if err := domain.DirectiveTransition(d.Status, domain.DirectiveCanceled); err != nil {
		return domain.Directive{}, err
	}
	completedAt := e.now().Format(time.RFC3339)
	if err := e.Repo.MarkDirectiveCanceled(ctx, tenant, id, completedAt); err != nil {
		return domain.Directive{}, err
	}
	besteffort.Do("directive.canceled", func() error {
		_, _, err := e.Bus.Emit(ctx, tenant, "directive.canceled", map[string]any{
			"directive_id": d.ID,
			"name":         d.Name,
		}, signal.EmitOptions{
			DedupeKey:   "directive.canceled:" + d.ID,
			CausationID: d.ID,
			SubjectType: "directive",
			SubjectID:   d.ID,
			Source:      "engine",
		})
		return err
	})
	return e.Repo.GetDirective(ctx, tenant, id)
}

// RerunDirective enqueues a fresh run of a finished directive. This is
// the only exit from a terminal status and must be asked for
// explicitly.
func (e Engine) RerunDirective(ctx context.Context, tenant, id string) (domain.Directive, error) {
	d, err := e.Repo.GetDirective(ctx, tenant, id)
	if err != nil {
		return domain.Directive{}, err
	}
	if !domain.DirectiveTerminal(d.Status) {
		return domain.Directive{}, fmt.Errorf("directive %s is %s; only finished directives can be rerun", id, d.Status)
	}
	if _, err := e.Queue.Enqueue(ctx, jobs.EnqueueOptions{
		Tenant:      tenant,
		Kind:        jobs.KindDirectiveRun,
		EntityID:    d.ID,
		Args:        map[string]any{"tenant": tenant, "directive_id": d.ID, "rerun": true},
		MaxAttempts: e.defaultMaxAttempts(),
	}); err != nil {
		return domain.Directive{}, err
	}
	return d, nil
}

// PackageRegisterOptions are parameters for registering a package.
type PackageRegisterOptions struct {
	Slug     string
	Name     string
	Version  string
	Includes domain.PackageIncludes
}

// RegisterPackage adds a package to the global registry. Slugs are
// unique; registering an existing slug is an error, not an upgrade.
func (e Engine) RegisterPackage(ctx context.Context, opts PackageRegisterOptions) (domain.Package, error) {
	if err := domain.ValidateSlug("package slug", opts.Slug); err != nil {
		return domain.Package{}, err
	}
	if opts.Version == "" {
		return domain.Package{}, errors.New("package version is required")
	}
	for _, a := range opts.Includes.Agents {
		if a.Name == "" || a.SystemPrompt == "" {
			return domain.Package{}, errors.New("every agent needs a name and a system_prompt")
		}
	}
	p := domain.Package{
		ID:        uuid.New().String(),
		Slug:      opts.Slug,
		Name:      opts.Name,
		Version:   opts.Version,
		Includes:  opts.Includes,
		CreatedAt: e.now().Format(time.RFC3339),
	}
	if p.Name == "" {
		p.Name = p.Slug
	}
	if err := e.Repo.InsertPackage(ctx, p); err != nil {
		return domain.Package{}, err
	}
	return p, nil
}

// RequestInstall requests a package install for a tenant by creating a
// package.install directive.
func (e Engine) RequestInstall(ctx context.Context, tenant, slug, version string, insConfig map[string]any, idempotencyKey, requestedBy string) (domain.Directive, bool, error) {
	if _, err := e.Repo.GetPackageBySlug(ctx, slug); err != nil {
		return domain.Directive{}, false, err
	}
	payload := map[string]any{"package_slug": slug}
	if version != "" {
		payload["package_version"] = version
	}
	if insConfig != nil {
		payload["config"] = insConfig
	}
	return e.CreateDirective(ctx, DirectiveCreateOptions{
		Tenant:         tenant,
		Name:           "package.install",
		Payload:        payload,
		IdempotencyKey: idempotencyKey,
		RequestedBy:    requestedBy,
	})
}
