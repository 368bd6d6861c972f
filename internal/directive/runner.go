// Package directive executes persisted commands through their
// lifecycle. Every run reloads the directive row first; queue payloads
// are references, never snapshots.
package directive

import (
	"context"
	"fmt"
	"log"
	"time"

	"pulseline/internal/besteffort"
	"pulseline/internal/domain"
	"pulseline/internal/jobs"
	"pulseline/internal/repo"
	"pulseline/internal/signal"
)

// Context is what a directive handler sees for one attempt.
type Context struct {
	Tenant    string
	Directive domain.Directive
	Attempt   int
}

// Handler executes one directive kind. The returned map becomes the
// directive result on success. Handlers run at-least-once and must be
// idempotent.
type Handler func(ctx context.Context, dc Context) (map[string]any, error)

// Runner is the job handler for directive.run jobs.
type Runner struct {
	Repo     repo.Repo
	Bus      signal.Bus
	Now      func() time.Time
	Handlers map[string]Handler
}

func (r Runner) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

// Run executes one attempt of a directive.
func (r Runner) Run(ctx context.Context, job domain.Job) error {
	tenant, _ := job.Args["tenant"].(string)
	directiveID, _ := job.Args["directive_id"].(string)
	if directiveID == "" {
		directiveID = job.EntityID
	}
	if tenant == "" || directiveID == "" {
		return jobs.Permanent(fmt.Errorf("directive job %s missing tenant or directive_id", job.ID))
	}
	rerun := jobs.Flag(job.Args, "rerun")

	d, err := r.Repo.GetDirective(ctx, tenant, directiveID)
	if err == repo.ErrNotFound {
		return jobs.Permanent(fmt.Errorf("directive %s not found", directiveID))
	}
	if err != nil {
		return err
	}

	if d.ScheduledAt != nil {
		due, err := time.Parse(time.RFC3339, *d.ScheduledAt)
		if err == nil && due.After(r.now()) {
			return &jobs.RescheduleError{At: due}
		}
	}

	if domain.DirectiveTerminal(d.Status) && !rerun {
		// A stale or duplicate job for a finished directive is a
		// no-op, not an error.
		log.Printf("directive %s already %s; skipping", d.ID, d.Status)
		return nil
	}
	if d.Status == domain.DirectiveRunning {
		// Advisory only. The same job retrying after a transient
		// failure legitimately re-enters a running directive.
		log.Printf("directive %s already running; re-entering", d.ID)
	}

	handler, ok := r.Handlers[d.Name]
	if !ok {
		err := fmt.Errorf("no handler for directive %q", d.Name)
		r.finalizeFailed(ctx, d, err)
		return jobs.Permanent(err)
	}

	attempt := d.Attempt + 1
	startedAt := r.now().Format(time.RFC3339)
	if err := r.Repo.MarkDirectiveRunning(ctx, tenant, d.ID, attempt, startedAt); err != nil {
		return err
	}
	d.Status = domain.DirectiveRunning
	d.Attempt = attempt
	r.emitLifecycle(ctx, d, "directive.started", map[string]any{
		"directive_id": d.ID,
		"name":         d.Name,
		"attempt":      attempt,
	})

	result, err := handler(ctx, Context{Tenant: tenant, Directive: d, Attempt: attempt})
	if err == nil {
		completedAt := r.now().Format(time.RFC3339)
		if err := r.Repo.MarkDirectiveSucceeded(ctx, tenant, d.ID, result, completedAt); err != nil {
			return err
		}
		r.emitLifecycle(ctx, d, "directive.succeeded", map[string]any{
			"directive_id": d.ID,
			"name":         d.Name,
			"attempt":      attempt,
		})
		return nil
	}

	if jobs.IsPermanent(err) || attempt >= r.maxAttempts(d) {
		r.finalizeFailed(ctx, d, err)
		if jobs.IsPermanent(err) {
			return err
		}
		return jobs.Permanent(err)
	}
	// Transient failure with attempts left: record the error and keep
	// the directive running; the queue retries with backoff.
	if recErr := r.Repo.RecordDirectiveError(ctx, tenant, d.ID, err.Error(), r.now().Format(time.RFC3339)); recErr != nil {
		log.Printf("directive %s: record error failed: %v", d.ID, recErr)
	}
	return err
}

func (r Runner) maxAttempts(d domain.Directive) int {
	if d.MaxAttempts > 0 {
		return d.MaxAttempts
	}
	return 1
}

func (r Runner) finalizeFailed(ctx context.Context, d domain.Directive, cause error) {
	completedAt := r.now().Format(time.RFC3339)
	if err := r.Repo.MarkDirectiveFailed(ctx, d.TenantID, d.ID, cause.Error(), completedAt); err != nil {
		log.Printf("directive %s: mark failed: %v", d.ID, err)
		return
	}
	r.emitLifecycle(ctx, d, "directive.failed", map[string]any{
		"directive_id": d.ID,
		"name":         d.Name,
		"attempt":      d.Attempt,
		"error":        cause.Error(),
	})
}

// emitLifecycle appends a lifecycle signal. Failures are logged, never
// propagated: the directive outcome is already durable in its row.
func (r Runner) emitLifecycle(ctx context.Context, d domain.Directive, name string, payload map[string]any) {
	besteffort.Do(name, func() error {
		dedupe := fmt.Sprintf("%s:%s:%d", name, d.ID, d.Attempt)
		_, _, err := r.Bus.Emit(ctx, d.TenantID, name, payload, signal.EmitOptions{
			DedupeKey:   dedupe,
			CausationID: d.ID,
			SubjectType: "directive",
			SubjectID:   d.ID,
			Source:      "runner",
		})
		return err
	})
}
