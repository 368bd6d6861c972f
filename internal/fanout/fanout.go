// Package fanout delivers each emitted signal to an ordered list of
// handlers. Delivery is at-least-once; handlers must tolerate
// redelivery of the same signal.
package fanout

import (
	"context"
	"fmt"
	"time"

	"pulseline/internal/domain"
	"pulseline/internal/jobs"
	"pulseline/internal/repo"
)

// Context is the view of a signal a handler receives.
type Context struct {
	Tenant        string
	SignalID      string
	SignalName    string
	Payload       map[string]any
	Metadata      map[string]any
	OccurredAt    string
	DedupeKey     string
	CorrelationID string
	CausationID   string
	Source        string
	// Attempt is the delivery attempt of the underlying job,
	// starting at 1.
	Attempt int
	// JobArgs are the raw args of the underlying queue job.
	JobArgs map[string]any
}

type Handler interface {
	Name() string
	Handle(ctx context.Context, fc Context) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc struct {
	HandlerName string
	Fn          func(ctx context.Context, fc Context) error
}

func (h HandlerFunc) Name() string { return h.HandlerName }

func (h HandlerFunc) Handle(ctx context.Context, fc Context) error {
	return h.Fn(ctx, fc)
}

// Executor runs the handler chain for one signal. Handlers run in
// registration order; the first error halts the chain and fails the
// job, so earlier handlers see the signal again on retry.
type Executor struct {
	Repo     repo.Repo
	Handlers []Handler
}

// Run is the job handler for signal fanout jobs.
func (e Executor) Run(ctx context.Context, job domain.Job) error {
	tenant, _ := job.Args["tenant"].(string)
	signalID, _ := job.Args["signal_id"].(string)
	if signalID == "" {
		signalID = job.EntityID
	}
	if tenant == "" || signalID == "" {
		return jobs.Permanent(fmt.Errorf("fanout job %s missing tenant or signal_id", job.ID))
	}
	sig, err := e.Repo.GetSignal(ctx, tenant, signalID)
	if err == repo.ErrNotFound {
		// Signals are never deleted; a missing row means a bad
		// reference, not a transient state.
		return jobs.Permanent(fmt.Errorf("fanout: signal %s not found", signalID))
	}
	if err != nil {
		return err
	}

	fc := Context{
		Tenant:        sig.TenantID,
		SignalID:      sig.ID,
		SignalName:    sig.Name,
		Payload:       sig.Payload,
		Metadata:      sig.Metadata,
		OccurredAt:    sig.OccurredAt,
		DedupeKey:     deref(sig.DedupeKey),
		CorrelationID: deref(sig.CorrelationID),
		CausationID:   deref(sig.CausationID),
		Source:        sig.Source,
		Attempt:       job.Attempts,
		JobArgs:       job.Args,
	}
	for _, h := range e.Handlers {
		if err := h.Handle(ctx, fc); err != nil {
			return fmt.Errorf("fanout handler %s: %w", h.Name(), err)
		}
	}
	return nil
}

// StatsHandler bumps the per-name delivery counter. The bump is not
// idempotent, so redelivered signals may over-count; the stats table
// is advisory only.
func StatsHandler(r repo.Repo, now func() time.Time) Handler {
	return HandlerFunc{
		HandlerName: "stats",
		Fn: func(ctx context.Context, fc Context) error {
			return r.BumpSignalStat(ctx, fc.Tenant, fc.SignalName, now().UTC().Format(time.RFC3339))
		},
	}
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
