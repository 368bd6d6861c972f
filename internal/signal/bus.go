// Package signal implements the append-only fact log. Emit is the only
// write path; rows are immutable once inserted.
package signal

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"pulseline/internal/domain"
	"pulseline/internal/jobs"
	"pulseline/internal/repo"
)

// deniedPayloadKeys are rejected anywhere in a payload or metadata
// tree. Signals are durable and widely fanned out; credentials must
// never enter the log.
var deniedPayloadKeys = map[string]bool{
	"api_key":       true,
	"apikey":        true,
	"token":         true,
	"access_token":  true,
	"refresh_token": true,
	"secret":        true,
	"password":      true,
	"authorization": true,
	"private_key":   true,
}

type Bus struct {
	Repo  repo.Repo
	Queue *jobs.Queue
	Now   func() time.Time
	// ExtraDeniedKeys extends the built-in credential key list,
	// loaded from tenant config.
	ExtraDeniedKeys []string
}

// EmitOptions carries the optional envelope fields of a signal.
type EmitOptions struct {
	OccurredAt    *time.Time
	DedupeKey     string
	CorrelationID string
	CausationID   string
	ActorType     string
	ActorID       string
	SubjectType   string
	SubjectID     string
	Source        string
	Metadata      map[string]any
	// SkipFanout suppresses the fanout job; used by fanout handlers
	// themselves to avoid recursion.
	SkipFanout bool
}

// Emit appends a signal. With a dedupe key, a repeated emit returns the
// original row and created=false instead of a duplicate.
func (b Bus) Emit(ctx context.Context, tenantID, name string, payload map[string]any, opts EmitOptions) (domain.Signal, bool, error) {
	if err := domain.ValidateName("signal name", name); err != nil {
		return domain.Signal{}, false, err
	}
	if payload == nil {
		payload = map[string]any{}
	}
	if err := domain.ValidateJSONSafe("payload", payload); err != nil {
		return domain.Signal{}, false, err
	}
	if err := domain.ValidateJSONSafe("metadata", opts.Metadata); err != nil {
		return domain.Signal{}, false, err
	}
	if err := b.checkDeniedKeys("payload", payload); err != nil {
		return domain.Signal{}, false, err
	}
	if err := b.checkDeniedKeys("metadata", opts.Metadata); err != nil {
		return domain.Signal{}, false, err
	}

	if opts.DedupeKey != "" {
		existing, err := b.Repo.GetSignalByDedupeKey(ctx, tenantID, opts.DedupeKey)
		if err == nil {
			return existing, false, nil
		}
		if err != repo.ErrNotFound {
			return domain.Signal{}, false, err
		}
	}

	now := b.now()
	occurred := now
	if opts.OccurredAt != nil {
		occurred = opts.OccurredAt.UTC()
	}
	s := domain.Signal{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		Name:       name,
		Payload:    payload,
		Metadata:   opts.Metadata,
		OccurredAt: occurred.Format(time.RFC3339),
		Source:     opts.Source,
		InsertedAt: now.Format(time.RFC3339),
	}
	s.DedupeKey = optStr(opts.DedupeKey)
	s.CorrelationID = optStr(opts.CorrelationID)
	s.CausationID = optStr(opts.CausationID)
	s.ActorType = optStr(opts.ActorType)
	s.ActorID = optStr(opts.ActorID)
	s.SubjectType = optStr(opts.SubjectType)
	s.SubjectID = optStr(opts.SubjectID)
	if s.Source == "" {
		s.Source = "api"
	}

	if err := b.Repo.InsertSignal(ctx, s); err != nil {
		// Concurrent emit with the same dedupe key can slip past the
		// lookup; the unique index catches it and the winner's row is
		// the answer.
		if opts.DedupeKey != "" && isUniqueViolation(err) {
			existing, lookupErr := b.Repo.GetSignalByDedupeKey(ctx, tenantID, opts.DedupeKey)
			if lookupErr == nil {
				return existing, false, nil
			}
		}
		return domain.Signal{}, false, err
	}

	if !opts.SkipFanout && b.Queue != nil {
		if _, err := b.Queue.Enqueue(ctx, jobs.EnqueueOptions{
			Tenant:   tenantID,
			Kind:     jobs.KindSignalFanout,
			EntityID: s.ID,
			Args:     map[string]any{"tenant": tenantID, "signal_id": s.ID},
		}); err != nil {
			return domain.Signal{}, false, err
		}
	}
	return s, true, nil
}

func (b Bus) now() time.Time {
	if b.Now != nil {
		return b.Now().UTC()
	}
	return time.Now().UTC()
}

func (b Bus) checkDeniedKeys(field string, v map[string]any) error {
	if v == nil {
		return nil
	}
	denied := deniedPayloadKeys
	if len(b.ExtraDeniedKeys) > 0 {
		denied = make(map[string]bool, len(deniedPayloadKeys)+len(b.ExtraDeniedKeys))
		for k := range deniedPayloadKeys {
			denied[k] = true
		}
		for _, k := range b.ExtraDeniedKeys {
			denied[strings.ToLower(k)] = true
		}
	}
	if key := findDeniedKey(v, denied); key != "" {
		return &domain.ValidationError{Field: field, Reason: "key " + key + " looks like a credential and is not allowed"}
	}
	return nil
}

// findDeniedKey walks nested maps and slices looking for a denied key.
func findDeniedKey(v any, denied map[string]bool) string {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if denied[strings.ToLower(k)] {
				return k
			}
			if found := findDeniedKey(child, denied); found != "" {
				return found
			}
		}
	case []any:
		for _, child := range t {
			if found := findDeniedKey(child, denied); found != "" {
				return found
			}
		}
	}
	return ""
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func optStr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
