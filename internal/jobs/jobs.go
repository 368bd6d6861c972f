// Package jobs is a SQLite-backed at-least-once work queue. A job may be
// delivered more than once after a crash or retry; every handler
// registered here must be idempotent.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"pulseline/internal/domain"
)

// Job kinds executed by the worker.
const (
	KindSignalFanout   = "signal.fanout"
	KindDirectiveRun   = "directive.run"
	KindPackageInstall = "package.install"
)

// Job statuses. "failed" means waiting for a retry; "dead" means the
// queue gave up (permanent error or max attempts).
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusDead      = "dead"
)

var ErrNoWork = errors.New("no due jobs")

// ErrNotFound is returned when a job id does not exist.
var ErrNotFound = errors.New("job not found")

// Handler executes one job. Return nil for success, a Permanent error to
// discard, a RescheduleError to move run_at, anything else to retry.
type Handler func(ctx context.Context, job domain.Job) error

// PermanentError marks a failure that retrying cannot fix. The queue
// records it and moves the job to dead without further attempts.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the queue discards instead of retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// RescheduleError asks the queue to wake the job near At without
// consuming an attempt. Used for directives scheduled in the future.
type RescheduleError struct {
	At time.Time
}

func (e *RescheduleError) Error() string {
	return fmt.Sprintf("rescheduled for %s", e.At.UTC().Format(time.RFC3339))
}

// Flag reads a boolean-ish override from job args. Override flags are
// the only args a runner may trust; everything else is reloaded.
func Flag(args map[string]any, name string) bool {
	if args == nil {
		return false
	}
	switch v := args[name].(type) {
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		return err == nil && b
	case float64:
		return v != 0
	case int:
		return v != 0
	}
	return false
}
