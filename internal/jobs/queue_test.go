package jobs_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"pulseline/internal/db"
	"pulseline/internal/domain"
	"pulseline/internal/jobs"
	"pulseline/internal/migrate"
)

func newTestQueue(t *testing.T) *jobs.Queue {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	q := jobs.New(conn)
	q.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	q.RNG = rand.New(rand.NewSource(1))
	return q
}

func TestProcessOnceSuccess(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	var got domain.Job
	q.Register("test.echo", func(ctx context.Context, job domain.Job) error {
		got = job
		return nil
	})
	enqueued, err := q.Enqueue(ctx, jobs.EnqueueOptions{
		Tenant: "t1", Kind: "test.echo", EntityID: "e1",
		Args: map[string]any{"tenant": "t1", "k": "v"},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	processed, err := q.ProcessOnce(ctx)
	if err != nil || !processed {
		t.Fatalf("process: processed=%v err=%v", processed, err)
	}
	if got.ID != enqueued.ID || got.Attempts != 1 {
		t.Fatalf("handler saw job %s attempts=%d", got.ID, got.Attempts)
	}
	if got.Args["k"] != "v" {
		t.Fatalf("args round-trip: %v", got.Args)
	}
	final, err := q.GetJob(ctx, enqueued.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if final.Status != jobs.StatusSucceeded {
		t.Fatalf("status %s", final.Status)
	}
}

func TestGetJobNotFound(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.GetJob(context.Background(), "no-such-job")
	if !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestProcessOnceNoWork(t *testing.T) {
	q := newTestQueue(t)
	processed, err := q.ProcessOnce(context.Background())
	if processed || !errors.Is(err, jobs.ErrNoWork) {
		t.Fatalf("expected ErrNoWork, got processed=%v err=%v", processed, err)
	}
}

func TestFutureJobNotClaimed(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	q.Register("test.later", func(ctx context.Context, job domain.Job) error { return nil })
	if _, err := q.Enqueue(ctx, jobs.EnqueueOptions{
		Tenant: "t1", Kind: "test.later",
		RunAt: q.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if processed, err := q.ProcessOnce(ctx); processed || !errors.Is(err, jobs.ErrNoWork) {
		t.Fatalf("future job claimed: processed=%v err=%v", processed, err)
	}
	// advance past run_at
	q.Now = func() time.Time { return time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC) }
	if processed, err := q.ProcessOnce(ctx); !processed || err != nil {
		t.Fatalf("due job not claimed: processed=%v err=%v", processed, err)
	}
}

func TestPermanentErrorGoesDead(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	q.Register("test.perm", func(ctx context.Context, job domain.Job) error {
		return jobs.Permanent(fmt.Errorf("bad input"))
	})
	j, _ := q.Enqueue(ctx, jobs.EnqueueOptions{Tenant: "t1", Kind: "test.perm", MaxAttempts: 5})
	if _, err := q.ProcessOnce(ctx); err == nil {
		t.Fatalf("expected handler error")
	}
	final, _ := q.GetJob(ctx, j.ID)
	if final.Status != jobs.StatusDead {
		t.Fatalf("status %s, want dead", final.Status)
	}
	if final.Attempts != 1 {
		t.Fatalf("attempts %d, want 1", final.Attempts)
	}
}

func TestRetryThenExhaust(t *testing.T) {
	q := newTestQueue(t)
	q.Backoff = jobs.BackoffConfig{BaseDelay: time.Second, MaxDelay: time.Second}
	ctx := context.Background()
	calls := 0
	q.Register("test.flaky", func(ctx context.Context, job domain.Job) error {
		calls++
		return fmt.Errorf("transient %d", calls)
	})
	j, _ := q.Enqueue(ctx, jobs.EnqueueOptions{Tenant: "t1", Kind: "test.flaky", MaxAttempts: 3})

	for i := 1; i <= 3; i++ {
		// move the clock past any backoff before each claim
		base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Hour)
		q.Now = func() time.Time { return base }
		if _, err := q.ProcessOnce(ctx); err == nil {
			t.Fatalf("attempt %d: expected error", i)
		}
		final, _ := q.GetJob(ctx, j.ID)
		if i < 3 && final.Status != jobs.StatusFailed {
			t.Fatalf("attempt %d: status %s, want failed", i, final.Status)
		}
		if i == 3 && final.Status != jobs.StatusDead {
			t.Fatalf("attempt %d: status %s, want dead", i, final.Status)
		}
	}
	if calls != 3 {
		t.Fatalf("handler called %d times, want 3", calls)
	}
}

func TestRescheduleRefundsAttempt(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	wake := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	q.Register("test.defer", func(ctx context.Context, job domain.Job) error {
		return &jobs.RescheduleError{At: wake}
	})
	j, _ := q.Enqueue(ctx, jobs.EnqueueOptions{Tenant: "t1", Kind: "test.defer"})
	if processed, err := q.ProcessOnce(ctx); !processed || err != nil {
		t.Fatalf("process: processed=%v err=%v", processed, err)
	}
	final, _ := q.GetJob(ctx, j.ID)
	if final.Status != jobs.StatusQueued {
		t.Fatalf("status %s, want queued", final.Status)
	}
	if final.Attempts != 0 {
		t.Fatalf("attempts %d, want 0 after refund", final.Attempts)
	}
	if final.RunAt != wake.Format(time.RFC3339) {
		t.Fatalf("run_at %s, want %s", final.RunAt, wake.Format(time.RFC3339))
	}
}

func TestUnknownKindGoesDead(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	j, _ := q.Enqueue(ctx, jobs.EnqueueOptions{Tenant: "t1", Kind: "test.nobody"})
	if _, err := q.ProcessOnce(ctx); err == nil {
		t.Fatalf("expected unknown kind error")
	}
	final, _ := q.GetJob(ctx, j.ID)
	if final.Status != jobs.StatusDead {
		t.Fatalf("status %s, want dead", final.Status)
	}
}

func TestClaimOrderIsRunAtThenCreated(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	var order []string
	q.Register("test.order", func(ctx context.Context, job domain.Job) error {
		order = append(order, job.EntityID)
		return nil
	})
	base := q.Now()
	q.Enqueue(ctx, jobs.EnqueueOptions{Tenant: "t1", Kind: "test.order", EntityID: "late", RunAt: base.Add(time.Minute)})
	q.Enqueue(ctx, jobs.EnqueueOptions{Tenant: "t1", Kind: "test.order", EntityID: "early", RunAt: base.Add(-time.Minute)})
	q.Now = func() time.Time { return base.Add(time.Hour) }
	q.ProcessOnce(ctx)
	q.ProcessOnce(ctx)
	if len(order) != 2 || order[0] != "early" || order[1] != "late" {
		t.Fatalf("claim order %v", order)
	}
}

func TestNextRetryAtGrowsAndClamps(t *testing.T) {
	cfg := jobs.BackoffConfig{BaseDelay: time.Second, MaxDelay: time.Minute}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rng := rand.New(rand.NewSource(42))
	for attempt := 1; attempt <= 20; attempt++ {
		at := jobs.NextRetryAt(now, attempt, cfg, rng)
		delay := at.Sub(now)
		if delay < 0 {
			t.Fatalf("attempt %d: negative delay %s", attempt, delay)
		}
		if delay > cfg.MaxDelay {
			t.Fatalf("attempt %d: delay %s beyond max %s", attempt, delay, cfg.MaxDelay)
		}
	}
	// deep attempts must not overflow the shift
	at := jobs.NextRetryAt(now, 500, cfg, rng)
	if at.Before(now) || at.Sub(now) > cfg.MaxDelay {
		t.Fatalf("attempt 500: delay %s", at.Sub(now))
	}
}

func TestFlag(t *testing.T) {
	cases := map[string]struct {
		args map[string]any
		want bool
	}{
		"nil":    {nil, false},
		"bool":   {map[string]any{"rerun": true}, true},
		"string": {map[string]any{"rerun": "true"}, true},
		"float":  {map[string]any{"rerun": float64(1)}, true},
		"zero":   {map[string]any{"rerun": float64(0)}, false},
		"junk":   {map[string]any{"rerun": "maybe"}, false},
	}
	for name, tc := range cases {
		if got := jobs.Flag(tc.args, "rerun"); got != tc.want {
			t.Errorf("%s: got %v want %v", name, got, tc.want)
		}
	}
}
