package fanout_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"pulseline/internal/db"
	"pulseline/internal/domain"
	"pulseline/internal/fanout"
	"pulseline/internal/jobs"
	"pulseline/internal/migrate"
	"pulseline/internal/repo"
	"pulseline/internal/signal"
)

func newFanoutEnv(t *testing.T) (repo.Repo, domain.Signal) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()
	if err := r.InsertTenant(ctx, "t1", "test", now.Format(time.RFC3339)); err != nil {
		t.Fatalf("insert tenant: %v", err)
	}
	bus := signal.Bus{Repo: r, Now: func() time.Time { return now }}
	s, _, err := bus.Emit(ctx, "t1", "order.created", map[string]any{"order_id": "o-1"}, signal.EmitOptions{
		CorrelationID: "corr-1",
	})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	return r, s
}

func fanoutJob(s domain.Signal, attempts int) domain.Job {
	return domain.Job{
		ID:       uuid.New().String(),
		TenantID: s.TenantID,
		Kind:     jobs.KindSignalFanout,
		EntityID: s.ID,
		Args:     map[string]any{"tenant": s.TenantID, "signal_id": s.ID},
		Attempts: attempts,
	}
}

func TestExecutorRunsHandlersInOrder(t *testing.T) {
	r, s := newFanoutEnv(t)
	var order []string
	mk := func(name string) fanout.Handler {
		return fanout.HandlerFunc{HandlerName: name, Fn: func(ctx context.Context, fc fanout.Context) error {
			order = append(order, name)
			if fc.SignalName != "order.created" || fc.CorrelationID != "corr-1" {
				t.Errorf("handler %s saw %q corr=%q", name, fc.SignalName, fc.CorrelationID)
			}
			return nil
		}}
	}
	exec := fanout.Executor{Repo: r, Handlers: []fanout.Handler{mk("first"), mk("second")}}
	if err := exec.Run(context.Background(), fanoutJob(s, 1)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("order %v", order)
	}
}

func TestExecutorPassesJobArgsAndAttempt(t *testing.T) {
	r, s := newFanoutEnv(t)
	var seen fanout.Context
	capture := fanout.HandlerFunc{HandlerName: "capture", Fn: func(ctx context.Context, fc fanout.Context) error {
		seen = fc
		return nil
	}}
	exec := fanout.Executor{Repo: r, Handlers: []fanout.Handler{capture}}
	if err := exec.Run(context.Background(), fanoutJob(s, 3)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if seen.Attempt != 3 {
		t.Fatalf("attempt %d", seen.Attempt)
	}
	if seen.JobArgs["tenant"] != "t1" || seen.JobArgs["signal_id"] != s.ID {
		t.Fatalf("job args %v", seen.JobArgs)
	}
}

func TestExecutorHaltsOnFirstError(t *testing.T) {
	r, s := newFanoutEnv(t)
	var order []string
	failing := fanout.HandlerFunc{HandlerName: "boom", Fn: func(ctx context.Context, fc fanout.Context) error {
		order = append(order, "boom")
		return fmt.Errorf("delivery refused")
	}}
	after := fanout.HandlerFunc{HandlerName: "after", Fn: func(ctx context.Context, fc fanout.Context) error {
		order = append(order, "after")
		return nil
	}}
	exec := fanout.Executor{Repo: r, Handlers: []fanout.Handler{failing, after}}
	err := exec.Run(context.Background(), fanoutJob(s, 1))
	if err == nil {
		t.Fatalf("expected handler error")
	}
	if len(order) != 1 {
		t.Fatalf("later handler ran after failure: %v", order)
	}
}

func TestExecutorMissingSignalIsPermanent(t *testing.T) {
	r, _ := newFanoutEnv(t)
	exec := fanout.Executor{Repo: r}
	job := domain.Job{
		ID:       uuid.New().String(),
		TenantID: "t1",
		Kind:     jobs.KindSignalFanout,
		Args:     map[string]any{"tenant": "t1", "signal_id": "missing"},
	}
	if err := exec.Run(context.Background(), job); !jobs.IsPermanent(err) {
		t.Fatalf("expected permanent, got %v", err)
	}
}

func TestStatsHandlerCounts(t *testing.T) {
	r, s := newFanoutEnv(t)
	now := func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	exec := fanout.Executor{Repo: r, Handlers: []fanout.Handler{fanout.StatsHandler(r, now)}}
	ctx := context.Background()
	if err := exec.Run(ctx, fanoutJob(s, 1)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := exec.Run(ctx, fanoutJob(s, 2)); err != nil {
		t.Fatalf("redeliver: %v", err)
	}
	stats, err := r.SignalStats(ctx, "t1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats["order.created"] != 2 {
		t.Fatalf("stats %v", stats)
	}
}
