package signal_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"pulseline/internal/db"
	"pulseline/internal/domain"
	"pulseline/internal/jobs"
	"pulseline/internal/migrate"
	"pulseline/internal/repo"
	"pulseline/internal/signal"
)

func newTestBus(t *testing.T) (signal.Bus, *jobs.Queue) {
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
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339)
	if err := r.InsertTenant(context.Background(), "t1", "test", now); err != nil {
		t.Fatalf("insert tenant: %v", err)
	}
	q := jobs.New(conn)
	bus := signal.Bus{
		Repo:  r,
		Queue: q,
		Now:   func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) },
	}
	return bus, q
}

func TestEmitAppendsAndEnqueuesFanout(t *testing.T) {
	bus, q := newTestBus(t)
	ctx := context.Background()
	s, created, err := bus.Emit(ctx, "t1", "order.created", map[string]any{"order_id": "o-1"}, signal.EmitOptions{
		SubjectType: "order",
		SubjectID:   "o-1",
	})
	if err != nil || !created {
		t.Fatalf("emit: created=%v err=%v", created, err)
	}
	if s.Source != "api" {
		t.Fatalf("source %q, want default api", s.Source)
	}
	queued, err := q.ListJobs(ctx, "t1", 10)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(queued) != 1 || queued[0].Kind != jobs.KindSignalFanout || queued[0].EntityID != s.ID {
		t.Fatalf("fanout job not enqueued: %+v", queued)
	}
}

func TestEmitDedupe(t *testing.T) {
	bus, q := newTestBus(t)
	ctx := context.Background()
	first, created, err := bus.Emit(ctx, "t1", "order.created", map[string]any{"n": 1}, signal.EmitOptions{DedupeKey: "order:o-1"})
	if err != nil || !created {
		t.Fatalf("first emit: created=%v err=%v", created, err)
	}
	second, created, err := bus.Emit(ctx, "t1", "order.created", map[string]any{"n": 2}, signal.EmitOptions{DedupeKey: "order:o-1"})
	if err != nil {
		t.Fatalf("second emit: %v", err)
	}
	if created {
		t.Fatalf("duplicate emit reported created")
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate returned %s, want original %s", second.ID, first.ID)
	}
	// only the winning emit enqueues fanout
	queued, _ := q.ListJobs(ctx, "t1", 10)
	if len(queued) != 1 {
		t.Fatalf("expected one fanout job, got %d", len(queued))
	}
}

func TestEmitRejectsBadName(t *testing.T) {
	bus, _ := newTestBus(t)
	_, _, err := bus.Emit(context.Background(), "t1", "NotValid", nil, signal.EmitOptions{})
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestEmitRejectsCredentialKeys(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()
	cases := []map[string]any{
		{"api_key": "x"},
		{"outer": map[string]any{"password": "x"}},
		{"list": []any{map[string]any{"Access_Token": "x"}}},
	}
	for _, payload := range cases {
		if _, _, err := bus.Emit(ctx, "t1", "order.created", payload, signal.EmitOptions{}); err == nil {
			t.Errorf("payload %v should be rejected", payload)
		}
	}
	// metadata is walked too
	if _, _, err := bus.Emit(ctx, "t1", "order.created", nil, signal.EmitOptions{
		Metadata: map[string]any{"secret": "x"},
	}); err == nil {
		t.Fatalf("metadata with secret should be rejected")
	}
}

func TestEmitExtraDeniedKeys(t *testing.T) {
	bus, _ := newTestBus(t)
	bus.ExtraDeniedKeys = []string{"internal_note"}
	ctx := context.Background()
	if _, _, err := bus.Emit(ctx, "t1", "order.created", map[string]any{"Internal_Note": "x"}, signal.EmitOptions{}); err == nil {
		t.Fatalf("extra denied key should be rejected")
	}
	if _, _, err := bus.Emit(ctx, "t1", "order.created", map[string]any{"note": "x"}, signal.EmitOptions{}); err != nil {
		t.Fatalf("plain key rejected: %v", err)
	}
}

func TestEmitSkipFanout(t *testing.T) {
	bus, q := newTestBus(t)
	ctx := context.Background()
	if _, _, err := bus.Emit(ctx, "t1", "order.created", nil, signal.EmitOptions{SkipFanout: true}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	queued, _ := q.ListJobs(ctx, "t1", 10)
	if len(queued) != 0 {
		t.Fatalf("SkipFanout still enqueued %d jobs", len(queued))
	}
}

func TestEmitOccurredAtOverride(t *testing.T) {
	bus, _ := newTestBus(t)
	occurred := time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC)
	s, _, err := bus.Emit(context.Background(), "t1", "order.created", nil, signal.EmitOptions{
		OccurredAt: &occurred,
		SkipFanout: true,
	})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if s.OccurredAt != occurred.Format(time.RFC3339) {
		t.Fatalf("occurred_at %s, want %s", s.OccurredAt, occurred.Format(time.RFC3339))
	}
}
