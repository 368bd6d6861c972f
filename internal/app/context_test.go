package app_test

import (
	"context"
	"testing"
	"time"

	"pulseline/internal/app"
	"pulseline/internal/db"
	"pulseline/internal/migrate"
	"pulseline/internal/repo"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func TestResolveCreatesMissingTenant(t *testing.T) {
	r := newTestRepo(t)
	id, cfg, err := app.ResolveTenantAndConfig(context.Background(), "acme", r)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id != "acme" || cfg.Tenant.ID != "acme" {
		t.Fatalf("resolved %q cfg %+v", id, cfg.Tenant)
	}
	// the tenant and its config are now durable
	if _, err := r.GetTenant(context.Background(), "acme"); err != nil {
		t.Fatalf("tenant not created: %v", err)
	}
	if _, err := r.GetTenantConfig(context.Background(), "acme"); err != nil {
		t.Fatalf("config not seeded: %v", err)
	}
}

func TestResolveSingleTenantDefault(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC().Format(time.RFC3339)
	if err := r.InsertTenant(ctx, "solo", "only one", now); err != nil {
		t.Fatalf("insert: %v", err)
	}
	id, _, err := app.ResolveTenantAndConfig(ctx, "", r)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id != "solo" {
		t.Fatalf("resolved %q, want solo", id)
	}
}

func TestResolveAmbiguousWithoutOverride(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC().Format(time.RFC3339)
	for _, id := range []string{"a", "b"} {
		if err := r.InsertTenant(ctx, id, "", now); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}
	if _, _, err := app.ResolveTenantAndConfig(ctx, "", r); err == nil {
		t.Fatalf("expected ambiguity error with two tenants")
	}
}
