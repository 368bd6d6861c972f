package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pulseline/internal/config"
	"pulseline/internal/repo"
)

// ResolveTenantAndConfig picks the active tenant and ensures a tenant +
// config exist in DB, seeding defaults if missing. It prefers the
// override, then a single-tenant DB. A missing tenant is created on
// the fly.
func ResolveTenantAndConfig(ctx context.Context, tenantOverride string, r repo.Repo) (string, *config.Config, error) {
	tenantID := tenantOverride
	if tenantID == "" {
		tenants, err := r.ListTenants(ctx)
		if err != nil {
			return "", nil, err
		}
		if len(tenants) != 1 {
			return "", nil, fmt.Errorf("tenant not specified; use --tenant")
		}
		tenantID = tenants[0]
	}
	seedCfg := config.Default(tenantID)

	if _, err := r.GetTenant(ctx, tenantID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		now := time.Now().UTC().Format(time.RFC3339)
		if err := r.InsertTenant(ctx, tenantID, "", now); err != nil {
			return "", nil, fmt.Errorf("insert tenant: %w", err)
		}
		if err := r.UpsertTenantConfig(ctx, tenantID, seedCfg); err != nil {
			return "", nil, fmt.Errorf("seed tenant config: %w", err)
		}
	}
	cfg, err := r.GetTenantConfig(ctx, tenantID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if err := r.UpsertTenantConfig(ctx, tenantID, seedCfg); err != nil {
				return "", nil, fmt.Errorf("seed tenant config: %w", err)
			}
			cfg = seedCfg
		} else {
			return "", nil, err
		}
	}
	cfg.Tenant.ID = tenantID
	return tenantID, cfg, nil
}
