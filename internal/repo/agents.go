package repo

import (
	"context"
	"database/sql"

	"pulseline/internal/domain"
)

const agentColumns = `id,tenant_id,name,system_prompt,config_json,source_slug,created_at`

func (r Repo) InsertAgent(ctx context.Context, a domain.Agent) error {
	var config any
	if a.Config != nil {
		c, err := marshalMap("config", a.Config)
		if err != nil {
			return err
		}
		config = c
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO agents(`+agentColumns+`) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.TenantID, a.Name, a.SystemPrompt, config, nullableStringPtr(a.SourceSlug), a.CreatedAt)
	return err
}

func scanAgent(scan func(dest ...any) error) (domain.Agent, error) {
	var a domain.Agent
	var config, sourceSlug sql.NullString
	err := scan(&a.ID, &a.TenantID, &a.Name, &a.SystemPrompt, &config, &sourceSlug, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Config = unmarshalMap(config)
	a.SourceSlug = strPtr(sourceSlug)
	return a, nil
}

// FindAgentBySignature looks up an agent by its (name, system_prompt)
// install signature within the tenant.
func (r Repo) FindAgentBySignature(ctx context.Context, tenantID, name, systemPrompt string) (domain.Agent, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE tenant_id=? AND name=? AND system_prompt=? LIMIT 1`,
		tenantID, name, systemPrompt)
	return scanAgent(row.Scan)
}

func (r Repo) ListAgents(ctx context.Context, tenantID string) ([]domain.Agent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE tenant_id=? ORDER BY created_at, id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, nil
}
