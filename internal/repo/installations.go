package repo

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"pulseline/internal/domain"
)

const installationColumns = `id,tenant_id,package_slug,package_version,package_name,status,enabled,installed_at,config_json,idempotency_key,last_error,last_error_at,created_at,updated_at`

func (r Repo) InsertInstallation(ctx context.Context, ins domain.Installation) error {
	var config any
	if ins.Config != nil {
		c, err := marshalMap("config", ins.Config)
		if err != nil {
			return err
		}
		config = c
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO installations(`+installationColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		ins.ID, ins.TenantID, ins.PackageSlug, ins.PackageVersion, nullable(ins.PackageName),
		ins.Status, ins.Enabled, nullableStringPtr(ins.InstalledAt), config,
		nullableStringPtr(ins.IdempotencyKey), nullableStringPtr(ins.LastError), nullableStringPtr(ins.LastErrorAt),
		ins.CreatedAt, ins.UpdatedAt)
	return err
}

func scanInstallation(scan func(dest ...any) error) (domain.Installation, error) {
	var ins domain.Installation
	var packageName, installedAt, config, idem, lastError, lastErrorAt sql.NullString
	err := scan(&ins.ID, &ins.TenantID, &ins.PackageSlug, &ins.PackageVersion, &packageName,
		&ins.Status, &ins.Enabled, &installedAt, &config, &idem, &lastError, &lastErrorAt,
		&ins.CreatedAt, &ins.UpdatedAt)
	if err == sql.ErrNoRows {
		return ins, ErrNotFound
	}
	if err != nil {
		return ins, err
	}
	if packageName.Valid {
		ins.PackageName = packageName.String
	}
	ins.InstalledAt = strPtr(installedAt)
	ins.Config = unmarshalMap(config)
	ins.IdempotencyKey = strPtr(idem)
	ins.LastError = strPtr(lastError)
	ins.LastErrorAt = strPtr(lastErrorAt)
	return ins, nil
}

func (r Repo) GetInstallation(ctx context.Context, tenantID, id string) (domain.Installation, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+installationColumns+` FROM installations WHERE tenant_id=? AND id=?`, tenantID, id)
	return scanInstallation(row.Scan)
}

func (r Repo) GetInstallationBySlug(ctx context.Context, tenantID, slug string) (domain.Installation, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+installationColumns+` FROM installations WHERE tenant_id=? AND package_slug=?`, tenantID, slug)
	return scanInstallation(row.Scan)
}

func (r Repo) ListInstallations(ctx context.Context, tenantID string, status string) ([]domain.Installation, error) {
	clauses := []string{"tenant_id=?"}
	args := []any{tenantID}
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	rows, err := r.DB.QueryContext(ctx, `SELECT `+installationColumns+` FROM installations `+where+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Installation
	for rows.Next() {
		ins, err := scanInstallation(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, ins)
	}
	return res, nil
}

func (r Repo) SetInstallationStatus(ctx context.Context, tenantID, id, status string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := r.DB.ExecContext(ctx, `UPDATE installations SET status=?, updated_at=? WHERE tenant_id=? AND id=?`,
		status, now, tenantID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) MarkInstallationInstalled(ctx context.Context, tenantID, id, installedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE installations SET status=?, enabled=1, installed_at=?, last_error=NULL, last_error_at=NULL, updated_at=? WHERE tenant_id=? AND id=?`,
		domain.InstallationInstalled, installedAt, time.Now().UTC().Format(time.RFC3339), tenantID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) MarkInstallationFailed(ctx context.Context, tenantID, id, errMsg, at string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE installations SET status=?, last_error=?, last_error_at=?, updated_at=? WHERE tenant_id=? AND id=?`,
		domain.InstallationFailed, errMsg, at, time.Now().UTC().Format(time.RFC3339), tenantID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) MarkInstallationDisabled(ctx context.Context, tenantID, id string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE installations SET status=?, enabled=0, updated_at=? WHERE tenant_id=? AND id=?`,
		domain.InstallationDisabled, time.Now().UTC().Format(time.RFC3339), tenantID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
