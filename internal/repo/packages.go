package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"pulseline/internal/domain"
)

const packageColumns = `id,slug,name,version,includes_json,install_count,created_at`

func (r Repo) InsertPackage(ctx context.Context, p domain.Package) error {
	includes, err := json.Marshal(p.Includes)
	if err != nil {
		return fmt.Errorf("marshal includes: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO packages(`+packageColumns+`) VALUES (?,?,?,?,?,?,?)`,
		p.ID, p.Slug, p.Name, p.Version, string(includes), p.InstallCount, p.CreatedAt)
	return err
}

func scanPackage(scan func(dest ...any) error) (domain.Package, error) {
	var p domain.Package
	var includes sql.NullString
	err := scan(&p.ID, &p.Slug, &p.Name, &p.Version, &includes, &p.InstallCount, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if includes.Valid && includes.String != "" {
		if err := json.Unmarshal([]byte(includes.String), &p.Includes); err != nil {
			return p, fmt.Errorf("unmarshal includes for %s: %w", p.Slug, err)
		}
	}
	return p, nil
}

func (r Repo) GetPackageBySlug(ctx context.Context, slug string) (domain.Package, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+packageColumns+` FROM packages WHERE slug=?`, slug)
	return scanPackage(row.Scan)
}

func (r Repo) ListPackages(ctx context.Context) ([]domain.Package, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+packageColumns+` FROM packages ORDER BY slug`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Package
	for rows.Next() {
		p, err := scanPackage(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, nil
}

// BumpPackageInstallCount increments the global install counter.
func (r Repo) BumpPackageInstallCount(ctx context.Context, slug string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE packages SET install_count=install_count+1 WHERE slug=?`, slug)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
