package repo

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"pulseline/internal/domain"
)

const directiveColumns = `id,tenant_id,name,idempotency_key,status,scheduled_at,started_at,completed_at,payload_json,metadata_json,result_json,last_error,last_error_at,requested_by,attempt,max_attempts,inserted_at,updated_at`

func (r Repo) InsertDirective(ctx context.Context, d domain.Directive) error {
	payload, err := marshalMap("payload", d.Payload)
	if err != nil {
		return err
	}
	result, err := marshalMap("result", d.Result)
	if err != nil {
		return err
	}
	var metadata any
	if d.Metadata != nil {
		m, err := marshalMap("metadata", d.Metadata)
		if err != nil {
			return err
		}
		metadata = m
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO directives(`+directiveColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.TenantID, d.Name, nullableStringPtr(d.IdempotencyKey), d.Status,
		nullableStringPtr(d.ScheduledAt), nullableStringPtr(d.StartedAt), nullableStringPtr(d.CompletedAt),
		payload, metadata, result,
		nullableStringPtr(d.LastError), nullableStringPtr(d.LastErrorAt), nullableStringPtr(d.RequestedBy),
		d.Attempt, d.MaxAttempts, d.InsertedAt, d.UpdatedAt)
	return err
}

func scanDirective(scan func(dest ...any) error) (domain.Directive, error) {
	var d domain.Directive
	var idem, scheduled, started, completed sql.NullString
	var payload, metadata, result sql.NullString
	var lastError, lastErrorAt, requestedBy sql.NullString
	err := scan(&d.ID, &d.TenantID, &d.Name, &idem, &d.Status, &scheduled, &started, &completed,
		&payload, &metadata, &result, &lastError, &lastErrorAt, &requestedBy,
		&d.Attempt, &d.MaxAttempts, &d.InsertedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.IdempotencyKey = strPtr(idem)
	d.ScheduledAt = strPtr(scheduled)
	d.StartedAt = strPtr(started)
	d.CompletedAt = strPtr(completed)
	d.Payload = unmarshalMap(payload)
	if d.Payload == nil {
		d.Payload = map[string]any{}
	}
	d.Metadata = unmarshalMap(metadata)
	d.Result = unmarshalMap(result)
	if d.Result == nil {
		d.Result = map[string]any{}
	}
	d.LastError = strPtr(lastError)
	d.LastErrorAt = strPtr(lastErrorAt)
	d.RequestedBy = strPtr(requestedBy)
	return d, nil
}

func (r Repo) GetDirective(ctx context.Context, tenantID, id string) (domain.Directive, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+directiveColumns+` FROM directives WHERE tenant_id=? AND id=?`, tenantID, id)
	return scanDirective(row.Scan)
}

func (r Repo) GetDirectiveByIdempotencyKey(ctx context.Context, tenantID, key string) (domain.Directive, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+directiveColumns+` FROM directives WHERE tenant_id=? AND idempotency_key=?`, tenantID, key)
	return scanDirective(row.Scan)
}

type DirectiveFilters struct {
	Name           string
	Status         string
	Limit          int
	CursorInserted string
	CursorID       string
}

func (r Repo) ListDirectives(ctx context.Context, tenantID string, f DirectiveFilters) ([]domain.Directive, error) {
	clauses := []string{"tenant_id=?"}
	args := []any{tenantID}
	if f.Name != "" {
		clauses = append(clauses, "name=?")
		args = append(args, f.Name)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorInserted != "" && f.CursorID != "" {
		clauses = append(clauses, "(inserted_at < ? OR (inserted_at = ? AND id < ?))")
		args = append(args, f.CursorInserted, f.CursorInserted, f.CursorID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT ` + directiveColumns + ` FROM directives ` + where + ` ORDER BY inserted_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Directive
	for rows.Next() {
		d, err := scanDirective(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, nil
}

func (r Repo) now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// Lifecycle setters. Each force-sets exactly the fields owned by its
// transition; status legality is checked by the callers that care.

func (r Repo) MarkDirectiveRunning(ctx context.Context, tenantID, id string, attempt int, startedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE directives SET status=?, attempt=?, started_at=?, last_error=NULL, last_error_at=NULL, updated_at=? WHERE tenant_id=? AND id=?`,
		domain.DirectiveRunning, attempt, startedAt, r.now(), tenantID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) MarkDirectiveSucceeded(ctx context.Context, tenantID, id string, result map[string]any, completedAt string) error {
	resultJSON, err := marshalMap("result", result)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE directives SET status=?, result_json=?, completed_at=?, updated_at=? WHERE tenant_id=? AND id=?`,
		domain.DirectiveSucceeded, resultJSON, completedAt, r.now(), tenantID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) MarkDirectiveFailed(ctx context.Context, tenantID, id, errMsg, completedAt string) error {
	if strings.TrimSpace(errMsg) == "" {
		errMsg = "directive failed"
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE directives SET status=?, last_error=?, last_error_at=?, completed_at=?, updated_at=? WHERE tenant_id=? AND id=?`,
		domain.DirectiveFailed, errMsg, completedAt, completedAt, r.now(), tenantID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) MarkDirectiveCanceled(ctx context.Context, tenantID, id, completedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE directives SET status=?, completed_at=?, updated_at=? WHERE tenant_id=? AND id=?`,
		domain.DirectiveCanceled, completedAt, r.now(), tenantID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordDirectiveError stores a transient attempt error without
// changing status; the directive stays running while the queue retries.
func (r Repo) RecordDirectiveError(ctx context.Context, tenantID, id, errMsg, at string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE directives SET last_error=?, last_error_at=?, updated_at=? WHERE tenant_id=? AND id=?`,
		errMsg, at, r.now(), tenantID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateDirectiveResult overwrites only the result map; used by the
// installer cross-link after the directive already finished.
func (r Repo) UpdateDirectiveResult(ctx context.Context, tenantID, id string, result map[string]any) error {
	resultJSON, err := marshalMap("result", result)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE directives SET result_json=?, updated_at=? WHERE tenant_id=? AND id=?`,
		resultJSON, r.now(), tenantID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
