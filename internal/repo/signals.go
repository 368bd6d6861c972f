package repo

import (
	"context"
	"database/sql"
	"strings"

	"pulseline/internal/domain"
)

const signalColumns = `id,tenant_id,name,payload_json,metadata_json,occurred_at,dedupe_key,correlation_id,causation_id,actor_type,actor_id,subject_type,subject_id,source,inserted_at`

// InsertSignal appends one signal row. Signals are never updated or
// deleted; there is deliberately no UpdateSignal.
func (r Repo) InsertSignal(ctx context.Context, s domain.Signal) error {
	payload, err := marshalMap("payload", s.Payload)
	if err != nil {
		return err
	}
	var metadata any
	if s.Metadata != nil {
		m, err := marshalMap("metadata", s.Metadata)
		if err != nil {
			return err
		}
		metadata = m
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO signals(`+signalColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.TenantID, s.Name, payload, metadata, s.OccurredAt,
		nullableStringPtr(s.DedupeKey), nullableStringPtr(s.CorrelationID), nullableStringPtr(s.CausationID),
		nullableStringPtr(s.ActorType), nullableStringPtr(s.ActorID),
		nullableStringPtr(s.SubjectType), nullableStringPtr(s.SubjectID),
		nullable(s.Source), s.InsertedAt)
	return err
}

func scanSignal(scan func(dest ...any) error) (domain.Signal, error) {
	var s domain.Signal
	var payload, metadata sql.NullString
	var dedupe, correlation, causation, actorType, actorID, subjectType, subjectID, source sql.NullString
	err := scan(&s.ID, &s.TenantID, &s.Name, &payload, &metadata, &s.OccurredAt,
		&dedupe, &correlation, &causation, &actorType, &actorID, &subjectType, &subjectID, &source, &s.InsertedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.Payload = unmarshalMap(payload)
	if s.Payload == nil {
		s.Payload = map[string]any{}
	}
	s.Metadata = unmarshalMap(metadata)
	s.DedupeKey = strPtr(dedupe)
	s.CorrelationID = strPtr(correlation)
	s.CausationID = strPtr(causation)
	s.ActorType = strPtr(actorType)
	s.ActorID = strPtr(actorID)
	s.SubjectType = strPtr(subjectType)
	s.SubjectID = strPtr(subjectID)
	if source.Valid {
		s.Source = source.String
	}
	return s, nil
}

func (r Repo) GetSignal(ctx context.Context, tenantID, id string) (domain.Signal, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+signalColumns+` FROM signals WHERE tenant_id=? AND id=?`, tenantID, id)
	return scanSignal(row.Scan)
}

// GetSignalByDedupeKey looks up the existing row for an idempotent emit.
func (r Repo) GetSignalByDedupeKey(ctx context.Context, tenantID, key string) (domain.Signal, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+signalColumns+` FROM signals WHERE tenant_id=? AND dedupe_key=?`, tenantID, key)
	return scanSignal(row.Scan)
}

type SignalFilters struct {
	Name           string
	SubjectType    string
	SubjectID      string
	CorrelationID  string
	Limit          int
	CursorInserted string
	CursorID       string
}

func (r Repo) ListSignals(ctx context.Context, tenantID string, f SignalFilters) ([]domain.Signal, error) {
	clauses := []string{"tenant_id=?"}
	args := []any{tenantID}
	if f.Name != "" {
		clauses = append(clauses, "name=?")
		args = append(args, f.Name)
	}
	if f.SubjectType != "" {
		clauses = append(clauses, "subject_type=?")
		args = append(args, f.SubjectType)
	}
	if f.SubjectID != "" {
		clauses = append(clauses, "subject_id=?")
		args = append(args, f.SubjectID)
	}
	if f.CorrelationID != "" {
		clauses = append(clauses, "correlation_id=?")
		args = append(args, f.CorrelationID)
	}
	if f.CursorInserted != "" && f.CursorID != "" {
		clauses = append(clauses, "(inserted_at < ? OR (inserted_at = ? AND id < ?))")
		args = append(args, f.CursorInserted, f.CursorInserted, f.CursorID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT ` + signalColumns + ` FROM signals ` + where + ` ORDER BY inserted_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Signal
	for rows.Next() {
		s, err := scanSignal(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, nil
}

// BumpSignalStat increments the per-name delivery counter.
func (r Repo) BumpSignalStat(ctx context.Context, tenantID, name, now string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO signal_stats(tenant_id,name,count,updated_at) VALUES (?,?,1,?)
ON CONFLICT(tenant_id,name) DO UPDATE SET count=count+1, updated_at=excluded.updated_at`,
		tenantID, name, now)
	return err
}

func (r Repo) SignalStats(ctx context.Context, tenantID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT name, count FROM signal_stats WHERE tenant_id=?`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var name string
		var count int
		if err := rows.Scan(&name, &count); err != nil {
			return nil, err
		}
		res[name] = count
	}
	return res, nil
}
