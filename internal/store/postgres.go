package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/mase-health/autobilling-engine/internal/billing"
	"github.com/mase-health/autobilling-engine/internal/config"
)

// Postgres is the durable Store backed by Postgres via sqlx.
type Postgres struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// Connect opens the database connection pool and ensures the schema exists.
func Connect(cfg config.DatabaseConfig, logger *zap.Logger) (*Postgres, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	p := &Postgres{db: db, logger: logger}
	if err := p.ensureSchema(); err != nil {
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	return p, nil
}

// Close closes the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

func (p *Postgres) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS autobilling_config (
		version     INTEGER PRIMARY KEY,
		document    JSONB NOT NULL,
		saved_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS audit_entries (
		id          TEXT PRIMARY KEY,
		event_type  TEXT NOT NULL,
		origin      TEXT NOT NULL,
		entity_id   TEXT NOT NULL,
		subject_id  TEXT NOT NULL DEFAULT '',
		action      TEXT NOT NULL DEFAULT '',
		status      TEXT NOT NULL DEFAULT '',
		details     JSONB,
		timestamp   TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_entries_timestamp ON audit_entries (timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_entries_entity ON audit_entries (entity_id);

	CREATE TABLE IF NOT EXISTS dead_letters (
		id          TEXT PRIMARY KEY,
		trigger_id  TEXT NOT NULL,
		origin      TEXT NOT NULL,
		action      JSONB NOT NULL,
		context     JSONB,
		last_error  TEXT NOT NULL DEFAULT '',
		attempts    INTEGER NOT NULL DEFAULT 0,
		created_at  TIMESTAMPTZ NOT NULL,
		replayed_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS pending_tasks (
		id            TEXT PRIMARY KEY,
		threshold_id  TEXT NOT NULL,
		violation_id  TEXT NOT NULL,
		action        JSONB NOT NULL,
		assigned_role TEXT NOT NULL,
		status        TEXT NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS violations (
		threshold_id      TEXT NOT NULL,
		subject_id        TEXT NOT NULL,
		id                TEXT NOT NULL,
		severity          TEXT NOT NULL,
		metric_value      DOUBLE PRECISION NOT NULL,
		threshold_value   DOUBLE PRECISION NOT NULL,
		state             TEXT NOT NULL,
		escalation_level  INTEGER NOT NULL DEFAULT 0,
		last_escalated_at TIMESTAMPTZ,
		context           JSONB,
		detected_at       TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (threshold_id, subject_id)
	);`

	_, err := p.db.Exec(schema)
	return err
}

func (p *Postgres) LoadDocument(ctx context.Context) (*billing.ConfigDocument, error) {
	var raw []byte
	err := p.db.GetContext(ctx, &raw,
		`SELECT document FROM autobilling_config ORDER BY version DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration document: %w", err)
	}

	var doc billing.ConfigDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode configuration document: %w", err)
	}
	return &doc, nil
}

func (p *Postgres) SaveDocument(ctx context.Context, doc *billing.ConfigDocument) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode configuration document: %w", err)
	}

	_, err = p.db.ExecContext(ctx,
		`INSERT INTO autobilling_config (version, document, saved_at) VALUES ($1, $2, $3)`,
		doc.Version, raw, doc.LastUpdated)
	if err != nil {
		return fmt.Errorf("failed to save configuration document: %w", err)
	}
	return nil
}

func (p *Postgres) AppendAuditEntries(ctx context.Context, entries []AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin audit transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO audit_entries (id, event_type, origin, entity_id, subject_id, action, status, details, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`)
	if err != nil {
		return fmt.Errorf("failed to prepare audit insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		details, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("failed to encode audit details: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, e.ID, e.EventType, e.Origin, e.EntityID,
			e.SubjectID, e.Action, e.Status, details, e.Timestamp); err != nil {
			return fmt.Errorf("failed to insert audit entry %s: %w", e.ID, err)
		}
	}

	return tx.Commit()
}

func (p *Postgres) ListAuditEntries(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := p.db.QueryxContext(ctx, `
		SELECT id, event_type, origin, entity_id, subject_id, action, status, details, timestamp
		FROM audit_entries ORDER BY timestamp DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var details []byte
		if err := rows.Scan(&e.ID, &e.EventType, &e.Origin, &e.EntityID,
			&e.SubjectID, &e.Action, &e.Status, &details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				p.logger.Warn("Failed to decode audit details", zap.String("id", e.ID), zap.Error(err))
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (p *Postgres) PurgeAuditEntriesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM audit_entries WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge audit entries: %w", err)
	}
	return res.RowsAffected()
}

func (p *Postgres) SaveDeadLetter(ctx context.Context, dl *DeadLetter) error {
	action, err := json.Marshal(dl.Action)
	if err != nil {
		return fmt.Errorf("failed to encode dead letter action: %w", err)
	}
	execCtx, err := json.Marshal(dl.Context)
	if err != nil {
		return fmt.Errorf("failed to encode dead letter context: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO dead_letters (id, trigger_id, origin, action, context, last_error, attempts, created_at, replayed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		dl.ID, dl.TriggerID, dl.Origin, action, execCtx, dl.LastError, dl.Attempts, dl.CreatedAt, dl.ReplayedAt)
	if err != nil {
		return fmt.Errorf("failed to save dead letter: %w", err)
	}
	return nil
}

func (p *Postgres) ListDeadLetters(ctx context.Context, includeReplayed bool) ([]*DeadLetter, error) {
	query := `
		SELECT id, trigger_id, origin, action, context, last_error, attempts, created_at, replayed_at
		FROM dead_letters`
	if !includeReplayed {
		query += ` WHERE replayed_at IS NULL`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := p.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var out []*DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

func (p *Postgres) GetDeadLetter(ctx context.Context, id string) (*DeadLetter, error) {
	rows, err := p.db.QueryxContext(ctx, `
		SELECT id, trigger_id, origin, action, context, last_error, attempts, created_at, replayed_at
		FROM dead_letters WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get dead letter: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, ErrNotFound
	}
	return scanDeadLetter(rows)
}

func scanDeadLetter(rows *sqlx.Rows) (*DeadLetter, error) {
	var dl DeadLetter
	var action, execCtx []byte
	if err := rows.Scan(&dl.ID, &dl.TriggerID, &dl.Origin, &action, &execCtx,
		&dl.LastError, &dl.Attempts, &dl.CreatedAt, &dl.ReplayedAt); err != nil {
		return nil, fmt.Errorf("failed to scan dead letter: %w", err)
	}
	if err := json.Unmarshal(action, &dl.Action); err != nil {
		return nil, fmt.Errorf("failed to decode dead letter action: %w", err)
	}
	if len(execCtx) > 0 {
		if err := json.Unmarshal(execCtx, &dl.Context); err != nil {
			return nil, fmt.Errorf("failed to decode dead letter context: %w", err)
		}
	}
	return &dl, nil
}

func (p *Postgres) MarkReplayed(ctx context.Context, id string, at time.Time) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE dead_letters SET replayed_at = $1 WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("failed to mark dead letter replayed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) SavePendingTask(ctx context.Context, task *billing.PendingTask) error {
	action, err := json.Marshal(task.Action)
	if err != nil {
		return fmt.Errorf("failed to encode task action: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO pending_tasks (id, threshold_id, violation_id, action, assigned_role, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status`,
		task.ID, task.ThresholdID, task.ViolationID, action, task.AssignedRole, task.Status, task.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save pending task: %w", err)
	}
	return nil
}

func (p *Postgres) ListPendingTasks(ctx context.Context, role string) ([]*billing.PendingTask, error) {
	query := `SELECT id, threshold_id, violation_id, action, assigned_role, status, created_at FROM pending_tasks`
	args := []interface{}{}
	if role != "" {
		query += ` WHERE assigned_role = $1`
		args = append(args, role)
	}
	query += ` ORDER BY created_at`

	rows, err := p.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending tasks: %w", err)
	}
	defer rows.Close()

	var out []*billing.PendingTask
	for rows.Next() {
		var t billing.PendingTask
		var action []byte
		if err := rows.Scan(&t.ID, &t.ThresholdID, &t.ViolationID, &action,
			&t.AssignedRole, &t.Status, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending task: %w", err)
		}
		if err := json.Unmarshal(action, &t.Action); err != nil {
			return nil, fmt.Errorf("failed to decode task action: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveViolation(ctx context.Context, v *billing.Violation) error {
	vctx, err := json.Marshal(v.Context)
	if err != nil {
		return fmt.Errorf("failed to encode violation context: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO violations (threshold_id, subject_id, id, severity, metric_value, threshold_value,
			state, escalation_level, last_escalated_at, context, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (threshold_id, subject_id) DO UPDATE SET
			severity = EXCLUDED.severity,
			metric_value = EXCLUDED.metric_value,
			state = EXCLUDED.state,
			escalation_level = EXCLUDED.escalation_level,
			last_escalated_at = EXCLUDED.last_escalated_at,
			context = EXCLUDED.context`,
		v.ThresholdID, v.SubjectID, v.ID, v.Severity, v.MetricValue, v.ThresholdValue,
		v.State, v.EscalationLevel, v.LastEscalatedAt, vctx, v.DetectedAt)
	if err != nil {
		return fmt.Errorf("failed to save violation: %w", err)
	}
	return nil
}

func (p *Postgres) GetViolation(ctx context.Context, thresholdID, subjectID string) (*billing.Violation, error) {
	rows, err := p.db.QueryxContext(ctx, `
		SELECT threshold_id, subject_id, id, severity, metric_value, threshold_value,
			state, escalation_level, last_escalated_at, context, detected_at
		FROM violations WHERE threshold_id = $1 AND subject_id = $2`, thresholdID, subjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to get violation: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, ErrNotFound
	}
	return scanViolation(rows)
}

func (p *Postgres) ListViolations(ctx context.Context, states []billing.ViolationState) ([]*billing.Violation, error) {
	query := `
		SELECT threshold_id, subject_id, id, severity, metric_value, threshold_value,
			state, escalation_level, last_escalated_at, context, detected_at
		FROM violations`
	args := []interface{}{}
	if len(states) > 0 {
		query += ` WHERE state = ANY($1)`
		stateStrs := make([]string, len(states))
		for i, s := range states {
			stateStrs[i] = string(s)
		}
		// database/sql does not accept Go slices as parameters; pq.Array
		// converts it to a Postgres array literal.
		args = append(args, pq.Array(stateStrs))
	}
	query += ` ORDER BY detected_at DESC`

	rows, err := p.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list violations: %w", err)
	}
	defer rows.Close()

	var out []*billing.Violation
	for rows.Next() {
		v, err := scanViolation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanViolation(rows *sqlx.Rows) (*billing.Violation, error) {
	var v billing.Violation
	var vctx []byte
	if err := rows.Scan(&v.ThresholdID, &v.SubjectID, &v.ID, &v.Severity,
		&v.MetricValue, &v.ThresholdValue, &v.State, &v.EscalationLevel,
		&v.LastEscalatedAt, &vctx, &v.DetectedAt); err != nil {
		return nil, fmt.Errorf("failed to scan violation: %w", err)
	}
	if len(vctx) > 0 {
		if err := json.Unmarshal(vctx, &v.Context); err != nil {
			return nil, fmt.Errorf("failed to decode violation context: %w", err)
		}
	}
	return &v, nil
}
