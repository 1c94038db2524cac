package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hedgesys/hedge-gateway/internal/domain"
)

// SQLiteStore persists incidents, recovery audit records and archived
// trails. Implements domain.IncidentRepository and domain.TrailArchive.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS incidents (
			id TEXT PRIMARY KEY,
			severity TEXT NOT NULL,
			scope TEXT NOT NULL,
			status TEXT NOT NULL,
			position_id TEXT,
			account_id TEXT,
			class TEXT NOT NULL,
			description TEXT,
			errors TEXT NOT NULL DEFAULT '[]',
			remediation TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			resolved_at DATETIME
		);`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_status ON incidents(status);`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_position ON incidents(position_id);`,
		`CREATE TABLE IF NOT EXISTS recovery_actions (
			id TEXT PRIMARY KEY,
			incident_id TEXT,
			type TEXT NOT NULL,
			strategy TEXT NOT NULL,
			position_id TEXT,
			success BOOLEAN NOT NULL DEFAULT 0,
			detail TEXT,
			executed_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_actions_incident ON recovery_actions(incident_id);`,
		`CREATE TABLE IF NOT EXISTS manual_requests (
			id TEXT PRIMARY KEY,
			incident_id TEXT,
			action TEXT NOT NULL,
			position_id TEXT,
			requested_by TEXT,
			approval TEXT NOT NULL,
			decided_by TEXT,
			executed BOOLEAN NOT NULL DEFAULT 0,
			result TEXT,
			created_at DATETIME NOT NULL,
			decided_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS trail_archive (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			position_id TEXT NOT NULL,
			settings_id TEXT,
			state TEXT NOT NULL,
			current_price REAL NOT NULL,
			current_stop_loss REAL NOT NULL,
			high_watermark REAL NOT NULL,
			low_watermark REAL NOT NULL,
			adjustment_count INTEGER NOT NULL,
			last_adjustment DATETIME,
			last_error TEXT,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_archive_position ON trail_archive(position_id);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}

	return nil
}

// IncidentRepository Implementation

func (s *SQLiteStore) SaveIncident(ctx context.Context, inc *domain.Incident) error {
	errsJSON, err := json.Marshal(inc.Errors)
	if err != nil {
		return fmt.Errorf("encode incident errors: %w", err)
	}

	query := `INSERT INTO incidents (id, severity, scope, status, position_id, account_id, class, description, errors, remediation, created_at, updated_at, resolved_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		inc.ID, inc.Severity, inc.Scope, inc.Status, inc.PositionID, inc.AccountID,
		inc.Class, inc.Description, string(errsJSON), inc.Remediation,
		inc.CreatedAt, inc.UpdatedAt, nullTime(inc.ResolvedAt))
	return err
}

func (s *SQLiteStore) GetIncident(ctx context.Context, id string) (*domain.Incident, error) {
	query := `SELECT id, severity, scope, status, position_id, account_id, class, description, errors, remediation, created_at, updated_at, resolved_at FROM incidents WHERE id = ?`
	row := s.db.QueryRowContext(ctx, query, id)
	return scanIncident(row)
}

func (s *SQLiteStore) ListIncidents(ctx context.Context, status domain.IncidentStatus, limit int) ([]*domain.Incident, error) {
	query := `SELECT id, severity, scope, status, position_id, account_id, class, description, errors, remediation, created_at, updated_at, resolved_at
			  FROM incidents WHERE status = ? ORDER BY created_at DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var incidents []*domain.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		incidents = append(incidents, inc)
	}
	return incidents, rows.Err()
}

func (s *SQLiteStore) UpdateIncidentStatus(ctx context.Context, id string, status domain.IncidentStatus) error {
	query := `UPDATE incidents SET status = ?, updated_at = CURRENT_TIMESTAMP,
			  resolved_at = CASE WHEN ? IN ('RESOLVED', 'CLOSED') THEN CURRENT_TIMESTAMP ELSE resolved_at END
			  WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query, status, status, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *SQLiteStore) SaveRecoveryAction(ctx context.Context, action *domain.RecoveryAction) error {
	query := `INSERT INTO recovery_actions (id, incident_id, type, strategy, position_id, success, detail, executed_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		action.ID, action.IncidentID, action.Type, action.Strategy,
		action.PositionID, action.Success, action.Detail, action.ExecutedAt)
	return err
}

func (s *SQLiteStore) ListRecoveryActions(ctx context.Context, incidentID string) ([]*domain.RecoveryAction, error) {
	query := `SELECT id, incident_id, type, strategy, position_id, success, detail, executed_at
			  FROM recovery_actions WHERE incident_id = ? ORDER BY executed_at`
	rows, err := s.db.QueryContext(ctx, query, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actions []*domain.RecoveryAction
	for rows.Next() {
		var a domain.RecoveryAction
		if err := rows.Scan(&a.ID, &a.IncidentID, &a.Type, &a.Strategy, &a.PositionID, &a.Success, &a.Detail, &a.ExecutedAt); err != nil {
			return nil, err
		}
		actions = append(actions, &a)
	}
	return actions, rows.Err()
}

func (s *SQLiteStore) SaveManualRequest(ctx context.Context, req *domain.ManualRecoveryRequest) error {
	query := `INSERT INTO manual_requests (id, incident_id, action, position_id, requested_by, approval, decided_by, executed, result, created_at, decided_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		req.ID, req.IncidentID, req.Action, req.PositionID, req.RequestedBy,
		req.Approval, req.DecidedBy, req.Executed, req.Result, req.CreatedAt, nullTime(req.DecidedAt))
	return err
}

func (s *SQLiteStore) GetManualRequest(ctx context.Context, id string) (*domain.ManualRecoveryRequest, error) {
	query := `SELECT id, incident_id, action, position_id, requested_by, approval, decided_by, executed, result, created_at, decided_at
			  FROM manual_requests WHERE id = ?`
	row := s.db.QueryRowContext(ctx, query, id)

	var r domain.ManualRecoveryRequest
	var decidedAt sql.NullTime
	err := row.Scan(&r.ID, &r.IncidentID, &r.Action, &r.PositionID, &r.RequestedBy,
		&r.Approval, &r.DecidedBy, &r.Executed, &r.Result, &r.CreatedAt, &decidedAt)
	if err != nil {
		return nil, err
	}
	if decidedAt.Valid {
		r.DecidedAt = decidedAt.Time
	}
	return &r, nil
}

func (s *SQLiteStore) UpdateManualRequest(ctx context.Context, req *domain.ManualRecoveryRequest) error {
	query := `UPDATE manual_requests SET approval = ?, decided_by = ?, executed = ?, result = ?, decided_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query,
		req.Approval, req.DecidedBy, req.Executed, req.Result, nullTime(req.DecidedAt), req.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// TrailArchive Implementation

func (s *SQLiteStore) ArchiveTrail(ctx context.Context, status *domain.TrailStatus) error {
	query := `INSERT INTO trail_archive (position_id, settings_id, state, current_price, current_stop_loss, high_watermark, low_watermark, adjustment_count, last_adjustment, last_error, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		status.PositionID, status.SettingsID, status.State, status.CurrentPrice,
		status.CurrentStopLoss, status.HighWatermark, status.LowWatermark,
		status.AdjustmentCount, nullTime(status.LastAdjustment), status.LastError, status.UpdatedAt)
	return err
}

func (s *SQLiteStore) ListArchivedTrails(ctx context.Context, positionID string, limit int) ([]*domain.TrailStatus, error) {
	query := `SELECT position_id, settings_id, state, current_price, current_stop_loss, high_watermark, low_watermark, adjustment_count, last_adjustment, last_error, updated_at
			  FROM trail_archive WHERE position_id = ? ORDER BY id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, positionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trails []*domain.TrailStatus
	for rows.Next() {
		var t domain.TrailStatus
		var lastAdjustment sql.NullTime
		if err := rows.Scan(&t.PositionID, &t.SettingsID, &t.State, &t.CurrentPrice, &t.CurrentStopLoss,
			&t.HighWatermark, &t.LowWatermark, &t.AdjustmentCount, &lastAdjustment, &t.LastError, &t.UpdatedAt); err != nil {
			return nil, err
		}
		if lastAdjustment.Valid {
			t.LastAdjustment = lastAdjustment.Time
		}
		trails = append(trails, &t)
	}
	return trails, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIncident(row rowScanner) (*domain.Incident, error) {
	var inc domain.Incident
	var errsJSON string
	var resolvedAt sql.NullTime
	err := row.Scan(&inc.ID, &inc.Severity, &inc.Scope, &inc.Status, &inc.PositionID, &inc.AccountID,
		&inc.Class, &inc.Description, &errsJSON, &inc.Remediation, &inc.CreatedAt, &inc.UpdatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(errsJSON), &inc.Errors); err != nil {
		return nil, fmt.Errorf("decode incident errors: %w", err)
	}
	if resolvedAt.Valid {
		inc.ResolvedAt = resolvedAt.Time
	}
	return &inc, nil
}

// nullTime maps a zero time to SQL NULL.
func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
