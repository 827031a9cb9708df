package repositories

import (
	"context"
	"database/sql"
	"encoding/json"

	"bank-reconciliation/internal/database"
	"bank-reconciliation/internal/models"
)

type AuditRepository interface {
	CreateAuditEntry(ctx context.Context, q database.Querier, audit *models.ReconciliationAudit) error
	ListAuditEntries(ctx context.Context, q database.Querier, sessionID int64) ([]*models.ReconciliationAudit, error)
}

type auditRepository struct{}

func NewAuditRepository() AuditRepository {
	return &auditRepository{}
}

func (r *auditRepository) CreateAuditEntry(ctx context.Context, q database.Querier, audit *models.ReconciliationAudit) error {
	query := `
		INSERT INTO reconciliation_audit (
			session_id, action, details, user_id, created_at
		) VALUES (?, ?, ?, ?, ?)
	`
	details := "{}"
	if len(audit.Details) > 0 {
		details = string(audit.Details)
	}
	ts := now()
	result, err := q.ExecContext(ctx, query,
		audit.SessionID,
		audit.Action,
		details,
		audit.UserID,
		ts,
	)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	audit.ID = id
	audit.CreatedAt = ts
	return nil
}

func (r *auditRepository) ListAuditEntries(ctx context.Context, q database.Querier, sessionID int64) ([]*models.ReconciliationAudit, error) {
	query := `
		SELECT id, session_id, action, details, user_id, created_at
		FROM reconciliation_audit
		WHERE session_id = ?
		ORDER BY id
	`
	rows, err := q.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.ReconciliationAudit
	for rows.Next() {
		a := &models.ReconciliationAudit{}
		var details sql.NullString
		if err := rows.Scan(&a.ID, &a.SessionID, &a.Action, &details, &a.UserID, &a.CreatedAt); err != nil {
			return nil, err
		}
		if details.Valid {
			a.Details = json.RawMessage(details.String)
		}
		entries = append(entries, a)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
