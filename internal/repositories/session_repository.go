package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"bank-reconciliation/internal/database"
	"bank-reconciliation/internal/models"
)

type SessionRepository interface {
	CreateSession(ctx context.Context, q database.Querier, s *models.ReconciliationSession) error
	GetSessionByID(ctx context.Context, q database.Querier, id int64) (*models.ReconciliationSession, error)
	ListSessions(ctx context.Context, q database.Querier, filter models.SessionFilter) ([]*models.ReconciliationSession, error)
	CountActiveSessions(ctx context.Context, q database.Querier, bankAccountID string, date string) (int, error)
	UpdateTotals(ctx context.Context, q database.Querier, id int64, side models.Side, credits, debits decimal.Decimal) error
	TransitionStatus(ctx context.Context, q database.Querier, id int64, to models.SessionStatus, from ...models.SessionStatus) (bool, error)
	CompleteSession(ctx context.Context, q database.Querier, s *models.ReconciliationSession) (bool, error)
	LockSession(ctx context.Context, q database.Querier, id int64) (bool, error)
}

type sessionRepository struct{}

func NewSessionRepository() SessionRepository {
	return &sessionRepository{}
}

const sessionColumns = `
	id, bank_account_id, name, reconciliation_date, status, tolerance_amount,
	opening_balance_erp, opening_balance_bank, closing_balance_erp, closing_balance_bank,
	total_erp_credits, total_erp_debits, total_bank_credits, total_bank_debits,
	difference, is_balanced, COALESCE(notes, ''), owner,
	created_at, updated_at, completed_at, locked_at
`

func scanSession(row rowScanner) (*models.ReconciliationSession, error) {
	s := &models.ReconciliationSession{}
	var date string
	err := row.Scan(
		&s.ID,
		&s.BankAccountID,
		&s.Name,
		&date,
		&s.Status,
		&s.ToleranceAmount,
		&s.OpeningBalanceERP,
		&s.OpeningBalanceBank,
		&s.ClosingBalanceERP,
		&s.ClosingBalanceBank,
		&s.TotalERPCredits,
		&s.TotalERPDebits,
		&s.TotalBankCredits,
		&s.TotalBankDebits,
		&s.Difference,
		&s.IsBalanced,
		&s.Notes,
		&s.Owner,
		&s.CreatedAt,
		&s.UpdatedAt,
		&s.CompletedAt,
		&s.LockedAt,
	)
	if err != nil {
		return nil, err
	}
	if s.ReconciliationDate, err = parseDate(date); err != nil {
		return nil, err
	}
	return s, nil
}

func (r *sessionRepository) CreateSession(ctx context.Context, q database.Querier, s *models.ReconciliationSession) error {
	query := `
		INSERT INTO reconciliation_sessions (
			bank_account_id, name, reconciliation_date, status, tolerance_amount,
			opening_balance_erp, opening_balance_bank, notes, owner, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	ts := now()
	result, err := q.ExecContext(ctx, query,
		s.BankAccountID,
		s.Name,
		formatDate(s.ReconciliationDate),
		s.Status,
		s.ToleranceAmount,
		s.OpeningBalanceERP,
		s.OpeningBalanceBank,
		s.Notes,
		s.Owner,
		ts,
		ts,
	)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	s.ID = id
	s.CreatedAt = ts
	s.UpdatedAt = ts
	return nil
}

func (r *sessionRepository) GetSessionByID(ctx context.Context, q database.Querier, id int64) (*models.ReconciliationSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM reconciliation_sessions WHERE id = ?`
	s, err := scanSession(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reconciliation session %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *sessionRepository) ListSessions(ctx context.Context, q database.Querier, filter models.SessionFilter) ([]*models.ReconciliationSession, error) {
	var where []string
	var args []any
	if filter.BankAccountID != "" {
		where = append(where, "bank_account_id = ?")
		args = append(args, filter.BankAccountID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.DateFrom != nil {
		where = append(where, "reconciliation_date >= ?")
		args = append(args, formatDate(*filter.DateFrom))
	}
	if filter.DateTo != nil {
		where = append(where, "reconciliation_date <= ?")
		args = append(args, formatDate(*filter.DateTo))
	}

	query := `SELECT ` + sessionColumns + ` FROM reconciliation_sessions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY reconciliation_date DESC, id DESC`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*models.ReconciliationSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r *sessionRepository) CountActiveSessions(ctx context.Context, q database.Querier, bankAccountID string, date string) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM reconciliation_sessions
		WHERE bank_account_id = ?
		AND reconciliation_date = ?
		AND status IN (?, ?)
	`
	var count int
	err := q.QueryRowContext(ctx, query, bankAccountID, date, models.StatusOpen, models.StatusInProgress).Scan(&count)
	return count, err
}

func (r *sessionRepository) UpdateTotals(ctx context.Context, q database.Querier, id int64, side models.Side, credits, debits decimal.Decimal) error {
	query := `
		UPDATE reconciliation_sessions
		SET total_erp_credits = ?,
		    total_erp_debits = ?,
		    updated_at = ?
		WHERE id = ?
	`
	if side == models.SideBank {
		query = `
			UPDATE reconciliation_sessions
			SET total_bank_credits = ?,
			    total_bank_debits = ?,
			    updated_at = ?
			WHERE id = ?
		`
	}
	result, err := q.ExecContext(ctx, query, credits, debits, now(), id)
	if err != nil {
		return err
	}
	return expectOneRow(result, "reconciliation session")
}

// TransitionStatus moves the session to status to only when its current
// status is one of from. It reports whether the row changed.
func (r *sessionRepository) TransitionStatus(ctx context.Context, q database.Querier, id int64, to models.SessionStatus, from ...models.SessionStatus) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("transition requires at least one source status")
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ")
	query := `UPDATE reconciliation_sessions SET status = ?, updated_at = ? WHERE id = ? AND status IN (` + placeholders + `)`

	args := []any{to, now(), id}
	for _, f := range from {
		args = append(args, f)
	}
	result, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CompleteSession freezes the closing figures held in s. Only open and
// in-progress rows are touched, so a second completion never overwrites them.
func (r *sessionRepository) CompleteSession(ctx context.Context, q database.Querier, s *models.ReconciliationSession) (bool, error) {
	query := `
		UPDATE reconciliation_sessions
		SET status = ?,
		    closing_balance_erp = ?,
		    closing_balance_bank = ?,
		    difference = ?,
		    is_balanced = ?,
		    completed_at = ?,
		    updated_at = ?
		WHERE id = ?
		AND status IN (?, ?)
	`
	ts := now()
	result, err := q.ExecContext(ctx, query,
		models.StatusCompleted,
		s.ClosingBalanceERP,
		s.ClosingBalanceBank,
		s.Difference,
		s.IsBalanced,
		ts,
		ts,
		s.ID,
		models.StatusOpen,
		models.StatusInProgress,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *sessionRepository) LockSession(ctx context.Context, q database.Querier, id int64) (bool, error) {
	query := `
		UPDATE reconciliation_sessions
		SET status = ?,
		    locked_at = ?,
		    updated_at = ?
		WHERE id = ?
		AND status <> ?
	`
	ts := now()
	result, err := q.ExecContext(ctx, query, models.StatusLocked, ts, ts, id, models.StatusLocked)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func expectOneRow(result sql.Result, what string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, models.ErrNotFound)
	}
	return nil
}
