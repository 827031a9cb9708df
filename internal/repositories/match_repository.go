package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"bank-reconciliation/internal/database"
	"bank-reconciliation/internal/models"
)

type MatchRepository interface {
	CreateMatch(ctx context.Context, q database.Querier, m *models.MatchedEntry) error
	GetMatchByEntry(ctx context.Context, q database.Querier, entryID int64) (*models.MatchedEntry, error)
	ListMatches(ctx context.Context, q database.Querier, sessionID int64) ([]*models.MatchedEntry, error)
	DeleteMatch(ctx context.Context, q database.Querier, id int64) error
}

type matchRepository struct{}

func NewMatchRepository() MatchRepository {
	return &matchRepository{}
}

const matchColumns = `
	id, session_id, erp_entry_id, bank_entry_id, match_type, confidence,
	difference, COALESCE(notes, ''), created_by, created_at
`

func scanMatch(row rowScanner) (*models.MatchedEntry, error) {
	m := &models.MatchedEntry{}
	err := row.Scan(
		&m.ID,
		&m.SessionID,
		&m.ERPEntryID,
		&m.BankEntryID,
		&m.MatchType,
		&m.Confidence,
		&m.Difference,
		&m.Notes,
		&m.CreatedBy,
		&m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (r *matchRepository) CreateMatch(ctx context.Context, q database.Querier, m *models.MatchedEntry) error {
	query := `
		INSERT INTO matched_entries (
			session_id, erp_entry_id, bank_entry_id, match_type,
			confidence, difference, notes, created_by, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	ts := now()
	result, err := q.ExecContext(ctx, query,
		m.SessionID,
		m.ERPEntryID,
		m.BankEntryID,
		m.MatchType,
		m.Confidence,
		m.Difference,
		m.Notes,
		m.CreatedBy,
		ts,
	)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	m.ID = id
	m.CreatedAt = ts
	return nil
}

// GetMatchByEntry finds the pairing that references entryID on either side.
func (r *matchRepository) GetMatchByEntry(ctx context.Context, q database.Querier, entryID int64) (*models.MatchedEntry, error) {
	query := `SELECT ` + matchColumns + ` FROM matched_entries WHERE erp_entry_id = ? OR bank_entry_id = ?`
	m, err := scanMatch(q.QueryRowContext(ctx, query, entryID, entryID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("match for entry %d: %w", entryID, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (r *matchRepository) ListMatches(ctx context.Context, q database.Querier, sessionID int64) ([]*models.MatchedEntry, error) {
	query := `SELECT ` + matchColumns + ` FROM matched_entries WHERE session_id = ? ORDER BY id`
	rows, err := q.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []*models.MatchedEntry
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return matches, nil
}

func (r *matchRepository) DeleteMatch(ctx context.Context, q database.Querier, id int64) error {
	result, err := q.ExecContext(ctx, `DELETE FROM matched_entries WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectOneRow(result, "matched entry")
}
