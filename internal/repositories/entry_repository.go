package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"bank-reconciliation/internal/database"
	"bank-reconciliation/internal/models"
)

type EntryRepository interface {
	InsertEntry(ctx context.Context, q database.Querier, e *models.LedgerEntry) error
	GetEntryByID(ctx context.Context, q database.Querier, id int64) (*models.LedgerEntry, error)
	ListEntries(ctx context.Context, q database.Querier, sessionID int64, side models.Side, unmatchedOnly bool) ([]*models.LedgerEntry, error)
	UpdateEntry(ctx context.Context, q database.Querier, e *models.LedgerEntry) error
	DeleteEntry(ctx context.Context, q database.Querier, id int64) error
	MarkMatched(ctx context.Context, q database.Querier, id, counterpartID int64, notes string) (bool, error)
	ClearMatch(ctx context.Context, q database.Querier, id int64) error
	SumSide(ctx context.Context, q database.Querier, sessionID int64, side models.Side) (credits, debits decimal.Decimal, err error)
}

type entryRepository struct{}

func NewEntryRepository() EntryRepository {
	return &entryRepository{}
}

const entryColumns = `
	id, session_id, side, transaction_date, description, reference_number,
	debit, credit, matched, counterpart_id, COALESCE(match_notes, ''),
	ledger_account, import_source, import_reference, created_at, updated_at
`

func scanEntry(row rowScanner) (*models.LedgerEntry, error) {
	e := &models.LedgerEntry{}
	var date string
	err := row.Scan(
		&e.ID,
		&e.SessionID,
		&e.Side,
		&date,
		&e.Description,
		&e.ReferenceNumber,
		&e.Debit,
		&e.Credit,
		&e.Matched,
		&e.CounterpartID,
		&e.MatchNotes,
		&e.LedgerAccount,
		&e.ImportSource,
		&e.ImportReference,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if e.TransactionDate, err = parseDate(date); err != nil {
		return nil, err
	}
	return e, nil
}

func (r *entryRepository) InsertEntry(ctx context.Context, q database.Querier, e *models.LedgerEntry) error {
	query := `
		INSERT INTO ledger_entries (
			session_id, side, transaction_date, description, reference_number,
			debit, credit, matched, match_notes, ledger_account,
			import_source, import_reference, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	ts := now()
	result, err := q.ExecContext(ctx, query,
		e.SessionID,
		e.Side,
		formatDate(e.TransactionDate),
		e.Description,
		e.ReferenceNumber,
		e.Debit,
		e.Credit,
		false,
		e.MatchNotes,
		e.LedgerAccount,
		e.ImportSource,
		e.ImportReference,
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
	e.ID = id
	e.Matched = false
	e.CounterpartID = sql.NullInt64{}
	e.CreatedAt = ts
	e.UpdatedAt = ts
	return nil
}

func (r *entryRepository) GetEntryByID(ctx context.Context, q database.Querier, id int64) (*models.LedgerEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE id = ?`
	e, err := scanEntry(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ledger entry %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// ListEntries returns the session's entries ordered by date then id. An empty side lists both ledgers.
func (r *entryRepository) ListEntries(ctx context.Context, q database.Querier, sessionID int64, side models.Side, unmatchedOnly bool) ([]*models.LedgerEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE session_id = ?`
	args := []any{sessionID}
	if side != "" {
		query += ` AND side = ?`
		args = append(args, side)
	}
	if unmatchedOnly {
		query += ` AND matched = ?`
		args = append(args, false)
	}
	query += ` ORDER BY transaction_date, id`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *entryRepository) UpdateEntry(ctx context.Context, q database.Querier, e *models.LedgerEntry) error {
	query := `
		UPDATE ledger_entries
		SET transaction_date = ?,
			description = ?,
			reference_number = ?,
			debit = ?,
			credit = ?,
			match_notes = ?,
			ledger_account = ?,
			import_source = ?,
			import_reference = ?,
			updated_at = ?
		WHERE id = ?
	`
	ts := now()
	result, err := q.ExecContext(ctx, query,
		formatDate(e.TransactionDate),
		e.Description,
		e.ReferenceNumber,
		e.Debit,
		e.Credit,
		e.MatchNotes,
		e.LedgerAccount,
		e.ImportSource,
		e.ImportReference,
		ts,
		e.ID,
	)
	if err != nil {
		return err
	}
	if err := expectOneRow(result, "ledger entry"); err != nil {
		return err
	}
	e.UpdatedAt = ts
	return nil
}

func (r *entryRepository) DeleteEntry(ctx context.Context, q database.Querier, id int64) error {
	result, err := q.ExecContext(ctx, `DELETE FROM ledger_entries WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectOneRow(result, "ledger entry")
}

// MarkMatched links id to counterpartID only while id is still unmatched.
// A false result means another writer matched the entry first.
func (r *entryRepository) MarkMatched(ctx context.Context, q database.Querier, id, counterpartID int64, notes string) (bool, error) {
	query := `
		UPDATE ledger_entries
		SET matched = ?,
		    counterpart_id = ?,
		    match_notes = ?,
		    updated_at = ?
		WHERE id = ?
		AND matched = ?
		AND counterpart_id IS NULL
	`
	result, err := q.ExecContext(ctx, query, true, counterpartID, notes, now(), id, false)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *entryRepository) ClearMatch(ctx context.Context, q database.Querier, id int64) error {
	query := `
		UPDATE ledger_entries
		SET matched = ?,
		    counterpart_id = NULL,
		    match_notes = '',
		    updated_at = ?
		WHERE id = ?
	`
	result, err := q.ExecContext(ctx, query, false, now(), id)
	if err != nil {
		return err
	}
	return expectOneRow(result, "ledger entry")
}

// SumSide totals credits and debits over every entry of one side, matched or not.
func (r *entryRepository) SumSide(ctx context.Context, q database.Querier, sessionID int64, side models.Side) (decimal.Decimal, decimal.Decimal, error) {
	rows, err := q.QueryContext(ctx, `SELECT debit, credit FROM ledger_entries WHERE session_id = ? AND side = ?`, sessionID, side)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	defer rows.Close()

	credits, debits := decimal.Zero, decimal.Zero
	for rows.Next() {
		var debit, credit decimal.Decimal
		if err := rows.Scan(&debit, &credit); err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		credits = credits.Add(credit)
		debits = debits.Add(debit)
	}
	if err := rows.Err(); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return credits, debits, nil
}
