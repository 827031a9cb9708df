package services

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"bank-reconciliation/internal/database"
	"bank-reconciliation/internal/locking"
	"bank-reconciliation/internal/models"
)

type EntryService struct {
	store
}

func NewEntryService(db *sql.DB, locker locking.Locker, repos Repositories, logger logrus.FieldLogger) *EntryService {
	return &EntryService{store: newStore(db, locker, repos, logger)}
}

type EntryInput struct {
	Side            models.Side
	TransactionDate time.Time
	Description     string
	ReferenceNumber string
	Debit           decimal.Decimal
	Credit          decimal.Decimal
	LedgerAccount   string
	ImportSource    string
	ImportReference string
	MatchNotes      string
}

// EntryUpdate carries the fields to change. Nil fields keep their value.
type EntryUpdate struct {
	TransactionDate *time.Time
	Description     *string
	ReferenceNumber *string
	Debit           *decimal.Decimal
	Credit          *decimal.Decimal
	LedgerAccount   *string
	MatchNotes      *string
}

func (u EntryUpdate) touchesAmounts() bool {
	return u.TransactionDate != nil || u.Debit != nil || u.Credit != nil
}

// ValidateEntry checks side-appropriate fields and debit/credit exclusivity.
func ValidateEntry(e *models.LedgerEntry) error {
	if !e.Side.Valid() {
		return &models.EntryValidationError{Field: "side", Reason: fmt.Sprintf("must be erp or bank, got %q", e.Side)}
	}
	if e.TransactionDate.IsZero() {
		return &models.EntryValidationError{Field: "transaction_date", Reason: "is required"}
	}
	if strings.TrimSpace(e.Description) == "" {
		return &models.EntryValidationError{Field: "description", Reason: "is required"}
	}
	if e.Debit.IsNegative() {
		return &models.EntryValidationError{Field: "debit", Reason: "must not be negative"}
	}
	if e.Credit.IsNegative() {
		return &models.EntryValidationError{Field: "credit", Reason: "must not be negative"}
	}
	if e.Debit.IsPositive() == e.Credit.IsPositive() {
		return &models.EntryValidationError{Field: "amount", Reason: "exactly one of debit or credit must be positive"}
	}
	switch e.Side {
	case models.SideERP:
		if strings.TrimSpace(e.LedgerAccount) == "" {
			return &models.EntryValidationError{Field: "ledger_account", Reason: "is required for erp entries"}
		}
		if e.ImportSource != "" || e.ImportReference != "" {
			return &models.EntryValidationError{Field: "import_source", Reason: "only bank entries carry import metadata"}
		}
	case models.SideBank:
		if e.LedgerAccount != "" {
			return &models.EntryValidationError{Field: "ledger_account", Reason: "only erp entries carry a ledger account"}
		}
	}
	return nil
}

func (in EntryInput) entry(sessionID int64) *models.LedgerEntry {
	return &models.LedgerEntry{
		SessionID:       sessionID,
		Side:            in.Side,
		TransactionDate: in.TransactionDate,
		Description:     strings.TrimSpace(in.Description),
		ReferenceNumber: strings.TrimSpace(in.ReferenceNumber),
		Debit:           in.Debit,
		Credit:          in.Credit,
		LedgerAccount:   strings.TrimSpace(in.LedgerAccount),
		ImportSource:    in.ImportSource,
		ImportReference: in.ImportReference,
		MatchNotes:      in.MatchNotes,
	}
}

func (s *EntryService) Add(ctx context.Context, sessionID int64, in EntryInput, actor string) (*models.LedgerEntry, error) {
	entry := in.entry(sessionID)
	if err := ValidateEntry(entry); err != nil {
		return nil, err
	}

	err := s.inSession(ctx, sessionID, func(tx *sql.Tx) error {
		session, err := s.mutableSession(ctx, tx, sessionID, "add entries to")
		if err != nil {
			return err
		}
		if err := s.insertEntry(ctx, tx, session, entry); err != nil {
			return err
		}
		if err := s.aggregator.Recompute(ctx, tx, sessionID, entry.Side); err != nil {
			return err
		}
		return s.audit(ctx, tx, sessionID, models.AuditActionEntryAdded, actor, map[string]any{
			"entry_id": entry.ID,
			"side":     entry.Side,
			"amount":   entry.Amount(),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add entry: %w", err)
	}

	s.logger.WithFields(logrus.Fields{"session_id": sessionID, "entry_id": entry.ID, "side": entry.Side}).Info("ledger entry added")
	return entry, nil
}

// insertEntry writes an already validated entry and moves an open session to in_progress.
func (s *store) insertEntry(ctx context.Context, q database.Querier, session *models.ReconciliationSession, entry *models.LedgerEntry) error {
	if err := s.repos.Entries.InsertEntry(ctx, q, entry); err != nil {
		return fmt.Errorf("failed to insert entry: %w", err)
	}
	if session.Status == models.StatusOpen {
		if _, err := s.repos.Sessions.TransitionStatus(ctx, q, session.ID, models.StatusInProgress, models.StatusOpen); err != nil {
			return fmt.Errorf("failed to start session: %w", err)
		}
		session.Status = models.StatusInProgress
	}
	return nil
}

func (s *EntryService) Update(ctx context.Context, entryID int64, upd EntryUpdate, actor string) (*models.LedgerEntry, error) {
	current, err := s.repos.Entries.GetEntryByID(ctx, s.db, entryID)
	if err != nil {
		return nil, err
	}

	var updated *models.LedgerEntry
	err = s.inSession(ctx, current.SessionID, func(tx *sql.Tx) error {
		if _, err := s.mutableSession(ctx, tx, current.SessionID, "update entries of"); err != nil {
			return err
		}
		entry, err := s.repos.Entries.GetEntryByID(ctx, tx, entryID)
		if err != nil {
			return err
		}
		if entry.Matched && upd.touchesAmounts() {
			return fmt.Errorf("%w: unmatch entry %d before changing its amount or date", models.ErrAlreadyMatched, entryID)
		}

		applyUpdate(entry, upd)
		if err := ValidateEntry(entry); err != nil {
			return err
		}
		if err := s.repos.Entries.UpdateEntry(ctx, tx, entry); err != nil {
			return fmt.Errorf("failed to update entry: %w", err)
		}
		if err := s.aggregator.Recompute(ctx, tx, entry.SessionID, entry.Side); err != nil {
			return err
		}
		updated = entry
		return s.audit(ctx, tx, entry.SessionID, models.AuditActionEntryUpdated, actor, map[string]any{
			"entry_id": entry.ID,
			"amount":   entry.Amount(),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update entry %d: %w", entryID, err)
	}
	return updated, nil
}

func applyUpdate(e *models.LedgerEntry, upd EntryUpdate) {
	if upd.TransactionDate != nil {
		e.TransactionDate = *upd.TransactionDate
	}
	if upd.Description != nil {
		e.Description = strings.TrimSpace(*upd.Description)
	}
	if upd.ReferenceNumber != nil {
		e.ReferenceNumber = strings.TrimSpace(*upd.ReferenceNumber)
	}
	if upd.Debit != nil {
		e.Debit = *upd.Debit
	}
	if upd.Credit != nil {
		e.Credit = *upd.Credit
	}
	if upd.LedgerAccount != nil {
		e.LedgerAccount = strings.TrimSpace(*upd.LedgerAccount)
	}
	if upd.MatchNotes != nil {
		e.MatchNotes = *upd.MatchNotes
	}
}

// Remove deletes an entry. A matched entry's pairing is dissolved in the same transaction.
func (s *EntryService) Remove(ctx context.Context, entryID int64, actor string) error {
	current, err := s.repos.Entries.GetEntryByID(ctx, s.db, entryID)
	if err != nil {
		return err
	}

	err = s.inSession(ctx, current.SessionID, func(tx *sql.Tx) error {
		if _, err := s.mutableSession(ctx, tx, current.SessionID, "remove entries from"); err != nil {
			return err
		}
		entry, err := s.repos.Entries.GetEntryByID(ctx, tx, entryID)
		if err != nil {
			return err
		}
		wasMatched := entry.Matched
		if wasMatched {
			if err := dissolveMatch(ctx, tx, s.repos, entry); err != nil {
				return err
			}
		}
		if err := s.repos.Entries.DeleteEntry(ctx, tx, entryID); err != nil {
			return fmt.Errorf("failed to delete entry: %w", err)
		}
		if err := s.aggregator.Recompute(ctx, tx, entry.SessionID, entry.Side); err != nil {
			return err
		}
		return s.audit(ctx, tx, entry.SessionID, models.AuditActionEntryRemoved, actor, map[string]any{
			"entry_id":  entry.ID,
			"side":      entry.Side,
			"amount":    entry.Amount(),
			"unmatched": wasMatched,
		})
	})
	if err != nil {
		return fmt.Errorf("failed to remove entry %d: %w", entryID, err)
	}
	return nil
}

func (s *EntryService) Get(ctx context.Context, entryID int64) (*models.LedgerEntry, error) {
	return s.repos.Entries.GetEntryByID(ctx, s.db, entryID)
}

// List returns a session's entries. An empty side lists both ledgers.
func (s *EntryService) List(ctx context.Context, sessionID int64, side models.Side) ([]*models.LedgerEntry, error) {
	if _, err := s.repos.Sessions.GetSessionByID(ctx, s.db, sessionID); err != nil {
		return nil, err
	}
	return s.repos.Entries.ListEntries(ctx, s.db, sessionID, side, false)
}

func (s *EntryService) ListUnmatched(ctx context.Context, sessionID int64, side models.Side) ([]*models.LedgerEntry, error) {
	if _, err := s.repos.Sessions.GetSessionByID(ctx, s.db, sessionID); err != nil {
		return nil, err
	}
	return s.repos.Entries.ListEntries(ctx, s.db, sessionID, side, true)
}
