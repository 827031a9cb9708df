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

type ReconciliationService struct {
	store
}

func NewReconciliationService(db *sql.DB, locker locking.Locker, repos Repositories, logger logrus.FieldLogger) *ReconciliationService {
	return &ReconciliationService{store: newStore(db, locker, repos, logger)}
}

type CreateSessionInput struct {
	BankAccountID      string
	Name               string
	ReconciliationDate time.Time
	ToleranceAmount    decimal.Decimal
	OpeningBalanceERP  decimal.Decimal
	OpeningBalanceBank decimal.Decimal
	Notes              string
}

// Create opens a session. Only one open or in-progress session may exist per
// bank account and statement date.
func (s *ReconciliationService) Create(ctx context.Context, in CreateSessionInput, actor string) (*models.ReconciliationSession, error) {
	if strings.TrimSpace(in.BankAccountID) == "" {
		return nil, &models.EntryValidationError{Field: "bank_account_id", Reason: "is required"}
	}
	if in.ReconciliationDate.IsZero() {
		return nil, &models.EntryValidationError{Field: "reconciliation_date", Reason: "is required"}
	}
	if in.ToleranceAmount.IsNegative() {
		return nil, &models.EntryValidationError{Field: "tolerance_amount", Reason: "must not be negative"}
	}

	date := in.ReconciliationDate.Format(models.DateLayout)
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = fmt.Sprintf("%s %s", in.BankAccountID, date)
	}
	session := &models.ReconciliationSession{
		BankAccountID:      in.BankAccountID,
		Name:               name,
		ReconciliationDate: in.ReconciliationDate,
		Status:             models.StatusOpen,
		ToleranceAmount:    in.ToleranceAmount,
		OpeningBalanceERP:  in.OpeningBalanceERP,
		OpeningBalanceBank: in.OpeningBalanceBank,
		Notes:              in.Notes,
		Owner:              actor,
	}

	unlock, err := s.locker.Lock(ctx, fmt.Sprintf("reconciliation:account:%s:%s", in.BankAccountID, date))
	if err != nil {
		return nil, err
	}
	defer unlock()

	err = database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := s.repos.Accounts.GetBankAccountByID(ctx, tx, in.BankAccountID); err != nil {
			return err
		}
		active, err := s.repos.Sessions.CountActiveSessions(ctx, tx, in.BankAccountID, date)
		if err != nil {
			return fmt.Errorf("failed to check active sessions: %w", err)
		}
		if active > 0 {
			return fmt.Errorf("%w: account %s already has an active session for %s", models.ErrInvalidSessionState, in.BankAccountID, date)
		}
		if err := s.repos.Sessions.CreateSession(ctx, tx, session); err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}
		return s.audit(ctx, tx, session.ID, models.AuditActionCreated, actor, map[string]any{
			"bank_account_id":      session.BankAccountID,
			"reconciliation_date":  date,
			"opening_balance_erp":  session.OpeningBalanceERP,
			"opening_balance_bank": session.OpeningBalanceBank,
			"tolerance_amount":     session.ToleranceAmount,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create reconciliation session: %w", err)
	}

	s.logger.WithFields(logrus.Fields{"session_id": session.ID, "bank_account_id": session.BankAccountID}).Info("reconciliation session created")
	return session, nil
}

func (s *ReconciliationService) Get(ctx context.Context, id int64) (*models.ReconciliationSession, error) {
	return s.repos.Sessions.GetSessionByID(ctx, s.db, id)
}

func (s *ReconciliationService) List(ctx context.Context, filter models.SessionFilter) ([]*models.ReconciliationSession, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, &models.EntryValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", filter.Status)}
	}
	return s.repos.Sessions.ListSessions(ctx, s.db, filter)
}

// Audit returns the session's audit trail, oldest first.
func (s *ReconciliationService) Audit(ctx context.Context, id int64) ([]*models.ReconciliationAudit, error) {
	if _, err := s.repos.Sessions.GetSessionByID(ctx, s.db, id); err != nil {
		return nil, err
	}
	return s.repos.Audits.ListAuditEntries(ctx, s.db, id)
}

// Complete freezes the closing balances. Balance is not required. A second
// call on a completed session returns the stored figures untouched.
func (s *ReconciliationService) Complete(ctx context.Context, id int64, actor string) (*models.ReconciliationSession, error) {
	var session *models.ReconciliationSession
	err := s.inSession(ctx, id, func(tx *sql.Tx) error {
		current, err := s.repos.Sessions.GetSessionByID(ctx, tx, id)
		if err != nil {
			return err
		}
		switch current.Status {
		case models.StatusCompleted:
			session = current
			return nil
		case models.StatusLocked:
			return models.StateError("complete", current.Status)
		}

		for _, side := range []models.Side{models.SideERP, models.SideBank} {
			if err := s.aggregator.Recompute(ctx, tx, id, side); err != nil {
				return err
			}
		}
		if current, err = s.repos.Sessions.GetSessionByID(ctx, tx, id); err != nil {
			return err
		}

		current.ClosingBalanceERP, current.ClosingBalanceBank = current.ProjectedClosing()
		current.Difference = current.ClosingBalanceERP.Sub(current.ClosingBalanceBank)
		current.IsBalanced = current.Difference.Abs().LessThanOrEqual(current.ToleranceAmount)

		changed, err := s.repos.Sessions.CompleteSession(ctx, tx, current)
		if err != nil {
			return fmt.Errorf("failed to complete session: %w", err)
		}
		if !changed {
			return models.StateError("complete", current.Status)
		}
		if err := s.audit(ctx, tx, id, models.AuditActionCompleted, actor, map[string]any{
			"closing_balance_erp":  current.ClosingBalanceERP,
			"closing_balance_bank": current.ClosingBalanceBank,
			"difference":           current.Difference,
			"is_balanced":          current.IsBalanced,
		}); err != nil {
			return err
		}
		session, err = s.repos.Sessions.GetSessionByID(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to complete session %d: %w", id, err)
	}

	s.logger.WithFields(logrus.Fields{
		"session_id":  id,
		"difference":  session.Difference.String(),
		"is_balanced": session.IsBalanced,
	}).Info("reconciliation session completed")
	return session, nil
}

// Lock freezes the session from any state. Locking a locked session is a no-op.
func (s *ReconciliationService) Lock(ctx context.Context, id int64, actor string) (*models.ReconciliationSession, error) {
	var session *models.ReconciliationSession
	err := s.inSession(ctx, id, func(tx *sql.Tx) error {
		current, err := s.repos.Sessions.GetSessionByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if current.Status == models.StatusLocked {
			session = current
			return nil
		}
		if _, err := s.repos.Sessions.LockSession(ctx, tx, id); err != nil {
			return fmt.Errorf("failed to lock session: %w", err)
		}
		if err := s.audit(ctx, tx, id, models.AuditActionLocked, actor, map[string]any{"from": current.Status}); err != nil {
			return err
		}
		session, err = s.repos.Sessions.GetSessionByID(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to lock session %d: %w", id, err)
	}
	return session, nil
}
