package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"bank-reconciliation/internal/database"
	"bank-reconciliation/internal/locking"
	"bank-reconciliation/internal/models"
	"bank-reconciliation/internal/repositories"
)

// Repositories groups the SQL repositories every service shares.
type Repositories struct {
	Sessions repositories.SessionRepository
	Entries  repositories.EntryRepository
	Matches  repositories.MatchRepository
	Audits   repositories.AuditRepository
	Accounts repositories.BankAccountRepository
}

func NewRepositories() Repositories {
	return Repositories{
		Sessions: repositories.NewSessionRepository(),
		Entries:  repositories.NewEntryRepository(),
		Matches:  repositories.NewMatchRepository(),
		Audits:   repositories.NewAuditRepository(),
		Accounts: repositories.NewBankAccountRepository(),
	}
}

// store is the plumbing shared by the services: the database, the session
// locker, repositories and the aggregator.
type store struct {
	db         *sql.DB
	locker     locking.Locker
	repos      Repositories
	aggregator *Aggregator
	logger     logrus.FieldLogger
}

func newStore(db *sql.DB, locker locking.Locker, repos Repositories, logger logrus.FieldLogger) store {
	return store{
		db:         db,
		locker:     locker,
		repos:      repos,
		aggregator: NewAggregator(repos.Sessions, repos.Entries),
		logger:     logger,
	}
}

// inSession runs fn in one transaction while holding the session lock.
func (s *store) inSession(ctx context.Context, sessionID int64, fn func(tx *sql.Tx) error) error {
	unlock, err := s.locker.Lock(ctx, locking.SessionKey(sessionID))
	if err != nil {
		return err
	}
	defer unlock()
	return database.WithTx(ctx, s.db, fn)
}

// mutableSession loads the session and rejects it unless entries may still change.
func (s *store) mutableSession(ctx context.Context, q database.Querier, sessionID int64, op string) (*models.ReconciliationSession, error) {
	session, err := s.repos.Sessions.GetSessionByID(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.Status.Mutable() {
		return nil, models.StateError(op, session.Status)
	}
	return session, nil
}

func (s *store) audit(ctx context.Context, q database.Querier, sessionID int64, action, actor string, details any) error {
	raw, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("failed to encode audit details: %w", err)
	}
	err = s.repos.Audits.CreateAuditEntry(ctx, q, &models.ReconciliationAudit{
		SessionID: sessionID,
		Action:    action,
		Details:   raw,
		UserID:    actor,
	})
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}
	return nil
}
