package services

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"bank-reconciliation/internal/config"
	"bank-reconciliation/internal/database"
	"bank-reconciliation/internal/locking"
	"bank-reconciliation/internal/matching"
	"bank-reconciliation/internal/models"
)

const moduleMatch = "MatchService"

type MatchService struct {
	store
	defaults config.ReconciliationConfig
	scorer   matching.Scorer
}

func NewMatchService(db *sql.DB, locker locking.Locker, repos Repositories, defaults config.ReconciliationConfig, logger logrus.FieldLogger) *MatchService {
	return &MatchService{
		store:    newStore(db, locker, repos, logger),
		defaults: defaults,
		scorer:   matching.LevenshteinScorer{},
	}
}

// WithScorer swaps the description scorer used by bulk matching.
func (s *MatchService) WithScorer(scorer matching.Scorer) *MatchService {
	s.scorer = scorer
	return s
}

type MatchRequest struct {
	ERPEntryID  int64
	BankEntryID int64
	MatchType   string
	Notes       string
}

// Match pairs one ERP entry with one bank entry of the same session.
func (s *MatchService) Match(ctx context.Context, sessionID int64, req MatchRequest, actor string) (*models.MatchedEntry, error) {
	if req.MatchType == "" {
		req.MatchType = models.MatchTypeManual
	}
	if !models.ValidMatchType(req.MatchType) {
		return nil, &models.EntryValidationError{Field: "match_type", Reason: fmt.Sprintf("unknown match type %q", req.MatchType)}
	}

	var match *models.MatchedEntry
	err := s.inSession(ctx, sessionID, func(tx *sql.Tx) error {
		if _, err := s.mutableSession(ctx, tx, sessionID, "match entries of"); err != nil {
			return err
		}
		erp, err := s.repos.Entries.GetEntryByID(ctx, tx, req.ERPEntryID)
		if err != nil {
			return err
		}
		bank, err := s.repos.Entries.GetEntryByID(ctx, tx, req.BankEntryID)
		if err != nil {
			return err
		}
		if erp.SessionID != sessionID || bank.SessionID != sessionID {
			return fmt.Errorf("%w: entries %d and %d", models.ErrCrossSessionMismatch, erp.ID, bank.ID)
		}

		diff := matching.Difference(erp, bank)
		match, err = s.pair(ctx, tx, erp, bank, req.MatchType, matching.Confidence(erp.Amount(), diff), req.Notes, actor)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to match entries: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"erp_entry":  match.ERPEntryID,
		"bank_entry": match.BankEntryID,
		"confidence": match.Confidence.String(),
	}).Info("entries matched")
	return match, nil
}

// pair applies one match inside tx: both flags, both counterpart links, the
// join record and its audit row.
func (s *MatchService) pair(ctx context.Context, q database.Querier, erp, bank *models.LedgerEntry, matchType string, confidence decimal.Decimal, notes, actor string) (*models.MatchedEntry, error) {
	if erp.Side != models.SideERP {
		return nil, &models.EntryValidationError{Field: "erp_entry_id", Reason: fmt.Sprintf("entry %d is a %s entry", erp.ID, erp.Side)}
	}
	if bank.Side != models.SideBank {
		return nil, &models.EntryValidationError{Field: "bank_entry_id", Reason: fmt.Sprintf("entry %d is a %s entry", bank.ID, bank.Side)}
	}
	if erp.SessionID != bank.SessionID {
		return nil, fmt.Errorf("%w: entries %d and %d", models.ErrCrossSessionMismatch, erp.ID, bank.ID)
	}
	if erp.Matched {
		return nil, fmt.Errorf("%w: entry %d", models.ErrAlreadyMatched, erp.ID)
	}
	if bank.Matched {
		return nil, fmt.Errorf("%w: entry %d", models.ErrAlreadyMatched, bank.ID)
	}

	ok, err := s.repos.Entries.MarkMatched(ctx, q, erp.ID, bank.ID, notes)
	if err != nil {
		return nil, fmt.Errorf("failed to mark entry %d: %w", erp.ID, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: entry %d", models.ErrAlreadyMatched, erp.ID)
	}
	ok, err = s.repos.Entries.MarkMatched(ctx, q, bank.ID, erp.ID, notes)
	if err != nil {
		return nil, fmt.Errorf("failed to mark entry %d: %w", bank.ID, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: entry %d", models.ErrAlreadyMatched, bank.ID)
	}

	match := &models.MatchedEntry{
		SessionID:   erp.SessionID,
		ERPEntryID:  erp.ID,
		BankEntryID: bank.ID,
		MatchType:   matchType,
		Confidence:  confidence,
		Difference:  matching.Difference(erp, bank),
		Notes:       notes,
		CreatedBy:   actor,
	}
	if err := s.repos.Matches.CreateMatch(ctx, q, match); err != nil {
		return nil, fmt.Errorf("failed to create match record: %w", err)
	}

	erp.Matched, bank.Matched = true, true
	erp.CounterpartID = sql.NullInt64{Int64: bank.ID, Valid: true}
	bank.CounterpartID = sql.NullInt64{Int64: erp.ID, Valid: true}

	err = s.audit(ctx, q, erp.SessionID, models.AuditActionMatched, actor, map[string]any{
		"match_id":      match.ID,
		"erp_entry_id":  erp.ID,
		"bank_entry_id": bank.ID,
		"match_type":    matchType,
		"confidence":    confidence,
		"difference":    match.Difference,
	})
	if err != nil {
		return nil, err
	}
	return match, nil
}

// Unmatch dissolves the pairing that entryID belongs to.
func (s *MatchService) Unmatch(ctx context.Context, entryID int64, actor string) error {
	current, err := s.repos.Entries.GetEntryByID(ctx, s.db, entryID)
	if err != nil {
		return err
	}

	err = s.inSession(ctx, current.SessionID, func(tx *sql.Tx) error {
		if _, err := s.mutableSession(ctx, tx, current.SessionID, "unmatch entries of"); err != nil {
			return err
		}
		entry, err := s.repos.Entries.GetEntryByID(ctx, tx, entryID)
		if err != nil {
			return err
		}
		if !entry.Matched {
			return fmt.Errorf("%w: entry %d", models.ErrNotMatched, entryID)
		}
		counterpart := entry.CounterpartID.Int64
		if err := dissolveMatch(ctx, tx, s.repos, entry); err != nil {
			return err
		}
		return s.audit(ctx, tx, entry.SessionID, models.AuditActionUnmatched, actor, map[string]any{
			"entry_id":       entry.ID,
			"counterpart_id": counterpart,
		})
	})
	if err != nil {
		return fmt.Errorf("failed to unmatch entry %d: %w", entryID, err)
	}
	return nil
}

// dissolveMatch clears both sides of entry's pairing and deletes the join record.
func dissolveMatch(ctx context.Context, q database.Querier, repos Repositories, entry *models.LedgerEntry) error {
	match, err := repos.Matches.GetMatchByEntry(ctx, q, entry.ID)
	if err != nil {
		return fmt.Errorf("failed to load match for entry %d: %w", entry.ID, err)
	}
	if err := repos.Matches.DeleteMatch(ctx, q, match.ID); err != nil {
		return fmt.Errorf("failed to delete match %d: %w", match.ID, err)
	}
	for _, id := range []int64{match.ERPEntryID, match.BankEntryID} {
		if err := repos.Entries.ClearMatch(ctx, q, id); err != nil {
			return fmt.Errorf("failed to clear entry %d: %w", id, err)
		}
	}
	entry.Matched = false
	entry.CounterpartID = sql.NullInt64{}
	return nil
}

type BulkMatchRequest struct {
	Criteria matching.Criteria
	// Nil tolerances fall back to the configured defaults.
	DateToleranceDays *int
	AmountTolerance   *decimal.Decimal
	AutoConfirm       bool
}

type BulkMatchResult struct {
	Criteria          matching.Criteria      `json:"criteria"`
	DateToleranceDays int                    `json:"date_tolerance_days"`
	AmountTolerance   decimal.Decimal        `json:"amount_tolerance"`
	AutoConfirm       bool                   `json:"auto_confirm"`
	CandidatePairs    int                    `json:"candidate_pairs"`
	Matchable         int                    `json:"matchable"`
	Matched           int                    `json:"matched"`
	Matches           []*models.MatchedEntry `json:"matches,omitempty"`
}

// BulkMatch plans pairings over the session's unmatched entries. Without
// AutoConfirm it only reports counts; with it every planned pair is committed
// in one transaction.
func (s *MatchService) BulkMatch(ctx context.Context, sessionID int64, req BulkMatchRequest, actor string) (*BulkMatchResult, error) {
	opts := matching.Options{
		Criteria:          req.Criteria,
		DateToleranceDays: s.defaults.DefaultDateToleranceDays,
		AmountTolerance:   s.defaults.DefaultAmountTolerance,
		Scorer:            s.scorer,
		Threshold:         s.defaults.DescriptionThreshold,
	}
	if req.DateToleranceDays != nil {
		opts.DateToleranceDays = *req.DateToleranceDays
	}
	if req.AmountTolerance != nil {
		opts.AmountTolerance = *req.AmountTolerance
	}
	engine, err := matching.NewEngine(opts)
	if err != nil {
		return nil, err
	}

	result := &BulkMatchResult{
		Criteria:          req.Criteria,
		DateToleranceDays: opts.DateToleranceDays,
		AmountTolerance:   opts.AmountTolerance,
		AutoConfirm:       req.AutoConfirm,
	}

	if !req.AutoConfirm {
		var plan *matching.Plan
		err := database.WithReadTx(ctx, s.db, func(tx *sql.Tx) error {
			var err error
			plan, err = s.plan(ctx, tx, engine, sessionID)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to plan bulk match: %w", err)
		}
		result.CandidatePairs = plan.CandidatePairs
		result.Matchable = len(plan.Pairs)
		return result, nil
	}

	err = s.inSession(ctx, sessionID, func(tx *sql.Tx) error {
		if _, err := s.mutableSession(ctx, tx, sessionID, "bulk match entries of"); err != nil {
			return err
		}
		plan, err := s.plan(ctx, tx, engine, sessionID)
		if err != nil {
			return err
		}
		result.CandidatePairs = plan.CandidatePairs
		result.Matchable = len(plan.Pairs)
		if limit := s.defaults.BulkMatchLimit; limit > 0 && len(plan.Pairs) > limit {
			return fmt.Errorf("%w: %d pairs planned, limit is %d", models.ErrBulkLimitExceeded, len(plan.Pairs), limit)
		}

		notes := "bulk match: " + string(req.Criteria)
		for _, p := range plan.Pairs {
			match, err := s.pair(ctx, tx, p.ERP, p.Bank, req.Criteria.MatchType(), p.Confidence, notes, actor)
			if err != nil {
				return err
			}
			result.Matches = append(result.Matches, match)
		}
		result.Matched = len(result.Matches)

		return s.audit(ctx, tx, sessionID, models.AuditActionBulkMatched, actor, map[string]any{
			"criteria":            req.Criteria,
			"date_tolerance_days": opts.DateToleranceDays,
			"amount_tolerance":    opts.AmountTolerance,
			"candidate_pairs":     result.CandidatePairs,
			"matched":             result.Matched,
		})
	})
	if err != nil {
		config.LogError(s.logger, moduleMatch, "BulkMatch", "bulk match failed", sessionID, err)
		return nil, fmt.Errorf("failed to bulk match: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"criteria":   req.Criteria,
		"matched":    result.Matched,
	}).Info("bulk match committed")
	return result, nil
}

func (s *MatchService) plan(ctx context.Context, q database.Querier, engine *matching.Engine, sessionID int64) (*matching.Plan, error) {
	if _, err := s.repos.Sessions.GetSessionByID(ctx, q, sessionID); err != nil {
		return nil, err
	}
	erp, err := s.repos.Entries.ListEntries(ctx, q, sessionID, models.SideERP, true)
	if err != nil {
		return nil, err
	}
	bank, err := s.repos.Entries.ListEntries(ctx, q, sessionID, models.SideBank, true)
	if err != nil {
		return nil, err
	}
	return engine.Plan(erp, bank), nil
}
