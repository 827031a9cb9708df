package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"bank-reconciliation/internal/database"
	"bank-reconciliation/internal/models"
)

type ReportService struct {
	db    *sql.DB
	repos Repositories
	log   logrus.FieldLogger
}

func NewReportService(db *sql.DB, repos Repositories, logger logrus.FieldLogger) *ReportService {
	return &ReportService{db: db, repos: repos, log: logger}
}

type ReportOptions struct {
	IncludeMatched   bool
	IncludeUnmatched bool
	IncludeNotes     bool
}

// DefaultReportOptions includes everything.
func DefaultReportOptions() ReportOptions {
	return ReportOptions{IncludeMatched: true, IncludeUnmatched: true, IncludeNotes: true}
}

type Report struct {
	ID          string        `json:"id"`
	GeneratedAt time.Time     `json:"generated_at"`
	Session     ReportSession `json:"session"`
	Summary     ReportSummary `json:"summary"`
	Entries     ReportEntries `json:"entries"`
}

type ReportSession struct {
	ID          int64                `json:"id"`
	Name        string               `json:"name"`
	Account     string               `json:"account"`
	AccountName string               `json:"account_name"`
	Date        string               `json:"date"`
	Status      models.SessionStatus `json:"status"`
}

type SideTotals struct {
	Credits decimal.Decimal `json:"credits"`
	Debits  decimal.Decimal `json:"debits"`
	Entries int             `json:"entries"`
	Matched int             `json:"matched"`
}

type ReportSummary struct {
	OpeningERP  decimal.Decimal `json:"opening_erp"`
	OpeningBank decimal.Decimal `json:"opening_bank"`
	ClosingERP  decimal.Decimal `json:"closing_erp"`
	ClosingBank decimal.Decimal `json:"closing_bank"`
	Difference  decimal.Decimal `json:"difference"`
	IsBalanced  bool            `json:"is_balanced"`
	Tolerance   decimal.Decimal `json:"tolerance"`
	// ClosingFinal is false while closing figures are projected from live totals.
	ClosingFinal bool       `json:"closing_final"`
	ERP          SideTotals `json:"erp"`
	Bank         SideTotals `json:"bank"`
	MatchedPairs int        `json:"matched_pairs"`
}

type ReportLine struct {
	EntryID     int64           `json:"entry_id"`
	Date        string          `json:"date"`
	Description string          `json:"description"`
	Reference   string          `json:"reference,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
}

type ReportPair struct {
	MatchID    int64           `json:"match_id"`
	ERP        ReportLine      `json:"erp"`
	Bank       ReportLine      `json:"bank"`
	Difference decimal.Decimal `json:"difference"`
	MatchType  string          `json:"match_type"`
	Confidence decimal.Decimal `json:"confidence"`
	Notes      string          `json:"notes,omitempty"`
}

type ReportEntries struct {
	Matched       []ReportPair `json:"matched"`
	UnmatchedERP  []ReportLine `json:"unmatched_erp"`
	UnmatchedBank []ReportLine `json:"unmatched_bank"`
}

func line(e *models.LedgerEntry) ReportLine {
	return ReportLine{
		EntryID:     e.ID,
		Date:        e.TransactionDate.Format(models.DateLayout),
		Description: e.Description,
		Reference:   e.ReferenceNumber,
		Amount:      e.Amount(),
	}
}

// Generate builds a snapshot of the session. Nothing is persisted. All reads
// share one transaction.
func (s *ReportService) Generate(ctx context.Context, sessionID int64, opts ReportOptions) (*Report, error) {
	var (
		session     *models.ReconciliationSession
		accountName string
		entries     []*models.LedgerEntry
		matches     []*models.MatchedEntry
	)
	err := database.WithReadTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		if session, err = s.repos.Sessions.GetSessionByID(ctx, tx, sessionID); err != nil {
			return err
		}
		account, err := s.repos.Accounts.GetBankAccountByID(ctx, tx, session.BankAccountID)
		switch {
		case err == nil:
			accountName = account.Name
		case !errors.Is(err, models.ErrNotFound):
			return fmt.Errorf("failed to load bank account: %w", err)
		}
		if entries, err = s.repos.Entries.ListEntries(ctx, tx, sessionID, "", false); err != nil {
			return fmt.Errorf("failed to load entries: %w", err)
		}
		if matches, err = s.repos.Matches.ListMatches(ctx, tx, sessionID); err != nil {
			return fmt.Errorf("failed to load matches: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	report := &Report{
		ID:          uuid.NewString(),
		GeneratedAt: time.Now().UTC(),
		Session: ReportSession{
			ID:          session.ID,
			Name:        session.Name,
			Account:     session.BankAccountID,
			AccountName: accountName,
			Date:        session.ReconciliationDate.Format(models.DateLayout),
			Status:      session.Status,
		},
		Summary: summarize(session),
		Entries: ReportEntries{
			Matched:       []ReportPair{},
			UnmatchedERP:  []ReportLine{},
			UnmatchedBank: []ReportLine{},
		},
	}

	byID := make(map[int64]*models.LedgerEntry, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
		totals := &report.Summary.ERP
		if e.Side == models.SideBank {
			totals = &report.Summary.Bank
		}
		totals.Entries++
		if e.Matched {
			totals.Matched++
			continue
		}
		if !opts.IncludeUnmatched {
			continue
		}
		if e.Side == models.SideERP {
			report.Entries.UnmatchedERP = append(report.Entries.UnmatchedERP, line(e))
		} else {
			report.Entries.UnmatchedBank = append(report.Entries.UnmatchedBank, line(e))
		}
	}

	report.Summary.MatchedPairs = len(matches)
	if opts.IncludeMatched {
		for _, m := range matches {
			erp, bank := byID[m.ERPEntryID], byID[m.BankEntryID]
			if erp == nil || bank == nil {
				continue
			}
			pair := ReportPair{
				MatchID:    m.ID,
				ERP:        line(erp),
				Bank:       line(bank),
				Difference: m.Difference,
				MatchType:  m.MatchType,
				Confidence: m.Confidence,
			}
			if opts.IncludeNotes {
				pair.Notes = m.Notes
			}
			report.Entries.Matched = append(report.Entries.Matched, pair)
		}
	}

	s.log.WithFields(logrus.Fields{"session_id": sessionID, "report_id": report.ID}).Debug("report generated")
	return report, nil
}

// summarize uses the frozen closing figures once the session has been
// completed, and projects them from current totals before that.
func summarize(session *models.ReconciliationSession) ReportSummary {
	sum := ReportSummary{
		OpeningERP:  session.OpeningBalanceERP,
		OpeningBank: session.OpeningBalanceBank,
		Tolerance:   session.ToleranceAmount,
		ERP:         SideTotals{Credits: session.TotalERPCredits, Debits: session.TotalERPDebits},
		Bank:        SideTotals{Credits: session.TotalBankCredits, Debits: session.TotalBankDebits},
	}
	if session.CompletedAt.Valid {
		sum.ClosingERP = session.ClosingBalanceERP
		sum.ClosingBank = session.ClosingBalanceBank
		sum.Difference = session.Difference
		sum.IsBalanced = session.IsBalanced
		sum.ClosingFinal = true
		return sum
	}
	sum.ClosingERP, sum.ClosingBank = session.ProjectedClosing()
	sum.Difference = sum.ClosingERP.Sub(sum.ClosingBank)
	sum.IsBalanced = sum.Difference.Abs().LessThanOrEqual(session.ToleranceAmount)
	return sum
}
