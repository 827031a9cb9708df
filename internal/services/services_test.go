package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bank-reconciliation/internal/config"
	"bank-reconciliation/internal/locking"
	"bank-reconciliation/internal/matching"
	"bank-reconciliation/internal/models"
	"bank-reconciliation/internal/testutil"
)

const actor = "alice"

type fixture struct {
	t        *testing.T
	ctx      context.Context
	db       *sql.DB
	sessions *ReconciliationService
	entries  *EntryService
	matches  *MatchService
	imports  *DataIngestionService
	reports  *ReportService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	testutil.SeedBankAccount(t, db, "acc-1", "Operating")

	repos := NewRepositories()
	locker := locking.NewLocalLocker()
	logger := testutil.Logger()
	defaults := config.ReconciliationConfig{
		DefaultDateToleranceDays: 3,
		DefaultAmountTolerance:   decimal.Zero,
		DescriptionThreshold:     matching.DefaultDescriptionThreshold,
		BulkMatchLimit:           100,
	}
	return &fixture{
		t:        t,
		ctx:      context.Background(),
		db:       db,
		sessions: NewReconciliationService(db, locker, repos, logger),
		entries:  NewEntryService(db, locker, repos, logger),
		matches:  NewMatchService(db, locker, repos, defaults, logger),
		imports:  NewDataIngestionService(db, locker, repos, logger),
		reports:  NewReportService(db, repos, logger),
	}
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func day(n int) time.Time { return time.Date(2024, 3, n, 0, 0, 0, 0, time.UTC) }

func (f *fixture) session(opening, tolerance string) *models.ReconciliationSession {
	f.t.Helper()
	s, err := f.sessions.Create(f.ctx, CreateSessionInput{
		BankAccountID:      "acc-1",
		Name:               "March",
		ReconciliationDate: day(31),
		ToleranceAmount:    d(tolerance),
		OpeningBalanceERP:  d(opening),
		OpeningBalanceBank: d(opening),
	}, actor)
	require.NoError(f.t, err)
	return s
}

func (f *fixture) erp(sessionID int64, date int, debit, credit, ref string) *models.LedgerEntry {
	f.t.Helper()
	e, err := f.entries.Add(f.ctx, sessionID, EntryInput{
		Side: models.SideERP, TransactionDate: day(date), Description: "ERP line " + ref,
		ReferenceNumber: ref, Debit: d(debit), Credit: d(credit), LedgerAccount: "1100",
	}, actor)
	require.NoError(f.t, err)
	return e
}

func (f *fixture) bank(sessionID int64, date int, debit, credit, ref string) *models.LedgerEntry {
	f.t.Helper()
	e, err := f.entries.Add(f.ctx, sessionID, EntryInput{
		Side: models.SideBank, TransactionDate: day(date), Description: "Bank line " + ref,
		ReferenceNumber: ref, Debit: d(debit), Credit: d(credit),
	}, actor)
	require.NoError(f.t, err)
	return e
}

func (f *fixture) reload(id int64) *models.ReconciliationSession {
	f.t.Helper()
	s, err := f.sessions.Get(f.ctx, id)
	require.NoError(f.t, err)
	return s
}

// assertBijection checks that every matched entry points at a matched
// counterpart that points back, and that join records mirror the links.
func (f *fixture) assertBijection(sessionID int64) {
	f.t.Helper()
	all, err := f.entries.List(f.ctx, sessionID, "")
	require.NoError(f.t, err)
	byID := map[int64]*models.LedgerEntry{}
	for _, e := range all {
		byID[e.ID] = e
	}
	seen := map[int64]bool{}
	for _, e := range all {
		assert.Equal(f.t, e.Matched, e.CounterpartID.Valid, "entry %d", e.ID)
		if !e.Matched {
			continue
		}
		other := byID[e.CounterpartID.Int64]
		require.NotNil(f.t, other)
		assert.NotEqual(f.t, e.Side, other.Side)
		assert.Equal(f.t, e.ID, other.CounterpartID.Int64)
		assert.False(f.t, seen[other.ID], "entry %d is counterpart twice", other.ID)
		seen[other.ID] = true
	}
	matches, err := f.matches.repos.Matches.ListMatches(f.ctx, f.db, sessionID)
	require.NoError(f.t, err)
	assert.Equal(f.t, len(seen)/2, len(matches))
}

func TestScenarioAReferenceBulkMatch(t *testing.T) {
	f := newFixture(t)
	s := f.session("1000.00", "0.01")
	erp := f.erp(s.ID, 15, "0", "500.00", "INV-42")
	bank := f.bank(s.ID, 15, "0", "500.00", "INV-42")

	dry, err := f.matches.BulkMatch(f.ctx, s.ID, BulkMatchRequest{Criteria: matching.CriteriaReference}, actor)
	require.NoError(t, err)
	assert.Equal(t, 1, dry.CandidatePairs)
	assert.Equal(t, 1, dry.Matchable)
	assert.Zero(t, dry.Matched)

	res, err := f.matches.BulkMatch(f.ctx, s.ID, BulkMatchRequest{Criteria: matching.CriteriaReference, AutoConfirm: true}, actor)
	require.NoError(t, err)
	require.Equal(t, 1, res.Matched)
	m := res.Matches[0]
	assert.Equal(t, erp.ID, m.ERPEntryID)
	assert.Equal(t, bank.ID, m.BankEntryID)
	assert.Equal(t, models.MatchTypeExact, m.MatchType)
	assert.True(t, m.Confidence.Equal(d("100")))
	f.assertBijection(s.ID)
}

func TestScenarioBManualMatchConfidence(t *testing.T) {
	f := newFixture(t)
	s := f.session("0", "0.01")
	erp := f.erp(s.ID, 10, "200.00", "0", "")
	bank := f.bank(s.ID, 12, "199.50", "0", "")

	tol := d("1.00")
	dry, err := f.matches.BulkMatch(f.ctx, s.ID, BulkMatchRequest{Criteria: matching.CriteriaAmountOnly, AmountTolerance: &tol}, actor)
	require.NoError(t, err)
	assert.Equal(t, 1, dry.CandidatePairs)

	m, err := f.matches.Match(f.ctx, s.ID, MatchRequest{ERPEntryID: erp.ID, BankEntryID: bank.ID}, actor)
	require.NoError(t, err)
	assert.Equal(t, models.MatchTypeManual, m.MatchType)
	assert.True(t, m.Confidence.Equal(d("99.75")), "got %s", m.Confidence)
	assert.True(t, m.Difference.Equal(d("0.50")))
}

func TestScenarioCCompleteUnbalanced(t *testing.T) {
	f := newFixture(t)
	s := f.session("1000.00", "0.01")
	f.erp(s.ID, 5, "0", "105.00", "")
	f.bank(s.ID, 5, "0", "100.00", "")

	done, err := f.sessions.Complete(f.ctx, s.ID, actor)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)
	assert.True(t, done.ClosingBalanceERP.Equal(d("1105")))
	assert.True(t, done.ClosingBalanceBank.Equal(d("1100")))
	assert.True(t, done.Difference.Equal(d("5")))
	assert.False(t, done.IsBalanced)
	assert.True(t, done.CompletedAt.Valid)

	again, err := f.sessions.Complete(f.ctx, s.ID, actor)
	require.NoError(t, err)
	assert.True(t, again.ClosingBalanceERP.Equal(done.ClosingBalanceERP))
	assert.True(t, again.Difference.Equal(done.Difference))
	assert.True(t, again.CompletedAt.Time.Equal(done.CompletedAt.Time))
}

func TestScenarioDLockedSessionRejectsEntries(t *testing.T) {
	f := newFixture(t)
	s := f.session("1000.00", "0.01")
	f.erp(s.ID, 5, "0", "50", "")
	before := f.reload(s.ID)

	_, err := f.sessions.Lock(f.ctx, s.ID, actor)
	require.NoError(t, err)

	_, err = f.entries.Add(f.ctx, s.ID, EntryInput{
		Side: models.SideERP, TransactionDate: day(6), Description: "late", Credit: d("10"), LedgerAccount: "1100",
	}, actor)
	assert.ErrorIs(t, err, models.ErrInvalidSessionState)

	all, err := f.entries.List(f.ctx, s.ID, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
	after := f.reload(s.ID)
	assert.True(t, after.TotalERPCredits.Equal(before.TotalERPCredits))
	assert.Equal(t, models.StatusLocked, after.Status)
}

func TestStatusMovesForwardOnly(t *testing.T) {
	f := newFixture(t)
	s := f.session("0", "0")
	assert.Equal(t, models.StatusOpen, s.Status)

	f.bank(s.ID, 1, "0", "10", "")
	assert.Equal(t, models.StatusInProgress, f.reload(s.ID).Status)

	_, err := f.sessions.Complete(f.ctx, s.ID, actor)
	require.NoError(t, err)

	_, err = f.entries.Add(f.ctx, s.ID, EntryInput{Side: models.SideBank, TransactionDate: day(2), Description: "x", Credit: d("1")}, actor)
	assert.ErrorIs(t, err, models.ErrInvalidSessionState)

	locked, err := f.sessions.Lock(f.ctx, s.ID, actor)
	require.NoError(t, err)
	assert.True(t, locked.LockedAt.Valid)

	_, err = f.sessions.Complete(f.ctx, s.ID, actor)
	assert.ErrorIs(t, err, models.ErrInvalidSessionState)
	assert.Equal(t, models.StatusLocked, f.reload(s.ID).Status)

	again, err := f.sessions.Lock(f.ctx, s.ID, actor)
	require.NoError(t, err)
	assert.Equal(t, models.StatusLocked, again.Status)
}

func TestCreateRejectsDuplicateActiveSession(t *testing.T) {
	f := newFixture(t)
	f.session("0", "0")

	_, err := f.sessions.Create(f.ctx, CreateSessionInput{BankAccountID: "acc-1", ReconciliationDate: day(31)}, actor)
	assert.ErrorIs(t, err, models.ErrInvalidSessionState)

	_, err = f.sessions.Create(f.ctx, CreateSessionInput{BankAccountID: "missing", ReconciliationDate: day(31)}, actor)
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = f.sessions.Create(f.ctx, CreateSessionInput{BankAccountID: "acc-1", ReconciliationDate: day(30), ToleranceAmount: d("-1")}, actor)
	assert.ErrorIs(t, err, models.ErrEntryValidation)

	other, err := f.sessions.Create(f.ctx, CreateSessionInput{BankAccountID: "acc-1", ReconciliationDate: day(30)}, actor)
	require.NoError(t, err)
	assert.Equal(t, "acc-1 2024-03-30", other.Name)

	list, err := f.sessions.List(f.ctx, models.SessionFilter{BankAccountID: "acc-1"})
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestCompletedSessionAllowsNewSessionForSameDate(t *testing.T) {
	f := newFixture(t)
	s := f.session("0", "0")
	_, err := f.sessions.Complete(f.ctx, s.ID, actor)
	require.NoError(t, err)

	_, err = f.sessions.Create(f.ctx, CreateSessionInput{BankAccountID: "acc-1", ReconciliationDate: day(31)}, actor)
	assert.NoError(t, err)
}

func TestEntryValidation(t *testing.T) {
	f := newFixture(t)
	s := f.session("0", "0")

	cases := []struct {
		name  string
		in    EntryInput
		field string
	}{
		{"both set", EntryInput{Side: models.SideBank, TransactionDate: day(1), Description: "x", Debit: d("1"), Credit: d("1")}, "amount"},
		{"neither set", EntryInput{Side: models.SideBank, TransactionDate: day(1), Description: "x"}, "amount"},
		{"negative", EntryInput{Side: models.SideBank, TransactionDate: day(1), Description: "x", Debit: d("-5")}, "debit"},
		{"bad side", EntryInput{Side: "gl", TransactionDate: day(1), Description: "x", Debit: d("5")}, "side"},
		{"erp needs account", EntryInput{Side: models.SideERP, TransactionDate: day(1), Description: "x", Debit: d("5")}, "ledger_account"},
		{"no description", EntryInput{Side: models.SideBank, TransactionDate: day(1), Debit: d("5")}, "description"},
		{"no date", EntryInput{Side: models.SideBank, Description: "x", Debit: d("5")}, "transaction_date"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.entries.Add(f.ctx, s.ID, tc.in, actor)
			var verr *models.EntryValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tc.field, verr.Field)
		})
	}

	all, err := f.entries.List(f.ctx, s.ID, "")
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Equal(t, models.StatusOpen, f.reload(s.ID).Status)
}

func TestTotalsFollowEveryMutation(t *testing.T) {
	f := newFixture(t)
	s := f.session("0", "0")
	a := f.erp(s.ID, 1, "0", "100", "")
	f.erp(s.ID, 2, "40", "0", "")

	got := f.reload(s.ID)
	assert.True(t, got.TotalERPCredits.Equal(d("100")))
	assert.True(t, got.TotalERPDebits.Equal(d("40")))

	credit := d("150")
	_, err := f.entries.Update(f.ctx, a.ID, EntryUpdate{Credit: &credit}, actor)
	require.NoError(t, err)
	assert.True(t, f.reload(s.ID).TotalERPCredits.Equal(d("150")))

	require.NoError(t, f.entries.Remove(f.ctx, a.ID, actor))
	got = f.reload(s.ID)
	assert.True(t, got.TotalERPCredits.IsZero())
	assert.True(t, got.TotalERPDebits.Equal(d("40")))
	assert.True(t, got.TotalBankCredits.IsZero())
}

func TestMatchUnmatchRoundTrip(t *testing.T) {
	f := newFixture(t)
	s := f.session("0", "0")
	erp := f.erp(s.ID, 1, "0", "75", "R1")
	bank := f.bank(s.ID, 1, "0", "75", "R1")

	_, err := f.matches.Match(f.ctx, s.ID, MatchRequest{ERPEntryID: erp.ID, BankEntryID: bank.ID, Notes: "checked"}, actor)
	require.NoError(t, err)
	f.assertBijection(s.ID)

	_, err = f.matches.Match(f.ctx, s.ID, MatchRequest{ERPEntryID: erp.ID, BankEntryID: bank.ID}, actor)
	assert.ErrorIs(t, err, models.ErrAlreadyMatched)

	require.NoError(t, f.matches.Unmatch(f.ctx, bank.ID, actor))
	for _, id := range []int64{erp.ID, bank.ID} {
		e, err := f.entries.Get(f.ctx, id)
		require.NoError(t, err)
		assert.False(t, e.Matched)
		assert.False(t, e.CounterpartID.Valid)
	}
	_, err = f.matches.repos.Matches.GetMatchByEntry(f.ctx, f.db, erp.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)

	err = f.matches.Unmatch(f.ctx, erp.ID, actor)
	assert.ErrorIs(t, err, models.ErrNotMatched)
}

func TestMatchPreconditions(t *testing.T) {
	f := newFixture(t)
	s := f.session("0", "0")
	other, err := f.sessions.Create(f.ctx, CreateSessionInput{BankAccountID: "acc-1", ReconciliationDate: day(30)}, actor)
	require.NoError(t, err)

	erp := f.erp(s.ID, 1, "0", "10", "")
	bank := f.bank(s.ID, 1, "0", "10", "")
	foreign := f.bank(other.ID, 1, "0", "10", "")

	_, err = f.matches.Match(f.ctx, s.ID, MatchRequest{ERPEntryID: erp.ID, BankEntryID: foreign.ID}, actor)
	assert.ErrorIs(t, err, models.ErrCrossSessionMismatch)

	_, err = f.matches.Match(f.ctx, s.ID, MatchRequest{ERPEntryID: bank.ID, BankEntryID: erp.ID}, actor)
	assert.ErrorIs(t, err, models.ErrEntryValidation)

	_, err = f.matches.Match(f.ctx, s.ID, MatchRequest{ERPEntryID: erp.ID, BankEntryID: bank.ID, MatchType: "fuzzy"}, actor)
	assert.ErrorIs(t, err, models.ErrEntryValidation)

	_, err = f.matches.Match(f.ctx, s.ID, MatchRequest{ERPEntryID: erp.ID, BankEntryID: 9999}, actor)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMatchedEntryGuards(t *testing.T) {
	f := newFixture(t)
	s := f.session("0", "0")
	erp := f.erp(s.ID, 1, "0", "10", "")
	bank := f.bank(s.ID, 1, "0", "10", "")
	_, err := f.matches.Match(f.ctx, s.ID, MatchRequest{ERPEntryID: erp.ID, BankEntryID: bank.ID}, actor)
	require.NoError(t, err)

	credit := d("11")
	_, err = f.entries.Update(f.ctx, erp.ID, EntryUpdate{Credit: &credit}, actor)
	assert.ErrorIs(t, err, models.ErrAlreadyMatched)

	desc := "renamed"
	updated, err := f.entries.Update(f.ctx, erp.ID, EntryUpdate{Description: &desc}, actor)
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Description)

	require.NoError(t, f.entries.Remove(f.ctx, erp.ID, actor))
	left, err := f.entries.Get(f.ctx, bank.ID)
	require.NoError(t, err)
	assert.False(t, left.Matched)
	f.assertBijection(s.ID)
}

func TestUnmatchRequiresMutableSession(t *testing.T) {
	f := newFixture(t)
	s := f.session("0", "0")
	erp := f.erp(s.ID, 1, "0", "10", "")
	bank := f.bank(s.ID, 1, "0", "10", "")
	_, err := f.matches.Match(f.ctx, s.ID, MatchRequest{ERPEntryID: erp.ID, BankEntryID: bank.ID}, actor)
	require.NoError(t, err)
	_, err = f.sessions.Lock(f.ctx, s.ID, actor)
	require.NoError(t, err)

	assert.ErrorIs(t, f.matches.Unmatch(f.ctx, erp.ID, actor), models.ErrInvalidSessionState)
	e, err := f.entries.Get(f.ctx, erp.ID)
	require.NoError(t, err)
	assert.True(t, e.Matched)
}

func TestConcurrentMatchOnSameEntry(t *testing.T) {
	f := newFixture(t)
	s := f.session("0", "0")
	erp := f.erp(s.ID, 1, "0", "10", "")
	banks := []*models.LedgerEntry{
		f.bank(s.ID, 1, "0", "10", "A"),
		f.bank(s.ID, 1, "0", "10", "B"),
		f.bank(s.ID, 1, "0", "10", "C"),
	}

	var wg sync.WaitGroup
	errs := make([]error, len(banks))
	for i, b := range banks {
		wg.Add(1)
		go func(i int, bankID int64) {
			defer wg.Done()
			_, errs[i] = f.matches.Match(f.ctx, s.ID, MatchRequest{ERPEntryID: erp.ID, BankEntryID: bankID}, actor)
		}(i, b.ID)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, models.ErrAlreadyMatched)
	}
	assert.Equal(t, 1, succeeded)
	f.assertBijection(s.ID)
}

func TestBulkMatchConsumesEachEntryOnce(t *testing.T) {
	f := newFixture(t)
	s := f.session("0", "0")
	f.erp(s.ID, 1, "0", "10", "")
	f.erp(s.ID, 2, "0", "10", "")
	f.bank(s.ID, 1, "0", "10", "")
	f.bank(s.ID, 3, "0", "10", "")
	f.bank(s.ID, 4, "0", "10", "")

	dry, err := f.matches.BulkMatch(f.ctx, s.ID, BulkMatchRequest{Criteria: matching.CriteriaAmountOnly}, actor)
	require.NoError(t, err)
	assert.Equal(t, 6, dry.CandidatePairs)
	assert.Equal(t, 2, dry.Matchable)

	res, err := f.matches.BulkMatch(f.ctx, s.ID, BulkMatchRequest{Criteria: matching.CriteriaAmountOnly, AutoConfirm: true}, actor)
	require.NoError(t, err)
	assert.Equal(t, dry.Matchable, res.Matched)
	for _, m := range res.Matches {
		assert.Equal(t, models.MatchTypePartial, m.MatchType)
	}
	f.assertBijection(s.ID)

	unmatched, err := f.entries.ListUnmatched(f.ctx, s.ID, models.SideBank)
	require.NoError(t, err)
	require.Len(t, unmatched, 1)
	assert.True(t, unmatched[0].TransactionDate.Equal(day(4)))
}

func TestBulkMatchLimit(t *testing.T) {
	f := newFixture(t)
	f.matches.defaults.BulkMatchLimit = 1
	s := f.session("0", "0")
	f.erp(s.ID, 1, "0", "10", "")
	f.erp(s.ID, 1, "0", "20", "")
	f.bank(s.ID, 1, "0", "10", "")
	f.bank(s.ID, 1, "0", "20", "")

	_, err := f.matches.BulkMatch(f.ctx, s.ID, BulkMatchRequest{Criteria: matching.CriteriaAmountDate, AutoConfirm: true}, actor)
	assert.ErrorIs(t, err, models.ErrBulkLimitExceeded)

	unmatched, err := f.entries.ListUnmatched(f.ctx, s.ID, "")
	require.NoError(t, err)
	assert.Len(t, unmatched, 4)
}

func TestBulkMatchRejectsUnknownCriteria(t *testing.T) {
	f := newFixture(t)
	s := f.session("0", "0")
	_, err := f.matches.BulkMatch(f.ctx, s.ID, BulkMatchRequest{Criteria: "everything"}, actor)
	assert.ErrorIs(t, err, models.ErrEntryValidation)
}

func TestAuditTrail(t *testing.T) {
	f := newFixture(t)
	s := f.session("0", "0")
	erp := f.erp(s.ID, 1, "0", "10", "")
	bank := f.bank(s.ID, 1, "0", "10", "")
	_, err := f.matches.Match(f.ctx, s.ID, MatchRequest{ERPEntryID: erp.ID, BankEntryID: bank.ID}, actor)
	require.NoError(t, err)
	_, err = f.sessions.Complete(f.ctx, s.ID, actor)
	require.NoError(t, err)

	trail, err := f.sessions.Audit(f.ctx, s.ID)
	require.NoError(t, err)
	var actions []string
	for _, a := range trail {
		actions = append(actions, a.Action)
		assert.Equal(t, actor, a.UserID)
	}
	assert.Equal(t, []string{
		models.AuditActionCreated,
		models.AuditActionEntryAdded,
		models.AuditActionEntryAdded,
		models.AuditActionMatched,
		models.AuditActionCompleted,
	}, actions)
}

func TestRemoveMatchedEntryAuditsDissolvedPair(t *testing.T) {
	f := newFixture(t)
	s := f.session("0", "0")
	erp := f.erp(s.ID, 1, "0", "10", "")
	bank := f.bank(s.ID, 1, "0", "10", "")
	loose := f.bank(s.ID, 2, "0", "5", "")
	_, err := f.matches.Match(f.ctx, s.ID, MatchRequest{ERPEntryID: erp.ID, BankEntryID: bank.ID}, actor)
	require.NoError(t, err)

	require.NoError(t, f.entries.Remove(f.ctx, erp.ID, actor))
	require.NoError(t, f.entries.Remove(f.ctx, loose.ID, actor))

	trail, err := f.sessions.Audit(f.ctx, s.ID)
	require.NoError(t, err)
	var removed []map[string]any
	for _, a := range trail {
		if a.Action != models.AuditActionEntryRemoved {
			continue
		}
		var details map[string]any
		require.NoError(t, json.Unmarshal(a.Details, &details))
		removed = append(removed, details)
	}
	require.Len(t, removed, 2)
	assert.Equal(t, true, removed[0]["unmatched"])
	assert.Equal(t, false, removed[1]["unmatched"])
}
