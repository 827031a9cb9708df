package matching

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"bank-reconciliation/internal/models"
)

// Criteria selects the pairing predicate used by a bulk match run.
type Criteria string

const (
	CriteriaAmountOnly  Criteria = "amount_only"
	CriteriaAmountDate  Criteria = "amount_date"
	CriteriaReference   Criteria = "reference"
	CriteriaDescription Criteria = "description"
)

const (
	// DefaultDescriptionThreshold is the minimum scorer result, in percent,
	// for the description criteria.
	DefaultDescriptionThreshold = 80.0

	hoursPerDay = 24
)

var (
	hundred  = decimal.NewFromInt(100)
	minWidth = decimal.New(1, -2)
)

func (c Criteria) Valid() bool {
	switch c {
	case CriteriaAmountOnly, CriteriaAmountDate, CriteriaReference, CriteriaDescription:
		return true
	}
	return false
}

// MatchType is the match type recorded for pairs found by this criteria.
func (c Criteria) MatchType() string {
	switch c {
	case CriteriaAmountDate, CriteriaReference:
		return models.MatchTypeExact
	}
	return models.MatchTypePartial
}

// Options configures an Engine.
type Options struct {
	Criteria          Criteria
	DateToleranceDays int
	AmountTolerance   decimal.Decimal
	// Scorer and Threshold are only consulted by CriteriaDescription.
	Scorer    Scorer
	Threshold float64
}

// Pair is one planned ERP/bank pairing.
type Pair struct {
	ERP        *models.LedgerEntry
	Bank       *models.LedgerEntry
	Difference decimal.Decimal
	Confidence decimal.Decimal
}

// Plan is the outcome of a bulk match run over two sets of unmatched entries.
type Plan struct {
	// Pairs is the deterministic one-to-one plan. Committing it creates exactly len(Pairs) matches.
	Pairs []Pair
	// CandidatePairs counts every predicate-true pair, so an entry that fits
	// several counterparts is counted once per counterpart.
	CandidatePairs int
}

type Engine struct {
	opts  Options
	width decimal.Decimal
}

func NewEngine(opts Options) (*Engine, error) {
	if !opts.Criteria.Valid() {
		return nil, &models.EntryValidationError{Field: "criteria", Reason: fmt.Sprintf("unknown criteria %q", opts.Criteria)}
	}
	if opts.AmountTolerance.IsNegative() {
		return nil, &models.EntryValidationError{Field: "amount_tolerance", Reason: "must not be negative"}
	}
	if opts.DateToleranceDays < 0 {
		return nil, &models.EntryValidationError{Field: "date_tolerance_days", Reason: "must not be negative"}
	}
	if opts.Criteria == CriteriaDescription {
		if opts.Scorer == nil {
			opts.Scorer = LevenshteinScorer{}
		}
		if opts.Threshold <= 0 {
			opts.Threshold = DefaultDescriptionThreshold
		}
	}

	width := opts.AmountTolerance
	if width.LessThan(minWidth) {
		width = minWidth
	}
	return &Engine{opts: opts, width: width}, nil
}

// Accepts reports whether erp and bank satisfy the configured predicate.
func (e *Engine) Accepts(erp, bank *models.LedgerEntry) bool {
	if Difference(erp, bank).GreaterThan(e.opts.AmountTolerance) {
		return false
	}

	switch e.opts.Criteria {
	case CriteriaAmountOnly:
		return true
	case CriteriaAmountDate:
		return e.withinDays(erp, bank)
	case CriteriaReference:
		if !e.withinDays(erp, bank) {
			return false
		}
		a := strings.TrimSpace(erp.ReferenceNumber)
		b := strings.TrimSpace(bank.ReferenceNumber)
		return a != "" && b != "" && strings.EqualFold(a, b)
	case CriteriaDescription:
		return e.opts.Scorer.Score(erp.Description, bank.Description) >= e.opts.Threshold
	}
	return false
}

func (e *Engine) withinDays(erp, bank *models.LedgerEntry) bool {
	days := int(erp.TransactionDate.Sub(bank.TransactionDate).Hours() / hoursPerDay)
	if days < 0 {
		days = -days
	}
	return days <= e.opts.DateToleranceDays
}

// Plan pairs unmatched ERP entries with unmatched bank entries. ERP entries
// are visited by (date, id); each takes the earliest unconsumed bank
// candidate by (date, id). Matched entries in either slice are ignored.
func (e *Engine) Plan(erp, bank []*models.LedgerEntry) *Plan {
	erp = sortedUnmatched(erp)
	bank = sortedUnmatched(bank)

	index := make(map[int64][]int)
	for i, b := range bank {
		k := e.bucket(b.Amount())
		index[k] = append(index[k], i)
	}

	plan := &Plan{}
	consumed := make([]bool, len(bank))
	for _, a := range erp {
		amount := a.Amount()
		lo := e.bucket(amount.Sub(e.opts.AmountTolerance))
		hi := e.bucket(amount.Add(e.opts.AmountTolerance))

		best := -1
		for k := lo; k <= hi; k++ {
			for _, i := range index[k] {
				if !e.Accepts(a, bank[i]) {
					continue
				}
				plan.CandidatePairs++
				if !consumed[i] && (best < 0 || i < best) {
					best = i
				}
			}
		}
		if best < 0 {
			continue
		}

		consumed[best] = true
		diff := Difference(a, bank[best])
		plan.Pairs = append(plan.Pairs, Pair{
			ERP:        a,
			Bank:       bank[best],
			Difference: diff,
			Confidence: Confidence(amount, diff),
		})
	}
	return plan
}

func (e *Engine) bucket(amount decimal.Decimal) int64 {
	return amount.Div(e.width).Floor().IntPart()
}

// sortedUnmatched copies the unmatched entries ordered by (date, id). Bucket
// slices built from the result keep that order, so a lower index is an earlier entry.
func sortedUnmatched(entries []*models.LedgerEntry) []*models.LedgerEntry {
	out := make([]*models.LedgerEntry, 0, len(entries))
	for _, en := range entries {
		if !en.Matched {
			out = append(out, en)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].TransactionDate.Equal(out[j].TransactionDate) {
			return out[i].TransactionDate.Before(out[j].TransactionDate)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Difference is |erp.amount - bank.amount|.
func Difference(erp, bank *models.LedgerEntry) decimal.Decimal {
	return erp.Amount().Sub(bank.Amount()).Abs()
}

// Confidence is 100 x (1 - difference/|erpAmount|), clamped to [0, 100] and
// rounded to two places. A zero ERP amount scores 100 only on a zero difference.
func Confidence(erpAmount, difference decimal.Decimal) decimal.Decimal {
	if erpAmount.IsZero() {
		if difference.IsZero() {
			return hundred
		}
		return decimal.Zero
	}
	c := hundred.Mul(decimal.NewFromInt(1).Sub(difference.Div(erpAmount.Abs())))
	if c.IsNegative() {
		return decimal.Zero
	}
	if c.GreaterThan(hundred) {
		return hundred
	}
	return c.Round(2)
}
