package models

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the ISO-8601 calendar date format used on the wire and in storage.
const DateLayout = "2006-01-02"

// SessionStatus is the lifecycle state of a reconciliation session.
type SessionStatus string

// Session status constants
const (
	StatusOpen       SessionStatus = "open"
	StatusInProgress SessionStatus = "in_progress"
	StatusCompleted  SessionStatus = "completed"
	StatusLocked     SessionStatus = "locked"
)

// Mutable reports whether entries, imports and matches may change in this state.
func (s SessionStatus) Mutable() bool {
	return s == StatusOpen || s == StatusInProgress
}

func (s SessionStatus) Valid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusCompleted, StatusLocked:
		return true
	}
	return false
}

// Side tags which ledger an entry belongs to.
type Side string

// Side constants
const (
	SideERP  Side = "erp"
	SideBank Side = "bank"
)

func (s Side) Valid() bool {
	return s == SideERP || s == SideBank
}

// MatchType constants
const (
	MatchTypeExact   = "exact"
	MatchTypePartial = "partial"
	MatchTypeManual  = "manual"
)

// ValidMatchType reports whether t is one of the known match types.
func ValidMatchType(t string) bool {
	switch t {
	case MatchTypeExact, MatchTypePartial, MatchTypeManual:
		return true
	}
	return false
}

// BankAccount is read-only master data owned by another module.
type BankAccount struct {
	ID            string `db:"id" json:"id"`
	Name          string `db:"name" json:"name"`
	AccountNumber string `db:"account_number" json:"account_number"`
	Currency      string `db:"currency" json:"currency"`
}

// ReconciliationSession bounds the reconciliation of one bank account for one statement date.
type ReconciliationSession struct {
	ID                 int64           `db:"id" json:"id"`
	BankAccountID      string          `db:"bank_account_id" json:"bank_account_id"`
	Name               string          `db:"name" json:"name"`
	ReconciliationDate time.Time       `db:"reconciliation_date" json:"-"`
	Status             SessionStatus   `db:"status" json:"status"`
	ToleranceAmount    decimal.Decimal `db:"tolerance_amount" json:"tolerance_amount"`
	OpeningBalanceERP  decimal.Decimal `db:"opening_balance_erp" json:"opening_balance_erp"`
	OpeningBalanceBank decimal.Decimal `db:"opening_balance_bank" json:"opening_balance_bank"`
	ClosingBalanceERP  decimal.Decimal `db:"closing_balance_erp" json:"closing_balance_erp"`
	ClosingBalanceBank decimal.Decimal `db:"closing_balance_bank" json:"closing_balance_bank"`
	TotalERPCredits    decimal.Decimal `db:"total_erp_credits" json:"total_erp_credits"`
	TotalERPDebits     decimal.Decimal `db:"total_erp_debits" json:"total_erp_debits"`
	TotalBankCredits   decimal.Decimal `db:"total_bank_credits" json:"total_bank_credits"`
	TotalBankDebits    decimal.Decimal `db:"total_bank_debits" json:"total_bank_debits"`
	Difference         decimal.Decimal `db:"difference" json:"difference"`
	IsBalanced         bool            `db:"is_balanced" json:"is_balanced"`
	Notes              string          `db:"notes" json:"notes,omitempty"`
	Owner              string          `db:"owner" json:"owner"`
	CreatedAt          time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at" json:"updated_at"`
	CompletedAt        sql.NullTime    `db:"completed_at" json:"-"`
	LockedAt           sql.NullTime    `db:"locked_at" json:"-"`
}

// MarshalJSON renders dates as ISO-8601 and nullable timestamps as null.
func (s ReconciliationSession) MarshalJSON() ([]byte, error) {
	type alias ReconciliationSession
	return json.Marshal(struct {
		alias
		ReconciliationDate string     `json:"reconciliation_date"`
		CompletedAt        *time.Time `json:"completed_at"`
		LockedAt           *time.Time `json:"locked_at"`
	}{
		alias:              alias(s),
		ReconciliationDate: s.ReconciliationDate.Format(DateLayout),
		CompletedAt:        nullTimePtr(s.CompletedAt),
		LockedAt:           nullTimePtr(s.LockedAt),
	})
}

// Totals returns the accumulated credits and debits of one side.
func (s *ReconciliationSession) Totals(side Side) (credits, debits decimal.Decimal) {
	if side == SideERP {
		return s.TotalERPCredits, s.TotalERPDebits
	}
	return s.TotalBankCredits, s.TotalBankDebits
}

// ProjectedClosing returns opening + net movement for both sides using the current totals.
func (s *ReconciliationSession) ProjectedClosing() (erp, bank decimal.Decimal) {
	erp = s.OpeningBalanceERP.Add(s.TotalERPCredits.Sub(s.TotalERPDebits))
	bank = s.OpeningBalanceBank.Add(s.TotalBankCredits.Sub(s.TotalBankDebits))
	return erp, bank
}

// LedgerEntry is one line of either ledger. Exactly one of Debit and Credit is positive.
type LedgerEntry struct {
	ID              int64           `db:"id" json:"id"`
	SessionID       int64           `db:"session_id" json:"session_id"`
	Side            Side            `db:"side" json:"side"`
	TransactionDate time.Time       `db:"transaction_date" json:"-"`
	Description     string          `db:"description" json:"description"`
	ReferenceNumber string          `db:"reference_number" json:"reference_number,omitempty"`
	Debit           decimal.Decimal `db:"debit" json:"debit"`
	Credit          decimal.Decimal `db:"credit" json:"credit"`
	Matched         bool            `db:"matched" json:"matched"`
	CounterpartID   sql.NullInt64   `db:"counterpart_id" json:"-"`
	MatchNotes      string          `db:"match_notes" json:"match_notes,omitempty"`
	LedgerAccount   string          `db:"ledger_account" json:"ledger_account,omitempty"`
	ImportSource    string          `db:"import_source" json:"import_source,omitempty"`
	ImportReference string          `db:"import_reference" json:"import_reference,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

// Amount is the signed movement: +credit or -debit.
func (e *LedgerEntry) Amount() decimal.Decimal {
	return e.Credit.Sub(e.Debit)
}

// Kind is "credit" when the credit side carries the amount, "debit" otherwise.
func (e *LedgerEntry) Kind() string {
	if e.Credit.IsPositive() {
		return "credit"
	}
	return "debit"
}

func (e LedgerEntry) MarshalJSON() ([]byte, error) {
	type alias LedgerEntry
	var counterpart *int64
	if e.CounterpartID.Valid {
		id := e.CounterpartID.Int64
		counterpart = &id
	}
	return json.Marshal(struct {
		alias
		TransactionDate string          `json:"transaction_date"`
		CounterpartID   *int64          `json:"counterpart_id"`
		Amount          decimal.Decimal `json:"amount"`
		Kind            string          `json:"kind"`
	}{
		alias:           alias(e),
		TransactionDate: e.TransactionDate.Format(DateLayout),
		CounterpartID:   counterpart,
		Amount:          e.Amount(),
		Kind:            e.Kind(),
	})
}

// MatchedEntry is the audit record of one ERP/bank pairing.
type MatchedEntry struct {
	ID          int64           `db:"id" json:"id"`
	SessionID   int64           `db:"session_id" json:"session_id"`
	ERPEntryID  int64           `db:"erp_entry_id" json:"erp_entry_id"`
	BankEntryID int64           `db:"bank_entry_id" json:"bank_entry_id"`
	MatchType   string          `db:"match_type" json:"match_type"`
	Confidence  decimal.Decimal `db:"confidence" json:"confidence"`
	Difference  decimal.Decimal `db:"difference" json:"difference"`
	Notes       string          `db:"notes" json:"notes,omitempty"`
	CreatedBy   string          `db:"created_by" json:"created_by"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
}

// ReconciliationAudit represents an audit trail entry
type ReconciliationAudit struct {
	ID        int64           `db:"id" json:"id"`
	SessionID int64           `db:"session_id" json:"session_id"`
	Action    string          `db:"action" json:"action"`
	Details   json.RawMessage `db:"details" json:"details"`
	UserID    string          `db:"user_id" json:"user_id"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// AuditAction constants
const (
	AuditActionCreated      = "created"
	AuditActionEntryAdded   = "entry_added"
	AuditActionEntryUpdated = "entry_updated"
	AuditActionEntryRemoved = "entry_removed"
	AuditActionImported     = "imported"
	AuditActionMatched      = "matched"
	AuditActionUnmatched    = "unmatched"
	AuditActionBulkMatched  = "bulk_matched"
	AuditActionCompleted    = "completed"
	AuditActionLocked       = "locked"
)

// SessionFilter narrows session listings. Zero values are ignored.
type SessionFilter struct {
	BankAccountID string
	Status        SessionStatus
	DateFrom      *time.Time
	DateTo        *time.Time
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
