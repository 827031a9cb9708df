package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"bank-reconciliation/internal/database"
	"bank-reconciliation/internal/models"
)

// BankAccountRepository reads bank-account master data. This module never writes it.
type BankAccountRepository interface {
	GetBankAccountByID(ctx context.Context, q database.Querier, id string) (*models.BankAccount, error)
}

type bankAccountRepository struct{}

func NewBankAccountRepository() BankAccountRepository {
	return &bankAccountRepository{}
}

func (r *bankAccountRepository) GetBankAccountByID(ctx context.Context, q database.Querier, id string) (*models.BankAccount, error) {
	a := &models.BankAccount{}
	query := `
		SELECT id, name, account_number, currency
		FROM bank_accounts
		WHERE id = ?
	`
	err := q.QueryRowContext(ctx, query, id).Scan(&a.ID, &a.Name, &a.AccountNumber, &a.Currency)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("bank account %q: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}
