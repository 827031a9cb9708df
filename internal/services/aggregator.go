package services

import (
	"context"
	"fmt"

	"bank-reconciliation/internal/database"
	"bank-reconciliation/internal/models"
	"bank-reconciliation/internal/repositories"
)

// Aggregator keeps the per-side totals on the session row. Recompute is the
// only code path that writes them.
type Aggregator struct {
	sessions repositories.SessionRepository
	entries  repositories.EntryRepository
}

func NewAggregator(sessions repositories.SessionRepository, entries repositories.EntryRepository) *Aggregator {
	return &Aggregator{sessions: sessions, entries: entries}
}

// Recompute re-aggregates credits and debits over every entry of side,
// matched or not, inside the caller's transaction.
func (a *Aggregator) Recompute(ctx context.Context, q database.Querier, sessionID int64, side models.Side) error {
	credits, debits, err := a.entries.SumSide(ctx, q, sessionID, side)
	if err != nil {
		return fmt.Errorf("failed to sum %s entries: %w", side, err)
	}
	if err := a.sessions.UpdateTotals(ctx, q, sessionID, side, credits, debits); err != nil {
		return fmt.Errorf("failed to update %s totals: %w", side, err)
	}
	return nil
}
