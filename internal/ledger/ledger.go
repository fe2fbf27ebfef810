// Package ledger holds the single adjust-and-record primitive. Every balance
// mutation goes through Apply so that no balance changes without a matching
// journal entry.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/tokendex/internal/models"
	"github.com/xtrntr/tokendex/internal/store"
)

// Tx is the subset of a unit of work Apply needs
type Tx interface {
	store.Balances
	store.Journal
}

// Move is a signed change to one user's balance
type Move struct {
	UserID string
	Delta  decimal.Decimal
}

// Credit returns a positive move
func Credit(userID string, amount decimal.Decimal) Move {
	return Move{UserID: userID, Delta: amount}
}

// Debit returns a negative move
func Debit(userID string, amount decimal.Decimal) Move {
	return Move{UserID: userID, Delta: amount.Neg()}
}

// Apply performs moves in order, then journals rec as pending and confirms it.
// It must run inside the caller's unit of work; the caller rolls back on error.
func Apply(ctx context.Context, tx Tx, rec *models.Transaction, moves ...Move) error {
	if rec.SettlementID == "" {
		return fmt.Errorf("transaction record has no settlement id")
	}
	if len(moves) == 0 {
		return fmt.Errorf("transaction %s has no balance moves", rec.SettlementID)
	}

	for _, m := range moves {
		if m.Delta.IsZero() {
			continue
		}
		if _, err := tx.AdjustBalance(ctx, m.UserID, m.Delta); err != nil {
			return err
		}
	}

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.Status = models.TxStatusPending
	if err := tx.AppendTransaction(ctx, rec); err != nil {
		return err
	}
	if err := tx.SetTransactionStatus(ctx, rec.SettlementID, models.TxStatusConfirmed); err != nil {
		return err
	}
	rec.Status = models.TxStatusConfirmed
	return nil
}
