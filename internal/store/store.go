// Package store declares the persistence contracts the engine and the wallet
// service are written against. internal/db and internal/memstore implement them.
package store

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/tokendex/internal/models"
)

// SortDirection orders FindOpenByPair results by price
type SortDirection int

const (
	SortAsc SortDirection = iota
	SortDesc
)

// Balances reads users and mutates their token balance.
type Balances interface {
	// GetUser returns *models.NotFoundError for unknown ids.
	GetUser(ctx context.Context, userID string) (*models.User, error)
	// GetUserByWallet returns *models.NotFoundError when no user owns the address.
	GetUserByWallet(ctx context.Context, address string) (*models.User, error)
	// AdjustBalance adds delta and returns the new balance. A debit that would go
	// negative fails with *models.InsufficientBalanceError and changes nothing.
	AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal) (decimal.Decimal, error)
}

// Orders persists order records.
type Orders interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	FindOrder(ctx context.Context, orderID string) (*models.Order, error)
	// FindOrdersByOwner returns the owner's orders newest first.
	FindOrdersByOwner(ctx context.Context, userID string, filter models.OrderFilter) ([]models.Order, error)
	// FindOpenByPair returns up to limit open orders of one side, by price in dir
	// and then by creation time ascending.
	FindOpenByPair(ctx context.Context, pair string, orderType models.OrderType, limit int, dir SortDirection) ([]models.Order, error)
	// UpdateOrderIfStatus applies mutate only when the stored status equals
	// expected, otherwise it fails with *models.ConflictError.
	UpdateOrderIfStatus(ctx context.Context, orderID string, expected models.OrderStatus, mutate func(*models.Order) error) (*models.Order, error)
}

// Journal is the append-only transaction log.
type Journal interface {
	// AppendTransaction fails with *models.ConflictError on a duplicate settlement id.
	AppendTransaction(ctx context.Context, tx *models.Transaction) error
	// SetTransactionStatus moves a pending record to confirmed or failed.
	SetTransactionStatus(ctx context.Context, settlementID string, status models.TransactionStatus) error
	ListTransactions(ctx context.Context, userID string, limit int) ([]models.Transaction, error)
}

// Tx is everything available inside a unit of work.
type Tx interface {
	Balances
	Orders
	Journal
}

// Store runs units of work. If fn returns an error none of its mutations persist.
type Store interface {
	Tx
	InTx(ctx context.Context, fn func(tx Tx) error) error
}
