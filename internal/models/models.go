package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultTokenPair is used when an order does not name a pair
const DefaultTokenPair = "QCN/ETH"

// OrderType is the side of an order
type OrderType string

const (
	OrderTypeBuy  OrderType = "buy"
	OrderTypeSell OrderType = "sell"
)

// Valid reports whether t is buy or sell
func (t OrderType) Valid() bool {
	return t == OrderTypeBuy || t == OrderTypeSell
}

// OrderStatus is the lifecycle state of an order
type OrderStatus string

const (
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusPartial   OrderStatus = "partial"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Valid reports whether s is a known status
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusOpen, OrderStatusPartial, OrderStatusFilled, OrderStatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled
}

// CanTransition reports whether the state machine allows s -> next
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	switch s {
	case OrderStatusOpen:
		return next == OrderStatusPartial || next == OrderStatusFilled || next == OrderStatusCancelled
	case OrderStatusPartial:
		return next == OrderStatusFilled || next == OrderStatusCancelled
	}
	return false
}

// TransactionType tags a ledger record
type TransactionType string

const (
	TxTypePurchase TransactionType = "purchase"
	TxTypeTransfer TransactionType = "transfer"
	TxTypeTrade    TransactionType = "trade"
	TxTypeReserve  TransactionType = "reserve"
	TxTypeRelease  TransactionType = "release"
)

// TransactionStatus is pending until confirmed or failed
type TransactionStatus string

const (
	TxStatusPending   TransactionStatus = "pending"
	TxStatusConfirmed TransactionStatus = "confirmed"
	TxStatusFailed    TransactionStatus = "failed"
)

// EscrowAddress is the counterparty of reserve and release records
const EscrowAddress = "escrow"

// User represents a registered user
type User struct {
	ID            string          `json:"id"`
	Username      string          `json:"username"`
	Email         string          `json:"email,omitempty"`
	PasswordHash  string          `json:"-"`
	WalletAddress string          `json:"walletAddress"`
	TokenBalance  decimal.Decimal `json:"tokenBalance"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Order represents a buy or sell order
type Order struct {
	ID             string          `json:"id"`
	UserID         string          `json:"userId"`
	WalletAddress  string          `json:"walletAddress"`
	OrderType      OrderType       `json:"orderType"`
	TokenPair      string          `json:"tokenPair"`
	Amount         decimal.Decimal `json:"amount"`
	Price          decimal.Decimal `json:"price"`
	FilledAmount   decimal.Decimal `json:"filledAmount"`
	Status         OrderStatus     `json:"status"`
	SettlementHash string          `json:"settlementHash,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"` // Used for time priority
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Remaining returns the unfilled quantity
func (o *Order) Remaining() decimal.Decimal {
	return o.Amount.Sub(o.FilledAmount)
}

// BaseToken returns the symbol being bought or sold, e.g. QCN for QCN/ETH
func (o *Order) BaseToken() string {
	return BaseToken(o.TokenPair)
}

// Transaction is an append-only record of a balance mutation
type Transaction struct {
	ID           string            `json:"id"`
	UserID       string            `json:"userId"`
	OrderID      string            `json:"orderId,omitempty"`
	Type         TransactionType   `json:"type"`
	TokenSymbol  string            `json:"tokenSymbol"`
	FromAddress  string            `json:"from"`
	ToAddress    string            `json:"to"`
	Amount       decimal.Decimal   `json:"amount"`
	SettlementID string            `json:"hash"`
	Status       TransactionStatus `json:"status"`
	CreatedAt    time.Time         `json:"createdAt"`
}

// OrderFilter narrows ListOrders results; empty fields match everything
type OrderFilter struct {
	Status    OrderStatus
	OrderType OrderType
}

// Matches reports whether o passes the filter
func (f OrderFilter) Matches(o *Order) bool {
	if f.Status != "" && o.Status != f.Status {
		return false
	}
	if f.OrderType != "" && o.OrderType != f.OrderType {
		return false
	}
	return true
}

// BaseToken returns the part of pair before the slash
func BaseToken(pair string) string {
	for i := 0; i < len(pair); i++ {
		if pair[i] == '/' {
			return pair[:i]
		}
	}
	return pair
}

// SettlementEvent is published once an order execution has committed
type SettlementEvent struct {
	SettlementID string          `json:"settlementId"`
	OrderID      string          `json:"orderId"`
	TokenPair    string          `json:"tokenPair"`
	OrderType    OrderType       `json:"orderType"`
	Seller       string          `json:"seller"`
	Buyer        string          `json:"buyer"`
	Amount       decimal.Decimal `json:"amount"`
	Price        decimal.Decimal `json:"price"`
	SettledAt    time.Time       `json:"settledAt"`
}
