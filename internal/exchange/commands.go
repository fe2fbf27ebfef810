package exchange

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/tokendex/internal/models"
)

var tokenPairRegex = regexp.MustCompile(`^[A-Z0-9]{2,10}/[A-Z0-9]{2,10}$`)

// CreateOrderCommand is the input to CreateOrder
type CreateOrderCommand struct {
	OwnerID   string
	OrderType models.OrderType
	TokenPair string
	Amount    decimal.Decimal
	Price     decimal.Decimal
}

// Validate checks the command and normalizes TokenPair, falling back to defaultPair.
func (c *CreateOrderCommand) Validate(defaultPair string) error {
	if c.OwnerID == "" {
		return &models.ValidationError{Field: "owner", Message: "is required"}
	}
	if !c.OrderType.Valid() {
		return &models.ValidationError{Field: "orderType", Message: "must be 'buy' or 'sell'"}
	}
	pair, err := normalizePair(c.TokenPair, defaultPair)
	if err != nil {
		return err
	}
	c.TokenPair = pair
	if err := positive("amount", c.Amount); err != nil {
		return err
	}
	return positive("price", c.Price)
}

// ListOrdersCommand is the input to ListOrders
type ListOrdersCommand struct {
	OwnerID   string
	Status    models.OrderStatus
	OrderType models.OrderType
}

// Validate checks the owner and the optional filters
func (c *ListOrdersCommand) Validate() error {
	if c.OwnerID == "" {
		return &models.ValidationError{Field: "owner", Message: "is required"}
	}
	if c.Status != "" && !c.Status.Valid() {
		return &models.ValidationError{Field: "status", Message: "must be one of: open, partial, filled, cancelled"}
	}
	if c.OrderType != "" && !c.OrderType.Valid() {
		return &models.ValidationError{Field: "orderType", Message: "must be 'buy' or 'sell'"}
	}
	return nil
}

// ExecuteOrderCommand is the input to ExecuteOrder
type ExecuteOrderCommand struct {
	ExecutorID string
	OrderID    string
}

// Validate checks that executor and order are named
func (c *ExecuteOrderCommand) Validate() error {
	if c.ExecutorID == "" {
		return &models.ValidationError{Field: "executor", Message: "is required"}
	}
	if c.OrderID == "" {
		return &models.ValidationError{Field: "orderId", Message: "is required"}
	}
	return nil
}

// CancelOrderCommand is the input to CancelOrder
type CancelOrderCommand struct {
	OwnerID string
	OrderID string
}

// Validate checks that owner and order are named
func (c *CancelOrderCommand) Validate() error {
	if c.OwnerID == "" {
		return &models.ValidationError{Field: "owner", Message: "is required"}
	}
	if c.OrderID == "" {
		return &models.ValidationError{Field: "orderId", Message: "is required"}
	}
	return nil
}

func normalizePair(pair, defaultPair string) (string, error) {
	pair = strings.ToUpper(strings.TrimSpace(pair))
	if pair == "" {
		pair = defaultPair
	}
	if !tokenPairRegex.MatchString(pair) {
		return "", &models.ValidationError{Field: "tokenPair", Message: "must look like BASE/QUOTE, e.g. QCN/ETH"}
	}
	return pair, nil
}

func positive(field string, v decimal.Decimal) error {
	return models.ValidateAmount(field, v)
}
