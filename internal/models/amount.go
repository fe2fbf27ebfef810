package models

import "github.com/shopspring/decimal"

// AmountScale is the number of fractional digits NUMERIC(36,18) columns keep
const AmountScale = 18

// MaxAmount is the first value that no longer fits NUMERIC(36,18)
var MaxAmount = decimal.New(1, 36-AmountScale)

// ValidateAmount checks that v is positive, fits the storage column and has no
// more than AmountScale significant fractional digits. Trailing zeros are fine.
func ValidateAmount(field string, v decimal.Decimal) error {
	if !v.IsPositive() {
		return &ValidationError{Field: field, Message: "must be a positive number"}
	}
	if v.GreaterThanOrEqual(MaxAmount) {
		return &ValidationError{Field: field, Message: "must be less than " + MaxAmount.String()}
	}
	if !v.Equal(v.Truncate(AmountScale)) {
		return &ValidationError{Field: field, Message: "must have at most 18 decimal places"}
	}
	return nil
}
