package models

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is checks. The typed errors below match them.
var (
	ErrValidation          = errors.New("validation_error")
	ErrNotFound            = errors.New("not_found")
	ErrInsufficientBalance = errors.New("insufficient_balance")
	ErrInvalidState        = errors.New("invalid_state")
	ErrConflict            = errors.New("conflict")
)

// ValidationError is malformed or out-of-range input
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NotFoundError is an unknown user, order or address
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// InsufficientBalanceError rejects a debit that would drive a balance negative
type InsufficientBalanceError struct {
	UserID    string
	Available string
	Requested string
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient token balance: available %s, requested %s", e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Is(target error) bool { return target == ErrInsufficientBalance }

// InvalidStateError is an operation the order's current status does not allow
type InvalidStateError struct {
	OrderID string
	Status  OrderStatus
	Op      string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s order %s in status %s", e.Op, e.OrderID, e.Status)
}

func (e *InvalidStateError) Is(target error) bool { return target == ErrInvalidState }

// ConflictError means the record changed between read and write. Safe to retry once.
type ConflictError struct {
	Resource string
	ID       string
	Expected string
	Actual   string
}

func (e *ConflictError) Error() string {
	if e.Resource == "user" || e.Resource == "wallet" {
		return fmt.Sprintf("%s %s is already taken", e.Resource, e.ID)
	}
	if e.Expected == "" {
		return fmt.Sprintf("%s %s was modified concurrently", e.Resource, e.ID)
	}
	return fmt.Sprintf("%s %s was modified concurrently: expected %s, found %s", e.Resource, e.ID, e.Expected, e.Actual)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }
