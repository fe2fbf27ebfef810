package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/xtrntr/tokendex/internal/auth"
	"github.com/xtrntr/tokendex/internal/models"
	"go.uber.org/zap"
)

// envelope is the body of every JSON response
type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

func writeFailure(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, envelope{Error: &errorBody{Code: code, Message: message}})
}

// writeError maps err onto a status code and error code
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var conflict *models.ConflictError
	switch {
	case errors.Is(err, models.ErrValidation):
		writeFailure(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrInvalidToken):
		writeFailure(w, http.StatusUnauthorized, "unauthorized", err.Error())
	case errors.Is(err, models.ErrNotFound):
		writeFailure(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, models.ErrInsufficientBalance):
		writeFailure(w, http.StatusUnprocessableEntity, "insufficient_balance", err.Error())
	case errors.Is(err, models.ErrInvalidState):
		writeFailure(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.As(err, &conflict):
		// Lost races on orders and journal records can be retried; duplicate users cannot.
		retryable := conflict.Resource == "order" || conflict.Resource == "transaction"
		writeJSON(w, http.StatusConflict, envelope{Error: &errorBody{Code: "conflict", Message: err.Error(), Retryable: retryable}})
	default:
		logger.Error("request failed", zap.Error(err))
		writeFailure(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}
