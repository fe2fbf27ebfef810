package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/tokendex/internal/auth"
	"github.com/xtrntr/tokendex/internal/exchange"
	"github.com/xtrntr/tokendex/internal/models"
	"github.com/xtrntr/tokendex/internal/wallet"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// BookReader serves order book snapshots, either from the engine or a cache in front of it
type BookReader interface {
	GetOrderBook(ctx context.Context, pair string) (*exchange.OrderBook, error)
}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Engine      *exchange.Engine
	Books       BookReader
	Wallet      *wallet.Service
	AuthService *auth.AuthService
	Logger      *zap.Logger
}

// NewHandler creates a new handler. Books defaults to the engine when nil.
func NewHandler(engine *exchange.Engine, books BookReader, w *wallet.Service, authService *auth.AuthService, logger *zap.Logger) *Handler {
	if books == nil {
		books = engine
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{Engine: engine, Books: books, Wallet: w, AuthService: authService, Logger: logger}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return &models.ValidationError{Field: "body", Message: "is required"}
		}
		return &models.ValidationError{Field: "body", Message: "is not valid JSON: " + err.Error()}
	}
	return nil
}

// currentUser reads the id stored by JWTAuthMiddleware
func (h *Handler) currentUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := UserID(r.Context())
	if !ok {
		writeFailure(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
	}
	return userID, ok
}

// Health reports liveness
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, h.Logger, err)
		return
	}

	user, err := h.AuthService.Register(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	token, err := h.AuthService.IssueToken(user)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}

	h.Logger.Info("user registered", zap.String("user_id", user.ID), zap.String("wallet", user.WalletAddress))
	writeData(w, http.StatusCreated, map[string]any{"user": user, "token": token})
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, h.Logger, err)
		return
	}

	token, user, err := h.AuthService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"user": user, "token": token})
}

// Profile returns the authenticated user
func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	user, err := h.AuthService.Profile(r.Context(), userID)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeData(w, http.StatusOK, user)
}

// UpdateWallet replaces the authenticated user's wallet address
func (h *Handler) UpdateWallet(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	var req struct {
		WalletAddress string `json:"walletAddress"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, h.Logger, err)
		return
	}

	user, err := h.AuthService.UpdateWallet(r.Context(), userID, req.WalletAddress)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeData(w, http.StatusOK, user)
}

// Price returns the token sale quote for ?phase=
func (h *Handler) Price(w http.ResponseWriter, r *http.Request) {
	quote, err := h.Wallet.Price(wallet.Phase(r.URL.Query().Get("phase")))
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeData(w, http.StatusOK, quote)
}

// CreateOrder places a buy or sell order
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	var req struct {
		OrderType models.OrderType `json:"orderType"`
		TokenPair string           `json:"tokenPair"`
		Amount    decimal.Decimal  `json:"amount"`
		Price     decimal.Decimal  `json:"price"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, h.Logger, err)
		return
	}

	order, err := h.Engine.CreateOrder(r.Context(), exchange.CreateOrderCommand{
		OwnerID:   userID,
		OrderType: req.OrderType,
		TokenPair: req.TokenPair,
		Amount:    req.Amount,
		Price:     req.Price,
	})
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeData(w, http.StatusCreated, order)
}

// ListOrders returns the caller's orders filtered by ?status= and ?orderType=
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	orders, err := h.Engine.ListOrders(r.Context(), exchange.ListOrdersCommand{
		OwnerID:   userID,
		Status:    models.OrderStatus(q.Get("status")),
		OrderType: models.OrderType(q.Get("orderType")),
	})
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	if orders == nil {
		orders = []models.Order{}
	}
	writeData(w, http.StatusOK, orders)
}

// GetOrderBook returns the book of ?tokenPair=
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	book, err := h.Books.GetOrderBook(r.Context(), r.URL.Query().Get("tokenPair"))
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeData(w, http.StatusOK, book)
}

// ExecuteOrder fills the order named in the path against the caller
func (h *Handler) ExecuteOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	res, err := h.Engine.ExecuteOrder(r.Context(), exchange.ExecuteOrderCommand{
		ExecutorID: userID,
		OrderID:    chi.URLParam(r, "id"),
	})
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

// CancelOrder cancels the caller's order named in the path
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	order, err := h.Engine.CancelOrder(r.Context(), exchange.CancelOrderCommand{
		OwnerID: userID,
		OrderID: chi.URLParam(r, "id"),
	})
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeData(w, http.StatusOK, order)
}

// Balance returns the caller's token balance
func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	balance, err := h.Wallet.Balance(r.Context(), userID)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeData(w, http.StatusOK, balance)
}

// Purchase buys tokens in the requested sale phase
func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	var req struct {
		Amount decimal.Decimal `json:"amount"`
		Phase  wallet.Phase    `json:"phase"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, h.Logger, err)
		return
	}

	res, err := h.Wallet.Purchase(r.Context(), userID, req.Amount, req.Phase)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

// Transfer sends tokens to another wallet address
func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	var req struct {
		To     string          `json:"to"`
		Amount decimal.Decimal `json:"amount"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, h.Logger, err)
		return
	}

	res, err := h.Wallet.Transfer(r.Context(), userID, req.To, req.Amount)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

// Transactions returns the caller's ledger records, newest first
func (h *Handler) Transactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, h.Logger, &models.ValidationError{Field: "limit", Message: "must be a non-negative integer"})
			return
		}
		limit = n
	}

	records, err := h.Wallet.History(r.Context(), userID, limit)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	if records == nil {
		records = []models.Transaction{}
	}
	writeData(w, http.StatusOK, records)
}
