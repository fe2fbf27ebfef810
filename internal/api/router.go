package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter wires the HTTP surface. Trading and wallet routes require a bearer
// token and are rate limited per user.
func NewRouter(h *Handler, hub *Hub, limiter *RateLimiter) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(AccessLog(h.Logger))
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Public endpoints
	r.Get("/healthz", h.Health)
	r.Get("/ws", hub.ServeWS)
	r.Post("/auth/register", h.Register)
	r.Post("/auth/login", h.Login)
	r.Get("/tokens/price", h.Price)

	// Protected endpoints (require JWT)
	r.Group(func(r chi.Router) {
		r.Use(JWTAuthMiddleware(h.AuthService))
		r.Use(limiter.Middleware)

		r.Get("/auth/profile", h.Profile)
		r.Put("/auth/wallet", h.UpdateWallet)

		r.Post("/dex/orders", h.CreateOrder)
		r.Get("/dex/orders", h.ListOrders)
		r.Get("/dex/orderbook", h.GetOrderBook)
		r.Post("/dex/orders/{id}/execute", h.ExecuteOrder)
		r.Delete("/dex/orders/{id}", h.CancelOrder)

		r.Get("/tokens/balance", h.Balance)
		r.Post("/tokens/purchase", h.Purchase)
		r.Post("/tokens/transfer", h.Transfer)
		r.Get("/tokens/transactions", h.Transactions)
	})

	return r
}
