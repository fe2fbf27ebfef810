package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/tokendex/internal/auth"
	"github.com/xtrntr/tokendex/internal/config"
	"github.com/xtrntr/tokendex/internal/db"
	"github.com/xtrntr/tokendex/internal/exchange"
	"github.com/xtrntr/tokendex/internal/ledger"
	"github.com/xtrntr/tokendex/internal/models"
	"github.com/xtrntr/tokendex/internal/wallet"
)

const seedPassword = "password123"

type seedOrder struct {
	orderType models.OrderType
	amount    string
	price     string
}

// Seed the database with demo traders, balances and a populated order book
func main() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Store.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	database, err := db.NewDB(ctx, cfg.Store.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close(ctx)
	if err := database.Migrate(ctx); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	sale, err := cfg.SaleConfig()
	if err != nil {
		log.Fatalf("Invalid sale config: %v", err)
	}
	ids := ledger.NewHashIDs()
	authService := auth.NewAuthService(database, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	walletService := wallet.NewService(database, ids, sale, nil)
	engine := exchange.NewEngine(database, exchange.WithSettlementIDs(ids), exchange.WithDefaultPair(cfg.Exchange.DefaultTokenPair))

	// Create test users if they don't exist
	trader1, created1, err := ensureUser(ctx, authService, "trader1")
	if err != nil {
		log.Fatalf("Failed to create trader1: %v", err)
	}
	trader2, created2, err := ensureUser(ctx, authService, "trader2")
	if err != nil {
		log.Fatalf("Failed to create trader2: %v", err)
	}
	if !created1 && !created2 {
		fmt.Println("Database already has the demo traders. No need to seed.")
		os.Exit(0)
	}

	for _, u := range []*models.User{trader1, trader2} {
		if _, err := walletService.Purchase(ctx, u.ID, decimal.NewFromInt(10000), wallet.PhasePreSale); err != nil {
			log.Fatalf("Failed to fund %s: %v", u.Username, err)
		}
	}

	// trader1 quotes the bid side, trader2 the ask side
	books := map[*models.User][]seedOrder{
		trader1: {
			{models.OrderTypeBuy, "500", "0.00075"},
			{models.OrderTypeBuy, "250", "0.0007"},
			{models.OrderTypeBuy, "1000", "0.00065"},
		},
		trader2: {
			{models.OrderTypeSell, "400", "0.00085"},
			{models.OrderTypeSell, "600", "0.0009"},
			{models.OrderTypeSell, "300", "0.001"},
		},
	}
	for u, orders := range books {
		for _, o := range orders {
			_, err := engine.CreateOrder(ctx, exchange.CreateOrderCommand{
				OwnerID:   u.ID,
				OrderType: o.orderType,
				Amount:    decimal.RequireFromString(o.amount),
				Price:     decimal.RequireFromString(o.price),
			})
			if err != nil {
				log.Fatalf("Failed to create %s order for %s: %v", o.orderType, u.Username, err)
			}
		}
	}

	// One settled trade so both traders have history
	sell, err := engine.CreateOrder(ctx, exchange.CreateOrderCommand{
		OwnerID:   trader2.ID,
		OrderType: models.OrderTypeSell,
		Amount:    decimal.NewFromInt(100),
		Price:     decimal.RequireFromString("0.0008"),
	})
	if err != nil {
		log.Fatalf("Failed to create trade order: %v", err)
	}
	if _, err := engine.ExecuteOrder(ctx, exchange.ExecuteOrderCommand{ExecutorID: trader1.ID, OrderID: sell.ID}); err != nil {
		log.Fatalf("Failed to execute trade order: %v", err)
	}

	fmt.Printf("Successfully seeded the database! Log in as trader1 or trader2 with password %q\n", seedPassword)
}

// ensureUser registers username, or logs in if it already exists
func ensureUser(ctx context.Context, authService *auth.AuthService, username string) (*models.User, bool, error) {
	user, err := authService.Register(ctx, username, username+"@example.com", seedPassword)
	if err == nil {
		return user, true, nil
	}
	if !errors.Is(err, models.ErrConflict) {
		return nil, false, err
	}
	_, user, err = authService.Login(ctx, username, seedPassword)
	if err != nil {
		return nil, false, err
	}
	return user, false, nil
}
