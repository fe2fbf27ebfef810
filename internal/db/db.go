package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/tokendex/internal/models"
	"github.com/xtrntr/tokendex/internal/store"
)

//go:embed migrations/001_init.sql
var schema string

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

const orderColumns = `id, user_id, wallet_address, order_type, token_pair, amount::text, price::text,
	filled_amount::text, status, settlement_hash, created_at, updated_at`

const txColumns = `id, user_id, order_id, tx_type, token_symbol, from_address, to_address,
	amount::text, settlement_id, status, created_at`

// querier is satisfied by both *pgxpool.Pool and pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// conn implements store.Tx over a querier
type conn struct {
	q querier
}

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
	conn
}

var _ store.Store = (*DB)(nil)

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	return &DB{Pool: pool, conn: conn{q: pool}}, nil
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

// Migrate creates the schema if it does not exist yet
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// InTx runs fn in a database transaction, committing only if fn succeeds
func (db *DB) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&conn{q: tx}); err != nil {
		return retryable(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return retryable(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// retryable turns lock contention aborts into a ConflictError so callers can retry
func retryable(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected) {
		return &models.ConflictError{Resource: "transaction", ID: pgErr.Code}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

type scanner interface {
	Scan(dest ...any) error
}

func parseDecimal(field, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse %s: %w", field, err)
	}
	return d, nil
}

// CreateUser inserts a new user
func (db *DB) CreateUser(ctx context.Context, user *models.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO users (id, username, email, password_hash, wallet_address, token_balance, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		user.ID, user.Username, user.Email, user.PasswordHash, user.WalletAddress, user.TokenBalance.String(), user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return &models.ConflictError{Resource: "user", ID: user.Username}
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// UpdateWallet sets the user's wallet address. The unique index on the
// lower-cased address turns a taken address into a conflict.
func (db *DB) UpdateWallet(ctx context.Context, userID, address string) (*models.User, error) {
	tag, err := db.Pool.Exec(ctx, `UPDATE users SET wallet_address = $2 WHERE id = $1`, userID, address)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, &models.ConflictError{Resource: "wallet", ID: address}
		}
		return nil, fmt.Errorf("failed to update wallet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, &models.NotFoundError{Resource: "user", ID: userID}
	}
	return db.GetUser(ctx, userID)
}

// GetUserByUsername retrieves a user by username
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return db.scanUser(ctx, "username", username,
		`SELECT id, username, email, password_hash, wallet_address, token_balance::text, created_at
		 FROM users WHERE username = $1`, username)
}

func (c *conn) GetUser(ctx context.Context, userID string) (*models.User, error) {
	return c.scanUser(ctx, "user", userID,
		`SELECT id, username, email, password_hash, wallet_address, token_balance::text, created_at
		 FROM users WHERE id = $1`, userID)
}

func (c *conn) GetUserByWallet(ctx context.Context, address string) (*models.User, error) {
	return c.scanUser(ctx, "wallet", address,
		`SELECT id, username, email, password_hash, wallet_address, token_balance::text, created_at
		 FROM users WHERE LOWER(wallet_address) = LOWER($1) AND wallet_address <> ''`, address)
}

func (c *conn) scanUser(ctx context.Context, resource, key, sql string, args ...any) (*models.User, error) {
	var (
		u       models.User
		balance string
	)
	err := c.q.QueryRow(ctx, sql, args...).Scan(
		&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.WalletAddress, &balance, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &models.NotFoundError{Resource: resource, ID: key}
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if u.TokenBalance, err = parseDecimal("token balance", balance); err != nil {
		return nil, err
	}
	return &u, nil
}

// AdjustBalance applies delta in one conditional UPDATE so concurrent debits
// cannot overdraw.
func (c *conn) AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal) (decimal.Decimal, error) {
	var next string
	err := c.q.QueryRow(ctx,
		`UPDATE users SET token_balance = token_balance + $2::numeric
		 WHERE id = $1 AND token_balance + $2::numeric >= 0
		 RETURNING token_balance::text`,
		userID, delta.String()).Scan(&next)
	if err == nil {
		return parseDecimal("token balance", next)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("failed to adjust balance: %w", err)
	}

	u, err := c.GetUser(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.Zero, &models.InsufficientBalanceError{
		UserID:    userID,
		Available: u.TokenBalance.String(),
		Requested: delta.Neg().String(),
	}
}

func (c *conn) CreateOrder(ctx context.Context, order *models.Order) error {
	_, err := c.q.Exec(ctx,
		`INSERT INTO orders (id, user_id, wallet_address, order_type, token_pair, amount, price,
			filled_amount, status, settlement_hash, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		order.ID, order.UserID, order.WalletAddress, string(order.OrderType), order.TokenPair,
		order.Amount.String(), order.Price.String(), order.FilledAmount.String(),
		string(order.Status), order.SettlementHash, order.CreatedAt, order.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return &models.ConflictError{Resource: "order", ID: order.ID}
		}
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

func scanOrder(row scanner) (*models.Order, error) {
	var (
		o                     models.Order
		orderType, status     string
		amount, price, filled string
	)
	err := row.Scan(&o.ID, &o.UserID, &o.WalletAddress, &orderType, &o.TokenPair,
		&amount, &price, &filled, &status, &o.SettlementHash, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.OrderType = models.OrderType(orderType)
	o.Status = models.OrderStatus(status)
	if o.Amount, err = parseDecimal("amount", amount); err != nil {
		return nil, err
	}
	if o.Price, err = parseDecimal("price", price); err != nil {
		return nil, err
	}
	if o.FilledAmount, err = parseDecimal("filled amount", filled); err != nil {
		return nil, err
	}
	return &o, nil
}

func (c *conn) findOrder(ctx context.Context, orderID string, forUpdate bool) (*models.Order, error) {
	sql := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	o, err := scanOrder(c.q.QueryRow(ctx, sql, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &models.NotFoundError{Resource: "order", ID: orderID}
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

func (c *conn) FindOrder(ctx context.Context, orderID string) (*models.Order, error) {
	return c.findOrder(ctx, orderID, false)
}

func (c *conn) queryOrders(ctx context.Context, sql string, args ...any) ([]models.Order, error) {
	rows, err := c.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	orders := make([]models.Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read orders: %w", err)
	}
	return orders, nil
}

func (c *conn) FindOrdersByOwner(ctx context.Context, userID string, filter models.OrderFilter) ([]models.Order, error) {
	return c.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE user_id = $1 AND ($2::text = '' OR status = $2::text) AND ($3::text = '' OR order_type = $3::text)
		 ORDER BY created_at DESC, id DESC`,
		userID, string(filter.Status), string(filter.OrderType))
}

func (c *conn) FindOpenByPair(ctx context.Context, pair string, orderType models.OrderType, limit int, dir store.SortDirection) ([]models.Order, error) {
	priceOrder := "ASC"
	if dir == store.SortDesc {
		priceOrder = "DESC"
	}
	return c.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE token_pair = $1 AND order_type = $2 AND status = 'open'
		 ORDER BY price `+priceOrder+`, created_at ASC, id ASC
		 LIMIT $3`,
		pair, string(orderType), limit)
}

// UpdateOrderIfStatus locks the row, so of two concurrent callers expecting the
// same status the second sees the first one's write and gets a ConflictError.
func (c *conn) UpdateOrderIfStatus(ctx context.Context, orderID string, expected models.OrderStatus, mutate func(*models.Order) error) (*models.Order, error) {
	o, err := c.findOrder(ctx, orderID, true)
	if err != nil {
		return nil, err
	}
	if o.Status != expected {
		return nil, &models.ConflictError{Resource: "order", ID: orderID, Expected: string(expected), Actual: string(o.Status)}
	}
	if err := mutate(o); err != nil {
		return nil, err
	}

	_, err = c.q.Exec(ctx,
		`UPDATE orders SET filled_amount = $2, status = $3, settlement_hash = $4, updated_at = $5
		 WHERE id = $1`,
		o.ID, o.FilledAmount.String(), string(o.Status), o.SettlementHash, o.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to update order: %w", err)
	}
	return o, nil
}

func (c *conn) AppendTransaction(ctx context.Context, tx *models.Transaction) error {
	_, err := c.q.Exec(ctx,
		`INSERT INTO transactions (id, user_id, order_id, tx_type, token_symbol, from_address, to_address,
			amount, settlement_id, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		tx.ID, tx.UserID, tx.OrderID, string(tx.Type), tx.TokenSymbol, tx.FromAddress, tx.ToAddress,
		tx.Amount.String(), tx.SettlementID, string(tx.Status), tx.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return &models.ConflictError{Resource: "transaction", ID: tx.SettlementID}
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func (c *conn) SetTransactionStatus(ctx context.Context, settlementID string, status models.TransactionStatus) error {
	tag, err := c.q.Exec(ctx,
		`UPDATE transactions SET status = $2 WHERE settlement_id = $1 AND status = 'pending'`,
		settlementID, string(status))
	if err != nil {
		return fmt.Errorf("failed to update transaction status: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current string
	err = c.q.QueryRow(ctx, `SELECT status FROM transactions WHERE settlement_id = $1`, settlementID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return &models.NotFoundError{Resource: "transaction", ID: settlementID}
	}
	if err != nil {
		return fmt.Errorf("failed to get transaction: %w", err)
	}
	return &models.ConflictError{Resource: "transaction", ID: settlementID, Expected: string(models.TxStatusPending), Actual: current}
}

// ListTransactions returns records the user made or whose wallet is a party to, newest first
func (c *conn) ListTransactions(ctx context.Context, userID string, limit int) ([]models.Transaction, error) {
	rows, err := c.q.Query(ctx,
		`WITH me AS (
			SELECT LOWER(wallet_address) AS wallet FROM users WHERE id = $1 AND wallet_address <> ''
		 )
		 SELECT `+txColumns+` FROM transactions
		 WHERE user_id = $1
			OR LOWER(from_address) IN (SELECT wallet FROM me)
			OR LOWER(to_address) IN (SELECT wallet FROM me)
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	txs := make([]models.Transaction, 0)
	for rows.Next() {
		var (
			t              models.Transaction
			txType, status string
			amount         string
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.OrderID, &txType, &t.TokenSymbol, &t.FromAddress, &t.ToAddress,
			&amount, &t.SettlementID, &status, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		t.Type = models.TransactionType(txType)
		t.Status = models.TransactionStatus(status)
		if t.Amount, err = parseDecimal("amount", amount); err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transactions: %w", err)
	}
	return txs, nil
}
