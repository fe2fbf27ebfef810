package exchange

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/tokendex/internal/ledger"
	"github.com/xtrntr/tokendex/internal/models"
	"github.com/xtrntr/tokendex/internal/store"
	"go.uber.org/zap"
)

// Publisher receives settlement events after the execution has committed
type Publisher interface {
	PublishSettlement(ctx context.Context, event models.SettlementEvent) error
}

// BookObserver is told which pair's book changed after a successful mutation
type BookObserver func(pair string)

// ExecuteResult is the outcome of a successful ExecuteOrder
type ExecuteResult struct {
	Order       *models.Order       `json:"order"`
	Transaction *models.Transaction `json:"transaction"`
}

// Engine owns the order lifecycle and its balance side effects. It holds no
// order state of its own; the store is the source of truth between calls.
type Engine struct {
	store       store.Store
	ids         ledger.IDs
	publisher   Publisher
	observers   []BookObserver
	logger      *zap.Logger
	now         func() time.Time
	defaultPair string
}

// Option configures an Engine
type Option func(*Engine)

// WithSettlementIDs replaces the settlement identifier generator
func WithSettlementIDs(ids ledger.IDs) Option {
	return func(e *Engine) { e.ids = ids }
}

// WithPublisher sets where settlement events go
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithBookObserver registers a callback for order book changes
func WithBookObserver(fn BookObserver) Option {
	return func(e *Engine) { e.observers = append(e.observers, fn) }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithDefaultPair sets the pair used when a command names none
func WithDefaultPair(pair string) Option {
	return func(e *Engine) { e.defaultPair = pair }
}

// NewEngine creates a new engine over st
func NewEngine(st store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:       st,
		ids:         ledger.NewHashIDs(),
		logger:      zap.NewNop(),
		now:         func() time.Time { return time.Now().UTC() },
		defaultPair: models.DefaultTokenPair,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DefaultPair returns the pair used when none is given
func (e *Engine) DefaultPair() string {
	return e.defaultPair
}

// CreateOrder validates the command and stores an open order. A sell order
// reserves its amount from the owner's balance in the same unit of work.
func (e *Engine) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (*models.Order, error) {
	if err := cmd.Validate(e.defaultPair); err != nil {
		return nil, err
	}

	now := e.now()
	order := &models.Order{
		ID:           uuid.NewString(),
		UserID:       cmd.OwnerID,
		OrderType:    cmd.OrderType,
		TokenPair:    cmd.TokenPair,
		Amount:       cmd.Amount,
		Price:        cmd.Price,
		FilledAmount: decimal.Zero,
		Status:       models.OrderStatusOpen,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err := e.store.InTx(ctx, func(tx store.Tx) error {
		owner, err := tx.GetUser(ctx, cmd.OwnerID)
		if err != nil {
			return err
		}
		order.WalletAddress = owner.WalletAddress

		if err := tx.CreateOrder(ctx, order); err != nil {
			return err
		}
		if order.OrderType != models.OrderTypeSell {
			return nil
		}

		rec := &models.Transaction{
			UserID:       owner.ID,
			OrderID:      order.ID,
			Type:         models.TxTypeReserve,
			TokenSymbol:  order.BaseToken(),
			FromAddress:  owner.WalletAddress,
			ToAddress:    models.EscrowAddress,
			Amount:       order.Amount,
			SettlementID: e.ids.Next(order.ID, now),
			CreatedAt:    now,
		}
		return ledger.Apply(ctx, tx, rec, ledger.Debit(owner.ID, order.Amount))
	})
	if err != nil {
		e.logger.Debug("create order rejected", zap.String("user_id", cmd.OwnerID), zap.Error(err))
		return nil, err
	}

	e.logger.Info("order created",
		zap.String("order_id", order.ID),
		zap.String("user_id", order.UserID),
		zap.String("order_type", string(order.OrderType)),
		zap.String("token_pair", order.TokenPair),
		zap.String("amount", order.Amount.String()),
		zap.String("price", order.Price.String()))
	e.notify(order.TokenPair)
	return order, nil
}

// ListOrders returns the caller's own orders, newest first
func (e *Engine) ListOrders(ctx context.Context, cmd ListOrdersCommand) ([]models.Order, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	return e.store.FindOrdersByOwner(ctx, cmd.OwnerID, models.OrderFilter{
		Status:    cmd.Status,
		OrderType: cmd.OrderType,
	})
}

// GetOrderBook returns the best BookDepth bids and asks of pair
func (e *Engine) GetOrderBook(ctx context.Context, pair string) (*OrderBook, error) {
	pair, err := normalizePair(pair, e.defaultPair)
	if err != nil {
		return nil, err
	}

	buys, err := e.store.FindOpenByPair(ctx, pair, models.OrderTypeBuy, models.BookDepth, store.SortDesc)
	if err != nil {
		return nil, err
	}
	sells, err := e.store.FindOpenByPair(ctx, pair, models.OrderTypeSell, models.BookDepth, store.SortAsc)
	if err != nil {
		return nil, err
	}
	return newOrderBook(pair, buys, sells), nil
}

// ExecuteOrder fills an open order in full against the executor. For a sell
// order the executor is the buyer and is credited; for a buy order the executor
// is the seller, is debited, and the owner is credited.
func (e *Engine) ExecuteOrder(ctx context.Context, cmd ExecuteOrderCommand) (*ExecuteResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	var (
		result        *ExecuteResult
		seller, buyer *models.User
	)
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		order, err := tx.FindOrder(ctx, cmd.OrderID)
		if err != nil {
			return err
		}
		if order.Status != models.OrderStatusOpen {
			return &models.InvalidStateError{OrderID: order.ID, Status: order.Status, Op: "execute"}
		}

		executor, err := tx.GetUser(ctx, cmd.ExecutorID)
		if err != nil {
			return err
		}
		owner, err := tx.GetUser(ctx, order.UserID)
		if err != nil {
			return err
		}

		now := e.now()
		settlementID := e.ids.Next(order.ID, now)
		updated, err := tx.UpdateOrderIfStatus(ctx, order.ID, models.OrderStatusOpen, func(o *models.Order) error {
			o.FilledAmount = o.Amount
			o.Status = models.OrderStatusFilled
			o.SettlementHash = settlementID
			o.UpdatedAt = now
			return nil
		})
		if err != nil {
			return err
		}

		// The sell side was reserved at creation, so only the buyer is credited.
		seller, buyer = owner, executor
		moves := []ledger.Move{ledger.Credit(executor.ID, order.Amount)}
		if order.OrderType == models.OrderTypeBuy {
			seller, buyer = executor, owner
			moves = []ledger.Move{
				ledger.Debit(executor.ID, order.Amount),
				ledger.Credit(owner.ID, order.Amount),
			}
		}

		rec := &models.Transaction{
			UserID:       executor.ID,
			OrderID:      order.ID,
			Type:         models.TxTypeTrade,
			TokenSymbol:  order.BaseToken(),
			FromAddress:  seller.WalletAddress,
			ToAddress:    buyer.WalletAddress,
			Amount:       order.Amount,
			SettlementID: settlementID,
			CreatedAt:    now,
		}
		if err := ledger.Apply(ctx, tx, rec, moves...); err != nil {
			return err
		}

		result = &ExecuteResult{Order: updated, Transaction: rec}
		return nil
	})
	if err != nil {
		e.logger.Debug("execute order rejected",
			zap.String("order_id", cmd.OrderID),
			zap.String("user_id", cmd.ExecutorID),
			zap.Error(err))
		return nil, err
	}

	order := result.Order
	e.logger.Info("order executed",
		zap.String("order_id", order.ID),
		zap.String("user_id", cmd.ExecutorID),
		zap.String("status", string(order.Status)),
		zap.String("settlement_id", order.SettlementHash))

	e.publish(ctx, models.SettlementEvent{
		SettlementID: order.SettlementHash,
		OrderID:      order.ID,
		TokenPair:    order.TokenPair,
		OrderType:    order.OrderType,
		Seller:       seller.WalletAddress,
		Buyer:        buyer.WalletAddress,
		Amount:       order.Amount,
		Price:        order.Price,
		SettledAt:    order.UpdatedAt,
	})
	e.notify(order.TokenPair)
	return result, nil
}

// CancelOrder cancels the caller's open or partial order and, for sells,
// returns the unfilled remainder to the owner.
func (e *Engine) CancelOrder(ctx context.Context, cmd CancelOrderCommand) (*models.Order, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	var cancelled *models.Order
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		order, err := tx.FindOrder(ctx, cmd.OrderID)
		if err != nil {
			return err
		}
		// Other users' orders are indistinguishable from missing ones.
		if order.UserID != cmd.OwnerID {
			return &models.NotFoundError{Resource: "order", ID: cmd.OrderID}
		}
		if !order.Status.CanTransition(models.OrderStatusCancelled) {
			return &models.InvalidStateError{OrderID: order.ID, Status: order.Status, Op: "cancel"}
		}

		now := e.now()
		cancelled, err = tx.UpdateOrderIfStatus(ctx, order.ID, order.Status, func(o *models.Order) error {
			o.Status = models.OrderStatusCancelled
			o.UpdatedAt = now
			return nil
		})
		if err != nil {
			return err
		}

		remainder := order.Remaining()
		if order.OrderType != models.OrderTypeSell || !remainder.IsPositive() {
			return nil
		}
		rec := &models.Transaction{
			UserID:       order.UserID,
			OrderID:      order.ID,
			Type:         models.TxTypeRelease,
			TokenSymbol:  order.BaseToken(),
			FromAddress:  models.EscrowAddress,
			ToAddress:    order.WalletAddress,
			Amount:       remainder,
			SettlementID: e.ids.Next(order.ID, now),
			CreatedAt:    now,
		}
		return ledger.Apply(ctx, tx, rec, ledger.Credit(order.UserID, remainder))
	})
	if err != nil {
		e.logger.Debug("cancel order rejected",
			zap.String("order_id", cmd.OrderID),
			zap.String("user_id", cmd.OwnerID),
			zap.Error(err))
		return nil, err
	}

	e.logger.Info("order cancelled",
		zap.String("order_id", cancelled.ID),
		zap.String("user_id", cancelled.UserID),
		zap.String("status", string(cancelled.Status)))
	e.notify(cancelled.TokenPair)
	return cancelled, nil
}

func (e *Engine) publish(ctx context.Context, event models.SettlementEvent) {
	if e.publisher == nil {
		return
	}
	// The settlement is committed; a caller going away must not drop the event.
	if err := e.publisher.PublishSettlement(context.WithoutCancel(ctx), event); err != nil {
		e.logger.Error("failed to publish settlement",
			zap.String("order_id", event.OrderID),
			zap.String("settlement_id", event.SettlementID),
			zap.Error(err))
	}
}

func (e *Engine) notify(pair string) {
	for _, fn := range e.observers {
		fn(pair)
	}
}
