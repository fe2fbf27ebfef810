package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtrntr/tokendex/internal/memstore"
	"github.com/xtrntr/tokendex/internal/models"
	"github.com/xtrntr/tokendex/internal/store"
	"pgregory.net/rapid"
)

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) Next(ref string, at time.Time) string {
	return fmt.Sprintf("0x%064x", s.n.Add(1))
}

type testClock struct {
	mu  sync.Mutex
	cur time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(time.Second)
	return c.cur
}

type testEnv struct {
	store  *memstore.Store
	engine *Engine
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	st := memstore.New()
	clock := &testClock{cur: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithSettlementIDs(&seqIDs{}), WithClock(clock.Now)}, opts...)
	return &testEnv{store: st, engine: NewEngine(st, opts...)}
}

func (env *testEnv) addUser(t *testing.T, id string, balance string) {
	t.Helper()
	err := env.store.CreateUser(context.Background(), &models.User{
		ID:            id,
		Username:      id,
		WalletAddress: "0x" + fmt.Sprintf("%040x", len(id)) + id,
		TokenBalance:  decimal.RequireFromString(balance),
	})
	require.NoError(t, err)
}

func (env *testEnv) balance(t *testing.T, id string) string {
	t.Helper()
	u, err := env.store.GetUser(context.Background(), id)
	require.NoError(t, err)
	return u.TokenBalance.String()
}

func (env *testEnv) trades(t *testing.T, userID string) []models.Transaction {
	t.Helper()
	txs, err := env.store.ListTransactions(context.Background(), userID, 1000)
	require.NoError(t, err)
	var trades []models.Transaction
	for _, tx := range txs {
		if tx.Type == models.TxTypeTrade {
			trades = append(trades, tx)
		}
	}
	return trades
}

func (env *testEnv) create(t *testing.T, owner string, orderType models.OrderType, amount, price string) *models.Order {
	t.Helper()
	order, err := env.engine.CreateOrder(context.Background(), CreateOrderCommand{
		OwnerID:   owner,
		OrderType: orderType,
		Amount:    decimal.RequireFromString(amount),
		Price:     decimal.RequireFromString(price),
	})
	require.NoError(t, err)
	return order
}

func TestEngine_CreateOrder(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "alice", "1000")

	sell := env.create(t, "alice", models.OrderTypeSell, "300", "0.01")
	assert.Equal(t, models.OrderStatusOpen, sell.Status)
	assert.Equal(t, models.DefaultTokenPair, sell.TokenPair)
	assert.True(t, sell.FilledAmount.IsZero())
	assert.NotEmpty(t, sell.WalletAddress)
	assert.Equal(t, "700", env.balance(t, "alice"))

	buy := env.create(t, "alice", models.OrderTypeBuy, "5000", "0.01")
	assert.Equal(t, models.OrderStatusOpen, buy.Status)
	assert.Equal(t, "700", env.balance(t, "alice"), "buy orders do not reserve balance")

	txs, err := env.store.ListTransactions(context.Background(), "alice", 10)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, models.TxTypeReserve, txs[0].Type)
	assert.Equal(t, models.TxStatusConfirmed, txs[0].Status)
	assert.Equal(t, "300", txs[0].Amount.String())
}

func TestEngine_CreateOrder_Rejected(t *testing.T) {
	tests := []struct {
		name     string
		cmd      CreateOrderCommand
		sentinel error
	}{
		{
			name:     "ZeroAmount",
			cmd:      CreateOrderCommand{OwnerID: "alice", OrderType: models.OrderTypeSell, Amount: decimal.Zero, Price: decimal.NewFromInt(1)},
			sentinel: models.ErrValidation,
		},
		{
			name:     "NegativeAmount",
			cmd:      CreateOrderCommand{OwnerID: "alice", OrderType: models.OrderTypeSell, Amount: decimal.NewFromInt(-5), Price: decimal.NewFromInt(1)},
			sentinel: models.ErrValidation,
		},
		{
			name:     "ZeroPrice",
			cmd:      CreateOrderCommand{OwnerID: "alice", OrderType: models.OrderTypeBuy, Amount: decimal.NewFromInt(5), Price: decimal.Zero},
			sentinel: models.ErrValidation,
		},
		{
			name:     "NegativePrice",
			cmd:      CreateOrderCommand{OwnerID: "alice", OrderType: models.OrderTypeSell, Amount: decimal.NewFromInt(5), Price: decimal.NewFromInt(-1)},
			sentinel: models.ErrValidation,
		},
		{
			name:     "InvalidType",
			cmd:      CreateOrderCommand{OwnerID: "alice", OrderType: "swap", Amount: decimal.NewFromInt(5), Price: decimal.NewFromInt(1)},
			sentinel: models.ErrValidation,
		},
		{
			name:     "InvalidPair",
			cmd:      CreateOrderCommand{OwnerID: "alice", OrderType: models.OrderTypeBuy, TokenPair: "QCN-ETH", Amount: decimal.NewFromInt(5), Price: decimal.NewFromInt(1)},
			sentinel: models.ErrValidation,
		},
		{
			name:     "TooPrecise",
			cmd:      CreateOrderCommand{OwnerID: "alice", OrderType: models.OrderTypeBuy, Amount: decimal.New(1, -19), Price: decimal.NewFromInt(1)},
			sentinel: models.ErrValidation,
		},
		{
			name:     "AmountOverflowsColumn",
			cmd:      CreateOrderCommand{OwnerID: "alice", OrderType: models.OrderTypeBuy, Amount: decimal.New(1, 18), Price: decimal.NewFromInt(1)},
			sentinel: models.ErrValidation,
		},
		{
			name:     "PriceOverflowsColumn",
			cmd:      CreateOrderCommand{OwnerID: "alice", OrderType: models.OrderTypeBuy, Amount: decimal.NewFromInt(1), Price: decimal.RequireFromString("1000000000000000000.5")},
			sentinel: models.ErrValidation,
		},
		{
			name:     "InsufficientBalance",
			cmd:      CreateOrderCommand{OwnerID: "alice", OrderType: models.OrderTypeSell, Amount: decimal.NewFromInt(101), Price: decimal.NewFromInt(1)},
			sentinel: models.ErrInsufficientBalance,
		},
		{
			name:     "UnknownOwner",
			cmd:      CreateOrderCommand{OwnerID: "nobody", OrderType: models.OrderTypeBuy, Amount: decimal.NewFromInt(1), Price: decimal.NewFromInt(1)},
			sentinel: models.ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.addUser(t, "alice", "100")

			order, err := env.engine.CreateOrder(context.Background(), tt.cmd)
			assert.Nil(t, order)
			assert.ErrorIs(t, err, tt.sentinel)

			assert.Equal(t, "100", env.balance(t, "alice"))
			orders, err := env.store.FindOrdersByOwner(context.Background(), "alice", models.OrderFilter{})
			require.NoError(t, err)
			assert.Empty(t, orders)
			txs, err := env.store.ListTransactions(context.Background(), "alice", 10)
			require.NoError(t, err)
			assert.Empty(t, txs)
		})
	}
}

func TestEngine_CreateOrder_TrailingZeros(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "alice", "1000")

	order, err := env.engine.CreateOrder(context.Background(), CreateOrderCommand{
		OwnerID:   "alice",
		OrderType: models.OrderTypeSell,
		Amount:    decimal.RequireFromString("1.0000000000000000000"),
		Price:     decimal.RequireFromString("0.00100000000000000000000"),
	})
	require.NoError(t, err)
	assert.True(t, order.Amount.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, "999", env.balance(t, "alice"))
}

func TestEngine_ListOrders(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "alice", "1000")
	env.addUser(t, "bob", "1000")

	first := env.create(t, "alice", models.OrderTypeSell, "10", "0.01")
	second := env.create(t, "alice", models.OrderTypeBuy, "20", "0.02")
	third := env.create(t, "alice", models.OrderTypeSell, "30", "0.03")
	env.create(t, "bob", models.OrderTypeSell, "40", "0.04")
	_, err := env.engine.CancelOrder(context.Background(), CancelOrderCommand{OwnerID: "alice", OrderID: third.ID})
	require.NoError(t, err)

	tests := []struct {
		name    string
		cmd     ListOrdersCommand
		wantIDs []string
	}{
		{
			name:    "AllNewestFirst",
			cmd:     ListOrdersCommand{OwnerID: "alice"},
			wantIDs: []string{third.ID, second.ID, first.ID},
		},
		{
			name:    "ByStatus",
			cmd:     ListOrdersCommand{OwnerID: "alice", Status: models.OrderStatusOpen},
			wantIDs: []string{second.ID, first.ID},
		},
		{
			name:    "ByType",
			cmd:     ListOrdersCommand{OwnerID: "alice", OrderType: models.OrderTypeSell},
			wantIDs: []string{third.ID, first.ID},
		},
		{
			name:    "ByStatusAndType",
			cmd:     ListOrdersCommand{OwnerID: "alice", Status: models.OrderStatusCancelled, OrderType: models.OrderTypeSell},
			wantIDs: []string{third.ID},
		},
		{
			name:    "NoOrders",
			cmd:     ListOrdersCommand{OwnerID: "carol"},
			wantIDs: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orders, err := env.engine.ListOrders(context.Background(), tt.cmd)
			require.NoError(t, err)
			ids := make([]string, 0, len(orders))
			for _, o := range orders {
				assert.Equal(t, tt.cmd.OwnerID, o.UserID)
				ids = append(ids, o.ID)
			}
			assert.Equal(t, tt.wantIDs, ids)
		})
	}

	_, err = env.engine.ListOrders(context.Background(), ListOrdersCommand{OwnerID: "alice", Status: "done"})
	assert.ErrorIs(t, err, models.ErrValidation)
	_, err = env.engine.ListOrders(context.Background(), ListOrdersCommand{OwnerID: "alice", OrderType: "swap"})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestEngine_GetOrderBook(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "alice", "1000")
	env.addUser(t, "bob", "1000")

	env.create(t, "alice", models.OrderTypeBuy, "10", "0.001")
	env.create(t, "alice", models.OrderTypeBuy, "10", "0.002")
	env.create(t, "bob", models.OrderTypeSell, "10", "0.0015")
	env.create(t, "bob", models.OrderTypeSell, "10", "0.0012")

	book, err := env.engine.GetOrderBook(context.Background(), "QCN/ETH")
	require.NoError(t, err)

	assert.Equal(t, "QCN/ETH", book.TokenPair)
	require.Len(t, book.BuyOrders, 2)
	require.Len(t, book.SellOrders, 2)
	assert.Equal(t, "0.002", book.BuyOrders[0].Price.String())
	assert.Equal(t, "0.001", book.BuyOrders[1].Price.String())
	assert.Equal(t, "0.0012", book.SellOrders[0].Price.String())
	assert.Equal(t, "0.0015", book.SellOrders[1].Price.String())
	require.NotNil(t, book.Spread)
	assert.Equal(t, "-0.0008", book.Spread.String())
}

func TestEngine_GetOrderBook_DepthAndOpenOnly(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "alice", "100000")
	env.addUser(t, "bob", "100000")

	var cheapest *models.Order
	for i := 1; i <= 25; i++ {
		o := env.create(t, "alice", models.OrderTypeSell, "1", fmt.Sprintf("0.%03d", i))
		if i == 1 {
			cheapest = o
		}
	}
	env.create(t, "alice", models.OrderTypeSell, "1", "0.5")
	other, err := env.engine.CreateOrder(context.Background(), CreateOrderCommand{
		OwnerID: "bob", OrderType: models.OrderTypeSell, TokenPair: "abc/usdt",
		Amount: decimal.NewFromInt(1), Price: decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	assert.Equal(t, "ABC/USDT", other.TokenPair)

	_, err = env.engine.ExecuteOrder(context.Background(), ExecuteOrderCommand{ExecutorID: "bob", OrderID: cheapest.ID})
	require.NoError(t, err)

	book, err := env.engine.GetOrderBook(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, book.BuyOrders)
	assert.Nil(t, book.BestBid)
	require.Len(t, book.SellOrders, models.BookDepth)
	assert.Equal(t, "0.002", book.SellOrders[0].Price.String(), "filled order left the book")
	for _, o := range book.SellOrders {
		assert.Equal(t, models.OrderStatusOpen, o.Status)
		assert.Equal(t, "QCN/ETH", o.TokenPair)
	}

	_, err = env.engine.GetOrderBook(context.Background(), "not a pair")
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestEngine_ExecuteOrder_EndToEnd(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "alice", "1000")
	env.addUser(t, "bob", "0")

	order := env.create(t, "alice", models.OrderTypeSell, "300", "0.01")
	assert.Equal(t, "700", env.balance(t, "alice"))
	assert.Equal(t, models.OrderStatusOpen, order.Status)

	res, err := env.engine.ExecuteOrder(context.Background(), ExecuteOrderCommand{ExecutorID: "bob", OrderID: order.ID})
	require.NoError(t, err)

	assert.Equal(t, "300", env.balance(t, "bob"))
	assert.Equal(t, "700", env.balance(t, "alice"))
	assert.Equal(t, models.OrderStatusFilled, res.Order.Status)
	assert.Equal(t, "300", res.Order.FilledAmount.String())
	assert.NotEmpty(t, res.Order.SettlementHash)
	assert.True(t, res.Order.UpdatedAt.After(res.Order.CreatedAt))

	trades := env.trades(t, "bob")
	require.Len(t, trades, 1)
	assert.Equal(t, models.TxTypeTrade, trades[0].Type)
	assert.Equal(t, models.TxStatusConfirmed, trades[0].Status)
	assert.Equal(t, res.Order.SettlementHash, trades[0].SettlementID)
	assert.Equal(t, order.WalletAddress, trades[0].FromAddress, "seller to buyer")
	assert.Equal(t, "QCN", trades[0].TokenSymbol)
	assert.Equal(t, res.Transaction.SettlementID, trades[0].SettlementID)

	stored, err := env.store.FindOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFilled, stored.Status)
}

func TestEngine_ExecuteOrder_Buy(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "alice", "0")
	env.addUser(t, "bob", "500")

	order := env.create(t, "alice", models.OrderTypeBuy, "200", "0.01")

	res, err := env.engine.ExecuteOrder(context.Background(), ExecuteOrderCommand{ExecutorID: "bob", OrderID: order.ID})
	require.NoError(t, err)

	assert.Equal(t, "300", env.balance(t, "bob"))
	assert.Equal(t, "200", env.balance(t, "alice"))
	assert.Equal(t, models.OrderStatusFilled, res.Order.Status)
	assert.Equal(t, order.WalletAddress, res.Transaction.ToAddress, "owner of a buy order is the buyer")
}

func TestEngine_ExecuteOrder_Rejected(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "alice", "1000")
	env.addUser(t, "bob", "50")

	buy := env.create(t, "alice", models.OrderTypeBuy, "200", "0.01")
	cancelled := env.create(t, "alice", models.OrderTypeSell, "100", "0.01")
	_, err := env.engine.CancelOrder(context.Background(), CancelOrderCommand{OwnerID: "alice", OrderID: cancelled.ID})
	require.NoError(t, err)

	tests := []struct {
		name     string
		cmd      ExecuteOrderCommand
		sentinel error
	}{
		{"MissingOrder", ExecuteOrderCommand{ExecutorID: "bob", OrderID: "missing"}, models.ErrNotFound},
		{"EmptyOrderID", ExecuteOrderCommand{ExecutorID: "bob"}, models.ErrValidation},
		{"NotOpen", ExecuteOrderCommand{ExecutorID: "bob", OrderID: cancelled.ID}, models.ErrInvalidState},
		{"UnknownExecutor", ExecuteOrderCommand{ExecutorID: "carol", OrderID: buy.ID}, models.ErrNotFound},
		{"ExecutorCannotCover", ExecuteOrderCommand{ExecutorID: "bob", OrderID: buy.ID}, models.ErrInsufficientBalance},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.engine.ExecuteOrder(context.Background(), tt.cmd)
			assert.ErrorIs(t, err, tt.sentinel)

			assert.Equal(t, "1000", env.balance(t, "alice"))
			assert.Equal(t, "50", env.balance(t, "bob"))
			stored, err := env.store.FindOrder(context.Background(), buy.ID)
			require.NoError(t, err)
			assert.Equal(t, models.OrderStatusOpen, stored.Status)
			assert.Empty(t, stored.SettlementHash)
			assert.Empty(t, env.trades(t, "bob"))
		})
	}
}

func TestEngine_ExecuteOrder_Concurrent(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "alice", "1000")
	for i := 0; i < 10; i++ {
		env.addUser(t, fmt.Sprintf("buyer%d", i), "0")
	}
	order := env.create(t, "alice", models.OrderTypeSell, "100", "0.01")

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		rejected  atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := env.engine.ExecuteOrder(context.Background(), ExecuteOrderCommand{
				ExecutorID: fmt.Sprintf("buyer%d", i),
				OrderID:    order.ID,
			})
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, models.ErrConflict), errors.Is(err, models.ErrInvalidState):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, int32(9), rejected.Load())

	credited := decimal.Zero
	settlements := 0
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("buyer%d", i)
		credited = credited.Add(decimal.RequireFromString(env.balance(t, id)))
		settlements += len(env.trades(t, id))
	}
	assert.Equal(t, "100", credited.String())
	assert.Equal(t, 1, settlements)
}

func TestEngine_CancelOrder(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "alice", "100")
	env.addUser(t, "bob", "0")

	sell := env.create(t, "alice", models.OrderTypeSell, "100", "0.01")
	assert.Equal(t, "0", env.balance(t, "alice"))

	_, err := env.engine.CancelOrder(context.Background(), CancelOrderCommand{OwnerID: "bob", OrderID: sell.ID})
	assert.ErrorIs(t, err, models.ErrNotFound, "other users cannot see the order")

	cancelled, err := env.engine.CancelOrder(context.Background(), CancelOrderCommand{OwnerID: "alice", OrderID: sell.ID})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, cancelled.Status)
	assert.Equal(t, "100", env.balance(t, "alice"))

	_, err = env.engine.CancelOrder(context.Background(), CancelOrderCommand{OwnerID: "alice", OrderID: sell.ID})
	assert.ErrorIs(t, err, models.ErrInvalidState)
	assert.Equal(t, "100", env.balance(t, "alice"))

	_, err = env.engine.CancelOrder(context.Background(), CancelOrderCommand{OwnerID: "alice", OrderID: "missing"})
	assert.ErrorIs(t, err, models.ErrNotFound)

	txs, err := env.store.ListTransactions(context.Background(), "alice", 10)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, models.TxTypeRelease, txs[0].Type)
	assert.Equal(t, models.TxTypeReserve, txs[1].Type)
}

func TestEngine_CancelOrder_BuyReturnsNothing(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "alice", "100")

	buy := env.create(t, "alice", models.OrderTypeBuy, "1000", "0.01")
	cancelled, err := env.engine.CancelOrder(context.Background(), CancelOrderCommand{OwnerID: "alice", OrderID: buy.ID})
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusCancelled, cancelled.Status)
	assert.Equal(t, "100", env.balance(t, "alice"))
	txs, err := env.store.ListTransactions(context.Background(), "alice", 10)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestEngine_CancelOrder_PartialReturnsRemainder(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "alice", "100")
	sell := env.create(t, "alice", models.OrderTypeSell, "100", "0.01")

	// Nothing in the engine produces partial fills; set one up through the store.
	_, err := env.store.UpdateOrderIfStatus(context.Background(), sell.ID, models.OrderStatusOpen, func(o *models.Order) error {
		o.FilledAmount = decimal.NewFromInt(40)
		o.Status = models.OrderStatusPartial
		return nil
	})
	require.NoError(t, err)

	_, err = env.engine.ExecuteOrder(context.Background(), ExecuteOrderCommand{ExecutorID: "alice", OrderID: sell.ID})
	assert.ErrorIs(t, err, models.ErrInvalidState)

	cancelled, err := env.engine.CancelOrder(context.Background(), CancelOrderCommand{OwnerID: "alice", OrderID: sell.ID})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, cancelled.Status)
	assert.Equal(t, "60", env.balance(t, "alice"))
}

func TestEngine_CancelRacesExecute(t *testing.T) {
	for round := 0; round < 20; round++ {
		env := newTestEnv(t)
		env.addUser(t, "alice", "100")
		env.addUser(t, "bob", "0")
		sell := env.create(t, "alice", models.OrderTypeSell, "100", "0.01")

		var wg sync.WaitGroup
		var execErr, cancelErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, execErr = env.engine.ExecuteOrder(context.Background(), ExecuteOrderCommand{ExecutorID: "bob", OrderID: sell.ID})
		}()
		go func() {
			defer wg.Done()
			_, cancelErr = env.engine.CancelOrder(context.Background(), CancelOrderCommand{OwnerID: "alice", OrderID: sell.ID})
		}()
		wg.Wait()

		require.True(t, (execErr == nil) != (cancelErr == nil), "exactly one of execute/cancel wins")
		total := decimal.RequireFromString(env.balance(t, "alice")).Add(decimal.RequireFromString(env.balance(t, "bob")))
		assert.Equal(t, "100", total.String())
	}
}

type failingJournal struct {
	store.Tx
}

func (f failingJournal) AppendTransaction(ctx context.Context, tx *models.Transaction) error {
	return errors.New("journal unavailable")
}

type failingStore struct {
	*memstore.Store
}

func (f failingStore) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return f.Store.InTx(ctx, func(tx store.Tx) error {
		return fn(failingJournal{Tx: tx})
	})
}

func TestEngine_ExecuteOrder_RollsBackOnStoreFailure(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "alice", "1000")
	env.addUser(t, "bob", "1000")
	buy := env.create(t, "alice", models.OrderTypeBuy, "200", "0.01")

	broken := NewEngine(failingStore{Store: env.store}, WithSettlementIDs(&seqIDs{}))
	_, err := broken.ExecuteOrder(context.Background(), ExecuteOrderCommand{ExecutorID: "bob", OrderID: buy.ID})
	require.Error(t, err)
	assert.NotErrorIs(t, err, models.ErrConflict)

	assert.Equal(t, "1000", env.balance(t, "alice"))
	assert.Equal(t, "1000", env.balance(t, "bob"))
	stored, err := env.store.FindOrder(context.Background(), buy.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusOpen, stored.Status)
	assert.True(t, stored.FilledAmount.IsZero())

	book, err := env.engine.GetOrderBook(context.Background(), "QCN/ETH")
	require.NoError(t, err)
	assert.Len(t, book.BuyOrders, 1, "rolled back order is back on the book")

	_, err = broken.CreateOrder(context.Background(), CreateOrderCommand{
		OwnerID: "bob", OrderType: models.OrderTypeSell, Amount: decimal.NewFromInt(10), Price: decimal.NewFromInt(1),
	})
	require.Error(t, err)
	assert.Equal(t, "1000", env.balance(t, "bob"))
	orders, err := env.store.FindOrdersByOwner(context.Background(), "bob", models.OrderFilter{})
	require.NoError(t, err)
	assert.Empty(t, orders)
}

type recordingPublisher struct {
	mu      sync.Mutex
	events  []models.SettlementEvent
	ctxErrs []error
	err     error
}

func (p *recordingPublisher) PublishSettlement(ctx context.Context, event models.SettlementEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	p.ctxErrs = append(p.ctxErrs, ctx.Err())
	return p.err
}

// cancelOnCommitStore cancels the caller's context as soon as a unit of work commits
type cancelOnCommitStore struct {
	*memstore.Store
	cancel context.CancelFunc
}

func (c cancelOnCommitStore) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	err := c.Store.InTx(ctx, fn)
	if err == nil {
		c.cancel()
	}
	return err
}

func TestEngine_PublishSurvivesCallerCancel(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "alice", "100")
	env.addUser(t, "bob", "0")
	sell := env.create(t, "alice", models.OrderTypeSell, "100", "0.01")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pub := &recordingPublisher{}
	engine := NewEngine(cancelOnCommitStore{Store: env.store, cancel: cancel}, WithSettlementIDs(&seqIDs{}), WithPublisher(pub))

	_, err := engine.ExecuteOrder(ctx, ExecuteOrderCommand{ExecutorID: "bob", OrderID: sell.ID})
	require.NoError(t, err)
	require.Error(t, ctx.Err())

	require.Len(t, pub.events, 1)
	assert.NoError(t, pub.ctxErrs[0], "publish runs on a context detached from the caller")
}

func TestEngine_PublishesAndNotifies(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	var changed []string
	env := newTestEnv(t, WithPublisher(pub), WithBookObserver(func(pair string) { changed = append(changed, pair) }))
	env.addUser(t, "alice", "100")
	env.addUser(t, "bob", "0")

	sell := env.create(t, "alice", models.OrderTypeSell, "100", "0.01")
	res, err := env.engine.ExecuteOrder(context.Background(), ExecuteOrderCommand{ExecutorID: "bob", OrderID: sell.ID})
	require.NoError(t, err, "publish failures do not undo a settlement")

	require.Len(t, pub.events, 1)
	ev := pub.events[0]
	assert.Equal(t, res.Order.SettlementHash, ev.SettlementID)
	assert.Equal(t, sell.WalletAddress, ev.Seller)
	assert.Equal(t, "100", ev.Amount.String())
	assert.Equal(t, []string{"QCN/ETH", "QCN/ETH"}, changed)
}

// Balances plus sell-side reservations are only ever moved, never created or destroyed.
func TestProperty_BalanceConservation(t *testing.T) {
	users := []string{"u0", "u1", "u2"}

	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		st := memstore.New()
		engine := NewEngine(st, WithSettlementIDs(&seqIDs{}))

		total := decimal.Zero
		for i, id := range users {
			start := decimal.NewFromInt(rapid.Int64Range(0, 500).Draw(rt, "balance"))
			total = total.Add(start)
			err := st.CreateUser(ctx, &models.User{
				ID:            id,
				Username:      id,
				WalletAddress: fmt.Sprintf("0x%040x", i+1),
				TokenBalance:  start,
			})
			require.NoError(rt, err)
		}

		var orderIDs []string
		steps := rapid.IntRange(1, 40).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			var err error
			switch rapid.IntRange(0, 2).Draw(rt, "op") {
			case 0:
				var order *models.Order
				order, err = engine.CreateOrder(ctx, CreateOrderCommand{
					OwnerID:   rapid.SampledFrom(users).Draw(rt, "owner"),
					OrderType: rapid.SampledFrom([]models.OrderType{models.OrderTypeBuy, models.OrderTypeSell}).Draw(rt, "side"),
					Amount:    decimal.NewFromInt(rapid.Int64Range(1, 300).Draw(rt, "amount")),
					Price:     decimal.NewFromInt(rapid.Int64Range(1, 10).Draw(rt, "price")),
				})
				if err == nil {
					orderIDs = append(orderIDs, order.ID)
				}
			case 1:
				if len(orderIDs) == 0 {
					continue
				}
				_, err = engine.ExecuteOrder(ctx, ExecuteOrderCommand{
					ExecutorID: rapid.SampledFrom(users).Draw(rt, "executor"),
					OrderID:    rapid.SampledFrom(orderIDs).Draw(rt, "order"),
				})
			case 2:
				if len(orderIDs) == 0 {
					continue
				}
				_, err = engine.CancelOrder(ctx, CancelOrderCommand{
					OwnerID: rapid.SampledFrom(users).Draw(rt, "canceller"),
					OrderID: rapid.SampledFrom(orderIDs).Draw(rt, "order"),
				})
			}
			if err != nil && !errors.Is(err, models.ErrInsufficientBalance) &&
				!errors.Is(err, models.ErrInvalidState) && !errors.Is(err, models.ErrNotFound) {
				rt.Fatalf("unexpected error: %v", err)
			}

			held := decimal.Zero
			for _, id := range users {
				u, err := st.GetUser(ctx, id)
				require.NoError(rt, err)
				if u.TokenBalance.IsNegative() {
					rt.Fatalf("%s has negative balance %s", id, u.TokenBalance)
				}
				held = held.Add(u.TokenBalance)

				orders, err := st.FindOrdersByOwner(ctx, id, models.OrderFilter{OrderType: models.OrderTypeSell})
				require.NoError(rt, err)
				for _, o := range orders {
					if !o.Status.Terminal() {
						held = held.Add(o.Remaining())
					}
				}
			}
			if !held.Equal(total) {
				rt.Fatalf("balances plus reservations = %s, want %s", held, total)
			}
		}
	})
}
