package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtrntr/tokendex/internal/exchange"
	"github.com/xtrntr/tokendex/internal/memstore"
	"github.com/xtrntr/tokendex/internal/models"
)

type countingSource struct {
	*exchange.Engine
	calls int
}

func (s *countingSource) GetOrderBook(ctx context.Context, pair string) (*exchange.OrderBook, error) {
	s.calls++
	return s.Engine.GetOrderBook(ctx, pair)
}

func newSource(t *testing.T) *countingSource {
	t.Helper()
	st := memstore.New()
	require.NoError(t, st.CreateUser(context.Background(), &models.User{
		ID: "alice", Username: "alice", TokenBalance: decimal.NewFromInt(1000),
	}))
	return &countingSource{Engine: exchange.NewEngine(st)}
}

func createSell(t *testing.T, src *countingSource, price string) {
	t.Helper()
	_, err := src.CreateOrder(context.Background(), exchange.CreateOrderCommand{
		OwnerID: "alice", OrderType: models.OrderTypeSell,
		Amount: decimal.NewFromInt(1), Price: decimal.RequireFromString(price),
	})
	require.NoError(t, err)
}

func TestBookCache_FallsBackWhenRedisIsDown(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	src := newSource(t)
	createSell(t, src, "0.01")
	c := NewBookCache(client, src, time.Minute, nil)

	book, err := c.GetOrderBook(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, book.SellOrders, 1)
	assert.Equal(t, 1, src.calls)

	c.Invalidate("QCN/ETH")

	_, err = c.GetOrderBook(context.Background(), "bad pair")
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestBookCache_Redis(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client, err := NewClient(ctx, addr, "", 0)
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.Del(ctx, keyPrefix+"QCN/ETH", genPrefix+"QCN/ETH").Err())

	src := newSource(t)
	createSell(t, src, "0.01")
	c := NewBookCache(client, src, time.Minute, nil)

	first, err := c.GetOrderBook(ctx, "qcn/eth")
	require.NoError(t, err)
	second, err := c.GetOrderBook(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls, "second read is served from redis")
	assert.Equal(t, first.SellOrders[0].ID, second.SellOrders[0].ID)
	assert.Equal(t, "0.01", second.SellOrders[0].Price.String())

	createSell(t, src, "0.005")
	c.Invalidate("QCN/ETH")

	third, err := c.GetOrderBook(ctx, "QCN/ETH")
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
	require.Len(t, third.SellOrders, 2)
	assert.Equal(t, "0.005", third.SellOrders[0].Price.String())
}

// pausingSource reads the book, then holds it until released
type pausingSource struct {
	*countingSource
	loaded  chan struct{}
	release chan struct{}
}

func (s *pausingSource) GetOrderBook(ctx context.Context, pair string) (*exchange.OrderBook, error) {
	book, err := s.countingSource.GetOrderBook(ctx, pair)
	if s.loaded != nil {
		close(s.loaded)
		s.loaded = nil
		<-s.release
	}
	return book, err
}

func TestBookCache_InvalidateDuringLoad(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client, err := NewClient(ctx, addr, "", 0)
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.Del(ctx, keyPrefix+"QCN/ETH", genPrefix+"QCN/ETH").Err())

	inner := newSource(t)
	createSell(t, inner, "0.01")
	src := &pausingSource{countingSource: inner, loaded: make(chan struct{}), release: make(chan struct{})}
	c := NewBookCache(client, src, time.Minute, nil)

	loaded := src.loaded
	done := make(chan *exchange.OrderBook, 1)
	go func() {
		book, err := c.GetOrderBook(ctx, "QCN/ETH")
		assert.NoError(t, err)
		done <- book
	}()

	<-loaded
	createSell(t, inner, "0.005")
	c.Invalidate("QCN/ETH")
	close(src.release)

	stale := <-done
	require.NotNil(t, stale)
	assert.Len(t, stale.SellOrders, 1)

	n, err := client.Exists(ctx, keyPrefix+"QCN/ETH").Result()
	require.NoError(t, err)
	assert.Zero(t, n, "snapshot loaded before the invalidation is not stored")

	fresh, err := c.GetOrderBook(ctx, "QCN/ETH")
	require.NoError(t, err)
	assert.Len(t, fresh.SellOrders, 2)
}
