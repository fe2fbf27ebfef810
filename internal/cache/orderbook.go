// Package cache keeps order book snapshots in Redis between mutations.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xtrntr/tokendex/internal/exchange"
	"go.uber.org/zap"
)

const (
	keyPrefix         = "orderbook:"
	genPrefix         = "orderbook:gen:"
	invalidateTimeout = 2 * time.Second
)

// setIfGeneration stores a snapshot only if no invalidation happened since the
// generation in ARGV[1] was read.
var setIfGeneration = redis.NewScript(`
if (redis.call('GET', KEYS[1]) or '0') == ARGV[1] then
	redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
	return 1
end
return 0
`)

// BookSource produces order book snapshots
type BookSource interface {
	GetOrderBook(ctx context.Context, pair string) (*exchange.OrderBook, error)
	DefaultPair() string
}

// BookCache is a read-through cache in front of a BookSource. Redis failures
// are logged and the source is used directly.
type BookCache struct {
	client redis.Cmdable
	source BookSource
	ttl    time.Duration
	logger *zap.Logger
}

// NewBookCache creates a cache over source
func NewBookCache(client redis.Cmdable, source BookSource, ttl time.Duration, logger *zap.Logger) *BookCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BookCache{client: client, source: source, ttl: ttl, logger: logger}
}

// NewClient connects to Redis and checks the connection
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

func (c *BookCache) pair(pair string) string {
	pair = strings.ToUpper(strings.TrimSpace(pair))
	if pair == "" {
		pair = c.source.DefaultPair()
	}
	return pair
}

// DefaultPair returns the source's default pair
func (c *BookCache) DefaultPair() string {
	return c.source.DefaultPair()
}

// GetOrderBook returns the cached snapshot of pair, loading it on a miss. A
// loaded snapshot is stored only if the pair was not invalidated meanwhile.
func (c *BookCache) GetOrderBook(ctx context.Context, pair string) (*exchange.OrderBook, error) {
	norm := c.pair(pair)
	key, genKey := keyPrefix+norm, genPrefix+norm

	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var book exchange.OrderBook
		if err := json.Unmarshal(raw, &book); err == nil {
			return &book, nil
		}
		c.logger.Warn("discarding undecodable order book snapshot", zap.String("key", key))
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("order book cache read failed", zap.String("key", key), zap.Error(err))
		return c.source.GetOrderBook(ctx, pair)
	}

	gen, err := c.client.Get(ctx, genKey).Result()
	switch {
	case errors.Is(err, redis.Nil):
		gen = "0"
	case err != nil:
		c.logger.Warn("order book generation read failed", zap.String("key", genKey), zap.Error(err))
		return c.source.GetOrderBook(ctx, pair)
	}

	book, err := c.source.GetOrderBook(ctx, pair)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(book)
	if err != nil {
		return nil, fmt.Errorf("failed to encode order book: %w", err)
	}
	ttl := c.ttl.Milliseconds()
	if ttl < 1 {
		ttl = 1
	}
	if err := setIfGeneration.Run(ctx, c.client, []string{genKey, key}, gen, payload, ttl).Err(); err != nil {
		c.logger.Warn("order book cache write failed", zap.String("key", key), zap.Error(err))
	}
	return book, nil
}

// Invalidate drops the snapshot of pair and bumps its generation so loads that
// started earlier are not stored. Its signature matches exchange.BookObserver.
func (c *BookCache) Invalidate(pair string) {
	ctx, cancel := context.WithTimeout(context.Background(), invalidateTimeout)
	defer cancel()
	norm := c.pair(pair)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, genPrefix+norm)
		pipe.Del(ctx, keyPrefix+norm)
		return nil
	})
	if err != nil {
		c.logger.Warn("order book cache invalidation failed", zap.String("pair", pair), zap.Error(err))
	}
}
