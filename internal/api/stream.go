package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

const (
	writeWait     = 5 * time.Second
	snapshotWait  = 3 * time.Second
	maxReadBytes  = 512
	bookEventType = "orderbook"
)

type streamMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) write(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// Hub pushes order book snapshots to websocket subscribers of each pair
type Hub struct {
	books    BookReader
	pool     *ants.Pool
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu   sync.RWMutex
	subs map[string]map[*wsClient]struct{}
}

// NewHub creates a hub whose broadcasts run on a pool of size workers
func NewHub(books BookReader, size int, logger *zap.Logger) (*Hub, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pool, err := ants.NewPool(size, ants.WithPanicHandler(func(p any) {
		logger.Error("broadcast panicked", zap.Any("panic", p))
	}))
	if err != nil {
		return nil, err
	}
	return &Hub{
		books:  books,
		pool:   pool,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		subs: make(map[string]map[*wsClient]struct{}),
	}, nil
}

// ServeWS subscribes the connection to ?pair= and sends the current book
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	book, err := h.books.GetOrderBook(r.Context(), r.URL.Query().Get("pair"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade connection", zap.Error(err))
		return
	}
	pair := book.TokenPair
	client := &wsClient{conn: conn}
	defer h.unsubscribe(pair, client)

	// Subscribed before the snapshot is read, and broadcasts to this client
	// wait for the snapshot write.
	client.mu.Lock()
	h.subscribe(pair, client)
	err = h.sendSnapshot(r.Context(), client, pair)
	client.mu.Unlock()
	if err != nil {
		h.logger.Debug("failed to send initial order book", zap.String("token_pair", pair), zap.Error(err))
		return
	}

	// Clients only listen; reading detects disconnects.
	conn.SetReadLimit(maxReadBytes)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// sendSnapshot writes the current book of pair; the caller holds c.mu
func (h *Hub) sendSnapshot(ctx context.Context, c *wsClient, pair string) error {
	book, err := h.books.GetOrderBook(ctx, pair)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(streamMessage{Type: bookEventType, Data: book})
	if err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// Notify broadcasts a fresh snapshot of pair. It has the exchange.BookObserver signature.
func (h *Hub) Notify(pair string) {
	if h.subscribers(pair) == 0 {
		return
	}
	err := h.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), snapshotWait)
		defer cancel()

		book, err := h.books.GetOrderBook(ctx, pair)
		if err != nil {
			h.logger.Error("failed to load order book", zap.String("token_pair", pair), zap.Error(err))
			return
		}
		payload, err := json.Marshal(streamMessage{Type: bookEventType, Data: book})
		if err != nil {
			h.logger.Error("failed to marshal order book", zap.Error(err))
			return
		}
		h.broadcast(pair, payload)
	})
	if err != nil {
		h.logger.Warn("failed to schedule broadcast", zap.String("token_pair", pair), zap.Error(err))
	}
}

func (h *Hub) broadcast(pair string, payload []byte) {
	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.subs[pair]))
	for c := range h.subs[pair] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if err := c.write(payload); err != nil {
			h.logger.Debug("dropping subscriber", zap.String("token_pair", pair), zap.Error(err))
			h.unsubscribe(pair, c)
		}
	}
}

func (h *Hub) subscribe(pair string, c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[pair] == nil {
		h.subs[pair] = make(map[*wsClient]struct{})
	}
	h.subs[pair][c] = struct{}{}
}

func (h *Hub) unsubscribe(pair string, c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[pair][c]; !ok {
		return
	}
	delete(h.subs[pair], c)
	if len(h.subs[pair]) == 0 {
		delete(h.subs, pair)
	}
	c.conn.Close()
}

func (h *Hub) subscribers(pair string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[pair])
}

// Close disconnects every subscriber and stops the broadcast pool
func (h *Hub) Close() {
	h.mu.Lock()
	for pair, clients := range h.subs {
		for c := range clients {
			c.conn.Close()
		}
		delete(h.subs, pair)
	}
	h.mu.Unlock()
	h.pool.Release()
}
