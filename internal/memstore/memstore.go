// Package memstore is an in-memory implementation of store.Store. A single
// mutex serializes every unit of work; InTx keeps an undo journal so a failed
// unit leaves no trace.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/tokendex/internal/models"
	"github.com/xtrntr/tokendex/internal/store"
)

const degree = 16

type bookKey struct {
	pair      string
	orderType models.OrderType
}

// sideBook indexes the open orders of one side of one pair, once per price direction.
type sideBook struct {
	asc  *btree.BTreeG[*models.Order]
	desc *btree.BTreeG[*models.Order]
}

func newSideBook() *sideBook {
	return &sideBook{
		asc:  btree.NewG(degree, models.AskLess),
		desc: btree.NewG(degree, models.BidLess),
	}
}

// Store is a thread-safe in-memory store for users, orders and transactions.
type Store struct {
	mu sync.Mutex

	users        map[string]*models.User
	usernames    map[string]string // username -> user id
	wallets      map[string]string // lower-cased address -> user id
	orders       map[string]*models.Order
	ownerOrders  map[string][]string // user id -> order ids, append-only
	books        map[bookKey]*sideBook
	transactions []*models.Transaction
	settlements  map[string]*models.Transaction
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		users:       make(map[string]*models.User),
		usernames:   make(map[string]string),
		wallets:     make(map[string]string),
		orders:      make(map[string]*models.Order),
		ownerOrders: make(map[string][]string),
		books:       make(map[bookKey]*sideBook),
		settlements: make(map[string]*models.Transaction),
	}
}

var _ store.Store = (*Store)(nil)

// view is the unit-of-work handle. undo is nil outside InTx.
type view struct {
	s    *Store
	undo []func()
}

func (v *view) record(fn func()) {
	if v.undo != nil {
		v.undo = append(v.undo, fn)
	}
}

// InTx runs fn under the store lock and reverts all of its writes if it fails.
func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := &view{s: s, undo: make([]func(), 0, 8)}
	if err := fn(v); err != nil {
		for i := len(v.undo) - 1; i >= 0; i-- {
			v.undo[i]()
		}
		return err
	}
	return nil
}

func (s *Store) locked() (*view, func()) {
	s.mu.Lock()
	return &view{s: s}, s.mu.Unlock
}

// CreateUser adds a user. Duplicate usernames or wallet addresses are a conflict.
func (s *Store) CreateUser(ctx context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.usernames[user.Username]; ok {
		return &models.ConflictError{Resource: "user", ID: user.Username}
	}
	wallet := strings.ToLower(user.WalletAddress)
	if _, ok := s.wallets[wallet]; ok && wallet != "" {
		return &models.ConflictError{Resource: "wallet", ID: user.WalletAddress}
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	u := *user
	s.users[u.ID] = &u
	s.usernames[u.Username] = u.ID
	if wallet != "" {
		s.wallets[wallet] = u.ID
	}
	return nil
}

// UpdateWallet points the user at a new wallet address. An address owned by
// another user is a conflict.
func (s *Store) UpdateWallet(ctx context.Context, userID, address string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, &models.NotFoundError{Resource: "user", ID: userID}
	}
	wallet := strings.ToLower(address)
	if owner, ok := s.wallets[wallet]; ok && owner != userID {
		return nil, &models.ConflictError{Resource: "wallet", ID: address}
	}
	delete(s.wallets, strings.ToLower(u.WalletAddress))
	u.WalletAddress = address
	s.wallets[wallet] = userID
	updated := *u
	return &updated, nil
}

// GetUserByUsername retrieves a user by username
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.usernames[username]
	if !ok {
		return nil, &models.NotFoundError{Resource: "user", ID: username}
	}
	u := *s.users[id]
	return &u, nil
}

func (s *Store) GetUser(ctx context.Context, userID string) (*models.User, error) {
	v, unlock := s.locked()
	defer unlock()
	return v.GetUser(ctx, userID)
}

func (s *Store) GetUserByWallet(ctx context.Context, address string) (*models.User, error) {
	v, unlock := s.locked()
	defer unlock()
	return v.GetUserByWallet(ctx, address)
}

func (s *Store) AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal) (decimal.Decimal, error) {
	v, unlock := s.locked()
	defer unlock()
	return v.AdjustBalance(ctx, userID, delta)
}

func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	v, unlock := s.locked()
	defer unlock()
	return v.CreateOrder(ctx, order)
}

func (s *Store) FindOrder(ctx context.Context, orderID string) (*models.Order, error) {
	v, unlock := s.locked()
	defer unlock()
	return v.FindOrder(ctx, orderID)
}

func (s *Store) FindOrdersByOwner(ctx context.Context, userID string, filter models.OrderFilter) ([]models.Order, error) {
	v, unlock := s.locked()
	defer unlock()
	return v.FindOrdersByOwner(ctx, userID, filter)
}

func (s *Store) FindOpenByPair(ctx context.Context, pair string, orderType models.OrderType, limit int, dir store.SortDirection) ([]models.Order, error) {
	v, unlock := s.locked()
	defer unlock()
	return v.FindOpenByPair(ctx, pair, orderType, limit, dir)
}

func (s *Store) UpdateOrderIfStatus(ctx context.Context, orderID string, expected models.OrderStatus, mutate func(*models.Order) error) (*models.Order, error) {
	v, unlock := s.locked()
	defer unlock()
	return v.UpdateOrderIfStatus(ctx, orderID, expected, mutate)
}

func (s *Store) AppendTransaction(ctx context.Context, tx *models.Transaction) error {
	v, unlock := s.locked()
	defer unlock()
	return v.AppendTransaction(ctx, tx)
}

func (s *Store) SetTransactionStatus(ctx context.Context, settlementID string, status models.TransactionStatus) error {
	v, unlock := s.locked()
	defer unlock()
	return v.SetTransactionStatus(ctx, settlementID, status)
}

func (s *Store) ListTransactions(ctx context.Context, userID string, limit int) ([]models.Transaction, error) {
	v, unlock := s.locked()
	defer unlock()
	return v.ListTransactions(ctx, userID, limit)
}

func (v *view) GetUser(ctx context.Context, userID string) (*models.User, error) {
	u, ok := v.s.users[userID]
	if !ok {
		return nil, &models.NotFoundError{Resource: "user", ID: userID}
	}
	cp := *u
	return &cp, nil
}

func (v *view) GetUserByWallet(ctx context.Context, address string) (*models.User, error) {
	id, ok := v.s.wallets[strings.ToLower(address)]
	if !ok {
		return nil, &models.NotFoundError{Resource: "wallet", ID: address}
	}
	return v.GetUser(ctx, id)
}

func (v *view) AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal) (decimal.Decimal, error) {
	u, ok := v.s.users[userID]
	if !ok {
		return decimal.Zero, &models.NotFoundError{Resource: "user", ID: userID}
	}
	next := u.TokenBalance.Add(delta)
	if next.IsNegative() {
		return decimal.Zero, &models.InsufficientBalanceError{
			UserID:    userID,
			Available: u.TokenBalance.String(),
			Requested: delta.Neg().String(),
		}
	}
	prev := u.TokenBalance
	u.TokenBalance = next
	v.record(func() { u.TokenBalance = prev })
	return next, nil
}

func (v *view) CreateOrder(ctx context.Context, order *models.Order) error {
	if _, ok := v.s.orders[order.ID]; ok {
		return &models.ConflictError{Resource: "order", ID: order.ID}
	}
	o := *order
	v.s.orders[o.ID] = &o
	v.s.ownerOrders[o.UserID] = append(v.s.ownerOrders[o.UserID], o.ID)
	if o.Status == models.OrderStatusOpen {
		v.s.book(o.TokenPair, o.OrderType).insert(&o)
	}
	v.record(func() {
		if o.Status == models.OrderStatusOpen {
			v.s.book(o.TokenPair, o.OrderType).remove(&o)
		}
		ids := v.s.ownerOrders[o.UserID]
		v.s.ownerOrders[o.UserID] = ids[:len(ids)-1]
		delete(v.s.orders, o.ID)
	})
	return nil
}

func (v *view) FindOrder(ctx context.Context, orderID string) (*models.Order, error) {
	o, ok := v.s.orders[orderID]
	if !ok {
		return nil, &models.NotFoundError{Resource: "order", ID: orderID}
	}
	cp := *o
	return &cp, nil
}

func (v *view) FindOrdersByOwner(ctx context.Context, userID string, filter models.OrderFilter) ([]models.Order, error) {
	ids := v.s.ownerOrders[userID]
	orders := make([]models.Order, 0, len(ids))
	for _, id := range ids {
		o := v.s.orders[id]
		if filter.Matches(o) {
			orders = append(orders, *o)
		}
	}
	models.SortNewestFirst(orders)
	return orders, nil
}

func (v *view) FindOpenByPair(ctx context.Context, pair string, orderType models.OrderType, limit int, dir store.SortDirection) ([]models.Order, error) {
	b, ok := v.s.books[bookKey{pair: pair, orderType: orderType}]
	if !ok {
		return []models.Order{}, nil
	}
	tree := b.asc
	if dir == store.SortDesc {
		tree = b.desc
	}
	orders := make([]models.Order, 0, min(limit, tree.Len()))
	tree.Ascend(func(o *models.Order) bool {
		if len(orders) >= limit {
			return false
		}
		orders = append(orders, *o)
		return true
	})
	return orders, nil
}

func (v *view) UpdateOrderIfStatus(ctx context.Context, orderID string, expected models.OrderStatus, mutate func(*models.Order) error) (*models.Order, error) {
	o, ok := v.s.orders[orderID]
	if !ok {
		return nil, &models.NotFoundError{Resource: "order", ID: orderID}
	}
	if o.Status != expected {
		return nil, &models.ConflictError{Resource: "order", ID: orderID, Expected: string(expected), Actual: string(o.Status)}
	}

	next := *o
	if err := mutate(&next); err != nil {
		return nil, err
	}
	prev := *o
	wasOpen := o.Status == models.OrderStatusOpen
	*o = next
	if wasOpen && o.Status != models.OrderStatusOpen {
		v.s.book(o.TokenPair, o.OrderType).remove(o)
	}
	v.record(func() {
		*o = prev
		if wasOpen && next.Status != models.OrderStatusOpen {
			v.s.book(o.TokenPair, o.OrderType).insert(o)
		}
	})

	cp := *o
	return &cp, nil
}

func (v *view) AppendTransaction(ctx context.Context, tx *models.Transaction) error {
	if _, ok := v.s.settlements[tx.SettlementID]; ok {
		return &models.ConflictError{Resource: "transaction", ID: tx.SettlementID}
	}
	t := *tx
	v.s.transactions = append(v.s.transactions, &t)
	v.s.settlements[t.SettlementID] = &t
	v.record(func() {
		v.s.transactions = v.s.transactions[:len(v.s.transactions)-1]
		delete(v.s.settlements, t.SettlementID)
	})
	return nil
}

func (v *view) SetTransactionStatus(ctx context.Context, settlementID string, status models.TransactionStatus) error {
	t, ok := v.s.settlements[settlementID]
	if !ok {
		return &models.NotFoundError{Resource: "transaction", ID: settlementID}
	}
	if t.Status != models.TxStatusPending {
		return &models.ConflictError{Resource: "transaction", ID: settlementID, Expected: string(models.TxStatusPending), Actual: string(t.Status)}
	}
	t.Status = status
	v.record(func() { t.Status = models.TxStatusPending })
	return nil
}

func (v *view) ListTransactions(ctx context.Context, userID string, limit int) ([]models.Transaction, error) {
	wallet := ""
	if u, ok := v.s.users[userID]; ok {
		wallet = strings.ToLower(u.WalletAddress)
	}
	txs := make([]models.Transaction, 0)
	for i := len(v.s.transactions) - 1; i >= 0 && len(txs) < limit; i-- {
		t := v.s.transactions[i]
		if t.UserID == userID || (wallet != "" && (strings.ToLower(t.FromAddress) == wallet || strings.ToLower(t.ToAddress) == wallet)) {
			txs = append(txs, *t)
		}
	}
	sort.SliceStable(txs, func(i, j int) bool { return txs[i].CreatedAt.After(txs[j].CreatedAt) })
	return txs, nil
}

func (s *Store) book(pair string, orderType models.OrderType) *sideBook {
	k := bookKey{pair: pair, orderType: orderType}
	b, ok := s.books[k]
	if !ok {
		b = newSideBook()
		s.books[k] = b
	}
	return b
}

func (b *sideBook) insert(o *models.Order) {
	b.asc.ReplaceOrInsert(o)
	b.desc.ReplaceOrInsert(o)
}

func (b *sideBook) remove(o *models.Order) {
	b.asc.Delete(o)
	b.desc.Delete(o)
}
