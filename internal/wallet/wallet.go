// Package wallet implements the token sale and wallet-to-wallet transfers.
// Every balance change goes through ledger.Apply inside one store unit of work.
package wallet

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/tokendex/internal/ledger"
	"github.com/xtrntr/tokendex/internal/models"
	"github.com/xtrntr/tokendex/internal/store"
	"go.uber.org/zap"
)

// Phase is a stage of the token sale
type Phase string

const (
	PhasePreSale  Phase = "pre-sale"
	PhaseMainSale Phase = "main-sale"
)

const (
	// TokenSymbol is the token sold and transferred by this service
	TokenSymbol = "QCN"
	// TreasuryAddress is the counterparty of purchase records
	TreasuryAddress = "0x0000000000000000000000000000000000000000"

	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// SaleConfig holds token sale pricing. Bonuses are percentages.
type SaleConfig struct {
	PresalePrice  decimal.Decimal
	MainsalePrice decimal.Decimal
	PresaleBonus  decimal.Decimal
	MainsaleBonus decimal.Decimal
	MinPurchase   decimal.Decimal
	// MaxPurchase of zero means unlimited
	MaxPurchase decimal.Decimal
}

// DefaultSaleConfig returns the launch pricing
func DefaultSaleConfig() SaleConfig {
	return SaleConfig{
		PresalePrice:  decimal.RequireFromString("0.0008"),
		MainsalePrice: decimal.RequireFromString("0.001"),
		PresaleBonus:  decimal.NewFromInt(25),
		MainsaleBonus: decimal.NewFromInt(10),
		MinPurchase:   decimal.NewFromInt(1),
	}
}

// Quote is the price of one token in a phase
type Quote struct {
	Phase    Phase           `json:"phase"`
	Price    decimal.Decimal `json:"price"`
	Bonus    decimal.Decimal `json:"bonus"`
	Currency string          `json:"currency"`
}

// PurchaseResult describes a completed purchase
type PurchaseResult struct {
	Transaction *models.Transaction `json:"transaction"`
	BaseTokens  decimal.Decimal     `json:"baseTokens"`
	BonusTokens decimal.Decimal     `json:"bonusTokens"`
	TotalTokens decimal.Decimal     `json:"totalTokens"`
	CostInETH   decimal.Decimal     `json:"costInETH"`
	NewBalance  decimal.Decimal     `json:"newBalance"`
}

// TransferResult describes a completed transfer
type TransferResult struct {
	Transaction *models.Transaction `json:"transaction"`
	NewBalance  decimal.Decimal     `json:"newBalance"`
}

// Balance is a user's holding
type Balance struct {
	Address string          `json:"address"`
	Balance decimal.Decimal `json:"balance"`
	Symbol  string          `json:"symbol"`
}

// Service sells tokens and moves them between wallets
type Service struct {
	store  store.Store
	ids    ledger.IDs
	sale   SaleConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a wallet service
func NewService(st store.Store, ids ledger.IDs, sale SaleConfig, logger *zap.Logger) *Service {
	if ids == nil {
		ids = ledger.NewHashIDs()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  st,
		ids:    ids,
		sale:   sale,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Price returns the quote for phase; an empty phase means pre-sale
func (s *Service) Price(phase Phase) (Quote, error) {
	switch phase {
	case "", PhasePreSale:
		return Quote{Phase: PhasePreSale, Price: s.sale.PresalePrice, Bonus: s.sale.PresaleBonus, Currency: "ETH"}, nil
	case PhaseMainSale:
		return Quote{Phase: PhaseMainSale, Price: s.sale.MainsalePrice, Bonus: s.sale.MainsaleBonus, Currency: "ETH"}, nil
	}
	return Quote{}, &models.ValidationError{Field: "phase", Message: "must be 'pre-sale' or 'main-sale'"}
}

// Purchase credits amount plus the phase bonus to the user
func (s *Service) Purchase(ctx context.Context, userID string, amount decimal.Decimal, phase Phase) (*PurchaseResult, error) {
	quote, err := s.Price(phase)
	if err != nil {
		return nil, err
	}
	if err := validAmount(amount); err != nil {
		return nil, err
	}
	if amount.LessThan(s.sale.MinPurchase) {
		return nil, &models.ValidationError{Field: "amount", Message: "below the minimum purchase of " + s.sale.MinPurchase.String()}
	}
	if s.sale.MaxPurchase.IsPositive() && amount.GreaterThan(s.sale.MaxPurchase) {
		return nil, &models.ValidationError{Field: "amount", Message: "above the maximum purchase of " + s.sale.MaxPurchase.String()}
	}

	bonus := amount.Mul(quote.Bonus).Div(decimal.NewFromInt(100)).Truncate(18)
	res := &PurchaseResult{
		BaseTokens:  amount,
		BonusTokens: bonus,
		TotalTokens: amount.Add(bonus),
		CostInETH:   amount.Mul(quote.Price),
	}

	err = s.store.InTx(ctx, func(tx store.Tx) error {
		user, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		now := s.now()
		rec := &models.Transaction{
			UserID:       user.ID,
			Type:         models.TxTypePurchase,
			TokenSymbol:  TokenSymbol,
			FromAddress:  TreasuryAddress,
			ToAddress:    user.WalletAddress,
			Amount:       res.TotalTokens,
			SettlementID: s.ids.Next(user.ID, now),
			CreatedAt:    now,
		}
		if err := ledger.Apply(ctx, tx, rec, ledger.Credit(user.ID, res.TotalTokens)); err != nil {
			return err
		}
		res.Transaction = rec
		res.NewBalance, err = balanceAfter(ctx, tx, user.ID)
		return err
	})
	if err != nil {
		s.logger.Debug("purchase rejected", zap.String("user_id", userID), zap.Error(err))
		return nil, err
	}

	s.logger.Info("tokens purchased",
		zap.String("user_id", userID),
		zap.String("phase", string(quote.Phase)),
		zap.String("total", res.TotalTokens.String()),
		zap.String("settlement_id", res.Transaction.SettlementID))
	return res, nil
}

// Transfer moves amount from the user's wallet to address. The receiving user,
// if the address belongs to one, is credited in the same unit of work.
func (s *Service) Transfer(ctx context.Context, userID, to string, amount decimal.Decimal) (*TransferResult, error) {
	to = strings.TrimSpace(to)
	if !strings.HasPrefix(to, "0x") || !common.IsHexAddress(to) {
		return nil, &models.ValidationError{Field: "to", Message: "must be a 0x-prefixed 20 byte hex address"}
	}
	if err := validAmount(amount); err != nil {
		return nil, err
	}
	to = common.HexToAddress(to).Hex()

	var res *TransferResult
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		sender, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if strings.EqualFold(sender.WalletAddress, to) {
			return &models.ValidationError{Field: "to", Message: "cannot transfer to your own wallet"}
		}

		moves := []ledger.Move{ledger.Debit(sender.ID, amount)}
		receiver, err := tx.GetUserByWallet(ctx, to)
		switch {
		case err == nil:
			moves = append(moves, ledger.Credit(receiver.ID, amount))
		case !errors.Is(err, models.ErrNotFound):
			return err
		}

		now := s.now()
		rec := &models.Transaction{
			UserID:       sender.ID,
			Type:         models.TxTypeTransfer,
			TokenSymbol:  TokenSymbol,
			FromAddress:  sender.WalletAddress,
			ToAddress:    to,
			Amount:       amount,
			SettlementID: s.ids.Next(sender.ID, now),
			CreatedAt:    now,
		}
		if err := ledger.Apply(ctx, tx, rec, moves...); err != nil {
			return err
		}
		res = &TransferResult{Transaction: rec}
		res.NewBalance, err = balanceAfter(ctx, tx, sender.ID)
		return err
	})
	if err != nil {
		s.logger.Debug("transfer rejected", zap.String("user_id", userID), zap.String("to", to), zap.Error(err))
		return nil, err
	}

	s.logger.Info("tokens transferred",
		zap.String("user_id", userID),
		zap.String("to", to),
		zap.String("amount", amount.String()),
		zap.String("settlement_id", res.Transaction.SettlementID))
	return res, nil
}

// Balance returns the user's current token balance
func (s *Service) Balance(ctx context.Context, userID string) (*Balance, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Balance{Address: user.WalletAddress, Balance: user.TokenBalance, Symbol: TokenSymbol}, nil
}

// History returns the user's transaction records, newest first
func (s *Service) History(ctx context.Context, userID string, limit int) ([]models.Transaction, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	return s.store.ListTransactions(ctx, userID, limit)
}

// balanceAfter reads the balance the unit of work just wrote
func balanceAfter(ctx context.Context, tx store.Tx, userID string) (decimal.Decimal, error) {
	u, err := tx.GetUser(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return u.TokenBalance, nil
}

func validAmount(v decimal.Decimal) error {
	return models.ValidateAmount("amount", v)
}
