package exchange

import (
	"github.com/shopspring/decimal"
	"github.com/xtrntr/tokendex/internal/models"
)

// OrderBook is a ranked snapshot of the open orders of one pair
type OrderBook struct {
	TokenPair  string           `json:"tokenPair"`
	BuyOrders  []models.Order   `json:"buyOrders"`
	SellOrders []models.Order   `json:"sellOrders"`
	BestBid    *decimal.Decimal `json:"bestBid,omitempty"`
	BestAsk    *decimal.Decimal `json:"bestAsk,omitempty"`
	Spread     *decimal.Decimal `json:"spread,omitempty"`
}

func newOrderBook(pair string, buys, sells []models.Order) *OrderBook {
	models.SortBook(buys, models.OrderTypeBuy)
	models.SortBook(sells, models.OrderTypeSell)

	book := &OrderBook{TokenPair: pair, BuyOrders: buys, SellOrders: sells}
	if len(buys) > 0 {
		bid := buys[0].Price
		book.BestBid = &bid
	}
	if len(sells) > 0 {
		ask := sells[0].Price
		book.BestAsk = &ask
	}
	if book.BestBid != nil && book.BestAsk != nil {
		spread := book.BestAsk.Sub(*book.BestBid)
		book.Spread = &spread
	}
	return book
}
