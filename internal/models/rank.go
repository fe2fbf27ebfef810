package models

import "sort"

// BookDepth is how many orders per side the order book shows
const BookDepth = 20

// BidLess orders buys: highest price first, then earliest time, then id.
func BidLess(a, b *Order) bool {
	if !a.Price.Equal(b.Price) {
		return a.Price.GreaterThan(b.Price)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// AskLess orders sells: lowest price first, then earliest time, then id.
func AskLess(a, b *Order) bool {
	if !a.Price.Equal(b.Price) {
		return a.Price.LessThan(b.Price)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// SortBook sorts orders of one side in book priority
func SortBook(orders []Order, orderType OrderType) {
	less := AskLess
	if orderType == OrderTypeBuy {
		less = BidLess
	}
	sort.SliceStable(orders, func(i, j int) bool {
		return less(&orders[i], &orders[j])
	})
}

// SortNewestFirst sorts by creation time descending
func SortNewestFirst(orders []Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID > orders[j].ID
		}
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
}
