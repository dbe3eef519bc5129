package model

import (
	"github.com/shopspring/decimal"
)

type Wallet struct {
	UserID  string          `json:"user_id"`
	Deposit decimal.Decimal `json:"deposit"`
	Profit  decimal.Decimal `json:"profit"`
	Trading decimal.Decimal `json:"trading"`
	Total   decimal.Decimal `json:"total"`
}

// Sum is deposit + profit + trading.
func (w Wallet) Sum() decimal.Decimal {
	return w.Deposit.Add(w.Profit).Add(w.Trading)
}

// Balanced reports whether total matches the three balances.
func (w Wallet) Balanced() bool {
	return w.Total.Equal(w.Sum())
}

// Reconcile sets total from the three balances.
func (w *Wallet) Reconcile() {
	w.Total = w.Sum()
}
