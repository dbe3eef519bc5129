package model

import (
	"lv-tradedesk/internal/types"

	"github.com/shopspring/decimal"
)

// Trader is a featured "expert trader" whose trades can be copied.
type Trader struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	WinRate  decimal.Decimal `json:"win_rate"`
	IsActive bool            `json:"is_active"`
	Trades   []TraderTrade   `json:"trades"`
}

type TraderTrade struct {
	ID     string          `json:"id"`
	Pair   string          `json:"pair"`
	Action types.Direction `json:"action"`
	Profit decimal.Decimal `json:"profit"`
}

func (t Trader) Trade(id string) (TraderTrade, bool) {
	for _, tr := range t.Trades {
		if tr.ID == id {
			return tr, true
		}
	}
	return TraderTrade{}, false
}
