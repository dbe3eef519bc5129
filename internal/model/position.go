package model

import (
	"time"

	"lv-tradedesk/internal/types"

	"github.com/shopspring/decimal"
)

type Position struct {
	ID                   string               `json:"id"`
	UserID               string               `json:"user_id"`
	SymbolID             string               `json:"symbol_id"`
	Direction            types.Direction      `json:"direction"`
	InvestmentAmount     decimal.Decimal      `json:"investment_amount"`
	Leverage             string               `json:"leverage"`
	EntryPrice           decimal.Decimal      `json:"entry_price"`
	CurrentPrice         decimal.Decimal      `json:"current_price"`
	ProfitLossAmount     decimal.Decimal      `json:"profit_loss_amount"`
	ProfitLossPercentage decimal.Decimal      `json:"profit_loss_percentage"`
	Status               types.PositionStatus `json:"status"`
	Source               types.PositionSource `json:"source"`
	TraderID             *string              `json:"trader_id,omitempty"`
	StopLoss             *decimal.Decimal     `json:"stop_loss,omitempty"`
	TakeProfit           *decimal.Decimal     `json:"take_profit,omitempty"`
	OpenedAt             time.Time            `json:"opened_at"`
	ClosedAt             *time.Time           `json:"closed_at,omitempty"`
}

// PnLUpdate is one revaluation result waiting to be written back.
type PnLUpdate struct {
	PositionID string
	Amount     decimal.Decimal
	Percentage decimal.Decimal
	MarkPrice  decimal.Decimal
}
