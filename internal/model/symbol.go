package model

import (
	"lv-tradedesk/internal/types"

	"github.com/shopspring/decimal"
)

// Symbol is the read-only outcome-control view of a tradable instrument.
type Symbol struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	CurrentPrice     decimal.Decimal  `json:"current_price"`
	IsActive         bool             `json:"is_active"`
	Outcome          types.Outcome    `json:"admin_controlled_outcome"`
	LossPercentage   *decimal.Decimal `json:"loss_percentage,omitempty"`
	ProfitPercentage *decimal.Decimal `json:"profit_percentage,omitempty"`
}
