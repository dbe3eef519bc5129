package model

import (
	"time"

	"lv-tradedesk/internal/types"

	"github.com/shopspring/decimal"
)

type Transaction struct {
	ID          string                `json:"id"`
	Sequence    int64                 `json:"sequence"`
	UserID      string                `json:"user_id"`
	Type        types.TransactionType `json:"type"`
	Amount      decimal.Decimal       `json:"amount"`
	Status      string                `json:"status"`
	Description string                `json:"description"`
	Reference   string                `json:"reference,omitempty"`
	Hash        string                `json:"hash,omitempty"`
	PrevHash    string                `json:"prev_hash,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
}
