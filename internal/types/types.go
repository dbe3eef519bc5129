package types

type Direction string

type PositionStatus string

type PositionSource string

type TransactionType string

type Outcome string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

const (
	PositionStatusOpen   PositionStatus = "open"
	PositionStatusPaused PositionStatus = "paused"
	PositionStatusClosed PositionStatus = "closed"
)

const (
	PositionSourceManual PositionSource = "manual"
	PositionSourceCopy   PositionSource = "copy"
)

const (
	TransactionTypeProfit     TransactionType = "profit"
	TransactionTypeLoss       TransactionType = "loss"
	TransactionTypeDeposit    TransactionType = "deposit"
	TransactionTypeWithdrawal TransactionType = "withdrawal"
	TransactionTypeTransfer   TransactionType = "transfer"
	TransactionTypeTradeOpen  TransactionType = "trade_open"
	TransactionTypeCopyTrade  TransactionType = "copy_trade"
)

const (
	OutcomeNone        Outcome = "none"
	OutcomeForceLoss   Outcome = "force_loss"
	OutcomeForceProfit Outcome = "force_profit"
)

const TransactionStatusCompleted = "completed"

// Active reports whether a position still takes part in revaluation and can be settled.
func (s PositionStatus) Active() bool {
	return s == PositionStatusOpen || s == PositionStatusPaused
}

func (d Direction) Valid() bool {
	return d == DirectionBuy || d == DirectionSell
}
