// Package store defines the persistence boundary of the position engine.
// Postgres is the source of truth, Memory backs tests and local runs, and
// Cached adds a redis read-through layer for expert-trader templates.
package store

import (
	"context"
	"errors"
	"time"

	"lv-tradedesk/internal/model"
	"lv-tradedesk/internal/types"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)

type Store interface {
	// InTx runs fn inside one serializable unit of work. Any error from fn
	// rolls back every write made through the Tx.
	InTx(ctx context.Context, fn func(Tx) error) error

	CreateUser(ctx context.Context, email, passwordHash string) (string, error)
	UserCredentials(ctx context.Context, email string) (userID, passwordHash string, err error)
	GetUser(ctx context.Context, userID string) (model.User, error)
	GetWallet(ctx context.Context, userID string) (model.Wallet, error)
	ListTransactions(ctx context.Context, userID string, limit int) ([]model.Transaction, error)
	// TransactionChain returns every transaction in chain order.
	TransactionChain(ctx context.Context) ([]model.Transaction, error)

	GetPosition(ctx context.Context, id string) (model.Position, error)
	// ListPositionsByUser returns every position of the user when status is empty.
	ListPositionsByUser(ctx context.Context, userID string, status types.PositionStatus) ([]model.Position, error)
	// ListActivePositions returns all open and paused positions.
	ListActivePositions(ctx context.Context) ([]model.Position, error)
	// UpdatePositionPnL writes revaluation output. It only touches positions that
	// are still open and reports whether a row was updated.
	UpdatePositionPnL(ctx context.Context, u model.PnLUpdate) (bool, error)

	GetSymbol(ctx context.Context, id string) (model.Symbol, error)
	ListSymbols(ctx context.Context) ([]model.Symbol, error)

	ListTraders(ctx context.Context) ([]model.Trader, error)
	GetTrader(ctx context.Context, id string) (model.Trader, error)

	SettingValues(ctx context.Context, keys []string) (map[string]string, error)
}

// Tx is the set of writes that must commit together.
type Tx interface {
	PositionForUpdate(ctx context.Context, id string) (model.Position, error)
	InsertPosition(ctx context.Context, p *model.Position) error
	UpdatePositionStatus(ctx context.Context, id string, status types.PositionStatus, closedAt *time.Time) error
	WalletForUpdate(ctx context.Context, userID string) (model.Wallet, error)
	UpdateWallet(ctx context.Context, w model.Wallet) error
	AppendTransaction(ctx context.Context, t *model.Transaction) error
	GetSymbol(ctx context.Context, id string) (model.Symbol, error)
}
