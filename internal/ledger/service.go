package ledger

import (
	"context"
	"fmt"

	"lv-tradedesk/internal/ledger/chain"
	"lv-tradedesk/internal/model"

	"github.com/rs/zerolog"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Reader is the read side of the store the ledger exposes.
type Reader interface {
	GetWallet(ctx context.Context, userID string) (model.Wallet, error)
	ListTransactions(ctx context.Context, userID string, limit int) ([]model.Transaction, error)
	TransactionChain(ctx context.Context) ([]model.Transaction, error)
}

type Service struct {
	store  Reader
	logger zerolog.Logger
}

func NewService(st Reader, logger zerolog.Logger) *Service {
	return &Service{store: st, logger: logger.With().Str("component", "ledger").Logger()}
}

func (s *Service) Wallet(ctx context.Context, userID string) (model.Wallet, error) {
	w, err := s.store.GetWallet(ctx, userID)
	if err != nil {
		return model.Wallet{}, err
	}
	if !w.Balanced() {
		s.logger.Warn().Str("user_id", userID).Str("total", w.Total.String()).Str("sum", w.Sum().String()).
			Msg("wallet total does not match its parts")
	}
	return w, nil
}

// Transactions returns the newest entries first. limit is clamped to (0, 500].
func (s *Service) Transactions(ctx context.Context, userID string, limit int) ([]model.Transaction, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return s.store.ListTransactions(ctx, userID, limit)
}

// VerifyChain checks the full history and returns how many rows it covered.
func (s *Service) VerifyChain(ctx context.Context) (int, error) {
	txs, err := s.store.TransactionChain(ctx)
	if err != nil {
		return 0, fmt.Errorf("load transaction chain: %w", err)
	}
	if err := chain.Verify(txs); err != nil {
		return len(txs), err
	}
	return len(txs), nil
}
