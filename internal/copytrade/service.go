// Package copytrade replicates an expert trader's template trade into a new
// position for the requesting user.
package copytrade

import (
	"context"
	"errors"
	"fmt"

	"lv-tradedesk/internal/metrics"
	"lv-tradedesk/internal/model"
	"lv-tradedesk/internal/positions"
	"lv-tradedesk/internal/settings"
	"lv-tradedesk/internal/store"
	"lv-tradedesk/internal/types"
	"lv-tradedesk/internal/valuation"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const copyLeverage = "5x"

var (
	stopLossRatio   = decimal.RequireFromString("0.95")
	takeProfitRatio = decimal.RequireFromString("1.10")
)

var (
	ErrCopyTradingDisabled = errors.New("copy trading is disabled")
	ErrBelowMinimum        = errors.New("amount is below the copy-trade minimum")
	ErrInsufficientBalance = positions.ErrInsufficientBalance
	ErrTraderNotFound      = errors.New("trader not found")
	ErrTraderInactive      = errors.New("trader is not active")
	ErrTradeNotFound       = errors.New("trade not found for trader")
	ErrNoActiveSymbols     = errors.New("no active symbols available")
)

// Opener is the position-opening path shared with manual trades.
type Opener interface {
	Open(ctx context.Context, req positions.OpenRequest) (model.Position, error)
}

type Service struct {
	store     store.Store
	settings  *settings.Reader
	positions Opener
	rnd       valuation.Source
	logger    zerolog.Logger
}

func NewService(st store.Store, reader *settings.Reader, opener Opener, rnd valuation.Source, logger zerolog.Logger) *Service {
	if rnd == nil {
		rnd = valuation.NewRandSource(0)
	}
	return &Service{
		store:     st,
		settings:  reader,
		positions: opener,
		rnd:       rnd,
		logger:    logger.With().Str("component", "copytrade").Logger(),
	}
}

type Request struct {
	UserID   string
	TraderID string
	TradeID  string
	Amount   decimal.Decimal
}

// Copy validates every precondition before anything is written, then opens a
// 5x position on a random active symbol with a -5%/+10% bracket around entry.
func (s *Service) Copy(ctx context.Context, req Request) (model.Position, error) {
	cfg := s.settings.LoadCopyTrade(ctx)
	if !cfg.Enabled {
		return model.Position{}, s.reject("disabled", ErrCopyTradingDisabled)
	}
	if req.Amount.LessThan(cfg.MinAmount) || !req.Amount.IsPositive() {
		return model.Position{}, s.reject("below_minimum", fmt.Errorf("%w of %s", ErrBelowMinimum, cfg.MinAmount))
	}

	wallet, err := s.store.GetWallet(ctx, req.UserID)
	if err != nil {
		return model.Position{}, fmt.Errorf("load wallet: %w", err)
	}
	if req.Amount.GreaterThan(wallet.Trading) {
		return model.Position{}, s.reject("insufficient_balance", ErrInsufficientBalance)
	}

	trader, err := s.store.GetTrader(ctx, req.TraderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.Position{}, s.reject("trader_not_found", ErrTraderNotFound)
		}
		return model.Position{}, fmt.Errorf("load trader: %w", err)
	}
	if !trader.IsActive {
		return model.Position{}, s.reject("trader_inactive", ErrTraderInactive)
	}
	trade, ok := trader.Trade(req.TradeID)
	if !ok {
		return model.Position{}, s.reject("trade_not_found", ErrTradeNotFound)
	}
	if !trade.Action.Valid() {
		return model.Position{}, fmt.Errorf("trade %s has invalid action %q", trade.ID, trade.Action)
	}

	sym, err := s.pickSymbol(ctx)
	if err != nil {
		return model.Position{}, err
	}

	sl, tp := stopLossRatio, takeProfitRatio
	traderID := trader.ID
	pos, err := s.positions.Open(ctx, positions.OpenRequest{
		UserID:          req.UserID,
		SymbolID:        sym.ID,
		Direction:       trade.Action,
		Amount:          req.Amount,
		Leverage:        copyLeverage,
		StopLossRatio:   &sl,
		TakeProfitRatio: &tp,
		Source:          types.PositionSourceCopy,
		TraderID:        &traderID,
		Description:     fmt.Sprintf("Copy trade: %s %s %s", trader.Name, trade.Action, trade.Pair),
	})
	if err != nil {
		return model.Position{}, err
	}
	s.logger.Info().Str("user_id", req.UserID).Str("trader_id", trader.ID).Str("trade_id", trade.ID).
		Str("position_id", pos.ID).Str("symbol_id", sym.ID).Msg("trade copied")
	return pos, nil
}

// ActiveTraders lists traders that can currently be copied.
func (s *Service) ActiveTraders(ctx context.Context) ([]model.Trader, error) {
	all, err := s.store.ListTraders(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.Trader, 0, len(all))
	for _, t := range all {
		if t.IsActive {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Service) Settings(ctx context.Context) settings.CopyTradeSettings {
	return s.settings.LoadCopyTrade(ctx)
}

func (s *Service) pickSymbol(ctx context.Context) (model.Symbol, error) {
	symbols, err := s.store.ListSymbols(ctx)
	if err != nil {
		return model.Symbol{}, fmt.Errorf("list symbols: %w", err)
	}
	active := make([]model.Symbol, 0, len(symbols))
	for _, sym := range symbols {
		if sym.IsActive && sym.CurrentPrice.IsPositive() {
			active = append(active, sym)
		}
	}
	if len(active) == 0 {
		return model.Symbol{}, ErrNoActiveSymbols
	}
	return active[s.rnd.Intn(len(active))], nil
}

func (s *Service) reject(reason string, err error) error {
	metrics.CopyTradeRejections.WithLabelValues(reason).Inc()
	return err
}
