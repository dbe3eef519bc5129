package positions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"lv-tradedesk/internal/events"
	"lv-tradedesk/internal/metrics"
	"lv-tradedesk/internal/model"
	"lv-tradedesk/internal/store"
	"lv-tradedesk/internal/types"
	"lv-tradedesk/internal/valuation"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound            = errors.New("position not found")
	ErrNotOwner            = errors.New("position belongs to another user")
	ErrPositionClosed      = errors.New("position already closed")
	ErrNotOpen             = errors.New("position is not open")
	ErrNotPaused           = errors.New("position is not paused")
	ErrInsufficientBalance = errors.New("insufficient trading balance")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInvalidDirection    = errors.New("direction must be BUY or SELL")
	ErrInvalidLeverage     = errors.New("invalid leverage")
	ErrSymbolUnavailable   = errors.New("symbol not available for trading")
	ErrInvalidScope        = errors.New("invalid close scope; allowed: all, profit, loss")
)

type Publisher interface {
	Publish(evt events.Event)
}

type Service struct {
	store  store.Store
	bus    Publisher
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(st store.Store, bus Publisher, logger zerolog.Logger) *Service {
	return &Service{
		store:  st,
		bus:    bus,
		logger: logger.With().Str("component", "positions").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

type OpenRequest struct {
	UserID     string
	SymbolID   string
	Direction  types.Direction
	Amount     decimal.Decimal
	Leverage   string
	StopLoss   *decimal.Decimal
	TakeProfit *decimal.Decimal
	Source     types.PositionSource
	TraderID   *string
	// EntryPrice overrides the symbol's current price when set.
	EntryPrice *decimal.Decimal
	// Brackets derive stop loss and take profit from the entry price when set.
	StopLossRatio   *decimal.Decimal
	TakeProfitRatio *decimal.Decimal
	Description     string
}

// Open debits the investment from the trading balance and creates the
// position in one transaction.
func (s *Service) Open(ctx context.Context, req OpenRequest) (model.Position, error) {
	if !req.Amount.IsPositive() {
		return model.Position{}, ErrInvalidAmount
	}
	if !req.Direction.Valid() {
		return model.Position{}, ErrInvalidDirection
	}
	lev := strings.TrimSpace(req.Leverage)
	if lev == "" {
		lev = "1x"
	}
	if _, err := valuation.ParseLeverage(lev); err != nil {
		return model.Position{}, ErrInvalidLeverage
	}
	if req.Source == "" {
		req.Source = types.PositionSourceManual
	}

	var pos model.Position
	var wallet model.Wallet
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		sym, err := tx.GetSymbol(ctx, req.SymbolID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrSymbolUnavailable
			}
			return fmt.Errorf("load symbol: %w", err)
		}
		entry := sym.CurrentPrice
		if req.EntryPrice != nil {
			entry = *req.EntryPrice
		}
		if !sym.IsActive || !entry.IsPositive() {
			return ErrSymbolUnavailable
		}

		wallet, err = tx.WalletForUpdate(ctx, req.UserID)
		if err != nil {
			return fmt.Errorf("lock wallet: %w", err)
		}
		if req.Amount.GreaterThan(wallet.Trading) {
			return ErrInsufficientBalance
		}
		wallet.Trading = wallet.Trading.Sub(req.Amount)
		wallet.Reconcile()
		if err := tx.UpdateWallet(ctx, wallet); err != nil {
			return fmt.Errorf("debit wallet: %w", err)
		}

		pos = model.Position{
			UserID:           req.UserID,
			SymbolID:         sym.ID,
			Direction:        req.Direction,
			InvestmentAmount: req.Amount,
			Leverage:         lev,
			EntryPrice:       entry,
			CurrentPrice:     entry,
			Status:           types.PositionStatusOpen,
			Source:           req.Source,
			TraderID:         req.TraderID,
			StopLoss:         req.StopLoss,
			TakeProfit:       req.TakeProfit,
			OpenedAt:         s.now(),
		}
		if req.StopLossRatio != nil {
			sl := entry.Mul(*req.StopLossRatio).Round(8)
			pos.StopLoss = &sl
		}
		if req.TakeProfitRatio != nil {
			tp := entry.Mul(*req.TakeProfitRatio).Round(8)
			pos.TakeProfit = &tp
		}
		if err := tx.InsertPosition(ctx, &pos); err != nil {
			return fmt.Errorf("insert position: %w", err)
		}

		txType := types.TransactionTypeTradeOpen
		if req.Source == types.PositionSourceCopy {
			txType = types.TransactionTypeCopyTrade
		}
		desc := req.Description
		if desc == "" {
			desc = fmt.Sprintf("%s %s %s", req.Direction, sym.Name, lev)
		}
		if err := tx.AppendTransaction(ctx, &model.Transaction{
			UserID:      req.UserID,
			Type:        txType,
			Amount:      req.Amount,
			Description: desc,
			Reference:   pos.ID,
		}); err != nil {
			return fmt.Errorf("append transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.Position{}, err
	}

	metrics.PositionsOpened.WithLabelValues(string(pos.Source)).Inc()
	s.logger.Info().Str("position_id", pos.ID).Str("user_id", pos.UserID).Str("symbol_id", pos.SymbolID).
		Str("amount", pos.InvestmentAmount.String()).Str("source", string(pos.Source)).Msg("position opened")
	s.publish(events.Event{Type: events.TypeWallet, UserID: req.UserID, Data: wallet})
	return pos, nil
}

// Settlement is the outcome of closing a position.
type Settlement struct {
	Position    model.Position    `json:"position"`
	PnL         decimal.Decimal   `json:"pnl"`
	TotalReturn decimal.Decimal   `json:"total_return"`
	FinalReturn decimal.Decimal   `json:"final_return"`
	Transaction model.Transaction `json:"transaction"`
	Wallet      model.Wallet      `json:"wallet"`
}

// Close settles an open or paused position at its last revalued P&L. The
// return, floored at zero, is credited to the trading balance and a profit or
// loss transaction is recorded. Nothing is written unless every step succeeds.
func (s *Service) Close(ctx context.Context, userID, positionID string) (Settlement, error) {
	var out Settlement
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		pos, err := tx.PositionForUpdate(ctx, positionID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("lock position: %w", err)
		}
		if pos.UserID != userID {
			return ErrNotOwner
		}
		if !pos.Status.Active() {
			return ErrPositionClosed
		}

		pnl := pos.ProfitLossAmount
		totalReturn := pos.InvestmentAmount.Add(pnl)
		finalReturn := decimal.Max(decimal.Zero, totalReturn)

		closedAt := s.now()
		if err := tx.UpdatePositionStatus(ctx, pos.ID, types.PositionStatusClosed, &closedAt); err != nil {
			return fmt.Errorf("mark position closed: %w", err)
		}
		pos.Status = types.PositionStatusClosed
		pos.ClosedAt = &closedAt

		wallet, err := tx.WalletForUpdate(ctx, pos.UserID)
		if err != nil {
			return fmt.Errorf("lock wallet: %w", err)
		}
		wallet.Trading = wallet.Trading.Add(finalReturn)
		wallet.Reconcile()
		if err := tx.UpdateWallet(ctx, wallet); err != nil {
			return fmt.Errorf("credit wallet: %w", err)
		}

		entry := model.Transaction{
			UserID:      pos.UserID,
			Type:        types.TransactionTypeProfit,
			Amount:      pnl.Abs(),
			Description: "Position closed with profit",
			Reference:   pos.ID,
		}
		if pnl.IsNegative() {
			entry.Type = types.TransactionTypeLoss
			entry.Description = "Position closed with loss"
		}
		if err := tx.AppendTransaction(ctx, &entry); err != nil {
			return fmt.Errorf("append transaction: %w", err)
		}

		out = Settlement{
			Position:    pos,
			PnL:         pnl,
			TotalReturn: totalReturn,
			FinalReturn: finalReturn,
			Transaction: entry,
			Wallet:      wallet,
		}
		return nil
	})
	if err != nil {
		if !isPrecondition(err) {
			s.logger.Error().Err(err).Str("position_id", positionID).Str("user_id", userID).Msg("settlement failed")
		}
		return Settlement{}, err
	}

	metrics.Settlements.WithLabelValues(string(out.Transaction.Type)).Inc()
	s.logger.Info().Str("position_id", positionID).Str("user_id", userID).
		Str("pnl", out.PnL.String()).Str("final_return", out.FinalReturn.String()).Msg("position settled")
	s.publish(events.Event{Type: events.TypeSettlement, UserID: userID, Data: out})
	return out, nil
}

func (s *Service) Pause(ctx context.Context, userID, positionID string) (model.Position, error) {
	return s.transition(ctx, userID, positionID, types.PositionStatusOpen, types.PositionStatusPaused, ErrNotOpen)
}

func (s *Service) Resume(ctx context.Context, userID, positionID string) (model.Position, error) {
	return s.transition(ctx, userID, positionID, types.PositionStatusPaused, types.PositionStatusOpen, ErrNotPaused)
}

func (s *Service) transition(ctx context.Context, userID, positionID string, from, to types.PositionStatus, wrongState error) (model.Position, error) {
	var pos model.Position
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		pos, err = tx.PositionForUpdate(ctx, positionID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("lock position: %w", err)
		}
		if pos.UserID != userID {
			return ErrNotOwner
		}
		if pos.Status == types.PositionStatusClosed {
			return ErrPositionClosed
		}
		if pos.Status != from {
			return wrongState
		}
		if err := tx.UpdatePositionStatus(ctx, pos.ID, to, nil); err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		pos.Status = to
		return nil
	})
	if err != nil {
		return model.Position{}, err
	}
	s.logger.Info().Str("position_id", pos.ID).Str("status", string(to)).Msg("position status changed")
	s.publish(events.Event{Type: events.TypePositions, UserID: userID, Data: []model.Position{pos}})
	return pos, nil
}

type CloseScopeResult struct {
	Scope  string `json:"scope"`
	Total  int    `json:"total"`
	Closed int    `json:"closed"`
	Failed int    `json:"failed"`
}

// CloseByScope settles every active position of the user, or only the ones
// currently in profit or in loss. Each position settles independently.
func (s *Service) CloseByScope(ctx context.Context, userID, scope string) (CloseScopeResult, error) {
	normalized := strings.ToLower(strings.TrimSpace(scope))
	if normalized == "" {
		normalized = "all"
	}
	if normalized != "all" && normalized != "profit" && normalized != "loss" {
		return CloseScopeResult{}, ErrInvalidScope
	}
	list, err := s.List(ctx, userID, "")
	if err != nil {
		return CloseScopeResult{}, err
	}

	res := CloseScopeResult{Scope: normalized}
	for _, p := range list {
		if !p.Status.Active() {
			continue
		}
		switch {
		case normalized == "profit" && !p.ProfitLossAmount.IsPositive():
			continue
		case normalized == "loss" && !p.ProfitLossAmount.IsNegative():
			continue
		}
		res.Total++
		if _, err := s.Close(ctx, userID, p.ID); err != nil {
			res.Failed++
			continue
		}
		res.Closed++
	}
	return res, nil
}

func (s *Service) List(ctx context.Context, userID string, status types.PositionStatus) ([]model.Position, error) {
	return s.store.ListPositionsByUser(ctx, userID, status)
}

func (s *Service) Get(ctx context.Context, userID, positionID string) (model.Position, error) {
	pos, err := s.store.GetPosition(ctx, positionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.Position{}, ErrNotFound
		}
		return model.Position{}, err
	}
	if pos.UserID != userID {
		return model.Position{}, ErrNotFound
	}
	return pos, nil
}

func (s *Service) publish(evt events.Event) {
	if s.bus != nil {
		s.bus.Publish(evt)
	}
}

func isPrecondition(err error) bool {
	for _, target := range []error{ErrNotFound, ErrNotOwner, ErrPositionClosed} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
