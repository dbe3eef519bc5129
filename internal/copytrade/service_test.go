package copytrade

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"lv-tradedesk/internal/events"
	"lv-tradedesk/internal/model"
	"lv-tradedesk/internal/positions"
	"lv-tradedesk/internal/settings"
	"lv-tradedesk/internal/store"
	"lv-tradedesk/internal/types"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// pickFirst always selects index 0.
type pickFirst struct{}

func (pickFirst) Float64() float64 { return 0 }
func (pickFirst) Intn(int) int     { return 0 }

type fixture struct {
	store  *store.Memory
	svc    *Service
	userID string
}

func newFixture(t *testing.T, trading string) fixture {
	t.Helper()
	mem := store.NewMemory()
	mem.PutSymbol(model.Symbol{ID: "btcusdt", Name: "BTC/USDT", CurrentPrice: dec("100"), IsActive: true, Outcome: types.OutcomeNone})
	mem.PutSymbol(model.Symbol{ID: "halted", Name: "HALT/USD", CurrentPrice: dec("5"), IsActive: false, Outcome: types.OutcomeNone})
	mem.PutTrader(model.Trader{
		ID: "t-1", Name: "Ada", WinRate: dec("78.5"), IsActive: true,
		Trades: []model.TraderTrade{{ID: "tr-1", Pair: "BTC/USDT", Action: types.DirectionSell, Profit: dec("12.5")}},
	})
	mem.PutTrader(model.Trader{ID: "t-2", Name: "Idle", IsActive: false,
		Trades: []model.TraderTrade{{ID: "tr-2", Pair: "ETH/USDT", Action: types.DirectionBuy}}})
	uid := mem.SeedUser("user-1", "copy@example.com", model.Wallet{Trading: dec(trading), Total: dec(trading)})

	log := zerolog.Nop()
	opener := positions.NewService(mem, events.NewBus(), log)
	svc := NewService(mem, settings.NewReader(mem, log), opener, pickFirst{}, log)
	return fixture{store: mem, svc: svc, userID: uid}
}

func (f fixture) wallet(t *testing.T) model.Wallet {
	t.Helper()
	w, err := f.store.GetWallet(context.Background(), f.userID)
	require.NoError(t, err)
	return w
}

func TestCopy_OpensBracketedPosition(t *testing.T) {
	f := newFixture(t, "1000")

	pos, err := f.svc.Copy(context.Background(), Request{UserID: f.userID, TraderID: "t-1", TradeID: "tr-1", Amount: dec("250")})
	require.NoError(t, err)

	assert.Equal(t, "btcusdt", pos.SymbolID)
	assert.Equal(t, types.DirectionSell, pos.Direction)
	assert.Equal(t, "5x", pos.Leverage)
	assert.Equal(t, types.PositionSourceCopy, pos.Source)
	require.NotNil(t, pos.TraderID)
	assert.Equal(t, "t-1", *pos.TraderID)
	require.NotNil(t, pos.StopLoss)
	require.NotNil(t, pos.TakeProfit)
	assert.True(t, dec("95").Equal(*pos.StopLoss), pos.StopLoss.String())
	assert.True(t, dec("110").Equal(*pos.TakeProfit), pos.TakeProfit.String())

	w := f.wallet(t)
	assert.True(t, dec("750").Equal(w.Trading), w.Trading.String())
	assert.True(t, w.Balanced())

	txs, err := f.store.ListTransactions(context.Background(), f.userID, 10)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, types.TransactionTypeCopyTrade, txs[0].Type)
	assert.Equal(t, pos.ID, txs[0].Reference)
}

func TestCopy_RejectsBeforeWriting(t *testing.T) {
	cases := map[string]struct {
		req     Request
		setup   func(*store.Memory)
		wantErr error
	}{
		"below minimum": {
			req:     Request{TraderID: "t-1", TradeID: "tr-1", Amount: dec("99.99")},
			wantErr: ErrBelowMinimum,
		},
		"raised minimum": {
			req:     Request{TraderID: "t-1", TradeID: "tr-1", Amount: dec("150")},
			setup:   func(m *store.Memory) { m.PutSetting(settings.KeyCopyTradeMinAmount, "200") },
			wantErr: ErrBelowMinimum,
		},
		"disabled": {
			req:     Request{TraderID: "t-1", TradeID: "tr-1", Amount: dec("150")},
			setup:   func(m *store.Memory) { m.PutSetting(settings.KeyCopyTradingEnabled, "false") },
			wantErr: ErrCopyTradingDisabled,
		},
		"over balance": {
			req:     Request{TraderID: "t-1", TradeID: "tr-1", Amount: dec("1000.01")},
			wantErr: ErrInsufficientBalance,
		},
		"unknown trader": {
			req:     Request{TraderID: "nobody", TradeID: "tr-1", Amount: dec("150")},
			wantErr: ErrTraderNotFound,
		},
		"inactive trader": {
			req:     Request{TraderID: "t-2", TradeID: "tr-2", Amount: dec("150")},
			wantErr: ErrTraderInactive,
		},
		"unknown trade": {
			req:     Request{TraderID: "t-1", TradeID: "tr-9", Amount: dec("150")},
			wantErr: ErrTradeNotFound,
		},
		"no active symbols": {
			req:     Request{TraderID: "t-1", TradeID: "tr-1", Amount: dec("150")},
			setup:   func(m *store.Memory) { m.PutSymbol(model.Symbol{ID: "btcusdt", CurrentPrice: dec("100"), IsActive: false}) },
			wantErr: ErrNoActiveSymbols,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, "1000")
			if tc.setup != nil {
				tc.setup(f.store)
			}
			tc.req.UserID = f.userID

			_, err := f.svc.Copy(context.Background(), tc.req)
			require.ErrorIs(t, err, tc.wantErr)

			w := f.wallet(t)
			assert.True(t, dec("1000").Equal(w.Trading))
			open, err := f.store.ListPositionsByUser(context.Background(), f.userID, "")
			require.NoError(t, err)
			assert.Empty(t, open)
			txs, err := f.store.ListTransactions(context.Background(), f.userID, 10)
			require.NoError(t, err)
			assert.Empty(t, txs)
		})
	}
}

func TestActiveTraders_FiltersInactive(t *testing.T) {
	f := newFixture(t, "0")
	list, err := f.svc.ActiveTraders(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "t-1", list[0].ID)
}

func TestHandler_CopyAndTraders(t *testing.T) {
	f := newFixture(t, "1000")
	h := NewHandler(f.svc)

	rec := httptest.NewRecorder()
	h.Traders(rec, httptest.NewRequest(http.MethodGet, "/v1/traders", nil), f.userID)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed tradersResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.True(t, listed.Enabled)
	assert.True(t, dec("100").Equal(listed.MinAmount))
	assert.Len(t, listed.Traders, 1)

	body := `{"trader_id":"t-1","trade_id":"tr-1","amount":"300"}`
	rec = httptest.NewRecorder()
	h.Copy(rec, httptest.NewRequest(http.MethodPost, "/v1/copy-trades", strings.NewReader(body)), f.userID)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = httptest.NewRecorder()
	h.Copy(rec, httptest.NewRequest(http.MethodPost, "/v1/copy-trades", strings.NewReader(`{"trader_id":"t-1","trade_id":"tr-1","amount":"10"}`)), f.userID)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.Copy(rec, httptest.NewRequest(http.MethodPost, "/v1/copy-trades", strings.NewReader(`{"trader_id":"ghost","trade_id":"tr-1","amount":"150"}`)), f.userID)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.store.PutSetting(settings.KeyCopyTradingEnabled, "false")
	rec = httptest.NewRecorder()
	h.Copy(rec, httptest.NewRequest(http.MethodPost, "/v1/copy-trades", strings.NewReader(body)), f.userID)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
