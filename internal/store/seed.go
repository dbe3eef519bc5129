package store

import (
	"lv-tradedesk/internal/model"
	"lv-tradedesk/internal/settings"
	"lv-tradedesk/internal/types"

	"github.com/shopspring/decimal"
)

// SeedDemo loads the same reference data as migrations/002_seed.sql.
func SeedDemo(m *Memory) {
	for key, value := range map[string]string{
		settings.KeyGlobalLossControl:         "true",
		settings.KeyEnforceUserLossPercentage: "true",
		settings.KeyUserLossPercentage:        "3",
		settings.KeyCopyTradingEnabled:        "true",
		settings.KeyCopyTradeMinAmount:        "100",
	} {
		m.PutSetting(key, value)
	}

	for _, s := range []struct{ id, name, price string }{
		{"btcusdt", "BTC/USDT", "64250.00"},
		{"ethusdt", "ETH/USDT", "3120.50"},
		{"eurusd", "EUR/USD", "1.0845"},
		{"xauusd", "XAU/USD", "2365.10"},
	} {
		m.PutSymbol(model.Symbol{
			ID:           s.id,
			Name:         s.name,
			CurrentPrice: decimal.RequireFromString(s.price),
			IsActive:     true,
			Outcome:      types.OutcomeNone,
		})
	}

	m.PutTrader(model.Trader{
		ID: "6a1d0a8e-3f51-4c2b-9a4e-1c0f2d7b5e01", Name: "Atlas Capital", WinRate: decimal.RequireFromString("87.50"), IsActive: true,
		Trades: []model.TraderTrade{
			{ID: "e1c9f0a2-1b3d-4e5f-8a7b-000000000001", Pair: "BTC/USDT", Action: types.DirectionBuy, Profit: decimal.RequireFromString("420.00")},
			{ID: "e1c9f0a2-1b3d-4e5f-8a7b-000000000002", Pair: "ETH/USDT", Action: types.DirectionSell, Profit: decimal.RequireFromString("135.75")},
		},
	})
	m.PutTrader(model.Trader{
		ID: "b3f47c2d-8e19-4a6f-bc02-5d9e1a3f7c02", Name: "Northwind FX", WinRate: decimal.RequireFromString("79.20"), IsActive: true,
		Trades: []model.TraderTrade{
			{ID: "e1c9f0a2-1b3d-4e5f-8a7b-000000000003", Pair: "EUR/USD", Action: types.DirectionBuy, Profit: decimal.RequireFromString("88.10")},
		},
	})
}
