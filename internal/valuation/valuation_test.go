package valuation

import (
	"testing"
	"time"

	"lv-tradedesk/internal/model"
	"lv-tradedesk/internal/settings"
	"lv-tradedesk/internal/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedSource struct {
	floats []float64
	next   int
}

func (s *fixedSource) Float64() float64 {
	v := s.floats[s.next%len(s.floats)]
	s.next++
	return v
}

func (s *fixedSource) Intn(n int) int { return 0 }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ptr[T any](v T) *T { return &v }

func buyPosition(leverage string) model.Position {
	return model.Position{
		ID:               "pos-1",
		UserID:           "user-1",
		Direction:        types.DirectionBuy,
		InvestmentAmount: dec("1000"),
		Leverage:         leverage,
		EntryPrice:       dec("100"),
		Status:           types.PositionStatusOpen,
	}
}

func naturalSettings() settings.Settings {
	s := settings.Defaults()
	s.GlobalLossControl = false
	return s
}

func TestValuate_ForcedLossScenario(t *testing.T) {
	sym := &model.Symbol{ID: "btc", Outcome: types.OutcomeForceLoss, LossPercentage: ptr(dec("3"))}

	res := Valuate(Input{
		Position:       buyPosition("5x"),
		Symbol:         sym,
		ElapsedMinutes: dec("120"),
		Settings:       settings.Defaults(),
	})

	assert.Equal(t, BranchForcedLoss, res.Branch)
	assert.True(t, res.Amount.Equal(dec("-150")), "amount %s", res.Amount)
	assert.True(t, res.Percentage.Equal(dec("-15")), "percentage %s", res.Percentage)
	assert.True(t, res.MarkPrice.Equal(dec("97")), "mark %s", res.MarkPrice)
	assert.False(t, res.LeverageFallback)
}

func TestValuate_ForcedLossMonotonicUntilCap(t *testing.T) {
	sym := &model.Symbol{Outcome: types.OutcomeForceLoss, LossPercentage: ptr(dec("3"))}
	prev := decimal.Zero
	for minute := 0; minute <= 200; minute += 5 {
		res := Valuate(Input{Position: buyPosition("2"), Symbol: sym, ElapsedMinutes: decimal.NewFromInt(int64(minute))})
		require.False(t, res.Percentage.IsPositive(), "minute %d", minute)
		abs := res.Percentage.Abs()
		require.True(t, abs.GreaterThanOrEqual(prev), "minute %d: %s < %s", minute, abs, prev)
		require.True(t, abs.LessThanOrEqual(dec("6")), "minute %d exceeds cap", minute)
		prev = abs
	}
	assert.True(t, prev.Equal(dec("6")))
}

func TestValuate_ForcedLossDefaultCap(t *testing.T) {
	sym := &model.Symbol{Outcome: types.OutcomeForceLoss}
	res := Valuate(Input{Position: buyPosition("1"), Symbol: sym, ElapsedMinutes: dec("1000")})
	assert.True(t, res.Percentage.Equal(dec("-3")))
	assert.True(t, res.Amount.Equal(dec("-30")))
}

func TestValuate_ForcedProfitMonotonicUntilCap(t *testing.T) {
	sym := &model.Symbol{Outcome: types.OutcomeForceProfit}
	prev := decimal.Zero
	for minute := 0; minute <= 300; minute += 10 {
		res := Valuate(Input{Position: buyPosition("10"), Symbol: sym, ElapsedMinutes: decimal.NewFromInt(int64(minute)), Settings: settings.Defaults()})
		require.Equal(t, BranchForcedProfit, res.Branch)
		require.False(t, res.Percentage.IsNegative())
		require.True(t, res.Percentage.GreaterThanOrEqual(prev))
		prev = res.Percentage
	}
	// default profit cap is 5%, scaled by 10x
	assert.True(t, prev.Equal(dec("50")))
}

func TestValuate_ForcedProfitOnShortMovesPriceDown(t *testing.T) {
	p := buyPosition("1")
	p.Direction = types.DirectionSell
	sym := &model.Symbol{Outcome: types.OutcomeForceProfit, ProfitPercentage: ptr(dec("2"))}

	res := Valuate(Input{Position: p, Symbol: sym, ElapsedMinutes: dec("60")})

	assert.True(t, res.Amount.Equal(dec("20")))
	assert.True(t, res.MarkPrice.Equal(dec("98")))
}

func TestValuate_SymbolOverrideBeatsGlobalLoss(t *testing.T) {
	sym := &model.Symbol{Outcome: types.OutcomeForceProfit}
	res := Valuate(Input{Position: buyPosition("1"), Symbol: sym, ElapsedMinutes: dec("10"), Settings: settings.Defaults()})
	assert.Equal(t, BranchForcedProfit, res.Branch)
	assert.True(t, res.Amount.IsPositive())
}

func TestValuate_GlobalLossBounded(t *testing.T) {
	cfg := settings.Defaults()
	cfg.UserLossPercentage = dec("4")
	for _, lev := range []string{"1", "5x", "20"} {
		for minute := 0; minute <= 400; minute += 20 {
			res := Valuate(Input{Position: buyPosition(lev), Symbol: &model.Symbol{Outcome: types.OutcomeNone}, ElapsedMinutes: decimal.NewFromInt(int64(minute)), Settings: cfg})
			require.Equal(t, BranchGlobalLoss, res.Branch)
			require.False(t, res.Percentage.IsPositive())
			bound := cfg.UserLossPercentage.Mul(res.Leverage)
			require.True(t, res.Percentage.Abs().LessThanOrEqual(bound), "lev %s minute %d", lev, minute)
		}
	}
}

func TestValuate_GlobalLossRate(t *testing.T) {
	res := Valuate(Input{Position: buyPosition("1"), ElapsedMinutes: dec("50"), Settings: settings.Defaults()})
	// 50 minutes * 0.02 = 1%
	assert.True(t, res.Percentage.Equal(dec("-1")))
	assert.True(t, res.Amount.Equal(dec("-10")))
}

func TestValuate_GlobalLossNeedsBothFlags(t *testing.T) {
	cfg := settings.Defaults()
	cfg.EnforceUserLossPercentage = false
	res := Valuate(Input{Position: buyPosition("1"), ElapsedMinutes: dec("50"), Settings: cfg, Rand: &fixedSource{floats: []float64{0.5}}})
	assert.Equal(t, BranchNatural, res.Branch)
}

func TestValuate_NaturalBuyAndSell(t *testing.T) {
	// 0.75 maps to a +0.125% move
	buy := Valuate(Input{Position: buyPosition("4"), Settings: naturalSettings(), Rand: &fixedSource{floats: []float64{0.75}}})
	assert.Equal(t, BranchNatural, buy.Branch)
	assert.True(t, buy.Percentage.Equal(dec("0.5")), "buy pct %s", buy.Percentage)
	assert.True(t, buy.Amount.Equal(dec("5")), "buy amount %s", buy.Amount)
	assert.True(t, buy.MarkPrice.Equal(dec("100.125")))

	sell := buyPosition("4")
	sell.Direction = types.DirectionSell
	res := Valuate(Input{Position: sell, Settings: naturalSettings(), Rand: &fixedSource{floats: []float64{0.75}}})
	assert.True(t, res.Percentage.Equal(dec("-0.5")))
	assert.True(t, res.Amount.Equal(dec("-5")))
}

func TestValuate_NaturalMoveIsBounded(t *testing.T) {
	src := &fixedSource{floats: []float64{0, 0.1, 0.3, 0.5, 0.9, 0.999999}}
	for i := 0; i < 6; i++ {
		res := Valuate(Input{Position: buyPosition("1"), Settings: naturalSettings(), Rand: src})
		require.True(t, res.Percentage.Abs().LessThanOrEqual(dec("0.25")), "pct %s", res.Percentage)
	}
}

func TestValuate_BadLeverageFallsBackToOne(t *testing.T) {
	sym := &model.Symbol{Outcome: types.OutcomeForceLoss}
	res := Valuate(Input{Position: buyPosition("lots"), Symbol: sym, ElapsedMinutes: dec("120")})
	assert.True(t, res.LeverageFallback)
	assert.True(t, res.Leverage.Equal(decimal.NewFromInt(1)))
	assert.True(t, res.Percentage.Equal(dec("-3")))
}

func TestParseLeverage(t *testing.T) {
	cases := []struct {
		raw  string
		want string
		ok   bool
	}{
		{"5", "5", true},
		{"5x", "5", true},
		{" 10X ", "10", true},
		{"x20", "20", true},
		{"2.5", "2.5", true},
		{"", "1", false},
		{"0", "1", false},
		{"-3", "1", false},
		{"abc", "1", false},
	}
	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			got, err := ParseLeverage(tc.raw)
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, ErrInvalidLeverage)
			}
			assert.True(t, got.Equal(dec(tc.want)), "got %s", got)
		})
	}
}

func TestElapsedMinutes(t *testing.T) {
	opened := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	assert.True(t, ElapsedMinutes(opened, opened.Add(90*time.Second)).Equal(dec("1.5")))
	assert.True(t, ElapsedMinutes(opened, opened.Add(-time.Minute)).IsZero())
}
