// Package valuation computes the unrealized profit/loss of a simulated leveraged
// position. Valuate is pure apart from the natural branch, which draws from the
// injected Source.
package valuation

import (
	"errors"
	"strings"
	"time"

	"lv-tradedesk/internal/model"
	"lv-tradedesk/internal/settings"
	"lv-tradedesk/internal/types"

	"github.com/shopspring/decimal"
)

type Branch string

const (
	BranchForcedLoss   Branch = "forced_loss"
	BranchForcedProfit Branch = "forced_profit"
	BranchGlobalLoss   Branch = "global_loss"
	BranchNatural      Branch = "natural"
)

var (
	forcedRatePerMinute = decimal.RequireFromString("0.05")
	globalRatePerMinute = decimal.RequireFromString("0.02")
	naturalMaxMove      = decimal.RequireFromString("0.0025")

	defaultLossCap   = decimal.NewFromInt(3)
	defaultProfitCap = decimal.NewFromInt(5)

	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
)

var ErrInvalidLeverage = errors.New("invalid leverage")

type Input struct {
	Position       model.Position
	Symbol         *model.Symbol
	ElapsedMinutes decimal.Decimal
	Settings       settings.Settings
	Rand           Source
}

type Result struct {
	Amount     decimal.Decimal
	Percentage decimal.Decimal
	MarkPrice  decimal.Decimal
	Leverage   decimal.Decimal
	Branch     Branch
	// LeverageFallback is set when the stored leverage could not be parsed and 1x was used.
	LeverageFallback bool
}

func Valuate(in Input) Result {
	lev, err := ParseLeverage(in.Position.Leverage)
	res := Result{Leverage: lev}
	if err != nil {
		res.Leverage = one
		res.LeverageFallback = true
	}

	elapsed := in.ElapsedMinutes
	if elapsed.IsNegative() {
		elapsed = decimal.Zero
	}

	outcome := types.OutcomeNone
	if in.Symbol != nil {
		outcome = in.Symbol.Outcome
	}

	switch {
	case outcome == types.OutcomeForceLoss:
		pct := capped(elapsed.Mul(forcedRatePerMinute), capOrDefault(in.Symbol.LossPercentage, defaultLossCap))
		res.Branch = BranchForcedLoss
		res.applyScripted(in.Position, pct.Neg())
	case outcome == types.OutcomeForceProfit:
		pct := capped(elapsed.Mul(forcedRatePerMinute), capOrDefault(in.Symbol.ProfitPercentage, defaultProfitCap))
		res.Branch = BranchForcedProfit
		res.applyScripted(in.Position, pct)
	case in.Settings.GlobalLossEnforced():
		pct := capped(elapsed.Mul(globalRatePerMinute), in.Settings.UserLossPercentage)
		res.Branch = BranchGlobalLoss
		res.applyScripted(in.Position, pct.Neg())
	default:
		res.Branch = BranchNatural
		res.applyNatural(in.Position, in.Rand)
	}
	return res
}

// applyScripted sets the result for a scripted outcome. signedPct is the
// unlevered gain (positive) or loss (negative) in percent.
func (r *Result) applyScripted(p model.Position, signedPct decimal.Decimal) {
	r.Percentage = signedPct.Mul(r.Leverage)
	r.Amount = p.InvestmentAmount.Mul(signedPct).Div(hundred).Mul(r.Leverage)

	priceMove := signedPct.Div(hundred)
	if p.Direction == types.DirectionSell {
		priceMove = priceMove.Neg()
	}
	r.MarkPrice = markPrice(p.EntryPrice, priceMove)
}

func (r *Result) applyNatural(p model.Position, rnd Source) {
	move := decimal.Zero
	if rnd != nil {
		move = decimal.NewFromFloat(rnd.Float64()*2 - 1).Mul(naturalMaxMove).Round(8)
	}
	scaled := move.Mul(r.Leverage)
	if p.Direction == types.DirectionSell {
		scaled = scaled.Neg()
	}
	r.Amount = p.InvestmentAmount.Mul(scaled)
	r.Percentage = scaled.Mul(hundred)
	r.MarkPrice = markPrice(p.EntryPrice, move)
}

// ParseLeverage accepts "5", "5x" or "x5". Anything not strictly positive is rejected.
func ParseLeverage(raw string) (decimal.Decimal, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.TrimSpace(strings.Trim(s, "x"))
	if s == "" {
		return one, ErrInvalidLeverage
	}
	lev, err := decimal.NewFromString(s)
	if err != nil || !lev.IsPositive() {
		return one, ErrInvalidLeverage
	}
	return lev, nil
}

// ElapsedMinutes is the fractional number of minutes a position has been open.
func ElapsedMinutes(openedAt, now time.Time) decimal.Decimal {
	d := now.Sub(openedAt)
	if d <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(d.Minutes())
}

func capped(v, limit decimal.Decimal) decimal.Decimal {
	if limit.IsNegative() {
		limit = decimal.Zero
	}
	return decimal.Min(v, limit)
}

func capOrDefault(v *decimal.Decimal, def decimal.Decimal) decimal.Decimal {
	if v == nil {
		return def
	}
	return *v
}

func markPrice(entry, move decimal.Decimal) decimal.Decimal {
	if entry.IsZero() {
		return entry
	}
	return entry.Mul(one.Add(move)).Round(8)
}
