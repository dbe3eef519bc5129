package settings

import (
	"context"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	KeyGlobalLossControl         = "global_loss_control"
	KeyEnforceUserLossPercentage = "enforce_user_loss_percentage"
	KeyUserLossPercentage        = "user_loss_percentage"
	KeyCopyTradingEnabled        = "copy_trading_enabled"
	KeyCopyTradeMinAmount        = "copy_trade_min_amount"
)

// Settings is the outcome-control configuration read on every revaluation tick.
type Settings struct {
	GlobalLossControl         bool            `json:"global_loss_control"`
	EnforceUserLossPercentage bool            `json:"enforce_user_loss_percentage"`
	UserLossPercentage        decimal.Decimal `json:"user_loss_percentage"`
}

// GlobalLossEnforced reports whether every position without a symbol override trends to a loss.
func (s Settings) GlobalLossEnforced() bool {
	return s.GlobalLossControl && s.EnforceUserLossPercentage
}

type CopyTradeSettings struct {
	Enabled   bool            `json:"enabled"`
	MinAmount decimal.Decimal `json:"min_amount"`
}

func Defaults() Settings {
	return Settings{
		GlobalLossControl:         true,
		EnforceUserLossPercentage: true,
		UserLossPercentage:        decimal.NewFromInt(3),
	}
}

func CopyTradeDefaults() CopyTradeSettings {
	return CopyTradeSettings{Enabled: true, MinAmount: decimal.NewFromInt(100)}
}

// Source returns raw values for the requested keys. Keys without a row are
// simply absent from the map.
type Source interface {
	SettingValues(ctx context.Context, keys []string) (map[string]string, error)
}

type Reader struct {
	src    Source
	logger zerolog.Logger
}

func NewReader(src Source, logger zerolog.Logger) *Reader {
	return &Reader{src: src, logger: logger.With().Str("component", "settings").Logger()}
}

// Load never fails: store errors yield the defaults, bad values fall back per key.
func (r *Reader) Load(ctx context.Context) Settings {
	out := Defaults()
	raw, err := r.src.SettingValues(ctx, []string{KeyGlobalLossControl, KeyEnforceUserLossPercentage, KeyUserLossPercentage})
	if err != nil {
		r.logger.Warn().Err(err).Msg("outcome settings unavailable, using defaults")
		return out
	}
	out.GlobalLossControl = r.boolValue(raw, KeyGlobalLossControl, out.GlobalLossControl)
	out.EnforceUserLossPercentage = r.boolValue(raw, KeyEnforceUserLossPercentage, out.EnforceUserLossPercentage)
	out.UserLossPercentage = r.decimalValue(raw, KeyUserLossPercentage, out.UserLossPercentage)
	return out
}

func (r *Reader) LoadCopyTrade(ctx context.Context) CopyTradeSettings {
	out := CopyTradeDefaults()
	raw, err := r.src.SettingValues(ctx, []string{KeyCopyTradingEnabled, KeyCopyTradeMinAmount})
	if err != nil {
		r.logger.Warn().Err(err).Msg("copy-trade settings unavailable, using defaults")
		return out
	}
	out.Enabled = r.boolValue(raw, KeyCopyTradingEnabled, out.Enabled)
	out.MinAmount = r.decimalValue(raw, KeyCopyTradeMinAmount, out.MinAmount)
	return out
}

func (r *Reader) boolValue(raw map[string]string, key string, def bool) bool {
	v, ok := raw[key]
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(unquote(v))
	if err != nil {
		r.logger.Warn().Str("key", key).Str("value", v).Msg("invalid boolean setting, using default")
		return def
	}
	return b
}

func (r *Reader) decimalValue(raw map[string]string, key string, def decimal.Decimal) decimal.Decimal {
	v, ok := raw[key]
	if !ok {
		return def
	}
	d, err := decimal.NewFromString(unquote(v))
	if err != nil || d.IsNegative() {
		r.logger.Warn().Str("key", key).Str("value", v).Msg("invalid numeric setting, using default")
		return def
	}
	return d
}

// Values written by the admin panel are JSON encoded, so strings may arrive quoted.
func unquote(v string) string {
	return strings.Trim(strings.TrimSpace(v), `"`)
}
