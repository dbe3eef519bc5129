package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"lv-tradedesk/internal/model"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const tradersKey = "tradedesk:traders"

// Cached wraps a primary Store with a redis read-through cache for expert
// trader templates. Everything else, including settings and positions, is
// served by the primary store directly. Cached templates go stale for at most
// one ttl. Redis failures fall back to the primary store.
type Cached struct {
	Store
	rdb *redis.Client
	ttl time.Duration
	log zerolog.Logger
}

func NewCached(primary Store, rdb *redis.Client, ttl time.Duration, log zerolog.Logger) *Cached {
	return &Cached{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
		log:   log.With().Str("component", "store_cache").Logger(),
	}
}

func (c *Cached) ListTraders(ctx context.Context) ([]model.Trader, error) {
	data, err := c.rdb.Get(ctx, tradersKey).Bytes()
	if err == nil {
		var traders []model.Trader
		if json.Unmarshal(data, &traders) == nil {
			return traders, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		c.log.Warn().Err(err).Msg("trader cache read failed")
	}

	traders, err := c.Store.ListTraders(ctx)
	if err != nil {
		return nil, err
	}
	c.set(ctx, tradersKey, traders)
	return traders, nil
}

func (c *Cached) GetTrader(ctx context.Context, id string) (model.Trader, error) {
	data, err := c.rdb.Get(ctx, traderKey(id)).Bytes()
	if err == nil {
		var t model.Trader
		if json.Unmarshal(data, &t) == nil {
			return t, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		c.log.Warn().Err(err).Str("trader_id", id).Msg("trader cache read failed")
	}

	t, err := c.Store.GetTrader(ctx, id)
	if err != nil {
		return model.Trader{}, err
	}
	c.set(ctx, traderKey(id), t)
	return t, nil
}

func (c *Cached) set(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("trader cache write failed")
	}
}

func traderKey(id string) string { return fmt.Sprintf("tradedesk:trader:%s", id) }
