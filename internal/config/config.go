package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// MemoryDSN selects the in-process store instead of Postgres.
const MemoryDSN = "memory"

type Config struct {
	HTTPAddr            string
	DBDSN               string
	JWTIssuer           string
	JWTSecret           string
	JWTTTL              time.Duration
	WebSocketOrigin     string
	RedisURL            string
	TraderCacheTTL      time.Duration
	LogLevel            string
	LogPretty           bool
	RevaluationInterval time.Duration
	RandomSeed          int64
}

func (c Config) UseMemoryStore() bool {
	return strings.EqualFold(c.DBDSN, MemoryDSN)
}

func Load() (Config, error) {
	var c Config
	var missing []string
	required := func(key string) string {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}
	c.HTTPAddr = required("HTTP_ADDR")
	c.DBDSN = required("DB_DSN")
	c.JWTIssuer = required("JWT_ISSUER")
	c.JWTSecret = required("JWT_SECRET")
	if raw := required("JWT_TTL"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return c, fmt.Errorf("invalid JWT_TTL %q", raw)
		}
		c.JWTTTL = d
	}
	c.WebSocketOrigin = required("WS_ORIGIN")

	c.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	c.LogLevel = strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL")))
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	var err error
	if c.LogPretty, err = boolEnv("LOG_PRETTY", false); err != nil {
		return c, err
	}
	if c.RevaluationInterval, err = durationEnv("REVALUATION_INTERVAL", 15*time.Second); err != nil {
		return c, err
	}
	if c.TraderCacheTTL, err = durationEnv("TRADER_CACHE_TTL", time.Minute); err != nil {
		return c, err
	}
	if raw := strings.TrimSpace(os.Getenv("RANDOM_SEED")); raw != "" {
		seed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return c, fmt.Errorf("invalid RANDOM_SEED %q", raw)
		}
		c.RandomSeed = seed
	}

	if len(missing) > 0 {
		return c, errors.New("missing required env: " + strings.Join(missing, ","))
	}
	return c, nil
}

func boolEnv(key string, def bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return def, fmt.Errorf("invalid %s %q", key, raw)
	}
	return b, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def, fmt.Errorf("invalid %s %q", key, raw)
	}
	return d, nil
}
