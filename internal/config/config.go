package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Config struct {
	HTTPAddr        string
	DBDSN           string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	JWTSecret       string
	WebSocketOrigin string
	LogLevel        string
	Env             string

	// Pricing
	LocalCacheTTL    time.Duration
	SharedCacheTTL   time.Duration
	NegativeCacheTTL time.Duration
	SnapshotMaxAge   time.Duration
	StaleAfter       time.Duration
	AdapterTimeout   time.Duration
	BatchSize        int
	BatchDelay       time.Duration
	BaseAssetSymbol  string
	BasePriceFloor   decimal.Decimal

	// Trading
	TakerFeeRate   decimal.Decimal
	PriorityFee    decimal.Decimal
	LeaseTTL       time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration

	// Portfolio
	PortfolioWindow time.Duration
}

func Load() (Config, error) {
	var c Config
	var missing []string

	c.HTTPAddr = os.Getenv("HTTP_ADDR")
	if c.HTTPAddr == "" {
		missing = append(missing, "HTTP_ADDR")
	}
	c.DBDSN = os.Getenv("DB_DSN")
	if c.DBDSN == "" {
		missing = append(missing, "DB_DSN")
	}
	c.RedisAddr = os.Getenv("REDIS_ADDR")
	if c.RedisAddr == "" {
		missing = append(missing, "REDIS_ADDR")
	}
	c.RedisPassword = os.Getenv("REDIS_PASSWORD")
	if raw := os.Getenv("REDIS_DB"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return c, errors.New("invalid REDIS_DB")
		}
		c.RedisDB = n
	}
	c.JWTSecret = os.Getenv("JWT_SECRET")
	if c.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	c.WebSocketOrigin = os.Getenv("WS_ORIGIN")

	c.LogLevel = envDefault("LOG_LEVEL", "info")
	c.Env = strings.ToLower(envDefault("APP_ENV", "development"))
	if c.Env != "development" && c.Env != "production" {
		return c, errors.New("invalid APP_ENV: use development or production")
	}

	var err error
	if c.LocalCacheTTL, err = durationDefault("PRICE_LOCAL_TTL", 10*time.Second); err != nil {
		return c, err
	}
	if c.SharedCacheTTL, err = durationDefault("PRICE_SHARED_TTL", 30*time.Second); err != nil {
		return c, err
	}
	if c.NegativeCacheTTL, err = durationDefault("PRICE_NEGATIVE_TTL", time.Minute); err != nil {
		return c, err
	}
	if c.SnapshotMaxAge, err = durationDefault("PRICE_SNAPSHOT_MAX_AGE", 5*time.Minute); err != nil {
		return c, err
	}
	if c.StaleAfter, err = durationDefault("PRICE_STALE_AFTER", 5*time.Minute); err != nil {
		return c, err
	}
	if c.AdapterTimeout, err = durationDefault("PRICE_ADAPTER_TIMEOUT", 4*time.Second); err != nil {
		return c, err
	}
	if c.BatchDelay, err = durationDefault("PRICE_BATCH_DELAY", 200*time.Millisecond); err != nil {
		return c, err
	}
	c.BatchSize = 50
	if raw := os.Getenv("PRICE_BATCH_SIZE"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return c, errors.New("invalid PRICE_BATCH_SIZE")
		}
		c.BatchSize = n
	}
	c.BaseAssetSymbol = envDefault("BASE_ASSET_SYMBOL", "SOL")
	if c.BasePriceFloor, err = decimalDefault("BASE_PRICE_FLOOR", "100"); err != nil {
		return c, err
	}

	if c.TakerFeeRate, err = decimalDefault("TAKER_FEE_RATE", "0.0025"); err != nil {
		return c, err
	}
	if c.PriorityFee, err = decimalDefault("PRIORITY_FEE", "0"); err != nil {
		return c, err
	}
	if c.LeaseTTL, err = durationDefault("TRADE_LEASE_TTL", 5*time.Second); err != nil {
		return c, err
	}
	c.RetryAttempts = 3
	if raw := os.Getenv("PRICE_RETRY_ATTEMPTS"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return c, errors.New("invalid PRICE_RETRY_ATTEMPTS")
		}
		c.RetryAttempts = n
	}
	if c.RetryBaseDelay, err = durationDefault("PRICE_RETRY_BASE_DELAY", 200*time.Millisecond); err != nil {
		return c, err
	}
	if c.PortfolioWindow, err = durationDefault("PORTFOLIO_WINDOW", 3*time.Second); err != nil {
		return c, err
	}

	if len(missing) > 0 {
		return c, errors.New("missing required env: " + strings.Join(missing, ","))
	}
	return c, nil
}

// LocalCacheLife is the bigcache life window. Negative entries live in the
// same cache as positive ones and usually outlast them, so the window covers
// whichever TTL is longer.
func (c Config) LocalCacheLife() time.Duration {
	if c.NegativeCacheTTL > c.LocalCacheTTL {
		return c.NegativeCacheTTL
	}
	return c.LocalCacheTTL
}

func envDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func durationDefault(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, errors.New("invalid " + key)
	}
	return d, nil
}

func decimalDefault(key, def string) (decimal.Decimal, error) {
	raw := os.Getenv(key)
	if raw == "" {
		raw = def
	}
	d, err := decimal.NewFromString(raw)
	if err != nil || d.IsNegative() {
		return decimal.Zero, errors.New("invalid " + key)
	}
	return d, nil
}
