package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const envPrefix = "POLYSIGNALS_"

// loadDotEnv loads the given files (".env" when none) into the process
// environment. Missing files are ignored; variables already set win.
func loadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

type envBinding struct {
	key string
	set func(string) error
}

func (c *Config) bindings() []envBinding {
	return []envBinding{
		{"MODE", setString(&c.Mode)},
		{"ENVIRONMENT", setString(&c.Environment)},
		{"LOG_LEVEL", setString(&c.Log.Level)},
		{"SERVER_PORT", setInt(&c.Server.Port)},
		{"SCAN_INTERVAL", setDuration(&c.Scan.Interval)},
		{"SCAN_UNIVERSE", setList(&c.Scan.Universe)},
		{"SCAN_MIN_LIQUIDITY", setFloat(&c.Scan.MinLiquidity)},
		{"SCAN_MAX_OPPORTUNITIES", setInt(&c.Scan.MaxOpportunities)},
		{"WEIGHT_VOLUME", setFloat(&c.Scan.Weights.Volume)},
		{"WEIGHT_LIQUIDITY", setFloat(&c.Scan.Weights.Liquidity)},
		{"WEIGHT_DISLOCATION", setFloat(&c.Scan.Weights.Dislocation)},
		{"SUPPRESSION_FLOOR", setFloat(&c.Signal.SuppressionFloor)},
		{"COLD_START_CONFIDENCE", setFloat(&c.Signal.ColdStartConfidence)},
		{"SIGNAL_HORIZON", setDuration(&c.Signal.Horizon)},
		{"PREMIUM_FLOOR", setFloat(&c.Gate.PremiumFloor)},
		{"PREMIUM_LATENCY", setDuration(&c.Gate.PremiumLatency)},
		{"FREE_LATENCY", setDuration(&c.Gate.FreeLatency)},
		{"CAPITAL", setFloat(&c.Execution.Capital)},
		{"RISK_FRACTION", setFloat(&c.Execution.RiskFraction)},
		{"MAX_EXPOSURE_FRACTION", setFloat(&c.Execution.MaxExposureFraction)},
		{"VENUE_BASE_URL", setString(&c.Venue.BaseURL)},
		{"VENUE_ORDER_URL", setString(&c.Venue.OrderURL)},
		{"VENUE_STREAM_URL", setString(&c.Venue.StreamURL)},
		{"VENUE_API_KEY", setString(&c.Venue.APIKey)},
		{"VENUE_API_SECRET", setString(&c.Venue.APISecret)},
		{"VENUE_API_PASSPHRASE", setString(&c.Venue.APIPassphrase)},
		{"MARKETPLACE_ENABLED", setBool(&c.Marketplace.Enabled)},
		{"MARKETPLACE_JWT_SECRET", setString(&c.Marketplace.JWTSecret)},
		{"KAFKA_BROKERS", setList(&c.Kafka.Brokers)},
		{"LEDGER_BACKEND", setString(&c.Ledger.Backend)},
		{"CLICKHOUSE_HOST", setString(&c.ClickHouse.Host)},
		{"CLICKHOUSE_PASSWORD", setString(&c.ClickHouse.Password)},
		{"REDIS_ENABLED", setBool(&c.Redis.Enabled)},
		{"REDIS_ADDR", setString(&c.Redis.Addr)},
		{"REDIS_PASSWORD", setString(&c.Redis.Password)},
	}
}

func (c *Config) applyEnv() error {
	for _, b := range c.bindings() {
		v, ok := os.LookupEnv(envPrefix + b.key)
		if !ok || v == "" {
			continue
		}
		if err := b.set(v); err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, b.key, err)
		}
	}
	return nil
}

func setString(dst *string) func(string) error {
	return func(v string) error { *dst = v; return nil }
}

func setList(dst *[]string) func(string) error {
	return func(v string) error {
		var out []string
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
		return nil
	}
}

func setInt(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func setFloat(dst *float64) func(string) error {
	return func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*dst = f
		return nil
	}
}

func setBool(dst *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst = b
		return nil
	}
}

func setDuration(dst *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}
}
