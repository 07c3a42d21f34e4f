package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Environment string `yaml:"environment" default:"development"`
	Mode        string `yaml:"mode" default:"signals"`

	Log struct {
		Level  string `yaml:"level" default:"info"`
		Format string `yaml:"format" default:"json"`
		Output string `yaml:"output" default:"stdout"`
	} `yaml:"log"`

	Server struct {
		Port            int           `yaml:"port" default:"8080"`
		ReadTimeout     time.Duration `yaml:"read_timeout" default:"10s"`
		WriteTimeout    time.Duration `yaml:"write_timeout" default:"10s"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"15s"`
	} `yaml:"server"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path" default:"/metrics"`
	} `yaml:"metrics"`

	Scan struct {
		Interval         time.Duration `yaml:"interval" default:"5m"`
		Grace            time.Duration `yaml:"grace" default:"30s"`
		Universe         []string      `yaml:"universe"`
		UniverseLimit    int           `yaml:"universe_limit" default:"50"`
		Workers          int           `yaml:"workers" default:"8"`
		MaxOpportunities int           `yaml:"max_opportunities" default:"10"`
		MinScore         float64       `yaml:"min_score"`
		MinLiquidity     float64       `yaml:"min_liquidity" default:"1000"`
		DislocationScale float64       `yaml:"dislocation_scale" default:"0.1"`
		HistoryAlpha     float64       `yaml:"history_alpha" default:"0.2"`
		Weights          Weights       `yaml:"weights"`

		// Upper bound on time to resolution; zero means none. The lower bound
		// is the signal horizon.
		MaxTimeToResolution time.Duration `yaml:"max_time_to_resolution" default:"2160h"`
	} `yaml:"scan"`

	Signal struct {
		Horizon             time.Duration `yaml:"horizon" default:"24h"`
		MinDislocation      float64       `yaml:"min_dislocation" default:"0.02"`
		SuppressionFloor    float64       `yaml:"suppression_floor" default:"0.5"`
		ColdStartConfidence float64       `yaml:"cold_start_confidence" default:"0.55"`
		MinSamples          int           `yaml:"min_samples" default:"30"`
		BandWidth           float64       `yaml:"band_width" default:"10"`
		Shrinkage           float64       `yaml:"shrinkage" default:"5"`
		CalibrationWindow   time.Duration `yaml:"calibration_window" default:"720h"`
		LowRiskLiquidity    float64       `yaml:"low_risk_liquidity" default:"100000"`
		MediumRiskLiquidity float64       `yaml:"medium_risk_liquidity" default:"20000"`
		LowRiskRatio        float64       `yaml:"low_risk_ratio" default:"0.02"`
		MediumRiskRatio     float64       `yaml:"medium_risk_ratio" default:"0.05"`
		TargetOffset        float64       `yaml:"target_offset" default:"0.1"`
		StopOffset          float64       `yaml:"stop_offset" default:"0.05"`
	} `yaml:"signal"`

	Gate struct {
		PremiumFloor   float64       `yaml:"premium_floor" default:"0.6"`
		PremiumLatency time.Duration `yaml:"premium_latency" default:"5m"`
		FreeLatency    time.Duration `yaml:"free_latency" default:"1h"`
		FreeWindow     time.Duration `yaml:"free_window" default:"24h"`
		PublishRetries int           `yaml:"publish_retries" default:"3"`
		BackoffMin     time.Duration `yaml:"backoff_min" default:"200ms"`
		BackoffMax     time.Duration `yaml:"backoff_max" default:"5s"`
		Quotas         struct {
			Free    int `yaml:"free" default:"1"`
			Premium int `yaml:"premium" default:"10"`
			Pro     int `yaml:"pro" default:"-1"` // negative is unlimited
		} `yaml:"quotas"`
		Prices struct {
			Premium float64 `yaml:"premium" default:"3"`
			Pro     float64 `yaml:"pro" default:"10"`
		} `yaml:"prices"`
	} `yaml:"gate"`

	Execution struct {
		Capital             float64       `yaml:"capital" default:"1000"`
		RiskFraction        float64       `yaml:"risk_fraction" default:"0.05"`
		MaxExposureFraction float64       `yaml:"max_exposure_fraction" default:"0.5"`
		MaxDrawdownFraction float64       `yaml:"max_drawdown_fraction" default:"0.1"`
		OrderTimeout        time.Duration `yaml:"order_timeout" default:"10s"`
		ReconcileTimeout    time.Duration `yaml:"reconcile_timeout" default:"10s"`
		ReversalPolicy      string        `yaml:"reversal_policy" default:"close_then_reopen"`
		Multipliers         struct {
			Low    float64 `yaml:"low" default:"1"`
			Medium float64 `yaml:"medium" default:"2"`
			High   float64 `yaml:"high" default:"4"`
		} `yaml:"multipliers"`
	} `yaml:"execution"`

	Ledger struct {
		Backend      string        `yaml:"backend" default:"memory"` // memory | clickhouse
		Table        string        `yaml:"table" default:"ledger_entries"`
		MinMove      float64       `yaml:"min_move" default:"0.01"`
		ResolveGrace time.Duration `yaml:"resolve_grace" default:"6h"`
	} `yaml:"ledger"`

	Venue struct {
		BaseURL         string        `yaml:"base_url" default:"https://gamma-api.polymarket.com"`
		OrderURL        string        `yaml:"order_url"`
		StreamURL       string        `yaml:"stream_url"`
		APIKey          string        `yaml:"api_key"`
		APISecret       string        `yaml:"api_secret"`
		APIPassphrase   string        `yaml:"api_passphrase"`
		Timeout         time.Duration `yaml:"timeout" default:"10s"`
		RateLimit       float64       `yaml:"rate_limit" default:"5"`
		Burst           int           `yaml:"burst" default:"10"`
		RetryMax        int           `yaml:"retry_max" default:"3"`
		BackoffMin      time.Duration `yaml:"backoff_min" default:"200ms"`
		BackoffMax      time.Duration `yaml:"backoff_max" default:"5s"`
		BreakerFailures uint32        `yaml:"breaker_failures" default:"5"`
		BreakerTimeout  time.Duration `yaml:"breaker_timeout" default:"30s"`
		ReconnectDelay  time.Duration `yaml:"reconnect_delay" default:"5s"`
		PingInterval    time.Duration `yaml:"ping_interval" default:"30s"`
	} `yaml:"venue"`

	Marketplace struct {
		Enabled      bool   `yaml:"enabled"`
		TopicPrefix  string `yaml:"topic_prefix" default:"signals"`
		JWTSecret    string `yaml:"jwt_secret"`
		Issuer       string `yaml:"issuer"`
		ServiceName  string `yaml:"service_name" default:"polymarket-signals"`
		ServiceDescr string `yaml:"service_description" default:"Prediction market trading signals"`
	} `yaml:"marketplace"`

	Kafka struct {
		Brokers          []string `yaml:"brokers"`
		RequiredAcks     int      `yaml:"required_acks" default:"-1"`
		Compression      string   `yaml:"compression" default:"snappy"`
		ResolutionsTopic string   `yaml:"resolutions_topic" default:"market.resolutions"`
		Producer         struct {
			MaxAttempts  int           `yaml:"max_attempts" default:"5"`
			Linger       time.Duration `yaml:"linger" default:"10ms"`
			BatchBytes   int           `yaml:"batch_bytes" default:"1048576"`
			BatchSize    int           `yaml:"batch_size" default:"100"`
			WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
			ReadTimeout  time.Duration `yaml:"read_timeout" default:"10s"`
		} `yaml:"producer"`
		Consumer struct {
			GroupID    string        `yaml:"group_id" default:"polysignals"`
			Workers    int           `yaml:"workers" default:"2"`
			BufferSize int           `yaml:"buffer_size" default:"100"`
			RetryMax   int           `yaml:"retry_max" default:"3"`
			BackoffMin time.Duration `yaml:"backoff_min" default:"200ms"`
			BackoffMax time.Duration `yaml:"backoff_max" default:"5s"`
			DLQTopic   string        `yaml:"dlq_topic"`
			MinBytes   int           `yaml:"min_bytes" default:"1"`
			MaxBytes   int           `yaml:"max_bytes" default:"10485760"`
		} `yaml:"consumer"`
	} `yaml:"kafka"`

	ClickHouse struct {
		Host             string        `yaml:"host" default:"localhost"`
		Port             int           `yaml:"port" default:"9000"`
		Database         string        `yaml:"database" default:"polysignals"`
		User             string        `yaml:"user" default:"default"`
		Password         string        `yaml:"password"`
		UseHTTP          bool          `yaml:"use_http"`
		DialTimeout      time.Duration `yaml:"dial_timeout" default:"5s"`
		ReadTimeout      time.Duration `yaml:"read_timeout" default:"30s"`
		WriteTimeout     time.Duration `yaml:"write_timeout" default:"30s"`
		MaxExecutionTime time.Duration `yaml:"max_execution_time" default:"60s"`
	} `yaml:"clickhouse"`

	Redis struct {
		Enabled     bool          `yaml:"enabled"`
		Addr        string        `yaml:"addr" default:"localhost:6379"`
		Password    string        `yaml:"password"`
		DB          int           `yaml:"db"`
		Prefix      string        `yaml:"prefix" default:"polysignals"`
		LockTTL     time.Duration `yaml:"lock_ttl" default:"30s"`
		SnapshotTTL time.Duration `yaml:"snapshot_ttl" default:"1h"`
	} `yaml:"redis"`
}

// Weights are the scanner term weights. They must sum to 1.
type Weights struct {
	Volume      float64 `yaml:"volume"`
	Liquidity   float64 `yaml:"liquidity"`
	Dislocation float64 `yaml:"dislocation"`
}

func (w Weights) Sum() float64 { return w.Volume + w.Liquidity + w.Dislocation }

// WeightTotal is the fixed sum of scanner weights.
const WeightTotal = 1.0

// Default returns a configuration with every default applied.
func Default() *Config {
	var c Config
	c.applyDefaults()
	return &c
}

func (c *Config) applyDefaults() {
	// defaults.Set only fails on malformed tags.
	if err := defaults.Set(c); err != nil {
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	if c.Scan.Weights == (Weights{}) {
		c.Scan.Weights = Weights{Volume: 0.3, Liquidity: 0.3, Dislocation: 0.4}
	}
}

// Load reads and parses a YAML configuration file. An empty path yields the
// defaults.
func Load(path string) (*Config, error) {
	c, err := parse(path)
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

// LoadWithEnv loads the YAML file, then .env files if present, then
// POLYSIGNALS_* environment overrides, then validates.
func LoadWithEnv(path string, envFiles ...string) (*Config, error) {
	c, err := parse(path)
	if err != nil {
		return nil, err
	}
	if err := loadDotEnv(envFiles...); err != nil {
		return nil, err
	}
	if err := c.applyEnv(); err != nil {
		return nil, fmt.Errorf("env override: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

func parse(path string) (*Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	c.applyDefaults()
	return &c, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Mode {
	case "signals", "trading", "integrated", "analyzer", "acp", "bot":
	default:
		return invalid("mode must be signals, trading or integrated, got %q", c.Mode)
	}
	trades := c.Mode == "trading" || c.Mode == "integrated" || c.Mode == "bot"

	if s := c.Scan.Weights.Sum(); math.Abs(s-WeightTotal) > 1e-6 {
		return invalid("scan.weights must sum to %.1f, got %.6f", WeightTotal, s)
	}
	if c.Scan.Weights.Volume < 0 || c.Scan.Weights.Liquidity < 0 || c.Scan.Weights.Dislocation < 0 {
		return invalid("scan.weights must be non-negative")
	}
	if c.Scan.Interval <= 0 {
		return invalid("scan.interval must be positive")
	}
	if c.Scan.MaxOpportunities <= 0 {
		return invalid("scan.max_opportunities must be positive")
	}
	if c.Scan.MinLiquidity < 0 || c.Scan.DislocationScale <= 0 {
		return invalid("scan.min_liquidity must be >= 0 and scan.dislocation_scale > 0")
	}
	if c.Scan.HistoryAlpha <= 0 || c.Scan.HistoryAlpha > 1 {
		return invalid("scan.history_alpha must be in (0,1]")
	}
	if c.Scan.MaxTimeToResolution < 0 ||
		(c.Scan.MaxTimeToResolution > 0 && c.Scan.MaxTimeToResolution < c.Signal.Horizon) {
		return invalid("scan.max_time_to_resolution must be zero or at least signal.horizon")
	}

	if !unit(c.Signal.SuppressionFloor) || !unit(c.Signal.ColdStartConfidence) {
		return invalid("signal confidence settings must be in [0,1]")
	}
	if c.Signal.ColdStartConfidence < c.Signal.SuppressionFloor {
		return invalid("signal.cold_start_confidence %.2f is below suppression_floor %.2f",
			c.Signal.ColdStartConfidence, c.Signal.SuppressionFloor)
	}
	if c.Signal.Horizon <= 0 || c.Signal.BandWidth <= 0 || c.Signal.MinSamples < 0 {
		return invalid("signal.horizon and signal.band_width must be positive")
	}

	if !unit(c.Gate.PremiumFloor) || c.Gate.PremiumFloor < c.Signal.SuppressionFloor {
		return invalid("gate.premium_floor must be in [suppression_floor,1]")
	}
	if c.Gate.PremiumLatency < 0 || c.Gate.FreeLatency < c.Gate.PremiumLatency {
		return invalid("gate latencies must satisfy 0 <= premium_latency <= free_latency")
	}
	if c.Gate.FreeWindow <= 0 {
		return invalid("gate.free_window must be positive")
	}

	if c.Execution.RiskFraction <= 0 || c.Execution.RiskFraction > 1 {
		return invalid("execution.risk_fraction must be in (0,1], got %v", c.Execution.RiskFraction)
	}
	if c.Execution.MaxExposureFraction <= 0 || c.Execution.MaxExposureFraction > 1 {
		return invalid("execution.max_exposure_fraction must be in (0,1]")
	}
	if c.Execution.Capital <= 0 {
		return invalid("execution.capital must be positive")
	}
	m := c.Execution.Multipliers
	if m.Low < 1 || m.Medium < m.Low || m.High < m.Medium {
		return invalid("execution.multipliers must satisfy 1 <= low <= medium <= high")
	}
	switch c.Execution.ReversalPolicy {
	case "close_then_reopen", "close_only", "ignore":
	default:
		return invalid("execution.reversal_policy %q unknown", c.Execution.ReversalPolicy)
	}
	if c.Execution.OrderTimeout <= 0 || c.Execution.ReconcileTimeout <= 0 {
		return invalid("execution timeouts must be positive")
	}

	switch c.Ledger.Backend {
	case "memory", "clickhouse":
	default:
		return invalid("ledger.backend must be memory or clickhouse, got %q", c.Ledger.Backend)
	}

	if c.Venue.BaseURL == "" {
		return invalid("venue.base_url is required")
	}
	if trades && (c.Venue.APIKey == "" || c.Venue.APISecret == "") {
		return invalid("venue.api_key and venue.api_secret are required in %s mode", c.Mode)
	}
	if c.Marketplace.Enabled {
		if c.Marketplace.JWTSecret == "" {
			return invalid("marketplace.jwt_secret is required when marketplace is enabled")
		}
		if len(c.Kafka.Brokers) == 0 {
			return invalid("kafka.brokers is required when marketplace is enabled")
		}
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

func unit(v float64) bool { return v >= 0 && v <= 1 }

// MaskSecret keeps the first and last two characters.
func MaskSecret(s string) string {
	if len(s) <= 6 {
		return strings.Repeat("*", len(s))
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}
