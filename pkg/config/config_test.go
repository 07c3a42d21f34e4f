package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadAppliesDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "signals", c.Mode)
	assert.Equal(t, 5*time.Minute, c.Scan.Interval)
	assert.Equal(t, Weights{Volume: 0.3, Liquidity: 0.3, Dislocation: 0.4}, c.Scan.Weights)
	assert.Equal(t, 24*time.Hour, c.Gate.FreeWindow)
	assert.Equal(t, "memory", c.Ledger.Backend)
	assert.Equal(t, -1, c.Gate.Quotas.Pro)
	assert.Equal(t, 90*24*time.Hour, c.Scan.MaxTimeToResolution)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	p := writeFile(t, "cfg.yaml", `
mode: integrated
scan:
  interval: 2m
  weights: {volume: 0.2, liquidity: 0.2, dislocation: 0.6}
venue:
  api_key: key
  api_secret: secret
`)
	c, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "integrated", c.Mode)
	assert.Equal(t, 2*time.Minute, c.Scan.Interval)
	assert.InDelta(t, 0.6, c.Scan.Weights.Dislocation, 1e-9)
	assert.Equal(t, 10*time.Second, c.Execution.OrderTimeout)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(c *Config){
		"weights":          func(c *Config) { c.Scan.Weights = Weights{Volume: 0.5, Liquidity: 0.5, Dislocation: 0.5} },
		"risk fraction":    func(c *Config) { c.Execution.RiskFraction = 1.5 },
		"zero fraction":    func(c *Config) { c.Execution.RiskFraction = 0 },
		"latency order":    func(c *Config) { c.Gate.FreeLatency = time.Minute; c.Gate.PremiumLatency = time.Hour },
		"cold start":       func(c *Config) { c.Signal.ColdStartConfidence = 0.4 },
		"mode":             func(c *Config) { c.Mode = "yolo" },
		"trading no creds": func(c *Config) { c.Mode = "trading" },
		"marketplace":      func(c *Config) { c.Marketplace.Enabled = true },
		"ledger backend":   func(c *Config) { c.Ledger.Backend = "postgres" },
		"resolution span":  func(c *Config) { c.Scan.MaxTimeToResolution = time.Hour },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := Default()
			mutate(c)
			err := c.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid), "want ErrInvalid, got %v", err)
		})
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	envFile := writeFile(t, "test.env", "POLYSIGNALS_VENUE_API_KEY=from-dotenv\n")
	t.Setenv("POLYSIGNALS_MODE", "integrated")
	t.Setenv("POLYSIGNALS_VENUE_API_SECRET", "s3cret")
	t.Setenv("POLYSIGNALS_SCAN_UNIVERSE", "m1, m2,,m3")
	t.Setenv("POLYSIGNALS_RISK_FRACTION", "0.1")
	t.Cleanup(func() { _ = os.Unsetenv("POLYSIGNALS_VENUE_API_KEY") })

	c, err := LoadWithEnv("", envFile)
	require.NoError(t, err)
	assert.Equal(t, "integrated", c.Mode)
	assert.Equal(t, "from-dotenv", c.Venue.APIKey)
	assert.Equal(t, []string{"m1", "m2", "m3"}, c.Scan.Universe)
	assert.InDelta(t, 0.1, c.Execution.RiskFraction, 1e-9)
}

func TestLoadWithEnvBadNumber(t *testing.T) {
	t.Setenv("POLYSIGNALS_CAPITAL", "lots")
	_, err := LoadWithEnv("", filepath.Join(t.TempDir(), "missing.env"))
	require.Error(t, err)
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "ab****yz", MaskSecret("abcdefyz"))
	assert.Equal(t, "***", MaskSecret("abc"))
}
