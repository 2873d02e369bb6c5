package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, contents string) string {
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	start, end, err := cfg.Backtest.Range()
	require.NoError(t, err)
	require.True(t, end.After(start))

	offset, err := cfg.Settlement.TimeOfDayOffset()
	require.NoError(t, err)
	require.Equal(t, 16*time.Hour, offset)
}

func TestLoad(t *testing.T) {
	t.Run("empty path yields defaults", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)
		require.Equal(t, Default().Settlement, cfg.Settlement)
	})

	t.Run("yaml overrides defaults", func(t *testing.T) {
		path := writeFile(t, "config.yaml", `
mode: backtest
settlement:
  model: immediate
margin:
  model: disabled
rate_gate:
  min_wait: 250ms
cache:
  ttl: 2s
backtest:
  start: "2024-01-02T14:30:00Z"
  end: "2024-01-05"
  step: 1h
account:
  currency: EUR
  rates:
    USD: 0.92
  funds:
    - id: a
      name: Alpha
      starting_cash: 500
      positions:
        - symbol: SAP
          quantity: 10
          margin_in_use: 100
`)

		cfg, err := Load(path)
		require.NoError(t, err)

		require.Equal(t, "immediate", cfg.Settlement.Model)
		require.Equal(t, "disabled", cfg.Margin.Model)
		require.Equal(t, 250*time.Millisecond, cfg.RateGate.MinWait)
		require.Equal(t, 2*time.Second, cfg.Cache.TTL)
		require.Equal(t, time.Hour, cfg.Backtest.Step)
		require.Equal(t, "EUR", cfg.Account.Currency)
		require.Equal(t, 0.92, cfg.Account.Rates["USD"])
		require.Len(t, cfg.Account.Funds, 1)
		require.Len(t, cfg.Account.Funds[0].Positions, 1)

		start, end, err := cfg.Backtest.Range()
		require.NoError(t, err)
		require.Equal(t, time.Date(2024, time.January, 2, 14, 30, 0, 0, time.UTC), start)
		require.Equal(t, time.Date(2024, time.January, 5, 0, 0, 0, 0, time.UTC), end)

		// untouched sections keep their defaults
		require.Equal(t, "America/New_York", cfg.Exchange.Timezone)
	})

	t.Run("environment overrides the file", func(t *testing.T) {
		t.Setenv("TRADECORE_SETTLEMENT_MODEL", "immediate")
		t.Setenv("TRADECORE_LOG_LEVEL", "debug")

		cfg, err := Load(writeFile(t, "config.yaml", "settlement:\n  model: delayed\n"))
		require.NoError(t, err)
		require.Equal(t, "immediate", cfg.Settlement.Model)
		require.Equal(t, "debug", cfg.LogLevel)
	})

	t.Run("invalid file is rejected", func(t *testing.T) {
		_, err := Load(writeFile(t, "config.yaml", "settlement:\n  model: delayed\n  days_delayed: 0\n"))
		require.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		require.Error(t, err)
	})
}

func TestLoadEnv(t *testing.T) {
	t.Run("missing file is ignored", func(t *testing.T) {
		require.NoError(t, LoadEnv(filepath.Join(t.TempDir(), ".env")))
		require.NoError(t, LoadEnv(""))
	})

	t.Run("variables feed the overrides", func(t *testing.T) {
		t.Setenv("TRADECORE_MARGIN_MODEL", "")
		require.NoError(t, os.Unsetenv("TRADECORE_MARGIN_MODEL"))

		require.NoError(t, LoadEnv(writeFile(t, ".env", "TRADECORE_MARGIN_MODEL=disabled\n")))

		cfg, err := Load("")
		require.NoError(t, err)
		require.Equal(t, "disabled", cfg.Margin.Model)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
	}{
		{"unknown mode", func(c *Config) { c.Mode = "paper" }},
		{"unknown log format", func(c *Config) { c.LogFormat = "xml" }},
		{"bad timezone", func(c *Config) { c.Exchange.Timezone = "Mars/Olympus" }},
		{"close before open", func(c *Config) { c.Exchange.MarketClose = "09:00" }},
		{"bad holiday", func(c *Config) { c.Exchange.Holidays = []string{"July 4th"} }},
		{"unknown settlement model", func(c *Config) { c.Settlement.Model = "weekly" }},
		{"non-positive delay", func(c *Config) { c.Settlement.DaysDelayed = 0 }},
		{"bad settlement time", func(c *Config) { c.Settlement.TimeOfDay = "4pm" }},
		{"unknown margin model", func(c *Config) { c.Margin.Model = "strict" }},
		{"free margin ratio out of range", func(c *Config) { c.Margin.FreeMarginRatio = 1 }},
		{"negative min wait", func(c *Config) { c.RateGate.MinWait = -time.Second }},
		{"zero cache ttl", func(c *Config) { c.Cache.TTL = 0 }},
		{"end before start", func(c *Config) { c.Backtest.End = "2024-01-01" }},
		{"zero step", func(c *Config) { c.Backtest.Step = 0 }},
		{"missing currency", func(c *Config) { c.Account.Currency = "" }},
		{"duplicate fund", func(c *Config) {
			c.Account.Funds = append(c.Account.Funds, FundConfig{ID: c.Account.Funds[0].ID})
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.modify(cfg)
			require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}

	t.Run("immediate settlement ignores delay settings", func(t *testing.T) {
		cfg := Default()
		cfg.Settlement.Model = "immediate"
		cfg.Settlement.DaysDelayed = 0
		require.NoError(t, cfg.Validate())
	})

	t.Run("live mode ignores the backtest range", func(t *testing.T) {
		cfg := Default()
		cfg.Mode = "live"
		cfg.Backtest = BacktestConfig{}
		require.NoError(t, cfg.Validate())
	})
}
