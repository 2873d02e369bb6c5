package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jiaming2012/tradecore/src/clock"
	"github.com/jiaming2012/tradecore/src/exchange"
	"github.com/jiaming2012/tradecore/src/logger"
	"github.com/jiaming2012/tradecore/src/margin"
	"github.com/jiaming2012/tradecore/src/settlement"
)

const envPrefix = "TRADECORE_"

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Mode       string           `yaml:"mode"`
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Settlement SettlementConfig `yaml:"settlement"`
	Margin     MarginConfig     `yaml:"margin"`
	RateGate   RateGateConfig   `yaml:"rate_gate"`
	Cache      CacheConfig      `yaml:"cache"`
	Backtest   BacktestConfig   `yaml:"backtest"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Account    AccountConfig    `yaml:"account"`
}

type ExchangeConfig struct {
	Name        string   `yaml:"name"`
	Timezone    string   `yaml:"timezone"`
	MarketOpen  string   `yaml:"market_open"`
	MarketClose string   `yaml:"market_close"`
	Holidays    []string `yaml:"holidays"`
	CalendarCSV string   `yaml:"calendar_csv"`
}

type SettlementConfig struct {
	Model       string `yaml:"model"`
	DaysDelayed int    `yaml:"days_delayed"`
	TimeOfDay   string `yaml:"time_of_day"`
}

type MarginConfig struct {
	Model           string  `yaml:"model"`
	FreeMarginRatio float64 `yaml:"free_margin_ratio"`
	MarginCallLevel float64 `yaml:"margin_call_level"`
}

type RateGateConfig struct {
	MinWait time.Duration `yaml:"min_wait"`
}

type CacheConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

type BacktestConfig struct {
	Start string        `yaml:"start"`
	End   string        `yaml:"end"`
	Step  time.Duration `yaml:"step"`
}

type TelemetryConfig struct {
	Endpoint    string `yaml:"endpoint"`
	URLPath     string `yaml:"url_path"`
	User        string `yaml:"user"`
	APIToken    string `yaml:"api_token"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

type AccountConfig struct {
	Currency string             `yaml:"currency"`
	Rates    map[string]float64 `yaml:"rates"`
	Funds    []FundConfig       `yaml:"funds"`
}

type FundConfig struct {
	ID            string           `yaml:"id"`
	Name          string           `yaml:"name"`
	StartingCash  float64          `yaml:"starting_cash"`
	Symbol        string           `yaml:"symbol"`
	DailyProceeds float64          `yaml:"daily_proceeds"`
	Positions     []PositionConfig `yaml:"positions"`
}

type PositionConfig struct {
	Symbol      string  `yaml:"symbol"`
	Currency    string  `yaml:"currency"`
	Quantity    float64 `yaml:"quantity"`
	LotSize     float64 `yaml:"lot_size"`
	MarginInUse float64 `yaml:"margin_in_use"`
	NetProfit   float64 `yaml:"net_profit"`
}

// Default is a runnable one-week backtest on NYSE hours with T+2 settlement.
func Default() *Config {
	return &Config{
		Mode:      string(clock.ModeBacktest),
		LogLevel:  "info",
		LogFormat: string(logger.FormatText),
		Exchange: ExchangeConfig{
			Name:        "NYSE",
			Timezone:    "America/New_York",
			MarketOpen:  "09:30",
			MarketClose: "16:00",
		},
		Settlement: SettlementConfig{
			Model:       string(settlement.KindDelayed),
			DaysDelayed: 2,
			TimeOfDay:   "16:00:00",
		},
		Margin: MarginConfig{
			Model:           string(margin.KindDefault),
			FreeMarginRatio: 0.2,
			MarginCallLevel: 1,
		},
		RateGate: RateGateConfig{MinWait: time.Second},
		Cache:    CacheConfig{TTL: 5 * time.Second},
		Backtest: BacktestConfig{
			Start: "2024-03-11",
			End:   "2024-03-16",
			Step:  15 * time.Minute,
		},
		Telemetry: TelemetryConfig{ServiceName: "tradecore"},
		Account: AccountConfig{
			Currency: "USD",
			Funds: []FundConfig{
				{
					ID:            "fund-1",
					Name:          "Momentum",
					StartingCash:  10000,
					Symbol:        "SPY",
					DailyProceeds: 250,
				},
			},
		},
	}
}

// LoadEnv loads variables from an optional .env file; a missing file is not an error.
func LoadEnv(path string) error {
	if path == "" {
		return nil
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("config.LoadEnv: failed to load %s: %w", path, err)
	}

	return nil
}

// Load reads the YAML file at path over Default(), applies TRADECORE_* environment
// overrides and validates the result. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config.Load: read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config.Load: parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	overrides := map[string]*string{
		"MODE":                &c.Mode,
		"LOG_LEVEL":           &c.LogLevel,
		"LOG_FORMAT":          &c.LogFormat,
		"SETTLEMENT_MODEL":    &c.Settlement.Model,
		"MARGIN_MODEL":        &c.Margin.Model,
		"TELEMETRY_ENDPOINT":  &c.Telemetry.Endpoint,
		"TELEMETRY_USER":      &c.Telemetry.User,
		"TELEMETRY_API_TOKEN": &c.Telemetry.APIToken,
	}

	for name, field := range overrides {
		if v, ok := os.LookupEnv(envPrefix + name); ok && v != "" {
			*field = v
		}
	}
}

func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalidConfig}, args...)...))
	}

	switch clock.Mode(c.Mode) {
	case clock.ModeLive, clock.ModeBacktest:
	default:
		invalid("mode must be %q or %q, got %q", clock.ModeLive, clock.ModeBacktest, c.Mode)
	}

	switch logger.Format(c.LogFormat) {
	case logger.FormatText, logger.FormatJSON, "":
	default:
		invalid("log_format must be text or json, got %q", c.LogFormat)
	}

	if _, err := c.Exchange.Location(); err != nil {
		invalid("exchange.timezone: %v", err)
	}
	open, openErr := c.Exchange.OpenTime()
	if openErr != nil {
		invalid("exchange.market_open: %v", openErr)
	}
	closeAt, closeErr := c.Exchange.CloseTime()
	if closeErr != nil {
		invalid("exchange.market_close: %v", closeErr)
	}
	if openErr == nil && closeErr == nil && closeAt <= open {
		invalid("exchange.market_close must be after market_open")
	}
	for _, h := range c.Exchange.Holidays {
		if _, err := time.Parse(exchange.DateLayout, h); err != nil {
			invalid("exchange.holidays: %q is not a YYYY-MM-DD date", h)
		}
	}

	if !contains(settlement.Names(), c.Settlement.Model) {
		invalid("settlement.model must be one of %v, got %q", settlement.Names(), c.Settlement.Model)
	}
	if c.Settlement.Model == string(settlement.KindDelayed) {
		if c.Settlement.DaysDelayed <= 0 {
			invalid("settlement.days_delayed must be positive")
		}
		if _, err := c.Settlement.TimeOfDayOffset(); err != nil {
			invalid("settlement.time_of_day: %v", err)
		}
	}

	if !contains(margin.Names(), c.Margin.Model) {
		invalid("margin.model must be one of %v, got %q", margin.Names(), c.Margin.Model)
	}
	if c.Margin.FreeMarginRatio < 0 || c.Margin.FreeMarginRatio >= 1 {
		invalid("margin.free_margin_ratio must be in [0, 1)")
	}
	if c.Margin.MarginCallLevel < 0 {
		invalid("margin.margin_call_level must not be negative")
	}

	if c.RateGate.MinWait < 0 {
		invalid("rate_gate.min_wait must not be negative")
	}
	if c.Cache.TTL <= 0 {
		invalid("cache.ttl must be positive")
	}

	if c.Mode == string(clock.ModeBacktest) {
		start, end, err := c.Backtest.Range()
		if err != nil {
			invalid("backtest: %v", err)
		} else if !end.After(start) {
			invalid("backtest.end must be after backtest.start")
		}
		if c.Backtest.Step <= 0 {
			invalid("backtest.step must be positive")
		}
	}

	if c.Account.Currency == "" {
		invalid("account.currency is required")
	}
	seen := make(map[string]struct{})
	for _, f := range c.Account.Funds {
		if f.ID == "" {
			invalid("account.funds: id is required")
			continue
		}
		if _, dup := seen[f.ID]; dup {
			invalid("account.funds: duplicate id %q", f.ID)
		}
		seen[f.ID] = struct{}{}
	}

	return errors.Join(errs...)
}

func (c ExchangeConfig) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return nil, fmt.Errorf("timezone is required")
	}
	return time.LoadLocation(c.Timezone)
}

func (c ExchangeConfig) OpenTime() (time.Duration, error) {
	return exchange.ParseTimeOfDay(c.MarketOpen)
}

func (c ExchangeConfig) CloseTime() (time.Duration, error) {
	return exchange.ParseTimeOfDay(c.MarketClose)
}

func (c SettlementConfig) TimeOfDayOffset() (time.Duration, error) {
	return exchange.ParseTimeOfDay(c.TimeOfDay)
}

// Range parses start and end as RFC 3339 instants or YYYY-MM-DD dates in UTC.
func (c BacktestConfig) Range() (time.Time, time.Time, error) {
	start, err := parseInstant(c.Start)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("start: %w", err)
	}

	end, err := parseInstant(c.End)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("end: %w", err)
	}

	return start, end, nil
}

func parseInstant(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}

	t, err := time.Parse(exchange.DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected RFC 3339 or YYYY-MM-DD, got %q", s)
	}

	return t, nil
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
