// Package config loads edgar-facts settings from defaults, an optional config
// file, a .env file and EDGARFACTS_* environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	edgar "github.com/RxDataLab/edgar-facts"
)

// EnvPrefix prefixes every environment override, e.g. EDGARFACTS_RATE_LIMIT.
const EnvPrefix = "EDGARFACTS"

type Config struct {
	Email     string `mapstructure:"email"`
	UserAgent string `mapstructure:"user_agent"`

	RateLimit      float64       `mapstructure:"rate_limit"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffFactor  time.Duration `mapstructure:"backoff_factor"`
	SearchFallback bool          `mapstructure:"search_fallback"`

	TickerFileURL string `mapstructure:"ticker_file_url"`
	SearchURL     string `mapstructure:"search_url"`
	FactsURL      string `mapstructure:"facts_url"`

	UnitMultipliers map[string]float64 `mapstructure:"unit_multipliers"`
	CashAliases     []string           `mapstructure:"cash_aliases"`
	PriceLookback   int                `mapstructure:"price_lookback_days"`

	Server ServerConfig `mapstructure:"server"`

	LogLevel  string `mapstructure:"log_level"`
	LogPretty bool   `mapstructure:"log_pretty"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("email", "")
	v.SetDefault("user_agent", "")
	v.SetDefault("rate_limit", edgar.DefaultRateLimit)
	v.SetDefault("cache_ttl", edgar.DefaultCacheTTL)
	v.SetDefault("request_timeout", edgar.DefaultRequestTimeout)
	v.SetDefault("max_attempts", edgar.DefaultMaxAttempts)
	v.SetDefault("backoff_factor", edgar.DefaultBackoffFactor)
	v.SetDefault("search_fallback", true)
	v.SetDefault("ticker_file_url", edgar.DefaultTickerFileURL)
	v.SetDefault("search_url", edgar.DefaultCompanySearch)
	v.SetDefault("facts_url", edgar.DefaultCompanyFactsURL)
	v.SetDefault("unit_multipliers", edgar.DefaultUnitMultipliers())
	v.SetDefault("cash_aliases", edgar.DefaultCashAliases())
	v.SetDefault("price_lookback_days", edgar.DefaultPriceLookback)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_pretty", false)
}

// Load reads configuration. configPath may be empty, in which case only
// defaults and the environment apply. A missing .env file is not an error.
// SEC_EMAIL is honoured when no email is configured otherwise.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.Email == "" && cfg.UserAgent == "" {
		cfg.Email = os.Getenv(edgar.SecEmailEnvVar)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the client cannot work with. A missing contact
// email is allowed here; the client warns about it.
func (c *Config) Validate() error {
	if c.Email != "" {
		if err := edgar.ValidateEmail(c.Email); err != nil {
			return err
		}
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %s", c.RequestTimeout)
	}
	if c.PriceLookback < 0 {
		return fmt.Errorf("price_lookback_days must not be negative, got %d", c.PriceLookback)
	}
	if !strings.Contains(c.FactsURL, "%s") {
		return fmt.Errorf("facts_url must contain %%s for the CIK: %s", c.FactsURL)
	}
	for _, alias := range c.CashAliases {
		if _, ok := edgar.TagForAlias(alias); !ok {
			return fmt.Errorf("cash_aliases: unknown metric %q", alias)
		}
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	return nil
}

// ClientOptions converts the config into options for edgar.NewClient.
func (c *Config) ClientOptions(log zerolog.Logger) []edgar.Option {
	opts := []edgar.Option{
		edgar.WithRateLimit(c.RateLimit),
		edgar.WithCacheTTL(c.CacheTTL),
		edgar.WithTimeout(c.RequestTimeout),
		edgar.WithRetry(c.MaxAttempts, c.BackoffFactor),
		edgar.WithEndpoints(c.TickerFileURL, c.SearchURL, c.FactsURL),
		edgar.WithLogger(log),
	}
	switch {
	case c.UserAgent != "":
		opts = append(opts, edgar.WithUserAgent(c.UserAgent))
	case c.Email != "":
		opts = append(opts, edgar.WithEmail(c.Email))
	}
	if !c.SearchFallback {
		opts = append(opts, edgar.WithoutSearchFallback())
	}
	return opts
}

// AnalyzerOptions converts the analysis settings into edgar.AnalyzerOptions.
func (c *Config) AnalyzerOptions(log zerolog.Logger) []edgar.AnalyzerOption {
	opts := []edgar.AnalyzerOption{
		edgar.WithPriceLookback(c.PriceLookback),
		edgar.WithAnalyzerLogger(log),
	}
	if len(c.UnitMultipliers) > 0 {
		opts = append(opts, edgar.WithUnitMultipliers(c.UnitMultipliers))
	}
	if len(c.CashAliases) > 0 {
		opts = append(opts, edgar.WithCashAliases(c.CashAliases...))
	}
	return opts
}

// Logger builds the process logger from LogLevel and LogPretty.
func (c *Config) Logger() zerolog.Logger {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var log zerolog.Logger
	if c.LogPretty {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(level).With().Timestamp().Logger()
}
