package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Venue names accepted by VENUE.
const (
	VenuePaper   = "paper"
	VenueBinance = "binance"
	VenueAlpaca  = "alpaca"
)

// Config holds environment-driven settings for the order service.
type Config struct {
	Port string `yaml:"port"`

	// Database
	DBPath string `yaml:"db_path"`

	// Venue selection and credentials
	Venue            string  `yaml:"venue"`
	BinanceTestnet   bool    `yaml:"binance_testnet"`
	BinanceAPIKey    string  `yaml:"binance_api_key"`
	BinanceAPISecret string  `yaml:"binance_api_secret"`
	AlpacaPaper      bool    `yaml:"alpaca_paper"`
	AlpacaAPIKey     string  `yaml:"alpaca_api_key"`
	AlpacaAPISecret  string  `yaml:"alpaca_api_secret"`
	AlpacaBaseURL    string  `yaml:"alpaca_base_url"`
	GatewayRPS       float64 `yaml:"gateway_rps"`
	GatewayBurst     int     `yaml:"gateway_burst"`

	// Paper venue simulation
	PaperFillAfterPolls int           `yaml:"paper_fill_after_polls"`
	PaperLatencyMin     time.Duration `yaml:"paper_latency_min"`
	PaperLatencyMax     time.Duration `yaml:"paper_latency_max"`

	// Dispatcher
	DispatchIdleBackoff time.Duration `yaml:"dispatch_idle_backoff"`

	// Execution monitor
	RecheckInterval      time.Duration `yaml:"recheck_interval"`
	RecheckMaxBackoff    time.Duration `yaml:"recheck_max_backoff"`
	MaxConsecutiveErrors int           `yaml:"max_consecutive_errors"`
	ReconcileInterval    time.Duration `yaml:"reconcile_interval"`

	// API
	JWTSecret string `yaml:"jwt_secret"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Load reads environment variables (optionally via .env) into Config. When
// CONFIG_FILE points to a YAML file, its non-zero fields override the
// environment.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		DBPath:               getEnv("DB_PATH", "./data/orderflow.db"),
		Venue:                strings.ToLower(getEnv("VENUE", VenuePaper)),
		BinanceTestnet:       getEnvBool("BINANCE_TESTNET", false),
		BinanceAPIKey:        os.Getenv("BINANCE_API_KEY"),
		BinanceAPISecret:     os.Getenv("BINANCE_API_SECRET"),
		AlpacaPaper:          getEnvBool("ALPACA_PAPER", true),
		AlpacaAPIKey:         os.Getenv("ALPACA_API_KEY"),
		AlpacaAPISecret:      os.Getenv("ALPACA_API_SECRET"),
		AlpacaBaseURL:        os.Getenv("ALPACA_BASE_URL"),
		GatewayRPS:           getEnvFloat("GATEWAY_RPS", 10),
		GatewayBurst:         getEnvInt("GATEWAY_BURST", 5),
		PaperFillAfterPolls:  getEnvInt("PAPER_FILL_AFTER_POLLS", 1),
		PaperLatencyMin:      getEnvDuration("PAPER_LATENCY_MIN", 0),
		PaperLatencyMax:      getEnvDuration("PAPER_LATENCY_MAX", 0),
		DispatchIdleBackoff:  getEnvDuration("DISPATCH_IDLE_BACKOFF", 3*time.Second),
		RecheckInterval:      getEnvDuration("RECHECK_INTERVAL", 2*time.Second),
		RecheckMaxBackoff:    getEnvDuration("RECHECK_MAX_BACKOFF", time.Minute),
		MaxConsecutiveErrors: getEnvInt("MAX_CONSECUTIVE_ERRORS", 0),
		ReconcileInterval:    getEnvDuration("RECONCILE_INTERVAL", 5*time.Minute),
		JWTSecret:            getEnv("JWT_SECRET", "dev-secret"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "json"),
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.overlay(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// overlay decodes a YAML file on top of cfg. Keys absent from the file keep
// their current values.
func (c *Config) overlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	c.Venue = strings.ToLower(c.Venue)
	return nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	switch c.Venue {
	case VenuePaper:
	case VenueBinance:
		if c.BinanceAPIKey == "" || c.BinanceAPISecret == "" {
			return fmt.Errorf("venue binance requires BINANCE_API_KEY and BINANCE_API_SECRET")
		}
	case VenueAlpaca:
		if c.AlpacaAPIKey == "" || c.AlpacaAPISecret == "" {
			return fmt.Errorf("venue alpaca requires ALPACA_API_KEY and ALPACA_API_SECRET")
		}
	default:
		return fmt.Errorf("unknown venue %q", c.Venue)
	}
	if c.DispatchIdleBackoff <= 0 {
		return fmt.Errorf("dispatch idle backoff must be positive")
	}
	if c.RecheckInterval <= 0 {
		return fmt.Errorf("recheck interval must be positive")
	}
	if c.RecheckMaxBackoff < c.RecheckInterval {
		c.RecheckMaxBackoff = c.RecheckInterval
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
