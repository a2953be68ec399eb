// Package config provides configuration management for the portfolio rebalancer.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Logging   LoggingConfig
	Risk      RiskConfig
	Rebalance RebalanceConfig
	Indexer   IndexerConfig
	PriceFeed PriceFeedConfig
	DEX       DEXConfig
	Workers   WorkersConfig
	Features  FeaturesConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           string
	Host           string
	IdempotencyTTL time.Duration
	RequestsPerSec float64 // per client, 0 disables limiting
	Burst          int
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// URL returns the connection string used by pgx and golang-migrate
func (c PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// ClickHouseConfig holds ClickHouse configuration
type ClickHouseConfig struct {
	Enabled     bool
	Host        string
	Port        string
	Database    string
	User        string
	Password    string
	AsyncInsert bool
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// RiskConfig holds risk engine thresholds
type RiskConfig struct {
	HistoryCapacity        int
	EWMALambda             float64
	CorrelationWindow      int
	MinSampleSize          int
	MaxEWMAVolatility      float64
	MaxVaR95               float64
	MaxCVaR95              float64
	MaxDrawdown            float64
	ConcentrationCap       float64
	ConcentrationDeny      float64
	ConcentrationWarn      float64
	CircuitBreakerMove     float64
	CircuitBreakerCooldown time.Duration
}

// RebalanceConfig holds execution engine settings
type RebalanceConfig struct {
	MinInterval          time.Duration
	MinTradeValue        float64
	DefaultSlippageBps   int
	PairSlippageBps      map[string]int // keyed "FROM:TO"
	MaxTotalSlippageBps  int
	MaxSpreadBps         int
	MinLiquidityCoverage float64
	AllowPartialFill     bool
	RollbackOnFailure    bool
	DEXTimeout           time.Duration
	LockTTL              time.Duration
	MaxPriceAge          time.Duration
	SignerSecret         string
}

// IndexerConfig holds chain event indexer settings
type IndexerConfig struct {
	Enabled          bool
	RPCURL           string
	ContractID       string
	PollInterval     time.Duration
	PageLimit        int
	MaxPagesPerCycle int
	BootstrapWindow  uint32
	RPCTimeout       time.Duration
	RequestsPerSec   float64
}

// PriceFeedConfig holds price feed client settings
type PriceFeedConfig struct {
	URL            string
	Assets         []string
	Timeout        time.Duration
	RequestsPerSec float64
	CacheTTL       time.Duration
}

// DEXConfig holds the DEX collaborator settings
type DEXConfig struct {
	URL     string
	Timeout time.Duration
}

// WorkersConfig holds background worker settings
type WorkersConfig struct {
	PortfolioCheckConcurrency int
	RebalanceConcurrency      int
	AnalyticsConcurrency      int
	CheckInterval             time.Duration
	SnapshotInterval          time.Duration
	MaxAttempts               int
}

// FeaturesConfig holds feature toggles
type FeaturesConfig struct {
	AllowCachedPrices bool
	UseSimulatedDEX   bool
}

// SimulatedDEX reports whether trades go to the simulator. Without a DEX
// URL there is no real venue, so the simulator is used regardless of the flag.
func (c *Config) SimulatedDEX() bool {
	return c.Features.UseSimulatedDEX || c.DEX.URL == ""
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		// .env file is optional - environment variables can be set directly
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	pairSlippage, err := parsePairSlippage(getEnv("REBALANCE_PAIR_SLIPPAGE_BPS", ""))
	if err != nil {
		return nil, err
	}

	config := &Config{
		Server: ServerConfig{
			Port:           getEnv("SERVER_PORT", "8080"),
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			IdempotencyTTL: getEnvAsDuration("IDEMPOTENCY_TTL", 24*time.Hour),
			RequestsPerSec: getEnvAsFloat("RATE_LIMIT_RPS", 10),
			Burst:          getEnvAsInt("RATE_LIMIT_BURST", 20),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "rebalancer"),
				User:           getEnv("POSTGRES_USER", "rebalancer"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 25),
			},
			ClickHouse: ClickHouseConfig{
				Enabled:     getEnvAsBool("CLICKHOUSE_ENABLED", true),
				Host:        getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:        getEnv("CLICKHOUSE_PORT", "9000"),
				Database:    getEnv("CLICKHOUSE_DB", "rebalancer"),
				User:        getEnv("CLICKHOUSE_USER", "default"),
				Password:    getEnv("CLICKHOUSE_PASSWORD", ""),
				AsyncInsert: getEnvAsBool("CLICKHOUSE_ASYNC_INSERT", true),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 50),
			},
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Risk: RiskConfig{
			HistoryCapacity:        getEnvAsInt("RISK_HISTORY_CAPACITY", 400),
			EWMALambda:             getEnvAsFloat("RISK_EWMA_LAMBDA", 0.94),
			CorrelationWindow:      getEnvAsInt("RISK_CORRELATION_WINDOW", 90),
			MinSampleSize:          getEnvAsInt("RISK_MIN_SAMPLE_SIZE", 30),
			MaxEWMAVolatility:      getEnvAsFloat("RISK_MAX_EWMA_VOL", 0.08),
			MaxVaR95:               getEnvAsFloat("RISK_MAX_VAR95", 0.12),
			MaxCVaR95:              getEnvAsFloat("RISK_MAX_CVAR95", 0.16),
			MaxDrawdown:            getEnvAsFloat("RISK_MAX_DRAWDOWN", 0.25),
			ConcentrationCap:       getEnvAsFloat("RISK_CONCENTRATION_CAP", 0.70),
			ConcentrationDeny:      getEnvAsFloat("RISK_CONCENTRATION_DENY", 0.9),
			ConcentrationWarn:      getEnvAsFloat("RISK_CONCENTRATION_WARN", 0.8),
			CircuitBreakerMove:     getEnvAsFloat("RISK_CIRCUIT_BREAKER_MOVE", 0.20),
			CircuitBreakerCooldown: getEnvAsDuration("RISK_CIRCUIT_BREAKER_COOLDOWN", 5*time.Minute),
		},
		Rebalance: RebalanceConfig{
			MinInterval:          getEnvAsDuration("REBALANCE_MIN_INTERVAL", time.Hour),
			MinTradeValue:        getEnvAsFloat("REBALANCE_MIN_TRADE_VALUE", 10),
			DefaultSlippageBps:   getEnvAsInt("REBALANCE_DEFAULT_SLIPPAGE_BPS", 100),
			PairSlippageBps:      pairSlippage,
			MaxTotalSlippageBps:  getEnvAsInt("REBALANCE_MAX_TOTAL_SLIPPAGE_BPS", 300),
			MaxSpreadBps:         getEnvAsInt("REBALANCE_MAX_SPREAD_BPS", 150),
			MinLiquidityCoverage: getEnvAsFloat("REBALANCE_MIN_LIQUIDITY_COVERAGE", 1.5),
			AllowPartialFill:     getEnvAsBool("REBALANCE_ALLOW_PARTIAL_FILL", true),
			RollbackOnFailure:    getEnvAsBool("REBALANCE_ROLLBACK_ON_FAILURE", true),
			DEXTimeout:           getEnvAsDuration("REBALANCE_DEX_TIMEOUT", 45*time.Second),
			LockTTL:              getEnvAsDuration("REBALANCE_LOCK_TTL", 2*time.Minute),
			MaxPriceAge:          getEnvAsDuration("REBALANCE_MAX_PRICE_AGE", time.Hour),
			SignerSecret:         getEnv("REBALANCE_SIGNER_SECRET", ""),
		},
		Indexer: IndexerConfig{
			Enabled:          getEnvAsBool("INDEXER_ENABLED", true),
			RPCURL:           getEnv("SOROBAN_RPC_URL", "https://soroban-testnet.stellar.org"),
			ContractID:       getEnv("PORTFOLIO_CONTRACT_ID", ""),
			PollInterval:     getEnvAsDuration("INDEXER_POLL_INTERVAL", 15*time.Second),
			PageLimit:        getEnvAsInt("INDEXER_PAGE_LIMIT", 100),
			MaxPagesPerCycle: getEnvAsInt("INDEXER_MAX_PAGES_PER_CYCLE", 10),
			BootstrapWindow:  uint32(getEnvAsInt("INDEXER_BOOTSTRAP_WINDOW", 17280)),
			RPCTimeout:       getEnvAsDuration("INDEXER_RPC_TIMEOUT", 15*time.Second),
			RequestsPerSec:   getEnvAsFloat("INDEXER_RPC_RPS", 5),
		},
		PriceFeed: PriceFeedConfig{
			URL:            getEnv("PRICE_FEED_URL", "http://localhost:8090"),
			Assets:         getEnvAsList("PRICE_FEED_ASSETS", []string{"XLM", "USDC", "BTC", "ETH"}),
			Timeout:        getEnvAsDuration("PRICE_FEED_TIMEOUT", 10*time.Second),
			RequestsPerSec: getEnvAsFloat("PRICE_FEED_RPS", 2),
			CacheTTL:       getEnvAsDuration("PRICE_FEED_CACHE_TTL", 30*time.Minute),
		},
		DEX: DEXConfig{
			URL:     getEnv("DEX_URL", ""),
			Timeout: getEnvAsDuration("DEX_HTTP_TIMEOUT", 60*time.Second),
		},
		Workers: WorkersConfig{
			PortfolioCheckConcurrency: getEnvAsInt("WORKER_PORTFOLIO_CHECK_CONCURRENCY", 4),
			RebalanceConcurrency:      getEnvAsInt("WORKER_REBALANCE_CONCURRENCY", 2),
			AnalyticsConcurrency:      getEnvAsInt("WORKER_ANALYTICS_CONCURRENCY", 1),
			CheckInterval:             getEnvAsDuration("WORKER_CHECK_INTERVAL", 5*time.Minute),
			SnapshotInterval:          getEnvAsDuration("WORKER_SNAPSHOT_INTERVAL", time.Hour),
			MaxAttempts:               getEnvAsInt("WORKER_MAX_ATTEMPTS", 3),
		},
		Features: FeaturesConfig{
			AllowCachedPrices: getEnvAsBool("FEATURE_ALLOW_CACHED_PRICES", false),
			UseSimulatedDEX:   getEnvAsBool("FEATURE_SIMULATED_DEX", true),
		},
	}

	return config, nil
}

// parsePairSlippage parses "XLM:USDC=50,BTC:ETH=80" into a per-pair map
func parsePairSlippage(raw string) (map[string]int, error) {
	out := make(map[string]int)
	if strings.TrimSpace(raw) == "" {
		return out, nil
	}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 || !strings.Contains(kv[0], ":") {
			return nil, fmt.Errorf("invalid pair slippage entry %q", part)
		}
		bps, err := strconv.Atoi(strings.TrimSpace(kv[1]))
		if err != nil || bps <= 0 {
			return nil, fmt.Errorf("invalid pair slippage value in %q", part)
		}
		out[strings.ToUpper(strings.TrimSpace(kv[0]))] = bps
	}
	return out, nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool gets an environment variable as a bool with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList gets a comma separated environment variable as a list
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	var out []string
	for _, item := range strings.Split(valueStr, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, strings.ToUpper(item))
		}
	}
	return out
}
