package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	// Set some test environment variables
	if err := os.Setenv("SERVER_PORT", "9090"); err != nil {
		t.Fatalf("Failed to set SERVER_PORT: %v", err)
	}
	if err := os.Setenv("POSTGRES_HOST", "testhost"); err != nil {
		t.Fatalf("Failed to set POSTGRES_HOST: %v", err)
	}
	if err := os.Setenv("RISK_CIRCUIT_BREAKER_COOLDOWN", "30s"); err != nil {
		t.Fatalf("Failed to set RISK_CIRCUIT_BREAKER_COOLDOWN: %v", err)
	}
	if err := os.Setenv("REBALANCE_PAIR_SLIPPAGE_BPS", "xlm:usdc=50"); err != nil {
		t.Fatalf("Failed to set REBALANCE_PAIR_SLIPPAGE_BPS: %v", err)
	}
	defer func() {
		_ = os.Unsetenv("SERVER_PORT")
		_ = os.Unsetenv("POSTGRES_HOST")
		_ = os.Unsetenv("RISK_CIRCUIT_BREAKER_COOLDOWN")
		_ = os.Unsetenv("REBALANCE_PAIR_SLIPPAGE_BPS")
	}()

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("Server.Port = %v, want %v", cfg.Server.Port, "9090")
	}

	if cfg.Database.Postgres.Host != "testhost" {
		t.Errorf("Database.Postgres.Host = %v, want %v", cfg.Database.Postgres.Host, "testhost")
	}

	if cfg.Risk.CircuitBreakerCooldown != 30*time.Second {
		t.Errorf("Risk.CircuitBreakerCooldown = %v, want %v", cfg.Risk.CircuitBreakerCooldown, 30*time.Second)
	}

	if cfg.Rebalance.PairSlippageBps["XLM:USDC"] != 50 {
		t.Errorf("Rebalance.PairSlippageBps = %v, want XLM:USDC=50", cfg.Rebalance.PairSlippageBps)
	}

	if cfg.Risk.EWMALambda != 0.94 || cfg.Rebalance.MinInterval != time.Hour {
		t.Errorf("unexpected defaults: lambda=%v minInterval=%v", cfg.Risk.EWMALambda, cfg.Rebalance.MinInterval)
	}

	if cfg.Server.RequestsPerSec != 10 || cfg.Server.Burst != 20 {
		t.Errorf("unexpected rate limit defaults: rps=%v burst=%v", cfg.Server.RequestsPerSec, cfg.Server.Burst)
	}
}

func TestParsePairSlippage(t *testing.T) {
	got, err := parsePairSlippage("XLM:USDC=50, BTC:ETH=80")
	if err != nil {
		t.Fatalf("parsePairSlippage() error = %v", err)
	}
	if got["XLM:USDC"] != 50 || got["BTC:ETH"] != 80 {
		t.Errorf("parsePairSlippage() = %v", got)
	}

	for _, bad := range []string{"XLMUSDC=50", "XLM:USDC=abc", "XLM:USDC=-1"} {
		if _, err := parsePairSlippage(bad); err == nil {
			t.Errorf("parsePairSlippage(%q) expected error", bad)
		}
	}
}

func TestSimulatedDEX(t *testing.T) {
	tests := []struct {
		name    string
		feature bool
		url     string
		want    bool
	}{
		{"flag on", true, "https://dex.example", true},
		{"no venue configured", false, "", true},
		{"real venue", false, "https://dex.example", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Features: FeaturesConfig{UseSimulatedDEX: tt.feature},
				DEX:      DEXConfig{URL: tt.url},
			}
			if got := cfg.SimulatedDEX(); got != tt.want {
				t.Errorf("SimulatedDEX() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPostgresURL(t *testing.T) {
	cfg := PostgresConfig{Host: "db", Port: "5432", Database: "rebalancer", User: "u", Password: "p"}
	want := "postgres://u:p@db:5432/rebalancer?sslmode=disable"
	if cfg.URL() != want {
		t.Errorf("URL() = %v, want %v", cfg.URL(), want)
	}
}

func TestGetEnvAsBoolAndFloat(t *testing.T) {
	_ = os.Setenv("TEST_BOOL", "true")
	_ = os.Setenv("TEST_FLOAT", "0.25")
	defer func() {
		_ = os.Unsetenv("TEST_BOOL")
		_ = os.Unsetenv("TEST_FLOAT")
	}()

	if !getEnvAsBool("TEST_BOOL", false) {
		t.Errorf("getEnvAsBool() = false, want true")
	}
	if getEnvAsBool("TEST_BOOL_NOTSET", true) != true {
		t.Errorf("getEnvAsBool() default not honoured")
	}
	if getEnvAsFloat("TEST_FLOAT", 1) != 0.25 {
		t.Errorf("getEnvAsFloat() = %v, want 0.25", getEnvAsFloat("TEST_FLOAT", 1))
	}
}

func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		want         string
	}{
		{
			name:         "returns environment variable when set",
			key:          "TEST_KEY",
			defaultValue: "default",
			envValue:     "custom",
			want:         "custom",
		},
		{
			name:         "returns default when environment variable not set",
			key:          "NONEXISTENT_KEY",
			defaultValue: "default",
			envValue:     "",
			want:         "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				if err := os.Setenv(tt.key, tt.envValue); err != nil {
					t.Fatalf("Failed to set env var: %v", err)
				}
				defer func() {
					_ = os.Unsetenv(tt.key)
				}()
			}

			got := getEnv(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnvAsInt(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue int
		envValue     string
		want         int
	}{
		{
			name:         "returns integer when valid",
			key:          "TEST_INT",
			defaultValue: 100,
			envValue:     "200",
			want:         200,
		},
		{
			name:         "returns default when invalid",
			key:          "TEST_INT_INVALID",
			defaultValue: 100,
			envValue:     "invalid",
			want:         100,
		},
		{
			name:         "returns default when not set",
			key:          "TEST_INT_NOTSET",
			defaultValue: 100,
			envValue:     "",
			want:         100,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				if err := os.Setenv(tt.key, tt.envValue); err != nil {
					t.Fatalf("Failed to set env var: %v", err)
				}
				defer func() {
					_ = os.Unsetenv(tt.key)
				}()
			}

			got := getEnvAsInt(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnvAsInt() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnvAsDuration(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue time.Duration
		envValue     string
		want         time.Duration
	}{
		{
			name:         "returns duration when valid",
			key:          "TEST_DURATION",
			defaultValue: 10 * time.Second,
			envValue:     "30s",
			want:         30 * time.Second,
		},
		{
			name:         "returns default when invalid",
			key:          "TEST_DURATION_INVALID",
			defaultValue: 10 * time.Second,
			envValue:     "invalid",
			want:         10 * time.Second,
		},
		{
			name:         "returns default when not set",
			key:          "TEST_DURATION_NOTSET",
			defaultValue: 10 * time.Second,
			envValue:     "",
			want:         10 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				if err := os.Setenv(tt.key, tt.envValue); err != nil {
					t.Fatalf("Failed to set env var: %v", err)
				}
				defer func() {
					_ = os.Unsetenv(tt.key)
				}()
			}

			got := getEnvAsDuration(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnvAsDuration() = %v, want %v", got, tt.want)
			}
		})
	}
}
