package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ExecutionMode selects how engine recommendations are routed.
const (
	ModeShadowOnly     = "SHADOW_ONLY"
	ModeEngineAPrimary = "ENGINE_A_PRIMARY"
	ModeEngineBPrimary = "ENGINE_B_PRIMARY"
	ModeSplitCapital   = "SPLIT_CAPITAL"
)

type Config struct {
	ServerConfig       ServerConfig       `json:"server"`
	IngestConfig       IngestConfig       `json:"ingest"`
	OrchestratorConfig OrchestratorConfig `json:"orchestrator"`
	WorkerConfig       WorkerConfig       `json:"workers"`
	MarketDataConfig   MarketDataConfig   `json:"market_data"`
	RedisConfig        RedisConfig        `json:"redis"`
	LoggingConfig      LoggingConfig      `json:"logging"`
	AdaptiveConfig     AdaptiveConfig     `json:"adaptive"`
	AuthConfig         AuthConfig         `json:"auth"`
}

type ServerConfig struct {
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
}

// IngestConfig controls webhook validation and deduplication.
type IngestConfig struct {
	HMACSecret         string `json:"hmac_secret"`
	SignatureRequired  bool   `json:"signature_required"`
	DedupWindowMinutes int    `json:"dedup_window_minutes"`
}

type OrchestratorConfig struct {
	ExecutionMode   string  `json:"execution_mode"`   // SHADOW_ONLY | ENGINE_A_PRIMARY | ENGINE_B_PRIMARY | SPLIT_CAPITAL
	SplitPercentage float64 `json:"split_percentage"` // share of traffic assigned to engine A, [0,1]
	PolicyVersion   string  `json:"policy_version"`
	AccountSize     float64 `json:"account_size"`      // paper account equity in dollars
	BaseRiskPercent float64 `json:"base_risk_percent"` // fraction of equity risked per trade
}

type WorkerConfig struct {
	BatchSize           int `json:"batch_size"`
	Concurrency         int `json:"concurrency"`
	SignalTimeoutMs     int `json:"signal_timeout_ms"`
	RetryDelayMs        int `json:"retry_delay_ms"`
	MaxAttempts         int `json:"max_attempts"`
	PollIntervalMs      int `json:"poll_interval_ms"`
	RefreshIntervalMs   int `json:"refresh_interval_ms"`
	OrderPollIntervalMs int `json:"order_poll_interval_ms"`
}

type MarketDataConfig struct {
	ProviderPriority []string          `json:"provider_priority"` // alpaca, polygon, marketdata, twelvedata
	APIKeys          map[string]string `json:"api_keys"`
	MaxFailures      int               `json:"max_failures"`
	ResetTimeoutMs   int               `json:"reset_timeout_ms"`
	RequestTimeoutMs int               `json:"request_timeout_ms"`
	RetryCount       int               `json:"retry_count"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

type LoggingConfig struct {
	Level       string `json:"level"`        // DEBUG, INFO, WARN, ERROR
	Output      string `json:"output"`       // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format"`  // Output as JSON
	IncludeFile bool   `json:"include_file"` // Include file and line number
}

// AdaptiveConfig holds adaptive tuner settings.
type AdaptiveConfig struct {
	Enabled bool `json:"enabled"`
	DryRun  bool `json:"dry_run"`
}

type AuthConfig struct {
	JWTSecret string `json:"jwt_secret"`
}

// Load reads configuration from the file named by CONFIG_FILE (default
// config.json if present), then applies environment overrides.
func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		path = "config.json"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	} else if os.Getenv("CONFIG_FILE") != "" {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		ServerConfig: ServerConfig{
			Port:           8080,
			AllowedOrigins: []string{"*"},
		},
		IngestConfig: IngestConfig{
			SignatureRequired:  true,
			DedupWindowMinutes: 10,
		},
		OrchestratorConfig: OrchestratorConfig{
			ExecutionMode:   ModeShadowOnly,
			SplitPercentage: 0.5,
			PolicyVersion:   "v1.0",
			AccountSize:     100000,
			BaseRiskPercent: 0.01,
		},
		WorkerConfig: WorkerConfig{
			BatchSize:           10,
			Concurrency:         4,
			SignalTimeoutMs:     30000,
			RetryDelayMs:        5000,
			MaxAttempts:         3,
			PollIntervalMs:      2000,
			RefreshIntervalMs:   15000,
			OrderPollIntervalMs: 3000,
		},
		MarketDataConfig: MarketDataConfig{
			ProviderPriority: []string{"alpaca", "polygon", "marketdata", "twelvedata"},
			APIKeys:          map[string]string{},
			MaxFailures:      5,
			ResetTimeoutMs:   60000,
			RequestTimeoutMs: 10000,
			RetryCount:       2,
		},
		RedisConfig: RedisConfig{
			Address:  "localhost:6379",
			PoolSize: 10,
		},
		LoggingConfig: LoggingConfig{
			Level:      "INFO",
			Output:     "stdout",
			JSONFormat: true,
		},
		AdaptiveConfig: AdaptiveConfig{
			Enabled: true,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.ServerConfig.Port = port
		}
	}
	if v := os.Getenv("WEBHOOK_HMAC_SECRET"); v != "" {
		cfg.IngestConfig.HMACSecret = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.AuthConfig.JWTSecret = v
	}
	if v := os.Getenv("EXECUTION_MODE"); v != "" {
		cfg.OrchestratorConfig.ExecutionMode = v
	}
	if v := os.Getenv("SPLIT_PERCENTAGE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.OrchestratorConfig.SplitPercentage = f
		}
	}
	if v := os.Getenv("POLICY_VERSION"); v != "" {
		cfg.OrchestratorConfig.PolicyVersion = v
	}
	if v := os.Getenv("PROVIDER_PRIORITY"); v != "" {
		cfg.MarketDataConfig.ProviderPriority = strings.Split(v, ",")
	}
	if v := os.Getenv("REDIS_ADDRESS"); v != "" {
		cfg.RedisConfig.Enabled = true
		cfg.RedisConfig.Address = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LoggingConfig.Level = v
	}
	for _, provider := range []string{"alpaca", "polygon", "marketdata", "twelvedata", "unusualwhales"} {
		if v := os.Getenv(strings.ToUpper(provider) + "_API_KEY"); v != "" {
			cfg.MarketDataConfig.APIKeys[provider] = v
		}
	}
}

// Validate rejects configurations the pipeline cannot safely run with.
func (c *Config) Validate() error {
	switch c.OrchestratorConfig.ExecutionMode {
	case ModeShadowOnly, ModeEngineAPrimary, ModeEngineBPrimary, ModeSplitCapital:
	default:
		return fmt.Errorf("invalid execution_mode %q", c.OrchestratorConfig.ExecutionMode)
	}
	if c.OrchestratorConfig.SplitPercentage < 0 || c.OrchestratorConfig.SplitPercentage > 1 {
		return fmt.Errorf("split_percentage must be in [0,1], got %f", c.OrchestratorConfig.SplitPercentage)
	}
	if c.OrchestratorConfig.PolicyVersion == "" {
		return fmt.Errorf("policy_version must not be empty")
	}
	if c.WorkerConfig.BatchSize <= 0 {
		return fmt.Errorf("workers.batch_size must be positive")
	}
	if c.IngestConfig.SignatureRequired && c.IngestConfig.HMACSecret == "" {
		return fmt.Errorf("ingest.hmac_secret required when signature verification is enabled")
	}
	for _, p := range c.MarketDataConfig.ProviderPriority {
		switch p {
		case "alpaca", "polygon", "marketdata", "twelvedata", "unusualwhales":
		default:
			return fmt.Errorf("unknown market data provider %q", p)
		}
	}
	return nil
}
