// Package config loads coordinator configuration from environment
// variables, with an optional YAML overlay file. Environment variables
// always win over the file, matching the precedence a deployer expects
// from a twelve-factor service.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all runtime-tunable coordinator settings.
type Config struct {
	Addr string `yaml:"addr"`

	DatabaseURL string `yaml:"database_url"`

	RedisURL string `yaml:"redis_url"`

	KDFBaseURL    string `yaml:"kdf_base_url"`
	OracleBaseURL string `yaml:"oracle_base_url"`

	PartyLivenessWindow time.Duration `yaml:"party_liveness_window"`
	RequestExpiry       time.Duration `yaml:"request_expiry"` // zero = never expires

	DatasetPayloadCapBytes int `yaml:"dataset_payload_cap_bytes"`
	NameMaxBytes           int `yaml:"name_max_bytes"`
	DescriptionMaxBytes    int `yaml:"description_max_bytes"`
	MinRequiredVoters      int `yaml:"min_required_voters"`
	MaxRequiredVoters      int `yaml:"max_required_voters"`

	OracleRetryBudget int           `yaml:"oracle_retry_budget"`
	KDFRetryBudget    int           `yaml:"kdf_retry_budget"`
	RetryBaseDelay    time.Duration `yaml:"retry_base_delay"`

	OracleBudgetPerMinute int `yaml:"oracle_budget_per_minute"`
	KDFBudgetPerMinute    int `yaml:"kdf_budget_per_minute"`

	OTLPEndpoint  string `yaml:"otlp_endpoint"`
	MinAPIVersion string `yaml:"min_api_version"`

	JWTSigningKey string `yaml:"jwt_signing_key"`
}

// Defaults returns the coordinator's safe-to-boot-in-dev default config.
func Defaults() *Config {
	return &Config{
		Addr:                   ":8080",
		DatabaseURL:            "", // empty = lite mode (sqlite file under ./data), set DATABASE_URL for postgres
		RedisURL:               "",
		KDFBaseURL:             "http://localhost:9090",
		OracleBaseURL:          "http://localhost:9091",
		PartyLivenessWindow:    24 * time.Hour,
		RequestExpiry:          0,
		DatasetPayloadCapBytes: 8 * 1024 * 1024,
		NameMaxBytes:           128,
		DescriptionMaxBytes:    4 * 1024,
		MinRequiredVoters:      2,
		MaxRequiredVoters:      32,
		OracleRetryBudget:      3,
		KDFRetryBudget:         3,
		RetryBaseDelay:         100 * time.Millisecond,
		OracleBudgetPerMinute:  60,
		KDFBudgetPerMinute:     60,
		MinAPIVersion:          "1.0.0",
		JWTSigningKey:          "dev-only-insecure-signing-key-change-me",
	}
}

// Load builds a Config from defaults, an optional YAML file (CONFIG_FILE
// or the configFile argument, file wins over default but loses to env),
// and then environment variables.
func Load(configFile string) (*Config, error) {
	cfg := Defaults()

	if configFile == "" {
		configFile = os.Getenv("CONFIG_FILE")
	}
	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configFile, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", configFile, err)
		}
	}

	applyEnvString(&cfg.Addr, "ADDR")
	applyEnvString(&cfg.DatabaseURL, "DATABASE_URL")
	applyEnvString(&cfg.RedisURL, "REDIS_URL")
	applyEnvString(&cfg.KDFBaseURL, "KDF_BASE_URL")
	applyEnvString(&cfg.OracleBaseURL, "ORACLE_BASE_URL")
	applyEnvString(&cfg.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	applyEnvString(&cfg.MinAPIVersion, "MIN_API_VERSION")
	applyEnvString(&cfg.JWTSigningKey, "JWT_SIGNING_KEY")

	if v := os.Getenv("PARTY_LIVENESS_WINDOW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("config: PARTY_LIVENESS_WINDOW: %w", err)
		}
		cfg.PartyLivenessWindow = d
	}
	if v := os.Getenv("REQUEST_EXPIRY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("config: REQUEST_EXPIRY: %w", err)
		}
		cfg.RequestExpiry = d
	}

	return cfg, nil
}

func applyEnvString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
