package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	LogLevel    string   `mapstructure:"LOGLEVEL"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	FHIRBase         string `mapstructure:"FHIR_BASE"`
	FHIRClientID     string `mapstructure:"FHIR_CLIENT_ID"`
	FHIRClientSecret string `mapstructure:"FHIR_CLIENT_SECRET"`
	FHIRTokenURL     string `mapstructure:"FHIR_TOKEN_URL"`
	HL7Base          string `mapstructure:"HL7_BASE"`
	FDABase          string `mapstructure:"FDA_BASE"`
	AIBase           string `mapstructure:"AI_BASE"`
	RedisURL         string `mapstructure:"REDIS_URL"`

	RawStream  string `mapstructure:"HL7_RAW_STREAM"`
	NormStream string `mapstructure:"HL7_NORM_STREAM"`
	DLQStream  string `mapstructure:"HL7_DLQ_STREAM"`
	Group      string `mapstructure:"HL7_GROUP"`
	Consumer   string `mapstructure:"CONSUMER"`

	RawMaxLen  int64 `mapstructure:"HL7_STREAM_MAXLEN"`
	NormMaxLen int64 `mapstructure:"HL7_NORM_MAXLEN"`
	DLQMaxLen  int64 `mapstructure:"HL7_DLQ_MAXLEN"`

	IngestBatch      int     `mapstructure:"HL7_INGEST_BATCH"`
	PollInterval     float64 `mapstructure:"HL7_POLL_INTERVAL"`
	NormalizeCount   int64   `mapstructure:"HL7_NORMALIZE_COUNT"`
	NormalizeBlockMS int64   `mapstructure:"HL7_NORMALIZE_BLOCK_MS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8090")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOGLEVEL", "info")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("HL7_RAW_STREAM", "hl7:raw")
	v.SetDefault("HL7_NORM_STREAM", "hl7:norm")
	v.SetDefault("HL7_DLQ_STREAM", "hl7:dlq")
	v.SetDefault("HL7_GROUP", "normgrp")
	v.SetDefault("CONSUMER", "")
	v.SetDefault("HL7_STREAM_MAXLEN", 5000)
	v.SetDefault("HL7_NORM_MAXLEN", 100000)
	v.SetDefault("HL7_DLQ_MAXLEN", 50000)
	v.SetDefault("HL7_INGEST_BATCH", 100)
	v.SetDefault("HL7_POLL_INTERVAL", 0.5)
	v.SetDefault("HL7_NORMALIZE_COUNT", 256)
	v.SetDefault("HL7_NORMALIZE_BLOCK_MS", 1000)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("LOGLEVEL")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("FHIR_BASE")
	v.BindEnv("FHIR_CLIENT_ID")
	v.BindEnv("FHIR_CLIENT_SECRET")
	v.BindEnv("FHIR_TOKEN_URL")
	v.BindEnv("HL7_BASE")
	v.BindEnv("FDA_BASE")
	v.BindEnv("AI_BASE")
	v.BindEnv("REDIS_URL")
	v.BindEnv("HL7_RAW_STREAM")
	v.BindEnv("HL7_NORM_STREAM")
	v.BindEnv("HL7_DLQ_STREAM")
	v.BindEnv("HL7_GROUP")
	v.BindEnv("CONSUMER")
	v.BindEnv("HL7_STREAM_MAXLEN")
	v.BindEnv("HL7_NORM_MAXLEN")
	v.BindEnv("HL7_DLQ_MAXLEN")
	v.BindEnv("HL7_INGEST_BATCH")
	v.BindEnv("HL7_POLL_INTERVAL")
	v.BindEnv("HL7_NORMALIZE_COUNT")
	v.BindEnv("HL7_NORMALIZE_BLOCK_MS")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	for _, req := range []struct{ key, val string }{
		{"FHIR_BASE", cfg.FHIRBase},
		{"FHIR_CLIENT_ID", cfg.FHIRClientID},
		{"FHIR_CLIENT_SECRET", cfg.FHIRClientSecret},
		{"HL7_BASE", cfg.HL7Base},
		{"FDA_BASE", cfg.FDABase},
		{"AI_BASE", cfg.AIBase},
		{"REDIS_URL", cfg.RedisURL},
	} {
		if req.val == "" {
			return nil, fmt.Errorf("%s is required", req.key)
		}
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run: stream names must be
// distinct, retention caps and batch sizes positive, LOGLEVEL a known level.
func (c *Config) Validate() error {
	if c.RawStream == c.NormStream || c.RawStream == c.DLQStream || c.NormStream == c.DLQStream {
		return fmt.Errorf("stream names must be distinct: raw=%q norm=%q dlq=%q", c.RawStream, c.NormStream, c.DLQStream)
	}
	if c.RawMaxLen <= 0 || c.NormMaxLen <= 0 || c.DLQMaxLen <= 0 {
		return fmt.Errorf("stream maxlen values must be positive")
	}
	if c.IngestBatch <= 0 {
		return fmt.Errorf("HL7_INGEST_BATCH must be positive, got %d", c.IngestBatch)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("HL7_POLL_INTERVAL must be positive, got %v", c.PollInterval)
	}
	if c.NormalizeCount <= 0 {
		return fmt.Errorf("HL7_NORMALIZE_COUNT must be positive, got %d", c.NormalizeCount)
	}
	if c.NormalizeBlockMS <= 0 {
		return fmt.Errorf("HL7_NORMALIZE_BLOCK_MS must be positive, got %d", c.NormalizeBlockMS)
	}
	switch strings.ToLower(c.LogLevel) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("LOGLEVEL must be one of trace, debug, info, warn, error; got %q", c.LogLevel)
	}
	return nil
}
