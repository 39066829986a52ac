package config

import (
	"os"
	"testing"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("FHIR_BASE", "http://fhir.test")
	t.Setenv("FHIR_CLIENT_ID", "client")
	t.Setenv("FHIR_CLIENT_SECRET", "secret")
	t.Setenv("HL7_BASE", "http://hl7.test")
	t.Setenv("FDA_BASE", "http://fda.test")
	t.Setenv("AI_BASE", "http://ai.test")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
}

func TestLoad_RequiresUpstreams(t *testing.T) {
	for _, key := range []string{
		"FHIR_BASE", "FHIR_CLIENT_ID", "FHIR_CLIENT_SECRET",
		"HL7_BASE", "FDA_BASE", "AI_BASE", "REDIS_URL",
	} {
		os.Unsetenv(key)
	}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error when required upstream env vars are missing")
	}
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.RedisURL != "redis://localhost:6379/0" {
		t.Errorf("expected REDIS_URL to be set, got %s", cfg.RedisURL)
	}
	if cfg.Port != "8090" {
		t.Errorf("expected default port 8090, got %s", cfg.Port)
	}
	if cfg.RawStream != "hl7:raw" || cfg.NormStream != "hl7:norm" || cfg.DLQStream != "hl7:dlq" {
		t.Errorf("unexpected stream defaults: %s %s %s", cfg.RawStream, cfg.NormStream, cfg.DLQStream)
	}
	if cfg.Group != "normgrp" {
		t.Errorf("expected default group normgrp, got %s", cfg.Group)
	}
	if cfg.RawMaxLen != 5000 || cfg.NormMaxLen != 100000 || cfg.DLQMaxLen != 50000 {
		t.Errorf("unexpected maxlen defaults: %d %d %d", cfg.RawMaxLen, cfg.NormMaxLen, cfg.DLQMaxLen)
	}
	if cfg.IngestBatch != 100 {
		t.Errorf("expected default ingest batch 100, got %d", cfg.IngestBatch)
	}
	if cfg.PollInterval != 0.5 {
		t.Errorf("expected default poll interval 0.5, got %v", cfg.PollInterval)
	}
	if cfg.NormalizeCount != 256 || cfg.NormalizeBlockMS != 1000 {
		t.Errorf("unexpected normalize defaults: %d %d", cfg.NormalizeCount, cfg.NormalizeBlockMS)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("HL7_RAW_STREAM", "lab:raw")
	t.Setenv("HL7_NORMALIZE_COUNT", "64")
	t.Setenv("CONSUMER", "norm-7")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RawStream != "lab:raw" {
		t.Errorf("expected raw stream override, got %s", cfg.RawStream)
	}
	if cfg.NormalizeCount != 64 {
		t.Errorf("expected normalize count 64, got %d", cfg.NormalizeCount)
	}
	if cfg.Consumer != "norm-7" {
		t.Errorf("expected consumer norm-7, got %s", cfg.Consumer)
	}
}

func TestConfig_IsDev(t *testing.T) {
	c := &Config{Env: "development"}
	if !c.IsDev() {
		t.Error("expected IsDev() to return true for development")
	}

	c.Env = "production"
	if c.IsDev() {
		t.Error("expected IsDev() to return false for production")
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := &Config{
		RawStream: "hl7:raw", NormStream: "hl7:norm", DLQStream: "hl7:dlq",
		RawMaxLen: 5000, NormMaxLen: 100000, DLQMaxLen: 50000,
		IngestBatch: 100, PollInterval: 0.5,
		NormalizeCount: 256, NormalizeBlockMS: 1000,
		LogLevel: "info",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	dup := *valid
	dup.NormStream = "hl7:raw"
	if err := dup.Validate(); err == nil {
		t.Error("expected error for duplicate stream names")
	}

	badLevel := *valid
	badLevel.LogLevel = "loud"
	if err := badLevel.Validate(); err == nil {
		t.Error("expected error for unknown LOGLEVEL")
	}

	badBatch := *valid
	badBatch.IngestBatch = 0
	if err := badBatch.Validate(); err == nil {
		t.Error("expected error for zero ingest batch")
	}
}
