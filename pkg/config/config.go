// Package config loads process configuration: environment variables for
// the server basics, a YAML settings file for everything with structure.
// Both are read once at startup; nothing here mutates at runtime.
package config

import "os"

// Config holds server configuration sourced from the environment.
type Config struct {
	Addr         string
	LogLevel     string
	PolicyFile   string
	SettingsFile string
	RedisURL     string
	// ArchiveBackend selects the blob store for ended-session bundles
	// ("fs", "s3", "gcs"); empty disables blob archiving. The selected
	// backend reads its own ARCHIVE_* variables.
	ArchiveBackend string
	OTLPEndpoint   string
	// TracingEnabled gates the OTel providers; off by default so dev
	// runs do not need a collector.
	TracingEnabled bool
}

// Load loads configuration from environment variables.
func Load() *Config {
	addr := os.Getenv("HANDOFF_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	policyFile := os.Getenv("HANDOFF_POLICY_FILE")
	if policyFile == "" {
		policyFile = "policy.yaml"
	}

	settingsFile := os.Getenv("HANDOFF_SETTINGS_FILE")
	if settingsFile == "" {
		settingsFile = "handoff.yaml"
	}

	otlp := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otlp == "" {
		otlp = "localhost:4317"
	}

	return &Config{
		Addr:           addr,
		LogLevel:       logLevel,
		PolicyFile:     policyFile,
		SettingsFile:   settingsFile,
		RedisURL:       os.Getenv("REDIS_URL"),
		ArchiveBackend: os.Getenv("ARCHIVE_BACKEND"),
		OTLPEndpoint:   otlp,
		TracingEnabled: os.Getenv("HANDOFF_TRACING") == "true",
	}
}
