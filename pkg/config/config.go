// Package config loads server configuration from environment variables.
package config

import (
	"os"

	"github.com/settld-labs/settld/pkg/rail"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// DatabaseURL selects the relational store; empty keeps everything in
	// memory.
	DatabaseURL string
	// RedisAddr enables the shared agent throttle; empty uses the local one.
	RedisAddr     string
	RedisPassword string

	// OpsTokens is the raw PROXY_OPS_TOKENS list.
	OpsTokens string

	// ReserveMode selects the external rail adapter: stub, sandbox, or
	// production.
	ReserveMode rail.Mode
	// RequireExternalReserve forces a rail reserve on every authorize.
	RequireExternalReserve bool
	RailBaseURL            string
	RailAPIKey             string

	// PolicyDir holds policy_*.yaml profiles loaded at startup.
	PolicyDir string

	// TokenSecret signs wallet decision and escalation override tokens.
	TokenSecret string

	// ExportBucket is the receipt-export destination: s3://bucket/prefix or
	// gs://bucket/prefix; empty disables scheduled export.
	ExportBucket string

	// OTLPEndpoint enables trace and metric export when set.
	OTLPEndpoint string
}

// Load reads configuration from the environment.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	mode := rail.Mode(os.Getenv("X402_CIRCLE_RESERVE_MODE"))
	if mode == "" {
		mode = rail.ModeStub
	}

	secret := os.Getenv("X402_TOKEN_SECRET")
	if secret == "" {
		secret = "dev-only-secret"
	}

	return &Config{
		Port:                   port,
		LogLevel:               logLevel,
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		RedisPassword:          os.Getenv("REDIS_PASSWORD"),
		OpsTokens:              os.Getenv("PROXY_OPS_TOKENS"),
		ReserveMode:            mode,
		RequireExternalReserve: os.Getenv("X402_REQUIRE_EXTERNAL_RESERVE") == "true",
		RailBaseURL:            os.Getenv("X402_RAIL_BASE_URL"),
		RailAPIKey:             os.Getenv("X402_RAIL_API_KEY"),
		PolicyDir:              os.Getenv("X402_POLICY_DIR"),
		TokenSecret:            secret,
		ExportBucket:           os.Getenv("X402_EXPORT_BUCKET"),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
}
