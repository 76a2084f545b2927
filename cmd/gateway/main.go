// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command gateway starts the AleutianGateway HTTP server.
//
// This is the main entry point for the containerized gateway service.
// It reads configuration from environment variables and starts the server.
//
// # Environment Variables
//
//   - GATEWAY_PORT: HTTP server port (default: 12240)
//   - ALEUTIAN_API_TOKEN: inbound shared-secret bearer token (empty disables inbound auth)
//   - GATEWAY_CONFIRM_SECRET: HMAC key for confirmation tokens (empty mints a per-process key)
//   - GATEWAY_CONFIRM_TTL_SECONDS: confirmation token lifetime (default: 300)
//   - GATEWAY_SWEEP_INTERVAL_SECONDS: background sweep cadence (default: 60)
//   - GATEWAY_CATALOG_FILE: optional YAML catalog override, hot-reloaded on change
//   - GATEWAY_REQUEST_TIMEOUT_MS: outbound request budget (default: 30000)
//   - SAPHENEIA_TRADING_SERVICE_URL: trading backend (default: http://sapheneia-trading-service:9000)
//   - SAPHENEIA_AI_SERVICE_URL: AI backend (default: http://sapheneia-ai-service:9100)
//   - SAPHENEIA_SERVICE_USER / SAPHENEIA_SERVICE_PASSWORD: outbound login credentials
//   - GATEWAY_CREDENTIAL_MARGIN_SECONDS: refresh margin for outbound credentials (default: 60)
//   - GATEWAY_LOG_DIR: optional directory for per-day JSON audit log files
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (default: aleutian-otel-collector:4317)
//
// # Usage
//
//	# Build
//	go build -o gateway ./cmd/gateway
//
//	# Run
//	./gateway
//
//	# Or via container
//	podman-compose up gateway
package main

import (
	"log"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/AleutianAI/AleutianGateway/pkg/logging"
	"github.com/AleutianAI/AleutianGateway/services/gateway"
)

func main() {
	// Setup structured logging. GATEWAY_LOG_DIR additionally keeps a
	// per-day JSON audit file of every admission decision.
	logger := logging.New(logging.Config{
		Level:   logging.LevelInfo,
		LogDir:  os.Getenv("GATEWAY_LOG_DIR"),
		Service: "gateway",
		JSON:    true,
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	// Build configuration from environment variables
	cfg := gateway.Config{
		Port:             getEnvInt("GATEWAY_PORT", 12240),
		APIToken:         os.Getenv("ALEUTIAN_API_TOKEN"),
		ConfirmSecret:    os.Getenv("GATEWAY_CONFIRM_SECRET"),
		ConfirmTTL:       getEnvSeconds("GATEWAY_CONFIRM_TTL_SECONDS", 300),
		SweepInterval:    getEnvSeconds("GATEWAY_SWEEP_INTERVAL_SECONDS", 60),
		CatalogFile:      os.Getenv("GATEWAY_CATALOG_FILE"),
		RequestTimeout:   time.Duration(getEnvInt("GATEWAY_REQUEST_TIMEOUT_MS", 30000)) * time.Millisecond,
		TradingBaseURL:   getEnvString("SAPHENEIA_TRADING_SERVICE_URL", "http://sapheneia-trading-service:9000"),
		AIBaseURL:        getEnvString("SAPHENEIA_AI_SERVICE_URL", "http://sapheneia-ai-service:9100"),
		ServiceUser:      os.Getenv("SAPHENEIA_SERVICE_USER"),
		ServicePassword:  os.Getenv("SAPHENEIA_SERVICE_PASSWORD"),
		CredentialMargin: getEnvSeconds("GATEWAY_CREDENTIAL_MARGIN_SECONDS", 60),
		OTelEndpoint:     getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", "aleutian-otel-collector:4317"),
	}

	slog.Info("Starting gateway",
		"port", cfg.Port,
		"trading_url", cfg.TradingBaseURL,
		"ai_url", cfg.AIBaseURL,
		"catalog_file", cfg.CatalogFile,
	)

	svc, err := gateway.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create gateway: %v", err)
	}

	// Run the server (blocks until shutdown)
	if err := svc.Run(); err != nil {
		log.Fatalf("Gateway error: %v", err)
	}
}

// getEnvString returns the environment variable value or a default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvSeconds returns the environment variable as a second count or a
// default, expressed as a time.Duration.
func getEnvSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, defaultSeconds)) * time.Second
}
