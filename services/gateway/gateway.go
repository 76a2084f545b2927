// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gateway provides the admission-control gateway service that sits
// between an LLM agent and the Sapheneia backends.
//
// This package contains the main service type that coordinates all
// components: HTTP routing, the declared tool catalog, per-category rate
// limiting, the tiered confirmation authority, outbound credential
// management, and observability infrastructure.
//
// # Design
//
// The gateway enforces admission control in layers. An inbound request
// first passes the shared-secret auth gate, then catalog lookup, then the
// category rate limiter, then the confirmation authority, and only then
// reaches a backend through the resilient request path. Each layer fails
// closed except inbound auth, which runs open (with a loud warning) when
// no token is configured, matching single-host development deployments.
//
// # Usage
//
//	cfg := gateway.Config{Port: 12240}
//	svc, err := gateway.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run())
package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/AleutianGateway/services/gateway/confirm"
	"github.com/AleutianAI/AleutianGateway/services/gateway/middleware"
	"github.com/AleutianAI/AleutianGateway/services/gateway/observability"
	"github.com/AleutianAI/AleutianGateway/services/gateway/ratelimit"
	"github.com/AleutianAI/AleutianGateway/services/gateway/registry"
	"github.com/AleutianAI/AleutianGateway/services/gateway/routes"
	"github.com/AleutianAI/AleutianGateway/services/gateway/upstream"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the gateway service.
//
// # Description
//
// Service abstracts the gateway lifecycle, enabling testing and
// alternative implementations. The interface follows the minimal surface
// area principle - only essential lifecycle methods are exposed.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run() blocks and should
// only be called once per instance.
//
// # Limitations
//
//   - No graceful shutdown method yet (planned for future)
//   - Run() blocks until server error
//
// # Assumptions
//
//   - Service is fully initialized before Run() is called
//   - Run() is called at most once per Service instance
type Service interface {
	// Run starts the HTTP server and blocks until shutdown or error.
	Run() error

	// Router returns the underlying Gin engine for testing.
	//
	// # Assumptions
	//
	//   - Caller will not modify the router
	Router() *gin.Engine
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds gateway configuration options.
//
// # Description
//
// Config centralizes all configuration for the gateway service. Values
// can be populated from environment variables, config files, or
// programmatically for testing.
//
// # Required Fields
//
// None - all fields have sensible defaults. A deployment without
// APIToken runs with inbound auth DISABLED and one without ConfirmSecret
// mints a random per-process secret, which invalidates outstanding
// confirmation tokens on restart.
//
// # Examples
//
//	// Minimal config (uses all defaults)
//	cfg := Config{}
//
//	// Production-shaped configuration
//	cfg := Config{
//	    Port:            12240,
//	    APIToken:        os.Getenv("ALEUTIAN_API_TOKEN"),
//	    ConfirmSecret:   os.Getenv("GATEWAY_CONFIRM_SECRET"),
//	    TradingBaseURL:  "http://sapheneia-trading-service:9000",
//	    AIBaseURL:       "http://sapheneia-ai-service:9100",
//	}
type Config struct {
	// Port is the HTTP server port. Default: 12240
	Port int

	// APIToken is the inbound shared-secret bearer token. When empty,
	// inbound authentication is disabled.
	APIToken string

	// ConfirmSecret is the HMAC key for confirmation tokens. When empty,
	// a random per-process secret is generated.
	ConfirmSecret string

	// ConfirmTTL is the confirmation token validity window.
	// Default: 5 minutes
	ConfirmTTL time.Duration

	// SweepInterval drives the background sweepers (used-token clear and
	// rate-limit bucket garbage collection). Default: 1 minute
	SweepInterval time.Duration

	// CatalogFile optionally overrides the embedded tool catalog with an
	// on-disk YAML file, reloaded on change. Empty disables the override.
	CatalogFile string

	// RequestTimeout is the per-invocation outbound budget.
	// Default: 30 seconds
	RequestTimeout time.Duration

	// TradingBaseURL is the trading backend base URL.
	// Default: "http://sapheneia-trading-service:9000"
	TradingBaseURL string

	// AIBaseURL is the AI backend base URL.
	// Default: "http://sapheneia-ai-service:9100"
	AIBaseURL string

	// ServiceUser and ServicePassword are the outbound login credentials.
	// When empty, outbound calls are sent without Authorization.
	ServiceUser     string
	ServicePassword string

	// CredentialMargin is subtracted from reported credential lifetimes
	// so tokens refresh before they expire. Default: 1 minute
	CredentialMargin time.Duration

	// OTelEndpoint is the OpenTelemetry collector endpoint.
	// Default: "aleutian-otel-collector:4317"
	OTelEndpoint string

	// EnableMetrics enables the Prometheus metrics endpoint.
	// Default: true
	EnableMetrics bool

	// GinMode sets the Gin framework mode.
	// Valid values: "debug", "release", "test"
	// Default: uses GIN_MODE env var or "debug"
	GinMode string
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service for production use.
//
// # Thread Safety
//
// Thread-safe after construction. All fields are read-only after New()
// returns; the components themselves guard their own state.
type service struct {
	config        Config
	router        *gin.Engine
	registry      *registry.Registry
	watcher       *registry.Watcher
	authority     *confirm.Authority
	limiter       *ratelimit.Limiter
	credentials   *upstream.CredentialManager
	client        *upstream.Client
	tracerCleanup func(context.Context)
}

// =============================================================================
// Constructor
// =============================================================================

// New creates a new gateway Service with the given configuration.
//
// # Description
//
// New initializes all gateway components:
//  1. Applies default configuration for missing values
//  2. Initializes OpenTelemetry tracing
//  3. Initializes Prometheus metrics
//  4. Loads the tool catalog (embedded, plus optional file override)
//  5. Creates the confirmation authority and rate limiter with sweepers
//  6. Creates the outbound credential manager and request client
//  7. Sets up HTTP routes
//
// # Inputs
//
//   - cfg: Service configuration. Zero values use defaults.
//
// # Outputs
//
//   - Service: Ready-to-run gateway service
//   - error: Non-nil if initialization fails
//
// # Limitations
//
//   - The catalog override file, if configured, must parse at startup
//
// # Assumptions
//
//   - The OTel collector and backends are reachable if configured
func New(cfg Config) (Service, error) {
	s := &service{
		config: applyConfigDefaults(cfg),
	}

	cleanup, err := s.initTracer()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	if s.config.EnableMetrics {
		observability.InitMetrics()
		slog.Info("Initialized Prometheus metrics for gateway")
	}

	if err := s.initRegistry(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize tool catalog: %w", err)
	}

	if err := s.initAdmission(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize admission control: %w", err)
	}

	s.initUpstream()
	s.initRouter()

	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run starts the HTTP server and blocks until shutdown or error.
func (s *service) Run() error {
	defer s.cleanup()

	addr := fmt.Sprintf(":%d", s.config.Port)
	slog.Info("Starting gateway server", "port", s.config.Port)

	return s.router.Run(addr)
}

// Router returns the underlying Gin engine for testing.
func (s *service) Router() *gin.Engine {
	return s.router
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12240
	}
	if cfg.ConfirmTTL == 0 {
		cfg.ConfirmTTL = confirm.DefaultTTL
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = ratelimit.DefaultSweepInterval
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = upstream.DefaultTimeout
	}
	if cfg.TradingBaseURL == "" {
		cfg.TradingBaseURL = "http://sapheneia-trading-service:9000"
	}
	if cfg.AIBaseURL == "" {
		cfg.AIBaseURL = "http://sapheneia-ai-service:9100"
	}
	if cfg.CredentialMargin == 0 {
		cfg.CredentialMargin = upstream.DefaultRefreshMargin
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "aleutian-otel-collector:4317"
	}
	cfg.EnableMetrics = true

	return cfg
}

// initTracer initializes OpenTelemetry distributed tracing.
//
// # Limitations
//
//   - Uses insecure gRPC connection (appropriate for internal networks)
//
// # Assumptions
//
//   - OTel collector is reachable at configured endpoint
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("gateway-service")))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}

	return cleanup, nil
}

// initRegistry loads the embedded tool catalog and, when a catalog file
// override is configured, layers the file on top and starts the watcher
// that reloads it on change.
func (s *service) initRegistry() error {
	reg, err := registry.New()
	if err != nil {
		return err
	}
	s.registry = reg

	if s.config.CatalogFile == "" {
		slog.Info("Tool catalog loaded from embedded defaults",
			"tools", len(reg.Tools()))
		return nil
	}

	if err := reg.LoadFile(s.config.CatalogFile); err != nil {
		return fmt.Errorf("catalog override %s: %w", s.config.CatalogFile, err)
	}
	slog.Info("Tool catalog loaded from override file",
		"path", s.config.CatalogFile,
		"tools", len(reg.Tools()))

	watcher := registry.NewWatcher(reg, s.config.CatalogFile)
	if err := watcher.Start(context.Background()); err != nil {
		// Hot reload is a convenience; the catalog itself loaded fine.
		slog.Warn("Catalog watcher unavailable, changes require restart",
			"error", err)
		return nil
	}
	s.watcher = watcher

	return nil
}

// initAdmission creates the confirmation authority and rate limiter and
// starts their background sweepers.
func (s *service) initAdmission() error {
	secret := s.config.ConfirmSecret
	if secret == "" {
		generated, err := randomSecret()
		if err != nil {
			return fmt.Errorf("failed to generate confirmation secret: %w", err)
		}
		secret = generated
		slog.Warn("GATEWAY_CONFIRM_SECRET is not set: using a random per-process secret. " +
			"Confirmation tokens will NOT survive a restart.")
	}

	authority, err := confirm.NewAuthority([]byte(secret), s.config.ConfirmTTL, nil, nil)
	if err != nil {
		return err
	}
	s.authority = authority
	if err := s.authority.StartSweeper(context.Background(), s.config.SweepInterval); err != nil {
		return fmt.Errorf("failed to start confirmation sweeper: %w", err)
	}

	s.limiter = ratelimit.New(s.registry, nil)
	if err := s.limiter.StartSweeper(context.Background(), s.config.SweepInterval); err != nil {
		return fmt.Errorf("failed to start rate-limit sweeper: %w", err)
	}

	slog.Info("Admission control initialized",
		"confirm_ttl", s.config.ConfirmTTL.String(),
		"sweep_interval", s.config.SweepInterval.String())

	return nil
}

// initUpstream creates the outbound credential manager and request client.
func (s *service) initUpstream() {
	s.credentials = upstream.NewCredentialManager(
		s.config.TradingBaseURL+"/auth/service-login",
		s.config.ServiceUser,
		s.config.ServicePassword,
		s.config.CredentialMargin,
		nil)

	s.client = upstream.NewClient(upstream.Config{
		TradingBaseURL: s.config.TradingBaseURL,
		AIBaseURL:      s.config.AIBaseURL,
		DefaultTimeout: s.config.RequestTimeout,
	}, s.credentials)

	slog.Info("Upstream clients initialized",
		"trading", s.config.TradingBaseURL,
		"ai", s.config.AIBaseURL,
		"timeout", s.config.RequestTimeout.String())
}

// initRouter sets up the Gin HTTP router with all routes.
func (s *service) initRouter() {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}
	s.router = gin.Default()
	s.router.Use(otelgin.Middleware("gateway-service"))
	s.router.Use(middleware.RequestID())

	routes.SetupRoutes(s.router, s.config.APIToken, s.registry, s.limiter, s.authority, s.client)
}

// cleanup releases all resources held by the service.
//
// Called when Run() exits or on initialization failure.
func (s *service) cleanup() {
	if s.authority != nil {
		s.authority.StopSweeper()
	}
	if s.limiter != nil {
		s.limiter.StopSweeper()
	}
	if s.watcher != nil {
		s.watcher.Stop()
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}

// randomSecret returns 32 bytes of hex-encoded entropy for the
// per-process confirmation secret fallback.
func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)
