package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/oncopulse/pulse/internal/config"
	"github.com/oncopulse/pulse/internal/domain/ingest"
	"github.com/oncopulse/pulse/internal/domain/insights"
	"github.com/oncopulse/pulse/internal/domain/normalize"
	"github.com/oncopulse/pulse/internal/domain/patient"
	"github.com/oncopulse/pulse/internal/platform/ai"
	"github.com/oncopulse/pulse/internal/platform/broker"
	"github.com/oncopulse/pulse/internal/platform/fhir"
	"github.com/oncopulse/pulse/internal/platform/hl7feed"
	"github.com/oncopulse/pulse/internal/platform/middleware"
	"github.com/oncopulse/pulse/internal/platform/openfda"
	"github.com/oncopulse/pulse/internal/platform/sandbox"
	"github.com/oncopulse/pulse/internal/platform/telemetry"
)

const version = "0.1.0"

// apiRequestTimeout bounds one insights composition: sequential FHIR fetches
// plus the FDA crawl with its retry pauses.
const apiRequestTimeout = 60 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pulse-server",
		Short: "Oncology intelligence API and pipeline workers",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(normalizeCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(checkNormCmd())
	return rootCmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the insights API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func ingestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest",
		Short: "Run the HL7 feed ingestor worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest()
		},
	}
}

func normalizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "normalize",
		Short: "Run the normalizer worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNormalize()
		},
	}
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Publish synthetic ORU messages to the raw stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			count, _ := cmd.Flags().GetInt("count")
			patients, _ := cmd.Flags().GetInt("patients")
			seed, _ := cmd.Flags().GetInt64("seed")
			return runSeed(count, patients, seed)
		},
	}
	cmd.Flags().Int("count", 50, "Number of messages to publish")
	cmd.Flags().Int("patients", 5, "Number of synthetic patients")
	cmd.Flags().Int64("seed", 0, "Random seed (0 = time-based)")
	return cmd
}

func checkNormCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check-norm",
		Short: "Verify recent normalized-stream entries against the event contract",
		RunE: func(cmd *cobra.Command, args []string) error {
			count, _ := cmd.Flags().GetInt64("count")
			return runCheckNorm(count)
		},
	}
	cmd.Flags().Int64("count", 50, "Number of most recent entries to verify")
	return cmd
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

// logLevel maps LOGLEVEL values to zerolog levels. Unknown or empty values
// fall back to info so a typo never silences the process.
func logLevel(name string) zerolog.Level {
	switch strings.ToLower(name) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func runServer() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	logger = logger.Level(logLevel(cfg.LogLevel))

	// Broker backs the stream-depth gauges only; the API itself serves
	// without Redis, so a failed ping is a warning here.
	br, err := broker.New(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid redis url")
	}
	defer br.Close()
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := br.Ping(pingCtx); err != nil {
		logger.Warn().Err(err).Msg("redis unreachable at startup")
	}
	pingCancel()

	// Upstream clients
	tokens := fhir.NewTokenManager(cfg.FHIRBase, cfg.FHIRTokenURL, cfg.FHIRClientID, cfg.FHIRClientSecret, logger)
	fhirClient := fhir.NewClient(cfg.FHIRBase, tokens, logger)
	feed := hl7feed.NewClient(cfg.HL7Base, logger)
	fda := openfda.NewClient(cfg.FDABase, logger)
	aiClient := ai.NewClient(cfg.AIBase, logger)

	tp := telemetry.NewTelemetryProvider(telemetry.TelemetryConfig{
		ServiceName:    "pulse",
		ServiceVersion: version,
		Environment:    cfg.Env,
	})

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.SecurityHeaders())
	e.Use(tp.TracingMiddleware())
	e.Use(tp.MetricsMiddleware())

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/metrics", tp.PrometheusHandler())

	// Patient-scoped API
	api := e.Group("")
	api.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))
	api.Use(middleware.RequestTimeout(apiRequestTimeout))
	api.Use(middleware.Audit(logger))

	patient.NewHandler(patient.NewService(fhirClient, logger)).RegisterRoutes(api)
	insightsSvc := insights.NewService(fhirClient, feed, fda, aiClient, logger)
	insights.NewHandler(insightsSvc, tp.Pipeline()).RegisterRoutes(api)

	// Stream-depth gauges for /metrics
	gaugeCtx, gaugeCancel := context.WithCancel(context.Background())
	defer gaugeCancel()
	go watchStreams(gaugeCtx, br, tp.HealthMetrics(), logger, cfg.RawStream, cfg.NormStream, cfg.DLQStream)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func runIngest() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	logger = logger.Level(logLevel(cfg.LogLevel))

	br, err := broker.New(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid redis url")
	}
	defer br.Close()

	tp := telemetry.NewTelemetryProvider(telemetry.TelemetryConfig{
		ServiceName:    "pulse-ingest",
		ServiceVersion: version,
		Environment:    cfg.Env,
	})

	w := ingest.NewWorker(hl7feed.NewClient(cfg.HL7Base, logger), br, tp.Pipeline(), logger)
	w.Stream = cfg.RawStream
	w.MaxLen = cfg.RawMaxLen
	w.Batch = cfg.IngestBatch
	w.PollInterval = time.Duration(cfg.PollInterval * float64(time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		cancel()
	}()

	logger.Info().Str("stream", w.Stream).Str("feed", cfg.HL7Base).Msg("ingest worker starting")
	w.Start(ctx)
	logger.Info().Msg("ingest worker stopped")
	return nil
}

func runNormalize() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	logger = logger.Level(logLevel(cfg.LogLevel))

	br, err := broker.New(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid redis url")
	}
	defer br.Close()

	tp := telemetry.NewTelemetryProvider(telemetry.TelemetryConfig{
		ServiceName:    "pulse-normalize",
		ServiceVersion: version,
		Environment:    cfg.Env,
	})

	w := normalize.NewWorker(br, tp.Pipeline(), logger)
	w.RawStream = cfg.RawStream
	w.NormStream = cfg.NormStream
	w.DLQStream = cfg.DLQStream
	w.Group = cfg.Group
	w.Consumer = consumerName(cfg.Consumer)
	w.NormMaxLen = cfg.NormMaxLen
	w.DLQMaxLen = cfg.DLQMaxLen
	w.Count = cfg.NormalizeCount
	w.Block = time.Duration(cfg.NormalizeBlockMS) * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		cancel()
	}()

	logger.Info().Str("group", w.Group).Str("consumer", w.Consumer).Msg("normalize worker starting")
	w.Start(ctx)
	logger.Info().Msg("normalize worker stopped")
	return nil
}

func runSeed(messages, patients int, seed int64) error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	br, err := broker.New(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer br.Close()

	seeder := sandbox.NewSeeder(sandbox.SeedConfig{
		Messages: messages,
		Patients: patients,
		Seed:     seed,
		Stream:   cfg.RawStream,
		MaxLen:   cfg.RawMaxLen,
	}, br, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	result, err := seeder.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Println(result.Summary())
	return nil
}

func runCheckNorm(count int64) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	br, err := broker.New(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer br.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	report, err := normalize.VerifyContract(ctx, br, cfg.NormStream, count)
	if err != nil {
		return err
	}

	for _, f := range report.Failures {
		fmt.Printf("[FAIL] %s -> %s\n", f.ID, f.Err)
	}
	if !report.OK() {
		return fmt.Errorf("contract failed: %d/%d entries invalid", len(report.Failures), report.Checked)
	}
	fmt.Printf("Contract OK: %d valid\n", report.Checked)
	return nil
}

// consumerName returns the configured consumer name, or a unique one so
// unnamed replicas never share a group slot.
func consumerName(configured string) string {
	if configured != "" {
		return configured
	}
	return "norm-" + uuid.NewString()[:8]
}

// watchStreams refreshes the broker and stream-depth gauges until ctx ends.
func watchStreams(ctx context.Context, br *broker.Client, health *telemetry.HealthMetricsRecorder, logger zerolog.Logger, streams ...string) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		refreshStreamGauges(ctx, br, health, streams)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func refreshStreamGauges(ctx context.Context, br *broker.Client, health *telemetry.HealthMetricsRecorder, streams []string) {
	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := br.Ping(probeCtx); err != nil {
		health.SetBrokerUp(false)
		return
	}
	health.SetBrokerUp(true)

	for _, s := range streams {
		n, err := br.Len(probeCtx, s)
		if err != nil {
			continue
		}
		health.SetStreamDepth(s, n)
	}
}
