// Command flowforge runs the workflow orchestration service: HTTP and
// WebSocket surface, run coordinator, and persistent store.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/flowforge-io/flowforge/config"
	"github.com/flowforge-io/flowforge/graph"
	"github.com/flowforge-io/flowforge/graph/emit"
	"github.com/flowforge-io/flowforge/graph/runner"
	"github.com/flowforge-io/flowforge/graph/store"
	"github.com/flowforge-io/flowforge/graph/tool"
	"github.com/flowforge-io/flowforge/llm"
	"github.com/flowforge-io/flowforge/server"
	"github.com/flowforge-io/flowforge/workflows/review"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := newLogger(cfg.LogLevel)
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("service failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	// Tracing: spans are recorded through the global provider; deployments
	// attach exporters via OTEL_* environment configuration.
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer tp.Shutdown(context.Background())
	otelEmitter := emit.NewOTelEmitter(otel.Tracer("flowforge"))

	metrics := graph.NewMetrics(prometheus.NewRegistry())

	tools := tool.NewRegistry()
	preds := tool.NewPredicateRegistry()

	llmClient := newLLMClient(cfg, logger)
	if llmClient != nil {
		defer llmClient.Close()
	}
	if err := review.New(llmClient).Register(tools, preds); err != nil {
		return err
	}

	coord, err := runner.New(st, tools, preds, runner.Config{
		MaxConcurrentRuns:    cfg.MaxConcurrentRuns,
		DefaultMaxIterations: cfg.DefaultMaxIterations,
		DefaultTimeout:       cfg.DefaultRunTimeout,
		Logger:               logger,
		Metrics:              metrics,
		ExtraEmitters:        []emit.Emitter{otelEmitter},
	})
	if err != nil {
		return err
	}

	seedReviewGraph(coord, logger)

	srv := server.New(coord,
		server.WithLogger(logger),
		server.WithCORSOrigins(cfg.CORSOrigins),
		server.WithMetricsRegistry(metrics.Registry()),
	)

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Addr()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := coord.Shutdown(shutdownCtx); err != nil {
		logger.Warn("coordinator shutdown incomplete", zap.Error(err))
	}
	return nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.IsMySQL() {
		return store.NewMySQLStore(cfg.MySQLDSN())
	}
	return store.NewSQLiteStore(cfg.SQLitePath())
}

func newLLMClient(cfg *config.Config, logger *zap.Logger) llm.Client {
	if cfg.LLMProvider == "" {
		return nil
	}
	key := map[string]string{
		"anthropic": cfg.AnthropicAPIKey,
		"openai":    cfg.OpenAIAPIKey,
		"google":    cfg.GoogleAPIKey,
	}[cfg.LLMProvider]

	client, err := llm.NewClient(context.Background(), cfg.LLMProvider, cfg.LLMModel, key)
	if err != nil {
		logger.Warn("llm provider unavailable, using static suggestions",
			zap.String("provider", cfg.LLMProvider), zap.Error(err))
		return nil
	}
	logger.Info("llm provider configured", zap.String("provider", client.Name()))
	return client
}

// seedReviewGraph persists the built-in review workflow so it is runnable
// out of the box. An existing row is left untouched.
func seedReviewGraph(coord *runner.Coordinator, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := coord.CreateGraph(ctx, review.Definition())
	switch {
	case err == nil:
		logger.Info("seeded built-in graph", zap.String("graph", review.GraphName))
	case errors.Is(err, store.ErrDuplicate):
	default:
		logger.Warn("seeding built-in graph failed", zap.Error(err))
	}
}

func newLogger(level string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
