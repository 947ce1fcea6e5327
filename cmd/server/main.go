// Package main is the entry point for the breakout engine server: it loads
// configuration, wires the exchange client, market stream, engine and API server
// together, and runs until SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atlas-desktop/breakout-engine/internal/api"
	"github.com/atlas-desktop/breakout-engine/internal/diagnostics"
	"github.com/atlas-desktop/breakout-engine/internal/engine"
	"github.com/atlas-desktop/breakout-engine/internal/exchange"
	"github.com/atlas-desktop/breakout-engine/internal/marketstream"
	"github.com/atlas-desktop/breakout-engine/internal/ratelimiter"
	"github.com/atlas-desktop/breakout-engine/pkg/config"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	host := flag.String("host", "0.0.0.0", "API server host")
	port := flag.Int("port", 8080, "API server port")
	configPath := flag.String("config", "./config.yaml", "Path to the YAML config file")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	paperTrading := flag.Bool("paper", true, "Enable paper trading mode")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	preset, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	logger.Info("starting breakout engine",
		zap.String("host", *host),
		zap.Int("port", *port),
		zap.String("config", *configPath),
		zap.Bool("paperTrading", *paperTrading),
		zap.String("exchange", preset.Exchange.Name),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	limiterCfg := ratelimiter.Config{
		PerSec: map[ratelimiter.Category]float64{
			ratelimiter.CategoryMarketData: preset.RateLimit.MarketDataPerSec,
			ratelimiter.CategoryTrading:    preset.RateLimit.TradingPerSec,
			ratelimiter.CategoryAccount:    preset.RateLimit.AccountPerSec,
			ratelimiter.CategoryPublic:     preset.RateLimit.PublicPerSec,
		},
		MinInterval: time.Duration(preset.RateLimit.MinIntervalMs) * time.Millisecond,
		MaxRetries:  preset.RateLimit.MaxRetries,
	}
	limiter := ratelimiter.New(logger, limiterCfg)

	bybitCfg := exchange.DefaultBybitConfig()
	bybitCfg.APIKey = preset.Exchange.APIKey
	bybitCfg.APISecret = preset.Exchange.APISecret
	if preset.Exchange.BaseURL != "" {
		bybitCfg.BaseURL = preset.Exchange.BaseURL
	}
	if preset.Exchange.Testnet {
		bybitCfg.BaseURL = "https://api-testnet.bybit.com"
	}

	var client exchange.Client = exchange.NewBybit(logger, bybitCfg, limiter)
	if *paperTrading {
		client = exchange.NewPaper(logger, client, exchange.DefaultPaperConfig())
		logger.Warn("paper trading enabled: orders are simulated, not sent to the exchange")
	}

	streamer := marketstream.New(logger, marketstream.DefaultConfig())
	if err := streamer.Start(ctx); err != nil {
		logger.Fatal("failed to start market stream", zap.Error(err))
	}
	defer streamer.Stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())

	tracer := diagnostics.New(logger, registry)
	_ = diagnostics.NewMemorySink() // reference persistence sink; wired in by a real adapter when one exists

	eng := engine.New(logger, preset, engine.DefaultConfig(), client, streamer, tracer)
	if err := eng.Start(ctx); err != nil {
		logger.Fatal("failed to start engine", zap.Error(err))
	}

	apiCfg := api.DefaultConfig()
	apiCfg.Host = *host
	apiCfg.Port = *port
	server := api.New(logger, apiCfg, eng, tracer, registry)

	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("api server stopped with error", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping")
	cancel()
	eng.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("api server shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}
