// Package cliutil holds the logging, signal-handling and metrics
// bootstrap shared by the three cmd binaries, so each one stays a thin
// flag-parsing shim over internal/engine.
package cliutil

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/xid"
	"go.uber.org/zap"

	"github.com/aetherflow/qudp/internal/config"
	"github.com/aetherflow/qudp/internal/metrics"
)

// BuildLogger constructs a zap logger per cfg.Log. Every line carries
// a run id generated once per process, so lines from one run can be
// told apart from another's. The sender and receiver each generate
// their own id; the two ids do not match.
func BuildLogger(cfg *config.Config) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.Log.Format == "json" {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}
	var lvl zap.AtomicLevel
	if err := lvl.UnmarshalText([]byte(cfg.Log.Level)); err == nil {
		zcfg.Level = lvl
	}
	log, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	return log.With(zap.String("run_id", xid.New().String())), nil
}

// AwaitShutdown cancels ctx on SIGINT/SIGTERM, blocking the calling
// goroutine until one arrives.
func AwaitShutdown(cancel context.CancelFunc, log *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("received signal, shutting down", zap.String("signal", sig.String()))
	cancel()
}

// MaybeServeMetrics starts the Prometheus exporter in the background
// when cfg.Metrics.Enable is set, returning nil otherwise.
func MaybeServeMetrics(ctx context.Context, log *zap.Logger, cfg *config.Config) *metrics.Recorder {
	if !cfg.Metrics.Enable {
		return nil
	}
	rec := metrics.New()
	addr := fmt.Sprintf("%s:%d", cfg.Metrics.Host, cfg.Metrics.Port)
	go func() {
		if err := metrics.Serve(ctx, addr, rec); err != nil {
			log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	return rec
}
