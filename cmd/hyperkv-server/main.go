// Command hyperkv-server runs a HyperKV node: it loads configuration,
// starts the server core, exposes Prometheus metrics, and shuts down
// gracefully on SIGINT/SIGTERM.
//
// Exit codes: 0 on normal exit, 130 when terminated by a signal, 1 for
// startup or configuration failure.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hyperkv/hyperkv/config"
	pmet "github.com/hyperkv/hyperkv/metrics/prom"
	"github.com/hyperkv/hyperkv/server"
)

func main() {
	var (
		configPath  string
		metricsAddr string
	)

	root := &cobra.Command{
		Use:           "hyperkv-server",
		Short:         "HyperKV in-memory key-value store",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath, metricsAddr)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML configuration file")
	root.Flags().StringVar(&metricsAddr, "metrics", "", "serve Prometheus metrics at addr (e.g. :9121); empty = disabled")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "hyperkv-server:", err)
		os.Exit(1)
	}
	if ctx.Err() != nil {
		os.Exit(130)
	}
}

func run(ctx context.Context, configPath, metricsAddr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck // stderr sync failure is unactionable

	var metrics server.Metrics = server.NoopMetrics{}
	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		metrics = pmet.New(reg, "hyperkv", "server", prometheus.Labels{"node_id": cfg.NodeID})
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			log.Info("metrics listener started", zap.String("addr", metricsAddr))
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				log.Error("metrics listener failed", zap.Error(err))
			}
		}()
	}

	srv, err := server.New(server.Options{
		Config:  cfg,
		Logger:  log,
		Metrics: metrics,
	})
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("signal received, shutting down")
	return srv.Stop()
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
