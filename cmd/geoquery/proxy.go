package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"geoquery/internal/proxy"
	"geoquery/internal/telemetry"
)

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Run the fetch-content proxy server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := appConfig

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		registry := prometheus.NewRegistry()
		metrics := telemetry.NewMetrics(registry)

		extractor := proxy.NewExtractor(nil, proxy.ExtractorConfig{
			Timeout:      cfg.Proxy.FetchTimeout,
			MaxBodyBytes: cfg.Proxy.MaxBodyBytes,
			UserAgent:    cfg.Proxy.UserAgent,
		})

		var gatherer prometheus.Gatherer
		if cfg.Telemetry.MetricsEnabled {
			gatherer = registry
		}
		router := proxy.NewRouter(proxy.NewHandler(extractor, metrics), gatherer)

		return proxy.Start(ctx, cfg.ListenAddr(), router)
	},
}

func init() {
	rootCmd.AddCommand(proxyCmd)
}
