package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/redinklabs/redink-core/internal/server"
	"github.com/redinklabs/redink-core/pkg/config"
	"github.com/redinklabs/redink-core/pkg/devices"
	"github.com/redinklabs/redink-core/pkg/logging"
	"github.com/redinklabs/redink-core/pkg/storage"
	"github.com/redinklabs/redink-core/pkg/telemetry"
)

// configTypes lists the service classes this deployment manages.
var configTypes = []string{"text", "image"}

func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE:  runServe,
	}
	serveCmd.Flags().String("listen", "", "Listen address (overrides config)")
	return serveCmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfigAndLogger(cmd)
	if err != nil {
		return err
	}

	logger.Info().
		Str("root", cfg.Storage.Root).
		Str("durable_root", cfg.Storage.DurableRoot).
		Msg("starting redink-core")

	ctx := context.Background()
	shutdownTracing, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: "redink-core",
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		logger.Error().Err(err).Msg("telemetry setup failed, continuing without tracing")
		shutdownTracing = func(context.Context) error { return nil }
	}

	metrics := telemetry.NewMetrics()
	tiered := storage.NewTieredStore(cfg.Storage.Root, cfg.Storage.DurableRoot,
		storage.WithLogger(logger),
		storage.WithMetrics(metrics),
	)

	stores := make(map[string]*devices.Store, len(configTypes))
	watchers := make([]*storage.DocumentWatcher, 0, len(configTypes))
	for _, configType := range configTypes {
		// Reconcile tiers up front so runtime files holding credentials
		// are promoted before the first request arrives.
		if _, found, err := tiered.Load(ctx, configType); err != nil {
			logger.Error().Err(err).Str("config_type", configType).Msg("initial config reconciliation failed")
		} else if !found {
			logger.Info().Str("config_type", configType).Msg("no stored provider config yet")
		}

		stores[configType] = devices.NewStore(configType, tiered,
			devices.WithLogger(logger),
			devices.WithMetrics(metrics),
		)

		w, err := tiered.NewDocumentWatcher(configType, logger)
		if err != nil {
			logger.Error().Err(err).Str("config_type", configType).Msg("document watcher unavailable")
			continue
		}
		watchers = append(watchers, w)
		go trackLiveDevices(w, configType, metrics)
	}

	srv := server.New(tiered, stores, logger, metrics)

	addr := cfg.Server.Address
	if flagAddr, _ := cmd.Flags().GetString("listen"); flagAddr != "" {
		addr = flagAddr
	}
	httpSrv, err := srv.Start(addr)
	if err != nil {
		return err
	}

	waitForShutdown(httpSrv, watchers, shutdownTracing, logger)
	return nil
}

// trackLiveDevices keeps the live-devices gauge current as provider files
// change on disk, including edits made outside this process.
func trackLiveDevices(w *storage.DocumentWatcher, configType string, metrics *telemetry.Metrics) {
	for doc := range w.Subscribe() {
		now := time.Now()
		for name, entry := range doc.Providers {
			live := 0
			for _, d := range entry.AuthorizedDevices {
				if d.Live(now) {
					live++
				}
			}
			metrics.SetDevicesLive(configType, name, live)
		}
	}
}

func waitForShutdown(srv *http.Server, watchers []*storage.DocumentWatcher, shutdownTracing func(context.Context) error, logger zerolog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, w := range watchers {
		if err := w.Close(); err != nil {
			logger.Error().Err(err).Msg("watcher close error")
		}
	}
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
	if err := shutdownTracing(ctx); err != nil {
		logger.Error().Err(err).Msg("tracing shutdown error")
	}
	logger.Info().Msg("shutdown complete")
}

// loadConfigAndLogger resolves the shared flags into a loaded config and
// a configured logger.
func loadConfigAndLogger(cmd *cobra.Command) (*config.Config, zerolog.Logger, error) {
	configPath, _ := cmd.Flags().GetString("config")
	logLevel, _ := cmd.Flags().GetString("log-level")
	pretty, _ := cmd.Flags().GetBool("pretty")

	// A missing config file is fine: defaults plus env overrides apply.
	if _, err := os.Stat(configPath); err != nil {
		configPath = ""
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}

	level := cfg.Logging.Level
	if cmd.Flags().Changed("log-level") {
		level = logLevel
	}
	logger := logging.NewLogger(logging.Config{
		Level:  level,
		Pretty: pretty || cfg.Logging.Pretty,
	})

	return cfg, logger, nil
}
