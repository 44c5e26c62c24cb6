package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/agentgate/pkg/agentgate/channels/discord"
	"github.com/jholhewres/agentgate/pkg/agentgate/gateway"
)

// newServeCmd creates the `agentgate serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the daemon with channels, scheduler and ops API",
		Long: `Start agentgate as a daemon: connects the enabled platform channels,
runs the cron scheduler, probes provider health and serves the HTTP ops API.

Examples:
  agentgate serve
  agentgate serve --config ./config.yaml`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, configPath, err := loadConfig(cmd, nil)
	if err != nil {
		return err
	}
	logger := buildLogger(cmd, cfg)
	logger.Info("config loaded", "path", configPath)

	rt, err := buildRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Platform channels.
	if cfg.Channels.DiscordEnabled && cfg.Channels.Discord.Token != "" {
		dc := discord.New(cfg.Channels.Discord, logger)
		if err := dc.Connect(ctx); err != nil {
			logger.Error("connecting Discord", "err", err)
		} else {
			go rt.dispatcher.Pump(ctx, dc)
			defer dc.Disconnect()
		}
	}

	if err := rt.sched.Start(ctx); err != nil {
		return err
	}
	rt.monitor.Start(ctx)

	var gw *gateway.Gateway
	if cfg.Gateway.Enabled {
		gw = gateway.New(rt.dispatcher, rt.store, rt.sched, rt.monitor, cfg.Gateway, logger)
		if err := gw.Start(ctx); err != nil {
			logger.Error("starting ops API", "err", err)
		}
	}

	logger.Info("agentgate running, press Ctrl+C to stop",
		"personas", len(cfg.Personas),
		"providers", len(cfg.Providers),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received, stopping")

	done := make(chan struct{})
	go func() {
		cancel()
		rt.sched.Stop()
		rt.monitor.Stop()
		if gw != nil {
			shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			_ = gw.Stop(shutdownCtx)
			stop()
		}
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out after 10s, forcing exit")
	}
	return nil
}
