package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/fluxrt/pkg/config"
	"github.com/cuemby/fluxrt/pkg/log"
	"github.com/cuemby/fluxrt/pkg/runtime"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "boot a fluxrt runtime and block until signaled",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}

		rt, err := runtime.New(cfg)
		if err != nil {
			return fmt.Errorf("starting runtime: %w", err)
		}
		if err := rt.Start(); err != nil {
			return fmt.Errorf("starting runtime: %w", err)
		}

		logger := log.WithComponent("cli")
		logger.Info().Int("node_rank", cfg.NodeRank).Str("metrics_addr", cfg.MetricsAddr).Msg("fluxrtd running")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		logger.Info().Msg("shutting down")
		return rt.Shutdown()
	},
}
