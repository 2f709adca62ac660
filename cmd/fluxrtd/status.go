package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/fluxrt/pkg/config"
	"github.com/cuemby/fluxrt/pkg/runtime"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "boot a runtime from config and report its worker pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}

		rt, err := runtime.New(cfg)
		if err != nil {
			return err
		}
		if err := rt.Start(); err != nil {
			return err
		}
		defer rt.Shutdown()

		fmt.Printf("node_rank=%d world_size=%d scheduler=%s arbiter_mode=%s\n",
			cfg.NodeRank, cfg.WorldSize, cfg.SchedulerPolicy, cfg.ArbiterMode)
		for _, w := range rt.Workers() {
			fmt.Printf("worker %-16s arch=%-8s state=%-12s queue_depth=%d\n",
				w.ID(), w.Arch(), w.State(), w.QueueDepth())
		}
		return nil
	},
}
