package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/fluxrt/pkg/codelet"
	"github.com/cuemby/fluxrt/pkg/config"
	"github.com/cuemby/fluxrt/pkg/handle"
	"github.com/cuemby/fluxrt/pkg/runtime"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "submit a smoke-test task against a one-off in-process runtime",
	Long: `submit boots a runtime from the same configuration a daemon would use,
admits a single no-op codelet against it, waits for completion, and reports
the outcome. It exists to exercise the admission and worker-dispatch path
without a long-running daemon, the way a health check would.`,
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

		h := rt.RegisterHandle(-1, nil)
		done := make(chan error, 1)
		cl := &codelet.Codelet{
			Name: "fluxrtd-submit-smoketest",
			Implementations: map[codelet.Arch]codelet.KernelFunc{
				codelet.CPU: func(ctx *codelet.ExecContext) error { return nil },
			},
		}
		task := codelet.New(cl,
			codelet.Buffer(h, handle.ModeWrite()),
			codelet.Callback(func(err error) { done <- err }),
		)

		if _, err := rt.Submit(task, codelet.CPU); err != nil {
			return fmt.Errorf("submit: %w", err)
		}

		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("smoke-test task failed: %w", err)
			}
			fmt.Println("ok: task executed")
			return nil
		case <-time.After(10 * time.Second):
			return fmt.Errorf("smoke-test task timed out: no worker picked it up")
		}
	},
}
