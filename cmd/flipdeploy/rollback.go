package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"flipdeploy/internal/deployment"
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback APP",
	Short: "Switch traffic back to the previously live slot",
	Long: `Switch an app's traffic back to its retired slot.

The retired slot's unit is reinstalled on the port it last served (which
restarts it), traffic is switched to that port and the slot becomes live
again. The slot that was live is retired, so a second rollback flips back.

Example:
  flipdeploy rollback svc`,
	Args: cobra.ExactArgs(1),
	RunE: runRollback,
}

func init() {
	rollbackCmd.Flags().String("user", "", "Remote user that owns the slots (default: remote.user from config)")
}

func runRollback(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, map[string]string{"remote.user": "user"})
	if err != nil {
		return err
	}
	cfg = cfg.WithApp(args[0])
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, logCloser, err := setupLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	st, err := openStack(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	fmt.Fprintf(cmd.OutOrStdout(), "Rolling back %s...\n", cfg.App)
	run, err := st.orchestrator(cfg, "").Rollback(cmd.Context(), cfg.App, cfg.Remote.User)
	if err != nil {
		if errors.Is(err, deployment.ErrNothingToRollBack) {
			return fmt.Errorf("%s has no retired slot to roll back to", cfg.App)
		}
		printFailure(cmd.ErrOrStderr(), run, err)
		return fmt.Errorf("rollback failed: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\nRollback successful!\n")
	if run.Previous != nil {
		fmt.Fprintf(out, "  Retired:  %s (port %d)\n", run.Previous.Color, run.Previous.Port)
	}
	fmt.Fprintf(out, "  Live:     %s (port %d)\n", run.Color, run.Port)
	return nil
}
