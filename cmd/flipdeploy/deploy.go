package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Deploy a project into the idle slot",
	Long: `Deploy a Cargo project into the idle slot of an app.

The run packages src/, Cargo.lock and Cargo.toml, uploads the archive to the
slot opposite the live one, builds it there, registers the slot's systemd
unit on a freshly allocated port and finally switches traffic to it.

A failure stops the run at the failing stage. Nothing is undone and the
previously live slot keeps serving.

Example:
  flipdeploy deploy --project . --app svc --user deploy`,
	Args: cobra.NoArgs,
	RunE: runDeploy,
}

func init() {
	deployCmd.Flags().String("project", "", "Path to the Cargo project (default: project_path from config)")
	deployCmd.Flags().String("app", "", "App name (default: app from config)")
	deployCmd.Flags().String("user", "", "Remote user that owns the slots (default: remote.user from config)")
	deployCmd.Flags().String("host", "", "Deployment host, or \"local\" for this machine")
	deployCmd.Flags().String("ref", "", "Git ref or commit being deployed, for the run record")
}

func runDeploy(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, map[string]string{
		"project_path": "project",
		"app":          "app",
		"remote.user":  "user",
		"remote.host":  "host",
	})
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, logCloser, err := setupLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	req, err := cfg.Request()
	if err != nil {
		return err
	}
	req.Ref, _ = cmd.Flags().GetString("ref")

	st, err := openStack(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	run, err := st.orchestrator(cfg, "").Run(cmd.Context(), req)
	if err != nil {
		printFailure(cmd.ErrOrStderr(), run, err)
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Deployed %s to the %s slot on port %d\n", run.App, run.Color, run.Port)
	fmt.Fprintf(out, "  Run:      %s\n", run.ID)
	if run.Previous != nil {
		fmt.Fprintf(out, "  Retired:  %s (port %d)\n", run.Previous.Color, run.Previous.Port)
	}
	if run.Ack != "" {
		fmt.Fprintf(out, "  Proxy:    %s\n", run.Ack)
	}
	fmt.Fprintf(out, "  Duration: %s\n", run.Duration().Round(time.Second))
	return nil
}
