package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"flipdeploy/internal/deployment"
	"flipdeploy/internal/project"
	"flipdeploy/internal/server"
)

// shutdownTimeout bounds how long in-flight deployments may finish after
// a shutdown signal before they are cancelled.
const shutdownTimeout = 5 * time.Minute

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server",
	Long: `Start the HTTP server to receive GitHub webhook requests.

A signed push to an app's branch deploys that app. One deployment per app
runs at a time; pushes arriving meanwhile are rejected with 429.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("host", "", "Host to bind to (default: serve.host from config)")
	serveCmd.Flags().IntP("port", "p", 0, "Port to listen on (default: serve.port from config)")
	serveCmd.Flags().Bool("test-mode", false, "Disable rate limiting")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, map[string]string{
		"serve.host":      "host",
		"serve.port":      "port",
		"serve.test_mode": "test-mode",
	})
	if err != nil {
		return err
	}

	logger, logCloser, err := setupLogger(cfg.Log, os.Stdout)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	logger.Info("Starting flipdeploy", "version", version)

	if err := cfg.ValidateServe(); err != nil {
		return err
	}

	registry := project.RegistryFromConfig(cfg)
	if registry.Count() == 0 {
		logger.Warn("No apps configured; the server will not deploy anything until apps are added")
	}
	for _, name := range registry.List() {
		if err := cfg.WithApp(name).Validate(); err != nil {
			return fmt.Errorf("app %s: %w", name, err)
		}
	}

	st, err := openStack(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	deploy := server.DeployFunc(func(ctx context.Context, req project.DeploymentRequest) (*deployment.Run, error) {
		proj, err := registry.Get(req.AppName)
		if err != nil {
			return nil, err
		}
		return st.orchestrator(cfg.WithApp(req.AppName), proj.Repo).Run(ctx, req)
	})

	srv := server.NewServer(registry, deploy, st.history, logger, cfg.Serve.TestMode)

	if err := srv.ListenAndServe(cmd.Context(), cfg.Serve.Address(), shutdownTimeout); err != nil {
		logger.Error("Server failed", "error", err)
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("Server stopped")
	return nil
}
