// Package notify reports runs to external systems.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"flipdeploy/internal/deployment"
	"flipdeploy/internal/security"
)

// maxDescription is GitHub's limit for deployment status descriptions.
const maxDescription = 140

// GitHubConfig configures deployment reporting.
type GitHubConfig struct {
	Token       string
	Repo        string // owner/name
	Environment string
	Ref         string // used when a run carries no ref
	BaseURL     string // API endpoint override, for GitHub Enterprise
}

// GitHub records every run as a GitHub deployment and keeps its status
// in step with the run. Reporting failures are logged and never fail a run.
type GitHub struct {
	client      *github.Client
	owner, repo string
	environment string
	ref         string
	logger      *slog.Logger

	mu          sync.Mutex
	deployments map[string]int64 // run ID -> GitHub deployment ID
}

var _ deployment.Observer = (*GitHub)(nil)

// NewGitHub creates a reporter authenticated with a static token.
func NewGitHub(cfg GitHubConfig, logger *slog.Logger) (*GitHub, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("github token is required")
	}
	if err := security.ValidateRepoSlug(cfg.Repo); err != nil {
		return nil, fmt.Errorf("invalid github repo: %w", err)
	}
	owner, repo, _ := strings.Cut(cfg.Repo, "/")

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
	client := github.NewClient(oauth2.NewClient(context.Background(), ts))
	if cfg.BaseURL != "" {
		base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("invalid github base url: %w", err)
		}
		client.BaseURL = base
	}

	ref := cfg.Ref
	if ref == "" {
		ref = "main"
	}
	env := cfg.Environment
	if env == "" {
		env = "production"
	}

	return &GitHub{
		client:      client,
		owner:       owner,
		repo:        repo,
		environment: env,
		ref:         ref,
		logger:      logger.With("repo", cfg.Repo),
		deployments: make(map[string]int64),
	}, nil
}

// RunStarted creates the deployment and marks it in progress.
func (g *GitHub) RunStarted(ctx context.Context, run *deployment.Run) {
	ref := run.Ref
	if ref == "" {
		ref = g.ref
	}

	autoMerge := false
	requiredContexts := []string{}
	description := fmt.Sprintf("%s %s to %s", run.Kind, run.App, run.Color)

	d, _, err := g.client.Repositories.CreateDeployment(ctx, g.owner, g.repo, &github.DeploymentRequest{
		Ref:              &ref,
		Task:             github.String("deploy:" + run.App),
		AutoMerge:        &autoMerge,
		RequiredContexts: &requiredContexts,
		Environment:      &g.environment,
		Description:      &description,
		Payload:          map[string]any{"run_id": run.ID, "color": string(run.Color)},
	})
	if err != nil {
		g.logger.Warn("failed to create github deployment", "run_id", run.ID, "error", err)
		return
	}

	g.mu.Lock()
	g.deployments[run.ID] = d.GetID()
	g.mu.Unlock()

	g.setStatus(ctx, run, d.GetID(), "in_progress", description)
}

// RunFinished sets the final deployment status.
func (g *GitHub) RunFinished(ctx context.Context, run *deployment.Run) {
	g.mu.Lock()
	id, ok := g.deployments[run.ID]
	delete(g.deployments, run.ID)
	g.mu.Unlock()

	if !ok {
		g.logger.Debug("no github deployment for run", "run_id", run.ID)
		return
	}

	state, description := "success", fmt.Sprintf("%s live on port %d", run.Color, run.Port)
	if !run.Succeeded() {
		state = "failure"
		description = fmt.Sprintf("failed at %s: %s", run.FailedStage, run.Error)
	}
	g.setStatus(ctx, run, id, state, description)
}

func (g *GitHub) setStatus(ctx context.Context, run *deployment.Run, id int64, state, description string) {
	description = truncate(description, maxDescription)
	autoInactive := true

	_, _, err := g.client.Repositories.CreateDeploymentStatus(ctx, g.owner, g.repo, id, &github.DeploymentStatusRequest{
		State:        &state,
		Description:  &description,
		Environment:  &g.environment,
		AutoInactive: &autoInactive,
	})
	if err != nil {
		g.logger.Warn("failed to update github deployment status", "run_id", run.ID, "state", state, "error", err)
		return
	}
	g.logger.Debug("github deployment status updated", "run_id", run.ID, "deployment_id", id, "state", state)
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
