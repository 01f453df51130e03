package project

import (
	"fmt"
	"path/filepath"

	"flipdeploy/internal/security"
)

// DeploymentRequest is the immutable input of one deployment run.
type DeploymentRequest struct {
	ProjectPath    string
	AppName        string
	RemoteUsername string
	Ref            string // optional git ref or commit the run deploys
}

// NewDeploymentRequest validates the names and resolves the project path.
func NewDeploymentRequest(projectPath, app, user string) (DeploymentRequest, error) {
	if projectPath == "" {
		return DeploymentRequest{}, fmt.Errorf("project path is required")
	}
	if err := security.ValidateAppName(app); err != nil {
		return DeploymentRequest{}, fmt.Errorf("invalid app name: %w", err)
	}
	if err := security.ValidateUsername(user); err != nil {
		return DeploymentRequest{}, fmt.Errorf("invalid remote username: %w", err)
	}

	absPath, err := filepath.Abs(projectPath)
	if err != nil {
		return DeploymentRequest{}, fmt.Errorf("failed to resolve project path: %w", err)
	}

	return DeploymentRequest{
		ProjectPath:    absPath,
		AppName:        app,
		RemoteUsername: user,
	}, nil
}

// Request builds the DeploymentRequest described by the config.
func (c *Config) Request() (DeploymentRequest, error) {
	return NewDeploymentRequest(c.ProjectPath, c.App, c.Remote.User)
}

// Project is an app the webhook server knows how to deploy.
type Project struct {
	Name        string
	ProjectPath string
	User        string
	Branch      string
	Secret      string
	Repo        string
}

// MatchesRef checks if a git ref matches the project's target branch
func (p *Project) MatchesRef(ref string) bool {
	return ref == fmt.Sprintf("refs/heads/%s", p.Branch)
}

// Request builds the DeploymentRequest for one run of the project.
func (p *Project) Request() (DeploymentRequest, error) {
	return NewDeploymentRequest(p.ProjectPath, p.Name, p.User)
}
