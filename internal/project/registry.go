package project

import (
	"fmt"
	"sort"
	"sync"
)

// Registry manages the collection of deployable projects
type Registry struct {
	mu       sync.RWMutex
	projects map[string]*Project
}

// NewRegistry creates a new project registry
func NewRegistry(projects map[string]*Project) *Registry {
	return &Registry{
		projects: projects,
	}
}

// RegistryFromConfig registers the top-level app plus every entry under
// apps. Per-app fields left empty inherit the top-level values.
func RegistryFromConfig(cfg *Config) *Registry {
	projects := make(map[string]*Project)

	base := Project{
		Name:        cfg.App,
		ProjectPath: cfg.ProjectPath,
		User:        cfg.Remote.User,
		Branch:      cfg.Serve.Branch,
		Secret:      cfg.Serve.Secret,
		Repo:        cfg.GitHub.Repo,
	}
	if base.Name != "" {
		p := base
		projects[p.Name] = &p
	}

	for name, app := range cfg.Apps {
		p := base
		p.Name = name
		if app.ProjectPath != "" {
			p.ProjectPath = app.ProjectPath
		}
		if app.User != "" {
			p.User = app.User
		}
		if app.Branch != "" {
			p.Branch = app.Branch
		}
		if app.Secret != "" {
			p.Secret = app.Secret
		}
		if app.Repo != "" {
			p.Repo = app.Repo
		}
		projects[name] = &p
	}

	return NewRegistry(projects)
}

// Get retrieves a project by name
func (r *Registry) Get(name string) (*Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	project, exists := r.projects[name]
	if !exists {
		return nil, fmt.Errorf("project '%s' not found", name)
	}

	return project, nil
}

// List returns all project names in sorted order
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.projects))
	for name := range r.projects {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// Count returns the number of projects
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.projects)
}
