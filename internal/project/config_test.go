package project

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "Xk9vQ2mP7rT4wY1zB6nH3jL8cF5gD0sA-uE_iO2pR7tK4xM9"

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flipdeploy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func validConfig() *Config {
	return &Config{
		App:         "svc",
		ProjectPath: "/src/svc",
		Remote: RemoteConfig{
			Host:           "app.example.com",
			Port:           22,
			User:           "deploy",
			Sudo:           true,
			Root:           "/opt",
			CommandTimeout: time.Minute,
			UploadTimeout:  time.Minute,
			Retries:        2,
		},
		Build: BuildConfig{
			LockFile:     "Cargo.lock",
			ManifestFile: "Cargo.toml",
			SourceDir:    "src",
			Command:      "cargo build --release",
			Binary:       "svc",
		},
		Proxy:   ProxyConfig{URL: "http://127.0.0.1:9000", Timeout: 10 * time.Second},
		Service: ServiceConfig{UnitDir: "/etc/systemd/system"},
		Serve:   ServeConfig{Port: 5005, Branch: "main", Secret: testSecret},
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 22, cfg.Remote.Port)
	assert.True(t, cfg.Remote.Sudo)
	assert.Equal(t, "/opt", cfg.Remote.Root)
	assert.Equal(t, 30*time.Minute, cfg.Remote.CommandTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Remote.UploadTimeout)
	assert.Equal(t, 2, cfg.Remote.Retries)
	assert.Equal(t, "Cargo.lock", cfg.Build.LockFile)
	assert.Equal(t, "Cargo.toml", cfg.Build.ManifestFile)
	assert.Equal(t, "src", cfg.Build.SourceDir)
	assert.Equal(t, "command -v cargo", cfg.Build.Precheck)
	assert.Equal(t, "cargo build --release", cfg.Build.Command)
	assert.Equal(t, 10*time.Second, cfg.Proxy.Timeout)
	assert.Equal(t, "/etc/systemd/system", cfg.Service.UnitDir)
	assert.Equal(t, "main", cfg.Serve.Branch)
	assert.Equal(t, "production", cfg.GitHub.Environment)
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
app: svc
project_path: /src/svc
remote:
  host: app.example.com
  user: deploy
  command_timeout: 30s
proxy:
  url: http://proxy.internal:9000
apps:
  worker:
    branch: release
`)

	t.Setenv("FLIPDEPLOY_REMOTE_HOST", "other.example.com")
	t.Setenv("FLIPDEPLOY_REMOTE_SUDO", "false")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "svc", cfg.App)
	assert.Equal(t, "svc", cfg.Build.Binary, "binary defaults to the app name")
	assert.Equal(t, "other.example.com", cfg.Remote.Host, "environment overrides the file")
	assert.False(t, cfg.Remote.Sudo)
	assert.Equal(t, 30*time.Second, cfg.Remote.CommandTimeout)
	assert.Equal(t, "http://proxy.internal:9000", cfg.Proxy.URL)
	require.Contains(t, cfg.Apps, "worker")
	assert.Equal(t, "release", cfg.Apps["worker"].Branch)
}

func TestLoadConfig_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := writeConfig(t, "app: [unclosed\n")
		_, err := LoadConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "parse")
	})
}

func TestValidate(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		assert.NoError(t, validConfig().Validate())
	})

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantMsg string
	}{
		{"missing app", func(c *Config) { c.App = "" }, "app:"},
		{"unsafe app", func(c *Config) { c.App = "svc;id" }, "app:"},
		{"missing host", func(c *Config) { c.Remote.Host = "" }, "remote.host"},
		{"bad port", func(c *Config) { c.Remote.Port = 70000 }, "remote.port"},
		{"bad user", func(c *Config) { c.Remote.User = "Root User" }, "remote.user"},
		{"relative root", func(c *Config) { c.Remote.Root = "opt" }, "remote.root"},
		{"zero command timeout", func(c *Config) { c.Remote.CommandTimeout = 0 }, "remote.command_timeout"},
		{"negative retries", func(c *Config) { c.Remote.Retries = -1 }, "remote.retries"},
		{"escaping lock file", func(c *Config) { c.Build.LockFile = "../Cargo.lock" }, "build.lock_file"},
		{"empty build command", func(c *Config) { c.Build.Command = " " }, "build.command"},
		{"unterminated build command", func(c *Config) { c.Build.Command = "cargo build 'x" }, "build.command"},
		{"unterminated precheck", func(c *Config) { c.Build.Precheck = "command -v \"cargo" }, "build.precheck"},
		{"build command not allowed", func(c *Config) { c.Build.Command = "curl evil.example" }, "build.command: command not allowed: curl"},
		{"chained build command", func(c *Config) { c.Build.Command = "cargo build && id" }, "build.command: argument 2 contains shell metacharacters"},
		{"precheck not allowed", func(c *Config) { c.Build.Precheck = "sh -c id" }, "build.precheck: command not allowed: sh"},
		{"missing proxy url", func(c *Config) { c.Proxy.URL = "" }, "proxy.url"},
		{"non-http proxy url", func(c *Config) { c.Proxy.URL = "ftp://proxy" }, "proxy.url"},
		{"bad github repo", func(c *Config) { c.GitHub.Repo = "not a repo" }, "github.repo"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}

	t.Run("reports every problem", func(t *testing.T) {
		cfg := validConfig()
		cfg.App = ""
		cfg.Proxy.URL = ""
		err := cfg.Validate()
		require.Error(t, err)
		assert.Equal(t, 2, strings.Count(err.Error(), "  - "))
	})
}

func TestValidate_AllowedCommands(t *testing.T) {
	cfg := validConfig()
	cfg.Build.Command = "cargo-zigbuild build --release"
	require.Error(t, cfg.Validate())

	cfg.Build.AllowedCommands = []string{"cargo-zigbuild"}
	assert.NoError(t, cfg.Validate())
}

func TestValidateServe(t *testing.T) {
	cfg := validConfig()
	assert.NoError(t, cfg.ValidateServe())

	cfg.Serve.Secret = "short"
	cfg.Apps = map[string]AppConfig{"worker": {Branch: "-bad"}}
	err := cfg.ValidateServe()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "serve.secret")
	assert.Contains(t, err.Error(), "apps.worker.branch")
}

func TestValidateServe_AppUserMustMatchLogin(t *testing.T) {
	cfg := validConfig()
	cfg.Apps = map[string]AppConfig{"worker": {User: "deploy"}}
	assert.NoError(t, cfg.ValidateServe())

	cfg.Apps = map[string]AppConfig{"worker": {User: "worker"}}
	err := cfg.ValidateServe()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `apps.worker.user: must match remote.user "deploy"`)
}

func TestRemoteIsLocal(t *testing.T) {
	cfg := validConfig()
	assert.False(t, cfg.Remote.IsLocal())

	cfg.Remote.Host = LocalHost
	assert.True(t, cfg.Remote.IsLocal())
	require.NoError(t, cfg.Validate())
}

func TestWithApp(t *testing.T) {
	cfg := validConfig()
	other := cfg.WithApp("worker")

	assert.Equal(t, "worker", other.App)
	assert.Equal(t, "worker", other.Build.Binary)
	assert.Equal(t, "svc", cfg.App, "original config is untouched")

	cfg.Build.Binary = "server"
	assert.Equal(t, "server", cfg.WithApp("worker").Build.Binary, "explicit binary is kept")
}

func TestDefaultSettings(t *testing.T) {
	settings := DefaultSettings()

	remote, ok := settings["remote"].(map[string]any)
	require.True(t, ok, "remote section should be a nested map")
	assert.Equal(t, 22, remote["port"])
	assert.Equal(t, "/opt", remote["root"])
}
