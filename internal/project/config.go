package project

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"flipdeploy/internal/security"
	"flipdeploy/pkg/cmdutil"
)

// EnvPrefix is the prefix for environment overrides, e.g. FLIPDEPLOY_REMOTE_HOST.
const EnvPrefix = "FLIPDEPLOY"

// DefaultConfigFile is the file name searched for when --config is not given.
const DefaultConfigFile = "flipdeploy.yaml"

// LocalHost as remote.host deploys to the machine flipdeploy runs on.
const LocalHost = "local"

// Config holds everything a deployment needs. Components never hard-code
// paths or names; they read them from here.
type Config struct {
	App         string               `mapstructure:"app"`
	ProjectPath string               `mapstructure:"project_path"`
	StagingDir  string               `mapstructure:"staging_dir"`
	Remote      RemoteConfig         `mapstructure:"remote"`
	Build       BuildConfig          `mapstructure:"build"`
	Proxy       ProxyConfig          `mapstructure:"proxy"`
	Service     ServiceConfig        `mapstructure:"service"`
	State       StateConfig          `mapstructure:"state"`
	Log         LogConfig            `mapstructure:"log"`
	Serve       ServeConfig          `mapstructure:"serve"`
	GitHub      GitHubConfig         `mapstructure:"github"`
	Apps        map[string]AppConfig `mapstructure:"apps"`
}

// RemoteConfig describes the deployment host and the command channel to it.
type RemoteConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	User           string        `mapstructure:"user"`
	KeyFile        string        `mapstructure:"key_file"`
	KnownHosts     string        `mapstructure:"known_hosts"`
	ProxyCommand   string        `mapstructure:"proxy_command"`
	Sudo           bool          `mapstructure:"sudo"`
	Root           string        `mapstructure:"root"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	UploadTimeout  time.Duration `mapstructure:"upload_timeout"`
	Retries        int           `mapstructure:"retries"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
}

// Address returns the SSH address in host:port format.
func (c RemoteConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsLocal reports whether commands run on this machine instead of over SSH.
func (c RemoteConfig) IsLocal() bool {
	return c.Host == LocalHost
}

// BuildConfig describes the project layout and the remote build.
type BuildConfig struct {
	LockFile     string `mapstructure:"lock_file"`
	ManifestFile string `mapstructure:"manifest_file"`
	SourceDir    string `mapstructure:"source_dir"`
	Precheck     string `mapstructure:"precheck"`
	Command      string `mapstructure:"command"`
	Binary       string `mapstructure:"binary"`

	// AllowedCommands extends the programs precheck and command may start with.
	AllowedCommands []string `mapstructure:"allowed_commands"`
}

// ProxyConfig points at the reverse-proxy control API.
type ProxyConfig struct {
	URL     string        `mapstructure:"url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ServiceConfig controls systemd unit installation.
type ServiceConfig struct {
	UnitDir     string `mapstructure:"unit_dir"`
	Template    string `mapstructure:"template"`
	StopRetired bool   `mapstructure:"stop_retired"`
}

// StateConfig locates the local state database.
type StateConfig struct {
	DB string `mapstructure:"db"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// ServeConfig holds webhook server configuration.
type ServeConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Secret   string `mapstructure:"secret"`
	Branch   string `mapstructure:"branch"`
	TestMode bool   `mapstructure:"test_mode"`
}

// Address returns the server address in host:port format.
func (c ServeConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GitHubConfig enables deployment status reporting to GitHub.
type GitHubConfig struct {
	Token       string `mapstructure:"token"`
	Repo        string `mapstructure:"repo"`
	Environment string `mapstructure:"environment"`
}

// Enabled reports whether GitHub reporting is configured.
func (c GitHubConfig) Enabled() bool {
	return c.Token != "" && c.Repo != ""
}

// AppConfig describes an additional app deployed by the webhook server.
// Empty fields fall back to the top-level values.
type AppConfig struct {
	ProjectPath string `mapstructure:"project_path"`
	User        string `mapstructure:"user"`
	Branch      string `mapstructure:"branch"`
	Secret      string `mapstructure:"secret"`
	Repo        string `mapstructure:"repo"`
}

// setDefaults registers every known key so environment overrides apply to
// all of them.
func setDefaults(v *viper.Viper) {
	v.SetDefault("app", "")
	v.SetDefault("project_path", ".")
	v.SetDefault("staging_dir", os.TempDir())

	v.SetDefault("remote.host", "")
	v.SetDefault("remote.port", 22)
	v.SetDefault("remote.user", "")
	v.SetDefault("remote.key_file", defaultKeyFile())
	v.SetDefault("remote.known_hosts", "")
	v.SetDefault("remote.proxy_command", "")
	v.SetDefault("remote.sudo", true)
	v.SetDefault("remote.root", "/opt")
	v.SetDefault("remote.dial_timeout", "10s")
	v.SetDefault("remote.command_timeout", "30m")
	v.SetDefault("remote.upload_timeout", "5m")
	v.SetDefault("remote.retries", 2)
	v.SetDefault("remote.retry_delay", "2s")

	v.SetDefault("build.lock_file", "Cargo.lock")
	v.SetDefault("build.manifest_file", "Cargo.toml")
	v.SetDefault("build.source_dir", "src")
	v.SetDefault("build.precheck", "command -v cargo")
	v.SetDefault("build.command", "cargo build --release")
	v.SetDefault("build.binary", "")
	v.SetDefault("build.allowed_commands", []string{})

	v.SetDefault("proxy.url", "")
	v.SetDefault("proxy.api_key", "")
	v.SetDefault("proxy.timeout", "10s")

	v.SetDefault("service.unit_dir", "/etc/systemd/system")
	v.SetDefault("service.template", "")
	v.SetDefault("service.stop_retired", false)

	v.SetDefault("state.db", "./data/flipdeploy.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")

	v.SetDefault("serve.host", "127.0.0.1")
	v.SetDefault("serve.port", 5005)
	v.SetDefault("serve.secret", "")
	v.SetDefault("serve.branch", "main")
	v.SetDefault("serve.test_mode", false)

	v.SetDefault("github.token", "")
	v.SetDefault("github.repo", "")
	v.SetDefault("github.environment", "production")
}

func defaultKeyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ssh", "id_ed25519")
}

// NewViper returns a viper instance with defaults, the optional config file
// and FLIPDEPLOY_ environment overrides applied. Callers may bind flags on
// top before calling Load.
func NewViper(configPath string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			var parseErr viper.ConfigParseError
			if errors.As(err, &parseErr) {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found: %s", configPath)
			}
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v, nil
}

// Load unmarshals the viper state into a Config.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Build.Binary == "" {
		cfg.Build.Binary = cfg.App
	}
	return &cfg, nil
}

// LoadConfig is NewViper followed by Load.
func LoadConfig(configPath string) (*Config, error) {
	v, err := NewViper(configPath)
	if err != nil {
		return nil, err
	}
	return Load(v)
}

// DefaultSettings returns the default configuration as a nested map, ready
// to be written out as a starter config file.
func DefaultSettings() map[string]any {
	v := viper.New()
	setDefaults(v)
	return v.AllSettings()
}

// Validate checks the fields a deployment needs and reports every problem
// at once.
func (c *Config) Validate() error {
	var errs []string

	if err := security.ValidateAppName(c.App); err != nil {
		errs = append(errs, fmt.Sprintf("  - app: %v", err))
	}
	if c.ProjectPath == "" {
		errs = append(errs, "  - project_path: missing required field")
	}

	if err := security.ValidateHost(c.Remote.Host); err != nil {
		errs = append(errs, fmt.Sprintf("  - remote.host: %v", err))
	}
	if c.Remote.Port < 1 || c.Remote.Port > 65535 {
		errs = append(errs, fmt.Sprintf("  - remote.port: must be between 1 and 65535, got %d", c.Remote.Port))
	}
	if err := security.ValidateUsername(c.Remote.User); err != nil {
		errs = append(errs, fmt.Sprintf("  - remote.user: %v", err))
	}
	if _, err := security.SanitizeRemotePath(c.Remote.Root); err != nil {
		errs = append(errs, fmt.Sprintf("  - remote.root: %v", err))
	}
	if c.Remote.CommandTimeout <= 0 {
		errs = append(errs, "  - remote.command_timeout: must be positive")
	}
	if c.Remote.UploadTimeout <= 0 {
		errs = append(errs, "  - remote.upload_timeout: must be positive")
	}
	if c.Remote.Retries < 0 {
		errs = append(errs, fmt.Sprintf("  - remote.retries: must not be negative, got %d", c.Remote.Retries))
	}

	for key, name := range map[string]string{
		"build.lock_file":     c.Build.LockFile,
		"build.manifest_file": c.Build.ManifestFile,
		"build.source_dir":    c.Build.SourceDir,
	} {
		if name == "" || filepath.IsAbs(name) || strings.Contains(name, "..") {
			errs = append(errs, fmt.Sprintf("  - %s: must be a relative path inside the project, got %q", key, name))
		}
	}
	policy := security.NewCommandPolicy(c.Build.AllowedCommands...)
	if strings.TrimSpace(c.Build.Command) == "" {
		errs = append(errs, "  - build.command: missing required field")
	} else if err := validateRemoteCommand(policy, c.Build.Command); err != nil {
		errs = append(errs, fmt.Sprintf("  - build.command: %v", err))
	}
	if strings.TrimSpace(c.Build.Precheck) != "" {
		if err := validateRemoteCommand(policy, c.Build.Precheck); err != nil {
			errs = append(errs, fmt.Sprintf("  - build.precheck: %v", err))
		}
	}
	if c.Build.Binary != "" {
		if err := security.ValidateAppName(c.Build.Binary); err != nil {
			errs = append(errs, fmt.Sprintf("  - build.binary: %v", err))
		}
	}

	if c.Proxy.URL == "" {
		errs = append(errs, "  - proxy.url: missing required field")
	} else if u, err := url.Parse(c.Proxy.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Sprintf("  - proxy.url: must be an http(s) URL, got %q", c.Proxy.URL))
	}

	if _, err := security.SanitizeRemotePath(c.Service.UnitDir); err != nil {
		errs = append(errs, fmt.Sprintf("  - service.unit_dir: %v", err))
	}

	if c.GitHub.Repo != "" {
		if err := security.ValidateRepoSlug(c.GitHub.Repo); err != nil {
			errs = append(errs, fmt.Sprintf("  - github.repo: %v", err))
		}
	}

	if len(errs) > 0 {
		sort.Strings(errs)
		return fmt.Errorf("invalid configuration:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

// validateRemoteCommand parses a configured command and checks it against
// the allowlist, since it runs verbatim on the deployment host.
func validateRemoteCommand(policy *security.CommandPolicy, command string) error {
	parts, err := cmdutil.ParseCommandString(command)
	if err != nil {
		return err
	}
	return policy.ValidateCommandParts(parts)
}

// ValidateServe checks the additional fields the webhook server needs.
func (c *Config) ValidateServe() error {
	var errs []string

	if c.Serve.Port < 1 || c.Serve.Port > 65535 {
		errs = append(errs, fmt.Sprintf("  - serve.port: must be between 1 and 65535, got %d", c.Serve.Port))
	}
	if err := security.ValidateBranchName(c.Serve.Branch); err != nil {
		errs = append(errs, fmt.Sprintf("  - serve.branch: %v", err))
	}
	if err := security.ValidateSecret(c.Serve.Secret); err != nil {
		errs = append(errs, fmt.Sprintf("  - serve.secret: %v", err))
	}

	for name, app := range c.Apps {
		if err := security.ValidateAppName(name); err != nil {
			errs = append(errs, fmt.Sprintf("  - apps.%s: %v", name, err))
		}
		if app.User != "" {
			// The SSH login writes the slot directories, so it must own them.
			if err := security.ValidateUsername(app.User); err != nil {
				errs = append(errs, fmt.Sprintf("  - apps.%s.user: %v", name, err))
			} else if app.User != c.Remote.User {
				errs = append(errs, fmt.Sprintf("  - apps.%s.user: must match remote.user %q, got %q", name, c.Remote.User, app.User))
			}
		}
		if app.Branch != "" {
			if err := security.ValidateBranchName(app.Branch); err != nil {
				errs = append(errs, fmt.Sprintf("  - apps.%s.branch: %v", name, err))
			}
		}
		if app.Secret != "" {
			if err := security.ValidateSecret(app.Secret); err != nil {
				errs = append(errs, fmt.Sprintf("  - apps.%s.secret: %v", name, err))
			}
		}
		if app.Repo != "" {
			if err := security.ValidateRepoSlug(app.Repo); err != nil {
				errs = append(errs, fmt.Sprintf("  - apps.%s.repo: %v", name, err))
			}
		}
	}

	if len(errs) > 0 {
		sort.Strings(errs)
		return fmt.Errorf("invalid serve configuration:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

// WithApp returns a copy of the config retargeted at another app.
func (c *Config) WithApp(app string) *Config {
	clone := *c
	clone.App = app
	if c.Build.Binary == "" || c.Build.Binary == c.App {
		clone.Build.Binary = app
	}
	return &clone
}
