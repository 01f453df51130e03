package security

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	// Safe patterns for validation
	branchPattern   = regexp.MustCompile(`^[a-zA-Z0-9/_.-]+$`)
	appPattern      = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	userPattern     = regexp.MustCompile(`^[a-z_][a-z0-9_-]{0,31}$`)
	repoSlugPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+/[a-zA-Z0-9_.-]+$`)
	hostPattern     = regexp.MustCompile(`^[a-zA-Z0-9.:_-]+$`)
)

// ValidateAppName ensures an application name is safe to embed in remote
// paths (/opt/<app>-<color>) and systemd unit names.
func ValidateAppName(name string) error {
	if name == "" {
		return fmt.Errorf("app name cannot be empty")
	}
	if strings.HasPrefix(name, "-") || strings.HasPrefix(name, ".") {
		return fmt.Errorf("app name cannot start with '-' or '.'")
	}
	if !appPattern.MatchString(name) {
		return fmt.Errorf("app name contains invalid characters (only a-z, A-Z, 0-9, _, - allowed)")
	}
	return nil
}

// ValidateUsername ensures a remote account name follows POSIX login rules,
// so it can be used in chown and in the unit's User= line.
func ValidateUsername(user string) error {
	if user == "" {
		return fmt.Errorf("username cannot be empty")
	}
	if !userPattern.MatchString(user) {
		return fmt.Errorf("username %q is not a valid login name", user)
	}
	return nil
}

// ValidateBranchName ensures branch name is safe for ref matching and logs.
func ValidateBranchName(branch string) error {
	if branch == "" {
		return fmt.Errorf("branch name cannot be empty")
	}
	if strings.HasPrefix(branch, "-") {
		return fmt.Errorf("branch name cannot start with '-'")
	}
	if !branchPattern.MatchString(branch) {
		return fmt.Errorf("branch name contains invalid characters")
	}
	return nil
}

// ValidateRepoSlug checks an "owner/name" GitHub repository reference.
func ValidateRepoSlug(slug string) error {
	if !repoSlugPattern.MatchString(slug) {
		return fmt.Errorf("repository must be in owner/name form, got %q", slug)
	}
	owner, name, _ := strings.Cut(slug, "/")
	if strings.HasPrefix(owner, "-") || name == "." || name == ".." {
		return fmt.Errorf("repository %q is not a valid GitHub reference", slug)
	}
	return nil
}

// ValidateHost checks a remote host name or address.
func ValidateHost(host string) error {
	if host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if strings.HasPrefix(host, "-") {
		return fmt.Errorf("host cannot start with '-'")
	}
	if !hostPattern.MatchString(host) {
		return fmt.Errorf("host %q contains invalid characters", host)
	}
	return nil
}

// SanitizeRemotePath ensures a remote path is absolute, free of traversal
// elements and free of shell metacharacters.
func SanitizeRemotePath(path string) (string, error) {
	if !strings.HasPrefix(path, "/") {
		return "", fmt.Errorf("path must be absolute: %s", path)
	}

	// Check for .. before cleaning (filepath.Clean removes them)
	for _, elem := range strings.Split(path, "/") {
		if elem == ".." {
			return "", fmt.Errorf("path contains traversal elements: %s", path)
		}
	}

	if ContainsShellMetachars(path) || strings.ContainsAny(path, " \t") {
		return "", fmt.Errorf("path contains shell metacharacters: %s", path)
	}

	return filepath.Clean(path), nil
}
