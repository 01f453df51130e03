package security

import (
	"fmt"
	"os"
)

const (
	// PermConfigFile is for configuration files that may hold API keys and
	// webhook secrets (rw-r-----).
	PermConfigFile os.FileMode = 0640

	// PermLogFile is for deployment logs (rw-r-----).
	PermLogFile os.FileMode = 0640

	// PermDBFile is for the state database holding slots and run history (rw-r-----).
	PermDBFile os.FileMode = 0640

	// PermDirectory is for state and staging directories (rwxr-x---).
	PermDirectory os.FileMode = 0750

	// PermArchive is for staged deployment archives (rw-------).
	PermArchive os.FileMode = 0600

	// PermSSHKey is the most permissive mode accepted for private SSH keys (rw-------).
	PermSSHKey os.FileMode = 0600
)

// CreateSecureFile creates a new file with secure permissions.
// If the file exists, it will be truncated.
func CreateSecureFile(path string, perm os.FileMode) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return nil, fmt.Errorf("failed to create secure file: %w", err)
	}

	// Explicitly set permissions to bypass umask
	if err := os.Chmod(path, perm); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to set file permissions: %w", err)
	}

	return file, nil
}

// OpenAppendFile opens path for appending, creating it with perm if needed.
func OpenAppendFile(path string, perm os.FileMode) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, perm)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return file, nil
}

// CreateSecureDir creates a directory (and parents) and sets its permissions.
func CreateSecureDir(path string, perm os.FileMode) error {
	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("failed to create secure directory: %w", err)
	}

	// MkdirAll is subject to umask
	if err := os.Chmod(path, perm); err != nil {
		return fmt.Errorf("failed to set directory permissions: %w", err)
	}

	return nil
}

// EnsureSecurePermissions returns an error if path is more permissive than expectedPerm.
func EnsureSecurePermissions(path string, expectedPerm os.FileMode) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}

	actualPerm := info.Mode().Perm()
	if actualPerm&^expectedPerm != 0 {
		return fmt.Errorf("file %s has too permissive permissions: %04o (expected: %04o)",
			path, actualPerm, expectedPerm)
	}

	return nil
}

// IsWorldReadable checks if a file is readable by others.
func IsWorldReadable(perm os.FileMode) bool {
	return perm&0004 != 0
}

// IsWorldWritable checks if a file is writable by others.
func IsWorldWritable(perm os.FileMode) bool {
	return perm&0002 != 0
}

// ValidateSecurePermissions rejects world-readable or world-writable files.
func ValidateSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}

	perm := info.Mode().Perm()

	if IsWorldReadable(perm) {
		return fmt.Errorf("file %s is world-readable (%04o), which is insecure for sensitive data", path, perm)
	}

	if IsWorldWritable(perm) {
		return fmt.Errorf("file %s is world-writable (%04o), which is a serious security risk", path, perm)
	}

	return nil
}
