package fileutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// Tests for search.go

func TestSearchPathsOptional(t *testing.T) {
	tmpDir := t.TempDir()

	// Create test file
	file1 := filepath.Join(tmpDir, "file1.txt")
	if err := os.WriteFile(file1, []byte("test"), 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}

	tests := []struct {
		name  string
		paths []string
		want  string
	}{
		{
			"finds existing file",
			[]string{file1},
			file1,
		},
		{
			"returns empty string when not found",
			[]string{filepath.Join(tmpDir, "nonexistent.txt")},
			"",
		},
		{
			"handles empty path list",
			[]string{},
			"",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SearchPathsOptional(tt.paths)
			if got != tt.want {
				t.Errorf("SearchPathsOptional() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDefaultConfigPaths(t *testing.T) {
	paths := DefaultConfigPaths("test.yaml")

	if len(paths) < 3 {
		t.Errorf("DefaultConfigPaths() returned %d paths, want at least 3", len(paths))
	}

	// Check that paths contain the filename
	for i, path := range paths {
		if !strings.Contains(path, "test.yaml") {
			t.Errorf("DefaultConfigPaths()[%d] = %v, should contain 'test.yaml'", i, path)
		}
	}

	// The system path is always searched last
	last := paths[len(paths)-1]
	if !strings.HasPrefix(last, "/etc/flipdeploy") {
		t.Errorf("last config path should start with /etc/flipdeploy, got %v", last)
	}
}

func TestDirExists(t *testing.T) {
	tmpDir := t.TempDir()

	// Create test directory
	testDir := filepath.Join(tmpDir, "testdir")
	if err := os.Mkdir(testDir, 0755); err != nil {
		t.Fatalf("Failed to create test directory: %v", err)
	}

	// Create test file
	testFile := filepath.Join(tmpDir, "test.txt")
	if err := os.WriteFile(testFile, []byte("test"), 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}

	tests := []struct {
		name string
		path string
		want bool
	}{
		{"existing directory", testDir, true},
		{"nonexistent directory", filepath.Join(tmpDir, "nonexistent"), false},
		{"file", testFile, false}, // Files return false
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DirExists(tt.path)
			if got != tt.want {
				t.Errorf("DirExists() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPathExists(t *testing.T) {
	tmpDir := t.TempDir()

	// Create test file
	testFile := filepath.Join(tmpDir, "test.txt")
	if err := os.WriteFile(testFile, []byte("test"), 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}

	// Create test directory
	testDir := filepath.Join(tmpDir, "testdir")
	if err := os.Mkdir(testDir, 0755); err != nil {
		t.Fatalf("Failed to create test directory: %v", err)
	}

	tests := []struct {
		name string
		path string
		want bool
	}{
		{"existing file", testFile, true},
		{"existing directory", testDir, true},
		{"nonexistent path", filepath.Join(tmpDir, "nonexistent"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PathExists(tt.path)
			if got != tt.want {
				t.Errorf("PathExists() = %v, want %v", got, tt.want)
			}
		})
	}
}

// Tests for atomic.go

func TestWriteFileAtomic(t *testing.T) {
	tmpDir := t.TempDir()
	target := filepath.Join(tmpDir, "nested", "flipdeploy.yaml")

	if err := WriteFileAtomic(target, []byte("app: svc\n"), 0600); err != nil {
		t.Fatalf("WriteFileAtomic() error = %v", err)
	}

	content, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("Failed to read written file: %v", err)
	}
	if string(content) != "app: svc\n" {
		t.Errorf("content = %q, want %q", content, "app: svc\n")
	}

	info, err := os.Stat(target)
	if err != nil {
		t.Fatalf("Failed to stat written file: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("permissions = %o, want 0600", info.Mode().Perm())
	}

	// Overwrite keeps no temporary files behind
	if err := WriteFileAtomic(target, []byte("app: other\n"), 0600); err != nil {
		t.Fatalf("WriteFileAtomic() overwrite error = %v", err)
	}
	entries, err := os.ReadDir(filepath.Dir(target))
	if err != nil {
		t.Fatalf("Failed to read directory: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("directory has %d entries, want 1", len(entries))
	}
}

func TestRenameAtomic(t *testing.T) {
	tmpDir := t.TempDir()
	src := filepath.Join(tmpDir, "archive.tar.gz.partial")
	dst := filepath.Join(tmpDir, "out", "archive.tar.gz")

	if err := os.WriteFile(src, []byte("data"), 0644); err != nil {
		t.Fatalf("Failed to create source file: %v", err)
	}

	if err := RenameAtomic(src, dst); err != nil {
		t.Fatalf("RenameAtomic() error = %v", err)
	}
	if PathExists(src) {
		t.Error("source should no longer exist after rename")
	}
	if !PathExists(dst) {
		t.Error("destination should exist after rename")
	}

	if err := RenameAtomic(filepath.Join(tmpDir, "missing"), dst); err == nil {
		t.Error("RenameAtomic() should fail for a missing source")
	}
}
