// Package packager builds the deployable archive of a project: its source
// directory plus the lock and manifest files, as a gzip-compressed tarball.
package packager

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	"flipdeploy/internal/security"
	"flipdeploy/pkg/fileutil"
)

// Layout names the project inputs, relative to the project root.
type Layout struct {
	SourceDir    string
	LockFile     string
	ManifestFile string
}

// DefaultLayout is the Cargo project layout.
var DefaultLayout = Layout{
	SourceDir:    "src",
	LockFile:     "Cargo.lock",
	ManifestFile: "Cargo.toml",
}

// Archive describes a finished deployment archive.
type Archive struct {
	Path    string
	Members []string
	Size    int64
}

// Name returns the archive's file name.
func (a *Archive) Name() string {
	return filepath.Base(a.Path)
}

// Packager writes archives into a staging directory.
type Packager struct {
	layout     Layout
	stagingDir string
	logger     *slog.Logger
}

// New creates a Packager. An empty stagingDir means the OS temp directory.
func New(layout Layout, stagingDir string, logger *slog.Logger) *Packager {
	if stagingDir == "" {
		stagingDir = os.TempDir()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Packager{layout: layout, stagingDir: stagingDir, logger: logger}
}

// Package archives projectPath into <stagingDir>/<archiveName>. The archive
// holds exactly the source tree, the lock file and the manifest; nothing is
// written at the final path unless every member was added.
func (p *Packager) Package(ctx context.Context, projectPath, archiveName string) (*Archive, error) {
	if !fileutil.DirExists(projectPath) {
		return nil, missingFile(projectPath, fs.ErrNotExist)
	}

	// Inputs are checked without following symlinks: the walk below would
	// not descend into a linked source tree.
	srcDir := filepath.Join(projectPath, p.layout.SourceDir)
	if err := requireMode(srcDir, fs.ModeDir); err != nil {
		return nil, err
	}
	rootFiles := []string{p.layout.LockFile, p.layout.ManifestFile}
	for _, name := range rootFiles {
		if err := requireMode(filepath.Join(projectPath, name), 0); err != nil {
			return nil, err
		}
	}

	entries, err := p.collectSource(ctx, projectPath)
	if err != nil {
		return nil, err
	}
	entries = append(entries, rootFiles...)

	if err := security.CreateSecureDir(p.stagingDir, security.PermDirectory); err != nil {
		return nil, archiveFailed(p.stagingDir, err)
	}
	finalPath := filepath.Join(p.stagingDir, archiveName)
	partialPath := finalPath + ".partial"

	size, err := p.write(ctx, projectPath, partialPath, entries)
	if err != nil {
		_ = os.Remove(partialPath)
		return nil, err
	}
	if err := fileutil.RenameAtomic(partialPath, finalPath); err != nil {
		return nil, archiveFailed(finalPath, err)
	}

	p.logger.Info("archive created",
		"path", finalPath,
		"members", len(entries),
		"size", humanize.Bytes(uint64(size)),
	)

	return &Archive{Path: finalPath, Members: entries, Size: size}, nil
}

// requireMode fails with missingFile unless path is a real directory
// (fs.ModeDir) or regular file (0).
func requireMode(path string, want fs.FileMode) error {
	info, err := os.Lstat(path)
	if err != nil {
		return missingFile(path, err)
	}
	if got := info.Mode().Type(); got != want {
		return missingFile(path, fmt.Errorf("%w: not a %s", errWrongType, kindName(want)))
	}
	return nil
}

func kindName(mode fs.FileMode) string {
	if mode == fs.ModeDir {
		return "directory"
	}
	return "regular file"
}

// collectSource lists the source tree as slash-separated archive names in
// lexical order. Directories get a trailing slash; symlinks and special
// files are skipped.
func (p *Packager) collectSource(ctx context.Context, projectPath string) ([]string, error) {
	var members []string
	srcDir := filepath.Join(projectPath, p.layout.SourceDir)

	err := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return missingFile(path, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		rel, relErr := filepath.Rel(projectPath, path)
		if relErr != nil {
			return missingFile(path, relErr)
		}
		name := filepath.ToSlash(rel)

		switch {
		case d.IsDir():
			members = append(members, name+"/")
		case d.Type().IsRegular():
			members = append(members, name)
		default:
			p.logger.Debug("skipping non-regular file", "path", path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(members)
	return members, nil
}

func (p *Packager) write(ctx context.Context, projectPath, dest string, members []string) (int64, error) {
	out, err := security.CreateSecureFile(dest, security.PermArchive)
	if err != nil {
		return 0, archiveFailed(dest, err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	for _, name := range members {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if err := addMember(tw, projectPath, name); err != nil {
			return 0, err
		}
	}

	if err := tw.Close(); err != nil {
		return 0, archiveFailed(dest, err)
	}
	if err := gz.Close(); err != nil {
		return 0, archiveFailed(dest, err)
	}
	if err := out.Sync(); err != nil {
		return 0, archiveFailed(dest, err)
	}

	info, err := out.Stat()
	if err != nil {
		return 0, archiveFailed(dest, err)
	}
	return info.Size(), nil
}

func addMember(tw *tar.Writer, projectPath, name string) error {
	path := filepath.Join(projectPath, filepath.FromSlash(strings.TrimSuffix(name, "/")))

	info, err := os.Lstat(path)
	if err != nil {
		return missingFile(path, err)
	}

	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return archiveFailed(path, err)
	}
	hdr.Name = name
	// Ownership is assigned on the remote host by chown.
	hdr.Uid, hdr.Gid = 0, 0
	hdr.Uname, hdr.Gname = "", ""

	if err := tw.WriteHeader(hdr); err != nil {
		return archiveFailed(path, err)
	}
	if info.IsDir() {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return missingFile(path, err)
	}
	defer f.Close()

	if _, err := io.Copy(tw, f); err != nil {
		return archiveFailed(path, fmt.Errorf("copy into archive: %w", err))
	}
	return nil
}
