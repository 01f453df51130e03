package packager

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a packaging failure.
type ErrorKind string

const (
	// KindMissingFile means a required input is absent or unreadable.
	KindMissingFile ErrorKind = "missingFile"
	// KindArchiveFailed means the archive itself could not be written.
	KindArchiveFailed ErrorKind = "archiveFailed"
)

var (
	ErrMissingFile   = errors.New("required project file missing")
	ErrArchiveFailed = errors.New("archive could not be written")

	errWrongType = errors.New("wrong file type")
)

// PackagingError wraps packaging failures with the offending path.
type PackagingError struct {
	Kind ErrorKind
	Path string
	Err  error
}

func (e *PackagingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("packaging %s: %s: %v", e.Kind, e.Path, e.Err)
	}
	return fmt.Sprintf("packaging %s: %s", e.Kind, e.Path)
}

func (e *PackagingError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *PackagingError) Is(target error) bool {
	switch e.Kind {
	case KindMissingFile:
		return target == ErrMissingFile
	case KindArchiveFailed:
		return target == ErrArchiveFailed
	}
	return false
}

func missingFile(path string, err error) *PackagingError {
	return &PackagingError{Kind: KindMissingFile, Path: path, Err: err}
}

func archiveFailed(path string, err error) *PackagingError {
	return &PackagingError{Kind: KindArchiveFailed, Path: path, Err: err}
}
