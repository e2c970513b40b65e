package credentials

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/manchtools/power-manage/ucs-apps/internal/secret"
)

const (
	stagedFileName = "pwdfile"
	stagedDirMode  = 0700
	stagedFileMode = 0600
)

// Staged is a password written to an owner-only file for the lifetime of one
// univention-app action. Release must be called on every exit path; use
// Stager.WithStaged to get that guarantee.
type Staged struct {
	dir      string
	path     string
	size     int
	released bool
}

// Path is the file to pass as --pwdfile.
func (s *Staged) Path() string { return s.path }

// Mode is the permission the file was created with.
func (s *Staged) Mode() os.FileMode { return stagedFileMode }

// Release overwrites the file with zeros, unlinks it and removes its private
// directory. Release is idempotent.
func (s *Staged) Release() error {
	if s.released {
		return nil
	}
	s.released = true

	var errs []error
	if f, err := os.OpenFile(s.path, os.O_WRONLY, 0); err == nil {
		if _, err := f.Write(make([]byte, s.size)); err != nil {
			errs = append(errs, fmt.Errorf("overwrite staged password: %w", err))
		}
		f.Sync()
		f.Close()
	} else if !os.IsNotExist(err) {
		errs = append(errs, fmt.Errorf("open staged password: %w", err))
	}

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		errs = append(errs, fmt.Errorf("remove staged password: %w", err))
	}
	if err := os.RemoveAll(s.dir); err != nil {
		errs = append(errs, fmt.Errorf("remove staging directory: %w", err))
	}
	return errors.Join(errs...)
}

// Stager creates staged password files below a base directory.
type Stager struct {
	// BaseDir is where private staging directories are created.
	// Empty means os.TempDir().
	BaseDir string
}

// Stage writes pw to a new 0600 file inside a fresh 0700 directory.
func (st *Stager) Stage(pw *secret.Buffer) (*Staged, error) {
	if pw == nil || pw.Len() == 0 {
		return nil, fmt.Errorf("password is required")
	}

	base := st.BaseDir
	if base == "" {
		base = os.TempDir()
	}

	dir, err := os.MkdirTemp(base, "ucs-apps-")
	if err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}
	if err := os.Chmod(dir, stagedDirMode); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("chmod staging directory: %w", err)
	}

	staged := &Staged{
		dir:  dir,
		path: filepath.Join(dir, stagedFileName),
		size: pw.Len(),
	}

	f, err := os.OpenFile(staged.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, stagedFileMode)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("create staged password: %w", err)
	}

	if _, err := f.Write(pw.Bytes()); err != nil {
		f.Close()
		staged.Release()
		return nil, fmt.Errorf("write staged password: %w", err)
	}
	if err := f.Close(); err != nil {
		staged.Release()
		return nil, fmt.Errorf("close staged password: %w", err)
	}

	return staged, nil
}

// WithStaged stages pw, calls fn with the file path and releases the file
// afterwards, also when fn fails or panics. A release failure is returned
// only if fn itself succeeded.
func (st *Stager) WithStaged(pw *secret.Buffer, fn func(path string) error) (err error) {
	staged, err := st.Stage(pw)
	if err != nil {
		return err
	}
	defer func() {
		if releaseErr := staged.Release(); releaseErr != nil && err == nil {
			err = releaseErr
		}
	}()

	return fn(staged.Path())
}
