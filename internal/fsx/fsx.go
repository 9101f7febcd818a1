// Package fsx wraps the handful of filesystem operations the download
// subsystem relies on: existence checks, idempotent directory creation,
// tolerant deletion and disk-usage accounting.
package fsx

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const dirPerm = 0755

// Info describes a path's state on disk.
type Info struct {
	Exists      bool
	IsDirectory bool
	Size        int64
}

// Stat returns the state of path. A missing path is not an error; it yields
// Info{Exists: false}.
func Stat(path string) (Info, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Info{}, nil
		}

		return Info{}, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	return Info{Exists: true, IsDirectory: fi.IsDir(), Size: fi.Size()}, nil
}

// EnsureDir creates path (and intermediates) if absent. Safe to call when the
// directory already exists.
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, dirPerm); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}

	return nil
}

// Remove deletes the file at path, tolerating a path that is already gone.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}

	return nil
}

// RemoveAll deletes path and everything below it.
func RemoveAll(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to remove tree %s: %w", path, err)
	}

	return nil
}

// DirSize sums the sizes of all regular files under dir. A missing dir
// counts as zero.
func DirSize(dir string) (int64, error) {
	var total int64

	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			return err
		}

		total += fi.Size()

		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}

		return 0, fmt.Errorf("failed to walk %s: %w", dir, err)
	}

	return total, nil
}
