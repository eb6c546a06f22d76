// Copyright 2026 The Halcyon OS Authors
// SPDX-License-Identifier: Apache-2.0

package atomicfile

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Write atomically replaces the file at path with data. The data is
// written to a temporary file in the same directory, fsynced, closed,
// and renamed into place; the parent directory is then synced so the
// rename survives power loss.
func Write(path string, data []byte, mode fs.FileMode) error {
	temporaryPath := path + ".tmp"

	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("creating temporary file: %w", err)
	}

	// Write, sync, then close. If any step fails, remove the
	// temporary file and report the first error.
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary file: %w", err)
	}

	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming into place: %w", err)
	}

	if parent, err := os.Open(filepath.Dir(path)); err == nil {
		parent.Sync()
		parent.Close()
	}
	return nil
}

// WriteSentinel atomically writes a small marker file with the given
// payload, creating parent directories as needed. Sentinels are
// world-readable; other boot services check for their existence.
func WriteSentinel(path string, payload string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating sentinel directory: %w", err)
	}
	return Write(path, []byte(payload), 0644)
}

// Exists reports whether path names an existing file.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Remove deletes the file at path. Idempotent: a missing file is not
// an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	return nil
}
