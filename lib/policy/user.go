// Copyright 2026 The Halcyon OS Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// UserServiceFactory creates per-user policy services. Each user's key
// and policy live under <root>/<userhash>/policy/, keyed by the
// sanitized user hash so arbitrary emails never become path
// components.
type UserServiceFactory struct {
	logger *slog.Logger
	root   string
}

// NewUserServiceFactory returns a factory rooted at root.
func NewUserServiceFactory(root string, logger *slog.Logger) *UserServiceFactory {
	return &UserServiceFactory{logger: logger, root: root}
}

// Create builds and initializes the policy service for one user. The
// per-user key is self-managed: the browser installs and rotates it
// with the regular key-change flags.
func (f *UserServiceFactory) Create(userhash string) (*Service, error) {
	dir := filepath.Join(f.root, userhash, "policy")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating user policy directory: %w", err)
	}

	logger := f.logger.With("userhash", userhash)
	key := NewKey(filepath.Join(dir, "key"), logger)
	store := NewStore(filepath.Join(dir, "policy"), logger)

	if err := key.PopulateFromDiskIfPossible(); err != nil {
		return nil, fmt.Errorf("loading user policy key: %w", err)
	}
	if err := store.LoadOrCreate(); err != nil {
		logger.Warn("user policy unreadable, starting empty", "error", err)
	}
	return NewService(store, key, logger), nil
}
