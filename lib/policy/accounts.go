// Copyright 2026 The Halcyon OS Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/halcyon-os/sessiond/lib/ipc"
	"github.com/halcyon-os/sessiond/lib/keystore"
)

// AccountService manages policy for device-local accounts. Every
// account's policy is signed by the device owner key; accounts have no
// keys of their own and the owner key can never be installed or
// rotated through this scope.
type AccountService struct {
	logger   *slog.Logger
	root     string
	ownerKey *Key

	mu       sync.Mutex
	services map[string]*Service
}

// NewAccountService returns an AccountService storing account policy
// under root and verifying against ownerKey.
func NewAccountService(root string, ownerKey *Key, logger *slog.Logger) *AccountService {
	return &AccountService{
		logger:   logger,
		root:     root,
		ownerKey: ownerKey,
		services: make(map[string]*Service),
	}
}

// Store verifies and stores policy for one account. The signature must
// check out under the device owner key; no key changes are permitted.
func (s *AccountService) Store(accountID string, blob []byte, completion Completion) error {
	if !s.ownerKey.IsPopulated() {
		return ipc.Errorf(ipc.CodeNoOwnerKey,
			"no owner key established, cannot verify account policy")
	}
	service, err := s.serviceFor(accountID)
	if err != nil {
		return err
	}
	return service.Store(blob, 0, completion)
}

// Retrieve returns the serialized envelope for one account. An account
// with no stored policy yields empty bytes.
func (s *AccountService) Retrieve(accountID string) ([]byte, error) {
	service, err := s.serviceFor(accountID)
	if err != nil {
		return nil, err
	}
	return service.Retrieve()
}

// UpdateDeviceSettings prunes stored policy for accounts that the
// device settings no longer configure. An empty account list is
// treated as "not yet configured" and prunes nothing.
func (s *AccountService) UpdateDeviceSettings(settings *DeviceSettings) {
	if len(settings.DeviceLocalAccounts) == 0 {
		return
	}

	configured := make(map[string]bool, len(settings.DeviceLocalAccounts))
	for _, id := range settings.DeviceLocalAccounts {
		configured[filepath.Base(keystore.UserDir(s.root, id))] = true
	}

	s.mu.Lock()
	for id, service := range s.services {
		if !configured[filepath.Base(keystore.UserDir(s.root, id))] {
			service.Close()
			delete(s.services, id)
		}
	}
	s.mu.Unlock()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() || configured[entry.Name()] {
			continue
		}
		path := filepath.Join(s.root, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			s.logger.Warn("pruning stale account policy failed",
				"path", path, "error", err)
		} else {
			s.logger.Info("pruned stale account policy", "path", path)
		}
	}
}

// Close stops every per-account persister.
func (s *AccountService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, service := range s.services {
		service.Close()
		delete(s.services, id)
	}
}

// serviceFor returns the per-account service, creating and loading it
// on first use. Account services share the device owner key and never
// write it.
func (s *AccountService) serviceFor(accountID string) (*Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if service, ok := s.services[accountID]; ok {
		return service, nil
	}

	dir := keystore.UserDir(s.root, accountID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, ipc.Errorf(ipc.CodePolicyInitFail,
			"creating account policy directory: %v", err)
	}
	logger := s.logger.With("account", accountID)
	store := NewStore(filepath.Join(dir, "policy"), logger)
	if err := store.LoadOrCreate(); err != nil {
		logger.Warn("account policy unreadable, starting empty", "error", err)
	}
	service := NewService(store, s.ownerKey, logger)
	s.services[accountID] = service
	return service, nil
}
