// Copyright 2026 The Halcyon OS Authors
// SPDX-License-Identifier: Apache-2.0

// Package mitigator recovers from a consumer owner losing the private
// half of the owner key: it asks the supervisor to run the key
// generator worker as that user, and tracks the mitigation until the
// regenerated key has been imported.
package mitigator

import (
	"fmt"
	"log/slog"
	"sync"
)

// KeyGeneratorRunner starts the key generator worker for a user. The
// supervisor implements this; the worker writes its public key to a
// file and the session manager imports it.
type KeyGeneratorRunner interface {
	RunKeyGenerator(username string) error
}

// Mitigator tracks key-loss recovery. At most one mitigation runs at a
// time; the flag stays set until the regenerated key import finishes.
type Mitigator struct {
	logger *slog.Logger
	runner KeyGeneratorRunner

	mu         sync.Mutex
	mitigating bool
}

// New returns a Mitigator driving runner.
func New(runner KeyGeneratorRunner, logger *slog.Logger) *Mitigator {
	return &Mitigator{logger: logger, runner: runner}
}

// Mitigate starts key regeneration for username. Fails if a mitigation
// is already in flight or the worker cannot be started.
func (m *Mitigator) Mitigate(username string) error {
	m.mu.Lock()
	if m.mitigating {
		m.mu.Unlock()
		return fmt.Errorf("mitigator: mitigation already in flight")
	}
	m.mitigating = true
	m.mu.Unlock()

	m.logger.Info("starting owner key regeneration", "user", username)
	if err := m.runner.RunKeyGenerator(username); err != nil {
		m.mu.Lock()
		m.mitigating = false
		m.mu.Unlock()
		return fmt.Errorf("starting key generator: %w", err)
	}
	return nil
}

// Mitigating reports whether a mitigation is in flight.
func (m *Mitigator) Mitigating() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mitigating
}

// Finish marks the in-flight mitigation complete. Called once the
// regenerated key has been validated and stored.
func (m *Mitigator) Finish() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mitigating {
		m.logger.Info("owner key mitigation finished")
	}
	m.mitigating = false
}
