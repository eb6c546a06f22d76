// Copyright 2026 The Halcyon OS Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/halcyon-os/sessiond/lib/atomicfile"
)

// Store holds one scope's policy envelope and persists it atomically.
// A Store never interprets signatures; that is the Service's job.
type Store struct {
	logger *slog.Logger
	path   string

	mu       sync.Mutex
	envelope Envelope
}

// NewStore returns a Store backed by the file at path.
func NewStore(path string, logger *slog.Logger) *Store {
	return &Store{logger: logger, path: path}
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// LoadOrCreate reads the envelope from disk. A missing or empty file
// yields an empty envelope. A file that fails to parse is reported as
// an error, but the store remains usable: a later Set+Persist
// overwrites the bad data.
func (s *Store) LoadOrCreate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envelope = Envelope{}

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading policy file: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	envelope, err := ParseEnvelope(data)
	if err != nil {
		return fmt.Errorf("policy file %s: %w", s.path, err)
	}
	s.envelope = *envelope
	return nil
}

// Get returns a copy of the held envelope.
func (s *Store) Get() Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.envelope
}

// Set replaces the held envelope. The change is not durable until
// Persist.
func (s *Store) Set(envelope Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envelope = envelope
}

// Persist writes the held envelope to disk atomically.
func (s *Store) Persist() error {
	s.mu.Lock()
	envelope := s.envelope
	s.mu.Unlock()

	data, err := envelope.Marshal()
	if err != nil {
		return fmt.Errorf("serializing policy: %w", err)
	}
	if err := atomicfile.Write(s.path, data, 0604); err != nil {
		return fmt.Errorf("persisting policy: %w", err)
	}
	s.logger.Debug("persisted policy", "path", s.path, "bytes", len(data))
	return nil
}

// Delete removes the backing file and clears the held envelope. Used
// when re-taking ownership invalidates all previously stored policy.
func (s *Store) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envelope = Envelope{}
	return atomicfile.Remove(s.path)
}
