// Copyright 2026 The Halcyon OS Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/halcyon-os/sessiond/lib/ipc"
)

// KeyFlags controls which key changes a Store call may perform.
type KeyFlags int

const (
	// KeyInstallNew allows installing a first key for a scope that
	// has none.
	KeyInstallNew KeyFlags = 1 << iota
	// KeyRotate allows replacing the current key when the envelope
	// proves continuity (signature chain through the current key).
	KeyRotate
	// KeyClobber allows replacing the current key without a rotation
	// proof. Used while re-establishing ownership in-session.
	KeyClobber
)

// Completion receives the final outcome of an asynchronous Store once
// persistence has been attempted. A nil error means both the key (if
// changed) and the policy reached disk.
type Completion func(err error)

// ErrShuttingDown is delivered to completions that were still queued
// when the service stopped.
var ErrShuttingDown = errors.New("policy: service shutting down")

// persistTask is one queued persistence request. Tasks execute in
// acceptance order on the persister goroutine, which is what gives a
// scope its completion-ordering guarantee.
type persistTask struct {
	persistKey bool
	completion Completion
}

// Service is the base policy service: it verifies incoming envelopes
// against the scope's key, applies the scope's key-change rules, and
// persists asynchronously. DeviceService specializes it for device
// scope; the user factory and the account service produce instances
// for their scopes.
type Service struct {
	logger *slog.Logger
	store  *Store
	key    *Key

	// verifyMu serializes the verification phase of Store calls for
	// this scope. Completions are serialized separately by the
	// persister goroutine.
	verifyMu sync.Mutex

	tasks    chan persistTask
	quit     chan struct{}
	drained  chan struct{}
	stopOnce sync.Once

	// onKeyPersisted and onPolicyPersisted run on the persister
	// goroutine after each persistence attempt. Set them before the
	// first Store; they back the OwnerKeySet and
	// PropertyChangeComplete signals.
	onKeyPersisted    func(ok bool)
	onPolicyPersisted func(ok bool)
}

// NewService returns a Service over the given store and key, with its
// persister running.
func NewService(store *Store, key *Key, logger *slog.Logger) *Service {
	s := &Service{
		logger:  logger,
		store:   store,
		key:     key,
		tasks:   make(chan persistTask, 16),
		quit:    make(chan struct{}),
		drained: make(chan struct{}),
	}
	go s.persistLoop()
	return s
}

// Key returns the scope's key store.
func (s *Service) Key() *Key { return s.key }

// PolicyStore returns the scope's envelope store.
func (s *Service) PolicyStore() *Store { return s.store }

// SetKeyPersistedCallback registers the post-key-persistence hook.
func (s *Service) SetKeyPersistedCallback(f func(ok bool)) { s.onKeyPersisted = f }

// SetPolicyPersistedCallback registers the post-policy-persistence
// hook.
func (s *Service) SetPolicyPersistedCallback(f func(ok bool)) { s.onPolicyPersisted = f }

// Store verifies blob, applies any key change allowed by flags, and
// schedules persistence. Verification failures are synchronous; the
// completion fires only for accepted envelopes, after persistence has
// been attempted.
func (s *Service) Store(blob []byte, flags KeyFlags, completion Completion) error {
	envelope, err := ParseEnvelope(blob)
	if err != nil {
		return ipc.Errorf(ipc.CodeVerifyFail, "unparseable policy envelope: %v", err)
	}

	s.verifyMu.Lock()
	defer s.verifyMu.Unlock()

	persistKey, err := s.applyEnvelope(envelope, flags)
	if err != nil {
		return err
	}

	s.store.Set(*envelope)
	s.enqueue(persistTask{persistKey: persistKey, completion: completion})
	return nil
}

// applyEnvelope verifies the envelope's signature chain under the
// scope's key-change rules and installs a new key in memory when
// allowed. Returns whether the key changed. Caller holds verifyMu.
func (s *Service) applyEnvelope(envelope *Envelope, flags KeyFlags) (bool, error) {
	currentKey := s.key.IsPopulated()
	keyChanged := len(envelope.NewPublicKey) > 0 && !s.key.Equals(envelope.NewPublicKey)

	switch {
	case !currentKey:
		// First install: the envelope must bring its own key and the
		// caller must allow installing one.
		if flags&KeyInstallNew == 0 || len(envelope.NewPublicKey) == 0 {
			return false, ipc.Errorf(ipc.CodeVerifyFail,
				"no key for this scope and envelope cannot install one")
		}
		if err := verifyWithDER(envelope.NewPublicKey, envelope.PolicyData,
			envelope.PolicyDataSignature); err != nil {
			return false, ipc.Errorf(ipc.CodeVerifyFail, "initial install: %v", err)
		}
		if err := s.key.PopulateFromBuffer(envelope.NewPublicKey); err != nil {
			return false, ipc.Errorf(ipc.CodeIllegalPubkey, "installing key: %v", err)
		}
		return true, nil

	case !keyChanged:
		if err := s.key.Verify(envelope.PolicyData, envelope.PolicyDataSignature); err != nil {
			return false, ipc.Errorf(ipc.CodeVerifyFail, "%v", err)
		}
		return false, nil

	case flags&KeyRotate != 0:
		if err := verifyWithDER(envelope.NewPublicKey, envelope.PolicyData,
			envelope.PolicyDataSignature); err != nil {
			return false, ipc.Errorf(ipc.CodeVerifyFail, "rotation: %v", err)
		}
		if len(envelope.NewPublicKeySignature) > 0 {
			if err := s.key.Rotate(envelope.NewPublicKey,
				envelope.NewPublicKeySignature); err != nil {
				return false, ipc.Errorf(ipc.CodeVerifyFail, "rotation proof: %v", err)
			}
		} else if err := s.key.ClobberCompromisedKey(envelope.NewPublicKey); err != nil {
			return false, ipc.Errorf(ipc.CodeIllegalPubkey, "rotation: %v", err)
		}
		return true, nil

	case flags&KeyClobber != 0:
		if err := verifyWithDER(envelope.NewPublicKey, envelope.PolicyData,
			envelope.PolicyDataSignature); err != nil {
			return false, ipc.Errorf(ipc.CodeVerifyFail, "clobber: %v", err)
		}
		if err := s.key.ClobberCompromisedKey(envelope.NewPublicKey); err != nil {
			return false, ipc.Errorf(ipc.CodeIllegalPubkey, "clobber: %v", err)
		}
		return true, nil

	default:
		return false, ipc.Errorf(ipc.CodeVerifyFail,
			"envelope changes the key but flags do not allow it")
	}
}

// Retrieve returns the serialized envelope for this scope. An empty
// policy yields empty bytes.
func (s *Service) Retrieve() ([]byte, error) {
	envelope := s.store.Get()
	if envelope.IsEmpty() {
		return []byte{}, nil
	}
	blob, err := envelope.Marshal()
	if err != nil {
		return nil, ipc.Errorf(ipc.CodeEncodeFail, "serializing policy: %v", err)
	}
	return blob, nil
}

// PersistPolicySync flushes every queued persistence task and writes
// the current envelope to disk before returning.
func (s *Service) PersistPolicySync() error {
	done := make(chan error, 1)
	select {
	case s.tasks <- persistTask{completion: func(err error) { done <- err }}:
	case <-s.quit:
		return s.store.Persist()
	}
	select {
	case err := <-done:
		return err
	case <-s.drained:
		return s.store.Persist()
	}
}

// PersistPolicyAsync schedules a persistence pass without a key write.
func (s *Service) PersistPolicyAsync(completion Completion) {
	s.enqueue(persistTask{completion: completion})
}

// PersistKeyAndPolicyAsync schedules persistence of both the key and
// the policy.
func (s *Service) PersistKeyAndPolicyAsync(completion Completion) {
	s.enqueue(persistTask{persistKey: true, completion: completion})
}

// Close stops the persister. Tasks still queued complete with
// ErrShuttingDown without touching disk.
func (s *Service) Close() {
	s.stopOnce.Do(func() { close(s.quit) })
	<-s.drained
}

func (s *Service) enqueue(task persistTask) {
	select {
	case <-s.quit:
		if task.completion != nil {
			task.completion(ErrShuttingDown)
		}
		return
	default:
	}
	select {
	case s.tasks <- task:
	case <-s.quit:
		if task.completion != nil {
			task.completion(ErrShuttingDown)
		}
	}
}

// persistLoop executes tasks in acceptance order. One goroutine per
// scope: completions for a scope never reorder, while scopes proceed
// independently.
func (s *Service) persistLoop() {
	defer close(s.drained)
	for {
		select {
		case task := <-s.tasks:
			s.runTask(task)
		case <-s.quit:
			for {
				select {
				case task := <-s.tasks:
					if task.completion != nil {
						task.completion(ErrShuttingDown)
					}
				default:
					return
				}
			}
		}
	}
}

func (s *Service) runTask(task persistTask) {
	var keyErr error
	if task.persistKey {
		keyErr = s.key.Persist()
		if keyErr != nil {
			s.logger.Error("key persistence failed", "error", keyErr)
		}
		if s.onKeyPersisted != nil {
			s.onKeyPersisted(keyErr == nil)
		}
	}

	policyErr := s.store.Persist()
	if policyErr != nil {
		s.logger.Error("policy persistence failed", "error", policyErr)
	}
	if s.onPolicyPersisted != nil {
		s.onPolicyPersisted(policyErr == nil)
	}

	if task.completion != nil {
		if keyErr != nil {
			task.completion(fmt.Errorf("persisting key: %w", keyErr))
		} else if policyErr != nil {
			task.completion(fmt.Errorf("persisting policy: %w", policyErr))
		} else {
			task.completion(nil)
		}
	}
}
