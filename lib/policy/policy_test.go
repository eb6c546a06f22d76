// Copyright 2026 The Halcyon OS Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"log/slog"
	"sync"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// signer is a test-side RSA keypair that can sign policy payloads the
// way the management backend would.
type signer struct {
	private *rsa.PrivateKey
	der     []byte
}

func newSigner(t *testing.T) *signer {
	t.Helper()
	private, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating test key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&private.PublicKey)
	if err != nil {
		t.Fatalf("encoding test key: %v", err)
	}
	return &signer{private: private, der: der}
}

func (s *signer) sign(t *testing.T, data []byte) []byte {
	t.Helper()
	digest := sha256.Sum256(data)
	signature, err := rsa.SignPKCS1v15(rand.Reader, s.private, crypto.SHA256, digest[:])
	if err != nil {
		t.Fatalf("signing test data: %v", err)
	}
	return signature
}

// signedBlob builds a serialized envelope whose PolicyData is signed
// by by. newKey and proofKey control the key-change fields: newKey's
// public blob rides as NewPublicKey, and proofKey (when non-nil) signs
// it into NewPublicKeySignature.
func signedBlob(t *testing.T, data *Data, by *signer, newKey, proofKey *signer) []byte {
	t.Helper()
	payload, err := data.Marshal()
	if err != nil {
		t.Fatalf("encoding policy data: %v", err)
	}
	envelope := Envelope{
		PolicyData:          payload,
		PolicyDataSignature: by.sign(t, payload),
	}
	if newKey != nil {
		envelope.NewPublicKey = newKey.der
		if proofKey != nil {
			envelope.NewPublicKeySignature = proofKey.sign(t, newKey.der)
		}
	}
	blob, err := envelope.Marshal()
	if err != nil {
		t.Fatalf("encoding envelope: %v", err)
	}
	return blob
}

// fakeSlot is an in-memory keystore slot holding the private halves of
// whichever signers were added to it.
type fakeSlot struct {
	mu   sync.Mutex
	keys map[string]*rsa.PrivateKey
}

func newFakeSlot(signers ...*signer) *fakeSlot {
	slot := &fakeSlot{keys: make(map[string]*rsa.PrivateKey)}
	for _, s := range signers {
		slot.keys[string(s.der)] = s.private
	}
	return slot
}

func (s *fakeSlot) PrivateKey(publicKeyDER []byte) (*rsa.PrivateKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[string(publicKeyDER)]
	if !ok {
		return nil, errors.New("no such key in slot")
	}
	return key, nil
}

func (s *fakeSlot) Generate() (*rsa.PrivateKey, error) {
	private, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalPKIXPublicKey(&private.PublicKey)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.keys[string(der)] = private
	s.mu.Unlock()
	return private, nil
}

func (s *fakeSlot) Close() error { return nil }

// fakeMitigator records mitigation requests.
type fakeMitigator struct {
	mu         sync.Mutex
	mitigating bool
	requests   []string
}

func (m *fakeMitigator) Mitigate(username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mitigating {
		return errors.New("mitigation already in flight")
	}
	m.mitigating = true
	m.requests = append(m.requests, username)
	return nil
}

func (m *fakeMitigator) Mitigating() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mitigating
}

func (m *fakeMitigator) Finish() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mitigating = false
}
