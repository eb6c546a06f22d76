// Copyright 2026 The Halcyon OS Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/halcyon-os/sessiond/lib/atomicfile"
	"github.com/halcyon-os/sessiond/lib/keystore"
)

// maxKeyFileSize bounds the owner key file read. A PKIX RSA public key
// blob is a few hundred bytes; anything near this limit is corruption.
const maxKeyFileSize = 16 * 1024

// ErrKeyFileCorrupt is returned when the on-disk key exists but does
// not parse as a public key blob. This is a hard failure: the daemon
// must not guess at ownership state.
var ErrKeyFileCorrupt = errors.New("policy: owner key file is corrupt")

// Key holds a scope's signing key: the device owner key for device
// and device-local-account scope, or a per-user key. The public half
// lives on disk at a fixed path; the private half, when present at
// all, is reachable only through a keystore slot.
//
// Until PopulateFromDiskIfPossible has run, every mutating operation
// is refused. Persist refuses to overwrite an existing file unless the
// key was legitimately replaced (rotation or clobber).
type Key struct {
	logger *slog.Logger
	path   string

	mu           sync.Mutex
	key          []byte // PKIX DER; empty means no key
	checkedDisk  bool
	haveReplaced bool
}

// NewKey returns an unpopulated Key backed by the file at path.
func NewKey(path string, logger *slog.Logger) *Key {
	return &Key{logger: logger, path: path}
}

// HaveCheckedDisk reports whether the on-disk state has been examined.
func (k *Key) HaveCheckedDisk() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.checkedDisk
}

// IsPopulated reports whether a key is loaded.
func (k *Key) IsPopulated() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.key) > 0
}

// PublicKeyDER returns a copy of the loaded public key blob, or nil.
func (k *Key) PublicKeyDER() []byte {
	k.mu.Lock()
	defer k.mu.Unlock()
	return bytes.Clone(k.key)
}

// Equals reports whether der matches the loaded key byte for byte.
// Two empty keys are equal.
func (k *Key) Equals(der []byte) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return bytes.Equal(k.key, der)
}

// PopulateFromDiskIfPossible loads the key file. A missing file is
// success with an empty key; a file that exists but cannot be read
// whole or does not validate as a public key blob is a hard error and
// leaves the key unpopulated.
func (k *Key) PopulateFromDiskIfPossible() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.checkedDisk = true

	info, err := os.Stat(k.path)
	if os.IsNotExist(err) {
		k.logger.Info("no owner key on disk", "path", k.path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("checking key file: %w", err)
	}
	if info.Size() > maxKeyFileSize {
		return fmt.Errorf("%w: %s is %d bytes", ErrKeyFileCorrupt, k.path, info.Size())
	}

	data, err := os.ReadFile(k.path)
	if err != nil {
		return fmt.Errorf("reading key file: %w", err)
	}
	if err := validatePublicKeyBlob(data); err != nil {
		return fmt.Errorf("%w: %v", ErrKeyFileCorrupt, err)
	}
	k.key = data
	k.logger.Info("loaded owner key", "path", k.path, "bytes", len(data))
	return nil
}

// PopulateFromBuffer loads key material from a public key blob. The
// attempt is refused before disk has been checked, or when a key is
// already loaded.
func (k *Key) PopulateFromBuffer(der []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.checkedDisk {
		return errors.New("policy: disk not yet checked for owner key")
	}
	if len(k.key) > 0 {
		return errors.New("policy: owner key already present")
	}
	if err := validatePublicKeyBlob(der); err != nil {
		return fmt.Errorf("invalid public key blob: %w", err)
	}
	k.key = bytes.Clone(der)
	return nil
}

// PopulateFromKeypair loads the public half of a generated key pair.
func (k *Key) PopulateFromKeypair(pair *rsa.PrivateKey) error {
	der, err := x509.MarshalPKIXPublicKey(&pair.PublicKey)
	if err != nil {
		return fmt.Errorf("exporting public key: %w", err)
	}
	return k.PopulateFromBuffer(der)
}

// Persist writes the key to disk. Calling this before checking disk is
// refused. An existing file is never overwritten unless the key was
// replaced through Rotate or ClobberCompromisedKey. An empty key that
// was replaced removes the file.
func (k *Key) Persist() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.checkedDisk {
		return errors.New("policy: disk not yet checked for owner key")
	}
	if !k.haveReplaced && atomicfile.Exists(k.path) {
		return errors.New("policy: refusing to overwrite existing owner key")
	}
	if len(k.key) == 0 {
		return atomicfile.Remove(k.path)
	}
	if err := atomicfile.Write(k.path, k.key, 0644); err != nil {
		return fmt.Errorf("persisting owner key: %w", err)
	}
	k.logger.Info("persisted owner key", "path", k.path, "bytes", len(k.key))
	return nil
}

// Rotate replaces the loaded key with der, which must carry a
// signature by the current key. Requires a populated key.
func (k *Key) Rotate(der, signature []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.checkedDisk {
		return errors.New("policy: disk not yet checked for owner key")
	}
	if len(k.key) == 0 {
		return errors.New("policy: no owner key to rotate")
	}
	if err := validatePublicKeyBlob(der); err != nil {
		return fmt.Errorf("invalid replacement key blob: %w", err)
	}
	if err := verifyWithDER(k.key, der, signature); err != nil {
		return fmt.Errorf("rotation proof: %w", err)
	}
	k.key = bytes.Clone(der)
	k.haveReplaced = true
	return nil
}

// ClobberCompromisedKey unconditionally replaces the loaded key with
// der. Used only during key-loss mitigation, where the old private key
// is gone and no rotation proof can exist.
func (k *Key) ClobberCompromisedKey(der []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.checkedDisk {
		return errors.New("policy: disk not yet checked for owner key")
	}
	if len(k.key) == 0 {
		return errors.New("policy: no owner key to clobber")
	}
	if err := validatePublicKeyBlob(der); err != nil {
		return fmt.Errorf("invalid replacement key blob: %w", err)
	}
	k.key = bytes.Clone(der)
	k.haveReplaced = true
	return nil
}

// Verify checks signature over data under the loaded key.
func (k *Key) Verify(data, signature []byte) error {
	k.mu.Lock()
	der := k.key
	k.mu.Unlock()
	if len(der) == 0 {
		return errors.New("policy: no owner key loaded")
	}
	return verifyWithDER(der, data, signature)
}

// Sign signs data with the private half of the loaded key, which must
// be obtainable from slot.
func (k *Key) Sign(slot keystore.Slot, data []byte) ([]byte, error) {
	k.mu.Lock()
	der := bytes.Clone(k.key)
	k.mu.Unlock()
	if len(der) == 0 {
		return nil, errors.New("policy: no owner key loaded")
	}
	private, err := slot.PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("fetching private key: %w", err)
	}
	digest := sha256.Sum256(data)
	signature, err := rsa.SignPKCS1v15(rand.Reader, private, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("signing: %w", err)
	}
	return signature, nil
}

// validatePublicKeyBlob checks that der parses as an RSA public key in
// PKIX form.
func validatePublicKeyBlob(der []byte) error {
	if len(der) == 0 {
		return errors.New("empty key blob")
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return err
	}
	if _, ok := parsed.(*rsa.PublicKey); !ok {
		return fmt.Errorf("key blob holds a %T, want RSA", parsed)
	}
	return nil
}

// verifyWithDER checks an RSA PKCS#1 v1.5 SHA-256 signature over data
// under the public key in der.
func verifyWithDER(der, data, signature []byte) error {
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return fmt.Errorf("parsing verification key: %w", err)
	}
	public, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("verification key is a %T, want RSA", parsed)
	}
	digest := sha256.Sum256(data)
	if err := rsa.VerifyPKCS1v15(public, crypto.SHA256, digest[:], signature); err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}
	return nil
}
