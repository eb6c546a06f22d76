// Copyright 2026 The Halcyon OS Authors
// SPDX-License-Identifier: Apache-2.0

package keystore

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrKeyNotFound is returned by Slot.PrivateKey when the slot does not
// hold the private half of the requested public key.
var ErrKeyNotFound = errors.New("keystore: private key not found")

// rsaKeyBits is the modulus size for generated owner keys.
const rsaKeyBits = 2048

// Slot is an opaque handle onto one user's key material. A Slot
// outlives a single request handler; it is owned by the user session
// and closed when the session ends.
type Slot interface {
	// PrivateKey returns the private key matching publicKeyDER (a
	// PKIX DER blob), or ErrKeyNotFound.
	PrivateKey(publicKeyDER []byte) (*rsa.PrivateKey, error)

	// Generate creates a new key pair inside the slot and returns the
	// private key. The pair persists until the slot's backing store is
	// destroyed.
	Generate() (*rsa.PrivateKey, error)

	// Close releases the slot. The backing key material is not
	// destroyed.
	Close() error
}

// Opener opens the keystore slot for a named user.
type Opener interface {
	OpenUserSlot(username string) (Slot, error)
}

// FileKeystore is an Opener backed by per-user directories under a
// common root.
type FileKeystore struct {
	root string
}

// NewFileKeystore returns a FileKeystore rooted at root.
func NewFileKeystore(root string) *FileKeystore {
	return &FileKeystore{root: root}
}

// OpenUserSlot opens (creating if necessary) the slot directory for
// username.
func (k *FileKeystore) OpenUserSlot(username string) (Slot, error) {
	return OpenSlotDir(UserDir(k.root, username))
}

// UserDir returns the slot directory for username under root. The
// username is escaped so it cannot traverse outside the root.
func UserDir(root, username string) string {
	return filepath.Join(root, escapeName(username))
}

// OpenSlotDir opens a slot over an explicit directory. Used by the key
// generator worker, which receives the directory path directly.
func OpenSlotDir(dir string) (Slot, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating slot directory: %w", err)
	}
	return &fileSlot{dir: dir}, nil
}

type fileSlot struct {
	dir    string
	closed bool
}

func (s *fileSlot) PrivateKey(publicKeyDER []byte) (*rsa.PrivateKey, error) {
	if s.closed {
		return nil, errors.New("keystore: slot is closed")
	}
	data, err := os.ReadFile(s.keyPath(publicKeyDER))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("key file in %s is not a PEM private key", s.dir)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key file in %s holds a %T, want RSA", s.dir, parsed)
	}
	return key, nil
}

func (s *fileSlot) Generate() (*rsa.PrivateKey, error) {
	if s.closed {
		return nil, errors.New("keystore: slot is closed")
	}
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generating RSA key: %w", err)
	}
	publicDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("encoding public key: %w", err)
	}
	privateDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("encoding private key: %w", err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privateDER})
	if err := os.WriteFile(s.keyPath(publicDER), data, 0600); err != nil {
		return nil, fmt.Errorf("writing key file: %w", err)
	}
	return key, nil
}

func (s *fileSlot) Close() error {
	s.closed = true
	return nil
}

// keyPath names the PEM file for a public key blob: the hex digest of
// the blob, so lookup by public key is a single stat.
func (s *fileSlot) keyPath(publicKeyDER []byte) string {
	digest := sha256.Sum256(publicKeyDER)
	return filepath.Join(s.dir, hex.EncodeToString(digest[:])+".pem")
}

// escapeName maps an arbitrary username onto a single safe path
// component. Bytes outside [a-zA-Z0-9.@_-] are replaced with %XX. A
// leading dot is escaped too, so "." and ".." cannot name the
// directory itself or its parent; an empty name yields a bare "%",
// which no other input can produce.
func escapeName(name string) string {
	if name == "" {
		return "%"
	}
	var b strings.Builder
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c == '.' && i > 0, c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z',
			c >= '0' && c <= '9', c == '@', c == '_', c == '-':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}
