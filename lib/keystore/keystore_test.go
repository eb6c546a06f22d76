// Copyright 2026 The Halcyon OS Authors
// SPDX-License-Identifier: Apache-2.0

package keystore

import (
	"crypto/x509"
	"errors"
	"path/filepath"
	"testing"
)

func TestGenerateThenLookup(t *testing.T) {
	ks := NewFileKeystore(t.TempDir())
	slot, err := ks.OpenUserSlot("owner@example.com")
	if err != nil {
		t.Fatalf("OpenUserSlot: %v", err)
	}
	defer slot.Close()

	key, err := slot.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	publicDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}

	got, err := slot.PrivateKey(publicDER)
	if err != nil {
		t.Fatalf("PrivateKey: %v", err)
	}
	if !got.Equal(key) {
		t.Error("looked-up private key differs from generated key")
	}
}

func TestLookupUnknownKey(t *testing.T) {
	ks := NewFileKeystore(t.TempDir())
	slot, err := ks.OpenUserSlot("owner@example.com")
	if err != nil {
		t.Fatalf("OpenUserSlot: %v", err)
	}
	defer slot.Close()

	_, err = slot.PrivateKey([]byte("not a real key blob"))
	if !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("PrivateKey of unknown blob = %v, want ErrKeyNotFound", err)
	}
}

func TestSlotsAreIsolatedPerUser(t *testing.T) {
	root := t.TempDir()
	ks := NewFileKeystore(root)

	alice, err := ks.OpenUserSlot("alice@example.com")
	if err != nil {
		t.Fatalf("OpenUserSlot(alice): %v", err)
	}
	defer alice.Close()

	key, err := alice.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	publicDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}

	bob, err := ks.OpenUserSlot("bob@example.com")
	if err != nil {
		t.Fatalf("OpenUserSlot(bob): %v", err)
	}
	defer bob.Close()

	if _, err := bob.PrivateKey(publicDER); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("bob's slot returned alice's key: err = %v, want ErrKeyNotFound", err)
	}
}

func TestClosedSlotRefusesOperations(t *testing.T) {
	ks := NewFileKeystore(t.TempDir())
	slot, err := ks.OpenUserSlot("owner@example.com")
	if err != nil {
		t.Fatalf("OpenUserSlot: %v", err)
	}
	if err := slot.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := slot.Generate(); err == nil {
		t.Error("Generate on closed slot succeeded")
	}
	if _, err := slot.PrivateKey([]byte{0x30}); err == nil || errors.Is(err, ErrKeyNotFound) {
		t.Errorf("PrivateKey on closed slot = %v, want closed-slot error", err)
	}
}

func TestEscapeNamePreventsTraversal(t *testing.T) {
	cases := map[string]string{
		"../../etc/passwd": "/root/keys/%2E.%2F..%2Fetc%2Fpasswd",
		"..":               "/root/keys/%2E.",
		".":                "/root/keys/%2E",
		"":                 "/root/keys/%",
		".hidden":          "/root/keys/%2Ehidden",
		"user@example.com": "/root/keys/user@example.com",
	}
	for name, want := range cases {
		if dir := UserDir("/root/keys", name); dir != want {
			t.Errorf("UserDir(%q) = %q, want %q", name, dir, want)
		}
	}

	// Every escaped name must stay a direct child of the root.
	for name := range cases {
		dir := UserDir("/root/keys", name)
		if filepath.Dir(dir) != "/root/keys" {
			t.Errorf("UserDir(%q) = %q escapes the root", name, dir)
		}
	}
}
