// Copyright 2026 The Halcyon OS Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newDiskCheckedKey(t *testing.T) (*Key, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "owner.key")
	key := NewKey(path, testLogger())
	if err := key.PopulateFromDiskIfPossible(); err != nil {
		t.Fatalf("PopulateFromDiskIfPossible: %v", err)
	}
	return key, path
}

func TestKeyMissingFileIsNotAnError(t *testing.T) {
	key, _ := newDiskCheckedKey(t)
	if !key.HaveCheckedDisk() {
		t.Fatal("disk should be marked checked")
	}
	if key.IsPopulated() {
		t.Fatal("key should not be populated")
	}
}

func TestKeyCorruptFileIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "owner.key")
	if err := os.WriteFile(path, []byte("not a key"), 0644); err != nil {
		t.Fatal(err)
	}
	key := NewKey(path, testLogger())
	err := key.PopulateFromDiskIfPossible()
	if !errors.Is(err, ErrKeyFileCorrupt) {
		t.Fatalf("got %v, want ErrKeyFileCorrupt", err)
	}
	if key.IsPopulated() {
		t.Fatal("corrupt key must not populate")
	}
}

func TestKeyPopulateBeforeDiskCheckRefused(t *testing.T) {
	owner := newSigner(t)
	key := NewKey(filepath.Join(t.TempDir(), "owner.key"), testLogger())
	if err := key.PopulateFromBuffer(owner.der); err == nil {
		t.Fatal("populate before disk check should fail")
	}
}

func TestKeyPersistAndReload(t *testing.T) {
	owner := newSigner(t)
	key, path := newDiskCheckedKey(t)
	if err := key.PopulateFromBuffer(owner.der); err != nil {
		t.Fatalf("PopulateFromBuffer: %v", err)
	}
	if err := key.Persist(); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	reloaded := NewKey(path, testLogger())
	if err := reloaded.PopulateFromDiskIfPossible(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !reloaded.Equals(owner.der) {
		t.Fatal("reloaded key differs from persisted key")
	}
}

func TestKeyPersistRefusesOverwrite(t *testing.T) {
	owner := newSigner(t)
	key, path := newDiskCheckedKey(t)
	if err := key.PopulateFromBuffer(owner.der); err != nil {
		t.Fatalf("PopulateFromBuffer: %v", err)
	}
	if err := key.Persist(); err != nil {
		t.Fatalf("first Persist: %v", err)
	}

	// A second Persist without a legitimate replacement must not touch
	// the existing file.
	again := NewKey(path, testLogger())
	if err := again.PopulateFromDiskIfPossible(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if err := again.Persist(); err == nil {
		t.Fatal("overwriting an existing key file should be refused")
	}
}

func TestKeyPopulateTwiceRefused(t *testing.T) {
	owner := newSigner(t)
	other := newSigner(t)
	key, _ := newDiskCheckedKey(t)
	if err := key.PopulateFromBuffer(owner.der); err != nil {
		t.Fatalf("PopulateFromBuffer: %v", err)
	}
	if err := key.PopulateFromBuffer(other.der); err == nil {
		t.Fatal("second populate should be refused")
	}
	if !key.Equals(owner.der) {
		t.Fatal("key changed by refused populate")
	}
}

func TestKeyRotate(t *testing.T) {
	old := newSigner(t)
	replacement := newSigner(t)
	key, _ := newDiskCheckedKey(t)
	if err := key.PopulateFromBuffer(old.der); err != nil {
		t.Fatalf("PopulateFromBuffer: %v", err)
	}

	if err := key.Rotate(replacement.der, replacement.sign(t, replacement.der)); err == nil {
		t.Fatal("rotation with a self-signed proof should fail")
	}
	if err := key.Rotate(replacement.der, old.sign(t, replacement.der)); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if !key.Equals(replacement.der) {
		t.Fatal("key not replaced after rotation")
	}

	// A rotated key may overwrite the file.
	if err := key.Persist(); err != nil {
		t.Fatalf("Persist after rotation: %v", err)
	}
}

func TestKeyClobberRequiresPopulated(t *testing.T) {
	replacement := newSigner(t)
	key, _ := newDiskCheckedKey(t)
	if err := key.ClobberCompromisedKey(replacement.der); err == nil {
		t.Fatal("clobbering an empty key should fail")
	}
}

func TestKeySignAndVerify(t *testing.T) {
	owner := newSigner(t)
	key, _ := newDiskCheckedKey(t)
	if err := key.PopulateFromBuffer(owner.der); err != nil {
		t.Fatalf("PopulateFromBuffer: %v", err)
	}

	slot := newFakeSlot(owner)
	data := []byte("device policy payload")
	signature, err := key.Sign(slot, data)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := key.Verify(data, signature); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if err := key.Verify([]byte("tampered"), signature); err == nil {
		t.Fatal("verification of tampered data should fail")
	}
}

func TestKeySignWithoutPrivateHalf(t *testing.T) {
	owner := newSigner(t)
	key, _ := newDiskCheckedKey(t)
	if err := key.PopulateFromBuffer(owner.der); err != nil {
		t.Fatalf("PopulateFromBuffer: %v", err)
	}
	if _, err := key.Sign(newFakeSlot(), []byte("data")); err == nil {
		t.Fatal("signing without the private key should fail")
	}
}
