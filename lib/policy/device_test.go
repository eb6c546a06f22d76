// Copyright 2026 The Halcyon OS Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"bytes"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/halcyon-os/sessiond/lib/atomicfile"
	"github.com/halcyon-os/sessiond/lib/ipc"
)

type deviceFixture struct {
	service    *DeviceService
	mitigator  *fakeMitigator
	dir        string
	serialPath string
}

func newDeviceFixture(t *testing.T) *deviceFixture {
	t.Helper()
	dir := t.TempDir()
	serialPath := filepath.Join(dir, "machine-info-missing")
	key := NewKey(filepath.Join(dir, "owner.key"), testLogger())
	store := NewStore(filepath.Join(dir, "policy"), testLogger())
	mitigator := &fakeMitigator{}
	service := NewDeviceService(store, key, mitigator, serialPath, testLogger())
	if err := service.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(service.Service.Close)
	return &deviceFixture{
		service:    service,
		mitigator:  mitigator,
		dir:        dir,
		serialPath: serialPath,
	}
}

// installOwner claims ownership for user: a generated key lands in the
// returned slot and the synthesized owner policy is flushed to disk.
func (f *deviceFixture) installOwner(t *testing.T, user string) (*signer, *fakeSlot) {
	t.Helper()
	owner := newSigner(t)
	slot := newFakeSlot(owner)
	if err := f.service.ValidateAndStoreOwnerKey(user, owner.der, slot); err != nil {
		t.Fatalf("ValidateAndStoreOwnerKey: %v", err)
	}
	if err := f.service.PersistPolicySync(); err != nil {
		t.Fatalf("flushing persistence: %v", err)
	}
	return owner, slot
}

func TestDeviceFreshOwnershipClaim(t *testing.T) {
	f := newDeviceFixture(t)
	if !f.service.KeyMissing() {
		t.Fatal("fresh device should report the key missing")
	}

	owner, _ := f.installOwner(t, "owner@example.com")

	if f.service.KeyMissing() {
		t.Fatal("key should be present after ownership claim")
	}
	if !f.service.Key().Equals(owner.der) {
		t.Fatal("installed key differs from offered key")
	}
	if !atomicfile.Exists(filepath.Join(f.dir, "owner.key")) {
		t.Fatal("owner key not persisted")
	}

	// The synthesized policy names the owner, whitelists them, and
	// advertises the owner key so clients can learn it on retrieve.
	envelope := f.service.PolicyStore().Get()
	data, err := ParseData(envelope.PolicyData)
	if err != nil {
		t.Fatalf("parsing synthesized policy: %v", err)
	}
	if data.Username != "owner@example.com" {
		t.Fatalf("policy names %q as owner", data.Username)
	}
	if !bytes.Equal(envelope.NewPublicKey, owner.der) {
		t.Fatal("synthesized policy does not carry the owner key")
	}
	settings, err := f.service.Settings()
	if err != nil {
		t.Fatalf("Settings: %v", err)
	}
	if !settings.Whitelisted("owner@example.com") {
		t.Fatal("owner not whitelisted")
	}
	if settings.AllowNewUsers == nil || !*settings.AllowNewUsers {
		t.Fatal("allow_new_users not defaulted to true")
	}
}

func TestDeviceOwnerKeyWithoutPrivateHalf(t *testing.T) {
	f := newDeviceFixture(t)
	stranger := newSigner(t)

	err := f.service.ValidateAndStoreOwnerKey("owner@example.com", stranger.der, newFakeSlot())
	if ipc.CodeOf(err) != ipc.CodeIllegalPubkey {
		t.Fatalf("got %v, want IllegalPubkey", err)
	}
	if f.service.Key().IsPopulated() {
		t.Fatal("key installed despite missing private half")
	}
}

func TestDeviceOwnerLoginRecognized(t *testing.T) {
	f := newDeviceFixture(t)
	_, slot := f.installOwner(t, "owner@example.com")

	isOwner, err := f.service.CheckAndHandleOwnerLogin("owner@example.com", slot)
	if err != nil {
		t.Fatalf("CheckAndHandleOwnerLogin: %v", err)
	}
	if !isOwner {
		t.Fatal("owner not recognized")
	}
	if len(f.mitigator.requests) != 0 {
		t.Fatal("mitigation started although the key is accessible")
	}
}

func TestDeviceNonOwnerLogin(t *testing.T) {
	f := newDeviceFixture(t)
	f.installOwner(t, "owner@example.com")

	isOwner, err := f.service.CheckAndHandleOwnerLogin("guest@example.com", newFakeSlot())
	if err != nil {
		t.Fatalf("CheckAndHandleOwnerLogin: %v", err)
	}
	if isOwner {
		t.Fatal("non-owner recognized as owner")
	}
	if len(f.mitigator.requests) != 0 {
		t.Fatal("mitigation started for a non-owner")
	}
}

func TestDeviceOwnerLostKeyStartsMitigation(t *testing.T) {
	f := newDeviceFixture(t)
	f.installOwner(t, "owner@example.com")

	// The owner logs in, but their keystore no longer holds the
	// private half.
	isOwner, err := f.service.CheckAndHandleOwnerLogin("owner@example.com", newFakeSlot())
	if err != nil {
		t.Fatalf("CheckAndHandleOwnerLogin: %v", err)
	}
	if !isOwner {
		t.Fatal("owner not recognized")
	}
	if !reflect.DeepEqual(f.mitigator.requests, []string{"owner@example.com"}) {
		t.Fatalf("mitigation requests %v", f.mitigator.requests)
	}
	if !f.service.Mitigating() {
		t.Fatal("mitigation should be in flight")
	}
}

func TestDeviceMitigationReplacesKey(t *testing.T) {
	f := newDeviceFixture(t)
	old, _ := f.installOwner(t, "owner@example.com")

	if err := f.mitigator.Mitigate("owner@example.com"); err != nil {
		t.Fatalf("Mitigate: %v", err)
	}
	replacement := newSigner(t)
	slot := newFakeSlot(replacement)
	if err := f.service.ValidateAndStoreOwnerKey("owner@example.com",
		replacement.der, slot); err != nil {
		t.Fatalf("ValidateAndStoreOwnerKey: %v", err)
	}

	if f.service.Key().Equals(old.der) {
		t.Fatal("lost key not replaced")
	}
	if !f.service.Key().Equals(replacement.der) {
		t.Fatal("replacement key not installed")
	}
	if f.service.Mitigating() {
		t.Fatal("mitigation should be finished")
	}
}

func TestDeviceEnrolledHasNoOwner(t *testing.T) {
	f := newDeviceFixture(t)
	backend := newSigner(t)

	blob := signedBlob(t, &Data{
		PolicyType:   DevicePolicyType,
		Username:     "admin@example.com",
		RequestToken: "enrollment-token",
	}, backend, backend, nil)
	done := make(chan error, 1)
	if err := f.service.Store(blob, KeyInstallNew, func(err error) { done <- err }); err != nil {
		t.Fatalf("store enrolled policy: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("persisting enrolled policy: %v", err)
	}

	isOwner, err := f.service.CheckAndHandleOwnerLogin("admin@example.com",
		newFakeSlot(backend))
	if err != nil {
		t.Fatalf("CheckAndHandleOwnerLogin: %v", err)
	}
	if isOwner {
		t.Fatal("enrolled device must not have a consumer owner")
	}
}

func TestDeviceStartUpFlags(t *testing.T) {
	f := newDeviceFixture(t)
	_, slot := f.installOwner(t, "owner@example.com")

	if got := f.service.StartUpFlags(); got != nil {
		t.Fatalf("flags without policy: %v", got)
	}

	settings := &DeviceSettings{
		UserWhitelist: []string{"owner@example.com"},
		StartUpFlags:  []string{"foo", "-bar", "--baz", "", "-", "--"},
	}
	value, err := settings.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	payload, err := (&Data{
		PolicyType:  DevicePolicyType,
		Username:    "owner@example.com",
		PolicyValue: value,
	}).Marshal()
	if err != nil {
		t.Fatal(err)
	}
	signature, err := f.service.Key().Sign(slot, payload)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	f.service.PolicyStore().Set(Envelope{
		PolicyData:          payload,
		PolicyDataSignature: signature,
	})

	want := []string{
		"--policy-switches-begin",
		"--foo", "-bar", "--baz",
		"--policy-switches-end",
	}
	if got := f.service.StartUpFlags(); !reflect.DeepEqual(got, want) {
		t.Fatalf("StartUpFlags = %v, want %v", got, want)
	}
}

func TestDeviceSerialRecoveryFlag(t *testing.T) {
	f := newDeviceFixture(t)

	// No policy stored yet: recovery flag present.
	if !atomicfile.Exists(f.serialPath) {
		t.Fatal("recovery flag missing on a fresh device")
	}

	backend := newSigner(t)
	store := func(serialMissing bool) {
		t.Helper()
		blob := signedBlob(t, &Data{
			PolicyType:               DevicePolicyType,
			RequestToken:             "enrollment-token",
			ValidSerialNumberMissing: serialMissing,
		}, backend, backend, nil)
		done := make(chan error, 1)
		flags := KeyInstallNew | KeyRotate | KeyClobber
		if err := f.service.Store(blob, flags, func(err error) { done <- err }); err != nil {
			t.Fatalf("store: %v", err)
		}
		if err := <-done; err != nil {
			t.Fatalf("persist: %v", err)
		}
	}

	store(false)
	if atomicfile.Exists(f.serialPath) {
		t.Fatal("recovery flag should clear once policy is stored")
	}

	store(true)
	if !atomicfile.Exists(f.serialPath) {
		t.Fatal("recovery flag should return when the serial is missing")
	}
}
