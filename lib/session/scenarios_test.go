// Copyright 2026 The Halcyon OS Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/halcyon-os/sessiond/lib/ipc"
	"github.com/halcyon-os/sessiond/lib/keystore"
	"github.com/halcyon-os/sessiond/lib/liveness"
	"github.com/halcyon-os/sessiond/lib/policy"
)

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

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
		t.Fatalf("signing: %v", err)
	}
	return signature
}

// signedDeviceBlob serializes a device-scope envelope signed by `by`,
// optionally carrying newKey (and a rotation proof by proofKey).
func signedDeviceBlob(t *testing.T, data *policy.Data, by, newKey, proofKey *signer) []byte {
	t.Helper()
	payload, err := data.Marshal()
	if err != nil {
		t.Fatalf("encoding policy data: %v", err)
	}
	envelope := policy.Envelope{
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

// signedUserBlob builds a self-installing per-user envelope.
func signedUserBlob(t *testing.T, key *signer, username string) []byte {
	t.Helper()
	return signedDeviceBlob(t, &policy.Data{Username: username}, key, key, nil)
}

type abortFunc func()

func (f abortFunc) AbortBrowser() { f() }

func livenessChecker(f *fixture, onAbort func()) *liveness.Checker {
	return liveness.New(f.manager, abortFunc(onAbort), 5*time.Second,
		f.clock, slog.New(slog.DiscardHandler))
}

func TestFirstOwnerFlow(t *testing.T) {
	f := newFixture(t)

	if err := f.manager.StartSession("a@b"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if f.emitter.signalCount(ipc.SignalSessionStateChanged, "started") != 1 {
		t.Fatal("SessionStateChanged=started not emitted")
	}

	// The key generator worker was launched for the new owner.
	waitUntil(t, func() bool { return f.spawner.count() == 1 }, "key generator spawn")

	// Simulate the worker: generate a keypair in the owner's keystore
	// slot and hand the public half over via the key file.
	slot, err := keystore.OpenSlotDir(keystore.UserDir(f.keysRoot, "a@b"))
	if err != nil {
		t.Fatalf("opening owner slot: %v", err)
	}
	private, err := slot.Generate()
	if err != nil {
		t.Fatalf("generating owner key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&private.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(f.keyFile, der, 0644); err != nil {
		t.Fatal(err)
	}
	f.spawner.process(0).die(0)

	waitUntil(t, func() bool {
		return f.emitter.signalCount(ipc.SignalOwnerKeySet, "true") >= 1
	}, "OwnerKeySet=true")

	blob, err := f.manager.RetrievePolicy()
	if err != nil {
		t.Fatalf("RetrievePolicy: %v", err)
	}
	envelope, err := policy.ParseEnvelope(blob)
	if err != nil {
		t.Fatalf("parsing envelope: %v", err)
	}
	data, err := policy.ParseData(envelope.PolicyData)
	if err != nil {
		t.Fatalf("parsing data: %v", err)
	}
	if data.Username != "a@b" {
		t.Fatalf("owner %q, want a@b", data.Username)
	}
	settings, err := policy.ParseDeviceSettings(data.PolicyValue)
	if err != nil {
		t.Fatalf("parsing settings: %v", err)
	}
	if !settings.Whitelisted("a@b") {
		t.Fatal("owner not whitelisted")
	}
	if settings.AllowNewUsers == nil || !*settings.AllowNewUsers {
		t.Fatal("allow_new_users not true")
	}
}

func TestStorePolicyRotation(t *testing.T) {
	f := newFixture(t)
	oldKey := newSigner(t)
	newKey := newSigner(t)

	// Pre-session install of the first key.
	install := signedDeviceBlob(t, &policy.Data{PolicyType: policy.DevicePolicyType},
		oldKey, oldKey, nil)
	if err := f.manager.StorePolicy(install); err != nil {
		t.Fatalf("initial StorePolicy: %v", err)
	}

	rotation := signedDeviceBlob(t, &policy.Data{PolicyType: policy.DevicePolicyType},
		newKey, newKey, oldKey)
	if err := f.manager.StorePolicy(rotation); err != nil {
		t.Fatalf("rotating StorePolicy: %v", err)
	}

	retrieved, err := f.manager.RetrievePolicy()
	if err != nil {
		t.Fatalf("RetrievePolicy: %v", err)
	}
	if !bytes.Equal(retrieved, rotation) {
		t.Fatal("retrieved policy is not the rotated envelope")
	}

	onDisk, err := os.ReadFile(f.dir + "/owner.key")
	if err != nil {
		t.Fatalf("reading key file: %v", err)
	}
	if !bytes.Equal(onDisk, newKey.der) {
		t.Fatal("key on disk is not the rotated key")
	}
}

func TestTamperedStoreRejected(t *testing.T) {
	f := newFixture(t)
	ownerKey := newSigner(t)
	intruder := newSigner(t)

	install := signedDeviceBlob(t, &policy.Data{}, ownerKey, ownerKey, nil)
	if err := f.manager.StorePolicy(install); err != nil {
		t.Fatalf("initial StorePolicy: %v", err)
	}
	signalsBefore := f.emitter.signalCount(ipc.SignalPropertyChangeComplete)

	// Payload signed by the wrong key.
	forged := signedDeviceBlob(t, &policy.Data{Username: "evil@example.com"},
		intruder, nil, nil)
	err := f.manager.StorePolicy(forged)
	if ipc.CodeOf(err) != ipc.CodeVerifyFail {
		t.Fatalf("forged store = %v, want VerifyFail", err)
	}

	retrieved, err := f.manager.RetrievePolicy()
	if err != nil {
		t.Fatalf("RetrievePolicy: %v", err)
	}
	if !bytes.Equal(retrieved, install) {
		t.Fatal("rejected store changed the policy")
	}
	if got := f.emitter.signalCount(ipc.SignalPropertyChangeComplete); got != signalsBefore {
		t.Fatal("rejected store emitted persistence signals")
	}
}

func TestEnterpriseDeviceNotOwnable(t *testing.T) {
	f := newFixture(t)
	backend := newSigner(t)

	enrolled := signedDeviceBlob(t, &policy.Data{
		PolicyType:   policy.DevicePolicyType,
		Username:     "admin@example.com",
		RequestToken: "enrollment-token",
	}, backend, backend, nil)
	if err := f.manager.StorePolicy(enrolled); err != nil {
		t.Fatalf("enrollment StorePolicy: %v", err)
	}

	if err := f.manager.StartSession("a@b"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	// No mitigation and no key generation on an enrolled device.
	if f.device.Mitigating() {
		t.Fatal("mitigation started on an enrolled device")
	}
	if f.spawner.count() != 0 {
		t.Fatal("key generator spawned on an enrolled device")
	}
}

func TestDeviceWipeGated(t *testing.T) {
	f := newFixture(t)

	if err := f.manager.StartDeviceWipe(); err != nil {
		t.Fatalf("StartDeviceWipe: %v", err)
	}
	payload, err := os.ReadFile(f.paths.ResetFile)
	if err != nil {
		t.Fatalf("reading reset sentinel: %v", err)
	}
	if string(payload) != ResetPayload {
		t.Fatalf("reset payload %q, want %q", payload, ResetPayload)
	}
	if f.power.rebootCount() != 1 {
		t.Fatal("restart not requested")
	}

	if err := os.Remove(f.paths.ResetFile); err != nil {
		t.Fatal(err)
	}
	if err := f.manager.StartSession("a@b"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	err = f.manager.StartDeviceWipe()
	if ipc.CodeOf(err) != ipc.CodeAlreadySession {
		t.Fatalf("wipe after session = %v, want AlreadySession", err)
	}
	if fileExists(f.paths.ResetFile) {
		t.Fatal("rejected wipe wrote the reset sentinel")
	}
}
