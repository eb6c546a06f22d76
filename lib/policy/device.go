// Copyright 2026 The Halcyon OS Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/halcyon-os/sessiond/lib/atomicfile"
	"github.com/halcyon-os/sessiond/lib/ipc"
	"github.com/halcyon-os/sessiond/lib/keystore"
)

// Mitigator drives recovery when the consumer owner has lost the
// private half of the owner key.
type Mitigator interface {
	// Mitigate starts key regeneration for username. At most one
	// mitigation runs at a time; a second call while one is in flight
	// is an error.
	Mitigate(username string) error

	// Mitigating reports whether a mitigation is in flight.
	Mitigating() bool

	// Finish marks the in-flight mitigation complete.
	Finish()
}

// flagSentinelBegin and flagSentinelEnd bracket policy-pushed browser
// flags so log readers can tell them from locally configured ones.
const (
	flagSentinelBegin = "--policy-switches-begin"
	flagSentinelEnd   = "--policy-switches-end"
)

// DeviceService is the device-scope policy service. On top of the base
// Service it owns owner login handling, owner-properties synthesis,
// key-loss mitigation hand-off, and the serial number recovery flag.
type DeviceService struct {
	*Service

	logger             *slog.Logger
	mitigator          Mitigator
	serialRecoveryPath string
}

// NewDeviceService wires the device scope together. serialRecoveryPath
// may be empty to disable the recovery flag file.
func NewDeviceService(store *Store, key *Key, mitigator Mitigator,
	serialRecoveryPath string, logger *slog.Logger) *DeviceService {
	return &DeviceService{
		Service:            NewService(store, key, logger),
		logger:             logger,
		mitigator:          mitigator,
		serialRecoveryPath: serialRecoveryPath,
	}
}

// Initialize loads the key and the policy from disk and reconciles the
// serial recovery flag. A corrupt key file is fatal; a corrupt policy
// file is logged and treated as empty.
func (s *DeviceService) Initialize() error {
	if err := s.Key().PopulateFromDiskIfPossible(); err != nil {
		return fmt.Errorf("loading owner key: %w", err)
	}
	if err := s.PolicyStore().LoadOrCreate(); err != nil {
		s.logger.Warn("device policy unreadable, starting empty", "error", err)
	}
	s.updateSerialRecoveryFlag()
	return nil
}

// KeyMissing reports whether disk was checked and no owner key exists.
func (s *DeviceService) KeyMissing() bool {
	return s.Key().HaveCheckedDisk() && !s.Key().IsPopulated()
}

// Mitigating reports whether key-loss mitigation is in flight.
func (s *DeviceService) Mitigating() bool {
	return s.mitigator.Mitigating()
}

// Store verifies and stores device policy, then reconciles the serial
// recovery flag once the envelope has persisted.
func (s *DeviceService) Store(blob []byte, flags KeyFlags, completion Completion) error {
	wrapped := func(err error) {
		if err == nil {
			s.updateSerialRecoveryFlag()
		}
		if completion != nil {
			completion(err)
		}
	}
	return s.Service.Store(blob, flags, wrapped)
}

// CheckAndHandleOwnerLogin is run for every user session start. It
// reports whether the user owns the device, refreshes the synthesized
// owner properties when the user holds the owner private key, and
// kicks off mitigation when the owner has lost it.
func (s *DeviceService) CheckAndHandleOwnerLogin(user string, slot keystore.Slot) (bool, error) {
	canAccessKey := s.userHoldsOwnerKey(slot)
	if canAccessKey {
		if err := s.StoreOwnerProperties(user, slot); err != nil {
			s.logger.Warn("refreshing owner properties failed", "user", user, "error", err)
		} else {
			s.PersistPolicyAsync(nil)
		}
	}

	isOwner := s.currentUserIsOwner(user)
	if isOwner && !canAccessKey {
		s.logger.Info("owner lost the owner key, starting mitigation", "user", user)
		if err := s.mitigator.Mitigate(user); err != nil {
			return true, fmt.Errorf("starting key mitigation: %w", err)
		}
	}
	return isOwner, nil
}

// ValidateAndStoreOwnerKey installs a freshly generated owner public
// key. der must have its private half in slot. During mitigation the
// new key replaces the lost one in place; otherwise this is a fresh
// claim of ownership and all previously stored device policy is
// dropped.
func (s *DeviceService) ValidateAndStoreOwnerKey(user string, der []byte, slot keystore.Slot) error {
	mitigating := s.mitigator.Mitigating()
	if mitigating {
		defer s.mitigator.Finish()
	}

	if _, err := slot.PrivateKey(der); err != nil {
		return ipc.Errorf(ipc.CodeIllegalPubkey,
			"user %s does not hold the private half of the offered key: %v", user, err)
	}

	if mitigating && s.Key().IsPopulated() {
		if err := s.Key().ClobberCompromisedKey(der); err != nil {
			return ipc.Errorf(ipc.CodeIllegalPubkey, "replacing lost owner key: %v", err)
		}
	} else {
		if !mitigating {
			if err := s.PolicyStore().Delete(); err != nil {
				s.logger.Warn("clearing stale device policy failed", "error", err)
			}
		}
		if err := s.Key().PopulateFromBuffer(der); err != nil {
			return ipc.Errorf(ipc.CodeIllegalPubkey, "installing owner key: %v", err)
		}
	}

	if err := s.StoreOwnerProperties(user, slot); err != nil {
		s.logger.Warn("synthesizing owner properties failed", "user", user, "error", err)
	}
	s.PersistKeyAndPolicyAsync(nil)
	return nil
}

// StoreOwnerProperties rewrites the device policy so it names user as
// owner and whitelists them, re-signing with the owner key from slot.
// Enrolled devices (request_token present) are left untouched.
func (s *DeviceService) StoreOwnerProperties(user string, slot keystore.Slot) error {
	envelope := s.PolicyStore().Get()
	data, err := ParseData(envelope.PolicyData)
	if err != nil {
		return fmt.Errorf("current device policy: %w", err)
	}
	if data.RequestToken != "" {
		return nil
	}

	settings, err := ParseDeviceSettings(data.PolicyValue)
	if err != nil {
		return fmt.Errorf("current device settings: %w", err)
	}

	changed := false
	if data.Username != user {
		data.Username = user
		changed = true
	}
	if !settings.Whitelisted(user) {
		settings.UserWhitelist = append(settings.UserWhitelist, user)
		changed = true
	}
	if settings.AllowNewUsers == nil {
		allow := true
		settings.AllowNewUsers = &allow
		changed = true
	}
	if !s.Key().Equals(envelope.NewPublicKey) {
		changed = true
	}
	if !changed {
		return nil
	}

	data.PolicyType = DevicePolicyType
	if data.PolicyValue, err = settings.Marshal(); err != nil {
		return fmt.Errorf("encoding device settings: %w", err)
	}
	payload, err := data.Marshal()
	if err != nil {
		return fmt.Errorf("encoding device policy: %w", err)
	}
	signature, err := s.Key().Sign(slot, payload)
	if err != nil {
		return fmt.Errorf("signing device policy: %w", err)
	}

	// The envelope advertises the owner key so clients can learn it
	// from a plain retrieve.
	s.PolicyStore().Set(Envelope{
		PolicyData:          payload,
		PolicyDataSignature: signature,
		NewPublicKey:        s.Key().PublicKeyDER(),
	})
	s.logger.Info("synthesized owner properties", "user", user)
	return nil
}

// Settings returns the decoded device settings from the current
// policy. Empty policy yields zero settings.
func (s *DeviceService) Settings() (*DeviceSettings, error) {
	envelope := s.PolicyStore().Get()
	data, err := ParseData(envelope.PolicyData)
	if err != nil {
		return nil, fmt.Errorf("device policy: %w", err)
	}
	return ParseDeviceSettings(data.PolicyValue)
}

// StartUpFlags returns the policy-pushed browser flags, normalized to
// --flag form and bracketed by sentinel switches. No flags yields nil.
func (s *DeviceService) StartUpFlags() []string {
	settings, err := s.Settings()
	if err != nil {
		s.logger.Warn("device settings unreadable, no policy flags", "error", err)
		return nil
	}

	flags := make([]string, 0, len(settings.StartUpFlags)+2)
	flags = append(flags, flagSentinelBegin)
	for _, flag := range settings.StartUpFlags {
		if flag == "" || flag == "-" || flag == "--" {
			continue
		}
		if !strings.HasPrefix(flag, "-") {
			flag = "--" + flag
		}
		flags = append(flags, flag)
	}
	if len(flags) == 1 {
		return nil
	}
	return append(flags, flagSentinelEnd)
}

// currentUserIsOwner reports whether user is the consumer owner named
// by the current device policy. Enrolled devices have no owner.
func (s *DeviceService) currentUserIsOwner(user string) bool {
	envelope := s.PolicyStore().Get()
	data, err := ParseData(envelope.PolicyData)
	if err != nil {
		return false
	}
	return data.RequestToken == "" && data.Username != "" && data.Username == user
}

// userHoldsOwnerKey probes slot for the private half of the owner key.
func (s *DeviceService) userHoldsOwnerKey(slot keystore.Slot) bool {
	der := s.Key().PublicKeyDER()
	if len(der) == 0 {
		return false
	}
	_, err := slot.PrivateKey(der)
	return err == nil
}

// updateSerialRecoveryFlag reconciles the serial number recovery flag
// file with the current policy: the flag exists while an enrolled
// policy reports a missing valid serial number, or while no policy has
// been stored at all.
func (s *DeviceService) updateSerialRecoveryFlag() {
	if s.serialRecoveryPath == "" {
		return
	}

	needed := false
	info, err := os.Stat(s.PolicyStore().Path())
	if err != nil || info.Size() == 0 {
		needed = true
	} else {
		envelope := s.PolicyStore().Get()
		data, err := ParseData(envelope.PolicyData)
		if err == nil && data.RequestToken != "" && data.ValidSerialNumberMissing {
			needed = true
		}
	}

	if needed {
		if err := atomicfile.WriteSentinel(s.serialRecoveryPath, ""); err != nil {
			s.logger.Warn("writing serial recovery flag failed", "error", err)
		}
		return
	}
	if err := atomicfile.Remove(s.serialRecoveryPath); err != nil {
		s.logger.Warn("clearing serial recovery flag failed", "error", err)
	}
}
