// Copyright 2026 The Halcyon OS Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"fmt"

	"github.com/halcyon-os/sessiond/lib/codec"
)

// DevicePolicyType is the required policy_type for device-scope
// envelopes.
const DevicePolicyType = "google/chromeos/device"

// Envelope is the signed wrapper around policy bytes. The signature
// covers PolicyData exactly as serialized by the management backend;
// the daemon never re-encodes PolicyData.
type Envelope struct {
	// PolicyData is the serialized Data payload.
	PolicyData []byte `cbor:"policy_data,omitempty"`

	// PolicyDataSignature is the RSA signature over PolicyData.
	PolicyDataSignature []byte `cbor:"policy_data_signature,omitempty"`

	// NewPublicKey, when present, is the PKIX DER blob of the key the
	// envelope wants installed for this scope.
	NewPublicKey []byte `cbor:"new_public_key,omitempty"`

	// NewPublicKeySignature, when present, is the rotation proof: a
	// signature over NewPublicKey by the scope's current key.
	NewPublicKeySignature []byte `cbor:"new_public_key_signature,omitempty"`
}

// IsEmpty reports whether the envelope carries no policy at all.
func (e Envelope) IsEmpty() bool {
	return len(e.PolicyData) == 0 && len(e.PolicyDataSignature) == 0 &&
		len(e.NewPublicKey) == 0
}

// Marshal serializes the envelope.
func (e *Envelope) Marshal() ([]byte, error) {
	return codec.Marshal(e)
}

// ParseEnvelope decodes a serialized envelope.
func ParseEnvelope(blob []byte) (*Envelope, error) {
	var envelope Envelope
	if err := codec.Unmarshal(blob, &envelope); err != nil {
		return nil, fmt.Errorf("parsing policy envelope: %w", err)
	}
	return &envelope, nil
}

// Data is the inner payload of an envelope. The daemon reads a small
// set of named fields and treats PolicyValue as opaque except for
// device scope.
type Data struct {
	// PolicyType identifies the scope ("google/chromeos/device" for
	// device policy).
	PolicyType string `cbor:"policy_type,omitempty"`

	// Username is the user this policy was fetched for. For device
	// policy on a consumer device it names the owner.
	Username string `cbor:"username,omitempty"`

	// RequestToken is present iff the device is enterprise enrolled.
	// An enrolled device has no consumer owner.
	RequestToken string `cbor:"request_token,omitempty"`

	// ValidSerialNumberMissing marks a device that needs serial
	// number recovery.
	ValidSerialNumberMissing bool `cbor:"valid_serial_number_missing,omitempty"`

	// PolicyValue is the scope-specific settings payload.
	PolicyValue []byte `cbor:"policy_value,omitempty"`
}

// Marshal serializes the payload. The result is what gets signed.
func (d *Data) Marshal() ([]byte, error) {
	return codec.Marshal(d)
}

// ParseData decodes an envelope's PolicyData field. An empty field
// decodes to a zero Data.
func ParseData(raw []byte) (*Data, error) {
	var data Data
	if len(raw) == 0 {
		return &data, nil
	}
	if err := codec.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parsing policy data: %w", err)
	}
	return &data, nil
}

// DeviceSettings is the decoded PolicyValue for device scope.
type DeviceSettings struct {
	// UserWhitelist is the ordered set of users allowed to sign in.
	UserWhitelist []string `cbor:"user_whitelist,omitempty"`

	// AllowNewUsers is tri-state: nil means unset.
	AllowNewUsers *bool `cbor:"allow_new_users,omitempty"`

	// StartUpFlags are raw browser flags pushed by policy.
	StartUpFlags []string `cbor:"start_up_flags,omitempty"`

	// DeviceLocalAccounts lists the account ids configured for
	// device-local (public) sessions.
	DeviceLocalAccounts []string `cbor:"device_local_accounts,omitempty"`
}

// Marshal serializes the settings.
func (s *DeviceSettings) Marshal() ([]byte, error) {
	return codec.Marshal(s)
}

// ParseDeviceSettings decodes a device-scope PolicyValue. An empty
// value decodes to zero settings.
func ParseDeviceSettings(raw []byte) (*DeviceSettings, error) {
	var settings DeviceSettings
	if len(raw) == 0 {
		return &settings, nil
	}
	if err := codec.Unmarshal(raw, &settings); err != nil {
		return nil, fmt.Errorf("parsing device settings: %w", err)
	}
	return &settings, nil
}

// Whitelisted reports whether user appears on the whitelist.
func (s *DeviceSettings) Whitelisted(user string) bool {
	for _, entry := range s.UserWhitelist {
		if entry == user {
			return true
		}
	}
	return false
}
