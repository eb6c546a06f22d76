// Copyright 2026 The Halcyon OS Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the daemon configuration: a YAML file with
// every value defaulted, so an empty or missing file yields a working
// setup. Command line flags override individual fields.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Paths collects the filesystem locations the daemon owns or touches.
type Paths struct {
	// OwnerKey is the device owner public key file.
	OwnerKey string `yaml:"owner_key"`

	// DevicePolicy is the device-scope policy envelope file.
	DevicePolicy string `yaml:"device_policy"`

	// UserPolicyRoot holds per-user policy under <root>/<hash>/policy.
	UserPolicyRoot string `yaml:"user_policy_root"`

	// AccountPolicyRoot holds device-local-account policy keyed by
	// escaped account id.
	AccountPolicyRoot string `yaml:"account_policy_root"`

	// KeystoreRoot holds per-user key material.
	KeystoreRoot string `yaml:"keystore_root"`

	// LoggedInFlag marks that a session started this boot (tmpfs).
	LoggedInFlag string `yaml:"logged_in_flag"`

	// SaltFile holds the per-boot user-hash salt (tmpfs).
	SaltFile string `yaml:"salt_file"`

	// ResetFile is the factory reset sentinel.
	ResetFile string `yaml:"reset_file"`

	// SerialRecoveryFlag marks a device needing serial recovery.
	SerialRecoveryFlag string `yaml:"serial_recovery_flag"`

	// TestingChannelDir is where testing channel paths are allocated.
	TestingChannelDir string `yaml:"testing_channel_dir"`

	// KeygenBinary is the key generator worker executable.
	KeygenBinary string `yaml:"keygen_binary"`

	// GeneratedKeyDir is where the worker drops generated public keys.
	GeneratedKeyDir string `yaml:"generated_key_dir"`
}

// Config is the daemon configuration.
type Config struct {
	// SocketPath is the request socket.
	SocketPath string `yaml:"socket_path"`

	// BrowserUID is the user the browser runs as.
	BrowserUID uint32 `yaml:"browser_uid"`

	// KillTimeoutSeconds bounds child teardown before escalation.
	KillTimeoutSeconds int `yaml:"kill_timeout_seconds"`

	// HangDetectionIntervalSeconds enables the liveness checker when
	// positive.
	HangDetectionIntervalSeconds int `yaml:"hang_detection_interval_seconds"`

	// EmitCommand is the argv prefix for boot events; the event name
	// is appended. Empty disables event emission.
	EmitCommand []string `yaml:"emit_command"`

	// RebootCommand is the argv run to restart the machine.
	RebootCommand []string `yaml:"reboot_command"`

	Paths Paths `yaml:"paths"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		SocketPath:         "/run/sessiond/sessiond.sock",
		BrowserUID:         1000,
		KillTimeoutSeconds: 3,
		EmitCommand:        []string{"/sbin/initctl", "emit"},
		RebootCommand:      []string{"/sbin/shutdown", "-r", "now"},
		Paths: Paths{
			OwnerKey:           "/var/lib/sessiond/owner.key",
			DevicePolicy:       "/var/lib/sessiond/policy",
			UserPolicyRoot:     "/var/lib/sessiond/users",
			AccountPolicyRoot:  "/var/lib/sessiond/device_local_accounts",
			KeystoreRoot:       "/var/lib/sessiond/keystore",
			LoggedInFlag:       "/run/sessiond/logged-in",
			SaltFile:           "/run/sessiond/salt",
			ResetFile:          "/mnt/stateful_partition/factory_install_reset",
			SerialRecoveryFlag: "/run/sessiond/machine-info-missing",
			TestingChannelDir:  "/run/sessiond/testing",
			KeygenBinary:       "/usr/bin/sessiond-keygen",
			GeneratedKeyDir:    "/run/sessiond/keygen",
		},
	}
}

// Load reads path over the defaults. A missing file is not an error;
// unknown fields are.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the fields that have no sensible zero value.
func (c *Config) Validate() error {
	if c.SocketPath == "" {
		return fmt.Errorf("socket_path must be set")
	}
	if c.KillTimeoutSeconds <= 0 {
		return fmt.Errorf("kill_timeout_seconds must be positive")
	}
	if c.Paths.OwnerKey == "" || c.Paths.DevicePolicy == "" {
		return fmt.Errorf("owner_key and device_policy paths must be set")
	}
	return nil
}

// KillTimeout returns the teardown timeout as a duration.
func (c *Config) KillTimeout() time.Duration {
	return time.Duration(c.KillTimeoutSeconds) * time.Second
}

// HangDetectionInterval returns the liveness interval, zero when
// disabled.
func (c *Config) HangDetectionInterval() time.Duration {
	return time.Duration(c.HangDetectionIntervalSeconds) * time.Second
}
