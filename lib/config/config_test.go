// Copyright 2026 The Halcyon OS Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SocketPath != Default().SocketPath {
		t.Fatalf("socket path %q", cfg.SocketPath)
	}
	if cfg.KillTimeout() != 3*time.Second {
		t.Fatalf("kill timeout %v", cfg.KillTimeout())
	}
	if cfg.HangDetectionInterval() != 0 {
		t.Fatal("hang detection enabled by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessiond.yaml")
	content := `
socket_path: /tmp/test.sock
browser_uid: 2000
hang_detection_interval_seconds: 30
paths:
  owner_key: /tmp/owner.key
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SocketPath != "/tmp/test.sock" {
		t.Fatalf("socket path %q", cfg.SocketPath)
	}
	if cfg.BrowserUID != 2000 {
		t.Fatalf("browser uid %d", cfg.BrowserUID)
	}
	if cfg.HangDetectionInterval() != 30*time.Second {
		t.Fatalf("hang interval %v", cfg.HangDetectionInterval())
	}
	if cfg.Paths.OwnerKey != "/tmp/owner.key" {
		t.Fatalf("owner key %q", cfg.Paths.OwnerKey)
	}
	// Untouched fields keep their defaults.
	if cfg.Paths.DevicePolicy != Default().Paths.DevicePolicy {
		t.Fatalf("device policy %q", cfg.Paths.DevicePolicy)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessiond.yaml")
	if err := os.WriteFile(path, []byte("no_such_field: 1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.SocketPath = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("empty socket path accepted")
	}

	cfg = Default()
	cfg.KillTimeoutSeconds = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("zero kill timeout accepted")
	}
}
