// Copyright 2026 The Halcyon OS Authors
// SPDX-License-Identifier: Apache-2.0

// Package atomicfile provides durable, atomic file writes for the
// daemon's authoritative on-disk state: the owner key blob, policy
// envelopes, and boot-lifetime sentinel files. Writes go to a
// temporary file in the same directory, are fsynced, and are renamed
// into place, so readers never observe a partial file.
package atomicfile
