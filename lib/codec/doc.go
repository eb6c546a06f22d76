// Copyright 2026 The Halcyon OS Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR encoding used for sessiond's IPC
// wire format and for persisted policy state. Encoding is
// deterministic so the same logical envelope always serializes to
// identical bytes, which keeps signed payloads stable across
// load/store round trips.
package codec
