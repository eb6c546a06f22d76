// Copyright 2026 The Halcyon OS Authors
// SPDX-License-Identifier: Apache-2.0

// Package ipc defines the CBOR request/response types served on the
// daemon's Unix IPC socket, the signal records streamed to
// subscribers, and the stable error codes returned to callers.
//
// The canonical definitions live here so that the daemon, the test
// client, and external tooling share one wire contract.
package ipc
