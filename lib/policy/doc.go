// Copyright 2026 The Halcyon OS Authors
// SPDX-License-Identifier: Apache-2.0

// Package policy implements the daemon's three policy scopes (device,
// per-user, and device-local account) over a shared base service.
//
// A scope owns an on-disk signed envelope (Store), a signing key
// (Key), and a Service that verifies incoming envelopes, applies the
// scope's key-change rules, and persists asynchronously. Completions
// for a scope fire in acceptance order, after both the key (when it
// changed) and the policy have been written.
package policy
