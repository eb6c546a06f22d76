// Copyright 2026 The Halcyon OS Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for the daemon's timer-driven logic:
// liveness ping scheduling, crash-rate windows, and child kill
// timeouts. Production code injects Real(); tests inject Fake() and
// advance time deterministically.
package clock
