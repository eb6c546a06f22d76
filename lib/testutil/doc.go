// Copyright 2026 The Halcyon OS Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for sessiond packages.
package testutil
