// Copyright 2026 The Halcyon OS Authors
// SPDX-License-Identifier: Apache-2.0

// Package keystore holds users' private key material behind an opaque
// slot handle. The session manager opens one slot per user session and
// closes it when the session ends; the key generator worker opens a
// slot to deposit a freshly generated owner key pair.
//
// The file-backed implementation stores PKCS#8 PEM keys in a per-user
// directory, indexed by a digest of the corresponding public key blob
// so a slot can answer "do you hold the private half of this public
// key" without scanning.
package keystore
