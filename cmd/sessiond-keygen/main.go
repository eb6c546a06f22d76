// Copyright 2026 The Halcyon OS Authors
// SPDX-License-Identifier: Apache-2.0

// sessiond-keygen generates an owner RSA keypair inside a user's
// keystore slot and writes the public half to a file the daemon picks
// up. It runs as an unprivileged child of sessiond.
package main

import (
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/halcyon-os/sessiond/lib/atomicfile"
	"github.com/halcyon-os/sessiond/lib/keystore"
)

func main() {
	if err := run(); err != nil {
		slog.Error("sessiond-keygen failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("sessiond-keygen", pflag.ContinueOnError)
	keyFile := flags.String("key-file", "",
		"where to write the generated public key (PKIX DER)")
	keystoreDir := flags.String("keystore-dir", "",
		"keystore slot directory to generate the keypair in")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}
	if *keyFile == "" || *keystoreDir == "" {
		return fmt.Errorf("both --key-file and --keystore-dir are required")
	}

	// A leftover key file means a previous run already produced a key
	// the daemon has not consumed yet. Never clobber it.
	if _, err := os.Stat(*keyFile); err == nil {
		return fmt.Errorf("%s already exists", *keyFile)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("checking %s: %w", *keyFile, err)
	}

	slot, err := keystore.OpenSlotDir(*keystoreDir)
	if err != nil {
		return fmt.Errorf("opening keystore slot: %w", err)
	}
	defer slot.Close()

	private, err := slot.Generate()
	if err != nil {
		return fmt.Errorf("generating keypair: %w", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&private.PublicKey)
	if err != nil {
		return fmt.Errorf("encoding public key: %w", err)
	}
	if err := atomicfile.Write(*keyFile, der, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", *keyFile, err)
	}
	return nil
}
