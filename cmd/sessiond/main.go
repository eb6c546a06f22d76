// Copyright 2026 The Halcyon OS Authors
// SPDX-License-Identifier: Apache-2.0

// sessiond is the privileged session and policy daemon. It supervises
// the browser process, stores signed device and user policy, and
// answers CBOR requests on a unix socket.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/halcyon-os/sessiond/lib/clock"
	"github.com/halcyon-os/sessiond/lib/config"
	"github.com/halcyon-os/sessiond/lib/keystore"
	"github.com/halcyon-os/sessiond/lib/liveness"
	"github.com/halcyon-os/sessiond/lib/mitigator"
	"github.com/halcyon-os/sessiond/lib/policy"
	"github.com/halcyon-os/sessiond/lib/session"
	"github.com/halcyon-os/sessiond/lib/supervisor"
)

func main() {
	if err := run(); err != nil {
		slog.Error("sessiond failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("sessiond", pflag.ContinueOnError)
	configPath := flags.String("config", "/etc/sessiond/config.yaml",
		"configuration file")
	socketPath := flags.String("socket", "", "override the request socket path")
	uid := flags.Uint32("uid", 0, "override the uid the browser runs as")
	killTimeout := flags.Int("kill-timeout", 0,
		"override the child kill timeout in seconds")
	hangDetection := flags.String("enable-hang-detection", "",
		"enable browser hang detection, optionally with an interval in seconds")
	flags.Lookup("enable-hang-detection").NoOptDefVal = "60"

	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	browserArgs := flags.Args()
	if len(browserArgs) == 0 {
		return fmt.Errorf("no browser command given, pass it after --")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *socketPath != "" {
		cfg.SocketPath = *socketPath
	}
	if *uid != 0 {
		cfg.BrowserUID = *uid
	}
	if *killTimeout > 0 {
		cfg.KillTimeoutSeconds = *killTimeout
	}
	if *hangDetection != "" {
		seconds, err := strconv.Atoi(*hangDetection)
		if err != nil || seconds <= 0 {
			return fmt.Errorf("bad --enable-hang-detection value %q", *hangDetection)
		}
		cfg.HangDetectionIntervalSeconds = seconds
	}

	if err := createRuntimeDirs(&cfg.Paths); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		unix.SIGTERM, unix.SIGINT, unix.SIGHUP)
	defer stop()

	clk := clock.Real()
	power := &rebootCommand{logger: logger, argv: cfg.RebootCommand}

	sup := supervisor.New(
		supervisor.Spec{Args: browserArgs, UID: cfg.BrowserUID},
		supervisor.Spawn, power, cfg.KillTimeout(), clk,
		logger.With("component", "supervisor"))
	sup.SetKeyGeneratorSpec(func(username string) (supervisor.Spec, string) {
		keyFile := filepath.Join(cfg.Paths.GeneratedKeyDir, "owner.pub")
		return supervisor.Spec{
			Args: []string{
				cfg.Paths.KeygenBinary,
				"--key-file=" + keyFile,
				"--keystore-dir=" + keystore.UserDir(cfg.Paths.KeystoreRoot, username),
			},
			UID: cfg.BrowserUID,
		}, keyFile
	})

	ownerKey := policy.NewKey(cfg.Paths.OwnerKey, logger.With("component", "ownerkey"))
	deviceStore := policy.NewStore(cfg.Paths.DevicePolicy,
		logger.With("component", "devicestore"))
	mit := mitigator.New(keygenRunner{sup}, logger.With("component", "mitigator"))
	device := policy.NewDeviceService(deviceStore, ownerKey, mit,
		cfg.Paths.SerialRecoveryFlag, logger.With("component", "devicepolicy"))
	users := policy.NewUserServiceFactory(cfg.Paths.UserPolicyRoot,
		logger.With("component", "userpolicy"))
	accounts := policy.NewAccountService(cfg.Paths.AccountPolicyRoot, ownerKey,
		logger.With("component", "accountpolicy"))

	broadcaster := NewBroadcaster(cfg.EmitCommand, logger.With("component", "emitter"))
	manager, err := session.NewManager(device, users, accounts,
		keystore.NewFileKeystore(cfg.Paths.KeystoreRoot), sup, power,
		broadcaster, session.Paths{
			LoggedInFlag:      cfg.Paths.LoggedInFlag,
			ResetFile:         cfg.Paths.ResetFile,
			SaltFile:          cfg.Paths.SaltFile,
			TestingChannelDir: cfg.Paths.TestingChannelDir,
		}, logger.With("component", "session"))
	if err != nil {
		return err
	}
	if err := manager.Initialize(); err != nil {
		return err
	}
	manager.SetShutdownFunc(stop)

	var checker *liveness.Checker
	if interval := cfg.HangDetectionInterval(); interval > 0 {
		checker = liveness.New(manager, sup, interval, clk,
			logger.With("component", "liveness"))
		manager.SetLivenessChecker(checker)
	}

	server, err := NewServer(cfg.SocketPath, manager, broadcaster,
		logger.With("component", "server"))
	if err != nil {
		return err
	}
	go server.Serve(ctx)

	if err := sup.Run(); err != nil {
		server.Close()
		return fmt.Errorf("starting browser: %w", err)
	}
	if checker != nil {
		checker.Start()
	}
	logger.Info("sessiond ready",
		"socket", cfg.SocketPath,
		"browser", browserArgs[0],
		"uid", cfg.BrowserUID)

	<-ctx.Done()
	logger.Info("shutting down")

	if checker != nil {
		checker.Stop()
	}
	server.Close()
	manager.Finalize()
	sup.ScheduleShutdown()
	return nil
}

// createRuntimeDirs makes the directories the daemon writes into.
// Failure here is fatal; nothing downstream can work without them.
func createRuntimeDirs(paths *config.Paths) error {
	dirs := []struct {
		path string
		mode os.FileMode
	}{
		{filepath.Dir(paths.OwnerKey), 0755},
		{filepath.Dir(paths.DevicePolicy), 0755},
		{paths.UserPolicyRoot, 0700},
		{paths.AccountPolicyRoot, 0700},
		{paths.KeystoreRoot, 0700},
		{filepath.Dir(paths.LoggedInFlag), 0755},
		{filepath.Dir(paths.SaltFile), 0755},
		{paths.TestingChannelDir, 0755},
		{paths.GeneratedKeyDir, 0755},
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir.path, dir.mode); err != nil {
			return fmt.Errorf("creating %s: %w", dir.path, err)
		}
	}
	return nil
}

// keygenRunner adapts the supervisor to the mitigator's runner
// interface.
type keygenRunner struct {
	sup *supervisor.Supervisor
}

func (r keygenRunner) RunKeyGenerator(username string) error {
	return r.sup.RunKeyGenerator(username)
}

// rebootCommand restarts the machine by running the configured argv.
type rebootCommand struct {
	logger *slog.Logger
	argv   []string
}

func (r *rebootCommand) Reboot(reason string) error {
	r.logger.Error("requesting reboot", "reason", reason)
	if len(r.argv) == 0 {
		return fmt.Errorf("no reboot command configured")
	}
	cmd := exec.Command(r.argv[0], r.argv[1:]...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting reboot command: %w", err)
	}
	go func() {
		// Reap the command; the machine is going down regardless.
		done := make(chan error, 1)
		go func() { done <- cmd.Wait() }()
		select {
		case err := <-done:
			if err != nil {
				r.logger.Error("reboot command exited", "error", err)
			}
		case <-time.After(time.Minute):
			r.logger.Error("reboot command still running after a minute")
		}
	}()
	return nil
}
