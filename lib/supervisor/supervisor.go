// Copyright 2026 The Halcyon OS Authors
// SPDX-License-Identifier: Apache-2.0

// Package supervisor runs and babysits the browser job, plus the
// transient key generator worker. It restarts the browser when it
// crashes, detects crash loops, and tears children down on daemon
// shutdown with signal escalation.
package supervisor

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/halcyon-os/sessiond/lib/clock"
)

// Child exit codes with contractual meaning.
const (
	// ExitCodeExitingTooFast is returned by a browser wrapper that
	// detected its own crash loop.
	ExitCodeExitingTooFast = 66
	// ExitCodeCantSetUID is returned when the child could not drop to
	// the configured UID.
	ExitCodeCantSetUID = 127
	// ExitCodeCantExec is returned when the child binary could not be
	// executed.
	ExitCodeCantExec = 255
)

// Kill timeouts for shutdown escalation.
const (
	DefaultKillTimeout      = 3 * time.Second
	SpinningDiskKillTimeout = 12 * time.Second
)

// Crash-rate windows. One exiting-too-fast exit per tooCrashyWindow
// marks the browser as crash-looping; the first crash loop per
// rebootWindow triggers a reboot; past that the browser is respawned
// at most respawnLimit times per respawnWindow before the supervisor
// gives up.
const (
	tooCrashyLimit  = 1
	tooCrashyWindow = 180 * time.Second
	rebootLimit     = 1
	rebootWindow    = 3 * tooCrashyWindow
	respawnLimit    = 6
	respawnWindow   = 60 * time.Second
)

// Spec describes one child to spawn.
type Spec struct {
	// Args is the full argument vector; Args[0] is the binary.
	Args []string

	// UID is the user to run the child as. Zero means inherit.
	UID uint32

	// Env is extra environment entries appended to the daemon's own.
	Env []string

	// NeverKill exempts the child from shutdown teardown.
	NeverKill bool
}

// Process is a running child. The default implementation wraps
// os/exec; tests substitute their own.
type Process interface {
	// PID returns the child's process id.
	PID() int

	// Wait blocks until the child exits and returns its exit code.
	Wait() int

	// Signal delivers sig to the child's process group.
	Signal(sig unix.Signal) error
}

// SpawnFunc starts a child from a Spec.
type SpawnFunc func(spec Spec) (Process, error)

// PowerManager performs machine-level power actions.
type PowerManager interface {
	Reboot(reason string) error
}

// Delegate is the session manager's view of supervisor events. Set
// after construction; the two refer to each other and the supervisor
// is owned by the manager.
type Delegate interface {
	// ScreenIsLocked reports whether the lock screen is up.
	ScreenIsLocked() bool

	// OnKeyGenerated reports that the key generator worker finished
	// and wrote a public key to keyFile.
	OnKeyGenerated(username, keyFile string)

	// OnBrowserRestarted reports that a fresh browser instance was
	// spawned after the previous one exited.
	OnBrowserRestarted()

	// RequestDaemonShutdown asks the daemon to exit cleanly.
	RequestDaemonShutdown()
}

// child is one supervised process and the channel its monitor
// goroutine reports the exit code on.
type child struct {
	spec    Spec
	process Process
	exited  chan int
}

// Supervisor owns the browser job. All exported methods are safe for
// concurrent use.
type Supervisor struct {
	logger      *slog.Logger
	clock       clock.Clock
	spawn       SpawnFunc
	power       PowerManager
	killTimeout time.Duration

	mu           sync.Mutex
	delegate     Delegate
	browserSpec  Spec
	policyFlags  []string
	sessionArgs  []string
	userFlags    map[string][]string
	pendingFlags []string
	extraArgs    []string
	browser      *child
	keygen       *child
	keygenSpec   func(username string) (Spec, string)
	shuttingDown bool

	tooCrashy rateWindow
	reboots   rateWindow
	respawns  rateWindow
}

// New returns a Supervisor that will run the browser described by
// browserSpec.
func New(browserSpec Spec, spawn SpawnFunc, power PowerManager,
	killTimeout time.Duration, clk clock.Clock, logger *slog.Logger) *Supervisor {
	if killTimeout <= 0 {
		killTimeout = DefaultKillTimeout
	}
	return &Supervisor{
		logger:      logger,
		clock:       clk,
		spawn:       spawn,
		power:       power,
		killTimeout: killTimeout,
		browserSpec: browserSpec,
		userFlags:   make(map[string][]string),
		tooCrashy:   rateWindow{limit: tooCrashyLimit, window: tooCrashyWindow},
		reboots:     rateWindow{limit: rebootLimit, window: rebootWindow},
		respawns:    rateWindow{limit: respawnLimit, window: respawnWindow},
	}
}

// SetDelegate wires the session manager in. Must be called before Run.
func (s *Supervisor) SetDelegate(delegate Delegate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delegate = delegate
}

// SetKeyGeneratorSpec configures how the key generator worker is
// launched for a user. The function returns the Spec and the path the
// worker will write the public key to.
func (s *Supervisor) SetKeyGeneratorSpec(f func(username string) (Spec, string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keygenSpec = f
}

// Run starts the browser.
func (s *Supervisor) Run() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startBrowserLocked()
}

// IsBrowser reports whether pid is the currently supervised browser.
func (s *Supervisor) IsBrowser(pid int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.browser != nil && s.browser.process.PID() == pid
}

// BrowserPID returns the supervised browser's pid, or 0.
func (s *Supervisor) BrowserPID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.browser == nil {
		return 0
	}
	return s.browser.process.PID()
}

// SetPolicyFlags replaces the policy-pushed flag block applied to the
// next browser launch.
func (s *Supervisor) SetPolicyFlags(flags []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policyFlags = flags
}

// SetFlagsForUser remembers flags to apply once that user's browser
// restarts in-session.
func (s *Supervisor) SetFlagsForUser(email string, flags []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userFlags[email] = flags
}

// SetBrowserSessionForUser adds the login identity to the browser's
// argument vector and arms any flags stashed for that user.
func (s *Supervisor) SetBrowserSessionForUser(email, userhash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionArgs = append(s.sessionArgs,
		"--login-user="+email, "--login-profile="+userhash)
	if flags, ok := s.userFlags[email]; ok {
		s.pendingFlags = append(s.pendingFlags, flags...)
	}
}

// SetExtraArgs replaces the testing-channel argument block.
func (s *Supervisor) SetExtraArgs(args []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extraArgs = args
}

// RestartBrowserWithArgs replaces the browser's base argument vector
// (keeping Args[0] when args does not name a binary change is the
// caller's concern) and restarts it.
func (s *Supervisor) RestartBrowserWithArgs(args []string) error {
	s.mu.Lock()
	if len(args) > 0 {
		s.browserSpec.Args = append([]string{s.browserSpec.Args[0]}, args...)
	}
	s.mu.Unlock()
	return s.RestartBrowser()
}

// RestartBrowser kills the running browser (if any) and starts a new
// instance with the current argument vector.
func (s *Supervisor) RestartBrowser() error {
	s.mu.Lock()
	browser := s.browser
	s.browser = nil
	s.mu.Unlock()
	if browser != nil {
		s.killChild(browser, unix.SIGTERM)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startBrowserLocked()
}

// AbortBrowser delivers SIGABRT to the browser so it dumps core. The
// exit is then handled like any crash: the browser restarts.
func (s *Supervisor) AbortBrowser() {
	s.mu.Lock()
	browser := s.browser
	s.mu.Unlock()
	if browser == nil {
		return
	}
	s.logger.Error("aborting unresponsive browser", "pid", browser.process.PID())
	if err := browser.process.Signal(unix.SIGABRT); err != nil {
		s.logger.Error("abort signal failed", "error", err)
	}
}

// RunKeyGenerator starts the key generator worker for username. The
// delegate's OnKeyGenerated fires when the worker exits cleanly.
func (s *Supervisor) RunKeyGenerator(username string) error {
	s.mu.Lock()
	if s.keygenSpec == nil {
		s.mu.Unlock()
		return errors.New("supervisor: key generator not configured")
	}
	if s.keygen != nil {
		s.mu.Unlock()
		return errors.New("supervisor: key generator already running")
	}
	spec, keyFile := s.keygenSpec(username)
	process, err := s.spawn(spec)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("spawning key generator: %w", err)
	}
	worker := &child{spec: spec, process: process, exited: make(chan int, 1)}
	s.keygen = worker
	s.mu.Unlock()

	s.logger.Info("key generator started", "user", username, "pid", process.PID())
	go func() {
		code := process.Wait()
		worker.exited <- code
		s.onKeygenExit(worker, username, keyFile, code)
	}()
	return nil
}

// ScheduleShutdown enters the drain state and tears children down.
// Children marked never-kill are left alone. Each kill escalates to
// SIGABRT after the kill timeout.
func (s *Supervisor) ScheduleShutdown() {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return
	}
	s.shuttingDown = true
	children := []*child{s.browser, s.keygen}
	s.browser = nil
	s.keygen = nil
	s.mu.Unlock()

	for _, c := range children {
		if c == nil || c.spec.NeverKill {
			continue
		}
		s.killChild(c, unix.SIGTERM)
	}
}

// ShuttingDown reports whether ScheduleShutdown has run.
func (s *Supervisor) ShuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shuttingDown
}

// startBrowserLocked spawns the browser with the composed argument
// vector. Caller holds mu.
func (s *Supervisor) startBrowserLocked() error {
	if s.shuttingDown {
		return errors.New("supervisor: shutting down")
	}
	spec := s.browserSpec
	args := make([]string, 0, len(spec.Args)+len(s.policyFlags)+
		len(s.sessionArgs)+len(s.pendingFlags)+len(s.extraArgs))
	args = append(args, spec.Args...)
	args = append(args, s.policyFlags...)
	args = append(args, s.sessionArgs...)
	args = append(args, s.pendingFlags...)
	args = append(args, s.extraArgs...)
	spec.Args = args
	s.pendingFlags = nil

	process, err := s.spawn(spec)
	if err != nil {
		return fmt.Errorf("spawning browser: %w", err)
	}
	browser := &child{spec: spec, process: process, exited: make(chan int, 1)}
	s.browser = browser
	s.logger.Info("browser started", "pid", process.PID(), "args", len(args))

	go func() {
		code := process.Wait()
		browser.exited <- code
		s.onBrowserExit(browser, code)
	}()
	return nil
}

// onBrowserExit decides what to do about a browser exit: ignore it
// during shutdown, reboot or give up on a crash loop, shut the daemon
// down when the user is stranded behind a locked screen, or restart.
func (s *Supervisor) onBrowserExit(exited *child, code int) {
	s.mu.Lock()
	if s.shuttingDown || s.browser != exited {
		s.mu.Unlock()
		return
	}
	s.browser = nil
	delegate := s.delegate
	now := s.clock.Now()

	if code == ExitCodeExitingTooFast && s.tooCrashy.add(now) {
		if !s.reboots.add(now) {
			s.mu.Unlock()
			s.logger.Error("browser is crash-looping, rebooting", "code", code)
			if err := s.power.Reboot("browser crash loop"); err != nil {
				s.logger.Error("reboot request failed", "error", err)
			}
			return
		}
		if s.respawns.add(now) {
			s.mu.Unlock()
			s.logger.Error("browser still crash-looping after reboot, giving up")
			if delegate != nil {
				delegate.RequestDaemonShutdown()
			}
			return
		}
	}
	s.mu.Unlock()

	if delegate != nil && delegate.ScreenIsLocked() {
		s.logger.Error("browser died behind the lock screen, shutting down",
			"code", code)
		delegate.RequestDaemonShutdown()
		return
	}

	s.logger.Warn("browser exited, restarting", "code", code)
	s.mu.Lock()
	err := s.startBrowserLocked()
	s.mu.Unlock()
	if err != nil {
		s.logger.Error("browser restart failed", "error", err)
		return
	}
	if delegate != nil {
		delegate.OnBrowserRestarted()
	}
}

func (s *Supervisor) onKeygenExit(exited *child, username, keyFile string, code int) {
	s.mu.Lock()
	if s.keygen == exited {
		s.keygen = nil
	}
	shuttingDown := s.shuttingDown
	delegate := s.delegate
	s.mu.Unlock()

	if shuttingDown {
		return
	}
	if code != 0 {
		s.logger.Error("key generator failed", "user", username, "code", code)
		return
	}
	s.logger.Info("key generator finished", "user", username, "keyfile", keyFile)
	if delegate != nil {
		delegate.OnKeyGenerated(username, keyFile)
	}
}

// killChild signals a child and escalates to SIGABRT when it has not
// exited within the kill timeout.
func (s *Supervisor) killChild(c *child, sig unix.Signal) {
	if err := c.process.Signal(sig); err != nil {
		s.logger.Warn("kill signal failed", "pid", c.process.PID(), "error", err)
	}
	select {
	case <-c.exited:
		return
	case <-s.clock.After(s.killTimeout):
	}

	s.logger.Warn("child ignored shutdown signal, aborting it",
		"pid", c.process.PID())
	if err := c.process.Signal(unix.SIGABRT); err != nil {
		s.logger.Warn("abort signal failed", "pid", c.process.PID(), "error", err)
		return
	}
	select {
	case <-c.exited:
	case <-s.clock.After(s.killTimeout):
		s.logger.Error("child survived abort, abandoning it",
			"pid", c.process.PID())
	}
}

// rateWindow counts events inside a sliding window.
type rateWindow struct {
	limit  int
	window time.Duration
	events []time.Time
}

// add records an event at now and reports whether the window now holds
// more than limit events.
func (w *rateWindow) add(now time.Time) bool {
	kept := w.events[:0]
	for _, event := range w.events {
		if now.Sub(event) < w.window {
			kept = append(kept, event)
		}
	}
	w.events = append(kept, now)
	return len(w.events) > w.limit
}
