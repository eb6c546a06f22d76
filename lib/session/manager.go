// Copyright 2026 The Halcyon OS Authors
// SPDX-License-Identifier: Apache-2.0

// Package session implements the session manager state machine: user
// session lifecycle, screen lock state, policy dispatch across the
// three scopes, and the signals the rest of the system observes.
package session

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/halcyon-os/sessiond/lib/atomicfile"
	"github.com/halcyon-os/sessiond/lib/ipc"
	"github.com/halcyon-os/sessiond/lib/keystore"
	"github.com/halcyon-os/sessiond/lib/liveness"
	"github.com/halcyon-os/sessiond/lib/policy"
	"github.com/halcyon-os/sessiond/lib/supervisor"
)

// State is the session manager's lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarted  State = "started"
	StateStopping State = "stopping"
)

// ResetPayload is written to the reset sentinel by StartDeviceWipe.
const ResetPayload = "fast safe"

const (
	saltSize   = 32
	cookieSize = 16
)

// Emitter delivers daemon output: signals to subscribed clients and
// boot events to the init system.
type Emitter interface {
	EmitSignal(signal ipc.Signal)
	EmitEvent(event string) error
}

// UserSession is one active session. Incognito sessions have no
// keystore slot and no policy service.
type UserSession struct {
	Email     string
	Hash      string
	Incognito bool
	Slot      keystore.Slot
	Policy    *policy.Service
}

// Paths collects the fixed filesystem locations the manager touches.
type Paths struct {
	// LoggedInFlag marks that a session started this boot (tmpfs).
	LoggedInFlag string

	// ResetFile is the factory reset sentinel.
	ResetFile string

	// SaltFile holds the per-boot salt for user hashes.
	SaltFile string

	// TestingChannelDir is where testing channel sockets are
	// allocated.
	TestingChannelDir string
}

// Manager ties the policy services, the supervisor, and the liveness
// checker together behind the RPC surface. It implements
// supervisor.Delegate and liveness.Pinger.
type Manager struct {
	logger     *slog.Logger
	device     *policy.DeviceService
	users      *policy.UserServiceFactory
	accounts   *policy.AccountService
	keystore   keystore.Opener
	supervisor *supervisor.Supervisor
	power      supervisor.PowerManager
	emitter    Emitter
	paths      Paths

	cookie []byte
	salt   []byte

	mu                 sync.Mutex
	state              State
	sessions           map[string]*UserSession
	screenLocked       bool
	sessionStarted     bool
	userSessionStarted bool
	testingPath        string
	liveness           *liveness.Checker
	shutdown           func()
}

// NewManager builds a Manager. It generates the per-boot auth cookie
// and user-hash salt; failure of either is fatal to the daemon.
func NewManager(device *policy.DeviceService, users *policy.UserServiceFactory,
	accounts *policy.AccountService, opener keystore.Opener,
	sup *supervisor.Supervisor, power supervisor.PowerManager,
	emitter Emitter, paths Paths, logger *slog.Logger) (*Manager, error) {

	cookie := make([]byte, cookieSize)
	if _, err := rand.Read(cookie); err != nil {
		return nil, fmt.Errorf("generating auth cookie: %w", err)
	}
	salt, err := loadOrCreateSalt(paths.SaltFile)
	if err != nil {
		return nil, fmt.Errorf("loading user-hash salt: %w", err)
	}

	return &Manager{
		logger:     logger,
		device:     device,
		users:      users,
		accounts:   accounts,
		keystore:   opener,
		supervisor: sup,
		power:      power,
		emitter:    emitter,
		paths:      paths,
		cookie:     cookie,
		salt:       salt,
		state:      StateStopped,
		sessions:   make(map[string]*UserSession),
	}, nil
}

// Initialize loads device policy state, wires the persistence signals,
// and pushes current settings to the supervisor. Must run before the
// first request.
func (m *Manager) Initialize() error {
	if err := m.device.Initialize(); err != nil {
		return err
	}
	m.device.SetKeyPersistedCallback(func(ok bool) {
		m.emitSignal(ipc.SignalOwnerKeySet, strconv.FormatBool(ok))
	})
	m.device.SetPolicyPersistedCallback(func(ok bool) {
		m.emitSignal(ipc.SignalPropertyChangeComplete, strconv.FormatBool(ok))
		if ok {
			m.pushDeviceSettings()
		}
	})
	m.pushDeviceSettings()
	m.supervisor.SetDelegate(m)
	return nil
}

// SetLivenessChecker wires the optional hang detector in.
func (m *Manager) SetLivenessChecker(checker *liveness.Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.liveness = checker
}

// SetShutdownFunc registers the callback that makes the daemon's main
// loop exit.
func (m *Manager) SetShutdownFunc(f func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdown = f
}

// Cookie returns the hex auth cookie for this boot.
func (m *Manager) Cookie() string {
	return hex.EncodeToString(m.cookie)
}

// EmitLoginPromptReady reports that the login UI can be displayed.
func (m *Manager) EmitLoginPromptReady() error {
	return m.emitEvent(ipc.EventLoginPromptReady)
}

// EmitLoginPromptVisible reports that the login UI is on screen.
func (m *Manager) EmitLoginPromptVisible() error {
	return m.emitEvent(ipc.EventLoginPromptVisible)
}

// EnableBrowserTesting allocates a testing channel and restarts the
// browser with it. Idempotent unless forceRelaunch: a second call
// returns the existing path without another restart.
func (m *Manager) EnableBrowserTesting(forceRelaunch bool, extraArgs []string) (string, error) {
	m.mu.Lock()
	relaunch := m.testingPath == "" || forceRelaunch
	if relaunch {
		m.testingPath = filepath.Join(m.paths.TestingChannelDir,
			"testing-channel-"+uuid.NewString())
	}
	path := m.testingPath
	m.mu.Unlock()

	if !relaunch {
		return path, nil
	}
	args := append(slices.Clone(extraArgs),
		"--testing-channel=NamedTestingInterface:"+path)
	m.supervisor.SetExtraArgs(args)
	if err := m.supervisor.RestartBrowser(); err != nil {
		return "", fmt.Errorf("restarting browser for testing: %w", err)
	}
	return path, nil
}

// StartSession begins a session for email. For regular users this
// opens their keystore, creates their policy service, and runs the
// owner-login check; incognito sessions skip all three.
func (m *Manager) StartSession(email string) error {
	canonical, err := CanonicalizeEmail(email)
	if err != nil {
		return ipc.Errorf(ipc.CodeInvalidEmail, "%v", err)
	}

	m.mu.Lock()
	if _, exists := m.sessions[canonical]; exists {
		m.mu.Unlock()
		return ipc.Errorf(ipc.CodeSessionExists, "session for %s already active", canonical)
	}
	incognito := IsIncognito(canonical)
	userhash := m.userHash(canonical)

	var slot keystore.Slot
	var userPolicy *policy.Service
	if !incognito {
		slot, err = m.keystore.OpenUserSlot(canonical)
		if err != nil {
			m.mu.Unlock()
			return ipc.Errorf(ipc.CodeNoUserKeystore, "opening keystore: %v", err)
		}
		userPolicy, err = m.users.Create(userhash)
		if err != nil {
			slot.Close()
			m.mu.Unlock()
			return ipc.Errorf(ipc.CodePolicyInitFail, "%v", err)
		}
		isOwner, err := m.device.CheckAndHandleOwnerLogin(canonical, slot)
		if err != nil {
			slot.Close()
			userPolicy.Close()
			m.mu.Unlock()
			return fmt.Errorf("owner check for %s: %w", canonical, err)
		}
		m.logger.Info("user session starting", "user", canonical,
			"hash", userhash, "owner", isOwner)
	} else {
		m.logger.Info("incognito session starting", "user", canonical)
	}

	m.sessions[canonical] = &UserSession{
		Email:     canonical,
		Hash:      userhash,
		Incognito: incognito,
		Slot:      slot,
		Policy:    userPolicy,
	}
	m.supervisor.SetBrowserSessionForUser(canonical, userhash)

	m.state = StateStarted
	m.sessionStarted = true
	firstUserSession := !incognito && !m.userSessionStarted
	if !incognito {
		m.userSessionStarted = true
	}
	keyMissing := m.device.KeyMissing()
	mitigating := m.device.Mitigating()
	m.mu.Unlock()

	if err := m.emitter.EmitEvent(ipc.EventStartUserSession); err != nil {
		m.logger.Warn("start-user-session event failed", "error", err)
	}
	m.emitSignal(ipc.SignalSessionStateChanged, string(StateStarted))

	if firstUserSession && keyMissing && !mitigating {
		m.logger.Info("no owner key, generating one", "user", canonical)
		if err := m.supervisor.RunKeyGenerator(canonical); err != nil {
			m.logger.Error("key generator start failed", "error", err)
		}
	}

	if err := atomicfile.WriteSentinel(m.paths.LoggedInFlag, ""); err != nil {
		m.logger.Error("writing logged-in flag failed", "error", err)
	}
	return nil
}

// StopSession schedules daemon shutdown. Per long-standing behavior
// the user sessions themselves are not torn down here; their state
// lives until the daemon exits.
func (m *Manager) StopSession() error {
	m.mu.Lock()
	if m.state == StateStopping {
		m.mu.Unlock()
		return nil
	}
	m.state = StateStopping
	shutdown := m.shutdown
	m.mu.Unlock()

	m.emitSignal(ipc.SignalSessionStateChanged, string(StateStopping))
	if shutdown != nil {
		shutdown()
	}
	return nil
}

// StorePolicy stores a device-scope envelope. Key rotation is always
// allowed; before the first session of the boot the envelope may also
// install or clobber the owner key, which is how enterprise
// enrollment takes ownership.
func (m *Manager) StorePolicy(blob []byte) error {
	m.mu.Lock()
	flags := policy.KeyRotate
	if !m.sessionStarted {
		flags |= policy.KeyInstallNew | policy.KeyClobber
	}
	m.mu.Unlock()

	done := make(chan error, 1)
	if err := m.device.Store(blob, flags, func(err error) { done <- err }); err != nil {
		return err
	}
	return <-done
}

// RetrievePolicy returns the device-scope envelope.
func (m *Manager) RetrievePolicy() ([]byte, error) {
	return m.device.Retrieve()
}

// StorePolicyForUser stores a per-user envelope for an active session.
func (m *Manager) StorePolicyForUser(email string, blob []byte) error {
	service, err := m.userPolicy(email)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	flags := policy.KeyInstallNew | policy.KeyRotate
	if err := service.Store(blob, flags, func(err error) { done <- err }); err != nil {
		return err
	}
	return <-done
}

// RetrievePolicyForUser returns the per-user envelope for an active
// session.
func (m *Manager) RetrievePolicyForUser(email string) ([]byte, error) {
	service, err := m.userPolicy(email)
	if err != nil {
		return nil, err
	}
	return service.Retrieve()
}

// StoreDeviceLocalAccountPolicy stores an account-scope envelope.
func (m *Manager) StoreDeviceLocalAccountPolicy(accountID string, blob []byte) error {
	done := make(chan error, 1)
	if err := m.accounts.Store(accountID, blob, func(err error) { done <- err }); err != nil {
		return err
	}
	return <-done
}

// RetrieveDeviceLocalAccountPolicy returns an account-scope envelope.
func (m *Manager) RetrieveDeviceLocalAccountPolicy(accountID string) ([]byte, error) {
	return m.accounts.Retrieve(accountID)
}

// RetrieveSessionState returns the lifecycle state string.
func (m *Manager) RetrieveSessionState() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return string(m.state)
}

// RetrieveActiveSessions maps canonical email to user hash for every
// active session.
func (m *Manager) RetrieveActiveSessions() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	active := make(map[string]string, len(m.sessions))
	for email, session := range m.sessions {
		active[email] = session.Hash
	}
	return active
}

// LockScreen raises the lock screen. Refused outside Started and for
// incognito-only sessions, which have nothing worth locking.
func (m *Manager) LockScreen() error {
	m.mu.Lock()
	if m.state != StateStarted {
		m.mu.Unlock()
		return ipc.Errorf(ipc.CodeNoSession, "cannot lock in state %s", m.state)
	}
	lockable := false
	for _, session := range m.sessions {
		if !session.Incognito {
			lockable = true
			break
		}
	}
	if !lockable {
		m.mu.Unlock()
		return ipc.Errorf(ipc.CodeNoSession, "incognito sessions cannot be locked")
	}
	m.screenLocked = true
	m.mu.Unlock()

	m.emitSignal(ipc.SignalLockScreen)
	return nil
}

// HandleLockScreenShown records that the lock screen is up.
func (m *Manager) HandleLockScreenShown() {
	m.mu.Lock()
	m.screenLocked = true
	m.mu.Unlock()
	m.emitSignal(ipc.SignalScreenIsLocked)
}

// HandleLockScreenDismissed records that the lock screen is gone.
func (m *Manager) HandleLockScreenDismissed() {
	m.mu.Lock()
	m.screenLocked = false
	m.mu.Unlock()
	m.emitSignal(ipc.SignalScreenIsUnlocked)
}

// RestartJob restarts the browser with a new argument vector on
// behalf of pid, which must be the supervised browser. A guest
// session is started so the relaunched browser lands in one.
func (m *Manager) RestartJob(pid int, arguments string) error {
	if !m.supervisor.IsBrowser(pid) {
		return ipc.Errorf(ipc.CodeUnknownPID, "pid %d is not the browser", pid)
	}
	args, err := SplitArguments(arguments)
	if err != nil {
		return ipc.Errorf(ipc.CodeDecodeFail, "parsing arguments: %v", err)
	}

	if err := m.StartSession(GuestUser); err != nil {
		if ipc.CodeOf(err) != ipc.CodeSessionExists {
			return err
		}
	}
	return m.supervisor.RestartBrowserWithArgs(args)
}

// RestartJobWithAuth is RestartJob gated on the per-boot auth cookie.
func (m *Manager) RestartJobWithAuth(pid int, cookie, arguments string) error {
	presented, err := hex.DecodeString(cookie)
	if err != nil || subtle.ConstantTimeCompare(presented, m.cookie) != 1 {
		return ipc.Errorf(ipc.CodeIllegalService, "auth cookie mismatch")
	}
	return m.RestartJob(pid, arguments)
}

// StartDeviceWipe arms a factory reset. Refused once any session has
// started this boot: a logged-in device cannot be wiped out from
// under its user.
func (m *Manager) StartDeviceWipe() error {
	if atomicfile.Exists(m.paths.LoggedInFlag) {
		return ipc.Errorf(ipc.CodeAlreadySession,
			"refusing wipe: a session has started this boot")
	}
	if err := atomicfile.WriteSentinel(m.paths.ResetFile, ResetPayload); err != nil {
		return fmt.Errorf("writing reset sentinel: %w", err)
	}
	m.logger.Info("device wipe armed, requesting restart")
	if err := m.power.Reboot("device wipe"); err != nil {
		return fmt.Errorf("requesting restart: %w", err)
	}
	return nil
}

// SetFlagsForUser stashes browser flags applied on that user's next
// in-session browser restart.
func (m *Manager) SetFlagsForUser(email string, flags []string) error {
	canonical, err := CanonicalizeEmail(email)
	if err != nil {
		return ipc.Errorf(ipc.CodeInvalidEmail, "%v", err)
	}
	m.supervisor.SetFlagsForUser(canonical, flags)
	return nil
}

// HandleLivenessConfirmed acknowledges the outstanding liveness ping.
func (m *Manager) HandleLivenessConfirmed() {
	m.mu.Lock()
	checker := m.liveness
	m.mu.Unlock()
	if checker != nil {
		checker.HandleConfirmed()
	}
}

// Finalize flushes pending policy to disk, closes every session's
// keystore slot, and reports the final state. Runs once on daemon
// shutdown.
func (m *Manager) Finalize() {
	m.mu.Lock()
	sessions := make([]*UserSession, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.state = StateStopped
	m.mu.Unlock()

	if err := m.device.PersistPolicySync(); err != nil {
		m.logger.Error("final device policy flush failed", "error", err)
	}
	for _, session := range sessions {
		if session.Policy != nil {
			if err := session.Policy.PersistPolicySync(); err != nil {
				m.logger.Error("final user policy flush failed",
					"user", session.Email, "error", err)
			}
			session.Policy.Close()
		}
		if session.Slot != nil {
			session.Slot.Close()
		}
	}
	m.accounts.Close()
	m.device.Close()

	m.emitSignal(ipc.SignalSessionStateChanged, string(StateStopped))
}

// ScreenIsLocked implements supervisor.Delegate.
func (m *Manager) ScreenIsLocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.screenLocked
}

// OnKeyGenerated implements supervisor.Delegate: the key generator
// worker finished, so import and install the regenerated owner key.
func (m *Manager) OnKeyGenerated(username, keyFile string) {
	der, err := os.ReadFile(keyFile)
	os.Remove(keyFile)
	if err != nil {
		m.logger.Error("reading generated key failed", "path", keyFile, "error", err)
		return
	}

	m.mu.Lock()
	session := m.sessions[username]
	m.mu.Unlock()
	if session == nil || session.Slot == nil {
		m.logger.Error("generated key for a user with no session", "user", username)
		return
	}
	if err := m.device.ValidateAndStoreOwnerKey(username, der, session.Slot); err != nil {
		m.logger.Error("installing generated owner key failed",
			"user", username, "error", err)
	}
}

// OnBrowserRestarted implements supervisor.Delegate: a fresh browser
// instance is up, so re-arm hang detection. A ping outstanding against
// the dead instance no longer counts, and a checker disabled by an
// abort starts watching the replacement.
func (m *Manager) OnBrowserRestarted() {
	m.mu.Lock()
	checker := m.liveness
	m.mu.Unlock()
	if checker != nil {
		checker.Start()
	}
}

// RequestDaemonShutdown implements supervisor.Delegate.
func (m *Manager) RequestDaemonShutdown() {
	if err := m.StopSession(); err != nil {
		m.logger.Error("shutdown request failed", "error", err)
	}
}

// RequestLivenessCheck implements liveness.Pinger.
func (m *Manager) RequestLivenessCheck() {
	m.emitSignal(ipc.SignalLivenessRequested)
}

// userPolicy resolves the policy service for an active user session.
func (m *Manager) userPolicy(email string) (*policy.Service, error) {
	canonical, err := CanonicalizeEmail(email)
	if err != nil {
		return nil, ipc.Errorf(ipc.CodeInvalidEmail, "%v", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	session := m.sessions[canonical]
	if session == nil || session.Policy == nil {
		return nil, ipc.Errorf(ipc.CodeNoSession, "no session for %s", canonical)
	}
	return session.Policy, nil
}

// pushDeviceSettings propagates the current device settings: browser
// flags to the supervisor and the account list to the account policy
// service.
func (m *Manager) pushDeviceSettings() {
	m.supervisor.SetPolicyFlags(m.device.StartUpFlags())
	settings, err := m.device.Settings()
	if err != nil {
		m.logger.Warn("device settings unreadable", "error", err)
		return
	}
	m.accounts.UpdateDeviceSettings(settings)
}

// userHash is the sanitized, per-boot-salted identifier used for
// per-user paths and RetrieveActiveSessions.
func (m *Manager) userHash(email string) string {
	hasher, err := blake3.NewKeyed(m.salt)
	if err != nil {
		// Salt length is checked at load; this cannot happen.
		panic(err)
	}
	hasher.Write([]byte(email))
	sum := hasher.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

func (m *Manager) emitEvent(event string) error {
	if err := m.emitter.EmitEvent(event); err != nil {
		return ipc.Errorf(ipc.CodeEmitFailed, "emitting %s: %v", event, err)
	}
	return nil
}

func (m *Manager) emitSignal(name string, args ...string) {
	m.emitter.EmitSignal(ipc.Signal{Name: name, Args: args})
}

// loadOrCreateSalt returns the per-boot user-hash salt, generating it
// on first use.
func loadOrCreateSalt(path string) ([]byte, error) {
	if data, err := os.ReadFile(path); err == nil && len(data) == saltSize {
		return data, nil
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating salt directory: %w", err)
	}
	if err := atomicfile.Write(path, salt, 0600); err != nil {
		return nil, fmt.Errorf("writing salt: %w", err)
	}
	return salt, nil
}
