// Copyright 2026 The Halcyon OS Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

// Request actions. Each corresponds to one session manager operation.
const (
	ActionEmitLoginPromptReady     = "emit-login-prompt-ready"
	ActionEmitLoginPromptVisible   = "emit-login-prompt-visible"
	ActionEnableBrowserTesting     = "enable-browser-testing"
	ActionStartSession             = "start-session"
	ActionStopSession              = "stop-session"
	ActionStorePolicy              = "store-policy"
	ActionRetrievePolicy           = "retrieve-policy"
	ActionStoreUserPolicy          = "store-user-policy"
	ActionRetrieveUserPolicy       = "retrieve-user-policy"
	ActionStoreAccountPolicy       = "store-account-policy"
	ActionRetrieveAccountPolicy    = "retrieve-account-policy"
	ActionRetrieveSessionState     = "retrieve-session-state"
	ActionRetrieveActiveSessions   = "retrieve-active-sessions"
	ActionLockScreen               = "lock-screen"
	ActionLockScreenShown          = "lock-screen-shown"
	ActionLockScreenDismissed      = "lock-screen-dismissed"
	ActionRestartJob               = "restart-job"
	ActionRestartJobWithAuth       = "restart-job-with-auth"
	ActionStartDeviceWipe          = "start-device-wipe"
	ActionSetFlagsForUser          = "set-flags-for-user"
	ActionHandleLivenessConfirmed  = "handle-liveness-confirmed"
	ActionSubscribe                = "subscribe"
)

// Request is a CBOR-encoded request from a client (the browser, the
// login UI, or tooling) to the daemon's IPC socket.
type Request struct {
	// Action is the request type, one of the Action constants.
	Action string `cbor:"action"`

	// Email identifies a user for session and per-user policy
	// operations. Canonicalized to lower case by the daemon.
	Email string `cbor:"email,omitempty"`

	// AccountID identifies a device-local account for the
	// store/retrieve-account-policy actions.
	AccountID string `cbor:"account_id,omitempty"`

	// PolicyBlob is the serialized signed policy envelope for store
	// actions.
	PolicyBlob []byte `cbor:"policy_blob,omitempty"`

	// PID is the process id presented by restart-job callers. It must
	// name the supervised browser.
	PID int `cbor:"pid,omitempty"`

	// Cookie is the hex auth cookie for restart-job-with-auth.
	Cookie string `cbor:"cookie,omitempty"`

	// Arguments is a single shell-style argument string for
	// restart-job; the daemon tokenizes it.
	Arguments string `cbor:"arguments,omitempty"`

	// Args carries an argument vector: extra browser arguments for
	// enable-browser-testing, or per-user flags for set-flags-for-user.
	Args []string `cbor:"args,omitempty"`

	// ForceRelaunch makes enable-browser-testing restart the browser
	// even when the testing channel is already enabled.
	ForceRelaunch bool `cbor:"force_relaunch,omitempty"`
}

// Response is the CBOR-encoded reply to a Request.
type Response struct {
	// OK reports whether the operation succeeded.
	OK bool `cbor:"ok"`

	// Error is a human-readable message when OK is false.
	Error string `cbor:"error,omitempty"`

	// ErrorCode is the stable wire code when OK is false, zero
	// otherwise.
	ErrorCode Code `cbor:"error_code,omitempty"`

	// PolicyBlob is the serialized envelope for retrieve actions.
	PolicyBlob []byte `cbor:"policy_blob,omitempty"`

	// SessionState is "stopped", "started", or "stopping" for
	// retrieve-session-state.
	SessionState string `cbor:"session_state,omitempty"`

	// ActiveSessions maps canonical email to sanitized user hash for
	// retrieve-active-sessions.
	ActiveSessions map[string]string `cbor:"active_sessions,omitempty"`

	// TestingChannelPath is the allocated socket path for
	// enable-browser-testing.
	TestingChannelPath string `cbor:"testing_channel_path,omitempty"`
}

// Signal names emitted by the daemon and streamed to subscribers.
const (
	SignalSessionStateChanged    = "SessionStateChanged"
	SignalLockScreen             = "LockScreen"
	SignalScreenIsLocked         = "ScreenIsLocked"
	SignalScreenIsUnlocked       = "ScreenIsUnlocked"
	SignalOwnerKeySet            = "OwnerKeySet"
	SignalPropertyChangeComplete = "PropertyChangeComplete"
	SignalLivenessRequested      = "LivenessRequested"
)

// Boot events handed to the init system emitter.
const (
	EventLoginPromptReady   = "login-prompt-ready"
	EventLoginPromptVisible = "login-prompt-visible"
	EventStartUserSession   = "start-user-session"
)

// Signal is one daemon-emitted event, streamed CBOR-encoded to every
// connection that issued a subscribe request.
type Signal struct {
	// Name is one of the Signal constants.
	Name string `cbor:"name"`

	// Args carries string arguments, e.g. the new state for
	// SessionStateChanged.
	Args []string `cbor:"args,omitempty"`
}
