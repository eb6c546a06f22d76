// Copyright 2026 The Halcyon OS Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/halcyon-os/sessiond/lib/codec"
	"github.com/halcyon-os/sessiond/lib/ipc"
)

// managerAPI is the session manager surface the server dispatches to.
type managerAPI interface {
	EmitLoginPromptReady() error
	EmitLoginPromptVisible() error
	EnableBrowserTesting(forceRelaunch bool, extraArgs []string) (string, error)
	StartSession(email string) error
	StopSession() error
	StorePolicy(blob []byte) error
	RetrievePolicy() ([]byte, error)
	StorePolicyForUser(email string, blob []byte) error
	RetrievePolicyForUser(email string) ([]byte, error)
	StoreDeviceLocalAccountPolicy(accountID string, blob []byte) error
	RetrieveDeviceLocalAccountPolicy(accountID string) ([]byte, error)
	RetrieveSessionState() string
	RetrieveActiveSessions() map[string]string
	LockScreen() error
	HandleLockScreenShown()
	HandleLockScreenDismissed()
	RestartJob(pid int, arguments string) error
	RestartJobWithAuth(pid int, cookie, arguments string) error
	StartDeviceWipe() error
	SetFlagsForUser(email string, flags []string) error
	HandleLivenessConfirmed()
}

// Server answers CBOR requests on a unix socket. A connection either
// issues request/response pairs or turns itself into a signal stream
// with a subscribe request.
type Server struct {
	logger      *slog.Logger
	manager     managerAPI
	broadcaster *Broadcaster
	listener    net.Listener
	wg          sync.WaitGroup
}

// NewServer binds the request socket, replacing any stale one.
func NewServer(socketPath string, manager managerAPI, broadcaster *Broadcaster,
	logger *slog.Logger) (*Server, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		return nil, fmt.Errorf("creating socket directory: %w", err)
	}
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale socket: %w", err)
	}
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("binding %s: %w", socketPath, err)
	}
	return &Server{
		logger:      logger,
		manager:     manager,
		broadcaster: broadcaster,
		listener:    listener,
	}, nil
}

// Serve accepts connections until the listener closes.
func (s *Server) Serve(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Error("accept failed", "error", err)
			}
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Close stops accepting and waits for in-flight connections.
func (s *Server) Close() {
	s.listener.Close()
	s.wg.Wait()
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	decoder := codec.NewDecoder(conn)
	encoder := codec.NewEncoder(conn)

	for {
		var request ipc.Request
		if err := decoder.Decode(&request); err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Warn("bad request", "error", err)
			}
			return
		}

		if request.Action == ipc.ActionSubscribe {
			if err := encoder.Encode(ipc.Response{OK: true}); err != nil {
				return
			}
			s.streamSignals(ctx, conn, encoder)
			return
		}

		response := s.dispatch(&request)
		if err := encoder.Encode(response); err != nil {
			s.logger.Warn("writing response failed", "error", err)
			return
		}
	}
}

// streamSignals turns the connection into a one-way signal feed until
// the client goes away or the daemon shuts down.
func (s *Server) streamSignals(ctx context.Context, conn net.Conn, encoder *codec.Encoder) {
	signals, unsubscribe := s.broadcaster.Subscribe()
	defer unsubscribe()

	for {
		select {
		case signal := <-signals:
			if err := encoder.Encode(signal); err != nil {
				return
			}
		case <-ctx.Done():
			conn.Close()
			return
		}
	}
}

func (s *Server) dispatch(request *ipc.Request) ipc.Response {
	switch request.Action {
	case ipc.ActionEmitLoginPromptReady:
		return result(s.manager.EmitLoginPromptReady())

	case ipc.ActionEmitLoginPromptVisible:
		return result(s.manager.EmitLoginPromptVisible())

	case ipc.ActionEnableBrowserTesting:
		path, err := s.manager.EnableBrowserTesting(request.ForceRelaunch, request.Args)
		if err != nil {
			return failure(err)
		}
		return ipc.Response{OK: true, TestingChannelPath: path}

	case ipc.ActionStartSession:
		return result(s.manager.StartSession(request.Email))

	case ipc.ActionStopSession:
		return result(s.manager.StopSession())

	case ipc.ActionStorePolicy:
		return result(s.manager.StorePolicy(request.PolicyBlob))

	case ipc.ActionRetrievePolicy:
		blob, err := s.manager.RetrievePolicy()
		if err != nil {
			return failure(err)
		}
		return ipc.Response{OK: true, PolicyBlob: blob}

	case ipc.ActionStoreUserPolicy:
		return result(s.manager.StorePolicyForUser(request.Email, request.PolicyBlob))

	case ipc.ActionRetrieveUserPolicy:
		blob, err := s.manager.RetrievePolicyForUser(request.Email)
		if err != nil {
			return failure(err)
		}
		return ipc.Response{OK: true, PolicyBlob: blob}

	case ipc.ActionStoreAccountPolicy:
		return result(s.manager.StoreDeviceLocalAccountPolicy(
			request.AccountID, request.PolicyBlob))

	case ipc.ActionRetrieveAccountPolicy:
		blob, err := s.manager.RetrieveDeviceLocalAccountPolicy(request.AccountID)
		if err != nil {
			return failure(err)
		}
		return ipc.Response{OK: true, PolicyBlob: blob}

	case ipc.ActionRetrieveSessionState:
		return ipc.Response{OK: true, SessionState: s.manager.RetrieveSessionState()}

	case ipc.ActionRetrieveActiveSessions:
		return ipc.Response{OK: true, ActiveSessions: s.manager.RetrieveActiveSessions()}

	case ipc.ActionLockScreen:
		return result(s.manager.LockScreen())

	case ipc.ActionLockScreenShown:
		s.manager.HandleLockScreenShown()
		return ipc.Response{OK: true}

	case ipc.ActionLockScreenDismissed:
		s.manager.HandleLockScreenDismissed()
		return ipc.Response{OK: true}

	case ipc.ActionRestartJob:
		return result(s.manager.RestartJob(request.PID, request.Arguments))

	case ipc.ActionRestartJobWithAuth:
		return result(s.manager.RestartJobWithAuth(
			request.PID, request.Cookie, request.Arguments))

	case ipc.ActionStartDeviceWipe:
		return result(s.manager.StartDeviceWipe())

	case ipc.ActionSetFlagsForUser:
		return result(s.manager.SetFlagsForUser(request.Email, request.Args))

	case ipc.ActionHandleLivenessConfirmed:
		s.manager.HandleLivenessConfirmed()
		return ipc.Response{OK: true}

	default:
		return failure(ipc.Errorf(ipc.CodeDecodeFail,
			"unknown action %q", request.Action))
	}
}

func result(err error) ipc.Response {
	if err != nil {
		return failure(err)
	}
	return ipc.Response{OK: true}
}

func failure(err error) ipc.Response {
	return ipc.Response{OK: false, Error: err.Error(), ErrorCode: ipc.CodeOf(err)}
}

// Broadcaster fans daemon signals out to subscribed connections and
// hands boot events to the init system.
type Broadcaster struct {
	logger      *slog.Logger
	emitCommand []string

	mu          sync.Mutex
	subscribers map[chan ipc.Signal]struct{}
}

// NewBroadcaster returns a Broadcaster. emitCommand is the argv prefix
// boot events are appended to; empty logs events without running
// anything.
func NewBroadcaster(emitCommand []string, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		logger:      logger,
		emitCommand: emitCommand,
		subscribers: make(map[chan ipc.Signal]struct{}),
	}
}

// Subscribe registers a signal feed. The returned function removes it.
func (b *Broadcaster) Subscribe() (<-chan ipc.Signal, func()) {
	channel := make(chan ipc.Signal, 32)
	b.mu.Lock()
	b.subscribers[channel] = struct{}{}
	b.mu.Unlock()
	return channel, func() {
		b.mu.Lock()
		delete(b.subscribers, channel)
		b.mu.Unlock()
	}
}

// EmitSignal delivers signal to every subscriber. A subscriber that
// cannot keep up loses signals rather than blocking the daemon.
func (b *Broadcaster) EmitSignal(signal ipc.Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for channel := range b.subscribers {
		select {
		case channel <- signal:
		default:
			b.logger.Warn("dropping signal for slow subscriber",
				"signal", signal.Name)
		}
	}
}

// EmitEvent hands a boot event to the init system.
func (b *Broadcaster) EmitEvent(event string) error {
	if len(b.emitCommand) == 0 {
		b.logger.Info("boot event", "event", event)
		return nil
	}
	argv := append(append([]string{}, b.emitCommand...), event)
	if err := exec.Command(argv[0], argv[1:]...).Run(); err != nil {
		return fmt.Errorf("emitting %s: %w", event, err)
	}
	b.logger.Info("boot event emitted", "event", event)
	return nil
}
