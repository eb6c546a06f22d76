// Copyright 2026 The Halcyon OS Authors
// SPDX-License-Identifier: Apache-2.0

// Package liveness detects a wedged browser. On a fixed interval the
// checker pings the browser over the signal stream; a ping still
// unacknowledged when the next interval fires means the browser's UI
// thread is stuck, and the browser is aborted so the supervisor can
// collect a backtrace and restart it.
package liveness

import (
	"log/slog"
	"sync"
	"time"

	"github.com/halcyon-os/sessiond/lib/clock"
)

// DefaultInterval is the ping interval used when hang detection is
// enabled without an explicit interval.
const DefaultInterval = 60 * time.Second

// Pinger delivers a liveness request to the browser. The session
// manager implements this by emitting a signal on the subscription
// stream.
type Pinger interface {
	RequestLivenessCheck()
}

// Aborter kills the browser in a way that produces a crash report.
type Aborter interface {
	AbortBrowser()
}

// Checker pings the browser once per interval and aborts it when a
// ping goes unacknowledged for a full interval.
type Checker struct {
	logger   *slog.Logger
	clock    clock.Clock
	interval time.Duration
	pinger   Pinger
	aborter  Aborter

	mu          sync.Mutex
	enabled     bool
	outstanding bool
	generation  int
	timer       *clock.Timer
}

// New returns a stopped Checker. A non-positive interval selects
// DefaultInterval.
func New(pinger Pinger, aborter Aborter, interval time.Duration,
	clk clock.Clock, logger *slog.Logger) *Checker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Checker{
		logger:   logger,
		clock:    clk,
		interval: interval,
		pinger:   pinger,
		aborter:  aborter,
	}
}

// Start begins checking. Any previous run is invalidated: pings sent
// before Start no longer count against the browser.
func (c *Checker) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	c.enabled = true
	c.outstanding = false
	c.scheduleLocked()
}

// Stop halts checking and invalidates any in-flight ping.
func (c *Checker) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	c.enabled = false
	c.outstanding = false
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// HandleConfirmed records the browser's acknowledgement of the latest
// ping.
func (c *Checker) HandleConfirmed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outstanding = false
}

// scheduleLocked arms the next check. Caller holds mu.
func (c *Checker) scheduleLocked() {
	generation := c.generation
	c.timer = c.clock.AfterFunc(c.interval, func() { c.check(generation) })
}

func (c *Checker) check(generation int) {
	c.mu.Lock()
	if !c.enabled || generation != c.generation {
		c.mu.Unlock()
		return
	}
	if c.outstanding {
		// The previous ping went a full interval without an answer.
		c.enabled = false
		c.mu.Unlock()
		c.logger.Error("browser did not respond to liveness check, aborting it")
		c.aborter.AbortBrowser()
		return
	}
	c.outstanding = true
	c.scheduleLocked()
	c.mu.Unlock()

	c.pinger.RequestLivenessCheck()
}
