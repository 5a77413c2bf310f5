// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"
)

// HeartbeatFunc is the function signature for heartbeat callbacks
type HeartbeatFunc func(ctx context.Context) error

// Heartbeater manages periodic execution of a heartbeat function
type Heartbeater struct {
	heartbeatFunc HeartbeatFunc
	ll            *slog.Logger
	interval      time.Duration
	clock         clock.Clock
	finalBeat     bool
}

type Option func(*Heartbeater)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Heartbeater) {
		if logger != nil {
			h.ll = logger
		}
	}
}

// WithClock replaces the wall clock that times the beats.
func WithClock(c clock.Clock) Option {
	return func(h *Heartbeater) {
		h.clock = c
	}
}

// WithFinalBeat sends one more heartbeat when the heartbeater is stopped.
func WithFinalBeat() Option {
	return func(h *Heartbeater) {
		h.finalBeat = true
	}
}

// New creates a heartbeater that calls heartbeatFunc every interval.
func New(heartbeatFunc HeartbeatFunc, interval time.Duration, opts ...Option) *Heartbeater {
	h := &Heartbeater{
		heartbeatFunc: heartbeatFunc,
		ll:            slog.Default(),
		interval:      interval,
		clock:         clock.WallClock,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.ll = h.ll.With("component", "heartbeater")
	return h
}

// Start sends a heartbeat immediately and then every interval until ctx is
// done or the returned stop function is called. stop waits for the loop to
// exit, so no heartbeat is sent after it returns.
func (h *Heartbeater) Start(ctx context.Context) (stop func()) {
	heartbeatCtx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.run(heartbeatCtx)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
			if h.finalBeat {
				h.sendHeartbeat(context.WithoutCancel(ctx))
			}
		})
	}
}

// run is the main heartbeat loop
func (h *Heartbeater) run(ctx context.Context) {
	h.ll.Debug("Starting heartbeat loop", "interval", h.interval)

	h.sendHeartbeat(ctx)

	for {
		select {
		case <-ctx.Done():
			h.ll.Debug("Context cancelled, stopping heartbeat loop")
			return
		case <-h.clock.After(h.interval):
			h.sendHeartbeat(ctx)
		}
	}
}

// sendHeartbeat calls the configured heartbeat function
func (h *Heartbeater) sendHeartbeat(ctx context.Context) {
	err := h.heartbeatFunc(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		h.ll.Error("Failed to send heartbeat (continuing)", "error", err)
	}
}
