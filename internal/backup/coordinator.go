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

package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/juju/clock"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/cardinalhq/wbbackup/internal/logctx"
)

const DefaultConcurrency = 4

// ErrAlreadyRun is returned when Run is called on a coordinator that has left Idle.
var ErrAlreadyRun = errors.New("coordinator has already run")

// Coordinator runs a fixed pool of workers over a resolved item list and
// folds their outcomes into a RunSummary.
type Coordinator struct {
	transfer    ItemTransferer
	concurrency int
	filter      RevisionFilter
	clock       clock.Clock
	runID       string
	ll          *slog.Logger

	state     atomic.Int32
	total     atomic.Int64
	completed atomic.Int64
	outcomes  []Outcome
}

type CoordinatorOption func(*Coordinator)

// WithRevisionFilter skips items the filter reports as unchanged.
func WithRevisionFilter(f RevisionFilter) CoordinatorOption {
	return func(c *Coordinator) {
		c.filter = f
	}
}

func WithCoordinatorClock(clk clock.Clock) CoordinatorOption {
	return func(c *Coordinator) {
		c.clock = clk
	}
}

func WithRunID(id string) CoordinatorOption {
	return func(c *Coordinator) {
		c.runID = id
	}
}

func WithLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.ll = logger
	}
}

func NewCoordinator(transfer ItemTransferer, concurrency int, opts ...CoordinatorOption) *Coordinator {
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}
	c := &Coordinator{
		transfer:    transfer,
		concurrency: concurrency,
		clock:       clock.WallClock,
		ll:          slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.runID == "" {
		c.runID = ulid.Make().String()
	}
	c.ll = c.ll.With("component", "coordinator", "runID", c.runID)
	return c
}

// State is the current run state.
func (c *Coordinator) State() RunState {
	return RunState(c.state.Load())
}

// RunID identifies this coordinator's run in logs and the summary.
func (c *Coordinator) RunID() string {
	return c.runID
}

// Progress reports how many items of the current run have an outcome.
func (c *Coordinator) Progress() (completed, total int) {
	return int(c.completed.Load()), int(c.total.Load())
}

// Outcomes returns the outcomes of a finished run in completion order.
func (c *Coordinator) Outcomes() []Outcome {
	if s := c.State(); s != StateCompleted && s != StateCancelled {
		return nil
	}
	return c.outcomes
}

// Run processes items with at most the configured number of concurrent
// transfers. The returned summary always accounts for every item: if ctx is
// cancelled, items that were never claimed are reported as skipped.
func (c *Coordinator) Run(ctx context.Context, items []Item) (RunSummary, error) {
	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return RunSummary{}, ErrAlreadyRun
	}

	summary := newRunSummary(c.runID, len(items), c.clock.Now())
	c.total.Store(int64(len(items)))
	workers := min(c.concurrency, len(items))
	c.ll.Info("Starting backup run", slog.Int("items", len(items)), slog.Int("workers", workers))

	src := newItemSource(items)
	results := make(chan Outcome, workers)

	var g errgroup.Group
	for w := range workers {
		g.Go(func() error {
			c.work(ctx, w, src, results)
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(results)
	}()

	outcomes := make([]Outcome, 0, len(items))
	for o := range results {
		summary.Add(o)
		outcomes = append(outcomes, o)
		c.completed.Add(1)
	}

	for _, item := range src.drain() {
		o := skippedOutcome(item)
		summary.Add(o)
		outcomes = append(outcomes, o)
		c.completed.Add(1)
	}

	final := StateCompleted
	if ctx.Err() != nil {
		final = StateCancelled
	}
	summary.finish(c.clock.Now(), final)
	c.outcomes = outcomes
	c.state.Store(int32(final))

	c.ll.Info("Backup run finished",
		slog.String("state", final.String()),
		slog.Int("succeeded", summary.Succeeded),
		slog.Int("failed", summary.Failed),
		slog.Int("skipped", summary.Skipped),
		slog.Int64("bytes", summary.TotalBytes),
		slog.Duration("duration", summary.Duration()))
	return *summary, nil
}

func (c *Coordinator) work(ctx context.Context, id int, src *itemSource, results chan<- Outcome) {
	ll := c.ll.With("worker", id)
	ctx = logctx.WithLogger(ctx, ll)
	for {
		if ctx.Err() != nil {
			ll.Debug("Run cancelled, worker stopping")
			return
		}
		item, ok := src.next()
		if !ok {
			return
		}
		if c.filter != nil && c.filter.Unchanged(item) {
			ll.Debug("Workbook unchanged since last upload, skipping",
				slog.String("key", item.DestinationKey()),
				slog.String("revision", item.ContentRevision))
			results <- skippedOutcome(item)
			continue
		}
		results <- c.safeTransfer(ctx, item)
	}
}

// safeTransfer keeps a misbehaving transferer from taking the pool down.
func (c *Coordinator) safeTransfer(ctx context.Context, item Item) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			c.ll.Error("Panic in worker",
				slog.String("workbookID", item.WorkbookID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			out = Outcome{
				Item:     item,
				Status:   StatusFailed,
				Attempts: 1,
				Kind:     KindInternal,
				Err:      fmt.Errorf("panic in worker: %v", r),
			}
		}
	}()
	return c.transfer.Transfer(ctx, item)
}

// itemSource hands out each item exactly once.
type itemSource struct {
	mu    sync.Mutex
	items []Item
	pos   int
}

func newItemSource(items []Item) *itemSource {
	return &itemSource{items: items}
}

func (s *itemSource) next() (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos >= len(s.items) {
		return Item{}, false
	}
	it := s.items[s.pos]
	s.pos++
	return it, true
}

// drain claims and returns every item not yet handed out.
func (s *itemSource) drain() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	rest := s.items[s.pos:]
	s.pos = len(s.items)
	return rest
}
