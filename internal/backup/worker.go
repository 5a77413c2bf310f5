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
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/juju/clock"

	"github.com/cardinalhq/wbbackup/internal/logctx"
)

// Transferer downloads one workbook and uploads it, retrying each stage
// independently under the same policy.
type Transferer struct {
	source WorkbookSource
	store  ObjectStore
	policy Policy
	clock  clock.Clock
	events EventSink
}

type TransfererOption func(*Transferer)

// WithClock replaces the wall clock used for backoff waits and durations.
func WithClock(c clock.Clock) TransfererOption {
	return func(t *Transferer) {
		t.clock = c
	}
}

// WithEventSink receives an event for every attempt.
func WithEventSink(sink EventSink) TransfererOption {
	return func(t *Transferer) {
		t.events = sink
	}
}

func NewTransferer(source WorkbookSource, store ObjectStore, policy Policy, opts ...TransfererOption) *Transferer {
	t := &Transferer{
		source: source,
		store:  store,
		policy: policy,
		clock:  clock.WallClock,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

var _ ItemTransferer = (*Transferer)(nil)

type stageResult struct {
	attempts  int
	kind      FailureKind
	err       error
	cancelled bool
}

// Transfer never panics and never returns an error: every failure becomes
// part of the returned Outcome.
func (t *Transferer) Transfer(ctx context.Context, item Item) (out Outcome) {
	start := t.clock.Now()
	ctx, ll := logctx.With(ctx,
		slog.String("site", item.SiteID),
		slog.String("workbookID", item.WorkbookID),
		slog.String("workbook", item.WorkbookName),
	)

	defer func() {
		if r := recover(); r != nil {
			ll.Error("Panic during workbook transfer",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			attempts := out.Attempts
			if attempts == 0 {
				attempts = 1
			}
			out = Outcome{
				Item:     item,
				Status:   StatusFailed,
				Attempts: attempts,
				Kind:     KindInternal,
				Err:      fmt.Errorf("panic during transfer: %v", r),
			}
		}
		out.Duration = t.clock.Now().Sub(start)
	}()

	if ctx.Err() != nil {
		return skippedOutcome(item)
	}

	var data []byte
	dl := t.runStage(ctx, item, StageDownload, func(ctx context.Context) error {
		b, err := t.source.DownloadWorkbook(ctx, item.SiteID, item.WorkbookID)
		if err != nil {
			return err
		}
		data = b
		return nil
	})
	out.Attempts = dl.attempts
	if dl.err != nil {
		ll.Warn("Workbook download failed",
			slog.Int("attempts", dl.attempts),
			slog.String("kind", string(dl.kind)),
			slog.Bool("cancelled", dl.cancelled),
			slog.Any("error", dl.err))
		return failedOutcome(item, StageDownload, dl)
	}

	key := item.DestinationKey()
	up := t.runStage(ctx, item, StageUpload, func(ctx context.Context) error {
		return t.store.Put(ctx, key, data, item.Tags())
	})
	if up.err != nil {
		ll.Warn("Workbook upload failed",
			slog.String("key", key),
			slog.Int("attempts", up.attempts),
			slog.String("kind", string(up.kind)),
			slog.Bool("cancelled", up.cancelled),
			slog.Any("error", up.err))
		return failedOutcome(item, StageUpload, up)
	}

	ll.Info("Workbook backed up", slog.String("key", key), slog.Int("bytes", len(data)))
	return Outcome{
		Item:             item,
		Status:           StatusSuccess,
		Attempts:         max(dl.attempts, up.attempts),
		BytesTransferred: int64(len(data)),
	}
}

func failedOutcome(item Item, stage Stage, res stageResult) Outcome {
	return Outcome{
		Item:     item,
		Status:   StatusFailed,
		Attempts: res.attempts,
		Stage:    stage,
		Kind:     res.kind,
		Err:      res.err,
	}
}

// runStage is the per-attempt state machine: attempt, then either succeed,
// back off and attempt again, or stop on a terminal failure. Cancellation is
// observed while backing off.
func (t *Transferer) runStage(ctx context.Context, item Item, stage Stage, op func(context.Context) error) stageResult {
	var res stageResult
	for attempt := 1; ; attempt++ {
		started := t.clock.Now()
		err := op(ctx)
		res.attempts = attempt

		ev := AttemptEvent{
			Item:     item,
			Stage:    stage,
			Attempt:  attempt,
			Duration: t.clock.Now().Sub(started),
		}
		if err == nil {
			res.err, res.kind = nil, ""
			t.emit(ctx, ev)
			return res
		}

		res.kind, res.err = KindOf(err), err
		decision := t.policy.ShouldRetry(attempt, res.kind)
		ev.Kind, ev.Err = res.kind, err
		ev.Retry, ev.Delay = decision.Retry, decision.Delay
		t.emit(ctx, ev)

		if !decision.Retry {
			return res
		}
		if !t.wait(ctx, decision.Delay) {
			res.cancelled = true
			return res
		}
	}
}

// wait sleeps for d on the injected clock. It returns false if ctx is done first.
func (t *Transferer) wait(ctx context.Context, d time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	timer := t.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}

func (t *Transferer) emit(ctx context.Context, ev AttemptEvent) {
	ll := logctx.FromContext(ctx)
	if ev.Err != nil {
		ll.Debug("Attempt failed",
			slog.String("stage", string(ev.Stage)),
			slog.Int("attempt", ev.Attempt),
			slog.String("kind", string(ev.Kind)),
			slog.Bool("retry", ev.Retry),
			slog.Duration("delay", ev.Delay),
			slog.Any("error", ev.Err))
	} else {
		ll.Debug("Attempt succeeded",
			slog.String("stage", string(ev.Stage)),
			slog.Int("attempt", ev.Attempt),
			slog.Duration("duration", ev.Duration))
	}
	if t.events != nil {
		t.events.RecordAttempt(ctx, ev)
	}
}
