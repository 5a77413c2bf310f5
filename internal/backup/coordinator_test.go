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
	"math/rand/v2"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func itemsFor(ids ...string) []Item {
	items := make([]Item, 0, len(ids))
	for _, id := range ids {
		items = append(items, testItem(id))
	}
	return items
}

func TestCoordinator_ThreeItemsOneRetried(t *testing.T) {
	src := newFakeSource()
	src.downloadErrs["wb-2"] = []error{transientErr(), transientErr()}
	store := newFakeStore()
	items := itemsFor("wb-1", "wb-2", "wb-3")

	c := NewCoordinator(NewTransferer(src, store, fastPolicy()), 2)
	assert.Equal(t, StateIdle, c.State())

	summary, err := c.Run(context.Background(), items)
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, c.State())
	assert.Equal(t, StateCompleted, summary.State)
	assert.Equal(t, 3, summary.Succeeded)
	assert.Zero(t, summary.Failed)
	assert.Zero(t, summary.Skipped)
	assert.True(t, summary.Complete())
	assert.Zero(t, summary.ExitCode())
	assert.Equal(t, c.RunID(), summary.RunID)
	done, total := c.Progress()
	assert.Equal(t, 3, done)
	assert.Equal(t, 3, total)

	outcomes := c.Outcomes()
	require.Len(t, outcomes, 3)
	for _, o := range outcomes {
		if o.Item.WorkbookID == "wb-2" {
			assert.Equal(t, 3, o.Attempts)
		} else {
			assert.Equal(t, 1, o.Attempts)
		}
	}
	assert.LessOrEqual(t, src.maxInFlight.Load(), int32(2))
}

func TestCoordinator_FailureDoesNotAffectOthers(t *testing.T) {
	src := newFakeSource()
	store := newFakeStore()
	items := itemsFor("wb-1", "wb-2", "wb-3", "wb-4")
	store.failKeys[items[1].DestinationKey()] = NewError(KindServerError, "put object", errors.New("500"))
	src.downloadErrs["wb-4"] = []error{NewError(KindAuth, "download", errors.New("403"))}

	summary, err := NewCoordinator(NewTransferer(src, store, fastPolicy()), 3).Run(context.Background(), items)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 2, summary.Failed)
	assert.Equal(t, 1, summary.ExitCode())
	require.Len(t, summary.Failures, 2)

	kinds := map[string]string{}
	for _, f := range summary.Failures {
		kinds[f.Item.WorkbookID] = f.FailureKind
	}
	assert.Equal(t, map[string]string{
		"wb-2": "upload-ServerError",
		"wb-4": "download-AuthError",
	}, kinds)
}

func TestCoordinator_CountsAlwaysMatchResolved(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for trial := range 25 {
		n := rng.IntN(30)
		conc := 1 + rng.IntN(8)
		t.Run(fmt.Sprintf("trial-%d-n%d-c%d", trial, n, conc), func(t *testing.T) {
			src := newFakeSource()
			store := newFakeStore()
			items := make([]Item, 0, n)
			for i := range n {
				id := fmt.Sprintf("wb-%d", i)
				items = append(items, testItem(id))
				switch rng.IntN(4) {
				case 0:
					src.downloadErrs[id] = []error{transientErr()}
				case 1:
					src.downloadErrs[id] = []error{NewError(KindNotFound, "download", errors.New("404"))}
				case 2:
					store.failKeys[items[i].DestinationKey()] = NewError(KindRateLimited, "put", errors.New("429"))
				}
			}

			summary, err := NewCoordinator(NewTransferer(src, store, fastPolicy()), conc).Run(context.Background(), items)
			require.NoError(t, err)
			assert.Equal(t, n, summary.Resolved)
			assert.Equal(t, n, summary.Succeeded+summary.Failed+summary.Skipped)
			assert.Len(t, summary.Failures, summary.Failed)
			assert.LessOrEqual(t, src.maxInFlight.Load(), int32(conc))
		})
	}
}

func TestCoordinator_ZeroItems(t *testing.T) {
	summary, err := NewCoordinator(NewTransferer(newFakeSource(), newFakeStore(), fastPolicy()), 4).Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, summary.State)
	assert.Zero(t, summary.Total())
	assert.True(t, summary.Complete())
}

func TestCoordinator_CancelledRunIsComplete(t *testing.T) {
	src := newFakeSource()
	src.block = make(chan struct{})
	items := itemsFor("wb-1", "wb-2", "wb-3", "wb-4", "wb-5", "wb-6")

	ctx, cancel := context.WithCancel(context.Background())
	c := NewCoordinator(NewTransferer(src, newFakeStore(), fastPolicy()), 2)

	done := make(chan RunSummary, 1)
	go func() {
		s, err := c.Run(ctx, items)
		assert.NoError(t, err)
		done <- s
	}()

	require.Eventually(t, func() bool { return src.inFlight.Load() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, StateRunning, c.State())
	cancel()

	var summary RunSummary
	select {
	case summary = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after cancellation")
	}

	assert.Equal(t, StateCancelled, summary.State)
	assert.Equal(t, StateCancelled, c.State())
	assert.True(t, summary.Complete())
	assert.Equal(t, 6, summary.Total())
	// Four items were never dispatched.
	assert.GreaterOrEqual(t, summary.Skipped, 4)
	assert.Zero(t, summary.Succeeded)
	assert.Len(t, c.Outcomes(), 6)
}

type unchangedFilter map[string]bool

func (f unchangedFilter) Unchanged(item Item) bool {
	return f[item.WorkbookID]
}

func TestCoordinator_RevisionFilterSkips(t *testing.T) {
	src := newFakeSource()
	store := newFakeStore()
	items := itemsFor("wb-1", "wb-2")

	c := NewCoordinator(NewTransferer(src, store, fastPolicy()), 2, WithRevisionFilter(unchangedFilter{"wb-1": true}))
	summary, err := c.Run(context.Background(), items)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.Skipped)
	assert.Zero(t, src.downloadCount("wb-1"))
	assert.Equal(t, 1, src.downloadCount("wb-2"))
}

func TestCoordinator_RerunOverwritesSameKeys(t *testing.T) {
	src := newFakeSource()
	store := newFakeStore()
	items := itemsFor("wb-1", "wb-2", "wb-3")

	for range 2 {
		_, err := NewCoordinator(NewTransferer(src, store, fastPolicy()), 2).Run(context.Background(), items)
		require.NoError(t, err)
	}

	assert.Equal(t, 3, store.objectCount())
	for _, it := range items {
		assert.Equal(t, 2, store.putCount(it.DestinationKey()))
	}
}

func TestCoordinator_RunsOnce(t *testing.T) {
	c := NewCoordinator(NewTransferer(newFakeSource(), newFakeStore(), fastPolicy()), 1, WithRunID("run-1"))
	_, err := c.Run(context.Background(), itemsFor("wb-1"))
	require.NoError(t, err)

	_, err = c.Run(context.Background(), itemsFor("wb-1"))
	assert.ErrorIs(t, err, ErrAlreadyRun)
	assert.Equal(t, "run-1", c.RunID())
}

type panickyTransferer struct {
	calls atomic.Int32
}

func (p *panickyTransferer) Transfer(_ context.Context, item Item) Outcome {
	p.calls.Add(1)
	if item.WorkbookID == "bad" {
		panic("transferer exploded")
	}
	return Outcome{Item: item, Status: StatusSuccess, Attempts: 1}
}

func TestCoordinator_PanickingTransfererIsContained(t *testing.T) {
	p := &panickyTransferer{}
	summary, err := NewCoordinator(p, 2).Run(context.Background(), itemsFor("good-1", "bad", "good-2"))
	require.NoError(t, err)

	assert.Equal(t, int32(3), p.calls.Load())
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, "internal", summary.Failures[0].FailureKind)
}

func TestRunSummary_FoldIsOrderIndependent(t *testing.T) {
	outcomes := []Outcome{
		{Item: testItem("c"), Status: StatusFailed, Stage: StageUpload, Kind: KindServerError, Err: errors.New("x")},
		{Item: testItem("a"), Status: StatusSuccess, BytesTransferred: 10},
		{Item: testItem("b"), Status: StatusFailed, Stage: StageDownload, Kind: KindAuth, Err: errors.New("y")},
		{Item: testItem("d"), Status: StatusSkipped},
	}

	forward := newRunSummary("r", len(outcomes), time.Unix(0, 0))
	for _, o := range outcomes {
		forward.Add(o)
	}
	backward := newRunSummary("r", len(outcomes), time.Unix(0, 0))
	for i := len(outcomes) - 1; i >= 0; i-- {
		backward.Add(outcomes[i])
	}
	forward.finish(time.Unix(5, 0), StateCompleted)
	backward.finish(time.Unix(5, 0), StateCompleted)

	assert.Equal(t, *forward, *backward)
	assert.Equal(t, 5*time.Second, forward.Duration())
	assert.Equal(t, "b", forward.Failures[0].Item.WorkbookID)
}
