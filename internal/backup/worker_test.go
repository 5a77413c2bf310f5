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
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func transientErr() error {
	return NewError(KindTransientNetwork, "download workbook", errors.New("connection reset"))
}

func TestTransfer_Success(t *testing.T) {
	src := newFakeSource()
	store := newFakeStore()
	events := &recordingEvents{}
	item := testItem("wb-1")

	out := NewTransferer(src, store, fastPolicy(), WithEventSink(events)).Transfer(context.Background(), item)

	assert.Equal(t, StatusSuccess, out.Status)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, int64(len("content-of-wb-1")), out.BytesTransferred)
	assert.Empty(t, out.FailureKind())
	assert.Equal(t, []byte("content-of-wb-1"), store.objects[item.DestinationKey()])
	assert.Equal(t, "wb-1", store.tags[item.DestinationKey()]["tab_id"])

	evs := events.all()
	require.Len(t, evs, 2)
	assert.Equal(t, StageDownload, evs[0].Stage)
	assert.Equal(t, StageUpload, evs[1].Stage)
	assert.True(t, evs[0].Succeeded())
}

func TestTransfer_DownloadRetriesThenSucceeds(t *testing.T) {
	src := newFakeSource()
	src.downloadErrs["wb-2"] = []error{transientErr(), transientErr()}
	store := newFakeStore()
	events := &recordingEvents{}

	out := NewTransferer(src, store, fastPolicy(), WithEventSink(events)).Transfer(context.Background(), testItem("wb-2"))

	assert.Equal(t, StatusSuccess, out.Status)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, 3, src.downloadCount("wb-2"))

	evs := events.all()
	require.Len(t, evs, 4)
	assert.True(t, evs[0].Retry)
	assert.Equal(t, time.Millisecond, evs[0].Delay)
	assert.Equal(t, 2*time.Millisecond, evs[1].Delay)
	assert.Equal(t, KindTransientNetwork, evs[1].Kind)
	assert.True(t, evs[2].Succeeded())
}

func TestTransfer_AuthErrorIsNotRetried(t *testing.T) {
	src := newFakeSource()
	src.downloadErrs["wb-3"] = []error{
		NewError(KindAuth, "download workbook", errors.New("401 Unauthorized")),
		nil,
	}
	store := newFakeStore()

	out := NewTransferer(src, store, fastPolicy()).Transfer(context.Background(), testItem("wb-3"))

	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, KindAuth, out.Kind)
	assert.Equal(t, "download-AuthError", out.FailureKind())
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, 1, src.downloadCount("wb-3"))
	assert.Zero(t, store.objectCount())
}

func TestTransfer_DownloadExhaustsRetries(t *testing.T) {
	src := newFakeSource()
	src.downloadErrs["wb-4"] = []error{transientErr(), transientErr(), transientErr(), nil}

	out := NewTransferer(src, newFakeStore(), fastPolicy()).Transfer(context.Background(), testItem("wb-4"))

	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, "download-TransientNetworkError", out.FailureKind())
	assert.Equal(t, 3, out.Attempts)
	assert.Contains(t, out.Message(), "connection reset")
}

func TestTransfer_UploadServerErrorExhausts(t *testing.T) {
	src := newFakeSource()
	store := newFakeStore()
	item := testItem("wb-5")
	store.failKeys[item.DestinationKey()] = NewError(KindServerError, "put object", errors.New("503 Slow Down"))

	out := NewTransferer(src, store, fastPolicy()).Transfer(context.Background(), item)

	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, StageUpload, out.Stage)
	assert.Equal(t, "upload-ServerError", out.FailureKind())
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, 3, store.putCount(item.DestinationKey()))
	// The download is not repeated for upload retries.
	assert.Equal(t, 1, src.downloadCount("wb-5"))
}

func TestTransfer_PanicBecomesInternalFailure(t *testing.T) {
	src := newFakeSource()
	src.panicOn = "wb-6"

	var out Outcome
	require.NotPanics(t, func() {
		out = NewTransferer(src, newFakeStore(), fastPolicy()).Transfer(context.Background(), testItem("wb-6"))
	})
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, KindInternal, out.Kind)
	assert.Equal(t, "internal", out.FailureKind())
	assert.Equal(t, 1, out.Attempts)
}

func TestTransfer_CancelledBeforeStartIsSkipped(t *testing.T) {
	src := newFakeSource()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := NewTransferer(src, newFakeStore(), fastPolicy()).Transfer(ctx, testItem("wb-7"))

	assert.Equal(t, StatusSkipped, out.Status)
	assert.Zero(t, out.Attempts)
	assert.Zero(t, src.downloadCount("wb-7"))
}

func TestTransfer_CancelDuringBackoffStopsRetrying(t *testing.T) {
	src := newFakeSource()
	src.downloadErrs["wb-8"] = []error{transientErr(), transientErr(), transientErr()}
	policy := Policy{MaxAttempts: 3, BaseDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 1}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Outcome, 1)
	go func() {
		done <- NewTransferer(src, newFakeStore(), policy).Transfer(ctx, testItem("wb-8"))
	}()

	require.Eventually(t, func() bool { return src.downloadCount("wb-8") == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case out := <-done:
		assert.Equal(t, StatusFailed, out.Status)
		assert.Equal(t, "download-TransientNetworkError", out.FailureKind())
		assert.Equal(t, 1, out.Attempts)
	case <-time.After(5 * time.Second):
		t.Fatal("transfer did not stop after cancellation")
	}
}

func TestTransfer_BackoffUsesInjectedClock(t *testing.T) {
	src := newFakeSource()
	src.downloadErrs["wb-9"] = []error{transientErr(), transientErr()}
	// One simulated second passes per real millisecond.
	clk := testclock.NewDilatedWallClock(time.Millisecond)
	policy := Policy{MaxAttempts: 3, BaseDelay: 10 * time.Second, MaxDelay: 20 * time.Second, Multiplier: 2}

	start := time.Now()
	out := NewTransferer(src, newFakeStore(), policy, WithClock(clk)).Transfer(context.Background(), testItem("wb-9"))

	assert.Equal(t, StatusSuccess, out.Status)
	assert.Equal(t, 3, out.Attempts)
	assert.Less(t, time.Since(start), 10*time.Second)
}
