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
	"time"
)

// WorkbookLister enumerates workbooks. Errors should be *Error values so the
// resolver can report what went wrong.
type WorkbookLister interface {
	ListSiteWorkbooks(ctx context.Context, siteID string) ([]Workbook, error)
	ListProjectWorkbooks(ctx context.Context, siteID, projectID string) ([]Workbook, error)
}

// WorkbookSource is the Tableau Server capability the pipeline consumes.
type WorkbookSource interface {
	WorkbookLister
	DownloadWorkbook(ctx context.Context, siteID, workbookID string) ([]byte, error)
}

// ObjectStore receives the downloaded workbooks. Put must be safe to repeat
// for the same key: a second Put overwrites the first.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, tags map[string]string) error
}

// MetricsSink receives the run heartbeat and counters.
type MetricsSink interface {
	RecordHeartbeat(ctx context.Context, at time.Time, statusCode int) error
	RecordCounter(ctx context.Context, name string, value int64) error
}

// ErrorTracker receives one event per failed item.
type ErrorTracker interface {
	CaptureError(ctx context.Context, kind FailureKind, err error, fields map[string]string) error
}

// EventSink receives every download and upload attempt as it happens.
type EventSink interface {
	RecordAttempt(ctx context.Context, ev AttemptEvent)
}

// RevisionFilter lets the coordinator skip items whose content has not
// changed since the last successful upload.
type RevisionFilter interface {
	Unchanged(item Item) bool
}

// ItemTransferer moves one item from the source to the store.
type ItemTransferer interface {
	Transfer(ctx context.Context, item Item) Outcome
}
