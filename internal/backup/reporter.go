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
	"strings"

	"github.com/hashicorp/go-multierror"
)

// Counter names sent to the metrics sink.
const (
	CounterBackedUp = "backed_up"
	CounterFailed   = "failed"
	CounterSkipped  = "skipped"
	CounterBytes    = "bytes"
)

// Reporter forwards a finished run to the monitoring sinks. Either sink may be nil.
type Reporter struct {
	metrics MetricsSink
	tracker ErrorTracker
	ll      *slog.Logger
}

func NewReporter(metrics MetricsSink, tracker ErrorTracker, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		metrics: metrics,
		tracker: tracker,
		ll:      logger.With("component", "reporter"),
	}
}

// Report never fails: sink errors and panics are logged and dropped, since a
// monitoring outage must not turn a finished backup into a failed one.
func (r *Reporter) Report(ctx context.Context, summary RunSummary, outcomes []Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			r.ll.Error("Panic while reporting run (ignored)", slog.Any("panic", rec))
		}
	}()

	var errs *multierror.Error
	collect := func(what string, fn func() error) {
		if err := guard(fn); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", what, err))
		}
	}

	if r.metrics != nil {
		collect("heartbeat", func() error {
			return r.metrics.RecordHeartbeat(ctx, summary.FinishedAt, summary.ExitCode())
		})
		for name, value := range runCounters(summary) {
			collect("counter "+name, func() error {
				return r.metrics.RecordCounter(ctx, name, value)
			})
		}
	}

	if r.tracker != nil {
		for _, o := range outcomes {
			if o.Status != StatusFailed {
				continue
			}
			collect("capture "+o.Item.WorkbookID, func() error {
				return r.tracker.CaptureError(ctx, o.Kind, o.Err, outcomeFields(summary.RunID, o))
			})
		}
	}

	r.logReport(summary, outcomes)

	if err := errs.ErrorOrNil(); err != nil {
		r.ll.Warn("Run reporting incomplete (ignored)", slog.Any("error", err))
	}
}

func runCounters(s RunSummary) map[string]int64 {
	counters := map[string]int64{
		CounterBackedUp: int64(s.Succeeded),
		CounterFailed:   int64(s.Failed),
		CounterSkipped:  int64(s.Skipped),
		CounterBytes:    s.TotalBytes,
	}
	for _, f := range s.Failures {
		counters[CounterFailed+"."+f.FailureKind]++
	}
	return counters
}

func outcomeFields(runID string, o Outcome) map[string]string {
	return map[string]string{
		"run_id":       runID,
		"site":         o.Item.SiteID,
		"project":      o.Item.ProjectName,
		"workbook":     o.Item.WorkbookName,
		"workbook_id":  o.Item.WorkbookID,
		"key":          o.Item.DestinationKey(),
		"failure_kind": o.FailureKind(),
		"attempts":     fmt.Sprint(o.Attempts),
	}
}

func (r *Reporter) logReport(s RunSummary, outcomes []Outcome) {
	var ok strings.Builder
	ok.WriteString("|| site || project || name ||\n")
	for _, o := range outcomes {
		if o.Status == StatusSuccess {
			fmt.Fprintf(&ok, "| %s | %s | %s |\n", o.Item.SiteID, o.Item.ProjectName, o.Item.WorkbookName)
		}
	}

	var failed strings.Builder
	failed.WriteString("|| site || project || name || id || error ||\n")
	for _, f := range s.Failures {
		fmt.Fprintf(&failed, "| %s | %s | %s | %s | %s: %s |\n",
			f.Item.SiteID, f.Item.ProjectName, f.Item.WorkbookName, f.Item.WorkbookID, f.FailureKind, f.Message)
	}

	r.ll.Info("Backup run report",
		slog.String("runID", s.RunID),
		slog.String("state", s.State.String()),
		slog.Int("resolved", s.Resolved),
		slog.Int("succeeded", s.Succeeded),
		slog.Int("failed", s.Failed),
		slog.Int("skipped", s.Skipped),
		slog.Int64("bytes", s.TotalBytes),
		slog.Int("exitCode", s.ExitCode()))
	if s.Succeeded > 0 {
		r.ll.Info("Backed up workbooks:\n" + ok.String())
	}
	if s.Failed > 0 {
		r.ll.Warn("Failed workbooks:\n" + failed.String())
	}
}

func guard(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn()
}
