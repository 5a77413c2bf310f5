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
	"sort"
	"time"
)

// RunState tracks a coordinator through a single run.
type RunState int32

const (
	StateIdle RunState = iota
	StateRunning
	StateCompleted
	StateCancelled
)

func (s RunState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// FailedItem is one entry of the operator-facing failure list.
type FailedItem struct {
	Item        Item
	FailureKind string
	Message     string
}

// RunSummary aggregates every outcome of one run.
type RunSummary struct {
	RunID      string
	State      RunState
	StartedAt  time.Time
	FinishedAt time.Time

	Resolved   int
	Succeeded  int
	Failed     int
	Skipped    int
	TotalBytes int64
	Failures   []FailedItem
}

func newRunSummary(runID string, resolved int, startedAt time.Time) *RunSummary {
	return &RunSummary{
		RunID:     runID,
		State:     StateRunning,
		StartedAt: startedAt,
		Resolved:  resolved,
	}
}

// Add folds one outcome into the summary. The fold does not depend on the
// order outcomes arrive in.
func (s *RunSummary) Add(o Outcome) {
	switch o.Status {
	case StatusSuccess:
		s.Succeeded++
		s.TotalBytes += o.BytesTransferred
	case StatusFailed:
		s.Failed++
		s.Failures = append(s.Failures, FailedItem{
			Item:        o.Item,
			FailureKind: o.FailureKind(),
			Message:     o.Message(),
		})
	default:
		s.Skipped++
	}
}

// finish stamps the final state and puts the failure list in key order so
// two runs with the same failures print the same report.
func (s *RunSummary) finish(at time.Time, state RunState) {
	s.FinishedAt = at
	s.State = state
	sort.SliceStable(s.Failures, func(i, j int) bool {
		return s.Failures[i].Item.DestinationKey() < s.Failures[j].Item.DestinationKey()
	})
}

// Total is the number of outcomes folded in so far.
func (s RunSummary) Total() int {
	return s.Succeeded + s.Failed + s.Skipped
}

// Complete reports whether every resolved item has an outcome.
func (s RunSummary) Complete() bool {
	return s.Total() == s.Resolved
}

// Duration is the wall time of the run.
func (s RunSummary) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// ExitCode is 0 when nothing failed and 1 otherwise.
func (s RunSummary) ExitCode() int {
	if s.Failed > 0 {
		return 1
	}
	return 0
}
