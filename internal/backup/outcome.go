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
	"time"
)

// Status is the final state of one item in a run.
type Status int

const (
	StatusSuccess Status = iota
	StatusFailed
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailed:
		return "failed"
	case StatusSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Stage is the sub-operation of a transfer.
type Stage string

const (
	StageDownload Stage = "download"
	StageUpload   Stage = "upload"
)

// Outcome is the result of attempting one item.
type Outcome struct {
	Item             Item
	Status           Status
	Attempts         int
	Stage            Stage
	Kind             FailureKind
	Err              error
	BytesTransferred int64
	Duration         time.Duration
}

// FailureKind is the stage-qualified failure kind, such as
// "upload-ServerError". It is empty unless the outcome failed.
func (o Outcome) FailureKind() string {
	if o.Status != StatusFailed {
		return ""
	}
	if o.Kind == KindInternal || o.Stage == "" {
		return string(o.Kind)
	}
	return string(o.Stage) + "-" + string(o.Kind)
}

// Message is the last error text of a failed outcome.
func (o Outcome) Message() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

func skippedOutcome(item Item) Outcome {
	return Outcome{Item: item, Status: StatusSkipped}
}

// AttemptEvent describes a single download or upload attempt.
type AttemptEvent struct {
	Item     Item
	Stage    Stage
	Attempt  int
	Kind     FailureKind
	Err      error
	Retry    bool
	Delay    time.Duration
	Duration time.Duration
}

// Succeeded reports whether the attempt completed without error.
func (e AttemptEvent) Succeeded() bool {
	return e.Err == nil
}
