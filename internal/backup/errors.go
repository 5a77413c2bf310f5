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
	"net"
)

// FailureKind classifies an error for retry decisions and reporting.
type FailureKind string

const (
	KindTransientNetwork FailureKind = "TransientNetworkError"
	KindRateLimited      FailureKind = "RateLimitedError"
	KindServerError      FailureKind = "ServerError"
	KindAuth             FailureKind = "AuthError"
	KindNotFound         FailureKind = "NotFoundError"
	KindMalformedContent FailureKind = "MalformedContentError"
	KindInternal         FailureKind = "internal"
)

// Retryable reports whether a failure of this kind may succeed on a later attempt.
func (k FailureKind) Retryable() bool {
	switch k {
	case KindTransientNetwork, KindRateLimited, KindServerError:
		return true
	default:
		return false
	}
}

// Error is a classified failure returned by the workbook source and object store adapters.
type Error struct {
	Kind FailureKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a failure kind and the name of the operation that failed.
func NewError(kind FailureKind, op string, err error) *Error {
	if err == nil {
		err = errors.New(string(kind))
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf classifies err. Adapter errors carry their own kind; context and
// network errors are transient; anything else is treated as a server error
// so that it gets the benefit of the retry budget.
func KindOf(err error) FailureKind {
	if err == nil {
		return ""
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindTransientNetwork
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindTransientNetwork
	}
	return KindServerError
}

// ResolutionError aborts a run before any transfer starts: a listing call
// failed or a configured site or project does not exist.
type ResolutionError struct {
	Rule string
	Err  error
}

func (e *ResolutionError) Error() string {
	if e.Rule == "" {
		return fmt.Sprintf("resolve backup targets: %v", e.Err)
	}
	return fmt.Sprintf("resolve backup targets (%s): %v", e.Rule, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// IsResolutionError reports whether err is, or wraps, a *ResolutionError.
func IsResolutionError(err error) bool {
	var re *ResolutionError
	return errors.As(err, &re)
}
