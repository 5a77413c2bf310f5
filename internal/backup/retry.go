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
	"fmt"
	"time"

	"github.com/jpillora/backoff"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 2 * time.Second
	DefaultMaxDelay    = time.Minute
	DefaultMultiplier  = 2.0
)

// Policy decides whether a failed attempt is retried and how long to wait first.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Decision is the outcome of consulting a Policy. The zero value gives up.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// GiveUp stops retrying.
var GiveUp = Decision{}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		Multiplier:  DefaultMultiplier,
	}
}

// Validate rejects bounds that would retry forever or never wait.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.BaseDelay <= 0 {
		return fmt.Errorf("retry base delay must be positive, got %s", p.BaseDelay)
	}
	if p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("retry max delay %s is below base delay %s", p.MaxDelay, p.BaseDelay)
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("retry multiplier must be >= 1, got %g", p.Multiplier)
	}
	return nil
}

// ShouldRetry is called after attempt number attempt (1-based) failed with kind.
// Non-retryable kinds give up immediately, retryable kinds give up once
// attempt reaches MaxAttempts.
func (p Policy) ShouldRetry(attempt int, kind FailureKind) Decision {
	if !kind.Retryable() {
		return GiveUp
	}
	if attempt >= p.MaxAttempts {
		return GiveUp
	}
	return Decision{Retry: true, Delay: p.delay(attempt)}
}

// delay grows exponentially from BaseDelay and is capped at MaxDelay.
func (p Policy) delay(attempt int) time.Duration {
	b := &backoff.Backoff{
		Min:    p.BaseDelay,
		Max:    p.MaxDelay,
		Factor: p.Multiplier,
		Jitter: false,
	}
	if attempt < 1 {
		attempt = 1
	}
	return b.ForAttempt(float64(attempt - 1))
}
