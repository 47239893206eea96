// Copyright (c) 2026 Apflow Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/apflow/invoiceagent/internal/config"
	"github.com/apflow/invoiceagent/internal/fault"
)

// Retrier re-runs an operation with exponential backoff and jitter.
// Only retryable fault kinds are attempted again; a Retry-After hint on
// a rate-limited error overrides the computed delay.
type Retrier struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewRetrier builds a retrier from config. Defaults match the pipeline
// contract: 3 attempts, 500 ms base, 30 s cap.
func NewRetrier(cfg config.RetryConfig) *Retrier {
	r := &Retrier{
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   time.Duration(cfg.BaseDelayMs) * time.Millisecond,
		maxDelay:    time.Duration(cfg.MaxDelayMs) * time.Millisecond,
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = 3
	}
	if r.baseDelay <= 0 {
		r.baseDelay = 500 * time.Millisecond
	}
	if r.maxDelay <= 0 {
		r.maxDelay = 30 * time.Second
	}
	return r
}

// Do runs op until it succeeds, fails permanently, or the attempt budget
// is spent. The error returned is always op's own last error, never a
// backoff internal.
func (r *Retrier) Do(ctx context.Context, op func() error) error {
	var lastErr error

	operation := func() (struct{}, error) {
		err := op()
		if err == nil {
			return struct{}{}, nil
		}
		lastErr = err

		if !fault.Retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		if hint := fault.RetryAfterHint(err); hint > 0 {
			return struct{}{}, &backoff.RetryAfterError{Duration: hint}
		}
		return struct{}{}, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.baseDelay
	bo.MaxInterval = r.maxDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(r.maxAttempts)),
	)
	if err != nil && lastErr != nil {
		return lastErr
	}
	return err
}
