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

// Package resilience provides the circuit breakers and the retry wrapper
// shared by every external dependency. Breaker state is process-local;
// a provider-level failure signal shows up quickly in every process.
package resilience

import (
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/apflow/invoiceagent/internal/config"
	"github.com/apflow/invoiceagent/internal/fault"
)

// Breaker is a named circuit breaker around one external dependency.
// Closed passes calls through and counts consecutive failures; Open
// rejects immediately with a CircuitOpen fault; HalfOpen admits a single
// probe.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewBreaker creates a breaker that opens after cfg.FailMax consecutive
// failures and probes again after cfg.ResetSeconds.
func NewBreaker(name string, cfg config.BreakerConfig) *Breaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1, // one probe in half-open
		Timeout:     time.Duration(cfg.ResetSeconds) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailMax)
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// Business outcomes and caller mistakes are not dependency
			// failures and must not trip the breaker.
			switch fault.KindOf(err) {
			case fault.Validation, fault.NotFound, fault.Permanent, fault.Conflict:
				return true
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state change",
				"breaker", name,
				"from", stateString(from),
				"to", stateString(to),
			)
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs fn through the breaker. A refused call returns a
// CircuitOpen fault without invoking fn.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fault.Wrap(fault.CircuitOpen, err)
	}
	return err
}

// State reports the breaker's current state as a string, for health output.
func (b *Breaker) State() string {
	return stateString(b.cb.State())
}

func stateString(s gobreaker.State) string {
	switch s {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}
