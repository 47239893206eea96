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

// Package fault classifies errors into the kinds the pipeline acts on.
// Workers decide ack vs. redelivery vs. poison from the kind, and the
// retry wrapper decides whether an operation is worth another attempt.
package fault

import (
	"errors"
	"fmt"
	"time"
)

// Kind is the handling class of an error.
type Kind int

const (
	// Unknown is an unclassified error; treated as Transient.
	Unknown Kind = iota
	// Validation: input failed shape or semantics. Never retried.
	Validation
	// Transient: timeout, 5xx, network. Retried.
	Transient
	// CircuitOpen: a breaker refused the call. Retried later.
	CircuitOpen
	// NotFound: vendor, email, or blob missing. Business-meaningful.
	NotFound
	// Conflict: optimistic-concurrency mismatch. Re-read and retry once.
	Conflict
	// RateLimited: external 429 or local limiter. May carry a Retry-After hint.
	RateLimited
	// Permanent: non-retryable upstream rejection (4xx other than 429).
	Permanent
	// Fatal: programming error. Propagates until the message is poisoned.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case Transient:
		return "transient"
	case CircuitOpen:
		return "circuit_open"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case RateLimited:
		return "rate_limited"
	case Permanent:
		return "permanent"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error carries a kind alongside the wrapped cause.
type Error struct {
	Kind       Kind
	RetryAfter time.Duration // non-zero only for RateLimited with a server hint
	Err        error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a kinded error from a message.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind to an existing error. A nil err returns nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// RateLimitedAfter creates a RateLimited error carrying the server's
// Retry-After hint.
func RateLimitedAfter(after time.Duration, err error) error {
	return &Error{Kind: RateLimited, RetryAfter: after, Err: err}
}

// KindOf extracts the kind from an error chain. Unclassified errors
// report Unknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// RetryAfterHint returns the Retry-After hint carried by err, or zero.
func RetryAfterHint(err error) time.Duration {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.RetryAfter
	}
	return 0
}

// Retryable reports whether the kind is worth another attempt, either via
// the retry wrapper or queue redelivery.
func Retryable(err error) bool {
	switch KindOf(err) {
	case Transient, CircuitOpen, RateLimited, Conflict, Unknown:
		return true
	default:
		return false
	}
}
