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
	"testing"
	"time"

	"github.com/apflow/invoiceagent/internal/config"
	"github.com/apflow/invoiceagent/internal/fault"
)

func TestBreakerOpensAfterFailMax(t *testing.T) {
	b := NewBreaker("test", config.BreakerConfig{FailMax: 5, ResetSeconds: 60})

	calls := 0
	failing := func() error {
		calls++
		return fault.New(fault.Transient, "503 from upstream")
	}

	for i := 0; i < 5; i++ {
		if err := b.Execute(failing); err == nil {
			t.Fatalf("call %d should fail", i)
		}
	}
	if calls != 5 {
		t.Fatalf("underlying called %d times, want 5", calls)
	}

	// Sixth call must be refused without touching the dependency.
	start := time.Now()
	err := b.Execute(failing)
	elapsed := time.Since(start)

	if fault.KindOf(err) != fault.CircuitOpen {
		t.Errorf("kind = %v, want CircuitOpen", fault.KindOf(err))
	}
	if calls != 5 {
		t.Errorf("underlying called while open: %d calls", calls)
	}
	if elapsed > time.Millisecond {
		t.Errorf("open-state rejection took %v, want < 1ms", elapsed)
	}
}

func TestBreakerHalfOpenProbeCloses(t *testing.T) {
	b := NewBreaker("test", config.BreakerConfig{FailMax: 2, ResetSeconds: 1})

	failing := func() error { return fault.New(fault.Transient, "boom") }
	for i := 0; i < 2; i++ {
		_ = b.Execute(failing)
	}
	if b.State() != "open" {
		t.Fatalf("state = %s, want open", b.State())
	}

	// After the reset timeout, exactly one probe is allowed through.
	time.Sleep(1100 * time.Millisecond)

	probed := false
	if err := b.Execute(func() error { probed = true; return nil }); err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if !probed {
		t.Fatal("probe never reached the dependency")
	}
	if b.State() != "closed" {
		t.Errorf("state after successful probe = %s, want closed", b.State())
	}

	// Subsequent calls pass.
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Errorf("call after close failed: %v", err)
	}
}

func TestBreakerIgnoresBusinessErrors(t *testing.T) {
	b := NewBreaker("test", config.BreakerConfig{FailMax: 2, ResetSeconds: 60})

	for i := 0; i < 10; i++ {
		_ = b.Execute(func() error { return fault.New(fault.NotFound, "no such vendor") })
	}
	if b.State() != "closed" {
		t.Errorf("state = %s, want closed: NotFound must not trip the breaker", b.State())
	}
}
