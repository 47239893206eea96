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

package txid

import (
	"sync"
	"testing"
	"time"
)

func TestNewIsValidAndUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New()
		if len(id) != 26 {
			t.Fatalf("len(%q) = %d, want 26", id, len(id))
		}
		if !Valid(id) {
			t.Fatalf("generated id %q does not parse", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestNewConcurrent(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := New()
				mu.Lock()
				if seen[id] {
					t.Errorf("duplicate id %q", id)
				}
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
}

func TestShort(t *testing.T) {
	id := "01JABCDEFGHJKMNPQRSTVWXYZ0"
	if got := Short(id); got != id[len(id)-8:] {
		t.Fatalf("Short returned %q, want trailing 8 chars %q", got, id[len(id)-8:])
	}
	if got := Short("abc"); got != "abc" {
		t.Fatalf("Short of short string = %q, want unchanged", got)
	}
}

func TestPartition(t *testing.T) {
	ny, _ := time.LoadLocation("America/New_York")
	tests := []struct {
		at   time.Time
		want string
	}{
		{time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC), "202603"},
		{time.Date(2026, 12, 31, 23, 30, 0, 0, ny), "202701"}, // UTC rolls the month
	}
	for _, tt := range tests {
		if got := Partition(tt.at); got != tt.want {
			t.Errorf("Partition(%v) = %q, want %q", tt.at, got, tt.want)
		}
	}
}
