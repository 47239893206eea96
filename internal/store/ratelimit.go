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

package store

import (
	"context"
)

// IncrementRateWindow atomically bumps the hit counter for (key, window)
// and returns the new count for the current window.
func (s *Store) IncrementRateWindow(ctx context.Context, key string, windowStart int64) (int64, error) {
	var hits int64
	err := s.do(func() error {
		return s.pool.QueryRow(ctx, `
			INSERT INTO rate_limits (limit_key, window_start, hits)
			VALUES ($1, $2, 1)
			ON CONFLICT (limit_key, window_start) DO UPDATE SET hits = rate_limits.hits + 1
			RETURNING hits
		`, key, windowStart).Scan(&hits)
	})
	if err != nil {
		return 0, err
	}
	return hits, nil
}

// GetRateWindow reads the hit counter for (key, window); zero when the
// window has no row.
func (s *Store) GetRateWindow(ctx context.Context, key string, windowStart int64) (int64, error) {
	var hits int64
	err := s.do(func() error {
		return s.pool.QueryRow(ctx, `
			SELECT COALESCE(
				(SELECT hits FROM rate_limits WHERE limit_key = $1 AND window_start = $2), 0)
		`, key, windowStart).Scan(&hits)
	})
	if err != nil {
		return 0, err
	}
	return hits, nil
}

// PruneRateWindows deletes counters older than the cutoff window.
func (s *Store) PruneRateWindows(ctx context.Context, cutoff int64) error {
	return s.do(func() error {
		_, err := s.pool.Exec(ctx, `DELETE FROM rate_limits WHERE window_start < $1`, cutoff)
		return err
	})
}
