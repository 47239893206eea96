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
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/apflow/invoiceagent/internal/fault"
)

// Subscription is one provider webhook subscription. At most one row is
// active at a time, enforced by a partial unique index; inserts of a
// second active row fail, which is how the manager serialises rotation.
type Subscription struct {
	ProviderSubID string
	Resource      string
	ExpirationAt  time.Time
	ClientState   string
	IsActive      bool
	CreatedAt     time.Time
	LastRenewedAt *time.Time
	// LastNotificationAt is touched on every accepted webhook notice, so
	// an operator can see whether the provider is actually delivering.
	LastNotificationAt *time.Time
}

const subColumns = `provider_sub_id, resource, expiration_at, client_state,
	is_active, created_at, last_renewed_at, last_notification_at`

// GetActiveSubscription returns the single active subscription, or nil
// when none exists.
func (s *Store) GetActiveSubscription(ctx context.Context) (*Subscription, error) {
	var sub Subscription
	err := s.do(func() error {
		row := s.pool.QueryRow(ctx, `
			SELECT `+subColumns+` FROM subscriptions WHERE is_active
		`)
		err := row.Scan(
			&sub.ProviderSubID, &sub.Resource, &sub.ExpirationAt, &sub.ClientState,
			&sub.IsActive, &sub.CreatedAt, &sub.LastRenewedAt, &sub.LastNotificationAt,
		)
		if err == pgx.ErrNoRows {
			return fault.New(fault.NotFound, "no active subscription")
		}
		return err
	})
	if err != nil {
		if fault.KindOf(err) == fault.NotFound {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

// InsertSubscription inserts a new active row. While another row is
// still active the partial unique index rejects the insert with a
// Conflict fault, which serialises racing creators: whoever inserts
// first owns the slot, everyone else cleans up their provider-side
// duplicate.
func (s *Store) InsertSubscription(ctx context.Context, sub Subscription) error {
	return s.do(func() error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO subscriptions
				(provider_sub_id, resource, expiration_at, client_state, is_active)
			VALUES ($1, $2, $3, $4, $5)
		`, sub.ProviderSubID, sub.Resource, sub.ExpirationAt, sub.ClientState, sub.IsActive)
		if isUniqueViolation(err) {
			return fault.New(fault.Conflict, "an active subscription already exists")
		}
		return err
	})
}

// RenewSubscription records a successful provider-side renewal.
func (s *Store) RenewSubscription(ctx context.Context, providerSubID string, newExpiry time.Time) error {
	return s.do(func() error {
		tag, err := s.pool.Exec(ctx, `
			UPDATE subscriptions
			SET expiration_at = $1, last_renewed_at = NOW()
			WHERE provider_sub_id = $2
		`, newExpiry, providerSubID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fault.New(fault.NotFound, "subscription %s not found", providerSubID)
		}
		return nil
	})
}

// TouchNotification stamps the time a webhook notice was accepted for
// this subscription. Best-effort; callers ignore the error.
func (s *Store) TouchNotification(ctx context.Context, providerSubID string) error {
	return s.do(func() error {
		_, err := s.pool.Exec(ctx, `
			UPDATE subscriptions SET last_notification_at = NOW() WHERE provider_sub_id = $1
		`, providerSubID)
		return err
	})
}

// DeactivateSubscription clears the active flag on an old row.
func (s *Store) DeactivateSubscription(ctx context.Context, providerSubID string) error {
	return s.do(func() error {
		_, err := s.pool.Exec(ctx, `
			UPDATE subscriptions SET is_active = FALSE WHERE provider_sub_id = $1
		`, providerSubID)
		return err
	})
}
