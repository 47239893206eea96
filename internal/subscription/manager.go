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

// Package subscription keeps exactly one provider webhook subscription
// alive for the monitored mailbox. Rotation creates the replacement at
// the provider before the dead row is cleared, so a failure mid-rotate
// never leaves the mailbox unwatched; the store's partial unique index
// serialises concurrent creators.
package subscription

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/apflow/invoiceagent/internal/fault"
	"github.com/apflow/invoiceagent/internal/mail"
	"github.com/apflow/invoiceagent/internal/store"
)

// Provider is the mail client's subscription surface.
type Provider interface {
	Subscribe(ctx context.Context, notificationURL, clientState string, ttl time.Duration) (*mail.SubscriptionResult, error)
	RenewSubscription(ctx context.Context, subscriptionID string, ttl time.Duration) (*mail.SubscriptionResult, error)
	DeleteSubscription(ctx context.Context, subscriptionID string) error
}

// Store persists subscription rows.
type Store interface {
	GetActiveSubscription(ctx context.Context) (*store.Subscription, error)
	InsertSubscription(ctx context.Context, sub store.Subscription) error
	RenewSubscription(ctx context.Context, providerSubID string, newExpiry time.Time) error
	DeactivateSubscription(ctx context.Context, providerSubID string) error
}

// Manager reconciles the active subscription on a schedule.
type Manager struct {
	provider Provider
	store    Store
	// notificationURL is the public webhook endpoint the provider posts to.
	notificationURL string
	ttl             time.Duration
	renewBuffer     time.Duration
	interval        time.Duration
	now             func() time.Time

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Config wires a Manager.
type Config struct {
	Provider        Provider
	Store           Store
	NotificationURL string
	// TTL is the requested subscription lifetime, already capped below
	// the provider maximum by the caller.
	TTL time.Duration
	// RenewBuffer triggers renewal when expiry is closer than this.
	RenewBuffer time.Duration
	// Interval between reconcile passes.
	Interval time.Duration
}

// NewManager creates a manager.
func NewManager(cfg Config) *Manager {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 6 * 24 * time.Hour
	}
	buffer := cfg.RenewBuffer
	if buffer <= 0 {
		buffer = 48 * time.Hour
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	return &Manager{
		provider:        cfg.Provider,
		store:           cfg.Store,
		notificationURL: cfg.NotificationURL,
		ttl:             ttl,
		renewBuffer:     buffer,
		interval:        interval,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// Start reconciles once immediately, then runs the schedule in the
// background. The initial reconcile failing is not fatal: the webhook
// is degraded, not down, and the poller still covers ingestion.
func (m *Manager) Start(ctx context.Context) {
	if err := m.Reconcile(ctx); err != nil {
		slog.Error("initial subscription reconcile failed", "error", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if err := m.Reconcile(loopCtx); err != nil {
					slog.Error("subscription reconcile failed", "error", err)
				}
			}
		}
	}()
	slog.Info("subscription manager started", "interval", m.interval)
}

// Stop shuts down the reconcile loop.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	slog.Info("subscription manager stopped")
}

// Reconcile drives the subscription state machine one step:
// none -> create, expiring -> renew, healthy -> no-op.
func (m *Manager) Reconcile(ctx context.Context) error {
	active, err := m.store.GetActiveSubscription(ctx)
	if err != nil {
		return err
	}

	now := m.now()
	switch {
	case active == nil:
		return m.create(ctx, nil)

	case now.After(active.ExpirationAt):
		// Expired server-side; the provider has already dropped it.
		// Create a replacement first, deactivate the corpse after.
		slog.Warn("active subscription already expired, replacing",
			"subscription_id", active.ProviderSubID,
			"expired_at", active.ExpirationAt,
		)
		return m.create(ctx, active)

	case active.ExpirationAt.Sub(now) < m.renewBuffer:
		return m.renew(ctx, active)

	default:
		slog.Debug("subscription healthy",
			"subscription_id", active.ProviderSubID,
			"expires_in", active.ExpirationAt.Sub(now).Round(time.Minute),
		)
		return nil
	}
}

// create subscribes at the provider and inserts the row. When replacing
// a dead row, the old flag is cleared only once the provider-side
// replacement exists; the single-active index then admits the insert.
func (m *Manager) create(ctx context.Context, replacing *store.Subscription) error {
	clientState := generateClientState()

	result, err := m.provider.Subscribe(ctx, m.notificationURL, clientState, m.ttl)
	if err != nil {
		return err
	}

	if replacing != nil {
		// The old row still holds the active slot; clear it now that
		// the provider-side replacement exists.
		if err := m.store.DeactivateSubscription(ctx, replacing.ProviderSubID); err != nil {
			return err
		}
	}

	err = m.store.InsertSubscription(ctx, store.Subscription{
		ProviderSubID: result.ID,
		Resource:      result.Resource,
		ExpirationAt:  result.ExpirationAt,
		ClientState:   clientState,
		IsActive:      true,
	})
	if err != nil {
		if fault.KindOf(err) == fault.Conflict {
			// Another replica won the race. Drop our provider-side
			// subscription; theirs carries the traffic.
			slog.Info("lost subscription creation race, deleting duplicate",
				"subscription_id", result.ID)
			if delErr := m.provider.DeleteSubscription(ctx, result.ID); delErr != nil {
				slog.Warn("failed to delete duplicate subscription", "error", delErr)
			}
			return nil
		}
		return err
	}

	slog.Info("subscription created",
		"subscription_id", result.ID,
		"expires_at", result.ExpirationAt,
	)
	return nil
}

// renew pushes the expiry out at the provider, then mirrors it in the
// row. A provider-side NotFound means the subscription silently died;
// replace it.
func (m *Manager) renew(ctx context.Context, active *store.Subscription) error {
	result, err := m.provider.RenewSubscription(ctx, active.ProviderSubID, m.ttl)
	if err != nil {
		if fault.KindOf(err) == fault.NotFound {
			slog.Warn("subscription gone at provider, re-creating",
				"subscription_id", active.ProviderSubID)
			return m.create(ctx, active)
		}
		// Leave the row active; retry on the next pass.
		return err
	}

	if err := m.store.RenewSubscription(ctx, active.ProviderSubID, result.ExpirationAt); err != nil {
		return err
	}

	slog.Info("subscription renewed",
		"subscription_id", active.ProviderSubID,
		"new_expiry", result.ExpirationAt,
	)
	return nil
}

// generateClientState creates the random shared secret the provider
// echoes back on every notification.
func generateClientState() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
