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

// Package store provides the Postgres-backed row stores: vendors,
// transactions (the audit trail), subscriptions, and rate-limit
// counters. It is the only package that talks to the database; every
// operation goes through the store circuit breaker.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/apflow/invoiceagent/internal/fault"
	"github.com/apflow/invoiceagent/internal/resilience"
)

// Store wraps the Postgres pool with the row-store operations the
// pipeline consumes.
type Store struct {
	pool    *pgxpool.Pool
	breaker *resilience.Breaker
}

// New creates the store and ensures the schema exists.
func New(ctx context.Context, pool *pgxpool.Pool, breaker *resilience.Breaker) (*Store, error) {
	s := &Store{pool: pool, breaker: breaker}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	slog.Info("row store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS vendors (
			normalized_key      TEXT PRIMARY KEY,
			display_name        TEXT NOT NULL,
			expense_dept        TEXT NOT NULL,
			gl_code             TEXT NOT NULL,
			allocation_schedule TEXT NOT NULL,
			billing_party       TEXT NOT NULL,
			product_category    TEXT DEFAULT '',
			active              BOOLEAN NOT NULL DEFAULT TRUE,
			schema_version      TEXT NOT NULL DEFAULT '1.0',
			created_at          TIMESTAMPTZ DEFAULT NOW(),
			updated_at          TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS transactions (
			partition_key       TEXT NOT NULL,
			tx_id               TEXT NOT NULL,
			original_message_id TEXT NOT NULL UNIQUE,
			invoice_hash        TEXT DEFAULT '',
			status              TEXT NOT NULL DEFAULT 'received',
			vendor_name         TEXT DEFAULT '',
			gl_code             TEXT DEFAULT '',
			sender_domain       TEXT DEFAULT '',
			received_at         TIMESTAMPTZ NOT NULL,
			processed_at        TIMESTAMPTZ,
			claimed_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			emails_sent_count   INT NOT NULL DEFAULT 0,
			error_reason        TEXT DEFAULT '',
			schema_version      TEXT NOT NULL DEFAULT '1.0',
			etag                TEXT NOT NULL,
			PRIMARY KEY (partition_key, tx_id)
		);
		CREATE INDEX IF NOT EXISTS idx_tx_status ON transactions(status);

		CREATE TABLE IF NOT EXISTS subscriptions (
			provider_sub_id TEXT PRIMARY KEY,
			resource        TEXT NOT NULL,
			expiration_at   TIMESTAMPTZ NOT NULL,
			client_state    TEXT NOT NULL,
			is_active       BOOLEAN NOT NULL DEFAULT TRUE,
			created_at      TIMESTAMPTZ DEFAULT NOW(),
			last_renewed_at TIMESTAMPTZ,
			last_notification_at TIMESTAMPTZ
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_subs_single_active
			ON subscriptions(is_active) WHERE is_active;

		CREATE TABLE IF NOT EXISTS rate_limits (
			limit_key    TEXT NOT NULL,
			window_start BIGINT NOT NULL,
			hits         BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (limit_key, window_start)
		);
	`)
	return err
}

// do runs fn through the store breaker and classifies the error.
func (s *Store) do(fn func() error) error {
	err := s.breaker.Execute(fn)
	if err == nil {
		return nil
	}
	if fault.KindOf(err) != fault.Unknown {
		return err
	}
	return fault.Wrap(fault.Transient, err)
}

// isUniqueViolation reports a Postgres unique-constraint error.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
