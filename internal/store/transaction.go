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

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/apflow/invoiceagent/internal/fault"
)

// Transaction is the audit row for one unique inbound message. Rows are
// partitioned by YYYYMM of receipt; the unique constraint on
// OriginalMessageID is what makes claims exclusive.
type Transaction struct {
	PartitionKey      string
	TxID              string
	OriginalMessageID string
	InvoiceHash       string
	Status            string
	VendorName        string
	GLCode            string
	SenderDomain      string
	ReceivedAt        time.Time
	ProcessedAt       *time.Time
	ClaimedAt         time.Time
	EmailsSentCount   int
	ErrorReason       string
	SchemaVersion     string
	ETag              string
}

const txColumns = `partition_key, tx_id, original_message_id, invoice_hash, status,
	vendor_name, gl_code, sender_domain, received_at, processed_at,
	claimed_at, emails_sent_count, error_reason, schema_version, etag`

// InsertTransactionIfAbsent inserts the row for a first ingestion. A
// second ingestion of the same OriginalMessageID collides on the unique
// constraint and fails with an AlreadyExists-style Conflict fault.
func (s *Store) InsertTransactionIfAbsent(ctx context.Context, t *Transaction) error {
	if t.SchemaVersion == "" {
		t.SchemaVersion = "1.0"
	}
	t.ETag = uuid.New().String()
	if t.ClaimedAt.IsZero() {
		t.ClaimedAt = time.Now().UTC()
	}

	return s.do(func() error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO transactions (`+txColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		`, t.PartitionKey, t.TxID, t.OriginalMessageID, t.InvoiceHash, t.Status,
			t.VendorName, t.GLCode, t.SenderDomain, t.ReceivedAt, t.ProcessedAt,
			t.ClaimedAt, t.EmailsSentCount, t.ErrorReason, t.SchemaVersion, t.ETag)
		if isUniqueViolation(err) {
			return fault.New(fault.Conflict, "transaction for message %s already exists", t.OriginalMessageID)
		}
		return err
	})
}

// GetTransactionByMessageID reads the row claimed for a provider
// message id, etag included.
func (s *Store) GetTransactionByMessageID(ctx context.Context, messageID string) (*Transaction, error) {
	return s.queryTransaction(ctx, `
		SELECT `+txColumns+` FROM transactions WHERE original_message_id = $1
	`, messageID)
}

// GetTransaction reads a row by partition and TxID.
func (s *Store) GetTransaction(ctx context.Context, partition, txID string) (*Transaction, error) {
	return s.queryTransaction(ctx, `
		SELECT `+txColumns+` FROM transactions WHERE partition_key = $1 AND tx_id = $2
	`, partition, txID)
}

func (s *Store) queryTransaction(ctx context.Context, query string, args ...any) (*Transaction, error) {
	var t Transaction
	err := s.do(func() error {
		row := s.pool.QueryRow(ctx, query, args...)
		err := row.Scan(
			&t.PartitionKey, &t.TxID, &t.OriginalMessageID, &t.InvoiceHash, &t.Status,
			&t.VendorName, &t.GLCode, &t.SenderDomain, &t.ReceivedAt, &t.ProcessedAt,
			&t.ClaimedAt, &t.EmailsSentCount, &t.ErrorReason, &t.SchemaVersion, &t.ETag,
		)
		if err == pgx.ErrNoRows {
			return fault.New(fault.NotFound, "transaction not found")
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateTransactionIfMatch writes the mutable fields of t, guarded by
// the etag read earlier. On success t carries the new etag. A mismatch
// is a Conflict fault: re-read and retry once, then treat as transient.
func (s *Store) UpdateTransactionIfMatch(ctx context.Context, t *Transaction) error {
	newETag := uuid.New().String()

	return s.do(func() error {
		tag, err := s.pool.Exec(ctx, `
			UPDATE transactions SET
				status            = $1,
				vendor_name       = $2,
				gl_code           = $3,
				invoice_hash      = $4,
				processed_at      = $5,
				claimed_at        = $6,
				emails_sent_count = $7,
				error_reason      = $8,
				etag              = $9
			WHERE partition_key = $10 AND tx_id = $11 AND etag = $12
		`, t.Status, t.VendorName, t.GLCode, t.InvoiceHash, t.ProcessedAt,
			t.ClaimedAt, t.EmailsSentCount, t.ErrorReason, newETag,
			t.PartitionKey, t.TxID, t.ETag)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fault.New(fault.Conflict, "etag mismatch for tx %s", t.TxID)
		}
		t.ETag = newETag
		return nil
	})
}
