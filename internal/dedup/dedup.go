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

// Package dedup guarantees at-most-one concurrent processor per inbound
// email despite at-least-once queue delivery, webhook/poller double
// ingestion, and provider replays. The claim is the Transaction row
// itself: it is keyed on the provider message id, so a second ingestion
// collides on insert.
package dedup

import (
	"context"
	"log/slog"
	"time"

	"github.com/apflow/invoiceagent/internal/fault"
	"github.com/apflow/invoiceagent/internal/pipeline"
	"github.com/apflow/invoiceagent/internal/store"
	"github.com/apflow/invoiceagent/internal/txid"
)

// TransactionClaims is the slice of the row store the claimer needs.
type TransactionClaims interface {
	InsertTransactionIfAbsent(ctx context.Context, t *store.Transaction) error
	GetTransactionByMessageID(ctx context.Context, messageID string) (*store.Transaction, error)
	UpdateTransactionIfMatch(ctx context.Context, t *store.Transaction) error
}

// Claim is the outcome of ClaimAndStart. IsNew false means another
// processor owns (or already finished) this message; skip it.
type Claim struct {
	TxID      string
	Partition string
	ETag      string
	IsNew     bool
}

// Claimer acquires exclusive processing claims.
type Claimer struct {
	txns        TransactionClaims
	staleWindow time.Duration
	now         func() time.Time
}

// NewClaimer creates a claimer. staleWindow bounds how long a crashed
// worker can hold a claim before another steals it.
func NewClaimer(txns TransactionClaims, staleWindow time.Duration) *Claimer {
	if staleWindow <= 0 {
		staleWindow = 30 * time.Minute
	}
	return &Claimer{
		txns:        txns,
		staleWindow: staleWindow,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// ClaimAndStart attempts to claim messageID for processing. The first
// caller inserts the Transaction row and wins; later callers either
// skip (work done or in flight) or steal a claim older than the stale
// window.
func (c *Claimer) ClaimAndStart(ctx context.Context, messageID, senderDomain string, receivedAt time.Time) (*Claim, error) {
	id := txid.New()
	now := c.now()

	t := &store.Transaction{
		PartitionKey:      txid.Partition(receivedAt),
		TxID:              id,
		OriginalMessageID: messageID,
		Status:            pipeline.StatusReceived,
		SenderDomain:      senderDomain,
		ReceivedAt:        receivedAt,
		ClaimedAt:         now,
	}

	err := c.txns.InsertTransactionIfAbsent(ctx, t)
	if err == nil {
		return &Claim{TxID: id, Partition: t.PartitionKey, ETag: t.ETag, IsNew: true}, nil
	}
	if fault.KindOf(err) != fault.Conflict {
		return nil, err
	}

	// Someone claimed this message before us.
	existing, err := c.txns.GetTransactionByMessageID(ctx, messageID)
	if err != nil {
		return nil, err
	}

	switch existing.Status {
	case pipeline.StatusPosted, pipeline.StatusFailed:
		// Terminal: nothing to do.
		return &Claim{TxID: existing.TxID, Partition: existing.PartitionKey, IsNew: false}, nil
	}

	if now.Sub(existing.ClaimedAt) < c.staleWindow {
		// Mid-flight and fresh: the owner is presumed alive.
		return &Claim{TxID: existing.TxID, Partition: existing.PartitionKey, IsNew: false}, nil
	}

	// Stale claim: the owner died mid-pass. Steal via etag CAS.
	claimAge := now.Sub(existing.ClaimedAt)
	existing.Status = pipeline.StatusReceived
	existing.ClaimedAt = now
	if err := c.txns.UpdateTransactionIfMatch(ctx, existing); err != nil {
		if fault.KindOf(err) == fault.Conflict {
			// Lost the steal race; treat as skip.
			return &Claim{TxID: existing.TxID, Partition: existing.PartitionKey, IsNew: false}, nil
		}
		return nil, err
	}

	slog.Warn("stole stale processing claim",
		"message_id", messageID,
		"tx_id", existing.TxID,
		"claim_age", claimAge.Round(time.Second),
	)
	return &Claim{TxID: existing.TxID, Partition: existing.PartitionKey, ETag: existing.ETag, IsNew: true}, nil
}
