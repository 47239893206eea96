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

package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/apflow/invoiceagent/internal/blob"
	"github.com/apflow/invoiceagent/internal/dedup"
	"github.com/apflow/invoiceagent/internal/extract"
	"github.com/apflow/invoiceagent/internal/fault"
	"github.com/apflow/invoiceagent/internal/mail"
	"github.com/apflow/invoiceagent/internal/pipeline"
	"github.com/apflow/invoiceagent/internal/queue"
	"github.com/apflow/invoiceagent/internal/store"
)

// MailReader is the slice of the mail client the processor needs.
type MailReader interface {
	GetEmail(ctx context.Context, messageID string) (*mail.Email, error)
	ListAttachments(ctx context.Context, messageID string) ([]mail.Attachment, error)
	DownloadAttachment(ctx context.Context, messageID, attachmentID string) (*mail.Attachment, error)
	MarkRead(ctx context.Context, messageID string) error
}

// BlobWriter persists the invoice PDF.
type BlobWriter interface {
	Put(ctx context.Context, key string, data []byte) error
}

// Claimer acquires the per-message processing claim.
type Claimer interface {
	ClaimAndStart(ctx context.Context, messageID, senderDomain string, receivedAt time.Time) (*dedup.Claim, error)
}

// TransactionWriter updates the audit row for terminal ingest outcomes.
type TransactionWriter interface {
	UpdateTransactionIfMatch(ctx context.Context, t *store.Transaction) error
	GetTransaction(ctx context.Context, partition, txID string) (*store.Transaction, error)
}

// Hinter produces the optional vendor hint. May be nil.
type Hinter interface {
	Extract(ctx context.Context, pdfBytes []byte) *extract.Result
}

// Processor consumes notif-queue and turns provider notifications into
// RawMail messages: fetch, filter, claim, persist the PDF, enqueue.
type Processor struct {
	mail   MailReader
	blobs  BlobWriter
	claims Claimer
	txns   TransactionWriter
	bus    Enqueuer
	filter *LoopFilter
	hinter Hinter
}

// NewProcessor wires the ingestion stage. hinter may be nil to skip
// vendor hints at ingest time.
func NewProcessor(mailc MailReader, blobs BlobWriter, claims Claimer, txns TransactionWriter, bus Enqueuer, filter *LoopFilter, hinter Hinter) *Processor {
	return &Processor{
		mail:   mailc,
		blobs:  blobs,
		claims: claims,
		txns:   txns,
		bus:    bus,
		filter: filter,
		hinter: hinter,
	}
}

// Handle is the notif-queue handler.
func (p *Processor) Handle(ctx context.Context, msg *queue.Message) error {
	var notice pipeline.WebhookNotice
	if err := pipeline.Decode(msg.Body, &notice); err != nil {
		return err
	}

	_, messageID, err := parseResource(notice.Resource)
	if err != nil {
		return fault.Wrap(fault.Validation, err)
	}

	email, err := p.mail.GetEmail(ctx, messageID)
	if err != nil {
		if fault.KindOf(err) == fault.NotFound {
			// Deleted between notification and fetch; nothing to do.
			slog.Info("message vanished before fetch", "message_id", messageID)
			return nil
		}
		return err
	}

	return p.IngestEmail(ctx, email)
}

// IngestEmail runs the shared ingest sequence for one email, from the
// loop filter onward. The poller calls this directly.
func (p *Processor) IngestEmail(ctx context.Context, email *mail.Email) error {
	if drop, reason := p.filter.Drop(email); drop {
		slog.Info("email dropped by loop filter",
			"message_id", email.ID, "reason", reason)
		return nil
	}

	claim, err := p.claims.ClaimAndStart(ctx, email.ID, senderDomain(email.From), email.ReceivedAt)
	if err != nil {
		return err
	}
	if !claim.IsNew {
		slog.Debug("message already claimed", "message_id", email.ID, "tx_id", claim.TxID)
		return nil
	}

	log := slog.With("tx_id", claim.TxID, "message_id", email.ID)

	pdfBytes, err := p.firstPdf(ctx, email.ID)
	if err != nil {
		if fault.Retryable(err) {
			return err
		}
		// No usable PDF despite hasAttachments: terminal for this message.
		p.markFailed(ctx, claim, err.Error())
		log.Warn("ingest failed, no usable pdf", "error", err)
		return nil
	}

	key := blob.RawKey(claim.TxID)
	if err := p.blobs.Put(ctx, key, pdfBytes); err != nil {
		return err
	}

	hash := sha256.Sum256(pdfBytes)
	p.recordHash(ctx, claim, hex.EncodeToString(hash[:]))

	raw := pipeline.RawMail{
		SchemaVersion:     pipeline.SchemaVersion,
		TxID:              claim.TxID,
		Sender:            email.From,
		Subject:           email.Subject,
		BlobRef:           key,
		ReceivedAt:        email.ReceivedAt,
		OriginalMessageID: email.ID,
	}

	// Best-effort vendor hint; a failure or empty result just means the
	// enricher falls back to the sender address.
	if p.hinter != nil {
		if res := p.hinter.Extract(ctx, pdfBytes); res != nil && res.VendorGuess != "" {
			raw.VendorHint = res.VendorGuess
		}
	}

	data, err := pipeline.Encode(raw)
	if err != nil {
		return err
	}
	if err := p.bus.Enqueue(ctx, pipeline.RawQueue, data); err != nil {
		return err
	}

	if err := p.mail.MarkRead(ctx, email.ID); err != nil {
		// The claim already guards against re-processing; an unread
		// flag only costs the poller a redundant fetch.
		log.Warn("failed to mark message read", "error", err)
	}

	log.Info("email ingested", "blob_ref", key, "vendor_hint", raw.VendorHint)
	return nil
}

// firstPdf downloads the first PDF attachment's bytes.
func (p *Processor) firstPdf(ctx context.Context, messageID string) ([]byte, error) {
	atts, err := p.mail.ListAttachments(ctx, messageID)
	if err != nil {
		return nil, err
	}
	for _, a := range atts {
		if !isPdf(a) {
			continue
		}
		full, err := p.mail.DownloadAttachment(ctx, messageID, a.ID)
		if err != nil {
			return nil, err
		}
		return full.Content, nil
	}
	return nil, fault.New(fault.Validation, "no pdf attachment on message %s", messageID)
}

func isPdf(a mail.Attachment) bool {
	if strings.EqualFold(a.ContentType, "application/pdf") {
		return true
	}
	return strings.HasSuffix(strings.ToLower(a.Name), ".pdf")
}

// markFailed records a terminal ingest failure on the audit row.
func (p *Processor) markFailed(ctx context.Context, claim *dedup.Claim, reason string) {
	t, err := p.txns.GetTransaction(ctx, claim.Partition, claim.TxID)
	if err != nil {
		slog.Error("failed to load transaction for failure record", "tx_id", claim.TxID, "error", err)
		return
	}
	now := time.Now().UTC()
	t.Status = pipeline.StatusFailed
	t.ErrorReason = reason
	t.ProcessedAt = &now
	if err := p.txns.UpdateTransactionIfMatch(ctx, t); err != nil {
		slog.Error("failed to record ingest failure", "tx_id", claim.TxID, "error", err)
	}
}

// recordHash stamps the PDF content hash on the audit row. Best-effort.
func (p *Processor) recordHash(ctx context.Context, claim *dedup.Claim, hash string) {
	t, err := p.txns.GetTransaction(ctx, claim.Partition, claim.TxID)
	if err != nil {
		return
	}
	t.InvoiceHash = hash
	if err := p.txns.UpdateTransactionIfMatch(ctx, t); err != nil {
		slog.Debug("failed to record invoice hash", "tx_id", claim.TxID, "error", err)
	}
}

// parseResource splits a provider resource path into mailbox and
// message id. Accepts "users/{mailbox}/messages/{id}" with or without a
// leading slash and capitalised segment names.
func parseResource(resource string) (mailbox, messageID string, err error) {
	resource = strings.TrimPrefix(resource, "/")
	parts := strings.Split(resource, "/")
	if len(parts) != 4 || !strings.EqualFold(parts[0], "users") || !strings.EqualFold(parts[2], "messages") {
		return "", "", fmt.Errorf("unexpected resource format: %s", resource)
	}
	return parts[1], parts[3], nil
}

// senderDomain extracts the domain from an address for the audit row.
func senderDomain(addr string) string {
	if i := strings.LastIndexByte(addr, '@'); i >= 0 {
		return strings.ToLower(addr[i+1:])
	}
	return ""
}
