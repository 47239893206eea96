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

// Package post sends the final email: enriched invoices go to AP with
// the PDF attached, unknown vendors get a registration request back to
// the original sender. Send is at-least-once; duplicates across
// redeliveries are counted, not prevented.
package post

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/apflow/invoiceagent/internal/fault"
	"github.com/apflow/invoiceagent/internal/mail"
	"github.com/apflow/invoiceagent/internal/pipeline"
	"github.com/apflow/invoiceagent/internal/queue"
	"github.com/apflow/invoiceagent/internal/store"
	"github.com/apflow/invoiceagent/internal/txid"
)

// signedURLTTL bounds how long a link in an oversized-invoice mail
// stays valid.
const signedURLTTL = 7 * 24 * time.Hour

// BlobFetcher reads the stored PDF and mints download links.
type BlobFetcher interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// MailSender sends from the monitored mailbox.
type MailSender interface {
	SendMail(ctx context.Context, msg mail.OutgoingMail) error
}

// TransactionStore reads and CAS-updates the audit row.
type TransactionStore interface {
	GetTransactionByMessageID(ctx context.Context, messageID string) (*store.Transaction, error)
	UpdateTransactionIfMatch(ctx context.Context, t *store.Transaction) error
}

// Enqueuer appends payloads to a named queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, body []byte) error
}

// Poster is the post-queue consumer.
type Poster struct {
	blobs     BlobFetcher
	mail      MailSender
	txns      TransactionStore
	bus       Enqueuer
	apAddress string
	inlineMax int64
}

// New wires the poster. inlineMax is the largest attachment sent
// inline; bigger invoices travel as a signed link.
func New(blobs BlobFetcher, mailc MailSender, txns TransactionStore, bus Enqueuer, apAddress string, inlineMax int64) *Poster {
	if inlineMax <= 0 {
		inlineMax = 3 << 20
	}
	return &Poster{
		blobs:     blobs,
		mail:      mailc,
		txns:      txns,
		bus:       bus,
		apAddress: apAddress,
		inlineMax: inlineMax,
	}
}

// Handle is the post-queue handler.
func (p *Poster) Handle(ctx context.Context, msg *queue.Message) error {
	var enriched pipeline.Enriched
	if err := pipeline.Decode(msg.Body, &enriched); err != nil {
		return err
	}

	log := slog.With("tx_id", enriched.TxID, "status", enriched.Status)

	out, err := p.compose(ctx, &enriched)
	if err != nil {
		return err
	}

	if err := p.mail.SendMail(ctx, *out); err != nil {
		if fault.Retryable(err) {
			return err
		}
		// Permanent send failure: terminal for this invoice.
		p.recordOutcome(ctx, &enriched, pipeline.StatusFailed, err.Error())
		p.notify(ctx, &enriched, pipeline.KindError, err.Error())
		log.Warn("send failed permanently", "error", err)
		return nil
	}

	p.recordOutcome(ctx, &enriched, pipeline.StatusPosted, "")

	kind := pipeline.KindSuccess
	if enriched.Status == pipeline.StatusUnknown {
		kind = pipeline.KindUnknown
	}
	p.notify(ctx, &enriched, kind, "")

	log.Info("invoice posted", "to", out.To)
	return nil
}

// compose renders the outgoing mail for one enriched invoice.
func (p *Poster) compose(ctx context.Context, enriched *pipeline.Enriched) (*mail.OutgoingMail, error) {
	out := &mail.OutgoingMail{}

	switch enriched.Status {
	case pipeline.StatusEnriched:
		out.To = p.apAddress
		out.Subject = fmt.Sprintf("Invoice: %s — GL %s", enriched.VendorName, enriched.GLCode)
	case pipeline.StatusUnknown:
		out.To = enriched.Sender
		out.Subject = fmt.Sprintf("Unknown Vendor — requires registration (TxID %s)", txid.Short(enriched.TxID))
	default:
		return nil, fault.New(fault.Validation, "unpostable status %q", enriched.Status)
	}

	pdfBytes, err := p.blobs.Get(ctx, enriched.BlobRef)
	if err != nil {
		return nil, err
	}

	var link string
	if int64(len(pdfBytes)) > p.inlineMax {
		link, err = p.blobs.SignedURL(ctx, enriched.BlobRef, signedURLTTL)
		if err != nil {
			return nil, err
		}
	} else {
		out.AttachmentName = "invoice-" + txid.Short(enriched.TxID) + ".pdf"
		out.AttachmentData = pdfBytes
	}

	out.Body = renderBody(enriched, link)
	return out, nil
}

// renderBody produces the plain-text mail body: header with GL/Dept,
// extracted fields, footer with TxID and original sender.
func renderBody(enriched *pipeline.Enriched, link string) string {
	var b strings.Builder

	if enriched.Status == pipeline.StatusEnriched {
		fmt.Fprintf(&b, "Vendor: %s\nGL Code: %s\nExpense Dept: %s\n",
			enriched.VendorName, enriched.GLCode, enriched.ExpenseDept)
		if enriched.AllocationSchedule != "" {
			fmt.Fprintf(&b, "Allocation: %s\n", enriched.AllocationSchedule)
		}
		if enriched.BillingParty != "" {
			fmt.Fprintf(&b, "Billing Party: %s\n", enriched.BillingParty)
		}
	} else {
		b.WriteString("This invoice arrived from an unregistered vendor.\n")
		b.WriteString("Please reply with your company's registration details so future invoices can be routed automatically.\n")
	}

	b.WriteString("\n")
	if enriched.InvoiceAmount != "" {
		amount := enriched.InvoiceAmount
		if enriched.Currency != "" {
			amount += " " + enriched.Currency
		}
		fmt.Fprintf(&b, "Amount: %s\n", amount)
	}
	if enriched.DueDate != "" {
		fmt.Fprintf(&b, "Due: %s\n", enriched.DueDate)
	}
	if enriched.PaymentTerms != "" {
		fmt.Fprintf(&b, "Terms: %s\n", enriched.PaymentTerms)
	}
	if link != "" {
		fmt.Fprintf(&b, "\nInvoice PDF (too large to attach): %s\n", link)
	}

	fmt.Fprintf(&b, "\n--\nTxID: %s\nOriginal sender: %s\nSubject: %s\n",
		enriched.TxID, enriched.Sender, enriched.Subject)
	return b.String()
}

// recordOutcome moves the audit row to posted|failed. One etag-conflict
// retry, then give up quietly: the mail is already out, and losing the
// counter bump is better than double-sending on redelivery.
func (p *Poster) recordOutcome(ctx context.Context, enriched *pipeline.Enriched, status, reason string) {
	for attempt := 0; attempt < 2; attempt++ {
		t, err := p.txns.GetTransactionByMessageID(ctx, enriched.OriginalMessageID)
		if err != nil {
			slog.Error("failed to load audit row after send",
				"tx_id", enriched.TxID, "error", err)
			return
		}

		now := time.Now().UTC()
		t.Status = status
		t.ErrorReason = reason
		t.ProcessedAt = &now
		if status == pipeline.StatusPosted {
			t.EmailsSentCount++
		}

		err = p.txns.UpdateTransactionIfMatch(ctx, t)
		if err == nil {
			return
		}
		if fault.KindOf(err) != fault.Conflict {
			slog.Error("failed to record send outcome", "tx_id", enriched.TxID, "error", err)
			return
		}
	}
	slog.Warn("gave up recording send outcome after etag conflicts", "tx_id", enriched.TxID)
}

// notify enqueues the operator chat notification. Best-effort.
func (p *Poster) notify(ctx context.Context, enriched *pipeline.Enriched, kind, errReason string) {
	summary := ""
	switch kind {
	case pipeline.KindSuccess:
		summary = fmt.Sprintf("Invoice from %s posted to AP (GL %s)", enriched.VendorName, enriched.GLCode)
	case pipeline.KindUnknown:
		summary = fmt.Sprintf("Unknown vendor invoice from %s, registration requested", enriched.Sender)
	case pipeline.KindError:
		summary = fmt.Sprintf("Failed to post invoice from %s", enriched.Sender)
	}

	details := map[string]string{
		"sender":  enriched.Sender,
		"subject": enriched.Subject,
	}
	if enriched.VendorName != "" {
		details["vendor"] = enriched.VendorName
	}
	if enriched.InvoiceAmount != "" {
		details["amount"] = enriched.InvoiceAmount + " " + enriched.Currency
	}
	if errReason != "" {
		details["error"] = errReason
	}

	data, err := pipeline.Encode(pipeline.Notification{
		SchemaVersion: pipeline.SchemaVersion,
		Kind:          kind,
		TxID:          enriched.TxID,
		Summary:       summary,
		Details:       details,
	})
	if err != nil {
		slog.Error("failed to encode notification", "tx_id", enriched.TxID, "error", err)
		return
	}
	if err := p.bus.Enqueue(ctx, pipeline.NotifyQueue, data); err != nil {
		slog.Warn("failed to enqueue notification", "tx_id", enriched.TxID, "error", err)
	}
}
