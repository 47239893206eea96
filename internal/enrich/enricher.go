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

// Package enrich resolves an ingested email to a registered vendor and
// stamps the accounting metadata on its way to the poster. A vendor
// that is missing, inactive, or a reseller produces the unknown path
// with the catch-all GL code.
package enrich

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/apflow/invoiceagent/internal/extract"
	"github.com/apflow/invoiceagent/internal/fault"
	"github.com/apflow/invoiceagent/internal/pipeline"
	"github.com/apflow/invoiceagent/internal/queue"
	"github.com/apflow/invoiceagent/internal/store"
)

const (
	// UnknownGLCode is stamped on invoices with no registered vendor.
	UnknownGLCode = "0000"
	// UnknownDept likewise.
	UnknownDept = "UNKNOWN"
	// resellerCategory forces the unknown path: a reseller's GL is
	// invoice-specific, so a static vendor profile cannot be trusted.
	resellerCategory = "Reseller"
)

// VendorReader looks up vendor profiles.
type VendorReader interface {
	GetVendor(ctx context.Context, normalizedKey string) (*store.Vendor, error)
}

// TransactionStore reads and CAS-updates the audit row.
type TransactionStore interface {
	GetTransactionByMessageID(ctx context.Context, messageID string) (*store.Transaction, error)
	UpdateTransactionIfMatch(ctx context.Context, t *store.Transaction) error
}

// BlobReader fetches the stored PDF for the optional field re-extract.
type BlobReader interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// Enqueuer appends payloads to a named queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, body []byte) error
}

// FieldExtractor re-runs the heuristics for amount, date, and terms.
// May be nil.
type FieldExtractor interface {
	Extract(ctx context.Context, pdfBytes []byte) *extract.Result
}

// Enricher is the raw-queue consumer.
type Enricher struct {
	vendors   VendorReader
	txns      TransactionStore
	blobs     BlobReader
	bus       Enqueuer
	extractor FieldExtractor
	// strategy decides the fallback lookup key when no VendorHint is
	// present: "domain" (sender domain without TLD) or "localpart".
	strategy string
}

// New wires the enricher. extractor may be nil to skip field
// re-extraction.
func New(vendors VendorReader, txns TransactionStore, blobs BlobReader, bus Enqueuer, extractor FieldExtractor, lookupStrategy string) *Enricher {
	if lookupStrategy == "" {
		lookupStrategy = "domain"
	}
	return &Enricher{
		vendors:   vendors,
		txns:      txns,
		blobs:     blobs,
		bus:       bus,
		extractor: extractor,
		strategy:  lookupStrategy,
	}
}

// Handle is the raw-queue handler.
func (e *Enricher) Handle(ctx context.Context, msg *queue.Message) error {
	var raw pipeline.RawMail
	if err := pipeline.Decode(msg.Body, &raw); err != nil {
		return err
	}

	log := slog.With("tx_id", raw.TxID)

	key := e.lookupKey(&raw)
	enriched := pipeline.Enriched{RawMail: raw}

	vendor, err := e.vendors.GetVendor(ctx, key)
	switch {
	case err != nil && fault.KindOf(err) == fault.NotFound:
		vendor = nil
	case err != nil:
		return err
	}

	if vendor != nil && vendor.Active && vendor.ProductCategory != resellerCategory {
		enriched.Status = pipeline.StatusEnriched
		enriched.VendorName = vendor.DisplayName
		enriched.ExpenseDept = vendor.ExpenseDept
		enriched.GLCode = vendor.GLCode
		enriched.AllocationSchedule = vendor.AllocationSchedule
		enriched.BillingParty = vendor.BillingParty
	} else {
		enriched.Status = pipeline.StatusUnknown
		enriched.GLCode = UnknownGLCode
		enriched.ExpenseDept = UnknownDept
		switch {
		case vendor == nil:
			log.Info("vendor not registered", "lookup_key", key)
		case vendor.ProductCategory == resellerCategory:
			log.Info("reseller vendor, forcing unknown", "lookup_key", key)
		default:
			log.Info("vendor inactive", "lookup_key", key)
		}
	}

	e.fillExtractedFields(ctx, &enriched)

	if err := e.updateAudit(ctx, &enriched); err != nil {
		return err
	}

	data, err := pipeline.Encode(enriched)
	if err != nil {
		return err
	}
	if err := e.bus.Enqueue(ctx, pipeline.PostQueue, data); err != nil {
		return err
	}

	log.Info("invoice enriched",
		"status", enriched.Status,
		"vendor", enriched.VendorName,
		"gl_code", enriched.GLCode,
	)
	return nil
}

// lookupKey derives the vendor lookup key: the hint when present, the
// sender address otherwise.
func (e *Enricher) lookupKey(raw *pipeline.RawMail) string {
	if raw.VendorHint != "" {
		return store.NormalizeVendorKey(raw.VendorHint)
	}

	local, domain, ok := strings.Cut(raw.Sender, "@")
	if !ok {
		return store.NormalizeVendorKey(raw.Sender)
	}
	if e.strategy == "localpart" {
		return store.NormalizeVendorKey(local)
	}
	// Default: domain without the TLD. billing@acme.com -> acme.
	domain = strings.ToLower(domain)
	if i := strings.LastIndexByte(domain, '.'); i > 0 {
		domain = domain[:i]
	}
	return store.NormalizeVendorKey(domain)
}

// fillExtractedFields re-runs the field heuristics on the stored PDF.
// Best-effort: any failure leaves the fields empty.
func (e *Enricher) fillExtractedFields(ctx context.Context, enriched *pipeline.Enriched) {
	if e.extractor == nil {
		return
	}
	pdfBytes, err := e.blobs.Get(ctx, enriched.BlobRef)
	if err != nil {
		slog.Warn("could not fetch pdf for field extraction",
			"tx_id", enriched.TxID, "blob_ref", enriched.BlobRef, "error", err)
		return
	}
	res := e.extractor.Extract(ctx, pdfBytes)
	if res == nil {
		return
	}
	enriched.InvoiceAmount = res.InvoiceAmount
	enriched.Currency = res.Currency
	enriched.DueDate = res.DueDate
	enriched.PaymentTerms = res.PaymentTerms
}

// updateAudit moves the Transaction row to enriched|unknown under the
// etag discipline; on a conflicting write it re-reads and retries once.
func (e *Enricher) updateAudit(ctx context.Context, enriched *pipeline.Enriched) error {
	for attempt := 0; ; attempt++ {
		t, err := e.txns.GetTransactionByMessageID(ctx, enriched.OriginalMessageID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		t.Status = enriched.Status
		t.VendorName = enriched.VendorName
		t.GLCode = enriched.GLCode
		t.ProcessedAt = &now

		err = e.txns.UpdateTransactionIfMatch(ctx, t)
		if err == nil {
			return nil
		}
		if fault.KindOf(err) == fault.Conflict && attempt == 0 {
			continue
		}
		return err
	}
}
