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
	"strings"
	"testing"
	"time"

	"github.com/apflow/invoiceagent/internal/dedup"
	"github.com/apflow/invoiceagent/internal/extract"
	"github.com/apflow/invoiceagent/internal/fault"
	"github.com/apflow/invoiceagent/internal/mail"
	"github.com/apflow/invoiceagent/internal/pipeline"
	"github.com/apflow/invoiceagent/internal/queue"
	"github.com/apflow/invoiceagent/internal/store"
)

type fakeMail struct {
	emails      map[string]*mail.Email
	attachments map[string][]mail.Attachment
	markedRead  []string
	getErr      error
}

func (f *fakeMail) GetEmail(_ context.Context, id string) (*mail.Email, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	e, ok := f.emails[id]
	if !ok {
		return nil, fault.New(fault.NotFound, "message %s not found", id)
	}
	return e, nil
}

func (f *fakeMail) ListAttachments(_ context.Context, id string) ([]mail.Attachment, error) {
	return f.attachments[id], nil
}

func (f *fakeMail) DownloadAttachment(_ context.Context, id, attID string) (*mail.Attachment, error) {
	for _, a := range f.attachments[id] {
		if a.ID == attID {
			cp := a
			return &cp, nil
		}
	}
	return nil, fault.New(fault.NotFound, "attachment %s not found", attID)
}

func (f *fakeMail) MarkRead(_ context.Context, id string) error {
	f.markedRead = append(f.markedRead, id)
	return nil
}

func (f *fakeMail) ListUnread(_ context.Context, limit int) ([]mail.Email, error) {
	var out []mail.Email
	for _, e := range f.emails {
		out = append(out, *e)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

type fakeBlob struct {
	objects map[string][]byte
}

func (f *fakeBlob) Put(_ context.Context, key string, data []byte) error {
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	if _, ok := f.objects[key]; ok {
		return nil
	}
	f.objects[key] = append([]byte(nil), data...)
	return nil
}

type fakeClaimer struct {
	claims map[string]*dedup.Claim
	next   int
}

func (f *fakeClaimer) ClaimAndStart(_ context.Context, messageID, _ string, receivedAt time.Time) (*dedup.Claim, error) {
	if c, ok := f.claims[messageID]; ok {
		return &dedup.Claim{TxID: c.TxID, Partition: c.Partition, IsNew: false}, nil
	}
	if f.claims == nil {
		f.claims = make(map[string]*dedup.Claim)
	}
	f.next++
	c := &dedup.Claim{
		TxID:      strings.Repeat("0", 25) + string(rune('A'+f.next)),
		Partition: receivedAt.UTC().Format("200601"),
		ETag:      "etag-1",
		IsNew:     true,
	}
	f.claims[messageID] = c
	return c, nil
}

type fakeTxns struct {
	rows map[string]*store.Transaction
}

func (f *fakeTxns) GetTransaction(_ context.Context, partition, txID string) (*store.Transaction, error) {
	if t, ok := f.rows[partition+"/"+txID]; ok {
		cp := *t
		return &cp, nil
	}
	// Rows are created lazily for the test's purposes.
	return &store.Transaction{PartitionKey: partition, TxID: txID, ETag: "etag-1"}, nil
}

func (f *fakeTxns) UpdateTransactionIfMatch(_ context.Context, t *store.Transaction) error {
	if f.rows == nil {
		f.rows = make(map[string]*store.Transaction)
	}
	cp := *t
	f.rows[t.PartitionKey+"/"+t.TxID] = &cp
	return nil
}

type fakeBus struct {
	enqueued map[string][][]byte
	err      error
}

func (f *fakeBus) Enqueue(_ context.Context, q string, body []byte) error {
	if f.err != nil {
		return f.err
	}
	if f.enqueued == nil {
		f.enqueued = make(map[string][][]byte)
	}
	f.enqueued[q] = append(f.enqueued[q], body)
	return nil
}

type fakeHinter struct {
	result *extract.Result
}

func (f *fakeHinter) Extract(_ context.Context, _ []byte) *extract.Result {
	return f.result
}

func invoiceEmail(id string) *mail.Email {
	return &mail.Email{
		ID:             id,
		Subject:        "March invoice",
		From:           "billing@acme.com",
		ReceivedAt:     time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		HasAttachments: true,
	}
}

func pdfAttachment(id string) mail.Attachment {
	return mail.Attachment{
		ID:          id,
		Name:        "invoice.pdf",
		ContentType: "application/pdf",
		Size:        4,
		Content:     []byte("%PDF"),
	}
}

func testProcessor(m *fakeMail, hinter Hinter) (*Processor, *fakeBlob, *fakeClaimer, *fakeTxns, *fakeBus) {
	blobs := &fakeBlob{}
	claims := &fakeClaimer{}
	txns := &fakeTxns{}
	bus := &fakeBus{}
	filter := NewLoopFilter("invoices@example.com", "ap@example.com", []string{"[Invoice Agent]", "Unknown Vendor —"})
	return NewProcessor(m, blobs, claims, txns, bus, filter, hinter), blobs, claims, txns, bus
}

func notifBody(t *testing.T, resource string) []byte {
	t.Helper()
	data, err := pipeline.Encode(pipeline.WebhookNotice{
		SchemaVersion:  pipeline.SchemaVersion,
		SubscriptionID: "sub-1",
		ChangeType:     "created",
		Resource:       resource,
		ReceivedAt:     time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("encode notice: %v", err)
	}
	return data
}

func TestHandleIngestsInvoice(t *testing.T) {
	m := &fakeMail{
		emails:      map[string]*mail.Email{"m1": invoiceEmail("m1")},
		attachments: map[string][]mail.Attachment{"m1": {pdfAttachment("a1")}},
	}
	p, blobs, claims, txns, bus := testProcessor(m, nil)

	err := p.Handle(context.Background(), &queue.Message{
		Body: notifBody(t, "/users/invoices@example.com/messages/m1"),
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	claim := claims.claims["m1"]
	if claim == nil {
		t.Fatal("no claim created")
	}
	key := "raw/" + claim.TxID + ".pdf"
	if string(blobs.objects[key]) != "%PDF" {
		t.Errorf("blob %s not written", key)
	}

	raws := bus.enqueued[pipeline.RawQueue]
	if len(raws) != 1 {
		t.Fatalf("raw-queue got %d messages, want 1", len(raws))
	}
	var raw pipeline.RawMail
	if err := pipeline.Decode(raws[0], &raw); err != nil {
		t.Fatalf("decode raw: %v", err)
	}
	if raw.TxID != claim.TxID || raw.BlobRef != key || raw.OriginalMessageID != "m1" {
		t.Errorf("unexpected RawMail: %+v", raw)
	}

	if len(m.markedRead) != 1 || m.markedRead[0] != "m1" {
		t.Errorf("markedRead = %v", m.markedRead)
	}

	row := txns.rows[claim.Partition+"/"+claim.TxID]
	if row == nil || row.InvoiceHash == "" {
		t.Error("invoice hash not recorded")
	}
}

func TestHandleSkipsDuplicateClaim(t *testing.T) {
	m := &fakeMail{
		emails:      map[string]*mail.Email{"m1": invoiceEmail("m1")},
		attachments: map[string][]mail.Attachment{"m1": {pdfAttachment("a1")}},
	}
	p, blobs, _, _, bus := testProcessor(m, nil)

	body := notifBody(t, "users/invoices@example.com/messages/m1")
	if err := p.Handle(context.Background(), &queue.Message{Body: body}); err != nil {
		t.Fatalf("first Handle: %v", err)
	}
	if err := p.Handle(context.Background(), &queue.Message{Body: body}); err != nil {
		t.Fatalf("second Handle: %v", err)
	}

	if got := len(bus.enqueued[pipeline.RawQueue]); got != 1 {
		t.Errorf("raw-queue got %d messages, want 1", got)
	}
	if got := len(blobs.objects); got != 1 {
		t.Errorf("blob store has %d objects, want 1", got)
	}
}

func TestHandleDropsLoopedMail(t *testing.T) {
	tests := []struct {
		name  string
		email *mail.Email
	}{
		{"from monitored mailbox", &mail.Email{ID: "m1", From: "invoices@example.com", HasAttachments: true}},
		{"from ap mailbox", &mail.Email{ID: "m1", From: "AP@example.com", HasAttachments: true}},
		{"system subject", &mail.Email{ID: "m1", From: "x@y.com", Subject: "[Invoice Agent] posted", HasAttachments: true}},
		{"unknown-vendor subject", &mail.Email{ID: "m1", From: "x@y.com", Subject: "Unknown Vendor — requires registration", HasAttachments: true}},
		{"no attachment", &mail.Email{ID: "m1", From: "x@y.com", Subject: "hi"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &fakeMail{emails: map[string]*mail.Email{"m1": tt.email}}
			p, _, claims, _, bus := testProcessor(m, nil)

			err := p.Handle(context.Background(), &queue.Message{
				Body: notifBody(t, "users/u/messages/m1"),
			})
			if err != nil {
				t.Fatalf("Handle: %v", err)
			}
			if len(claims.claims) != 0 {
				t.Error("dropped mail must not be claimed")
			}
			if len(bus.enqueued) != 0 {
				t.Error("dropped mail must not be enqueued")
			}
		})
	}
}

func TestHandleNoPdfMarksFailed(t *testing.T) {
	m := &fakeMail{
		emails: map[string]*mail.Email{"m1": invoiceEmail("m1")},
		attachments: map[string][]mail.Attachment{"m1": {
			{ID: "a1", Name: "terms.docx", ContentType: "application/msword"},
		}},
	}
	p, _, claims, txns, bus := testProcessor(m, nil)

	err := p.Handle(context.Background(), &queue.Message{
		Body: notifBody(t, "users/u/messages/m1"),
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	claim := claims.claims["m1"]
	row := txns.rows[claim.Partition+"/"+claim.TxID]
	if row == nil || row.Status != pipeline.StatusFailed {
		t.Fatalf("transaction not marked failed: %+v", row)
	}
	if row.ErrorReason == "" {
		t.Error("failure reason missing")
	}
	if len(bus.enqueued[pipeline.RawQueue]) != 0 {
		t.Error("failed ingest must not enqueue RawMail")
	}
}

func TestHandleVanishedMessageAcks(t *testing.T) {
	m := &fakeMail{emails: map[string]*mail.Email{}}
	p, _, _, _, _ := testProcessor(m, nil)

	err := p.Handle(context.Background(), &queue.Message{
		Body: notifBody(t, "users/u/messages/gone"),
	})
	if err != nil {
		t.Fatalf("vanished message should ack, got %v", err)
	}
}

func TestHandleBadResourceIsValidation(t *testing.T) {
	m := &fakeMail{}
	p, _, _, _, _ := testProcessor(m, nil)

	err := p.Handle(context.Background(), &queue.Message{
		Body: notifBody(t, "folders/x/items/y"),
	})
	if fault.KindOf(err) != fault.Validation {
		t.Fatalf("kind = %v, want Validation", fault.KindOf(err))
	}
}

func TestHandleAddsVendorHint(t *testing.T) {
	m := &fakeMail{
		emails:      map[string]*mail.Email{"m1": invoiceEmail("m1")},
		attachments: map[string][]mail.Attachment{"m1": {pdfAttachment("a1")}},
	}
	p, _, _, _, bus := testProcessor(m, &fakeHinter{result: &extract.Result{VendorGuess: "Acme Corp"}})

	if err := p.Handle(context.Background(), &queue.Message{
		Body: notifBody(t, "users/u/messages/m1"),
	}); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	var raw pipeline.RawMail
	pipeline.Decode(bus.enqueued[pipeline.RawQueue][0], &raw)
	if raw.VendorHint != "Acme Corp" {
		t.Errorf("vendor hint = %q", raw.VendorHint)
	}
}

func TestParseResource(t *testing.T) {
	tests := []struct {
		resource string
		mailbox  string
		message  string
		wantErr  bool
	}{
		{"users/u1/messages/m1", "u1", "m1", false},
		{"/users/u1/messages/m1", "u1", "m1", false},
		{"Users/u1/Messages/m1", "u1", "m1", false},
		{"users/u1/messages", "", "", true},
		{"folders/u1/items/m1", "", "", true},
	}
	for _, tt := range tests {
		mb, msg, err := parseResource(tt.resource)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseResource(%q) err = %v, wantErr %v", tt.resource, err, tt.wantErr)
			continue
		}
		if mb != tt.mailbox || msg != tt.message {
			t.Errorf("parseResource(%q) = (%q, %q)", tt.resource, mb, msg)
		}
	}
}

func TestPollerRunOnce(t *testing.T) {
	m := &fakeMail{
		emails: map[string]*mail.Email{
			"m1": invoiceEmail("m1"),
			"m2": {ID: "m2", From: "invoices@example.com", HasAttachments: true}, // loop
		},
		attachments: map[string][]mail.Attachment{"m1": {pdfAttachment("a1")}},
	}
	p, _, _, _, bus := testProcessor(m, nil)
	poller := NewPoller(m, p, time.Hour)

	sum, err := poller.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if sum.Listed != 2 || sum.Ingested != 1 || sum.Skipped != 1 {
		t.Errorf("summary = %+v", sum)
	}
	if len(bus.enqueued[pipeline.RawQueue]) != 1 {
		t.Errorf("raw-queue got %d messages", len(bus.enqueued[pipeline.RawQueue]))
	}
}
