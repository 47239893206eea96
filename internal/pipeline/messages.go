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

// Package pipeline defines the typed payloads that travel between stages.
// One variant per queue; every payload carries a SchemaVersion and is
// decoded at the queue boundary. An unknown SchemaVersion is a validation
// fault, not a crash.
package pipeline

import (
	"encoding/json"
	"time"

	"github.com/apflow/invoiceagent/internal/fault"
)

// SchemaVersion is stamped on every payload this build produces.
const SchemaVersion = "1.0"

// Queue names. Each has a sibling "<name>-poison" queue.
const (
	NotifQueue  = "notif-queue"  // provider change notifications
	RawQueue    = "raw-queue"    // ingested mail awaiting enrichment
	PostQueue   = "post-queue"   // enriched invoices awaiting send
	NotifyQueue = "notify-queue" // operator chat notifications
)

// Status values for a Transaction and for Enriched payloads.
const (
	StatusReceived = "received"
	StatusEnriched = "enriched"
	StatusUnknown  = "unknown"
	StatusPosted   = "posted"
	StatusFailed   = "failed"
)

// WebhookNotice is the provider change-notification envelope, validated
// at the webhook endpoint and forwarded internally.
type WebhookNotice struct {
	SchemaVersion  string `json:"schema_version"`
	SubscriptionID string `json:"subscription_id"`
	ChangeType     string `json:"change_type"`
	Resource       string `json:"resource"`
	ReceivedAt     string `json:"received_at"`
}

// RawMail describes an ingested email whose attachment is already in the
// blob store.
type RawMail struct {
	SchemaVersion     string    `json:"schema_version"`
	TxID              string    `json:"tx_id"`
	Sender            string    `json:"sender"`
	Subject           string    `json:"subject"`
	BlobRef           string    `json:"blob_ref"`
	ReceivedAt        time.Time `json:"received_at"`
	OriginalMessageID string    `json:"original_message_id"`
	VendorHint        string    `json:"vendor_hint,omitempty"`
}

// Enriched is a RawMail plus accounting metadata. Status is either
// "enriched" or "unknown".
type Enriched struct {
	RawMail

	Status             string `json:"status"`
	VendorName         string `json:"vendor_name,omitempty"`
	ExpenseDept        string `json:"expense_dept,omitempty"`
	GLCode             string `json:"gl_code,omitempty"`
	AllocationSchedule string `json:"allocation_schedule,omitempty"`
	BillingParty       string `json:"billing_party,omitempty"`
	InvoiceAmount      string `json:"invoice_amount,omitempty"`
	Currency           string `json:"currency,omitempty"`
	DueDate            string `json:"due_date,omitempty"`
	PaymentTerms       string `json:"payment_terms,omitempty"`
}

// Notification kinds, by card colour at the chat sink.
const (
	KindSuccess = "success"
	KindUnknown = "unknown"
	KindError   = "error"
)

// Notification is an operator-facing chat message.
type Notification struct {
	SchemaVersion string            `json:"schema_version"`
	Kind          string            `json:"kind"`
	TxID          string            `json:"tx_id"`
	Summary       string            `json:"summary"`
	Details       map[string]string `json:"details,omitempty"`
}

// versionProbe peeks at the schema version without binding to a variant.
type versionProbe struct {
	SchemaVersion string `json:"schema_version"`
}

// Decode unmarshals a queue payload into dst after checking its schema
// version. dst must be a pointer to one of the payload types above.
func Decode(data []byte, dst any) error {
	var probe versionProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return fault.Wrap(fault.Validation, err)
	}
	if probe.SchemaVersion != SchemaVersion {
		return fault.New(fault.Validation, "unsupported schema version %q", probe.SchemaVersion)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fault.Wrap(fault.Validation, err)
	}
	return nil
}

// Encode marshals a payload for the queue. The payload's SchemaVersion
// must already be stamped.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fault.Wrap(fault.Fatal, err)
	}
	return data, nil
}
