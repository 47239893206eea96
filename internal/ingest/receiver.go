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

// Package ingest brings provider emails into the pipeline: the webhook
// receiver accepts change notifications, the processor turns them into
// RawMail queue messages, and the poller sweeps unread mail the
// webhook missed. All three converge on the same per-message claim, so
// racing paths never double-process.
package ingest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/apflow/invoiceagent/internal/pipeline"
	"github.com/apflow/invoiceagent/internal/store"
)

// changeNotification is one provider change notification.
type changeNotification struct {
	SubscriptionID string `json:"subscriptionId"`
	ChangeType     string `json:"changeType"`
	Resource       string `json:"resource"`
	ClientState    string `json:"clientState"`
}

// notificationPayload is the wrapper the provider POSTs.
type notificationPayload struct {
	Value []changeNotification `json:"value"`
}

// SubscriptionReader reads the active webhook subscription.
type SubscriptionReader interface {
	GetActiveSubscription(ctx context.Context) (*store.Subscription, error)
	TouchNotification(ctx context.Context, providerSubID string) error
}

// Enqueuer appends payloads to a named queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, body []byte) error
}

// Receiver is the webhook HTTP endpoint. Transport-level auth is
// deliberately absent; clientState equality against the active
// subscription is the authenticity check.
type Receiver struct {
	subs    SubscriptionReader
	bus     Enqueuer
	limiter func(http.Handler) http.Handler
	path    string
}

// NewReceiver creates the receiver. limiter is the rate-limit
// middleware applied to the webhook route; nil disables limiting.
func NewReceiver(subs SubscriptionReader, bus Enqueuer, limiter func(http.Handler) http.Handler, webhookPath string) *Receiver {
	if webhookPath == "" {
		webhookPath = "hooks/mail"
	}
	return &Receiver{subs: subs, bus: bus, limiter: limiter, path: webhookPath}
}

// Routes mounts the webhook endpoint on a fresh router.
func (rc *Receiver) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Group(func(r chi.Router) {
		if rc.limiter != nil {
			r.Use(rc.limiter)
		}
		r.Post("/"+rc.path, rc.handle)
	})
	return r
}

// handle serves both webhook modes: the validation handshake and
// notification delivery.
func (rc *Receiver) handle(w http.ResponseWriter, r *http.Request) {
	// Handshake: echo the token as plain text.
	if token := r.URL.Query().Get("validationToken"); token != "" {
		slog.Info("subscription validation probe received")
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, token)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		slog.Error("failed to read notification body", "error", err)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	var payload notificationPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		slog.Info("notification body not valid JSON, ignoring", "body_len", len(body))
		w.WriteHeader(http.StatusAccepted)
		return
	}

	rc.acceptNotifications(r.Context(), payload.Value)

	// The provider expects a fast 202 regardless of downstream state.
	w.WriteHeader(http.StatusAccepted)
}

// acceptNotifications verifies each notice and enqueues it. A bad entry
// is logged and dropped without failing the batch.
func (rc *Receiver) acceptNotifications(ctx context.Context, notices []changeNotification) {
	active, err := rc.subs.GetActiveSubscription(ctx)
	if err != nil {
		slog.Error("failed to load active subscription", "error", err)
	}

	for _, n := range notices {
		if n.ChangeType != "created" {
			slog.Debug("skipping non-created notification", "change_type", n.ChangeType)
			continue
		}
		if active == nil {
			slog.Warn("notification received with no active subscription, dropping",
				"subscription_id", n.SubscriptionID)
			continue
		}
		if n.ClientState != active.ClientState {
			slog.Warn("clientState mismatch, dropping notification",
				"subscription_id", n.SubscriptionID)
			continue
		}

		if err := rc.subs.TouchNotification(ctx, active.ProviderSubID); err != nil {
			slog.Debug("failed to touch subscription", "error", err)
		}

		notice := pipeline.WebhookNotice{
			SchemaVersion:  pipeline.SchemaVersion,
			SubscriptionID: n.SubscriptionID,
			ChangeType:     n.ChangeType,
			Resource:       n.Resource,
			ReceivedAt:     time.Now().UTC().Format(time.RFC3339),
		}
		data, err := pipeline.Encode(notice)
		if err != nil {
			slog.Error("failed to encode webhook notice", "error", err)
			continue
		}
		if err := rc.bus.Enqueue(ctx, pipeline.NotifQueue, data); err != nil {
			slog.Error("failed to enqueue webhook notice",
				"resource", n.Resource, "error", err)
		}
	}
}
