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

// Package notify posts operator cards to the chat webhook. Delivery is
// strictly best-effort: the handler always acks, because a dropped
// card must never block or redeliver pipeline work.
package notify

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/slack-go/slack"

	"github.com/apflow/invoiceagent/internal/pipeline"
	"github.com/apflow/invoiceagent/internal/queue"
)

// card colors by notification kind.
const (
	colorSuccess = "#2eb67d"
	colorUnknown = "#ecb22e"
	colorError   = "#e01e5a"
)

// WebhookPoster posts one webhook message. Indirection for tests; the
// production value is slack.PostWebhookContext.
type WebhookPoster func(ctx context.Context, url string, msg *slack.WebhookMessage) error

// Notifier is the notify-queue consumer.
type Notifier struct {
	webhookURL string
	post       WebhookPoster
	timeout    time.Duration
}

// New creates a notifier. An empty webhookURL disables posting; the
// handler still acks every message.
func New(webhookURL string, timeout time.Duration) *Notifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{
		webhookURL: webhookURL,
		post:       slack.PostWebhookContext,
		timeout:    timeout,
	}
}

// Handle is the notify-queue handler. It never returns an error.
func (n *Notifier) Handle(ctx context.Context, msg *queue.Message) error {
	var note pipeline.Notification
	if err := pipeline.Decode(msg.Body, &note); err != nil {
		slog.Warn("undecodable notification dropped", "error", err)
		return nil
	}

	if n.webhookURL == "" {
		slog.Debug("chat webhook not configured, dropping notification", "tx_id", note.TxID)
		return nil
	}

	postCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	if err := n.post(postCtx, n.webhookURL, buildCard(&note)); err != nil {
		slog.Warn("chat notification failed, dropping",
			"tx_id", note.TxID, "kind", note.Kind, "error", err)
	}
	return nil
}

// buildCard renders one notification as a colored attachment.
func buildCard(note *pipeline.Notification) *slack.WebhookMessage {
	color := colorError
	switch note.Kind {
	case pipeline.KindSuccess:
		color = colorSuccess
	case pipeline.KindUnknown:
		color = colorUnknown
	}

	// Deterministic field order for readable cards.
	keys := make([]string, 0, len(note.Details))
	for k := range note.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]slack.AttachmentField, 0, len(keys)+1)
	for _, k := range keys {
		fields = append(fields, slack.AttachmentField{
			Title: k,
			Value: note.Details[k],
			Short: true,
		})
	}
	fields = append(fields, slack.AttachmentField{Title: "tx", Value: note.TxID, Short: true})

	return &slack.WebhookMessage{
		Attachments: []slack.Attachment{{
			Color:  color,
			Title:  note.Summary,
			Fields: fields,
		}},
	}
}
