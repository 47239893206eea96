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

package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/slack-go/slack"

	"github.com/apflow/invoiceagent/internal/pipeline"
	"github.com/apflow/invoiceagent/internal/queue"
)

func noteMsg(t *testing.T, note pipeline.Notification) *queue.Message {
	t.Helper()
	note.SchemaVersion = pipeline.SchemaVersion
	data, err := pipeline.Encode(note)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return &queue.Message{Body: data}
}

func TestHandlePostsCard(t *testing.T) {
	var posted *slack.WebhookMessage
	n := New("https://hooks.example.com/x", time.Second)
	n.post = func(_ context.Context, url string, msg *slack.WebhookMessage) error {
		posted = msg
		return nil
	}

	err := n.Handle(context.Background(), noteMsg(t, pipeline.Notification{
		Kind:    pipeline.KindSuccess,
		TxID:    "tx1",
		Summary: "Invoice from Acme Corp posted to AP (GL 6100)",
		Details: map[string]string{"vendor": "Acme Corp", "amount": "1100.00 USD"},
	}))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if posted == nil {
		t.Fatal("nothing posted")
	}
	att := posted.Attachments[0]
	if att.Color != colorSuccess {
		t.Errorf("color = %q, want %q", att.Color, colorSuccess)
	}
	if att.Title == "" {
		t.Error("card title empty")
	}
	// details sorted plus the tx field
	if len(att.Fields) != 3 {
		t.Errorf("fields = %d, want 3", len(att.Fields))
	}
}

func TestHandleColorsByKind(t *testing.T) {
	tests := []struct {
		kind  string
		color string
	}{
		{pipeline.KindSuccess, colorSuccess},
		{pipeline.KindUnknown, colorUnknown},
		{pipeline.KindError, colorError},
	}
	for _, tt := range tests {
		var posted *slack.WebhookMessage
		n := New("https://hooks.example.com/x", time.Second)
		n.post = func(_ context.Context, _ string, msg *slack.WebhookMessage) error {
			posted = msg
			return nil
		}
		n.Handle(context.Background(), noteMsg(t, pipeline.Notification{Kind: tt.kind, TxID: "tx1"}))
		if posted.Attachments[0].Color != tt.color {
			t.Errorf("kind %s: color = %q, want %q", tt.kind, posted.Attachments[0].Color, tt.color)
		}
	}
}

func TestHandleNeverFails(t *testing.T) {
	n := New("https://hooks.example.com/x", time.Second)
	n.post = func(_ context.Context, _ string, _ *slack.WebhookMessage) error {
		return errors.New("sink down")
	}

	err := n.Handle(context.Background(), noteMsg(t, pipeline.Notification{Kind: pipeline.KindError, TxID: "tx1"}))
	if err != nil {
		t.Fatalf("sink failure must be swallowed, got %v", err)
	}

	// Garbage payloads are also acked, never poisoned.
	if err := n.Handle(context.Background(), &queue.Message{Body: []byte("junk")}); err != nil {
		t.Fatalf("garbage payload must be swallowed, got %v", err)
	}
}

func TestHandleUnconfiguredSinkAcks(t *testing.T) {
	n := New("", time.Second)
	called := false
	n.post = func(_ context.Context, _ string, _ *slack.WebhookMessage) error {
		called = true
		return nil
	}

	if err := n.Handle(context.Background(), noteMsg(t, pipeline.Notification{Kind: pipeline.KindSuccess, TxID: "tx1"})); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if called {
		t.Error("must not post without a configured sink")
	}
}
