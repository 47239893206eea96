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

package mail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/apflow/invoiceagent/internal/config"
	"github.com/apflow/invoiceagent/internal/fault"
	"github.com/apflow/invoiceagent/internal/resilience"
)

// testClient points a Client at a local stub provider, bypassing the
// OAuth transport.
func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := &Client{
		httpClient: srv.Client(),
		baseURL:    srv.URL,
		mailbox:    "invoices@example.com",
		breaker:    resilience.NewBreaker("mail", config.BreakerConfig{FailMax: 50, ResetSeconds: 60}),
		retrier:    resilience.NewRetrier(config.RetryConfig{MaxAttempts: 1, BaseDelayMs: 1, MaxDelayMs: 2}),
		timeout:    2 * time.Second,
	}
	return c, srv
}

func TestListUnread(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s, want GET", r.Method)
		}
		if !strings.Contains(r.URL.RawQuery, "isRead+eq+false") && !strings.Contains(r.URL.RawQuery, "isRead eq false") {
			t.Errorf("filter missing from query: %s", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"value": []map[string]any{
				{
					"id":               "m1",
					"subject":          "Invoice 42",
					"from":             map[string]any{"emailAddress": map[string]string{"address": "billing@acme.com"}},
					"receivedDateTime": "2026-03-01T09:00:00Z",
					"hasAttachments":   true,
				},
			},
		})
	}))

	emails, err := c.ListUnread(context.Background(), 50)
	if err != nil {
		t.Fatalf("ListUnread: %v", err)
	}
	if len(emails) != 1 {
		t.Fatalf("got %d emails, want 1", len(emails))
	}
	e := emails[0]
	if e.ID != "m1" || e.From != "billing@acme.com" || !e.HasAttachments {
		t.Errorf("unexpected email: %+v", e)
	}
	if e.ReceivedAt.IsZero() {
		t.Error("receivedDateTime not parsed")
	}
}

func TestDownloadAttachmentDecodesContent(t *testing.T) {
	pdf := []byte("%PDF-1.4 fake")
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id":           "a1",
			"name":         "invoice.pdf",
			"contentType":  "application/pdf",
			"size":         len(pdf),
			"contentBytes": base64.StdEncoding.EncodeToString(pdf),
		})
	}))

	att, err := c.DownloadAttachment(context.Background(), "m1", "a1")
	if err != nil {
		t.Fatalf("DownloadAttachment: %v", err)
	}
	if string(att.Content) != string(pdf) {
		t.Errorf("content = %q, want %q", att.Content, pdf)
	}
	if att.Name != "invoice.pdf" {
		t.Errorf("name = %q", att.Name)
	}
}

func TestSendMailInlinesAttachment(t *testing.T) {
	var got map[string]any
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/sendMail") {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))

	err := c.SendMail(context.Background(), OutgoingMail{
		To:             "ap@example.com",
		Subject:        "Invoice: Acme",
		Body:           "see attached",
		AttachmentName: "invoice.pdf",
		AttachmentData: []byte("%PDF"),
	})
	if err != nil {
		t.Fatalf("SendMail: %v", err)
	}

	msg := got["message"].(map[string]any)
	atts := msg["attachments"].([]any)
	if len(atts) != 1 {
		t.Fatalf("got %d attachments, want 1", len(atts))
	}
	att := atts[0].(map[string]any)
	if att["@odata.type"] != "#microsoft.graph.fileAttachment" {
		t.Errorf("odata type = %v", att["@odata.type"])
	}
}

func TestSendMailOmitsAttachmentsWhenNone(t *testing.T) {
	var got map[string]any
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))

	if err := c.SendMail(context.Background(), OutgoingMail{To: "x@y.z", Subject: "s", Body: "b"}); err != nil {
		t.Fatalf("SendMail: %v", err)
	}
	if _, ok := got["message"].(map[string]any)["attachments"]; ok {
		t.Error("attachments present on a plain message")
	}
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		status  int
		headers map[string]string
		want    fault.Kind
	}{
		{http.StatusTooManyRequests, map[string]string{"Retry-After": "30"}, fault.RateLimited},
		{http.StatusNotFound, nil, fault.NotFound},
		{http.StatusBadGateway, nil, fault.Transient},
		{http.StatusServiceUnavailable, nil, fault.Transient},
		{http.StatusBadRequest, nil, fault.Permanent},
		{http.StatusForbidden, nil, fault.Permanent},
	}

	for _, tt := range tests {
		c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for k, v := range tt.headers {
				w.Header().Set(k, v)
			}
			w.WriteHeader(tt.status)
		}))

		_, err := c.GetEmail(context.Background(), "m1")
		if err == nil {
			t.Fatalf("HTTP %d: expected error", tt.status)
		}
		if got := fault.KindOf(err); got != tt.want {
			t.Errorf("HTTP %d: kind = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestRateLimitCarriesRetryAfter(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	_, err := c.GetEmail(context.Background(), "m1")
	after := fault.RetryAfterHint(err)
	if after == 0 {
		t.Fatal("429 should carry a retry-after hint")
	}
	if after != 30*time.Second {
		t.Errorf("retry-after = %v, want 30s", after)
	}
}

func TestDeleteSubscriptionSwallowsNotFound(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	if err := c.DeleteSubscription(context.Background(), "sub-1"); err != nil {
		t.Fatalf("DeleteSubscription on missing sub: %v", err)
	}
}

func TestSubscribeParsesExpiry(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["changeType"] != "created" {
			t.Errorf("changeType = %q", body["changeType"])
		}
		if body["clientState"] == "" {
			t.Error("clientState missing")
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{
			"id":                 "sub-9",
			"resource":           body["resource"],
			"expirationDateTime": "2026-03-07T00:00:00Z",
		})
	}))

	res, err := c.Subscribe(context.Background(), "https://agent.example.com/hooks/mail", "secret", 5*24*time.Hour)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if res.ID != "sub-9" {
		t.Errorf("id = %q", res.ID)
	}
	want := time.Date(2026, 3, 7, 0, 0, 0, 0, time.UTC)
	if !res.ExpirationAt.Equal(want) {
		t.Errorf("expiry = %v, want %v", res.ExpirationAt, want)
	}
}
