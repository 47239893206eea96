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

// Package mail is the Graph-style mail provider client: read and send
// mail on the monitored mailbox plus the webhook subscription calls.
// Every provider call runs inside the shared mail circuit breaker and
// retry wrapper; HTTP status codes are mapped to fault kinds at this
// boundary so the stages above never see raw status codes.
package mail

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/apflow/invoiceagent/internal/config"
	"github.com/apflow/invoiceagent/internal/fault"
	"github.com/apflow/invoiceagent/internal/resilience"
)

// Email is the provider message shape the pipeline consumes.
type Email struct {
	ID             string
	Subject        string
	From           string
	ReceivedAt     time.Time
	HasAttachments bool
	BodyPreview    string
}

// Attachment is one file attachment's metadata plus content.
type Attachment struct {
	ID          string
	Name        string
	ContentType string
	Size        int64
	Content     []byte
}

// OutgoingMail is a message to send from the monitored mailbox. Exactly
// one of AttachmentContent or nothing is set; large files travel as a
// link inside Body instead.
type OutgoingMail struct {
	To             string
	Subject        string
	Body           string
	AttachmentName string
	AttachmentData []byte
}

// SubscriptionResult is the provider's view of a webhook subscription.
type SubscriptionResult struct {
	ID           string
	Resource     string
	ExpirationAt time.Time
}

// Client calls the mail provider REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	mailbox    string
	breaker    *resilience.Breaker
	retrier    *resilience.Retrier
	timeout    time.Duration
}

// NewClient builds a provider client whose transport injects OAuth2
// client-credentials tokens.
func NewClient(cfg config.ProviderConfig, mailbox string, breaker *resilience.Breaker, retrier *resilience.Retrier, timeout time.Duration) *Client {
	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", cfg.TenantID),
		Scopes:       []string{"https://graph.microsoft.com/.default"},
	}
	return &Client{
		httpClient: cc.Client(context.Background()),
		baseURL:    cfg.BaseURL,
		mailbox:    mailbox,
		breaker:    breaker,
		retrier:    retrier,
		timeout:    timeout,
	}
}

// ListUnread returns up to limit unread messages in the inbox, oldest
// first, so the poller drains a backlog in arrival order.
func (c *Client) ListUnread(ctx context.Context, limit int) ([]Email, error) {
	path := fmt.Sprintf("/users/%s/mailFolders/inbox/messages?$filter=isRead+eq+false&$orderby=receivedDateTime+asc&$top=%d&$select=id,subject,from,receivedDateTime,hasAttachments,bodyPreview",
		url.PathEscape(c.mailbox), limit)

	var out struct {
		Value []graphMessage `json:"value"`
	}
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}

	emails := make([]Email, 0, len(out.Value))
	for _, m := range out.Value {
		emails = append(emails, m.toEmail())
	}
	return emails, nil
}

// GetEmail fetches one message by provider id.
func (c *Client) GetEmail(ctx context.Context, messageID string) (*Email, error) {
	path := fmt.Sprintf("/users/%s/messages/%s?$select=id,subject,from,receivedDateTime,hasAttachments,bodyPreview",
		url.PathEscape(c.mailbox), url.PathEscape(messageID))

	var m graphMessage
	if err := c.call(ctx, http.MethodGet, path, nil, &m); err != nil {
		return nil, err
	}
	email := m.toEmail()
	return &email, nil
}

// ListAttachments returns attachment metadata without content bytes.
func (c *Client) ListAttachments(ctx context.Context, messageID string) ([]Attachment, error) {
	path := fmt.Sprintf("/users/%s/messages/%s/attachments?$select=id,name,contentType,size",
		url.PathEscape(c.mailbox), url.PathEscape(messageID))

	var out struct {
		Value []graphAttachment `json:"value"`
	}
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}

	atts := make([]Attachment, 0, len(out.Value))
	for _, a := range out.Value {
		atts = append(atts, Attachment{ID: a.ID, Name: a.Name, ContentType: a.ContentType, Size: a.Size})
	}
	return atts, nil
}

// DownloadAttachment fetches one attachment including its content.
func (c *Client) DownloadAttachment(ctx context.Context, messageID, attachmentID string) (*Attachment, error) {
	path := fmt.Sprintf("/users/%s/messages/%s/attachments/%s",
		url.PathEscape(c.mailbox), url.PathEscape(messageID), url.PathEscape(attachmentID))

	var a graphAttachment
	if err := c.call(ctx, http.MethodGet, path, nil, &a); err != nil {
		return nil, err
	}

	content, err := base64.StdEncoding.DecodeString(a.ContentBytes)
	if err != nil {
		return nil, fault.Wrap(fault.Permanent, fmt.Errorf("decode attachment %s: %w", attachmentID, err))
	}
	return &Attachment{
		ID:          a.ID,
		Name:        a.Name,
		ContentType: a.ContentType,
		Size:        a.Size,
		Content:     content,
	}, nil
}

// SendMail sends a message from the monitored mailbox. Attachment data,
// when present, is inlined as a fileAttachment.
func (c *Client) SendMail(ctx context.Context, msg OutgoingMail) error {
	body := map[string]any{
		"message": map[string]any{
			"subject": msg.Subject,
			"body": map[string]string{
				"contentType": "Text",
				"content":     msg.Body,
			},
			"toRecipients": []map[string]any{
				{"emailAddress": map[string]string{"address": msg.To}},
			},
		},
		"saveToSentItems": true,
	}
	if len(msg.AttachmentData) > 0 {
		body["message"].(map[string]any)["attachments"] = []map[string]any{{
			"@odata.type":  "#microsoft.graph.fileAttachment",
			"name":         msg.AttachmentName,
			"contentType":  "application/pdf",
			"contentBytes": base64.StdEncoding.EncodeToString(msg.AttachmentData),
		}}
	}

	path := fmt.Sprintf("/users/%s/sendMail", url.PathEscape(c.mailbox))
	return c.call(ctx, http.MethodPost, path, body, nil)
}

// MarkRead flips the isRead flag so the poller never re-ingests.
func (c *Client) MarkRead(ctx context.Context, messageID string) error {
	path := fmt.Sprintf("/users/%s/messages/%s",
		url.PathEscape(c.mailbox), url.PathEscape(messageID))
	return c.call(ctx, http.MethodPatch, path, map[string]bool{"isRead": true}, nil)
}

// Subscribe creates a webhook subscription for new inbox messages.
func (c *Client) Subscribe(ctx context.Context, notificationURL, clientState string, ttl time.Duration) (*SubscriptionResult, error) {
	expiry := time.Now().UTC().Add(ttl)
	resource := fmt.Sprintf("/users/%s/mailFolders('inbox')/messages", c.mailbox)

	body := map[string]string{
		"changeType":         "created",
		"notificationUrl":    notificationURL,
		"resource":           resource,
		"expirationDateTime": expiry.Format(time.RFC3339),
		"clientState":        clientState,
	}

	var out graphSubscription
	if err := c.call(ctx, http.MethodPost, "/subscriptions", body, &out); err != nil {
		return nil, err
	}
	return out.toResult(expiry), nil
}

// RenewSubscription pushes the provider-side expiry forward.
func (c *Client) RenewSubscription(ctx context.Context, subscriptionID string, ttl time.Duration) (*SubscriptionResult, error) {
	expiry := time.Now().UTC().Add(ttl)
	body := map[string]string{
		"expirationDateTime": expiry.Format(time.RFC3339),
	}

	var out graphSubscription
	path := "/subscriptions/" + url.PathEscape(subscriptionID)
	if err := c.call(ctx, http.MethodPatch, path, body, &out); err != nil {
		return nil, err
	}
	return out.toResult(expiry), nil
}

// DeleteSubscription removes a provider subscription. NotFound is
// swallowed: the desired state is already true.
func (c *Client) DeleteSubscription(ctx context.Context, subscriptionID string) error {
	path := "/subscriptions/" + url.PathEscape(subscriptionID)
	err := c.call(ctx, http.MethodDelete, path, nil, nil)
	if fault.KindOf(err) == fault.NotFound {
		return nil
	}
	return err
}

// call runs one provider request through retrier and breaker, decoding
// a JSON response into out when out is non-nil.
func (c *Client) call(ctx context.Context, method, path string, body any, out any) error {
	return c.retrier.Do(ctx, func() error {
		return c.breaker.Execute(func() error {
			return c.doOnce(ctx, method, path, body, out)
		})
	})
}

func (c *Client) doOnce(ctx context.Context, method, path string, body any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fault.Wrap(fault.Fatal, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fault.Wrap(fault.Fatal, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fault.Wrap(fault.Transient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return statusToFault(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fault.Wrap(fault.Permanent, fmt.Errorf("decode %s %s: %w", method, path, err))
		}
	} else {
		io.Copy(io.Discard, resp.Body)
	}
	return nil
}

// statusToFault maps a provider error response to the fault taxonomy.
func statusToFault(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	base := fmt.Errorf("provider returned HTTP %d: %s", resp.StatusCode, snippet)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		after := 60 * time.Second
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
				after = time.Duration(secs) * time.Second
			}
		}
		return fault.RateLimitedAfter(after, base)
	case resp.StatusCode == http.StatusNotFound:
		return fault.Wrap(fault.NotFound, base)
	case resp.StatusCode == http.StatusRequestTimeout:
		return fault.Wrap(fault.Transient, base)
	case resp.StatusCode >= 500:
		return fault.Wrap(fault.Transient, base)
	default:
		return fault.Wrap(fault.Permanent, base)
	}
}

// graphMessage is the provider wire shape for a message.
type graphMessage struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	From    struct {
		EmailAddress struct {
			Address string `json:"address"`
		} `json:"emailAddress"`
	} `json:"from"`
	ReceivedDateTime string `json:"receivedDateTime"`
	HasAttachments   bool   `json:"hasAttachments"`
	BodyPreview      string `json:"bodyPreview"`
}

func (m graphMessage) toEmail() Email {
	received, _ := time.Parse(time.RFC3339, m.ReceivedDateTime)
	return Email{
		ID:             m.ID,
		Subject:        m.Subject,
		From:           m.From.EmailAddress.Address,
		ReceivedAt:     received,
		HasAttachments: m.HasAttachments,
		BodyPreview:    m.BodyPreview,
	}
}

// graphAttachment is the provider wire shape for an attachment.
type graphAttachment struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	Size         int64  `json:"size"`
	ContentBytes string `json:"contentBytes"`
}

// graphSubscription is the provider wire shape for a subscription.
type graphSubscription struct {
	ID                 string `json:"id"`
	Resource           string `json:"resource"`
	ExpirationDateTime string `json:"expirationDateTime"`
}

func (s graphSubscription) toResult(fallbackExpiry time.Time) *SubscriptionResult {
	expiry, err := time.Parse(time.RFC3339, s.ExpirationDateTime)
	if err != nil || expiry.IsZero() {
		expiry = fallbackExpiry
	}
	return &SubscriptionResult{ID: s.ID, Resource: s.Resource, ExpirationAt: expiry}
}
