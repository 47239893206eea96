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

// Package extract pulls vendor and accounting fields out of invoice
// PDFs. Deterministic regex heuristics cover amount, due date, and
// payment terms; a Bedrock Claude call (behind its own breaker) guesses
// the vendor name. Every field is individually optional: an unreadable
// PDF yields an empty result, never an error that blocks the pipeline.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/ledongthuc/pdf"

	"github.com/apflow/invoiceagent/internal/resilience"
)

const (
	// DefaultModelID is the Bedrock model used for vendor guessing.
	DefaultModelID = "anthropic.claude-haiku-4-5-20251001-v1:0"
	// anthropicVersion is the required API version for Claude on Bedrock.
	anthropicVersion = "bedrock-2023-05-31"
	// maxPromptChars bounds the text sent to the model, roughly the
	// first two pages of a dense invoice.
	maxPromptChars = 6000
	// maxVendorTokens caps the model response; vendor names are short.
	maxVendorTokens = 64
)

// Confidence grades each extracted field. Zero means absent or untrusted.
type Confidence struct {
	Vendor float64 `json:"vendor"`
	Amount float64 `json:"amount"`
	Date   float64 `json:"date"`
	Terms  float64 `json:"terms"`
}

// Result holds whatever could be extracted. Empty strings mean the
// field was not found.
type Result struct {
	VendorGuess   string     `json:"vendor_guess,omitempty"`
	InvoiceAmount string     `json:"invoice_amount,omitempty"`
	Currency      string     `json:"currency,omitempty"`
	DueDate       string     `json:"due_date,omitempty"`
	PaymentTerms  string     `json:"payment_terms,omitempty"`
	Confidence    Confidence `json:"confidence"`
}

// Empty reports whether nothing at all was extracted.
func (r *Result) Empty() bool {
	return r.VendorGuess == "" && r.InvoiceAmount == "" && r.DueDate == "" && r.PaymentTerms == ""
}

// BedrockInvoker abstracts Bedrock model invocation for dependency inversion.
type BedrockInvoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Options tunes the extractor.
type Options struct {
	ModelID     string
	MaxPdfBytes int64
	// ForceEmptyText calls the model even when the PDF has no text
	// layer, letting it see the (empty) prompt. Off by default.
	ForceEmptyText bool
	Timeout        time.Duration
}

// VendorExtractor extracts invoice fields from PDF bytes.
type VendorExtractor struct {
	invoker        BedrockInvoker
	breaker        *resilience.Breaker
	retrier        *resilience.Retrier
	modelID        string
	maxPdfBytes    int64
	forceEmptyText bool
	timeout        time.Duration
}

// New creates an extractor. invoker may be nil, in which case the
// vendor guess is skipped and only heuristics run.
func New(invoker BedrockInvoker, breaker *resilience.Breaker, retrier *resilience.Retrier, opts Options) *VendorExtractor {
	modelID := opts.ModelID
	if modelID == "" {
		modelID = DefaultModelID
	}
	maxBytes := opts.MaxPdfBytes
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &VendorExtractor{
		invoker:        invoker,
		breaker:        breaker,
		retrier:        retrier,
		modelID:        modelID,
		maxPdfBytes:    maxBytes,
		forceEmptyText: opts.ForceEmptyText,
		timeout:        timeout,
	}
}

// Extract runs the full pipeline on one PDF. Oversized, encrypted, or
// image-only PDFs produce an empty result with all-low confidence.
func (e *VendorExtractor) Extract(ctx context.Context, pdfBytes []byte) *Result {
	res := &Result{}

	if int64(len(pdfBytes)) > e.maxPdfBytes {
		slog.Warn("pdf exceeds size limit, skipping extraction",
			"size", len(pdfBytes), "limit", e.maxPdfBytes)
		return res
	}

	text := textLayer(pdfBytes)
	if text != "" {
		applyHeuristics(text, res)
	}

	if e.invoker == nil {
		return res
	}
	if text == "" && !e.forceEmptyText {
		return res
	}

	guess, err := e.vendorGuess(ctx, text)
	if err != nil {
		// Best-effort: the heuristic fields still stand.
		slog.Warn("vendor guess failed", "error", err)
		return res
	}
	if guess != "" {
		res.VendorGuess = guess
		res.Confidence.Vendor = 0.7
	}
	return res
}

// textLayer extracts the PDF's text layer. Any parse failure, including
// encryption, yields an empty string.
func textLayer(data []byte) (text string) {
	// The pdf library panics on some malformed files.
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("pdf parse panicked", "panic", r)
			text = ""
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		slog.Debug("pdf unreadable", "error", err)
		return ""
	}

	plain, err := reader.GetPlainText()
	if err != nil {
		slog.Debug("pdf has no text layer", "error", err)
		return ""
	}

	var sb strings.Builder
	if _, err := io.Copy(&sb, plain); err != nil {
		return ""
	}
	return sb.String()
}

// claudeRequest is the Claude Messages API request format for Bedrock.
type claudeRequest struct {
	AnthropicVersion string    `json:"anthropic_version"`
	MaxTokens        int       `json:"max_tokens"`
	Messages         []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// claudeResponse is the Claude Messages API response format.
type claudeResponse struct {
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

const vendorPrompt = `Identify the company that ISSUED this invoice (the vendor billing the recipient, not the recipient).

- Output ONLY the company name as printed on the invoice.
- No quotes, no preamble, no explanation.
- If you cannot tell, output exactly: UNKNOWN

Invoice text:
---
%s`

// vendorGuess asks the model for the issuing vendor's name. Called at
// most once per extraction; the retry policy belongs to the caller's
// generic wrapper, not to this method.
func (e *VendorExtractor) vendorGuess(ctx context.Context, text string) (string, error) {
	if len(text) > maxPromptChars {
		text = text[:maxPromptChars]
	}

	reqBody, err := json.Marshal(claudeRequest{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        maxVendorTokens,
		Messages: []message{
			{Role: "user", Content: fmt.Sprintf(vendorPrompt, text)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	var guess string
	err = e.retrier.Do(ctx, func() error {
		return e.breaker.Execute(func() error {
			callCtx, cancel := context.WithTimeout(ctx, e.timeout)
			defer cancel()

			modelID := e.modelID
			output, err := e.invoker.InvokeModel(callCtx, &bedrockruntime.InvokeModelInput{
				ModelId: &modelID,
				Body:    reqBody,
			})
			if err != nil {
				return fmt.Errorf("invoke model: %w", err)
			}

			var resp claudeResponse
			if err := json.Unmarshal(output.Body, &resp); err != nil {
				return fmt.Errorf("unmarshal response: %w", err)
			}
			if len(resp.Content) == 0 {
				guess = ""
				return nil
			}
			guess = strings.TrimSpace(resp.Content[0].Text)
			return nil
		})
	})
	if err != nil {
		return "", err
	}
	if strings.EqualFold(guess, "UNKNOWN") {
		return "", nil
	}
	return guess, nil
}
