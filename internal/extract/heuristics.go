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

package extract

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// amountPatterns are tried in priority order; the first hit wins.
// Higher-priority labels are more specific about what is actually owed.
var amountPatterns = []struct {
	re         *regexp.Regexp
	confidence float64
}{
	{regexp.MustCompile(`(?i)total\s+due[:\s]*([$€£]|[A-Z]{3}\s*)?\s*([0-9][0-9.,]*)`), 0.9},
	{regexp.MustCompile(`(?i)amount\s+due[:\s]*([$€£]|[A-Z]{3}\s*)?\s*([0-9][0-9.,]*)`), 0.85},
	{regexp.MustCompile(`(?i)balance(?:\s+due)?[:\s]*([$€£]|[A-Z]{3}\s*)?\s*([0-9][0-9.,]*)`), 0.7},
	{regexp.MustCompile(`(?i)\btotal\b[:\s]*([$€£]|[A-Z]{3}\s*)?\s*([0-9][0-9.,]*)`), 0.5},
}

var (
	dueDateRe = regexp.MustCompile(`(?i)due\s+(?:date|by|on)?[:\s]*([A-Za-z]+\s+\d{1,2},?\s+\d{4}|\d{4}-\d{2}-\d{2}|\d{1,2}[/.-]\d{1,2}[/.-]\d{2,4})`)
	netRe     = regexp.MustCompile(`(?i)\bnet\s*-?\s*(\d{1,3})\b`)
	dueOnRcpt = regexp.MustCompile(`(?i)due\s+(?:up)?on\s+receipt`)
)

// currencySymbols maps print symbols to ISO 4217 codes.
var currencySymbols = map[string]string{
	"$": "USD",
	"€": "EUR",
	"£": "GBP",
}

// dateLayouts are accepted invoice date formats, tried in order.
var dateLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"01/02/06",
	"01-02-2006",
	"01.02.2006",
	"January 2, 2006",
	"January 2 2006",
	"Jan 2, 2006",
	"Jan 2 2006",
	"2 January 2006",
}

// applyHeuristics fills res's amount, currency, due date, and payment
// terms from the text layer.
func applyHeuristics(text string, res *Result) {
	for _, p := range amountPatterns {
		m := p.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		amount := normalizeAmount(m[2])
		if amount == "" {
			continue
		}
		res.InvoiceAmount = amount
		res.Currency = normalizeCurrency(m[1])
		res.Confidence.Amount = p.confidence
		break
	}

	if m := dueDateRe.FindStringSubmatch(text); m != nil {
		if iso := normalizeDate(m[1]); iso != "" {
			res.DueDate = iso
			res.Confidence.Date = 0.8
		}
	}

	switch {
	case dueOnRcpt.MatchString(text):
		res.PaymentTerms = "Due on receipt"
		res.Confidence.Terms = 0.8
	default:
		if m := netRe.FindStringSubmatch(text); m != nil {
			res.PaymentTerms = "Net " + m[1]
			res.Confidence.Terms = 0.8
		}
	}
}

// normalizeAmount strips thousands separators and guarantees two
// decimal places; a value that does not look like money returns "".
func normalizeAmount(raw string) string {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimRight(raw, ".,")

	// European style 1.234,56 vs US style 1,234.56: whichever separator
	// comes last is the decimal point. Commas with no dot anywhere that
	// group digits in threes ("1,234" or "1,234,567") read as US
	// thousands separators, not a decimal comma.
	lastDot := strings.LastIndexByte(raw, '.')
	lastComma := strings.LastIndexByte(raw, ',')
	if lastComma > lastDot && !(lastDot < 0 && commaGroupedThousands(raw)) {
		raw = strings.ReplaceAll(raw, ".", "")
		raw = strings.Replace(raw, ",", ".", 1)
	} else {
		raw = strings.ReplaceAll(raw, ",", "")
	}

	var value float64
	if _, err := fmt.Sscanf(raw, "%f", &value); err != nil || value <= 0 {
		return ""
	}
	return fmt.Sprintf("%.2f", value)
}

// commaGroupedThousands reports whether every comma in raw separates a
// group of exactly three digits, the US grouping shape.
func commaGroupedThousands(raw string) bool {
	parts := strings.Split(raw, ",")
	if len(parts) < 2 || len(parts[0]) == 0 || len(parts[0]) > 3 {
		return false
	}
	for _, p := range parts[1:] {
		if len(p) != 3 {
			return false
		}
	}
	return true
}

// normalizeCurrency maps a symbol or code fragment to ISO 4217; empty
// when unrecognized.
func normalizeCurrency(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if code, ok := currencySymbols[raw]; ok {
		return code
	}
	code := strings.ToUpper(raw)
	if len(code) == 3 && strings.IndexFunc(code, func(r rune) bool { return r < 'A' || r > 'Z' }) < 0 {
		return code
	}
	return ""
}

// normalizeDate converts a matched date fragment to YYYY-MM-DD; empty
// when no layout fits.
func normalizeDate(raw string) string {
	raw = strings.TrimSpace(raw)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return ""
}
