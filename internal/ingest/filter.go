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
	"strings"

	"github.com/apflow/invoiceagent/internal/mail"
)

// LoopFilter discards emails the pipeline itself produced, so a posted
// invoice or an unknown-vendor reply can never be re-ingested.
type LoopFilter struct {
	monitored string
	ap        string
	prefixes  []string
}

// NewLoopFilter builds the filter from the two pipeline mailboxes and
// the configured system subject prefixes.
func NewLoopFilter(monitoredMailbox, apAddress string, systemPrefixes []string) *LoopFilter {
	return &LoopFilter{
		monitored: strings.ToLower(monitoredMailbox),
		ap:        strings.ToLower(apAddress),
		prefixes:  systemPrefixes,
	}
}

// Drop reports whether the email must be discarded, with the reason.
func (f *LoopFilter) Drop(e *mail.Email) (bool, string) {
	sender := strings.ToLower(strings.TrimSpace(e.From))
	if sender == f.monitored || sender == f.ap {
		return true, "sender is a pipeline mailbox"
	}
	for _, p := range f.prefixes {
		if strings.HasPrefix(e.Subject, p) {
			return true, "system-generated subject prefix"
		}
	}
	if !e.HasAttachments {
		return true, "no attachment"
	}
	return false, ""
}
