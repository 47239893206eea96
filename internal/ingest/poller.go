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
	"log/slog"
	"time"

	"github.com/apflow/invoiceagent/internal/mail"
)

// pollBatchSize caps one sweep; a deeper backlog drains across runs.
const pollBatchSize = 50

// UnreadLister lists unread inbox messages.
type UnreadLister interface {
	ListUnread(ctx context.Context, limit int) ([]mail.Email, error)
}

// Poller is the safety net for missed webhooks: it sweeps unread mail
// on a schedule and pushes each message through the same ingest
// sequence the webhook path uses. The claim layer makes the race
// between the two paths harmless.
type Poller struct {
	mail     UnreadLister
	proc     *Processor
	interval time.Duration
}

// Summary reports one sweep's outcome.
type Summary struct {
	Listed   int
	Ingested int
	Skipped  int
	Failed   int
	Took     time.Duration
}

// NewPoller creates a poller sweeping every interval.
func NewPoller(mailc UnreadLister, proc *Processor, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Poller{mail: mailc, proc: proc, interval: interval}
}

// Run sweeps immediately, then on every tick until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("poller stopped")
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Poller) sweep(ctx context.Context) {
	sum, err := p.RunOnce(ctx)
	if err != nil {
		slog.Error("poll sweep failed", "error", err)
		return
	}
	if sum.Listed > 0 {
		slog.Info("poll sweep finished",
			"listed", sum.Listed,
			"ingested", sum.Ingested,
			"skipped", sum.Skipped,
			"failed", sum.Failed,
			"took", sum.Took.Round(time.Millisecond),
		)
	}
}

// RunOnce performs a single sweep. Per-message failures are counted,
// not propagated: the next sweep retries anything still unread.
func (p *Poller) RunOnce(ctx context.Context) (Summary, error) {
	start := time.Now()

	emails, err := p.mail.ListUnread(ctx, pollBatchSize)
	if err != nil {
		return Summary{}, err
	}

	sum := Summary{Listed: len(emails)}
	for i := range emails {
		if ctx.Err() != nil {
			break
		}
		email := &emails[i]
		if drop, _ := p.proc.filter.Drop(email); drop {
			sum.Skipped++
			continue
		}
		if err := p.proc.IngestEmail(ctx, email); err != nil {
			slog.Warn("poll ingest failed", "message_id", email.ID, "error", err)
			sum.Failed++
			continue
		}
		sum.Ingested++
	}
	sum.Took = time.Since(start)
	return sum, nil
}
