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

// Apflow Invoice Agent: One-Shot Poll Command
//
// Standalone CLI that runs a single unread-mail sweep against the
// monitored mailbox and enqueues anything the webhook missed. Intended
// for seeding new deployments and for recovering after webhook outages.
//
// Usage:
//
//	go run ./cmd/poll/
package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/apflow/invoiceagent/internal/blob"
	"github.com/apflow/invoiceagent/internal/config"
	"github.com/apflow/invoiceagent/internal/dedup"
	"github.com/apflow/invoiceagent/internal/extract"
	"github.com/apflow/invoiceagent/internal/ingest"
	"github.com/apflow/invoiceagent/internal/mail"
	"github.com/apflow/invoiceagent/internal/queue"
	"github.com/apflow/invoiceagent/internal/resilience"
	"github.com/apflow/invoiceagent/internal/store"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("starting one-shot poll", "mailbox", cfg.MonitoredMailbox)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	if err := pgPool.Ping(ctx); err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid redis URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}

	// --- Object store ---
	blobs, err := blob.New(ctx, blob.Options{
		Endpoint:  cfg.BlobEndpoint,
		AccessKey: cfg.BlobAccessKey,
		SecretKey: cfg.BlobSecretKey,
		UseSSL:    cfg.BlobUseSSL,
		Bucket:    cfg.BlobBucket,
		Timeout:   time.Duration(cfg.Timeouts.StorageSeconds) * time.Second,
	})
	if err != nil {
		slog.Error("failed to connect to object store", "error", err)
		os.Exit(1)
	}

	// --- Wiring ---
	retrier := resilience.NewRetrier(cfg.Retry)
	mailBreaker := resilience.NewBreaker("mail", cfg.MailBreaker)
	storeBreaker := resilience.NewBreaker("store", cfg.StoreBreaker)

	st, err := store.New(ctx, pgPool, storeBreaker)
	if err != nil {
		slog.Error("failed to initialise store", "error", err)
		os.Exit(1)
	}

	bus := queue.NewBus(rdb, cfg.QueueVisibility, cfg.QueueMaxDequeue)
	mailc := mail.NewClient(cfg.Provider, cfg.MonitoredMailbox,
		mailBreaker, retrier, time.Duration(cfg.Timeouts.MailSeconds)*time.Second)

	// Heuristics only; the one-shot sweep skips the LLM hint and lets
	// the enrich stage fill extracted fields.
	extractor := extract.New(nil, nil, nil, extract.Options{
		MaxPdfBytes: cfg.ExtractorMaxPdfBytes,
	})

	claimer := dedup.NewClaimer(st, cfg.StaleClaimWindow)
	filter := ingest.NewLoopFilter(cfg.MonitoredMailbox, cfg.APAddress, cfg.SystemPrefixes)
	processor := ingest.NewProcessor(mailc, blobs, claimer, st, bus, filter, extractor)
	poller := ingest.NewPoller(mailc, processor, cfg.PollerInterval)

	// --- Run one sweep ---
	sum, err := poller.RunOnce(ctx)
	if err != nil {
		slog.Error("poll sweep failed", "error", err)
		os.Exit(1)
	}

	slog.Info("poll sweep complete",
		"listed", sum.Listed,
		"ingested", sum.Ingested,
		"skipped", sum.Skipped,
		"failed", sum.Failed,
		"took", sum.Took,
	)
}
