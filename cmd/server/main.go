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

// Apflow Invoice Agent
//
// Entry point for the invoice processing service. It:
//  1. Loads configuration from config.yaml
//  2. Connects to PostgreSQL, Redis, and the object store
//  3. Serves the provider webhook endpoint and the vendor admin API
//  4. Keeps the mailbox change subscription alive
//  5. Runs the four queue-consumer stages: ingest, enrich, post, notify
//  6. Optionally runs the unread-mail safety-net poller
//  7. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/apflow/invoiceagent/internal/blob"
	"github.com/apflow/invoiceagent/internal/config"
	"github.com/apflow/invoiceagent/internal/dedup"
	"github.com/apflow/invoiceagent/internal/enrich"
	"github.com/apflow/invoiceagent/internal/extract"
	"github.com/apflow/invoiceagent/internal/ingest"
	"github.com/apflow/invoiceagent/internal/mail"
	"github.com/apflow/invoiceagent/internal/notify"
	"github.com/apflow/invoiceagent/internal/pipeline"
	"github.com/apflow/invoiceagent/internal/post"
	"github.com/apflow/invoiceagent/internal/queue"
	"github.com/apflow/invoiceagent/internal/ratelimit"
	"github.com/apflow/invoiceagent/internal/resilience"
	"github.com/apflow/invoiceagent/internal/store"
	"github.com/apflow/invoiceagent/internal/subscription"
	"github.com/apflow/invoiceagent/internal/vendoradmin"
)

func main() {
	// Structured JSON logging
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting invoice agent",
		"monitored", cfg.MonitoredMailbox,
		"ap", cfg.APAddress,
		"poller", cfg.PollerEnabled,
		"extractor", cfg.ExtractorEnabled,
	)

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
	slog.Info("connected to PostgreSQL")

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid redis URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

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
	slog.Info("connected to object store", "bucket", cfg.BlobBucket)

	// --- Resilience primitives ---
	retrier := resilience.NewRetrier(cfg.Retry)
	mailBreaker := resilience.NewBreaker("mail", cfg.MailBreaker)
	llmBreaker := resilience.NewBreaker("llm", cfg.LLMBreaker)
	storeBreaker := resilience.NewBreaker("store", cfg.StoreBreaker)

	// --- Audit / vendor / subscription store ---
	st, err := store.New(ctx, pgPool, storeBreaker)
	if err != nil {
		slog.Error("failed to initialise store", "error", err)
		os.Exit(1)
	}

	// --- Queue bus ---
	bus := queue.NewBus(rdb, cfg.QueueVisibility, cfg.QueueMaxDequeue)

	// --- Mail provider client ---
	mailc := mail.NewClient(cfg.Provider, cfg.MonitoredMailbox,
		mailBreaker, retrier, time.Duration(cfg.Timeouts.MailSeconds)*time.Second)

	// --- Field extractor ---
	// Heuristics always run; the Bedrock invoker is optional.
	var invoker extract.BedrockInvoker
	if cfg.ExtractorEnabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			slog.Error("failed to load AWS configuration", "error", err)
			os.Exit(1)
		}
		invoker = bedrockruntime.NewFromConfig(awsCfg)
		slog.Info("bedrock extractor enabled", "model", cfg.ExtractorModelID)
	}
	extractor := extract.New(invoker, llmBreaker, retrier, extract.Options{
		ModelID:        cfg.ExtractorModelID,
		MaxPdfBytes:    cfg.ExtractorMaxPdfBytes,
		ForceEmptyText: cfg.ExtractorForceEmpty,
		Timeout:        time.Duration(cfg.Timeouts.ExtractorSeconds) * time.Second,
	})

	// --- Pipeline stages ---
	// The model runs once per invoice, at ingest time, to produce the
	// vendor hint. The enrich stage only needs the regex heuristics, so
	// it gets an extractor without the invoker.
	fieldExtractor := extract.New(nil, nil, nil, extract.Options{
		MaxPdfBytes: cfg.ExtractorMaxPdfBytes,
		Timeout:     time.Duration(cfg.Timeouts.ExtractorSeconds) * time.Second,
	})

	claimer := dedup.NewClaimer(st, cfg.StaleClaimWindow)
	filter := ingest.NewLoopFilter(cfg.MonitoredMailbox, cfg.APAddress, cfg.SystemPrefixes)
	processor := ingest.NewProcessor(mailc, blobs, claimer, st, bus, filter, extractor)
	enricher := enrich.New(st, st, blobs, bus, fieldExtractor, cfg.LookupStrategy)
	poster := post.New(blobs, mailc, st, bus, cfg.APAddress, cfg.AttachInlineMax)
	notifier := notify.New(cfg.ChatWebhookURL, time.Duration(cfg.Timeouts.ChatSeconds)*time.Second)

	// --- Phase 1: webhook server BEFORE subscribing ---
	// The provider validates the endpoint synchronously when a
	// subscription is created, so the listener must be up first.
	limiter := ratelimit.New(st, int64(cfg.RateLimitPerM), time.Minute)
	go limiter.PruneLoop(ctx, st, time.Hour)
	receiver := ingest.NewReceiver(st, bus, limiter.Middleware, cfg.WebhookPath)

	webhookSrv := &http.Server{
		Handler:      receiver.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	webhookLn, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.WebhookPort))
	if err != nil {
		slog.Error("failed to bind webhook port", "port", cfg.WebhookPort, "error", err)
		os.Exit(1)
	}
	go func() {
		if err := webhookSrv.Serve(webhookLn); err != http.ErrServerClosed {
			slog.Error("webhook server error", "error", err)
		}
	}()
	slog.Info("webhook server listening", "port", cfg.WebhookPort, "path", cfg.WebhookPath)

	// --- Phase 2: subscription manager ---
	var mgr *subscription.Manager
	if cfg.WebhookPublicURL == "" {
		if !cfg.PollerEnabled {
			slog.Error("no public webhook URL and the poller is disabled, mail would never be ingested")
			os.Exit(1)
		}
		slog.Warn("no public webhook URL configured, running on the poller alone")
	} else {
		mgr = subscription.NewManager(subscription.Config{
			Provider:        mailc,
			Store:           st,
			NotificationURL: strings.TrimRight(cfg.WebhookPublicURL, "/") + "/" + cfg.WebhookPath,
			TTL:             cfg.SubscriptionTTL,
			RenewBuffer:     cfg.SubscriptionBuffer,
		})
		mgr.Start(ctx)
	}

	// --- Phase 3: queue consumers ---
	for _, c := range []struct {
		queue   string
		workers int
		handler queue.Handler
	}{
		{pipeline.NotifQueue, 4, processor.Handle},
		{pipeline.RawQueue, 4, enricher.Handle},
		{pipeline.PostQueue, 2, poster.Handle},
		{pipeline.NotifyQueue, 1, notifier.Handle},
	} {
		go bus.Consume(ctx, c.queue, c.workers, c.handler)
	}
	slog.Info("queue consumers started")

	// --- Phase 4: safety-net poller ---
	if cfg.PollerEnabled {
		poller := ingest.NewPoller(mailc, processor, cfg.PollerInterval)
		go poller.Run(ctx)
		slog.Info("poller started", "interval", cfg.PollerInterval)
	}

	// --- Ops server: health + vendor admin ---
	ops := chi.NewRouter()
	ops.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := pgPool.Ping(r.Context()); err != nil {
			http.Error(w, "postgres unhealthy", http.StatusServiceUnavailable)
			return
		}
		if err := rdb.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status": "healthy"}`))
	})
	ops.Mount("/admin", vendoradmin.New(st).Routes())

	addr := fmt.Sprintf(":%d", cfg.Port)
	opsSrv := &http.Server{
		Addr:         addr,
		Handler:      ops,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// --- Graceful Shutdown ---
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh

		slog.Info("received shutdown signal", "signal", sig)
		cancel()

		if mgr != nil {
			mgr.Stop()
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()

		if err := webhookSrv.Shutdown(shutdownCtx); err != nil {
			slog.Error("webhook server shutdown error", "error", err)
		}
		if err := opsSrv.Shutdown(shutdownCtx); err != nil {
			slog.Error("ops server shutdown error", "error", err)
		}

		rdb.Close()
		pgPool.Close()
	}()

	slog.Info("invoice agent listening", "addr", addr)
	if err := opsSrv.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("invoice agent stopped")
}
