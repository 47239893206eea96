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

// Package queue implements the at-least-once queue bus on Redis Streams.
//
// Delivery contract:
//   - a delivered message is invisible to other consumers for the
//     visibility timeout (stream pending-entry min-idle);
//   - a handler returning nil acknowledges and deletes the message;
//   - a handler returning a retryable fault leaves the message pending,
//     so it reappears after the visibility timeout;
//   - a non-retryable fault, or more than MaxDequeue deliveries, diverts
//     the message to the sibling "<queue>-poison" stream, which is never
//     drained automatically.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/apflow/invoiceagent/internal/fault"
)

const (
	consumerGroup = "pipeline"
	// PoisonSuffix names the sibling stream for exhausted messages.
	PoisonSuffix = "-poison"
	// safetyMargin is subtracted from the visibility timeout to form the
	// per-message handler deadline.
	safetyMargin = 30 * time.Second
)

// Message is one queue delivery.
type Message struct {
	ID            string // stream entry id
	CorrelationID string
	Queue         string
	Attempt       int64 // 1 on first delivery
	Body          []byte
}

// Handler processes one delivery. The ctx carries the per-message
// deadline; returning an error triggers redelivery or poison routing
// depending on the fault kind.
type Handler func(ctx context.Context, msg *Message) error

// Bus is the queue bus. One Bus serves all named queues.
type Bus struct {
	rdb        *redis.Client
	visibility time.Duration
	maxDequeue int
	blockTime  time.Duration

	groupOnce sync.Map // queue -> struct{}, group created
}

// NewBus creates a bus with the given visibility timeout and per-queue
// redelivery budget.
func NewBus(rdb *redis.Client, visibility time.Duration, maxDequeue int) *Bus {
	if visibility <= 0 {
		visibility = 10 * time.Minute
	}
	if maxDequeue <= 0 {
		maxDequeue = 5
	}
	return &Bus{
		rdb:        rdb,
		visibility: visibility,
		maxDequeue: maxDequeue,
		blockTime:  5 * time.Second,
	}
}

// Enqueue appends a payload to the named queue.
func (b *Bus) Enqueue(ctx context.Context, queue string, body []byte) error {
	err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: queue,
		ID:     "*",
		Values: map[string]interface{}{
			"cid":  uuid.New().String(),
			"body": string(body),
		},
	}).Err()
	if err != nil {
		return fault.Wrap(fault.Transient, fmt.Errorf("enqueue %s: %w", queue, err))
	}
	return nil
}

// Len reports the number of entries currently on a queue, poison queues
// included. Used by health output and tests.
func (b *Bus) Len(ctx context.Context, queue string) (int64, error) {
	n, err := b.rdb.XLen(ctx, queue).Result()
	if err != nil {
		return 0, fault.Wrap(fault.Transient, err)
	}
	return n, nil
}

// Consume runs a pool of workers on the named queue until ctx is
// cancelled. Workers claim distinct messages concurrently.
func (b *Bus) Consume(ctx context.Context, queue string, workers int, h Handler) {
	if workers <= 0 {
		workers = 1
	}
	if err := b.ensureGroup(ctx, queue); err != nil {
		slog.Error("failed to create consumer group", "queue", queue, "error", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		consumer := fmt.Sprintf("%s-worker-%d", queue, i)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				default:
				}
				if _, err := b.step(ctx, queue, consumer, h); err != nil && ctx.Err() == nil {
					slog.Error("queue step failed", "queue", queue, "error", err)
					time.Sleep(time.Second)
				}
			}
		}()
	}
	wg.Wait()
	slog.Info("queue consumers stopped", "queue", queue)
}

// ensureGroup creates the consumer group, tolerating an existing one.
func (b *Bus) ensureGroup(ctx context.Context, queue string) error {
	if _, done := b.groupOnce.Load(queue); done {
		return nil
	}
	err := b.rdb.XGroupCreateMkStream(ctx, queue, consumerGroup, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return err
	}
	b.groupOnce.Store(queue, struct{}{})
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && err.Error() == "BUSYGROUP Consumer Group name already exists"
}

// step performs one poll: reclaim messages whose visibility expired,
// then read new ones. Returns the number of messages handled.
func (b *Bus) step(ctx context.Context, queue, consumer string, h Handler) (int, error) {
	if err := b.ensureGroup(ctx, queue); err != nil {
		return 0, err
	}

	handled := 0

	// Messages whose previous claim went stale.
	claimed, _, err := b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   queue,
		Group:    consumerGroup,
		Consumer: consumer,
		MinIdle:  b.visibility,
		Start:    "0-0",
		Count:    10,
	}).Result()
	if err != nil && err != redis.Nil {
		return handled, fault.Wrap(fault.Transient, err)
	}
	for i := range claimed {
		b.deliver(ctx, queue, &claimed[i], h)
		handled++
	}

	// Fresh messages.
	streams, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    consumerGroup,
		Consumer: consumer,
		Streams:  []string{queue, ">"},
		Count:    10,
		Block:    b.blockTime,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return handled, nil
		}
		return handled, fault.Wrap(fault.Transient, err)
	}
	for _, s := range streams {
		for i := range s.Messages {
			b.deliver(ctx, queue, &s.Messages[i], h)
			handled++
		}
	}
	return handled, nil
}

// deliver invokes the handler under the per-message deadline and maps
// the outcome to ack, redelivery, or poison.
func (b *Bus) deliver(ctx context.Context, queue string, entry *redis.XMessage, h Handler) {
	msg := decodeEntry(queue, entry)
	msg.Attempt = b.deliveryCount(ctx, queue, entry.ID)

	if msg.Attempt > int64(b.maxDequeue) {
		b.poison(ctx, queue, msg, fmt.Sprintf("exceeded %d deliveries", b.maxDequeue))
		return
	}

	deadline := b.visibility - safetyMargin
	if deadline <= 0 {
		deadline = b.visibility
	}
	msgCtx, cancel := context.WithTimeout(ctx, deadline)
	err := h(msgCtx, msg)
	cancel()

	if err == nil {
		b.ack(ctx, queue, entry.ID)
		return
	}

	kind := fault.KindOf(err)
	switch kind {
	case fault.Validation, fault.Permanent, fault.Fatal:
		slog.Warn("message poisoned",
			"queue", queue,
			"entry", entry.ID,
			"kind", kind.String(),
			"error", err,
		)
		b.poison(ctx, queue, msg, err.Error())
	default:
		// Leave pending; the visibility timeout will make it claimable.
		slog.Warn("message will be redelivered",
			"queue", queue,
			"entry", entry.ID,
			"attempt", msg.Attempt,
			"kind", kind.String(),
			"error", err,
		)
	}
}

// deliveryCount reads the pending-entry delivery counter for one entry.
func (b *Bus) deliveryCount(ctx context.Context, queue, id string) int64 {
	pending, err := b.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: queue,
		Group:  consumerGroup,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return 1
	}
	return pending[0].RetryCount
}

func (b *Bus) ack(ctx context.Context, queue, id string) {
	if err := b.rdb.XAck(ctx, queue, consumerGroup, id).Err(); err != nil {
		slog.Error("ack failed", "queue", queue, "entry", id, "error", err)
		return
	}
	_ = b.rdb.XDel(ctx, queue, id).Err()
}

// poison moves a message to the sibling poison stream and acknowledges
// the original so it is never redelivered.
func (b *Bus) poison(ctx context.Context, queue string, msg *Message, reason string) {
	err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: queue + PoisonSuffix,
		ID:     "*",
		Values: map[string]interface{}{
			"cid":      msg.CorrelationID,
			"body":     string(msg.Body),
			"reason":   reason,
			"attempts": msg.Attempt,
			"at":       time.Now().UTC().Format(time.RFC3339),
		},
	}).Err()
	if err != nil {
		// Keep the message pending rather than lose it.
		slog.Error("failed to write poison entry, leaving message pending",
			"queue", queue,
			"entry", msg.ID,
			"error", err,
		)
		return
	}
	b.ack(ctx, queue, msg.ID)
}

func decodeEntry(queue string, entry *redis.XMessage) *Message {
	msg := &Message{ID: entry.ID, Queue: queue}
	if v, ok := entry.Values["cid"].(string); ok {
		msg.CorrelationID = v
	}
	if v, ok := entry.Values["body"].(string); ok {
		msg.Body = []byte(v)
	}
	return msg
}
