package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atendezap/atendezap/internal/models"
)

// Redis key layout for the durable queue.
const (
	// delayedKey is the sorted set of pending deliveries, scored by due time
	// (unix milliseconds).
	delayedKey = "atendezap:schedule:delayed"
	// payloadKey is the hash of job payloads, keyed by message ID.
	payloadKey = "atendezap:schedule:payload"
	// attemptsKey is the hash of per-message attempt counts.
	attemptsKey = "atendezap:schedule:attempts"
)

// Durable queue retry policy.
const (
	// DefaultMaxAttempts is how many delivery attempts the durable queue
	// makes before abandoning a message.
	DefaultMaxAttempts = 3
	// DefaultRetryBackoff is the base of the exponential retry backoff:
	// 2s, 4s, 8s, ...
	DefaultRetryBackoff = 2 * time.Second
	// DefaultPollInterval is how often the worker claims due jobs.
	DefaultPollInterval = time.Second
	// DefaultProbeTimeout bounds the availability probe.
	DefaultProbeTimeout = 2 * time.Second
	// DefaultClaimLimit caps how many due jobs one poll claims.
	DefaultClaimLimit = 50
)

// jobPayload is what the durable queue stores per message.
type jobPayload struct {
	ID        string `json:"id"`
	CompanyID string `json:"companyId"`
}

// Compile-time check that DurableBackend implements Backend.
var _ Backend = (*DurableBackend)(nil)

// DurableBackend arms delayed deliveries on an external Redis queue: a
// sorted set scored by due time, a payload hash, and an attempt-count hash.
// Entries survive process restarts and are retried with exponential backoff
// on delivery failure. Availability may fluctuate; Ping probes it.
type DurableBackend struct {
	rdb          *redis.Client
	deliver      DeliverFunc
	abandon      AbandonFunc
	maxAttempts  int
	retryBackoff time.Duration
	pollInterval time.Duration
	claimLimit   int
}

// NewDurableBackend creates a Redis-backed durable scheduling backend.
func NewDurableBackend(rdb *redis.Client, deliver DeliverFunc, abandon AbandonFunc) *DurableBackend {
	return &DurableBackend{
		rdb:          rdb,
		deliver:      deliver,
		abandon:      abandon,
		maxAttempts:  DefaultMaxAttempts,
		retryBackoff: DefaultRetryBackoff,
		pollInterval: DefaultPollInterval,
		claimLimit:   DefaultClaimLimit,
	}
}

// Ping probes queue availability with a short timeout.
func (b *DurableBackend) Ping(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, DefaultProbeTimeout)
	defer cancel()
	return b.rdb.Ping(probeCtx).Err()
}

// Enqueue arms delivery of msg at msg.SendAt. An already-due message is
// scored at now so the next poll claims it immediately. Re-enqueueing a
// known ID re-scores it but keeps its attempt count, so a recovery sweep
// landing mid-retry cannot stretch the attempt limit; Cancel is what clears
// the count, which is why a user reschedule (cancel then enqueue) starts
// over.
func (b *DurableBackend) Enqueue(ctx context.Context, msg *models.ScheduledMessage) error {
	payload, err := json.Marshal(jobPayload{ID: msg.ID, CompanyID: msg.CompanyID})
	if err != nil {
		return fmt.Errorf("marshal job payload: %w", err)
	}

	runAt := msg.SendAt
	if now := time.Now(); runAt.Before(now) {
		runAt = now
	}

	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, payloadKey, msg.ID, payload)
	pipe.ZAdd(ctx, delayedKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: msg.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue delayed job: %w", err)
	}
	slog.Debug("DurableBackend.Enqueue", "id", msg.ID, "runAt", runAt)
	return nil
}

// Cancel removes any outstanding job for the message. Absence is not an error.
func (b *DurableBackend) Cancel(ctx context.Context, msgID string) error {
	pipe := b.rdb.TxPipeline()
	pipe.ZRem(ctx, delayedKey, msgID)
	pipe.HDel(ctx, payloadKey, msgID)
	pipe.HDel(ctx, attemptsKey, msgID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cancel delayed job: %w", err)
	}
	return nil
}

// Run starts the worker loop claiming due jobs. It blocks until the context
// is cancelled.
func (b *DurableBackend) Run(ctx context.Context) {
	slog.Info("DurableBackend.Run: starting queue worker", "pollInterval", b.pollInterval)

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("DurableBackend.Run: stopping")
			return
		case <-ticker.C:
			b.poll(ctx)
		}
	}
}

func (b *DurableBackend) poll(ctx context.Context) {
	now := time.Now()
	ids, err := b.rdb.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: int64(b.claimLimit),
	}).Result()
	if err != nil {
		slog.Error("DurableBackend.poll: claim failed", "error", err)
		return
	}

	for _, id := range ids {
		// ZRem is the claim: exactly one competing worker removes the member
		// and proceeds.
		removed, err := b.rdb.ZRem(ctx, delayedKey, id).Result()
		if err != nil {
			slog.Error("DurableBackend.poll: claim remove failed", "id", id, "error", err)
			continue
		}
		if removed == 0 {
			continue
		}
		b.execute(ctx, id)
	}
}

func (b *DurableBackend) execute(ctx context.Context, id string) {
	raw, err := b.rdb.HGet(ctx, payloadKey, id).Result()
	if err != nil {
		slog.Error("DurableBackend.execute: payload lookup failed", "id", id, "error", err)
		return
	}
	var p jobPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		slog.Error("DurableBackend.execute: payload decode failed", "id", id, "error", err)
		b.rdb.HDel(ctx, payloadKey, id)
		return
	}

	if err := b.deliver(ctx, p.ID, p.CompanyID); err != nil {
		b.retry(ctx, p, err)
		return
	}

	b.rdb.HDel(ctx, payloadKey, id)
	b.rdb.HDel(ctx, attemptsKey, id)
}

// retry re-queues a failed delivery with exponential backoff until the
// attempt limit is reached, then abandons the message.
func (b *DurableBackend) retry(ctx context.Context, p jobPayload, cause error) {
	attempt, err := b.rdb.HIncrBy(ctx, attemptsKey, p.ID, 1).Result()
	if err != nil {
		slog.Error("DurableBackend.retry: attempt count failed", "id", p.ID, "error", err)
		return
	}

	if attempt >= int64(b.maxAttempts) {
		slog.Error("DurableBackend.retry: attempts exhausted", "id", p.ID, "attempts", attempt, "error", cause)
		b.rdb.HDel(ctx, payloadKey, p.ID)
		b.rdb.HDel(ctx, attemptsKey, p.ID)
		if b.abandon != nil {
			b.abandon(ctx, p.ID, p.CompanyID)
		}
		return
	}

	backoff := b.retryBackoff * (1 << (attempt - 1))
	nextRun := time.Now().Add(backoff)
	if err := b.rdb.ZAdd(ctx, delayedKey, redis.Z{Score: float64(nextRun.UnixMilli()), Member: p.ID}).Err(); err != nil {
		slog.Error("DurableBackend.retry: requeue failed", "id", p.ID, "error", err)
		return
	}
	slog.Warn("DurableBackend.retry: delivery failed, retrying", "id", p.ID, "attempt", attempt, "backoff", backoff, "error", cause)
}
