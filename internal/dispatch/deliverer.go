package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	pollInterval = 5 * time.Second
	pollBatch    = 50
)

// DelivererOptions carries the delivery retry policy. The policy belongs to
// the dispatch layer, not the application: a crashed worker is redelivered on
// this schedule regardless of item-level retry state.
type DelivererOptions struct {
	QueuePath   string
	WorkerURL   string
	MaxAttempts int
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
}

// Deliverer drains due deliveries from Redis and POSTs them to the worker
// URL, with bounded exponential backoff between attempts. Delivery is
// at-least-once: a crash after a successful POST but before acknowledgement
// redelivers the same payload.
type Deliverer struct {
	rdb  *redis.Client
	http *http.Client
	opts DelivererOptions
}

func NewDeliverer(rdb *redis.Client, httpClient *http.Client, opts DelivererOptions) *Deliverer {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = 15 * time.Minute
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = 4 * time.Hour
	}
	return &Deliverer{rdb: rdb, http: httpClient, opts: opts}
}

func (d *Deliverer) dueKey() string { return d.opts.QueuePath + ":due" }

func attemptsKey(name string) string { return name + ":attempts" }

// Run polls for due deliveries until the context is cancelled.
func (d *Deliverer) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	log.Info().Str("worker_url", d.opts.WorkerURL).Msg("Delivery loop started.")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Delivery loop stopped.")
			return
		case <-ticker.C:
			if err := d.deliverDue(ctx); err != nil {
				log.Error().Err(err).Msg("Failed to poll due deliveries.")
			}
		}
	}
}

func (d *Deliverer) deliverDue(ctx context.Context) error {
	now := time.Now().UnixMilli()
	names, err := d.rdb.ZRangeByScore(ctx, d.dueKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now, 10),
		Count: pollBatch,
	}).Result()
	if err != nil {
		return err
	}

	for _, name := range names {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// One delivery failing must not stall the rest of the batch.
		d.deliverOne(ctx, name)
	}
	return nil
}

func (d *Deliverer) deliverOne(ctx context.Context, name string) {
	encoded, err := d.rdb.Get(ctx, name).Result()
	if errors.Is(err, redis.Nil) {
		// Payload expired or was consumed elsewhere. Drop the schedule entry.
		d.ack(ctx, name)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("delivery", name).Msg("Failed to load delivery payload.")
		return
	}

	if err := d.post(ctx, encoded); err != nil {
		d.reschedule(ctx, name, err)
		return
	}
	d.ack(ctx, name)
}

func (d *Deliverer) post(ctx context.Context, encoded string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.opts.WorkerURL, strings.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := d.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("worker responded with status %d", resp.StatusCode)
	}
	return nil
}

// ack removes every trace of a consumed delivery. The payload key goes too:
// its dedup claim only covers the window before consumption.
func (d *Deliverer) ack(ctx context.Context, name string) {
	if err := d.rdb.ZRem(ctx, d.dueKey(), name).Err(); err != nil {
		log.Error().Err(err).Str("delivery", name).Msg("Failed to acknowledge delivery.")
		return
	}
	_ = d.rdb.Del(ctx, name, attemptsKey(name)).Err()
}

func (d *Deliverer) reschedule(ctx context.Context, name string, cause error) {
	attempts, err := d.rdb.Incr(ctx, attemptsKey(name)).Result()
	if err != nil {
		log.Error().Err(err).Str("delivery", name).Msg("Failed to count delivery attempt.")
		return
	}

	if attempts >= int64(d.opts.MaxAttempts) {
		log.Error().Err(cause).Str("delivery", name).Int64("attempts", attempts).
			Msg("Delivery exhausted its attempts, dropping.")
		d.ack(ctx, name)
		return
	}

	backoff := Backoff(int(attempts), d.opts.MinBackoff, d.opts.MaxBackoff)
	next := time.Now().Add(backoff)
	if err := d.rdb.ZAdd(ctx, d.dueKey(), redis.Z{
		Score:  float64(next.UnixMilli()),
		Member: name,
	}).Err(); err != nil {
		log.Error().Err(err).Str("delivery", name).Msg("Failed to reschedule delivery.")
		return
	}
	log.Warn().Err(cause).Str("delivery", name).Int64("attempt", attempts).
		Dur("backoff", backoff).Msg("Delivery failed, rescheduled.")
}

// Backoff returns the delay before the given 1-based attempt is retried:
// min * 2^(attempt-1), capped at max.
func Backoff(attempt int, min, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := min
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= max {
			return max
		}
	}
	if backoff > max {
		return max
	}
	return backoff
}
