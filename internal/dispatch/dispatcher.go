package dispatch

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"go.pilab.hu/fitsync/domain"
)

const (
	// payloadTTL bounds how long an unconsumed delivery keeps its dedup
	// claim before Redis garbage-collects it.
	payloadTTL = 7 * 24 * time.Hour

	depthCacheTTL = 60 * time.Second
	depthCacheKey = "backlog"
)

// Enqueuer is the narrow interface producers use to request a delivery.
type Enqueuer interface {
	Enqueue(ctx context.Context, service domain.ServiceName, itemID string, dateCreated time.Time, delay time.Duration) error
}

// Dispatcher submits deduplicated, optionally delayed deliveries into the
// Redis-backed queue the Deliverer drains. Deliveries are named
// deterministically, so enqueueing the same item creation twice before it is
// consumed is a no-op.
type Dispatcher struct {
	queuePath string

	mu      sync.Mutex
	client  *redis.Client
	newConn func() *redis.Client

	depth *ttlcache.Cache[string, int64]
}

// NewDispatcher creates a Dispatcher. newConn builds a Redis client; the
// dispatcher caches one handle and discards it after transient transport
// failures so the next call reconnects.
func NewDispatcher(queuePath string, newConn func() *redis.Client) *Dispatcher {
	depth := ttlcache.New(
		ttlcache.WithTTL[string, int64](depthCacheTTL),
		ttlcache.WithDisableTouchOnHit[string, int64](),
	)
	go depth.Start()

	return &Dispatcher{
		queuePath: queuePath,
		newConn:   newConn,
		depth:     depth,
	}
}

func (d *Dispatcher) conn() *redis.Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client == nil {
		d.client = d.newConn()
	}
	return d.client
}

// invalidateConn drops the cached client handle after a transport failure.
func (d *Dispatcher) invalidateConn() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client != nil {
		_ = d.client.Close()
		d.client = nil
	}
}

func (d *Dispatcher) dueKey() string { return d.queuePath + ":due" }

// Enqueue submits one delivery. A delivery that already exists is success,
// not an error. Transient transport failures invalidate the cached client and
// surface to the caller for upstream retry; permanent failures are logged and
// swallowed so one poisoned dispatch cannot block unrelated items in a batch.
func (d *Dispatcher) Enqueue(ctx context.Context, service domain.ServiceName, itemID string, dateCreated time.Time, delay time.Duration) error {
	name := DeliveryName(d.queuePath, string(service), itemID, dateCreated.UnixMilli())
	encoded, err := EncodePayload(Payload{QueueItemID: itemID, ServiceName: string(service)})
	if err != nil {
		return err
	}

	rdb := d.conn()
	created, err := rdb.SetNX(ctx, name, encoded, payloadTTL).Result()
	if err != nil {
		return d.handleTransportError(err, name)
	}
	if !created {
		log.Debug().Str("delivery", name).Msg("Delivery already enqueued, skipping.")
		return nil
	}

	deliverAt := time.Now().Add(delay)
	if err := rdb.ZAdd(ctx, d.dueKey(), redis.Z{
		Score:  float64(deliverAt.UnixMilli()),
		Member: name,
	}).Err(); err != nil {
		// Release the dedup claim, otherwise a retry would see the delivery
		// as already enqueued and never schedule it.
		if delErr := rdb.Del(ctx, name).Err(); delErr != nil {
			log.Warn().Err(delErr).Str("delivery", name).
				Msg("Failed to release dedup claim after scheduling failure.")
		}
		return d.handleTransportError(err, name)
	}

	log.Debug().Str("delivery", name).Dur("delay", delay).Msg("Delivery enqueued.")
	return nil
}

func (d *Dispatcher) handleTransportError(err error, name string) error {
	if isPermanentTransportError(err) {
		log.Error().Err(err).Str("delivery", name).
			Msg("Permanent dispatch failure, dropping delivery request.")
		return nil
	}
	d.invalidateConn()
	return err
}

// isPermanentTransportError reports whether the dispatch backend rejected the
// request for a reason reconnecting cannot fix, e.g. missing permissions.
func isPermanentTransportError(err error) bool {
	msg := err.Error()
	return strings.HasPrefix(msg, "NOAUTH") ||
		strings.HasPrefix(msg, "NOPERM") ||
		strings.HasPrefix(msg, "WRONGPASS") ||
		strings.HasPrefix(msg, "READONLY")
}

// BacklogDepth returns the number of pending deliveries. The value is served
// from a short-lived cache so admission checks do not hammer the queue
// backend; force bypasses the cache.
func (d *Dispatcher) BacklogDepth(ctx context.Context, force bool) (int64, error) {
	if !force {
		if item := d.depth.Get(depthCacheKey); item != nil {
			return item.Value(), nil
		}
	}
	n, err := d.conn().ZCard(ctx, d.dueKey()).Result()
	if err != nil {
		d.invalidateConn()
		return 0, err
	}
	d.depth.Set(depthCacheKey, n, ttlcache.DefaultTTL)
	return n, nil
}

// Close releases the cached client and stops the depth cache janitor.
func (d *Dispatcher) Close() {
	d.invalidateConn()
	d.depth.Stop()
}
