package services

import (
	"context"

	"github.com/rs/zerolog/log"

	"go.pilab.hu/fitsync/domain"
)

// DrainStats summarizes one drain run for logging and operator visibility.
type DrainStats struct {
	Scanned      int
	Processed    int
	Retried      int
	DeadLettered int
	Failed       int
}

// Drainer is the self-healing backstop behind direct dispatch: a periodic
// scan that reprocesses backlog items a crashed producer never dispatched.
type Drainer struct {
	items    domain.WorkItemRepository
	worker   *Worker
	maxRetry int
	pageSize int
}

func NewDrainer(items domain.WorkItemRepository, worker *Worker, maxRetry, pageSize int) *Drainer {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Drainer{
		items:    items,
		worker:   worker,
		maxRetry: maxRetry,
		pageSize: pageSize,
	}
}

// Drain processes one page of unprocessed items for a provider. Items are
// handled independently: one failure never aborts the rest of the page. A
// single run-cache instance spans the page, so repeated token and account
// lookups collapse.
func (d *Drainer) Drain(ctx context.Context, service domain.ServiceName) (DrainStats, error) {
	var stats DrainStats

	items, err := d.items.FindUnprocessed(ctx, service, d.maxRetry, d.pageSize)
	if err != nil {
		return stats, err
	}
	stats.Scanned = len(items)

	caches := NewRunCaches()
	for _, item := range items {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		outcome, err := d.worker.ProcessItem(ctx, item, caches)
		switch outcome {
		case domain.OutcomeProcessed:
			stats.Processed++
		case domain.OutcomeRetryIncremented:
			stats.Retried++
		case domain.OutcomeMovedToDeadLetter:
			stats.DeadLettered++
		default:
			stats.Failed++
			log.Error().Err(err).Str("item_id", item.ID).Str("service", string(service)).
				Msg("Drain could not record an outcome for item.")
		}
	}

	log.Info().Str("service", string(service)).
		Int("scanned", stats.Scanned).Int("processed", stats.Processed).
		Int("retried", stats.Retried).Int("dead_lettered", stats.DeadLettered).
		Int("failed", stats.Failed).
		Msg("Drain run finished.")
	return stats, nil
}
