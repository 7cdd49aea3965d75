package services

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"go.pilab.hu/fitsync/domain"
	"go.pilab.hu/fitsync/mongodb"
)

// RetryPolicy is the state machine governing a work item's retry count, error
// history and transition to the dead-letter store.
//
// Pending -> Processing -> Processed (terminal)
//                       -> Pending with retryCount+n (bounded cycle)
//                       -> DeadLettered (terminal)
type RetryPolicy struct {
	items         domain.WorkItemRepository
	maxRetryCount int
	deadLetterTTL time.Duration
	now           func() time.Time
}

func NewRetryPolicy(items domain.WorkItemRepository, maxRetryCount int, deadLetterTTL time.Duration) *RetryPolicy {
	if maxRetryCount <= 0 {
		maxRetryCount = 10
	}
	if deadLetterTTL <= 0 {
		deadLetterTTL = 14 * 24 * time.Hour
	}
	return &RetryPolicy{
		items:         items,
		maxRetryCount: maxRetryCount,
		deadLetterTTL: deadLetterTTL,
		now:           time.Now,
	}
}

// IncreaseRetryCount applies one failure to the item. When the increment
// would reach the retry ceiling the item moves to the dead-letter store
// instead; the increment is never partially applied. Larger increments encode
// severity: failures that correlate with permanent rejection reach the
// ceiling in one or two steps.
func (p *RetryPolicy) IncreaseRetryCount(ctx context.Context, item *domain.WorkItem, cause error, incrementBy int) (domain.Outcome, error) {
	if incrementBy < 1 {
		incrementBy = 1
	}

	if item.RetryCount+incrementBy >= p.maxRetryCount {
		if err := p.MoveToDeadLetter(ctx, item, cause, domain.ContextMaxRetryReached); err != nil {
			return domain.OutcomeFailed, err
		}
		return domain.OutcomeMovedToDeadLetter, nil
	}

	now := p.now().UTC()
	item.Errors = append(item.Errors, domain.ErrorRecord{
		Error:        cause.Error(),
		AtRetryCount: item.RetryCount,
		Date:         now,
	})
	item.RetryCount += incrementBy
	item.TotalRetryCount += incrementBy

	if err := p.items.UpdateItem(ctx, item); err != nil {
		log.Error().Err(err).Str("item_id", item.ID).
			Msg("Failed to persist retry increment.")
		return domain.OutcomeFailed, err
	}

	log.Debug().Str("item_id", item.ID).Int("retry_count", item.RetryCount).
		Str("cause", cause.Error()).Msg("Retry count increased.")
	return domain.OutcomeRetryIncremented, nil
}

// MoveToDeadLetter copies the item into the dead-letter store, augmented with
// the failure details and a TTL timestamp, and deletes the live document in
// the same atomic operation. A failure here is logged and left for the next
// scheduled sweep; retrying synchronously cannot fix a store outage.
func (p *RetryPolicy) MoveToDeadLetter(ctx context.Context, item *domain.WorkItem, cause error, dlContext domain.DeadLetterContext) error {
	now := p.now().UTC()
	dl := &domain.DeadLetterItem{
		WorkItem:           *item,
		FailedError:        cause.Error(),
		FailedAt:           now,
		OriginalCollection: mongodb.QueueCollection(item.ServiceName),
		Context:            dlContext,
		ExpireAt:           now.Add(p.deadLetterTTL),
	}

	if err := p.items.MoveToDeadLetter(ctx, dl); err != nil {
		log.Error().Err(err).Str("item_id", item.ID).Str("context", string(dlContext)).
			Msg("Failed to move item to dead letter, leaving for next sweep.")
		return err
	}

	log.Info().Str("item_id", item.ID).Str("context", string(dlContext)).
		Str("cause", cause.Error()).Msg("Item moved to dead letter.")
	return nil
}

// MarkProcessed flags terminal success, merging any result metadata supplied
// by the caller.
func (p *RetryPolicy) MarkProcessed(ctx context.Context, item *domain.WorkItem, extra map[string]any) error {
	item.Processed = true
	item.ProcessedAt = p.now().UTC()
	if len(extra) > 0 {
		if item.Result == nil {
			item.Result = make(map[string]any, len(extra))
		}
		for k, v := range extra {
			item.Result[k] = v
		}
	}
	return p.items.UpdateItem(ctx, item)
}

// MaxRetryCount exposes the policy ceiling for queries that must exclude
// exhausted items.
func (p *RetryPolicy) MaxRetryCount() int { return p.maxRetryCount }
