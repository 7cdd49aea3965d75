package services

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"go.pilab.hu/fitsync/domain"
	"go.pilab.hu/fitsync/internal/dispatch"
)

// RunCaches holds lookups scoped to a single drain run, so a page of items
// sharing one credential does not hit the stores once per item. Purely a
// local optimization: outcomes are identical without it.
type RunCaches struct {
	userExists map[string]bool
	tokenKnown map[string]bool
}

func NewRunCaches() *RunCaches {
	return &RunCaches{
		userExists: make(map[string]bool),
		tokenKnown: make(map[string]bool),
	}
}

func tokenCacheKey(service domain.ServiceName, userID string) string {
	return string(service) + "/" + userID
}

// Worker executes one work item end to end: account check, guarded provider
// call, persistence, and outcome reporting to the retry policy engine.
type Worker struct {
	items      domain.WorkItemRepository
	users      domain.UserRepository
	activities domain.ActivityStore
	registry   domain.ProviderRegistry
	guard      *TokenGuard
	policy     *RetryPolicy
	importer   *HistoryImporter
	now        func() time.Time
}

func NewWorker(
	items domain.WorkItemRepository,
	users domain.UserRepository,
	activities domain.ActivityStore,
	registry domain.ProviderRegistry,
	guard *TokenGuard,
	policy *RetryPolicy,
	importer *HistoryImporter,
) *Worker {
	return &Worker{
		items:      items,
		users:      users,
		activities: activities,
		registry:   registry,
		guard:      guard,
		policy:     policy,
		importer:   importer,
		now:        time.Now,
	}
}

// HandleDelivery is the task-delivery entry point. The payload only names the
// item; current state is re-read from the store so a stale delivery cannot
// act on stale data. A nil return acknowledges the delivery: it is returned
// whenever an outcome was durably recorded, including retry increments and
// dead-letter moves. Only a failure to record any outcome surfaces as an
// error, which makes the dispatch service redeliver later.
func (w *Worker) HandleDelivery(ctx context.Context, payload dispatch.Payload) error {
	service, err := domain.ParseServiceName(payload.ServiceName)
	if err != nil {
		log.Error().Err(err).Str("item_id", payload.QueueItemID).
			Msg("Delivery carries unknown service, dropping.")
		return nil
	}

	item, err := w.items.GetItem(ctx, service, payload.QueueItemID)
	if errors.Is(err, domain.ErrItemNotFound) {
		// Already processed and cleaned up, or dead-lettered. Nothing to do.
		log.Debug().Str("item_id", payload.QueueItemID).Msg("Delivered item no longer live.")
		return nil
	}
	if err != nil {
		return err
	}

	outcome, err := w.ProcessItem(ctx, item, NewRunCaches())
	if outcome == domain.OutcomeFailed && err != nil {
		return err
	}
	return nil
}

// ProcessItem runs one attempt on a live item and reports the outcome.
// OutcomeFailed means no outcome could be persisted; everything else is
// durably recorded.
func (w *Worker) ProcessItem(ctx context.Context, item *domain.WorkItem, caches *RunCaches) (domain.Outcome, error) {
	if item.Processed {
		log.Debug().Str("item_id", item.ID).Msg("Item already processed, skipping.")
		return domain.OutcomeProcessed, nil
	}

	// A deleted destination account dead-letters immediately; no amount of
	// retrying brings the user back.
	exists, err := w.userExists(ctx, item.UserID, caches)
	if err != nil {
		return w.reportFailure(ctx, item, err, caches)
	}
	if !exists {
		if err := w.policy.MoveToDeadLetter(ctx, item, domain.ErrUserNotFound, domain.ContextUserNotFound); err != nil {
			return domain.OutcomeFailed, err
		}
		return domain.OutcomeMovedToDeadLetter, nil
	}

	if known, ok := caches.tokenKnown[tokenCacheKey(item.ServiceName, item.UserID)]; ok && !known {
		if err := w.policy.MoveToDeadLetter(ctx, item, domain.ErrNoTokenFound, domain.ContextNoTokenFound); err != nil {
			return domain.OutcomeFailed, err
		}
		return domain.OutcomeMovedToDeadLetter, nil
	}

	var execErr error
	if item.Type == domain.ItemTypeImportRequest {
		execErr = w.importer.ProcessRequest(ctx, item)
	} else {
		execErr = w.syncWorkout(ctx, item)
	}
	if execErr != nil {
		return w.reportFailure(ctx, item, execErr, caches)
	}
	caches.tokenKnown[tokenCacheKey(item.ServiceName, item.UserID)] = true

	if err := w.policy.MarkProcessed(ctx, item, map[string]any{"completed_at": w.now().UTC()}); err != nil {
		return domain.OutcomeFailed, err
	}
	return domain.OutcomeProcessed, nil
}

// syncWorkout downloads the activity behind the item under a guarded token
// and persists the normalized result. Saving is idempotent, so a redelivered
// item repeats no visible side effect.
func (w *Worker) syncWorkout(ctx context.Context, item *domain.WorkItem) error {
	provider, err := w.registry.Provider(item.ServiceName)
	if err != nil {
		return err
	}
	fileRef := item.FileRef
	if fileRef == "" {
		fileRef = item.WorkoutID
	}
	return w.guard.ExecuteWithTokenRetry(ctx, item.ServiceName, item.UserID, func(ctx context.Context, accessToken string) error {
		payload, err := provider.DownloadActivity(ctx, accessToken, fileRef)
		if err != nil {
			return err
		}
		return w.activities.SaveActivity(ctx, &domain.Activity{
			ServiceName: item.ServiceName,
			UserID:      item.UserID,
			WorkoutID:   item.WorkoutID,
			Payload:     payload,
			StoredAt:    w.now().UTC(),
		})
	})
}

// reportFailure normalizes the error to a kind and routes it through the
// retry policy engine. Missing credentials and missing accounts dead-letter
// immediately; everything else increments by the kind's severity step.
func (w *Worker) reportFailure(ctx context.Context, item *domain.WorkItem, cause error, caches *RunCaches) (domain.Outcome, error) {
	kind := domain.ClassifyError(cause)
	switch kind {
	case domain.KindNoToken:
		caches.tokenKnown[tokenCacheKey(item.ServiceName, item.UserID)] = false
		if err := w.policy.MoveToDeadLetter(ctx, item, cause, domain.ContextNoTokenFound); err != nil {
			return domain.OutcomeFailed, err
		}
		return domain.OutcomeMovedToDeadLetter, nil
	case domain.KindUserNotFound:
		caches.userExists[item.UserID] = false
		if err := w.policy.MoveToDeadLetter(ctx, item, cause, domain.ContextUserNotFound); err != nil {
			return domain.OutcomeFailed, err
		}
		return domain.OutcomeMovedToDeadLetter, nil
	default:
		return w.policy.IncreaseRetryCount(ctx, item, cause, domain.RetryIncrementFor(kind))
	}
}

func (w *Worker) userExists(ctx context.Context, userID string, caches *RunCaches) (bool, error) {
	if exists, ok := caches.userExists[userID]; ok {
		return exists, nil
	}
	_, err := w.users.GetUserByID(ctx, userID)
	if errors.Is(err, domain.ErrUserNotFound) {
		caches.userExists[userID] = false
		return false, nil
	}
	if err != nil {
		return false, err
	}
	caches.userExists[userID] = true
	return true, nil
}

// HandleTokenDeleted is the credential-deletion trigger: every pending item
// for the lost credential dead-letters with the no-token context, since
// processing them again cannot succeed without user action.
func (w *Worker) HandleTokenDeleted(ctx context.Context, service domain.ServiceName, userID string) error {
	pending, err := w.items.FindPendingByUser(ctx, service, userID)
	if err != nil {
		return err
	}
	for _, item := range pending {
		if err := w.policy.MoveToDeadLetter(ctx, item, domain.ErrNoTokenFound, domain.ContextNoTokenFound); err != nil {
			log.Error().Err(err).Str("item_id", item.ID).
				Msg("Failed to dead-letter item after token deletion.")
		}
	}
	return nil
}
