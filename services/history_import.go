package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"go.pilab.hu/fitsync/domain"
	"go.pilab.hu/fitsync/internal/dispatch"
)

// DefaultChunkSize stays conservatively below the store's atomic batch cap,
// leaving room for the cursor write in the same batch.
const DefaultChunkSize = 450

// HistoryImporter splits user-requested historical ranges into provider-safe
// windows and enqueues the discovered workouts in atomic chunks alongside a
// progress cursor.
type HistoryImporter struct {
	items      domain.WorkItemRepository
	dispatcher dispatch.Enqueuer
	registry   domain.ProviderRegistry
	guard      *TokenGuard

	chunkSize       int
	cooldownPerItem time.Duration
	cooldownMax     time.Duration
	now             func() time.Time
}

func NewHistoryImporter(
	items domain.WorkItemRepository,
	dispatcher dispatch.Enqueuer,
	registry domain.ProviderRegistry,
	guard *TokenGuard,
	cooldownPerItem, cooldownMax time.Duration,
) *HistoryImporter {
	if cooldownPerItem <= 0 {
		cooldownPerItem = time.Minute
	}
	if cooldownMax <= 0 {
		cooldownMax = 24 * time.Hour
	}
	return &HistoryImporter{
		items:           items,
		dispatcher:      dispatcher,
		registry:        registry,
		guard:           guard,
		chunkSize:       DefaultChunkSize,
		cooldownPerItem: cooldownPerItem,
		cooldownMax:     cooldownMax,
		now:             time.Now,
	}
}

// EnqueueHistoryImport validates and records the import request as its own
// work item, then dispatches it. No provider API is called synchronously.
func (h *HistoryImporter) EnqueueHistoryImport(ctx context.Context, userID string, service domain.ServiceName, startDate, endDate time.Time) (*domain.WorkItem, error) {
	if !startDate.Before(endDate) {
		return nil, fmt.Errorf("import start date %s is not before end date %s", startDate, endDate)
	}

	provider, err := h.registry.Provider(service)
	if err != nil {
		return nil, err
	}

	now := h.now().UTC()
	window, err := ClampLookback(now, domain.Window{From: startDate, To: endDate}, provider.LookbackMonths())
	if err != nil {
		return nil, err
	}

	if err := h.checkCooldown(ctx, service, userID, now); err != nil {
		return nil, err
	}

	item := &domain.WorkItem{
		ID:          uuid.NewString(),
		ServiceName: service,
		Type:        domain.ItemTypeImportRequest,
		UserID:      userID,
		StartDate:   window.From,
		EndDate:     window.To,
		DateCreated: now,
	}
	if err := h.items.PutIfAbsent(ctx, item); err != nil {
		return nil, err
	}
	if err := h.dispatcher.Enqueue(ctx, service, item.ID, item.DateCreated, 0); err != nil {
		// The drainer picks the request up even if direct dispatch failed.
		log.Warn().Err(err).Str("item_id", item.ID).
			Msg("Failed to dispatch import request, drainer will pick it up.")
	}
	return item, nil
}

// checkCooldown imposes a pause proportional to how many items the previous
// import produced, protecting the provider's rate limits.
func (h *HistoryImporter) checkCooldown(ctx context.Context, service domain.ServiceName, userID string, now time.Time) error {
	cursor, err := h.items.GetImportCursor(ctx, service, userID)
	if err != nil {
		return err
	}
	if cursor == nil {
		return nil
	}
	cooldown := h.cooldownFor(cursor.LastImported)
	if until := cursor.LastImportAt.Add(cooldown); now.Before(until) {
		return fmt.Errorf("%w: next import allowed at %s", domain.ErrImportCooldown, until.UTC().Format(time.RFC3339))
	}
	return nil
}

func (h *HistoryImporter) cooldownFor(lastImported int) time.Duration {
	cooldown := time.Duration(lastImported) * h.cooldownPerItem
	if cooldown > h.cooldownMax {
		return h.cooldownMax
	}
	return cooldown
}

// ProcessRequest executes a previously enqueued import request: queries the
// provider across the full clamped window and commits the discovered workouts
// in atomic chunks, each together with the progress cursor.
func (h *HistoryImporter) ProcessRequest(ctx context.Context, item *domain.WorkItem) error {
	provider, err := h.registry.Provider(item.ServiceName)
	if err != nil {
		return err
	}

	now := h.now().UTC()
	// Clamp again: the lookback boundary has moved since enqueue time.
	window, err := ClampLookback(now, domain.Window{From: item.StartDate, To: item.EndDate}, provider.LookbackMonths())
	if err != nil {
		return err
	}

	var refs []domain.WorkoutRef
	err = h.guard.ExecuteWithTokenRetry(ctx, item.ServiceName, item.UserID, func(ctx context.Context, accessToken string) error {
		collected := make([]domain.WorkoutRef, 0)
		for _, win := range ChunkWindows(window, provider.MaxWindowDays()) {
			batch, listErr := provider.GetWorkoutList(ctx, accessToken, win)
			if listErr != nil {
				return listErr
			}
			collected = append(collected, batch...)
		}
		refs = collected
		return nil
	})
	if err != nil {
		return err
	}

	imported := h.commitChunks(ctx, item, refs, now)
	log.Info().Str("item_id", item.ID).Str("service", string(item.ServiceName)).
		Int("discovered", len(refs)).Int("imported", imported).
		Msg("History import request processed.")
	return nil
}

// commitChunks writes the discovered workouts in batches no larger than the
// chunk size. A failed chunk rolls its counters back locally and chunking
// continues; the affected workouts stay absent until a future run
// re-discovers them.
func (h *HistoryImporter) commitChunks(ctx context.Context, item *domain.WorkItem, refs []domain.WorkoutRef, now time.Time) int {
	imported := 0
	for start := 0; start < len(refs); start += h.chunkSize {
		end := start + h.chunkSize
		if end > len(refs) {
			end = len(refs)
		}
		chunk := refs[start:end]

		items := make([]*domain.WorkItem, 0, len(chunk))
		for _, ref := range chunk {
			items = append(items, domain.NewWorkoutItem(
				item.ServiceName, item.UserID, item.ExternalUserID, ref.ExternalID, ref.FileRef, now))
		}

		cursor := &domain.ImportCursor{
			ServiceName:  item.ServiceName,
			UserID:       item.UserID,
			LastImportAt: now,
			LastImported: imported + len(chunk),
		}
		if err := h.items.CommitChunk(ctx, items, cursor); err != nil {
			log.Error().Err(err).Str("item_id", item.ID).Int("chunk_size", len(chunk)).
				Msg("Failed to commit import chunk, continuing with next chunk.")
			continue
		}
		imported += len(chunk)

		for _, queued := range items {
			if err := h.dispatcher.Enqueue(ctx, queued.ServiceName, queued.ID, queued.DateCreated, 0); err != nil {
				log.Warn().Err(err).Str("item_id", queued.ID).
					Msg("Failed to dispatch imported workout, drainer will pick it up.")
			}
		}
	}
	return imported
}

// ChunkWindows splits a window into consecutive sub-windows no longer than
// maxDays each.
func ChunkWindows(w domain.Window, maxDays int) []domain.Window {
	if maxDays <= 0 || !w.From.Before(w.To) {
		return []domain.Window{w}
	}
	step := time.Duration(maxDays) * 24 * time.Hour
	var wins []domain.Window
	for from := w.From; from.Before(w.To); from = from.Add(step) {
		to := from.Add(step)
		if to.After(w.To) {
			to = w.To
		}
		wins = append(wins, domain.Window{From: from, To: to})
	}
	return wins
}

// ClampLookback enforces the provider's history limit. The boundary is
// computed with calendar-month arithmetic truncated to the day, inclusive: a
// window ending exactly on the boundary is still served. Only a window that
// lies entirely before the boundary is rejected; otherwise the start is
// clamped to it.
func ClampLookback(now time.Time, w domain.Window, months int) (domain.Window, error) {
	if months <= 0 {
		return w, nil
	}
	limit := now.AddDate(0, -months, 0).UTC().Truncate(24 * time.Hour)
	if w.To.Before(limit) {
		return domain.Window{}, fmt.Errorf("%w: window ends %s, limit is %s",
			domain.ErrWindowTooOld, w.To.UTC().Format("2006-01-02"), limit.Format("2006-01-02"))
	}
	if w.From.Before(limit) {
		w.From = limit
	}
	return w, nil
}
