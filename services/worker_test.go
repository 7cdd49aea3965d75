package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"go.pilab.hu/fitsync/domain"
	"go.pilab.hu/fitsync/internal/dispatch"
)

type workerFixture struct {
	worker     *Worker
	items      *MockWorkItemRepository
	users      *MockUserRepository
	activities *MockActivityStore
	tokens     *MockTokenRepository
	provider   *MockWorkoutProvider
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	items := new(MockWorkItemRepository)
	users := new(MockUserRepository)
	activities := new(MockActivityStore)
	tokens := new(MockTokenRepository)
	provider := &MockWorkoutProvider{name: domain.ServiceGarmin, maxWindowDays: 30, lookbackMonths: 6}
	registry := &staticRegistry{provider: provider}
	guard := NewTokenGuard(tokens, registry, 10*time.Minute)
	policy := NewRetryPolicy(items, 10, 14*24*time.Hour)
	importer := NewHistoryImporter(items, new(MockEnqueuer), registry, guard, time.Minute, time.Hour)
	worker := NewWorker(items, users, activities, registry, guard, policy, importer)
	return &workerFixture{
		worker:     worker,
		items:      items,
		users:      users,
		activities: activities,
		tokens:     tokens,
		provider:   provider,
	}
}

func (f *workerFixture) userKnown(userID string) {
	f.users.On("GetUserByID", mock.Anything, userID).Return(&domain.User{ID: userID}, nil)
}

func (f *workerFixture) tokenKnown(userID string) {
	f.tokens.On("GetToken", mock.Anything, domain.ServiceGarmin, userID).
		Return(&domain.ProviderToken{
			ServiceName: domain.ServiceGarmin, UserID: userID,
			AccessToken: "access", RefreshToken: "refresh",
			ExpiresAt: time.Now().Add(time.Hour),
		}, nil)
}

func workoutItem(userID string) *domain.WorkItem {
	return domain.NewWorkoutItem(domain.ServiceGarmin, userID, "ext-1", "wk-1", "files/wk-1", time.Now().UTC())
}

func TestProcessItem_SuccessMarksProcessedAndStoresActivity(t *testing.T) {
	f := newWorkerFixture(t)
	f.userKnown("user-1")
	f.tokenKnown("user-1")
	f.provider.On("DownloadActivity", mock.Anything, "access", "files/wk-1").
		Return([]byte(`{"sport":"running"}`), nil)
	var saved *domain.Activity
	f.activities.On("SaveActivity", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { saved = args.Get(1).(*domain.Activity) }).
		Return(nil)
	f.items.On("UpdateItem", mock.Anything, mock.Anything).Return(nil)

	item := workoutItem("user-1")
	outcome, err := f.worker.ProcessItem(context.Background(), item, NewRunCaches())

	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeProcessed, outcome)
	assert.True(t, item.Processed)
	assert.Contains(t, item.Result, "completed_at")
	require.NotNil(t, saved)
	assert.Equal(t, "wk-1", saved.WorkoutID)
}

func TestProcessItem_AlreadyProcessedIsANoOp(t *testing.T) {
	f := newWorkerFixture(t)
	item := workoutItem("user-1")
	item.Processed = true

	outcome, err := f.worker.ProcessItem(context.Background(), item, NewRunCaches())

	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeProcessed, outcome)
	f.users.AssertNotCalled(t, "GetUserByID", mock.Anything, mock.Anything)
	f.items.AssertNotCalled(t, "UpdateItem", mock.Anything, mock.Anything)
}

func TestProcessItem_MissingUserDeadLettersImmediately(t *testing.T) {
	f := newWorkerFixture(t)
	f.users.On("GetUserByID", mock.Anything, "gone").Return(nil, domain.ErrUserNotFound)
	var dl *domain.DeadLetterItem
	f.items.On("MoveToDeadLetter", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { dl = args.Get(1).(*domain.DeadLetterItem) }).
		Return(nil)

	item := workoutItem("gone")
	outcome, err := f.worker.ProcessItem(context.Background(), item, NewRunCaches())

	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeMovedToDeadLetter, outcome)
	require.NotNil(t, dl)
	assert.Equal(t, domain.ContextUserNotFound, dl.Context)
	assert.Equal(t, item.RetryCount, dl.RetryCount)
}

func TestProcessItem_MissingTokenDeadLettersAndPoisonsRunCache(t *testing.T) {
	f := newWorkerFixture(t)
	f.userKnown("user-1")
	f.tokens.On("GetToken", mock.Anything, domain.ServiceGarmin, "user-1").
		Return(nil, domain.ErrTokenNotFound)
	var contexts []domain.DeadLetterContext
	f.items.On("MoveToDeadLetter", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			contexts = append(contexts, args.Get(1).(*domain.DeadLetterItem).Context)
		}).
		Return(nil)

	caches := NewRunCaches()
	outcome, err := f.worker.ProcessItem(context.Background(), workoutItem("user-1"), caches)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeMovedToDeadLetter, outcome)

	// A second item for the same credential in the same run short-circuits
	// without another store lookup.
	outcome, err = f.worker.ProcessItem(context.Background(), workoutItem("user-1"), caches)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeMovedToDeadLetter, outcome)

	f.tokens.AssertNumberOfCalls(t, "GetToken", 1)
	f.users.AssertNumberOfCalls(t, "GetUserByID", 1)
	assert.Equal(t, []domain.DeadLetterContext{domain.ContextNoTokenFound, domain.ContextNoTokenFound}, contexts)
}

func TestProcessItem_TransientFailureIncrementsRetryCount(t *testing.T) {
	f := newWorkerFixture(t)
	f.userKnown("user-1")
	f.tokenKnown("user-1")
	f.provider.On("DownloadActivity", mock.Anything, "access", "files/wk-1").
		Return(nil, domain.NewSyncError(domain.KindTransient, 503, "download", errors.New("unavailable")))
	var updated *domain.WorkItem
	f.items.On("UpdateItem", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { updated = args.Get(1).(*domain.WorkItem) }).
		Return(nil)

	outcome, err := f.worker.ProcessItem(context.Background(), workoutItem("user-1"), NewRunCaches())

	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeRetryIncremented, outcome)
	require.NotNil(t, updated)
	assert.Equal(t, 1, updated.RetryCount)
	assert.False(t, updated.Processed)
}

func TestProcessItem_UsageLimitFailureTakesLargeIncrement(t *testing.T) {
	f := newWorkerFixture(t)
	f.userKnown("user-1")
	f.tokenKnown("user-1")
	f.provider.On("DownloadActivity", mock.Anything, "access", "files/wk-1").
		Return(nil, domain.NewSyncError(domain.KindUsageLimit, 429, "download", errors.New("rate limited")))
	var dl *domain.DeadLetterItem
	f.items.On("MoveToDeadLetter", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { dl = args.Get(1).(*domain.DeadLetterItem) }).
		Return(nil)

	outcome, err := f.worker.ProcessItem(context.Background(), workoutItem("user-1"), NewRunCaches())

	// An increment of 20 crosses the threshold from zero in one step.
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeMovedToDeadLetter, outcome)
	require.NotNil(t, dl)
	assert.Equal(t, domain.ContextMaxRetryReached, dl.Context)
}

func TestProcessItem_MissingFileRefFallsBackToWorkoutID(t *testing.T) {
	f := newWorkerFixture(t)
	f.userKnown("user-1")
	f.tokenKnown("user-1")
	f.provider.On("DownloadActivity", mock.Anything, "access", "wk-1").
		Return([]byte("data"), nil)
	f.activities.On("SaveActivity", mock.Anything, mock.Anything).Return(nil)
	f.items.On("UpdateItem", mock.Anything, mock.Anything).Return(nil)

	item := domain.NewWorkoutItem(domain.ServiceGarmin, "user-1", "ext-1", "wk-1", "", time.Now().UTC())
	outcome, err := f.worker.ProcessItem(context.Background(), item, NewRunCaches())

	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeProcessed, outcome)
	f.provider.AssertCalled(t, "DownloadActivity", mock.Anything, "access", "wk-1")
}

func TestHandleDelivery_AcksWhenItemNoLongerLive(t *testing.T) {
	f := newWorkerFixture(t)
	f.items.On("GetItem", mock.Anything, domain.ServiceGarmin, "item-1").
		Return(nil, domain.ErrItemNotFound)

	err := f.worker.HandleDelivery(context.Background(), dispatch.Payload{
		QueueItemID: "item-1",
		ServiceName: "garmin",
	})
	assert.NoError(t, err)
}

func TestHandleDelivery_AcksUnknownService(t *testing.T) {
	f := newWorkerFixture(t)

	err := f.worker.HandleDelivery(context.Background(), dispatch.Payload{
		QueueItemID: "item-1",
		ServiceName: "fitbit",
	})
	assert.NoError(t, err)
	f.items.AssertNotCalled(t, "GetItem", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleDelivery_ErrorsOnlyWhenNoOutcomeWasRecorded(t *testing.T) {
	f := newWorkerFixture(t)
	item := workoutItem("user-1")
	f.items.On("GetItem", mock.Anything, domain.ServiceGarmin, item.ID).Return(item, nil)
	f.userKnown("user-1")
	f.tokenKnown("user-1")
	f.provider.On("DownloadActivity", mock.Anything, "access", "files/wk-1").
		Return(nil, domain.NewSyncError(domain.KindTransient, 503, "download", errors.New("unavailable")))
	f.items.On("UpdateItem", mock.Anything, mock.Anything).
		Return(errors.New("store write failed"))

	err := f.worker.HandleDelivery(context.Background(), dispatch.Payload{
		QueueItemID: item.ID,
		ServiceName: "garmin",
	})
	// No outcome landed in the store, so the delivery must not be acked.
	assert.Error(t, err)
}

func TestHandleDelivery_AcksRecordedRetryIncrement(t *testing.T) {
	f := newWorkerFixture(t)
	item := workoutItem("user-1")
	f.items.On("GetItem", mock.Anything, domain.ServiceGarmin, item.ID).Return(item, nil)
	f.userKnown("user-1")
	f.tokenKnown("user-1")
	f.provider.On("DownloadActivity", mock.Anything, "access", "files/wk-1").
		Return(nil, domain.NewSyncError(domain.KindTransient, 503, "download", errors.New("unavailable")))
	f.items.On("UpdateItem", mock.Anything, mock.Anything).Return(nil)

	err := f.worker.HandleDelivery(context.Background(), dispatch.Payload{
		QueueItemID: item.ID,
		ServiceName: "garmin",
	})
	assert.NoError(t, err)
}

func TestHandleTokenDeleted_DeadLettersEveryPendingItem(t *testing.T) {
	f := newWorkerFixture(t)
	pending := []*domain.WorkItem{workoutItem("user-1"), workoutItem("user-1")}
	pending[1].WorkoutID = "wk-2"
	f.items.On("FindPendingByUser", mock.Anything, domain.ServiceGarmin, "user-1").
		Return(pending, nil)
	var moved []*domain.DeadLetterItem
	f.items.On("MoveToDeadLetter", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { moved = append(moved, args.Get(1).(*domain.DeadLetterItem)) }).
		Return(nil)

	err := f.worker.HandleTokenDeleted(context.Background(), domain.ServiceGarmin, "user-1")
	require.NoError(t, err)
	require.Len(t, moved, 2)
	for _, dl := range moved {
		assert.Equal(t, domain.ContextNoTokenFound, dl.Context)
	}
}
