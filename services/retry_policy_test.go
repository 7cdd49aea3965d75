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
	"go.pilab.hu/fitsync/mongodb"
)

func testItem(retryCount int) *domain.WorkItem {
	return &domain.WorkItem{
		ID:          "item-x",
		ServiceName: domain.ServiceGarmin,
		Type:        domain.ItemTypeWorkout,
		UserID:      "user-1",
		WorkoutID:   "w-1",
		DateCreated: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		RetryCount:  retryCount,
	}
}

func TestIncreaseRetryCount_IncrementsAndAppendsError(t *testing.T) {
	items := new(MockWorkItemRepository)
	policy := NewRetryPolicy(items, 10, 14*24*time.Hour)

	item := testItem(2)
	item.TotalRetryCount = 5
	items.On("UpdateItem", mock.Anything, item).Return(nil)

	outcome, err := policy.IncreaseRetryCount(context.Background(), item, errors.New("connection reset"), 1)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeRetryIncremented, outcome)
	assert.Equal(t, 3, item.RetryCount)
	assert.Equal(t, 6, item.TotalRetryCount)
	require.Len(t, item.Errors, 1)
	assert.Equal(t, "connection reset", item.Errors[0].Error)
	assert.Equal(t, 2, item.Errors[0].AtRetryCount)
	items.AssertExpectations(t)
}

func TestIncreaseRetryCount_NineIncrementsStayLive(t *testing.T) {
	items := new(MockWorkItemRepository)
	policy := NewRetryPolicy(items, 10, 14*24*time.Hour)
	items.On("UpdateItem", mock.Anything, mock.Anything).Return(nil)

	item := testItem(0)
	for i := 0; i < 9; i++ {
		outcome, err := policy.IncreaseRetryCount(context.Background(), item, errors.New("transient"), 1)
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeRetryIncremented, outcome)
	}
	assert.Equal(t, 9, item.RetryCount)
	items.AssertNotCalled(t, "MoveToDeadLetter", mock.Anything, mock.Anything)
}

func TestIncreaseRetryCount_TenthIncrementDeadLetters(t *testing.T) {
	items := new(MockWorkItemRepository)
	policy := NewRetryPolicy(items, 10, 14*24*time.Hour)

	item := testItem(9)
	items.On("MoveToDeadLetter", mock.Anything, mock.MatchedBy(func(dl *domain.DeadLetterItem) bool {
		return dl.ID == item.ID && dl.Context == domain.ContextMaxRetryReached
	})).Return(nil)

	outcome, err := policy.IncreaseRetryCount(context.Background(), item, errors.New("still failing"), 1)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeMovedToDeadLetter, outcome)
	// The increment is never partially applied on the dead-letter path.
	assert.Equal(t, 9, item.RetryCount)
	items.AssertNotCalled(t, "UpdateItem", mock.Anything, mock.Anything)
	items.AssertExpectations(t)
}

func TestIncreaseRetryCount_LargeIncrementReachesThresholdEarly(t *testing.T) {
	items := new(MockWorkItemRepository)
	policy := NewRetryPolicy(items, 10, 14*24*time.Hour)

	item := testItem(0)
	items.On("MoveToDeadLetter", mock.Anything, mock.Anything).Return(nil)

	outcome, err := policy.IncreaseRetryCount(context.Background(), item, errors.New("usage limit exceeded"), 20)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeMovedToDeadLetter, outcome)
	items.AssertExpectations(t)
}

func TestMoveToDeadLetter_BuildsAugmentedCopy(t *testing.T) {
	items := new(MockWorkItemRepository)
	policy := NewRetryPolicy(items, 10, 14*24*time.Hour)

	item := testItem(9)
	var captured *domain.DeadLetterItem
	items.On("MoveToDeadLetter", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		captured = args.Get(1).(*domain.DeadLetterItem)
	}).Return(nil)

	err := policy.MoveToDeadLetter(context.Background(), item, errors.New("Big error"), domain.ContextMaxRetryReached)
	require.NoError(t, err)
	require.NotNil(t, captured)
	assert.Equal(t, "Big error", captured.FailedError)
	assert.Equal(t, mongodb.QueueCollection(domain.ServiceGarmin), captured.OriginalCollection)
	assert.Equal(t, domain.ContextMaxRetryReached, captured.Context)
	assert.False(t, captured.FailedAt.IsZero())
	assert.True(t, captured.ExpireAt.After(captured.FailedAt))
}

func TestMoveToDeadLetter_StoreFailureIsReturnedNotRetried(t *testing.T) {
	items := new(MockWorkItemRepository)
	policy := NewRetryPolicy(items, 10, 14*24*time.Hour)

	item := testItem(9)
	storeErr := errors.New("store unreachable")
	items.On("MoveToDeadLetter", mock.Anything, mock.Anything).Return(storeErr).Once()

	err := policy.MoveToDeadLetter(context.Background(), item, errors.New("cause"), domain.ContextMaxRetryReached)
	assert.ErrorIs(t, err, storeErr)
	items.AssertNumberOfCalls(t, "MoveToDeadLetter", 1)
}

func TestMarkProcessed_SetsTerminalFlagsAndMergesResult(t *testing.T) {
	items := new(MockWorkItemRepository)
	policy := NewRetryPolicy(items, 10, 14*24*time.Hour)

	item := testItem(3)
	items.On("UpdateItem", mock.Anything, item).Return(nil)

	err := policy.MarkProcessed(context.Background(), item, map[string]any{"bytes": 128})
	require.NoError(t, err)
	assert.True(t, item.Processed)
	assert.False(t, item.ProcessedAt.IsZero())
	assert.Equal(t, 128, item.Result["bytes"])
	// Retry state is untouched by success.
	assert.Equal(t, 3, item.RetryCount)
}
