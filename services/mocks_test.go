package services

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
	"golang.org/x/oauth2"

	"go.pilab.hu/fitsync/domain"
)

// --- Mock Implementations ---

type MockWorkItemRepository struct {
	mock.Mock
}

func (m *MockWorkItemRepository) PutIfAbsent(ctx context.Context, item *domain.WorkItem) error {
	args := m.Called(ctx, item)
	return args.Error(0)
}

func (m *MockWorkItemRepository) GetItem(ctx context.Context, service domain.ServiceName, id string) (*domain.WorkItem, error) {
	args := m.Called(ctx, service, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.WorkItem), args.Error(1)
}

func (m *MockWorkItemRepository) UpdateItem(ctx context.Context, item *domain.WorkItem) error {
	args := m.Called(ctx, item)
	return args.Error(0)
}

func (m *MockWorkItemRepository) FindUnprocessed(ctx context.Context, service domain.ServiceName, maxRetry, limit int) ([]*domain.WorkItem, error) {
	args := m.Called(ctx, service, maxRetry, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.WorkItem), args.Error(1)
}

func (m *MockWorkItemRepository) FindPendingByUser(ctx context.Context, service domain.ServiceName, userID string) ([]*domain.WorkItem, error) {
	args := m.Called(ctx, service, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.WorkItem), args.Error(1)
}

func (m *MockWorkItemRepository) MoveToDeadLetter(ctx context.Context, dl *domain.DeadLetterItem) error {
	args := m.Called(ctx, dl)
	return args.Error(0)
}

func (m *MockWorkItemRepository) CommitChunk(ctx context.Context, items []*domain.WorkItem, cursor *domain.ImportCursor) error {
	args := m.Called(ctx, items, cursor)
	return args.Error(0)
}

func (m *MockWorkItemRepository) GetImportCursor(ctx context.Context, service domain.ServiceName, userID string) (*domain.ImportCursor, error) {
	args := m.Called(ctx, service, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ImportCursor), args.Error(1)
}

func (m *MockWorkItemRepository) ListDeadLetter(ctx context.Context, service domain.ServiceName, limit int) ([]*domain.DeadLetterItem, error) {
	args := m.Called(ctx, service, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.DeadLetterItem), args.Error(1)
}

func (m *MockWorkItemRepository) RequeueDeadLetter(ctx context.Context, service domain.ServiceName, id string) (*domain.WorkItem, error) {
	args := m.Called(ctx, service, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.WorkItem), args.Error(1)
}

type MockTokenRepository struct {
	mock.Mock
}

func (m *MockTokenRepository) GetToken(ctx context.Context, service domain.ServiceName, userID string) (*domain.ProviderToken, error) {
	args := m.Called(ctx, service, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ProviderToken), args.Error(1)
}

func (m *MockTokenRepository) UpsertToken(ctx context.Context, token *domain.ProviderToken) error {
	args := m.Called(ctx, token)
	return args.Error(0)
}

func (m *MockTokenRepository) DeleteToken(ctx context.Context, service domain.ServiceName, userID string) error {
	args := m.Called(ctx, service, userID)
	return args.Error(0)
}

func (m *MockTokenRepository) ListTokens(ctx context.Context, service domain.ServiceName, limit int) ([]*domain.ProviderToken, error) {
	args := m.Called(ctx, service, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.ProviderToken), args.Error(1)
}

type MockUserRepository struct {
	mock.Mock
}

func (m *MockUserRepository) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.User), args.Error(1)
}

type MockActivityStore struct {
	mock.Mock
}

func (m *MockActivityStore) SaveActivity(ctx context.Context, activity *domain.Activity) error {
	args := m.Called(ctx, activity)
	return args.Error(0)
}

type MockWorkoutProvider struct {
	mock.Mock
	name           domain.ServiceName
	maxWindowDays  int
	lookbackMonths int
}

func (m *MockWorkoutProvider) Name() domain.ServiceName { return m.name }

func (m *MockWorkoutProvider) MaxWindowDays() int { return m.maxWindowDays }

func (m *MockWorkoutProvider) LookbackMonths() int { return m.lookbackMonths }

func (m *MockWorkoutProvider) GetWorkoutList(ctx context.Context, accessToken string, window domain.Window) ([]domain.WorkoutRef, error) {
	args := m.Called(ctx, accessToken, window)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.WorkoutRef), args.Error(1)
}

func (m *MockWorkoutProvider) DownloadActivity(ctx context.Context, accessToken, fileRef string) ([]byte, error) {
	args := m.Called(ctx, accessToken, fileRef)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockWorkoutProvider) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	args := m.Called(ctx, refreshToken)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*oauth2.Token), args.Error(1)
}

func (m *MockWorkoutProvider) Deauthorize(ctx context.Context, accessToken string) error {
	args := m.Called(ctx, accessToken)
	return args.Error(0)
}

type staticRegistry struct {
	provider domain.WorkoutProvider
}

func (r *staticRegistry) Provider(service domain.ServiceName) (domain.WorkoutProvider, error) {
	return r.provider, nil
}

type MockEnqueuer struct {
	mock.Mock
}

func (m *MockEnqueuer) Enqueue(ctx context.Context, service domain.ServiceName, itemID string, dateCreated time.Time, delay time.Duration) error {
	args := m.Called(ctx, service, itemID, dateCreated, delay)
	return args.Error(0)
}
