package domain

import (
	"context"
	"time"
)

// TokenRepository is the credential store adapter: durable storage for
// provider OAuth2 tokens keyed by provider + user identity.
type TokenRepository interface {
	GetToken(ctx context.Context, service ServiceName, userID string) (*ProviderToken, error)
	// UpsertToken persists a new or refreshed token. Exactly one live
	// document per (service, user) tuple survives the write.
	UpsertToken(ctx context.Context, token *ProviderToken) error
	// DeleteToken removes a permanently invalidated credential.
	DeleteToken(ctx context.Context, service ServiceName, userID string) error
	ListTokens(ctx context.Context, service ServiceName, limit int) ([]*ProviderToken, error)
}

// ImportCursor is the per-user, per-provider history import progress marker.
// It is committed in the same atomic batch as the chunk it accounts for.
type ImportCursor struct {
	ID            string      `bson:"_id,omitempty" json:"id"`
	ServiceName   ServiceName `bson:"service_name" json:"service_name"`
	UserID        string      `bson:"user_id" json:"user_id"`
	LastImportAt  time.Time   `bson:"last_import_at" json:"last_import_at"`
	LastImported  int         `bson:"last_imported" json:"last_imported"`
	TotalImported int         `bson:"total_imported" json:"total_imported"`
}

// WorkItemRepository is the work item store adapter over the live per-provider
// queue collections and the shared dead-letter collection.
type WorkItemRepository interface {
	// PutIfAbsent inserts a new live item. Re-notification of an existing
	// identity is a no-op and does not reset retry state.
	PutIfAbsent(ctx context.Context, item *WorkItem) error
	GetItem(ctx context.Context, service ServiceName, id string) (*WorkItem, error)
	// UpdateItem replaces the live document for item.ID.
	UpdateItem(ctx context.Context, item *WorkItem) error
	// FindUnprocessed pages live items with processed=false and
	// retryCount < maxRetry, oldest first.
	FindUnprocessed(ctx context.Context, service ServiceName, maxRetry, limit int) ([]*WorkItem, error)
	// FindPendingByUser lists a user's unprocessed items, used when a
	// credential disappears.
	FindPendingByUser(ctx context.Context, service ServiceName, userID string) ([]*WorkItem, error)
	// MoveToDeadLetter atomically inserts the dead-letter copy and deletes
	// the live document. Never leaves the item in both collections.
	MoveToDeadLetter(ctx context.Context, dl *DeadLetterItem) error
	// CommitChunk atomically upserts a chunk of new work items together
	// with the import cursor update. The chunk must respect the store's
	// batch cap; oversized chunks are rejected without a partial write.
	CommitChunk(ctx context.Context, items []*WorkItem, cursor *ImportCursor) error
	GetImportCursor(ctx context.Context, service ServiceName, userID string) (*ImportCursor, error)
	// ListDeadLetter pages the dead-letter collection, newest failures
	// first, for operator inspection.
	ListDeadLetter(ctx context.Context, service ServiceName, limit int) ([]*DeadLetterItem, error)
	// RequeueDeadLetter moves a dead-letter document back to its original
	// live collection with retry state cleared, as one atomic operation.
	RequeueDeadLetter(ctx context.Context, service ServiceName, id string) (*WorkItem, error)
}

// Activity is the normalized persisted result of a successful workout sync.
type Activity struct {
	ID          string      `bson:"_id,omitempty" json:"id"`
	ServiceName ServiceName `bson:"service_name" json:"service_name"`
	UserID      string      `bson:"user_id" json:"user_id"`
	WorkoutID   string      `bson:"workout_id" json:"workout_id"`
	Payload     []byte      `bson:"payload" json:"-"`
	StoredAt    time.Time   `bson:"stored_at" json:"stored_at"`
}

// ActivityStore persists downloaded activity payloads. SaveActivity is
// idempotent on (service, workoutID) so a redelivered item does not duplicate
// its side effect.
type ActivityStore interface {
	SaveActivity(ctx context.Context, activity *Activity) error
}

// UserRepository is the minimal account lookup the worker needs to detect a
// deleted destination account.
type UserRepository interface {
	GetUserByID(ctx context.Context, id string) (*User, error)
}
