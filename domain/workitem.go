package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// ItemType distinguishes ordinary workout sync items from the request items
// produced by the history import flow.
type ItemType string

const (
	ItemTypeWorkout       ItemType = "workout"
	ItemTypeImportRequest ItemType = "import_request"
)

// DeadLetterContext is a short machine-readable reason attached to an item
// when it is moved out of the live queue.
type DeadLetterContext string

const (
	ContextNoTokenFound    DeadLetterContext = "NO_TOKEN_FOUND"
	ContextUserNotFound    DeadLetterContext = "USER_NOT_FOUND"
	ContextMaxRetryReached DeadLetterContext = "MAX_RETRY_REACHED"
)

// Outcome is the result of one processing attempt on a work item. Callers
// branch on this instead of inspecting error shapes.
type Outcome int

const (
	OutcomeFailed Outcome = iota
	OutcomeProcessed
	OutcomeRetryIncremented
	OutcomeMovedToDeadLetter
)

func (o Outcome) String() string {
	switch o {
	case OutcomeProcessed:
		return "processed"
	case OutcomeRetryIncremented:
		return "retry_incremented"
	case OutcomeMovedToDeadLetter:
		return "moved_to_dead_letter"
	default:
		return "failed"
	}
}

// ErrorRecord is one entry in a work item's append-only error history.
type ErrorRecord struct {
	Error        string    `bson:"error" json:"error"`
	AtRetryCount int       `bson:"at_retry_count" json:"at_retry_count"`
	Date         time.Time `bson:"date" json:"date"`
}

// WorkItem is one unit of sync work: either a single workout to ingest or a
// pending history import request. Items live in a per-provider queue
// collection until they are processed or dead-lettered.
type WorkItem struct {
	ID          string      `bson:"_id" json:"id"`
	ServiceName ServiceName `bson:"service_name" json:"service_name"`
	Type        ItemType    `bson:"type" json:"type"`

	UserID         string `bson:"user_id" json:"user_id"`
	ExternalUserID string `bson:"external_user_id,omitempty" json:"external_user_id,omitempty"`
	WorkoutID      string `bson:"workout_id,omitempty" json:"workout_id,omitempty"`
	FileRef        string `bson:"file_ref,omitempty" json:"file_ref,omitempty"`

	// Import request window, only set when Type == ItemTypeImportRequest.
	StartDate time.Time `bson:"start_date,omitempty" json:"start_date,omitempty"`
	EndDate   time.Time `bson:"end_date,omitempty" json:"end_date,omitempty"`

	DateCreated     time.Time     `bson:"date_created" json:"date_created"`
	RetryCount      int           `bson:"retry_count" json:"retry_count"`
	TotalRetryCount int           `bson:"total_retry_count" json:"total_retry_count"`
	Errors          []ErrorRecord `bson:"errors,omitempty" json:"errors,omitempty"`
	Processed       bool          `bson:"processed" json:"processed"`
	ProcessedAt     time.Time     `bson:"processed_at,omitempty" json:"processed_at,omitempty"`
	Result          map[string]any `bson:"result,omitempty" json:"result,omitempty"`
}

// DeadLetterItem is the dead-letter copy of a work item, augmented with the
// terminal failure details and a TTL timestamp consumed by the store's own
// expiry index.
type DeadLetterItem struct {
	WorkItem `bson:",inline"`

	FailedError        string            `bson:"error" json:"error"`
	FailedAt           time.Time         `bson:"failed_at" json:"failed_at"`
	OriginalCollection string            `bson:"original_collection" json:"original_collection"`
	Context            DeadLetterContext `bson:"context" json:"context"`
	ExpireAt           time.Time         `bson:"expire_at" json:"expire_at"`
}

// WorkoutItemID derives a stable work item identity from the provider and the
// provider's workout identifier, so re-notification of the same workout maps
// to the same document.
func WorkoutItemID(service ServiceName, externalWorkoutID string) string {
	sum := sha256.Sum256([]byte(string(service) + "/" + externalWorkoutID))
	return hex.EncodeToString(sum[:12])
}

// NewWorkoutItem builds a live queue item for a single external workout.
func NewWorkoutItem(service ServiceName, userID, externalUserID, workoutID, fileRef string, now time.Time) *WorkItem {
	return &WorkItem{
		ID:             WorkoutItemID(service, workoutID),
		ServiceName:    service,
		Type:           ItemTypeWorkout,
		UserID:         userID,
		ExternalUserID: externalUserID,
		WorkoutID:      workoutID,
		FileRef:        fileRef,
		DateCreated:    now.UTC(),
	}
}
