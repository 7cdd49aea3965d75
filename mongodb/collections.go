package mongodb

import "go.pilab.hu/fitsync/domain"

const (
	UsersCollection      = "users"            // Internal user accounts
	TokensCollection     = "provider_tokens"  // OAuth tokens per provider/user
	DeadLetterCollection = "sync_dead_letter" // Shared dead-letter collection
	CursorsCollection    = "import_cursors"   // History import progress cursors
	ActivitiesCollection = "activities"       // Normalized downloaded activities

	queueCollectionPrefix = "sync_queue_"

	// MaxBatchOps is the store's hard cap on operations per atomic batch.
	// Callers chunk conservatively below it.
	MaxBatchOps = 500
)

// QueueCollection returns the live work item collection for a provider.
func QueueCollection(service domain.ServiceName) string {
	return queueCollectionPrefix + string(service)
}
