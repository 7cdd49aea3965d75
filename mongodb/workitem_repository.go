package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"go.pilab.hu/fitsync/domain"
)

// WorkItemRepository stores live queue items in per-provider collections and
// dead-letter copies in a single shared collection with a TTL index.
type WorkItemRepository struct {
	db     *mongo.Database
	client *mongo.Client
}

func NewWorkItemRepository(ctx context.Context, db *mongo.Database, client *mongo.Client) (domain.WorkItemRepository, error) {
	repo := &WorkItemRepository{db: db, client: client}
	if err := repo.createIndexes(ctx); err != nil {
		return nil, err
	}
	return repo, nil
}

func (r *WorkItemRepository) createIndexes(ctx context.Context) error {
	// The store evicts dead-letter documents itself once expire_at passes.
	_, err := r.db.Collection(DeadLetterCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expire_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		return fmt.Errorf("failed to create dead-letter TTL index: %w", err)
	}
	for _, service := range domain.SupportedServices {
		_, err := r.db.Collection(QueueCollection(service)).Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys: bson.D{
				{Key: "processed", Value: 1},
				{Key: "retry_count", Value: 1},
				{Key: "date_created", Value: 1},
			},
		})
		if err != nil {
			return fmt.Errorf("failed to create queue index for %s: %w", service, err)
		}
	}
	return nil
}

func (r *WorkItemRepository) queue(service domain.ServiceName) *mongo.Collection {
	return r.db.Collection(QueueCollection(service))
}

func (r *WorkItemRepository) PutIfAbsent(ctx context.Context, item *domain.WorkItem) error {
	// $setOnInsert keeps a re-notified item's retry state and creation time
	// intact: identical business keys map to the same document identity.
	filter := bson.M{"_id": item.ID}
	update := bson.M{"$setOnInsert": item}
	_, err := r.queue(item.ServiceName).UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to insert work item %s: %w", item.ID, err)
	}
	return nil
}

func (r *WorkItemRepository) GetItem(ctx context.Context, service domain.ServiceName, id string) (*domain.WorkItem, error) {
	var item domain.WorkItem
	err := r.queue(service).FindOne(ctx, bson.M{"_id": id}).Decode(&item)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load work item %s: %w", id, err)
	}
	return &item, nil
}

func (r *WorkItemRepository) UpdateItem(ctx context.Context, item *domain.WorkItem) error {
	result, err := r.queue(item.ServiceName).ReplaceOne(ctx, bson.M{"_id": item.ID}, item)
	if err != nil {
		return fmt.Errorf("failed to update work item %s: %w", item.ID, err)
	}
	if result.MatchedCount == 0 {
		return domain.ErrItemNotFound
	}
	return nil
}

func (r *WorkItemRepository) FindUnprocessed(ctx context.Context, service domain.ServiceName, maxRetry, limit int) ([]*domain.WorkItem, error) {
	filter := bson.M{
		"processed":   false,
		"retry_count": bson.M{"$lt": maxRetry},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "date_created", Value: 1}}).
		SetLimit(int64(limit))
	cursor, err := r.queue(service).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query unprocessed items: %w", err)
	}
	defer cursor.Close(ctx)

	var items []*domain.WorkItem
	if err := cursor.All(ctx, &items); err != nil {
		return nil, fmt.Errorf("failed to decode work items: %w", err)
	}
	return items, nil
}

func (r *WorkItemRepository) FindPendingByUser(ctx context.Context, service domain.ServiceName, userID string) ([]*domain.WorkItem, error) {
	cursor, err := r.queue(service).Find(ctx, bson.M{"user_id": userID, "processed": false})
	if err != nil {
		return nil, fmt.Errorf("failed to query pending items for user %s: %w", userID, err)
	}
	defer cursor.Close(ctx)

	var items []*domain.WorkItem
	if err := cursor.All(ctx, &items); err != nil {
		return nil, fmt.Errorf("failed to decode work items: %w", err)
	}
	return items, nil
}

// MoveToDeadLetter inserts the dead-letter copy and deletes the live document
// in one transaction. The item is never observable in both collections.
func (r *WorkItemRepository) MoveToDeadLetter(ctx context.Context, dl *domain.DeadLetterItem) error {
	session, err := r.client.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc context.Context) (any, error) {
		if _, err := r.db.Collection(DeadLetterCollection).ReplaceOne(
			sc, bson.M{"_id": dl.ID}, dl, options.Replace().SetUpsert(true),
		); err != nil {
			return nil, err
		}
		if _, err := r.queue(dl.ServiceName).DeleteOne(sc, bson.M{"_id": dl.ID}); err != nil {
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("failed to move item %s to dead letter: %w", dl.ID, err)
	}
	return nil
}

// CommitChunk writes a chunk of work items and the import cursor in one
// transaction, so cursor and data are never observed out of sync.
func (r *WorkItemRepository) CommitChunk(ctx context.Context, items []*domain.WorkItem, cursor *domain.ImportCursor) error {
	if len(items) == 0 {
		return nil
	}
	// One op per item plus the cursor write.
	if len(items)+1 > MaxBatchOps {
		return fmt.Errorf("chunk of %d items exceeds the %d-operation batch cap", len(items), MaxBatchOps)
	}

	session, err := r.client.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc context.Context) (any, error) {
		models := make([]mongo.WriteModel, 0, len(items))
		for _, item := range items {
			models = append(models, mongo.NewUpdateOneModel().
				SetFilter(bson.M{"_id": item.ID}).
				SetUpdate(bson.M{"$setOnInsert": item}).
				SetUpsert(true))
		}
		if _, err := r.queue(items[0].ServiceName).BulkWrite(sc, models); err != nil {
			return nil, err
		}

		cursorFilter := bson.M{"service_name": cursor.ServiceName, "user_id": cursor.UserID}
		cursorUpdate := bson.M{
			"$set": bson.M{
				"last_import_at": cursor.LastImportAt,
				"last_imported":  cursor.LastImported,
			},
			"$inc": bson.M{"total_imported": len(items)},
			"$setOnInsert": bson.M{
				"service_name": cursor.ServiceName,
				"user_id":      cursor.UserID,
			},
		}
		if _, err := r.db.Collection(CursorsCollection).UpdateOne(
			sc, cursorFilter, cursorUpdate, options.UpdateOne().SetUpsert(true),
		); err != nil {
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("failed to commit import chunk: %w", err)
	}
	return nil
}

func (r *WorkItemRepository) GetImportCursor(ctx context.Context, service domain.ServiceName, userID string) (*domain.ImportCursor, error) {
	var cursor domain.ImportCursor
	err := r.db.Collection(CursorsCollection).
		FindOne(ctx, bson.M{"service_name": service, "user_id": userID}).
		Decode(&cursor)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load import cursor: %w", err)
	}
	return &cursor, nil
}

func (r *WorkItemRepository) ListDeadLetter(ctx context.Context, service domain.ServiceName, limit int) ([]*domain.DeadLetterItem, error) {
	filter := bson.M{}
	if service != "" {
		filter["service_name"] = service
	}
	opts := options.Find().SetSort(bson.D{{Key: "failed_at", Value: -1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	cursor, err := r.db.Collection(DeadLetterCollection).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead-letter items: %w", err)
	}
	defer cursor.Close(ctx)

	var items []*domain.DeadLetterItem
	if err := cursor.All(ctx, &items); err != nil {
		return nil, fmt.Errorf("failed to decode dead-letter items: %w", err)
	}
	return items, nil
}

// RequeueDeadLetter moves a dead-letter document back to its original live
// collection with retry state cleared, as one transaction. The returned item
// carries a fresh creation time so it dispatches as a logically new delivery.
func (r *WorkItemRepository) RequeueDeadLetter(ctx context.Context, service domain.ServiceName, id string) (*domain.WorkItem, error) {
	var dl domain.DeadLetterItem
	err := r.db.Collection(DeadLetterCollection).FindOne(ctx, bson.M{"_id": id}).Decode(&dl)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load dead-letter item %s: %w", id, err)
	}

	item := dl.WorkItem
	item.RetryCount = 0
	item.Errors = nil
	item.DateCreated = time.Now().UTC()

	session, err := r.client.StartSession()
	if err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc context.Context) (any, error) {
		if _, err := r.queue(item.ServiceName).ReplaceOne(
			sc, bson.M{"_id": item.ID}, &item, options.Replace().SetUpsert(true),
		); err != nil {
			return nil, err
		}
		if _, err := r.db.Collection(DeadLetterCollection).DeleteOne(sc, bson.M{"_id": id}); err != nil {
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to requeue dead-letter item %s: %w", id, err)
	}
	return &item, nil
}
