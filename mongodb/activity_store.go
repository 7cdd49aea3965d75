package mongodb

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"go.pilab.hu/fitsync/domain"
)

// ActivityStore persists downloaded activity payloads, keyed by provider and
// workout so redeliveries overwrite instead of duplicating.
type ActivityStore struct {
	coll *mongo.Collection
}

func NewActivityStore(ctx context.Context, db *mongo.Database) (domain.ActivityStore, error) {
	store := &ActivityStore{coll: db.Collection(ActivitiesCollection)}
	_, err := store.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "service_name", Value: 1}, {Key: "workout_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create activity index: %w", err)
	}
	return store, nil
}

func (s *ActivityStore) SaveActivity(ctx context.Context, activity *domain.Activity) error {
	if activity.StoredAt.IsZero() {
		activity.StoredAt = time.Now().UTC()
	}
	filter := bson.M{"service_name": activity.ServiceName, "workout_id": activity.WorkoutID}
	update := bson.M{
		"$set": bson.M{
			"user_id":   activity.UserID,
			"payload":   activity.Payload,
			"stored_at": activity.StoredAt,
		},
		"$setOnInsert": bson.M{
			"service_name": activity.ServiceName,
			"workout_id":   activity.WorkoutID,
		},
	}
	_, err := s.coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save activity %s: %w", activity.WorkoutID, err)
	}
	return nil
}
