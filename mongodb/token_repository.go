package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"go.pilab.hu/fitsync/domain"
)

// TokenRepository stores provider OAuth credentials, one live document per
// (service, user) tuple.
type TokenRepository struct {
	coll *mongo.Collection
}

func NewTokenRepository(ctx context.Context, db *mongo.Database) (domain.TokenRepository, error) {
	repo := &TokenRepository{
		coll: db.Collection(TokensCollection),
	}
	_, err := repo.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "service_name", Value: 1}, {Key: "user_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create token index: %w", err)
	}
	return repo, nil
}

func (r *TokenRepository) GetToken(ctx context.Context, service domain.ServiceName, userID string) (*domain.ProviderToken, error) {
	var token domain.ProviderToken
	err := r.coll.FindOne(ctx, bson.M{"service_name": service, "user_id": userID}).Decode(&token)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load token: %w", err)
	}
	// An emptied access token is equivalent to absent. Delete the shell so
	// refresh attempts cannot keep hitting a dead grant.
	if token.AccessToken == "" {
		if delErr := r.DeleteToken(ctx, service, userID); delErr != nil {
			log.Warn().Err(delErr).
				Str("service", string(service)).Str("user_id", userID).
				Msg("Failed to delete emptied token document")
		}
		return nil, domain.ErrTokenNotFound
	}
	return &token, nil
}

func (r *TokenRepository) UpsertToken(ctx context.Context, token *domain.ProviderToken) error {
	if token.DateCreated.IsZero() {
		token.DateCreated = time.Now().UTC()
	}
	filter := bson.M{"service_name": token.ServiceName, "user_id": token.UserID}
	update := bson.M{
		"$set": bson.M{
			"external_user_id": token.ExternalUserID,
			"open_id":          token.OpenID,
			"access_token":     token.AccessToken,
			"refresh_token":    token.RefreshToken,
			"token_type":       token.TokenType,
			"scope":            token.Scope,
			"expires_at":       token.ExpiresAt,
			"date_refreshed":   token.DateRefreshed,
		},
		"$setOnInsert": bson.M{
			"service_name": token.ServiceName,
			"user_id":      token.UserID,
			"date_created": token.DateCreated,
		},
	}
	_, err := r.coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to upsert token: %w", err)
	}
	return nil
}

func (r *TokenRepository) DeleteToken(ctx context.Context, service domain.ServiceName, userID string) error {
	result, err := r.coll.DeleteOne(ctx, bson.M{"service_name": service, "user_id": userID})
	if err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	if result.DeletedCount == 0 {
		log.Debug().Str("service", string(service)).Str("user_id", userID).
			Msg("No token document to delete.")
	}
	return nil
}

func (r *TokenRepository) ListTokens(ctx context.Context, service domain.ServiceName, limit int) ([]*domain.ProviderToken, error) {
	opts := options.Find().SetSort(bson.D{{Key: "date_created", Value: 1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	cursor, err := r.coll.Find(ctx, bson.M{"service_name": service}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	defer cursor.Close(ctx)

	var tokens []*domain.ProviderToken
	if err := cursor.All(ctx, &tokens); err != nil {
		return nil, fmt.Errorf("failed to decode tokens: %w", err)
	}
	return tokens, nil
}
