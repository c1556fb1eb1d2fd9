package repository

import (
	"context"
	"fmt"

	"archie-core-clover-layer/internal/domain"
	"archie-core-clover-layer/internal/infrastructure/repository/entity"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// CreateSession stores a pending connect flow
func (r *MongoRepository) CreateSession(ctx context.Context, session *domain.Session) error {
	doc := entity.MongoSessionDocFromDomain(session)
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = r.now()
	}
	if _, err := r.sessionsCollection.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("failed to create oauth session: %w", err)
	}
	return nil
}

// ConsumeSession atomically removes and returns the unexpired session for state.
// A state can therefore complete at most one callback.
func (r *MongoRepository) ConsumeSession(ctx context.Context, state string) (*domain.Session, error) {
	filter := bson.M{
		"state":     state,
		"expiresAt": bson.M{"$gt": r.now()},
	}

	var doc entity.MongoSessionDoc
	err := r.sessionsCollection.FindOneAndDelete(ctx, filter).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume oauth session: %w", err)
	}
	return doc.ToDomain(), nil
}
