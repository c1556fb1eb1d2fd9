package repository

import (
	"context"
	"fmt"
	"time"

	"archie-core-clover-layer/internal/domain"
	"archie-core-clover-layer/internal/infrastructure/repository/entity"
	"archie-core-clover-layer/internal/ports"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const webhookLogRetention = 30 * 24 * time.Hour

// MongoRepository stores merchant connections, OAuth sessions and the webhook
// delivery log in MongoDB. Tokens are encrypted before they reach the database.
type MongoRepository struct {
	connectionsCollection *mongo.Collection
	sessionsCollection    *mongo.Collection
	webhooksCollection    *mongo.Collection
	encryption            ports.EncryptionService
	now                   func() time.Time
}

var (
	_ ports.ConnectionRepository = (*MongoRepository)(nil)
	_ ports.SessionRepository    = (*MongoRepository)(nil)
	_ ports.WebhookLogRepository = (*MongoRepository)(nil)
)

// NewMongoRepository creates a new MongoDB repository
func NewMongoRepository(db *mongo.Database, encryption ports.EncryptionService) *MongoRepository {
	return &MongoRepository{
		connectionsCollection: db.Collection("connections"),
		sessionsCollection:    db.Collection("oauth_sessions"),
		webhooksCollection:    db.Collection("webhook_events"),
		encryption:            encryption,
		now:                   time.Now,
	}
}

// EnsureIndexes creates the unique and TTL indexes the repository relies on
func (r *MongoRepository) EnsureIndexes(ctx context.Context) error {
	if _, err := r.connectionsCollection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "businessId", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "merchantId", Value: 1}}},
		{Keys: bson.D{{Key: "tokenExpiresAt", Value: 1}}},
	}); err != nil {
		return fmt.Errorf("failed to create connection indexes: %w", err)
	}

	if _, err := r.sessionsCollection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "state", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "expiresAt", Value: 1}}, Options: options.Index().SetExpireAfterSeconds(0)},
	}); err != nil {
		return fmt.Errorf("failed to create session indexes: %w", err)
	}

	if _, err := r.webhooksCollection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "createdAt", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(int32(webhookLogRetention.Seconds())),
	}); err != nil {
		return fmt.Errorf("failed to create webhook log index: %w", err)
	}

	return nil
}

// GetByBusinessID retrieves the connection of a business
func (r *MongoRepository) GetByBusinessID(ctx context.Context, businessID int64) (*domain.MerchantConnection, error) {
	return r.findConnection(ctx, bson.M{"businessId": businessID})
}

// GetByMerchantID retrieves the most recently updated connection of a merchant
func (r *MongoRepository) GetByMerchantID(ctx context.Context, merchantID string) (*domain.MerchantConnection, error) {
	return r.findConnection(ctx, bson.M{"merchantId": merchantID},
		options.FindOne().SetSort(bson.D{{Key: "updatedAt", Value: -1}}))
}

func (r *MongoRepository) findConnection(ctx context.Context, filter bson.M, opts ...*options.FindOneOptions) (*domain.MerchantConnection, error) {
	var doc entity.MongoConnectionDoc
	err := r.connectionsCollection.FindOne(ctx, filter, opts...).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	return r.decryptConnection(&doc)
}

// Upsert saves or replaces the connection of a business
func (r *MongoRepository) Upsert(ctx context.Context, conn *domain.MerchantConnection) error {
	doc := entity.MongoConnectionDocFromDomain(conn)
	doc.ID = primitive.NilObjectID
	if err := r.encryptTokens(doc); err != nil {
		return err
	}

	now := r.now()
	doc.UpdatedAt = now
	createdAt := doc.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	doc.CreatedAt = time.Time{}

	opts := options.Update().SetUpsert(true)
	filter := bson.M{"businessId": conn.BusinessID}
	update := bson.M{
		"$set":         doc,
		"$setOnInsert": bson.M{"createdAt": createdAt},
	}

	if _, err := r.connectionsCollection.UpdateOne(ctx, filter, update, opts); err != nil {
		return fmt.Errorf("failed to save connection: %w", err)
	}
	return nil
}

// UpdateTokens stores a refreshed token pair. An empty refresh token keeps the stored one.
func (r *MongoRepository) UpdateTokens(ctx context.Context, businessID int64, update domain.TokenUpdate) error {
	access, err := r.encryption.Encrypt(update.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}

	set := bson.M{
		"accessToken":     access,
		"tokenExpiresAt":  update.ExpiresAt,
		"lastRefreshedAt": update.LastRefreshedAt,
		"needsReconnect":  false,
		"updatedAt":       r.now(),
	}
	if update.RefreshToken != "" {
		refresh, err := r.encryption.Encrypt(update.RefreshToken)
		if err != nil {
			return fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
		set["refreshToken"] = refresh
	}

	return r.updateConnection(ctx, businessID, set, "tokens")
}

// UpdateOrderType records the fulfillment order type of a business
func (r *MongoRepository) UpdateOrderType(ctx context.Context, businessID int64, orderTypeID, orderTypeName string, readyAt time.Time) error {
	return r.updateConnection(ctx, businessID, bson.M{
		"fulfillmentOrderTypeId":   orderTypeID,
		"fulfillmentOrderTypeName": orderTypeName,
		"orderTypeReadyAt":         readyAt,
		"updatedAt":                r.now(),
	}, "order type")
}

// MarkImported stamps the last successful catalog import
func (r *MongoRepository) MarkImported(ctx context.Context, businessID int64, at time.Time) error {
	return r.updateConnection(ctx, businessID, bson.M{
		"lastImportedAt": at,
		"updatedAt":      r.now(),
	}, "import time")
}

// MarkNeedsReconnect flags a connection whose authorization can no longer be renewed
func (r *MongoRepository) MarkNeedsReconnect(ctx context.Context, businessID int64) error {
	return r.updateConnection(ctx, businessID, bson.M{
		"needsReconnect": true,
		"updatedAt":      r.now(),
	}, "reconnect flag")
}

func (r *MongoRepository) updateConnection(ctx context.Context, businessID int64, set bson.M, what string) error {
	res, err := r.connectionsCollection.UpdateOne(ctx, bson.M{"businessId": businessID}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("failed to update connection %s: %w", what, err)
	}
	if res.MatchedCount == 0 {
		return domain.ErrConnectionNotFound
	}
	return nil
}

// ListExpiring pages connections whose token expires before the given time or has no
// recorded expiry. Connections waiting for a reconnect are skipped.
func (r *MongoRepository) ListExpiring(ctx context.Context, before time.Time, afterBusinessID int64, limit int) ([]*domain.MerchantConnection, error) {
	filter := bson.M{
		"$or": bson.A{
			bson.M{"tokenExpiresAt": bson.M{"$lte": before}},
			bson.M{"tokenExpiresAt": nil},
		},
		"businessId":     bson.M{"$gt": afterBusinessID},
		"needsReconnect": bson.M{"$ne": true},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "businessId", Value: 1}}).
		SetLimit(int64(limit))

	cursor, err := r.connectionsCollection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring connections: %w", err)
	}
	defer cursor.Close(ctx)

	var conns []*domain.MerchantConnection
	for cursor.Next(ctx) {
		var doc entity.MongoConnectionDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode connection: %w", err)
		}
		conns = append(conns, r.expiringConnection(&doc))
	}

	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor error: %w", err)
	}
	return conns, nil
}

// LogWebhook logs a webhook delivery
func (r *MongoRepository) LogWebhook(ctx context.Context, event *domain.WebhookEvent) error {
	doc := entity.MongoWebhookDocFromDomain(event)
	if doc.ID.IsZero() {
		doc.ID = primitive.NewObjectID()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = r.now()
	}

	if _, err := r.webhooksCollection.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("failed to log webhook: %w", err)
	}
	return nil
}

func (r *MongoRepository) encryptTokens(doc *entity.MongoConnectionDoc) error {
	var err error
	if doc.AccessToken, err = r.encryption.Encrypt(doc.AccessToken); err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	if doc.RefreshToken != "" {
		if doc.RefreshToken, err = r.encryption.Encrypt(doc.RefreshToken); err != nil {
			return fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
	}
	return nil
}

// expiringConnection decrypts a listed connection. An unreadable one is still returned,
// with TokenErr set, so a batch run reports it and keeps paging past it.
func (r *MongoRepository) expiringConnection(doc *entity.MongoConnectionDoc) *domain.MerchantConnection {
	conn, err := r.decryptConnection(doc)
	if err != nil {
		conn = doc.ToDomain()
		conn.AccessToken = ""
		conn.RefreshToken = ""
		conn.TokenErr = err
	}
	return conn
}

func (r *MongoRepository) decryptConnection(doc *entity.MongoConnectionDoc) (*domain.MerchantConnection, error) {
	conn := doc.ToDomain()
	var err error
	if conn.AccessToken, err = r.encryption.Decrypt(doc.AccessToken); err != nil {
		return nil, fmt.Errorf("failed to decrypt access token of business %d: %w", doc.BusinessID, err)
	}
	if doc.RefreshToken != "" {
		if conn.RefreshToken, err = r.encryption.Decrypt(doc.RefreshToken); err != nil {
			return nil, fmt.Errorf("failed to decrypt refresh token of business %d: %w", doc.BusinessID, err)
		}
	}
	return conn, nil
}
