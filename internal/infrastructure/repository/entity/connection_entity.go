package entity

import (
	"time"

	"archie-core-clover-layer/internal/domain"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// MongoConnectionDoc represents a merchant connection in MongoDB.
// Token fields hold ciphertext; the repository encrypts and decrypts them.
type MongoConnectionDoc struct {
	ID                       primitive.ObjectID `bson:"_id,omitempty"`
	BusinessID               int64              `bson:"businessId"`
	MerchantID               string             `bson:"merchantId"`
	AccessToken              string             `bson:"accessToken"`
	RefreshToken             string             `bson:"refreshToken,omitempty"`
	TokenExpiresAt           *time.Time         `bson:"tokenExpiresAt"`
	FulfillmentOrderTypeID   string             `bson:"fulfillmentOrderTypeId,omitempty"`
	FulfillmentOrderTypeName string             `bson:"fulfillmentOrderTypeName,omitempty"`
	OrderTypeReadyAt         *time.Time         `bson:"orderTypeReadyAt,omitempty"`
	LastImportedAt           *time.Time         `bson:"lastImportedAt,omitempty"`
	LastRefreshedAt          *time.Time         `bson:"lastRefreshedAt,omitempty"`
	NeedsReconnect           bool               `bson:"needsReconnect"`
	CreatedAt                time.Time          `bson:"createdAt,omitempty"`
	UpdatedAt                time.Time          `bson:"updatedAt"`
}

// ToDomain converts the document to a domain entity with the tokens as stored
func (d *MongoConnectionDoc) ToDomain() *domain.MerchantConnection {
	return &domain.MerchantConnection{
		ID:                       d.ID.Hex(),
		BusinessID:               d.BusinessID,
		MerchantID:               d.MerchantID,
		AccessToken:              d.AccessToken,
		RefreshToken:             d.RefreshToken,
		TokenExpiresAt:           d.TokenExpiresAt,
		FulfillmentOrderTypeID:   d.FulfillmentOrderTypeID,
		FulfillmentOrderTypeName: d.FulfillmentOrderTypeName,
		OrderTypeReadyAt:         d.OrderTypeReadyAt,
		LastImportedAt:           d.LastImportedAt,
		LastRefreshedAt:          d.LastRefreshedAt,
		NeedsReconnect:           d.NeedsReconnect,
		CreatedAt:                d.CreatedAt,
		UpdatedAt:                d.UpdatedAt,
	}
}

// MongoConnectionDocFromDomain converts a domain entity to a document
func MongoConnectionDocFromDomain(conn *domain.MerchantConnection) *MongoConnectionDoc {
	doc := &MongoConnectionDoc{
		BusinessID:               conn.BusinessID,
		MerchantID:               conn.MerchantID,
		AccessToken:              conn.AccessToken,
		RefreshToken:             conn.RefreshToken,
		TokenExpiresAt:           conn.TokenExpiresAt,
		FulfillmentOrderTypeID:   conn.FulfillmentOrderTypeID,
		FulfillmentOrderTypeName: conn.FulfillmentOrderTypeName,
		OrderTypeReadyAt:         conn.OrderTypeReadyAt,
		LastImportedAt:           conn.LastImportedAt,
		LastRefreshedAt:          conn.LastRefreshedAt,
		NeedsReconnect:           conn.NeedsReconnect,
		CreatedAt:                conn.CreatedAt,
		UpdatedAt:                conn.UpdatedAt,
	}

	if conn.ID != "" {
		if objID, err := primitive.ObjectIDFromHex(conn.ID); err == nil {
			doc.ID = objID
		}
	}

	return doc
}
