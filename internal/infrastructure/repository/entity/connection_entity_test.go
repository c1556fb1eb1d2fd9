package entity

import (
	"testing"
	"time"

	"archie-core-clover-layer/internal/domain"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestMongoConnectionDoc_RoundTrip(t *testing.T) {
	expires := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	id := primitive.NewObjectID()

	conn := &domain.MerchantConnection{
		ID:                     id.Hex(),
		BusinessID:             7,
		MerchantID:             "M7",
		AccessToken:            "enc-access",
		RefreshToken:           "enc-refresh",
		TokenExpiresAt:         &expires,
		FulfillmentOrderTypeID: "OT1",
		NeedsReconnect:         true,
	}

	doc := MongoConnectionDocFromDomain(conn)
	assert.Equal(t, id, doc.ID)

	back := doc.ToDomain()
	assert.Equal(t, conn.ID, back.ID)
	assert.Equal(t, int64(7), back.BusinessID)
	assert.Equal(t, "M7", back.MerchantID)
	assert.Equal(t, "enc-access", back.AccessToken)
	assert.Equal(t, "enc-refresh", back.RefreshToken)
	assert.Equal(t, &expires, back.TokenExpiresAt)
	assert.Equal(t, "OT1", back.FulfillmentOrderTypeID)
	assert.True(t, back.NeedsReconnect)
}

func TestMongoConnectionDocFromDomain_InvalidID(t *testing.T) {
	doc := MongoConnectionDocFromDomain(&domain.MerchantConnection{ID: "not-an-object-id", BusinessID: 1})
	assert.True(t, doc.ID.IsZero())
}

func TestMongoConnectionDoc_BSONFieldNames(t *testing.T) {
	doc := MongoConnectionDocFromDomain(&domain.MerchantConnection{BusinessID: 3, MerchantID: "M3", AccessToken: "x"})

	raw, err := bson.Marshal(doc)
	assert.NoError(t, err)

	var fields bson.M
	assert.NoError(t, bson.Unmarshal(raw, &fields))
	assert.Equal(t, int64(3), fields["businessId"])
	assert.Equal(t, "M3", fields["merchantId"])
	assert.Contains(t, fields, "needsReconnect")
	assert.NotContains(t, fields, "_id")
	assert.NotContains(t, fields, "refreshToken")
}
