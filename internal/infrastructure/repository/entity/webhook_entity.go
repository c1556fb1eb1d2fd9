package entity

import (
	"time"

	"archie-core-clover-layer/internal/domain"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// MongoWebhookDoc is one inbound delivery in the webhook_events collection
type MongoWebhookDoc struct {
	ID         primitive.ObjectID `bson:"_id,omitempty"`
	MerchantID string             `bson:"merchantId,omitempty"`
	BusinessID int64              `bson:"businessId,omitempty"`
	EventType  string             `bson:"eventType,omitempty"`
	Payload    string             `bson:"payload"`
	Verified   bool               `bson:"verified"`
	Outcome    string             `bson:"outcome"`
	StatusCode int                `bson:"statusCode"`
	CreatedAt  time.Time          `bson:"createdAt"`
}

// MongoWebhookDocFromDomain converts a delivery record to a document
func MongoWebhookDocFromDomain(event *domain.WebhookEvent) *MongoWebhookDoc {
	doc := &MongoWebhookDoc{
		MerchantID: event.MerchantID,
		BusinessID: event.BusinessID,
		EventType:  event.EventType,
		Payload:    string(event.Payload),
		Verified:   event.Verified,
		Outcome:    event.Outcome,
		StatusCode: event.StatusCode,
		CreatedAt:  event.ReceivedAt,
	}
	if event.ID != "" {
		if objID, err := primitive.ObjectIDFromHex(event.ID); err == nil {
			doc.ID = objID
		}
	}
	return doc
}
