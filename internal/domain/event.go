package domain

import (
	"encoding/json"
	"time"
)

// Integration event types published after side effects land
const (
	EventCatalogSynced = "catalog.synced"
	EventOrderPaid     = "order.paid"
)

// IntegrationEvent is the envelope published to subscribers and the message bus
type IntegrationEvent struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	BusinessID int64           `json:"businessId"`
	MerchantID string          `json:"merchantId"`
	OccurredAt time.Time       `json:"occurredAt"`
	Payload    json.RawMessage `json:"payload"`
}
