package domain

import "time"

// OrderStatus is the lifecycle state of a local order
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusSent      OrderStatus = "sent"
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusConfirmed OrderStatus = "confirmed"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusVoid      OrderStatus = "void"
)

// OrderTypePickup is the local order type matched by the recent-order fallback
const OrderTypePickup = "pickup"

// PayableStatuses may be moved to paid when the order is matched by external id.
// Paid is included so a re-delivery converges instead of failing.
var PayableStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusSent,
	OrderStatusOpen,
	OrderStatusConfirmed,
	OrderStatusPaid,
}

// UnboundCandidateStatuses may be claimed by the recent pickup fallback
var UnboundCandidateStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusSent,
	OrderStatusOpen,
	OrderStatusConfirmed,
}

// In reports whether s is one of the given statuses
func (s OrderStatus) In(statuses []OrderStatus) bool {
	for _, candidate := range statuses {
		if s == candidate {
			return true
		}
	}
	return false
}

// LocalOrder is an order placed through the local storefront
type LocalOrder struct {
	ID              int64
	BusinessID      int64
	ExternalOrderID string
	OrderType       string
	Status          OrderStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Methods reported in PaidUpdate
const (
	PaidMethodExternalID    = "external_id"
	PaidMethodRecentPickup  = "recent_pickup"
	PaidMethodBoundInactive = "bound_inactive"
	PaidMethodNone          = "none"
)

// PaidUpdate describes the local effect of a paid webhook
type PaidUpdate struct {
	Updated      bool   `json:"updated"`
	Method       string `json:"method"`
	LocalOrderID int64  `json:"localOrderId,omitempty"`
}
