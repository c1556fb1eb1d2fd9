package domain

import "time"

// WebhookEvent is one inbound delivery as recorded in the delivery log
type WebhookEvent struct {
	ID         string
	MerchantID string
	BusinessID int64
	EventType  string
	Payload    []byte
	Verified   bool
	Outcome    string
	StatusCode int
	ReceivedAt time.Time
}

// ObjectKind is the platform's one-letter object prefix ("P:ABC" is a payment)
type ObjectKind string

const (
	KindUnknown  ObjectKind = ""
	KindPayment  ObjectKind = "P"
	KindOrder    ObjectKind = "O"
	KindItem     ObjectKind = "I"
	KindCustomer ObjectKind = "C"
	KindApp      ObjectKind = "A"
	KindEmployee ObjectKind = "E"
)

// EventRef is one normalized webhook event
type EventRef struct {
	MerchantID string
	ObjectID   string
	EventType  string
	Kind       ObjectKind
}

// EventResult is the outcome of resolving one EventRef
type EventResult struct {
	MerchantID    string      `json:"merchantId"`
	ObjectID      string      `json:"objectId"`
	PaymentID     string      `json:"paymentId,omitempty"`
	OrderID       string      `json:"orderId,omitempty"`
	OrderTypeID   string      `json:"orderTypeId,omitempty"`
	UsedFallback  bool        `json:"usedFallback"`
	PaymentStatus string      `json:"paymentStatus,omitempty"`
	Ignored       bool        `json:"ignored,omitempty"`
	Reason        string      `json:"reason,omitempty"`
	LocalUpdate   *PaidUpdate `json:"localUpdate,omitempty"`
}

// Ignore marks the result as an expected negative outcome
func (r EventResult) Ignore(reason string) EventResult {
	r.Ignored = true
	r.Reason = reason
	return r
}

// WebhookAck is the acknowledgement returned for a delivery
type WebhookAck struct {
	OK               bool          `json:"ok"`
	MerchantID       string        `json:"merchantId,omitempty"`
	EventType        string        `json:"eventType,omitempty"`
	VerificationCode string        `json:"verificationCode,omitempty"`
	Processed        int           `json:"processed"`
	Ignored          bool          `json:"ignored,omitempty"`
	Reason           string        `json:"reason,omitempty"`
	Results          []EventResult `json:"results,omitempty"`
}

// IgnoredAck acknowledges a delivery that will never apply
func IgnoredAck(merchantID, reason string) *WebhookAck {
	return &WebhookAck{OK: true, MerchantID: merchantID, Ignored: true, Reason: reason}
}

// Outcome summarises the ack for logs and metrics
func (a *WebhookAck) Outcome() string {
	switch {
	case a.VerificationCode != "":
		return "verification"
	case a.Ignored:
		return "ignored:" + a.Reason
	}
	for _, r := range a.Results {
		if !r.Ignored {
			return "applied"
		}
	}
	return "ignored"
}
