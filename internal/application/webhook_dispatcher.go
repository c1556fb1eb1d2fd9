package application

import (
	"context"

	"archie-core-clover-layer/internal/domain"

	"github.com/rs/zerolog"
)

// WebhookDelivery is the merchant context shared by every event of one delivery
type WebhookDelivery struct {
	Connection *domain.MerchantConnection
	Session    *TokenSession
}

// WebhookEventHandler resolves events for the object kinds it accepts
type WebhookEventHandler interface {
	CanHandle(kind domain.ObjectKind) bool
	Handle(ctx context.Context, delivery *WebhookDelivery, event domain.EventRef) (domain.EventResult, error)
}

// WebhookDispatcher routes each event to the first handler that accepts its kind
type WebhookDispatcher struct {
	handlers []WebhookEventHandler
	logger   zerolog.Logger
}

// NewWebhookDispatcher creates an empty dispatcher
func NewWebhookDispatcher(logger zerolog.Logger) *WebhookDispatcher {
	return &WebhookDispatcher{logger: logger}
}

// RegisterHandler appends a handler. Handlers are consulted in registration order.
func (d *WebhookDispatcher) RegisterHandler(handler WebhookEventHandler) {
	d.handlers = append(d.handlers, handler)
}

// Dispatch resolves one event. Kinds nobody handles are acknowledged as ignored.
func (d *WebhookDispatcher) Dispatch(ctx context.Context, delivery *WebhookDelivery, event domain.EventRef) (domain.EventResult, error) {
	for _, h := range d.handlers {
		if h.CanHandle(event.Kind) {
			return h.Handle(ctx, delivery, event)
		}
	}

	d.logger.Debug().
		Str("merchantId", event.MerchantID).
		Str("objectId", event.ObjectID).
		Str("kind", string(event.Kind)).
		Msg("No handler for webhook object kind")
	result := domain.EventResult{MerchantID: event.MerchantID, ObjectID: event.ObjectID}
	return result.Ignore(domain.ReasonUnsupportedKind), nil
}
