package webhook_handlers

import (
	"context"
	"strings"

	"archie-core-clover-layer/internal/application"
	"archie-core-clover-layer/internal/domain"
	"archie-core-clover-layer/internal/ports"

	"github.com/rs/zerolog"
)

// AppHandler handles app lifecycle events
type AppHandler struct {
	connections ports.ConnectionRepository
	logger      zerolog.Logger
}

// NewAppHandler creates a new app webhook handler
func NewAppHandler(connections ports.ConnectionRepository, logger zerolog.Logger) *AppHandler {
	return &AppHandler{
		connections: connections,
		logger:      logger,
	}
}

// CanHandle returns true for app objects
func (h *AppHandler) CanHandle(kind domain.ObjectKind) bool {
	return kind == domain.KindApp
}

// Handle flags the connection for reconnect when the merchant uninstalled the app.
// Tokens are kept; the platform has already revoked them.
func (h *AppHandler) Handle(ctx context.Context, delivery *application.WebhookDelivery, event domain.EventRef) (domain.EventResult, error) {
	result := domain.EventResult{MerchantID: event.MerchantID, ObjectID: event.ObjectID}

	eventType := strings.ToUpper(event.EventType)
	if !strings.Contains(eventType, "DELETE") && !strings.Contains(eventType, "UNINSTALL") {
		return result.Ignore(domain.ReasonNotUninstall), nil
	}

	conn := delivery.Connection
	if err := h.connections.MarkNeedsReconnect(ctx, conn.BusinessID); err != nil {
		return result, err
	}
	conn.NeedsReconnect = true

	h.logger.Info().
		Int64("businessId", conn.BusinessID).
		Str("merchantId", conn.MerchantID).
		Str("eventType", event.EventType).
		Msg("App uninstalled, connection flagged for reconnect")
	return result, nil
}
