package webhook_handlers

import (
	"context"
	"net/http"

	"archie-core-clover-layer/internal/application"
	"archie-core-clover-layer/internal/domain"
	"archie-core-clover-layer/internal/ports"

	"github.com/rs/zerolog"
)

// PaymentHandler resolves payment and order events into a paid, pickup-tagged order
type PaymentHandler struct {
	pos         ports.POSClient
	orderTypes  *application.OrderTypeService
	localOrders *application.LocalOrderService
	logger      zerolog.Logger
}

// NewPaymentHandler creates a new payment webhook handler
func NewPaymentHandler(
	pos ports.POSClient,
	orderTypes *application.OrderTypeService,
	localOrders *application.LocalOrderService,
	logger zerolog.Logger,
) *PaymentHandler {
	return &PaymentHandler{
		pos:         pos,
		orderTypes:  orderTypes,
		localOrders: localOrders,
		logger:      logger,
	}
}

// CanHandle accepts payments, orders and ids without a kind prefix
func (h *PaymentHandler) CanHandle(kind domain.ObjectKind) bool {
	return kind == domain.KindPayment || kind == domain.KindOrder || kind == domain.KindUnknown
}

// Handle resolves the event's object to an order that has money on it, tags the order
// with the pickup order type and marks the matching local order paid
func (h *PaymentHandler) Handle(ctx context.Context, delivery *application.WebhookDelivery, event domain.EventRef) (domain.EventResult, error) {
	result := domain.EventResult{MerchantID: event.MerchantID, ObjectID: event.ObjectID}
	session := delivery.Session
	merchantID := delivery.Connection.MerchantID

	logger := h.logger.With().
		Str("merchantId", merchantID).
		Str("objectId", event.ObjectID).
		Str("eventType", event.EventType).
		Logger()

	orderID := ""
	if event.Kind != domain.KindOrder {
		payment, err := application.CallWithToken(ctx, session, func(ctx context.Context, token string) (*ports.POSPayment, error) {
			return h.pos.GetPayment(ctx, merchantID, token, event.ObjectID)
		})
		switch {
		case domain.IsUpstreamStatus(err, http.StatusNotFound):
			if event.Kind == domain.KindPayment {
				logger.Info().Msg("Payment not found, ignoring event")
				return result.Ignore(domain.ReasonObjectNotFound), nil
			}
			logger.Debug().Msg("No payment with this id, treating it as an order id")
			result.UsedFallback = true
		case err != nil:
			return result, err
		default:
			result.PaymentID = payment.ID
			if result.PaymentID == "" {
				result.PaymentID = event.ObjectID
			}
			result.PaymentStatus = payment.Outcome()
			if payment.Failed() {
				logger.Info().Str("paymentStatus", result.PaymentStatus).Msg("Payment did not succeed, ignoring event")
				return result.Ignore(domain.ReasonPaymentNotSuccessful), nil
			}
			orderID = payment.ResolvedOrderID()
			if orderID == "" {
				logger.Warn().Msg("Payment carries no order reference")
				return result.Ignore(domain.ReasonCannotResolveOrder), nil
			}
		}
	}

	if orderID == "" {
		order, err := application.CallWithToken(ctx, session, func(ctx context.Context, token string) (*ports.POSOrder, error) {
			return h.pos.GetOrder(ctx, merchantID, token, event.ObjectID)
		})
		if domain.IsUpstreamStatus(err, http.StatusNotFound) {
			reason := domain.ReasonOrderNotFound
			if result.UsedFallback {
				reason = domain.ReasonObjectNotFound
			}
			logger.Info().Msg("Order not found, ignoring event")
			return result.Ignore(reason), nil
		}
		if err != nil {
			return result, err
		}
		if !order.HasSuccessfulPayment() {
			logger.Info().Msg("Order has no recorded payment yet, ignoring event")
			return result.Ignore(domain.ReasonNoPaymentYet), nil
		}
		orderID = order.ID
		if orderID == "" {
			orderID = event.ObjectID
		}
	}
	result.OrderID = orderID

	cached := session.Connection().FulfillmentOrderTypeID != ""
	ref, err := h.orderTypes.Ensure(ctx, session, true)
	if err != nil {
		return result, err
	}

	err = h.assignOrderType(ctx, session, merchantID, orderID, ref.ID)
	if cached && rejectsOrderType(err) {
		stale := ref.ID
		logger.Warn().Err(err).Str("orderTypeId", stale).Msg("Cached order type rejected, looking it up again")
		if ref, err = h.orderTypes.Ensure(ctx, session, false); err != nil {
			return result, err
		}
		err = h.assignOrderType(ctx, session, merchantID, orderID, ref.ID)
	}
	result.OrderTypeID = ref.ID
	if domain.IsUpstreamStatus(err, http.StatusNotFound) {
		logger.Info().Str("orderId", orderID).Msg("Order vanished before it could be tagged, ignoring event")
		return result.Ignore(domain.ReasonOrderNotFound), nil
	}
	if err != nil {
		return result, err
	}

	update, err := h.localOrders.MarkPaid(ctx, delivery.Connection.BusinessID, orderID)
	if err != nil {
		return result, err
	}
	result.LocalUpdate = &update

	logger.Info().
		Str("orderId", orderID).
		Str("orderTypeId", ref.ID).
		Bool("usedFallback", result.UsedFallback).
		Bool("localUpdated", update.Updated).
		Str("method", update.Method).
		Msg("Paid order tagged for pickup")
	return result, nil
}

func (h *PaymentHandler) assignOrderType(ctx context.Context, session *application.TokenSession, merchantID, orderID, orderTypeID string) error {
	return session.WithValidToken(ctx, func(ctx context.Context, token string) error {
		return h.pos.SetOrderType(ctx, merchantID, token, orderID, orderTypeID)
	})
}

// rejectsOrderType reports a client error that points at the order type rather than the
// order, the token or throttling
func rejectsOrderType(err error) bool {
	status, ok := domain.UpstreamStatus(err)
	if !ok || status < 400 || status >= 500 {
		return false
	}
	switch status {
	case http.StatusUnauthorized, http.StatusNotFound, http.StatusTooManyRequests:
		return false
	}
	return true
}
