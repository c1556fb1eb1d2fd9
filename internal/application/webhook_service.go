package application

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"archie-core-clover-layer/internal/domain"
	"archie-core-clover-layer/internal/ports"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// MaxEventsPerDelivery caps the distinct objects resolved for one delivery
	MaxEventsPerDelivery = 10
	// ProcessedMarkerTTL is how long an applied object is remembered
	ProcessedMarkerTTL = 48 * time.Hour

	maxLoggedPayload = 4 << 10
)

// WebhookRequest is one inbound delivery after transport decoding
type WebhookRequest struct {
	// Body is the decoded JSON value, the form fields as map[string]any, or the raw text
	Body    any
	RawBody []byte
	// ProvidedSecret comes from the header or query string; the body secret is read here
	ProvidedSecret        string
	QueryVerificationCode string
}

// WebhookService authenticates, normalizes and resolves platform webhooks
type WebhookService struct {
	connections ports.ConnectionRepository
	tokens      *TokenManager
	dispatcher  *WebhookDispatcher
	processed   ports.IdempotencyStore
	deliveries  ports.WebhookLogRepository
	events      ports.EventPublisher
	metrics     ports.Metrics
	secret      string
	logger      zerolog.Logger
	now         func() time.Time
}

// NewWebhookService creates the webhook service. An empty secret disables secret checks.
func NewWebhookService(
	connections ports.ConnectionRepository,
	tokens *TokenManager,
	dispatcher *WebhookDispatcher,
	processed ports.IdempotencyStore,
	deliveries ports.WebhookLogRepository,
	events ports.EventPublisher,
	metrics ports.Metrics,
	secret string,
	logger zerolog.Logger,
) *WebhookService {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &WebhookService{
		connections: connections,
		tokens:      tokens,
		dispatcher:  dispatcher,
		processed:   processed,
		deliveries:  deliveries,
		events:      events,
		metrics:     metrics,
		secret:      secret,
		logger:      logger,
		now:         time.Now,
	}
}

// ProcessedKey is the marker written once an object's paid effect landed
func ProcessedKey(merchantID, objectID string) string {
	return "dedup:webhook:" + merchantID + ":" + objectID
}

// Handle processes one delivery. Events that will never apply are acknowledged as ignored;
// an error means the platform should re-deliver (see WebhookStatusCode).
func (s *WebhookService) Handle(ctx context.Context, req WebhookRequest) (*domain.WebhookAck, error) {
	receivedAt := s.now()
	payload := domain.ClassifyPayload(req.Body)
	normalized := domain.NormalizeWebhook(payload)

	ack, businessID, err := s.handle(ctx, req, payload, normalized)

	status := WebhookStatusCode(err)
	outcome := "error"
	if err == nil {
		outcome = ack.Outcome()
	}
	if ack == nil || len(ack.Results) == 0 {
		s.metrics.ObserveWebhookEvent(outcome)
	}

	s.logDelivery(ctx, &domain.WebhookEvent{
		ID:         uuid.NewString(),
		MerchantID: normalized.MerchantID,
		BusinessID: businessID,
		EventType:  normalized.EventType,
		Payload:    truncateBytes(req.RawBody, maxLoggedPayload),
		Verified:   !errors.Is(err, domain.ErrWebhookUnauthorized),
		Outcome:    outcome,
		StatusCode: status,
		ReceivedAt: receivedAt,
	})

	if err != nil {
		s.logger.Error().
			Err(err).
			Str("merchantId", normalized.MerchantID).
			Int("status", status).
			Msg("Webhook delivery failed")
		return ack, err
	}
	return ack, nil
}

func (s *WebhookService) handle(ctx context.Context, req WebhookRequest, payload domain.WebhookPayload, n domain.NormalizedWebhook) (*domain.WebhookAck, int64, error) {
	code := req.QueryVerificationCode
	if code == "" {
		code = domain.WebhookVerificationCode(payload)
	}
	if code != "" {
		s.logger.Info().Str("verificationCode", code).Msg("Webhook endpoint verification received")
		return &domain.WebhookAck{OK: true, VerificationCode: code}, 0, nil
	}

	if !s.authorized(req.ProvidedSecret, payload) {
		return nil, 0, domain.ErrWebhookUnauthorized
	}

	if len(n.Events) == 0 {
		if n.MerchantID == "" {
			return domain.IgnoredAck("", domain.ReasonMerchantMissing), 0, nil
		}
		return domain.IgnoredAck(n.MerchantID, domain.ReasonObjectMissing), 0, nil
	}

	events := n.Events
	if len(events) > MaxEventsPerDelivery {
		s.logger.Warn().
			Str("merchantId", n.MerchantID).
			Int("events", len(events)).
			Int("limit", MaxEventsPerDelivery).
			Msg("Webhook carries more objects than processed per delivery")
		events = events[:MaxEventsPerDelivery]
	}

	deliveries := make(map[string]*WebhookDelivery)
	lookup := func(merchantID string) (*WebhookDelivery, error) {
		if d, ok := deliveries[merchantID]; ok {
			return d, nil
		}
		conn, err := s.connections.GetByMerchantID(ctx, merchantID)
		if err != nil {
			return nil, fmt.Errorf("failed to load connection for merchant %s: %w", merchantID, err)
		}
		var d *WebhookDelivery
		if conn != nil {
			session, err := s.tokens.Open(ctx, conn)
			if err != nil {
				return nil, err
			}
			d = &WebhookDelivery{Connection: conn, Session: session}
		}
		deliveries[merchantID] = d
		return d, nil
	}

	if merchant := soleEventMerchant(events); merchant != "" {
		d, err := lookup(merchant)
		if err != nil {
			return nil, 0, err
		}
		if d == nil {
			s.logger.Info().Str("merchantId", merchant).Msg("Webhook for unknown merchant ignored")
			return domain.IgnoredAck(merchant, domain.ReasonUnknownMerchant), 0, nil
		}
	}

	ack := &domain.WebhookAck{OK: true, MerchantID: n.MerchantID, EventType: n.EventType}
	var businessID int64
	for _, event := range events {
		base := domain.EventResult{MerchantID: event.MerchantID, ObjectID: event.ObjectID}
		if event.MerchantID == "" {
			ack.Results = append(ack.Results, s.observe(base.Ignore(domain.ReasonMerchantMissing)))
			continue
		}

		d, err := lookup(event.MerchantID)
		if err != nil {
			return ack, businessID, err
		}
		if d == nil {
			ack.Results = append(ack.Results, s.observe(base.Ignore(domain.ReasonUnknownMerchant)))
			continue
		}
		businessID = d.Connection.BusinessID

		key := ProcessedKey(event.MerchantID, event.ObjectID)
		if s.alreadyProcessed(ctx, key) {
			ack.Results = append(ack.Results, s.observe(base.Ignore(domain.ReasonAlreadyProcessed)))
			continue
		}

		result, err := s.dispatcher.Dispatch(ctx, d, event)
		if err != nil {
			return ack, businessID, err
		}
		ack.Results = append(ack.Results, s.observe(result))

		if !result.Ignored && result.OrderID != "" {
			s.markProcessed(ctx, key)
			s.publishPaid(ctx, d.Connection, result)
		}
	}
	ack.Processed = len(ack.Results)
	return ack, businessID, nil
}

func (s *WebhookService) authorized(provided string, payload domain.WebhookPayload) bool {
	if s.secret == "" {
		return true
	}
	if provided == "" {
		provided = domain.WebhookBodySecret(payload)
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(s.secret)) == 1
}

func (s *WebhookService) alreadyProcessed(ctx context.Context, key string) bool {
	if s.processed == nil {
		return false
	}
	done, err := s.processed.IsProcessed(ctx, key)
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("Failed to read processed marker, resolving event again")
		return false
	}
	return done
}

func (s *WebhookService) markProcessed(ctx context.Context, key string) {
	if s.processed == nil {
		return
	}
	if _, err := s.processed.MarkProcessed(ctx, key, ProcessedMarkerTTL); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("Failed to write processed marker")
	}
}

func (s *WebhookService) observe(result domain.EventResult) domain.EventResult {
	if result.Ignored {
		s.metrics.ObserveWebhookEvent("ignored:" + result.Reason)
	} else {
		s.metrics.ObserveWebhookEvent("applied")
	}
	return result
}

func (s *WebhookService) publishPaid(ctx context.Context, conn *domain.MerchantConnection, result domain.EventResult) {
	if s.events == nil {
		return
	}
	payload, err := json.Marshal(result)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode order paid event")
		return
	}
	event := domain.IntegrationEvent{
		ID:         uuid.NewString(),
		Type:       domain.EventOrderPaid,
		BusinessID: conn.BusinessID,
		MerchantID: conn.MerchantID,
		OccurredAt: s.now(),
		Payload:    payload,
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Warn().Err(err).Str("orderId", result.OrderID).Msg("Failed to publish order paid event")
	}
}

func (s *WebhookService) logDelivery(ctx context.Context, event *domain.WebhookEvent) {
	if s.deliveries == nil {
		return
	}
	if err := s.deliveries.LogWebhook(ctx, event); err != nil {
		s.logger.Warn().Err(err).Str("merchantId", event.MerchantID).Msg("Failed to log webhook delivery")
	}
}

// WebhookStatusCode maps a webhook processing error to the HTTP status that tells the
// platform whether to re-deliver
func WebhookStatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if errors.Is(err, domain.ErrWebhookUnauthorized) {
		return http.StatusUnauthorized
	}
	if errors.Is(err, domain.ErrAuthExpired) {
		return http.StatusServiceUnavailable
	}
	if _, ok := domain.UpstreamStatus(err); ok {
		return http.StatusBadGateway
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func soleEventMerchant(events []domain.EventRef) string {
	merchant := ""
	for _, e := range events {
		if e.MerchantID == "" || e.MerchantID == merchant {
			continue
		}
		if merchant != "" {
			return ""
		}
		merchant = e.MerchantID
	}
	return merchant
}

func truncateBytes(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
