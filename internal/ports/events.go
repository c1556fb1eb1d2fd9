package ports

import (
	"context"
	"time"

	"archie-core-clover-layer/internal/domain"
)

// EventPublisher delivers integration events to subscribers
type EventPublisher interface {
	Publish(ctx context.Context, event domain.IntegrationEvent) error
}

// IdempotencyStore remembers webhook objects whose effect already landed
type IdempotencyStore interface {
	// MarkProcessed returns true if the key was newly marked
	MarkProcessed(ctx context.Context, key string, ttl time.Duration) (bool, error)
	IsProcessed(ctx context.Context, key string) (bool, error)
}

// Metrics receives operational measurements from the application layer
type Metrics interface {
	ObserveSync(scope domain.SyncScope, result string, elapsed time.Duration)
	ObserveWebhookEvent(outcome string)
	ObserveTokenRefresh(trigger, result string)
}

// NopMetrics discards every measurement
type NopMetrics struct{}

func (NopMetrics) ObserveSync(domain.SyncScope, string, time.Duration) {}
func (NopMetrics) ObserveWebhookEvent(string)                          {}
func (NopMetrics) ObserveTokenRefresh(string, string)                  {}
