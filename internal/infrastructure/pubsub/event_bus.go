package pubsub

import (
	"context"
	"fmt"
	"sync"

	"archie-core-clover-layer/internal/domain"
	"archie-core-clover-layer/internal/ports"

	"github.com/rs/zerolog"
)

// Subscription represents a subscription channel
type Subscription struct {
	ID     string
	Filter *EventFilter
	Events chan domain.IntegrationEvent
	Done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

// EventFilter filters integration events
type EventFilter struct {
	Types      []string // Filter by event type
	BusinessID int64    // Filter by business, 0 matches all
}

// EventBus fans integration events out to in-process subscribers
type EventBus struct {
	mu       sync.RWMutex
	channels map[string]*Subscription
	buffer   int
	logger   zerolog.Logger
	nextID   int64
	idMu     sync.Mutex
}

var _ ports.EventPublisher = (*EventBus)(nil)

// NewEventBus creates a new event bus
func NewEventBus(logger zerolog.Logger) *EventBus {
	return &EventBus{
		channels: make(map[string]*Subscription),
		buffer:   16,
		logger:   logger,
	}
}

// Subscribe creates a new subscription that lives until ctx is cancelled
func (b *EventBus) Subscribe(ctx context.Context, filter *EventFilter) *Subscription {
	b.idMu.Lock()
	id := b.generateID()
	b.idMu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)

	sub := &Subscription{
		ID:     id,
		Filter: filter,
		Events: make(chan domain.IntegrationEvent, b.buffer),
		Done:   make(chan struct{}),
		ctx:    subCtx,
		cancel: cancel,
	}

	b.mu.Lock()
	b.channels[id] = sub
	b.mu.Unlock()

	b.logger.Info().
		Str("channelId", id).
		Interface("filter", filter).
		Msg("Event subscription created")

	go func() {
		<-subCtx.Done()
		b.Unsubscribe(id)
	}()

	return sub
}

// Unsubscribe removes a subscription channel
func (b *EventBus) Unsubscribe(channelID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, exists := b.channels[channelID]
	if !exists {
		return
	}

	close(sub.Events)
	close(sub.Done)
	sub.cancel()
	delete(b.channels, channelID)

	b.logger.Info().
		Str("channelId", channelID).
		Msg("Event subscription removed")
}

// Publish broadcasts an event to all matching subscribers without blocking
func (b *EventBus) Publish(_ context.Context, event domain.IntegrationEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for _, sub := range b.channels {
		if !matchesFilter(event, sub.Filter) {
			continue
		}
		select {
		case sub.Events <- event:
			delivered++
		case <-sub.ctx.Done():
		default:
			b.logger.Warn().
				Str("channelId", sub.ID).
				Str("type", event.Type).
				Msg("Channel buffer full, dropping event")
		}
	}

	if delivered > 0 {
		b.logger.Debug().
			Str("type", event.Type).
			Int64("businessId", event.BusinessID).
			Int("subscribers", delivered).
			Msg("Published event to subscribers")
	}
	return nil
}

func matchesFilter(event domain.IntegrationEvent, filter *EventFilter) bool {
	if filter == nil {
		return true
	}

	if len(filter.Types) > 0 {
		match := false
		for _, t := range filter.Types {
			if event.Type == t {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}

	if filter.BusinessID != 0 && event.BusinessID != filter.BusinessID {
		return false
	}
	return true
}

func (b *EventBus) generateID() string {
	b.nextID++
	return fmt.Sprintf("channel-%d", b.nextID)
}

// Stats returns bus statistics
func (b *EventBus) Stats() map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return map[string]interface{}{
		"active_subscriptions": len(b.channels),
	}
}
