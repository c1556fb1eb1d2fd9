package messaging

import (
	"context"
	"errors"

	"archie-core-clover-layer/internal/domain"
	"archie-core-clover-layer/internal/ports"
)

// Fanout publishes each event to every configured sink
type Fanout struct {
	sinks []ports.EventPublisher
}

var _ ports.EventPublisher = (*Fanout)(nil)

// NewFanout skips nil sinks
func NewFanout(sinks ...ports.EventPublisher) *Fanout {
	f := &Fanout{}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Publish tries every sink and joins their errors
func (f *Fanout) Publish(ctx context.Context, event domain.IntegrationEvent) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
