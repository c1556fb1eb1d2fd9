package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"archie-core-clover-layer/internal/infrastructure/pubsub"

	"github.com/rs/zerolog"
)

const heartbeatInterval = 15 * time.Second

// EventSubscriber hands out live integration event subscriptions
type EventSubscriber interface {
	Subscribe(ctx context.Context, filter *pubsub.EventFilter) *pubsub.Subscription
}

// EventsHandler streams integration events as server-sent events.
// businessId and types (comma separated) narrow the stream.
func EventsHandler(bus EventSubscriber, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, "streaming_unsupported", "")
			return
		}

		filter := &pubsub.EventFilter{}
		if r.URL.Query().Get("businessId") != "" || r.URL.Query().Get("business_id") != "" {
			businessID, ok := businessIDParam(r)
			if !ok {
				writeError(w, http.StatusBadRequest, "invalid_business_id", "")
				return
			}
			filter.BusinessID = businessID
		}
		if types := r.URL.Query().Get("types"); types != "" {
			for _, t := range strings.Split(types, ",") {
				if t = strings.TrimSpace(t); t != "" {
					filter.Types = append(filter.Types, t)
				}
			}
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		sub := bus.Subscribe(r.Context(), filter)
		fmt.Fprintf(w, ": subscribed %s\n\n", sub.ID)
		flusher.Flush()

		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case event, open := <-sub.Events:
				if !open {
					return
				}
				data, err := json.Marshal(event)
				if err != nil {
					logger.Error().Err(err).Str("type", event.Type).Msg("Failed to encode event for stream")
					continue
				}
				fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", event.ID, event.Type, data)
				flusher.Flush()
			case <-ticker.C:
				fmt.Fprint(w, ": heartbeat\n\n")
				flusher.Flush()
			}
		}
	}
}
