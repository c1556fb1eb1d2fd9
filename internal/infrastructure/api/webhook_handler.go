package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"archie-core-clover-layer/internal/application"
	"archie-core-clover-layer/internal/domain"

	"github.com/rs/zerolog"
)

const maxWebhookBody = 1 << 20

// WebhookProcessor resolves one webhook delivery
type WebhookProcessor interface {
	Handle(ctx context.Context, req application.WebhookRequest) (*domain.WebhookAck, error)
}

// WebhookHandler serves the platform's webhook deliveries
func WebhookHandler(processor WebhookProcessor, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
			return
		}

		raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "")
				return
			}
			logger.Error().Err(err).Msg("Failed to read webhook payload")
			writeError(w, http.StatusBadRequest, "unreadable_body", "")
			return
		}

		query := r.URL.Query()
		secret := r.Header.Get("X-Webhook-Secret")
		if secret == "" {
			secret = query.Get("secret")
		}
		code := query.Get("verificationCode")
		if code == "" {
			code = query.Get("verification_code")
		}

		ack, err := processor.Handle(r.Context(), application.WebhookRequest{
			Body:                  decodeWebhookBody(raw, r.Header.Get("Content-Type")),
			RawBody:               raw,
			ProvidedSecret:        secret,
			QueryVerificationCode: code,
		})
		if err != nil {
			status := application.WebhookStatusCode(err)
			body := errorBody{Error: webhookErrorCode(status), Details: err.Error()}
			if status == http.StatusUnauthorized {
				body.Details = ""
			}
			if status == http.StatusServiceUnavailable {
				body.NeedsReconnect = true
			}
			writeJSON(w, status, body)
			return
		}

		writeJSON(w, http.StatusOK, flattenAck(ack))
	}
}

// decodeWebhookBody tries JSON, then form encoding, and keeps anything else as text
func decodeWebhookBody(raw []byte, contentType string) any {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}

	var decoded any
	if err := json.Unmarshal(trimmed, &decoded); err == nil {
		if list, ok := decoded.([]any); ok && len(list) == 1 {
			return list[0]
		}
		return decoded
	}

	if strings.HasPrefix(contentType, "application/x-www-form-urlencoded") || bytes.ContainsRune(trimmed, '=') {
		if values, err := url.ParseQuery(string(trimmed)); err == nil && len(values) > 0 {
			fields := make(map[string]any, len(values))
			for k, v := range values {
				if len(v) > 0 {
					fields[k] = v[0]
				}
			}
			return fields
		}
	}
	return string(trimmed)
}

// flattenAck lifts the fields of a single result to the top level of the ack
func flattenAck(ack *domain.WebhookAck) any {
	if ack == nil || len(ack.Results) != 1 {
		return ack
	}
	top, err := toFields(ack)
	if err != nil {
		return ack
	}
	single, err := toFields(ack.Results[0])
	if err != nil {
		return ack
	}
	for k, v := range single {
		if _, taken := top[k]; !taken {
			top[k] = v
		}
	}
	return top
}

func toFields(v any) (map[string]any, error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(encoded, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func webhookErrorCode(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusServiceUnavailable:
		return "auth_expired"
	case http.StatusBadGateway:
		return "upstream_error"
	}
	return "internal_error"
}
