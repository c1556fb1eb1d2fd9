package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"archie-core-clover-layer/internal/application"
	"archie-core-clover-layer/internal/domain"

	"github.com/rs/zerolog"
)

// Connector runs the OAuth connect flow
type Connector interface {
	Start(ctx context.Context, businessID int64, returnTo string) (string, error)
	Complete(ctx context.Context, code, state, merchantID string) (*application.ConnectResult, error)
}

// OAuthStartHandler redirects the merchant to the platform consent screen
func OAuthStartHandler(connector Connector, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		businessID, ok := businessIDParam(r)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_business_id", "businessId must be a positive integer")
			return
		}

		authURL, err := connector.Start(r.Context(), businessID, r.URL.Query().Get("return_to"))
		if errors.Is(err, domain.ErrReturnToNotAllowed) {
			writeError(w, http.StatusBadRequest, "return_to_not_allowed", "")
			return
		}
		if err != nil {
			logger.Error().Err(err).Int64("businessId", businessID).Msg("Failed to start OAuth flow")
			writeError(w, http.StatusInternalServerError, "oauth_start_failed", "")
			return
		}

		http.Redirect(w, r, authURL, http.StatusFound)
	}
}

// OAuthCallbackHandler completes the connect flow and sends the merchant back to return_to
func OAuthCallbackHandler(connector Connector, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		merchantID := query.Get("merchant_id")
		if merchantID == "" {
			merchantID = query.Get("merchantId")
		}

		result, err := connector.Complete(r.Context(), query.Get("code"), query.Get("state"), merchantID)
		if err != nil {
			logger.Error().Err(err).Str("merchantId", merchantID).Msg("OAuth callback failed")

			if result != nil && result.ReturnTo != "" {
				reason := "token_exchange_failed"
				if query.Get("code") == "" {
					reason = "missing_code"
				}
				http.Redirect(w, r, withParams(result.ReturnTo, url.Values{"pos": {"error"}, "reason": {reason}}), http.StatusFound)
				return
			}
			if application.IsConnectInputError(err) {
				writeError(w, http.StatusBadRequest, "invalid_state", "")
				return
			}
			writeError(w, http.StatusInternalServerError, "oauth_callback_failed", "")
			return
		}

		conn := result.Connection
		if result.ReturnTo == "" {
			writeJSON(w, http.StatusOK, map[string]any{
				"ok":         true,
				"businessId": conn.BusinessID,
				"merchantId": conn.MerchantID,
			})
			return
		}
		http.Redirect(w, r, withParams(result.ReturnTo, url.Values{"pos": {"connected"}, "merchant_id": {conn.MerchantID}}), http.StatusFound)
	}
}

func withParams(target string, params url.Values) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	q := u.Query()
	for k, v := range params {
		q[k] = v
	}
	u.RawQuery = q.Encode()
	return u.String()
}
