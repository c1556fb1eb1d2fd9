package api

import (
	"context"
	"crypto/subtle"
	"net/http"

	"archie-core-clover-layer/internal/domain"

	"github.com/rs/zerolog"
)

// TokenRefresher renews expiring merchant tokens in bulk
type TokenRefresher interface {
	Run(ctx context.Context) (*domain.RefreshReport, error)
}

// TokenRefreshHandler runs the batch refresh. With a cron secret configured the caller
// must present it in X-Cron-Secret.
func TokenRefreshHandler(refresher TokenRefresher, cronSecret string, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cronSecret != "" {
			provided := r.Header.Get("X-Cron-Secret")
			if subtle.ConstantTimeCompare([]byte(provided), []byte(cronSecret)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized", "")
				return
			}
		}

		report, err := refresher.Run(r.Context())
		if err != nil {
			logger.Error().Err(err).Msg("Batch token refresh failed")
			writeError(w, http.StatusInternalServerError, "refresh_failed", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}
