package api

import (
	"context"
	"errors"
	"net/http"

	"archie-core-clover-layer/internal/domain"

	"github.com/rs/zerolog"
)

// CatalogSyncer runs catalog imports
type CatalogSyncer interface {
	SyncCatalog(ctx context.Context, businessID int64) (*domain.SyncResult, error)
	SyncTaxRates(ctx context.Context, businessID int64) (*domain.SyncResult, error)
}

type syncResponse struct {
	OK              bool                 `json:"ok"`
	BusinessID      int64                `json:"businessId"`
	MerchantID      string               `json:"merchantId"`
	Scope           domain.SyncScope     `json:"scope"`
	Categories      int                  `json:"categories"`
	Items           int                  `json:"items"`
	ModifierGroups  int                  `json:"modifierGroups"`
	ModifierOptions int                  `json:"modifierOptions"`
	TaxRates        int                  `json:"taxRates"`
	TaxMappings     int                  `json:"taxMappings"`
	PickupOrderType *domain.OrderTypeRef `json:"pickupOrderType,omitempty"`
}

// SyncHandler serves /sync: POST runs the full catalog import, GET only refreshes tax rates
func SyncHandler(syncer CatalogSyncer, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		businessID, ok := businessIDParam(r)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_business_id", "businessId must be a positive integer")
			return
		}

		var (
			result *domain.SyncResult
			err    error
		)
		switch r.Method {
		case http.MethodPost:
			result, err = syncer.SyncCatalog(r.Context(), businessID)
		case http.MethodGet:
			result, err = syncer.SyncTaxRates(r.Context(), businessID)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
			return
		}
		if err != nil {
			writeSyncError(w, err)
			return
		}

		logger.Debug().Int64("businessId", businessID).Str("scope", string(result.Scope)).Msg("Sync request served")
		writeJSON(w, http.StatusOK, syncResponse{
			OK:              true,
			BusinessID:      result.BusinessID,
			MerchantID:      result.MerchantID,
			Scope:           result.Scope,
			Categories:      result.Categories,
			Items:           result.Items,
			ModifierGroups:  result.ModifierGroups,
			ModifierOptions: result.ModifierOptions,
			TaxRates:        result.TaxRates,
			TaxMappings:     result.TaxMappings,
			PickupOrderType: result.PickupOrderType,
		})
	}
}

func writeSyncError(w http.ResponseWriter, err error) {
	body := errorBody{Error: "sync_failed", Details: err.Error()}
	var syncErr *domain.SyncError
	if errors.As(err, &syncErr) {
		body.Stage = string(syncErr.Stage)
		body.Details = syncErr.Cause.Error()
	}

	var expired *domain.AuthExpiredError
	switch {
	case errors.As(err, &expired):
		body.Error = "auth_expired"
		body.NeedsReconnect = true
		body.TokenInfo = expired.TokenInfo
		writeJSON(w, http.StatusUnauthorized, body)
	case errors.Is(err, domain.ErrConnectionNotFound):
		body.Error = "connection_not_found"
		writeJSON(w, http.StatusNotFound, body)
	default:
		status := http.StatusInternalServerError
		if _, upstream := domain.UpstreamStatus(err); upstream {
			status = http.StatusBadGateway
		}
		writeJSON(w, status, body)
	}
}
