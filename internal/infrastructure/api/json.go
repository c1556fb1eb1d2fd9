package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	OK             bool           `json:"ok"`
	Error          string         `json:"error"`
	Stage          string         `json:"stage,omitempty"`
	Details        string         `json:"details,omitempty"`
	NeedsReconnect bool           `json:"needs_reconnect,omitempty"`
	TokenInfo      map[string]any `json:"token_info,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, errorBody{Error: code, Details: details})
}

// businessIDParam reads a positive businessId (or business_id) query parameter
func businessIDParam(r *http.Request) (int64, bool) {
	raw := r.URL.Query().Get("businessId")
	if raw == "" {
		raw = r.URL.Query().Get("business_id")
	}
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
