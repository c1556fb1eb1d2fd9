package domain

import "time"

// MerchantConnection links a local business to its merchant account on the POS platform.
// There is one per business; it is created on the OAuth callback and mutated on every
// token refresh and on fulfillment order type creation. It is never deleted.
type MerchantConnection struct {
	ID                       string     `json:"id"`
	BusinessID               int64      `json:"business_id"`
	MerchantID               string     `json:"merchant_id"`
	AccessToken              string     `json:"-"`
	RefreshToken             string     `json:"-"`
	TokenExpiresAt           *time.Time `json:"token_expires_at,omitempty"`
	FulfillmentOrderTypeID   string     `json:"fulfillment_order_type_id,omitempty"`
	FulfillmentOrderTypeName string     `json:"fulfillment_order_type_name,omitempty"`
	OrderTypeReadyAt         *time.Time `json:"order_type_ready_at,omitempty"`
	LastImportedAt           *time.Time `json:"last_imported_at,omitempty"`
	LastRefreshedAt          *time.Time `json:"last_refreshed_at,omitempty"`
	NeedsReconnect           bool       `json:"needs_reconnect"`
	CreatedAt                time.Time  `json:"created_at"`
	UpdatedAt                time.Time  `json:"updated_at"`

	// TokenErr is set when a listed connection's stored tokens could not be read back.
	// Such a connection carries no tokens and cannot be refreshed.
	TokenErr error `json:"-"`
}

// HasRefreshToken reports whether the connection can renew its access token on its own
func (c *MerchantConnection) HasRefreshToken() bool {
	return c.RefreshToken != ""
}

// ExpiresWithin reports whether the access token expires inside the given window.
// A missing expiry counts as expiring.
func (c *MerchantConnection) ExpiresWithin(now time.Time, window time.Duration) bool {
	if c.TokenExpiresAt == nil || c.TokenExpiresAt.IsZero() {
		return true
	}
	return c.TokenExpiresAt.Sub(now) <= window
}

// TokenGrant is what the token endpoint returns for a code exchange or a refresh
type TokenGrant struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
	MerchantID   string
}

// TokenUpdate carries the fields persisted after a successful refresh
type TokenUpdate struct {
	AccessToken     string
	RefreshToken    string
	ExpiresAt       *time.Time
	LastRefreshedAt time.Time
}

// RefreshReport summarises one batch refresh run
type RefreshReport struct {
	Total     int              `json:"total"`
	Refreshed int              `json:"refreshed"`
	Skipped   int              `json:"skipped"`
	Failed    int              `json:"failed"`
	Failures  []RefreshFailure `json:"failures"`
}

// RefreshFailure describes one connection the batch refresh could not renew
type RefreshFailure struct {
	BusinessID int64  `json:"business_id"`
	MerchantID string `json:"merchant_id"`
	Error      string `json:"error"`
}
