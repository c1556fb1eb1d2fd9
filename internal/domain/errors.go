package domain

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrAuthExpired means the merchant must reconnect before any further platform call can succeed
	ErrAuthExpired = errors.New("pos authorization expired")

	// ErrConnectionNotFound is returned when no merchant connection exists for a business
	ErrConnectionNotFound = errors.New("merchant connection not found")

	// ErrWebhookUnauthorized is returned when a webhook carries the wrong shared secret
	ErrWebhookUnauthorized = errors.New("webhook secret mismatch")

	// ErrInvalidOAuthState is returned when a callback state is unknown or expired
	ErrInvalidOAuthState = errors.New("invalid or expired oauth state")

	// ErrReturnToNotAllowed is returned when a connect flow asks to redirect to a foreign host
	ErrReturnToNotAllowed = errors.New("return_to host is not allowed")
)

// AuthExpiredError carries the context of an exhausted authorization
type AuthExpiredError struct {
	MerchantID string
	TokenInfo  map[string]any
	Cause      error
}

func (e *AuthExpiredError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("pos authorization expired for merchant %s", e.MerchantID)
	}
	return fmt.Sprintf("pos authorization expired for merchant %s: %v", e.MerchantID, e.Cause)
}

func (e *AuthExpiredError) Unwrap() error { return e.Cause }

func (e *AuthExpiredError) Is(target error) bool { return target == ErrAuthExpired }

// UpstreamError is a non-2xx answer from the POS platform
type UpstreamError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("pos request %s %s failed: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// Unauthorized reports whether the platform rejected the access token
func (e *UpstreamError) Unauthorized() bool {
	return e.Status == http.StatusUnauthorized
}

// Retryable reports whether re-sending the same request later may succeed
func (e *UpstreamError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// UpstreamStatus extracts the HTTP status of an UpstreamError anywhere in the chain
func UpstreamStatus(err error) (int, bool) {
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return upstream.Status, true
	}
	return 0, false
}

// IsUpstreamStatus reports whether err is an UpstreamError with the given status
func IsUpstreamStatus(err error, status int) bool {
	got, ok := UpstreamStatus(err)
	return ok && got == status
}

// IsUnauthorized reports whether err is a 401 from the platform
func IsUnauthorized(err error) bool {
	return IsUpstreamStatus(err, http.StatusUnauthorized)
}

// SyncError aborts the remaining stages of a catalog sync
type SyncError struct {
	Stage SyncStage
	Cause error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync failed at stage %s: %v", e.Stage, e.Cause)
}

func (e *SyncError) Unwrap() error { return e.Cause }

// AmbiguousTargetError records that several local orders qualified for one webhook.
// It is logged, never returned to callers.
type AmbiguousTargetError struct {
	BusinessID      int64
	ExternalOrderID string
	Candidates      []int64
	Chosen          int64
}

func (e *AmbiguousTargetError) Error() string {
	return fmt.Sprintf("%d local orders match external order %s for business %d, chose %d",
		len(e.Candidates), e.ExternalOrderID, e.BusinessID, e.Chosen)
}

// Ignore reasons reported in webhook acknowledgements
const (
	ReasonMerchantMissing      = "merchant_id_missing"
	ReasonObjectMissing        = "object_id_missing"
	ReasonUnknownMerchant      = "unknown_merchant"
	ReasonUnsupportedKind      = "unsupported_object_kind"
	ReasonAlreadyProcessed     = "already_processed"
	ReasonPaymentNotSuccessful = "payment_not_successful"
	ReasonNoPaymentYet         = "order_has_no_payments"
	ReasonObjectNotFound       = "object_not_found"
	ReasonOrderNotFound        = "order_not_found"
	ReasonCannotResolveOrder   = "cannot_resolve_order"
	ReasonNotUninstall         = "app_event_not_uninstall"
)
