package application

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"archie-core-clover-layer/internal/domain"
	"archie-core-clover-layer/internal/ports"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// PreemptiveRefreshWindow is how close to expiry a token is renewed before use
const PreemptiveRefreshWindow = 120 * time.Second

// Refresh triggers reported to metrics
const (
	TriggerPreemptive = "preemptive"
	TriggerReactive   = "reactive"
	TriggerBatch      = "batch"
)

// TokenManager keeps the access tokens of merchant connections valid
type TokenManager struct {
	connections ports.ConnectionRepository
	tokens      ports.TokenEndpoint
	metrics     ports.Metrics
	logger      zerolog.Logger
	flight      singleflight.Group
	now         func() time.Time
}

// NewTokenManager creates a token manager
func NewTokenManager(
	connections ports.ConnectionRepository,
	tokens ports.TokenEndpoint,
	metrics ports.Metrics,
	logger zerolog.Logger,
) *TokenManager {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &TokenManager{
		connections: connections,
		tokens:      tokens,
		metrics:     metrics,
		logger:      logger,
		now:         time.Now,
	}
}

// TokenSession carries the live token of one connection through one logical operation.
// It allows at most one reactive refresh.
type TokenSession struct {
	manager      *TokenManager
	conn         *domain.MerchantConnection
	mu           sync.Mutex
	reactiveUsed bool
}

// Open starts an operation on conn, refreshing first when the token is about to expire.
// Without a refresh token the current token is used as is.
func (m *TokenManager) Open(ctx context.Context, conn *domain.MerchantConnection) (*TokenSession, error) {
	if conn == nil {
		return nil, domain.ErrConnectionNotFound
	}
	s := &TokenSession{manager: m, conn: conn}

	if conn.HasRefreshToken() && conn.ExpiresWithin(m.now(), PreemptiveRefreshWindow) {
		m.logger.Debug().
			Int64("businessId", conn.BusinessID).
			Str("merchantId", conn.MerchantID).
			Msg("Access token missing expiry or about to expire, refreshing")
		if _, err := m.Refresh(ctx, conn, TriggerPreemptive); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// WithValidToken runs fn with a valid access token for conn
func (m *TokenManager) WithValidToken(ctx context.Context, conn *domain.MerchantConnection, fn func(ctx context.Context, accessToken string) error) error {
	s, err := m.Open(ctx, conn)
	if err != nil {
		return err
	}
	return s.WithValidToken(ctx, fn)
}

// Connection returns the connection the session operates on
func (s *TokenSession) Connection() *domain.MerchantConnection {
	return s.conn
}

// MerchantID returns the platform merchant id of the session
func (s *TokenSession) MerchantID() string {
	return s.conn.MerchantID
}

func (s *TokenSession) accessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.AccessToken
}

// WithValidToken runs fn and, on a 401, refreshes once and retries once. A 401 after
// the reactive refresh, or with no refresh token, becomes an AuthExpiredError.
func (s *TokenSession) WithValidToken(ctx context.Context, fn func(ctx context.Context, accessToken string) error) error {
	token := s.accessToken()
	err := fn(ctx, token)
	if !domain.IsUnauthorized(err) {
		return err
	}

	s.mu.Lock()
	canRefresh := !s.reactiveUsed && s.conn.HasRefreshToken()
	s.reactiveUsed = true
	s.mu.Unlock()

	if !canRefresh {
		return s.expired(token, err)
	}

	s.manager.logger.Info().
		Int64("businessId", s.conn.BusinessID).
		Str("merchantId", s.conn.MerchantID).
		Msg("Platform rejected access token, refreshing once")

	if _, refreshErr := s.manager.Refresh(ctx, s.conn, TriggerReactive); refreshErr != nil {
		return refreshErr
	}

	token = s.accessToken()
	err = fn(ctx, token)
	if domain.IsUnauthorized(err) {
		return s.expired(token, err)
	}
	return err
}

func (s *TokenSession) expired(token string, cause error) error {
	return &domain.AuthExpiredError{
		MerchantID: s.conn.MerchantID,
		TokenInfo:  s.manager.tokens.TokenInfo(token),
		Cause:      cause,
	}
}

// CallWithToken is WithValidToken for calls that return a value
func CallWithToken[T any](ctx context.Context, s *TokenSession, fn func(ctx context.Context, accessToken string) (T, error)) (T, error) {
	var out T
	err := s.WithValidToken(ctx, func(ctx context.Context, token string) error {
		v, err := fn(ctx, token)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Refresh renews the access token of conn and updates conn in place. Concurrent refreshes
// of one business share a single token endpoint call, since refresh tokens may rotate.
func (m *TokenManager) Refresh(ctx context.Context, conn *domain.MerchantConnection, trigger string) (*domain.TokenGrant, error) {
	if !conn.HasRefreshToken() {
		m.metrics.ObserveTokenRefresh(trigger, "no_refresh_token")
		return nil, &domain.AuthExpiredError{
			MerchantID: conn.MerchantID,
			TokenInfo:  m.tokens.TokenInfo(conn.AccessToken),
			Cause:      errors.New("no refresh token stored"),
		}
	}

	v, err, shared := m.flight.Do(strconv.FormatInt(conn.BusinessID, 10), func() (interface{}, error) {
		return m.refresh(ctx, conn)
	})
	if err != nil {
		if errors.Is(err, domain.ErrAuthExpired) {
			m.metrics.ObserveTokenRefresh(trigger, "rejected")
		} else {
			m.metrics.ObserveTokenRefresh(trigger, "error")
		}
		return nil, err
	}

	grant := v.(*domain.TokenGrant)
	m.apply(conn, grant)
	m.metrics.ObserveTokenRefresh(trigger, "success")

	m.logger.Info().
		Int64("businessId", conn.BusinessID).
		Str("merchantId", conn.MerchantID).
		Str("trigger", trigger).
		Bool("shared", shared).
		Msg("Access token refreshed")
	return grant, nil
}

func (m *TokenManager) refresh(ctx context.Context, conn *domain.MerchantConnection) (*domain.TokenGrant, error) {
	grant, err := m.tokens.Refresh(ctx, conn.RefreshToken)
	if err != nil {
		status, _ := domain.UpstreamStatus(err)
		if status == http.StatusBadRequest || status == http.StatusUnauthorized {
			m.logger.Warn().
				Err(err).
				Int64("businessId", conn.BusinessID).
				Str("merchantId", conn.MerchantID).
				Msg("Refresh token rejected, connection needs reconnect")
			if markErr := m.connections.MarkNeedsReconnect(ctx, conn.BusinessID); markErr != nil {
				m.logger.Error().Err(markErr).Int64("businessId", conn.BusinessID).Msg("Failed to flag connection for reconnect")
			}
			return nil, &domain.AuthExpiredError{
				MerchantID: conn.MerchantID,
				TokenInfo:  m.tokens.TokenInfo(conn.AccessToken),
				Cause:      err,
			}
		}
		m.logger.Error().Err(err).Int64("businessId", conn.BusinessID).Msg("Failed to refresh access token")
		return nil, fmt.Errorf("failed to refresh token for business %d: %w", conn.BusinessID, err)
	}

	update := domain.TokenUpdate{
		AccessToken:     grant.AccessToken,
		RefreshToken:    grant.RefreshToken,
		ExpiresAt:       grant.ExpiresAt,
		LastRefreshedAt: m.now(),
	}
	if err := m.connections.UpdateTokens(ctx, conn.BusinessID, update); err != nil {
		m.logger.Error().
			Err(err).
			Int64("businessId", conn.BusinessID).
			Msg("Failed to persist refreshed tokens, continuing with in-memory token")
	}
	return grant, nil
}

func (m *TokenManager) apply(conn *domain.MerchantConnection, grant *domain.TokenGrant) {
	now := m.now()
	conn.AccessToken = grant.AccessToken
	if grant.RefreshToken != "" {
		conn.RefreshToken = grant.RefreshToken
	}
	conn.TokenExpiresAt = grant.ExpiresAt
	conn.LastRefreshedAt = &now
	conn.NeedsReconnect = false
}
