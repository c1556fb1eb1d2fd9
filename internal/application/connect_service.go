package application

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"archie-core-clover-layer/internal/domain"
	"archie-core-clover-layer/internal/ports"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// OAuthSessionTTL bounds how long a merchant may take on the consent screen
const OAuthSessionTTL = 10 * time.Minute

// ConnectService runs the OAuth connect flow that creates merchant connections
type ConnectService struct {
	sessions     ports.SessionRepository
	connections  ports.ConnectionRepository
	oauth        ports.TokenEndpoint
	tokens       *TokenManager
	orderTypes   *OrderTypeService
	stateSecret  []byte
	allowedHosts map[string]bool
	logger       zerolog.Logger
	now          func() time.Time
}

// NewConnectService creates the connect service. With a state secret the OAuth state is a
// signed token; without one it is a random id. Return URLs must point at one of allowedHosts.
func NewConnectService(
	sessions ports.SessionRepository,
	connections ports.ConnectionRepository,
	oauth ports.TokenEndpoint,
	tokens *TokenManager,
	orderTypes *OrderTypeService,
	stateSecret string,
	allowedHosts []string,
	logger zerolog.Logger,
) *ConnectService {
	hosts := make(map[string]bool, len(allowedHosts))
	for _, h := range allowedHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			hosts[h] = true
		}
	}
	var secret []byte
	if stateSecret != "" {
		secret = []byte(stateSecret)
	}
	return &ConnectService{
		sessions:     sessions,
		connections:  connections,
		oauth:        oauth,
		tokens:       tokens,
		orderTypes:   orderTypes,
		stateSecret:  secret,
		allowedHosts: hosts,
		logger:       logger,
		now:          time.Now,
	}
}

// ConnectResult is the outcome of a callback. ReturnTo is set whenever the session was found,
// even if a later step failed.
type ConnectResult struct {
	ReturnTo   string
	Connection *domain.MerchantConnection
}

// Start records a pending connect flow and returns the consent URL to redirect to
func (s *ConnectService) Start(ctx context.Context, businessID int64, returnTo string) (string, error) {
	if businessID <= 0 {
		return "", fmt.Errorf("business id must be positive")
	}
	if err := s.checkReturnTo(returnTo); err != nil {
		return "", err
	}

	now := s.now()
	session := &domain.Session{
		ID:         uuid.NewString(),
		BusinessID: businessID,
		ReturnTo:   returnTo,
		ExpiresAt:  now.Add(OAuthSessionTTL),
		CreatedAt:  now,
	}
	state, err := s.newState(session)
	if err != nil {
		return "", err
	}
	session.State = state

	if err := s.sessions.CreateSession(ctx, session); err != nil {
		return "", fmt.Errorf("failed to store oauth session: %w", err)
	}

	s.logger.Info().Int64("businessId", businessID).Msg("OAuth connect started")
	return s.oauth.AuthorizeURL(state), nil
}

// Complete validates the callback, exchanges the code and stores the connection
func (s *ConnectService) Complete(ctx context.Context, code, state, merchantID string) (*ConnectResult, error) {
	if state == "" {
		return nil, domain.ErrInvalidOAuthState
	}
	if err := s.verifyState(state); err != nil {
		s.logger.Warn().Err(err).Msg("OAuth state rejected")
		return nil, domain.ErrInvalidOAuthState
	}

	session, err := s.sessions.ConsumeSession(ctx, state)
	if err != nil {
		return nil, err
	}
	if session == nil || session.Expired(s.now()) {
		return nil, domain.ErrInvalidOAuthState
	}
	result := &ConnectResult{ReturnTo: session.ReturnTo}

	if code == "" {
		return result, fmt.Errorf("authorization code is required")
	}
	grant, err := s.oauth.ExchangeCode(ctx, code)
	if err != nil {
		return result, err
	}
	if merchantID == "" {
		merchantID = grant.MerchantID
	}
	if merchantID == "" {
		return result, fmt.Errorf("callback carries no merchant id")
	}

	conn, err := s.connections.GetByBusinessID(ctx, session.BusinessID)
	if err != nil {
		return result, err
	}
	if conn == nil {
		conn = &domain.MerchantConnection{BusinessID: session.BusinessID}
	}
	if conn.MerchantID != merchantID {
		conn.FulfillmentOrderTypeID = ""
		conn.FulfillmentOrderTypeName = ""
		conn.OrderTypeReadyAt = nil
	}
	now := s.now()
	conn.MerchantID = merchantID
	conn.AccessToken = grant.AccessToken
	conn.RefreshToken = grant.RefreshToken
	conn.TokenExpiresAt = grant.ExpiresAt
	conn.LastRefreshedAt = &now
	conn.NeedsReconnect = false

	if err := s.connections.Upsert(ctx, conn); err != nil {
		return result, fmt.Errorf("failed to store connection: %w", err)
	}
	result.Connection = conn

	s.logger.Info().
		Int64("businessId", conn.BusinessID).
		Str("merchantId", merchantID).
		Msg("Merchant connected")

	s.ensureOrderType(ctx, conn)
	return result, nil
}

func (s *ConnectService) ensureOrderType(ctx context.Context, conn *domain.MerchantConnection) {
	if s.orderTypes == nil || s.tokens == nil {
		return
	}
	session, err := s.tokens.Open(ctx, conn)
	if err == nil {
		_, err = s.orderTypes.Ensure(ctx, session, true)
	}
	if err != nil {
		s.logger.Warn().Err(err).Int64("businessId", conn.BusinessID).Msg("Failed to prepare pickup order type after connect")
	}
}

func (s *ConnectService) checkReturnTo(returnTo string) error {
	if returnTo == "" {
		return nil
	}
	u, err := url.Parse(returnTo)
	if err != nil || !u.IsAbs() || (u.Scheme != "https" && u.Scheme != "http") {
		return domain.ErrReturnToNotAllowed
	}
	if !s.allowedHosts[strings.ToLower(u.Hostname())] {
		return domain.ErrReturnToNotAllowed
	}
	return nil
}

func (s *ConnectService) newState(session *domain.Session) (string, error) {
	if s.stateSecret == nil {
		return session.ID, nil
	}
	claims := jwt.RegisteredClaims{
		ID:        session.ID,
		Subject:   strconv.FormatInt(session.BusinessID, 10),
		IssuedAt:  jwt.NewNumericDate(session.CreatedAt),
		ExpiresAt: jwt.NewNumericDate(session.ExpiresAt),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.stateSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign oauth state: %w", err)
	}
	return signed, nil
}

func (s *ConnectService) verifyState(state string) error {
	if s.stateSecret == nil {
		return nil
	}
	_, err := jwt.ParseWithClaims(state, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		return s.stateSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return fmt.Errorf("failed to verify oauth state: %w", err)
	}
	return nil
}

// IsConnectInputError reports whether err was caused by the caller rather than a backend
func IsConnectInputError(err error) bool {
	return errors.Is(err, domain.ErrInvalidOAuthState) || errors.Is(err, domain.ErrReturnToNotAllowed)
}
