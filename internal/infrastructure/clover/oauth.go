package clover

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"archie-core-clover-layer/internal/domain"
	"archie-core-clover-layer/internal/infrastructure/metrics"
	"archie-core-clover-layer/internal/ports"

	"github.com/rs/zerolog"
)

const (
	authorizePath = "/oauth/v2/authorize"
	tokenPath     = "/oauth/v2/token"
)

// oauthHosts maps dashboard hosts to the API hosts that serve the OAuth endpoints
var oauthHosts = map[string]string{
	"sandbox.dev.clover.com": "apisandbox.dev.clover.com",
	"www.clover.com":         "api.clover.com",
	"clover.com":             "api.clover.com",
	"eu.clover.com":          "api.eu.clover.com",
	"www.eu.clover.com":      "api.eu.clover.com",
	"la.clover.com":          "api.la.clover.com",
	"www.la.clover.com":      "api.la.clover.com",
}

// NormalizeOAuthBase rewrites a dashboard URL to the matching API host
func NormalizeOAuthBase(raw string) string {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	if raw == "" {
		return "https://api.clover.com"
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if host, ok := oauthHosts[strings.ToLower(u.Host)]; ok {
		u.Host = host
	}
	u.Path = ""
	return u.String()
}

// OAuthClient talks to the platform's authorization server
type OAuthClient struct {
	baseURL      string
	clientID     string
	clientSecret string
	redirectURI  string
	httpClient   *http.Client
	logger       zerolog.Logger
}

var _ ports.TokenEndpoint = (*OAuthClient)(nil)

// NewOAuthClient creates an OAuth client for the given base URL
func NewOAuthClient(baseURL, clientID, clientSecret, redirectURI string, logger zerolog.Logger) *OAuthClient {
	return &OAuthClient{
		baseURL:      NormalizeOAuthBase(baseURL),
		clientID:     clientID,
		clientSecret: clientSecret,
		redirectURI:  redirectURI,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		logger:       logger,
	}
}

// AuthorizeURL builds the merchant consent URL
func (o *OAuthClient) AuthorizeURL(state string) string {
	values := url.Values{}
	values.Set("client_id", o.clientID)
	values.Set("response_type", "code")
	values.Set("redirect_uri", o.redirectURI)
	values.Set("state", state)
	return o.baseURL + authorizePath + "?" + values.Encode()
}

// ExchangeCode trades an authorization code for tokens
func (o *OAuthClient) ExchangeCode(ctx context.Context, code string) (*domain.TokenGrant, error) {
	if code == "" {
		return nil, fmt.Errorf("authorization code is required")
	}
	fields := map[string]string{
		"grant_type":    "authorization_code",
		"client_id":     o.clientID,
		"client_secret": o.clientSecret,
		"code":          code,
	}
	if o.redirectURI != "" {
		fields["redirect_uri"] = o.redirectURI
	}
	grant, err := o.postToken(ctx, "exchange", fields)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	return grant, nil
}

// Refresh trades a refresh token for a new access token
func (o *OAuthClient) Refresh(ctx context.Context, refreshToken string) (*domain.TokenGrant, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("refresh token is required")
	}
	fields := map[string]string{
		"grant_type":    "refresh_token",
		"client_id":     o.clientID,
		"refresh_token": refreshToken,
	}
	if o.clientSecret != "" {
		fields["client_secret"] = o.clientSecret
	}
	grant, err := o.postToken(ctx, "refresh", fields)
	if err != nil {
		return nil, fmt.Errorf("failed to refresh access token: %w", err)
	}
	return grant, nil
}

// TokenInfo returns the non-secret claims of an access token
func (o *OAuthClient) TokenInfo(accessToken string) map[string]any {
	return TokenInfo(accessToken)
}

type tokenResponse struct {
	AccessToken           string `json:"access_token"`
	RefreshToken          string `json:"refresh_token"`
	AccessTokenExpiration any    `json:"access_token_expiration"`
	ExpiresIn             any    `json:"expires_in"`
	Expires               any    `json:"expires"`
	MerchantID            string `json:"merchant_id"`
}

// postToken sends the request as JSON and retries once form-encoded when the
// server rejects the content type or does not see the fields
func (o *OAuthClient) postToken(ctx context.Context, endpoint string, fields map[string]string) (*domain.TokenGrant, error) {
	body, err := o.send(ctx, endpoint, fields, false)
	if err != nil && wantsForm(err) {
		o.logger.Debug().Str("endpoint", endpoint).Msg("Token endpoint rejected JSON body, retrying form-encoded")
		body, err = o.send(ctx, endpoint, fields, true)
	}
	if err != nil {
		return nil, err
	}

	var parsed tokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	if parsed.AccessToken == "" {
		return nil, fmt.Errorf("token response has no access_token")
	}

	return &domain.TokenGrant{
		AccessToken:  parsed.AccessToken,
		RefreshToken: parsed.RefreshToken,
		ExpiresAt:    expiryOf(parsed, time.Now()),
		MerchantID:   parsed.MerchantID,
	}, nil
}

func (o *OAuthClient) send(ctx context.Context, endpoint string, fields map[string]string, asForm bool) ([]byte, error) {
	var (
		payload     []byte
		contentType string
	)
	if asForm {
		values := url.Values{}
		for k, v := range fields {
			values.Set(k, v)
		}
		payload = []byte(values.Encode())
		contentType = "application/x-www-form-urlencoded"
	} else {
		var err error
		if payload, err = json.Marshal(fields); err != nil {
			return nil, fmt.Errorf("failed to encode token request: %w", err)
		}
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+tokenPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := o.httpClient.Do(req)
	if err != nil {
		metrics.ObserveUpstream("oauth_"+endpoint, 0, time.Since(start))
		return nil, fmt.Errorf("failed to call token endpoint: %w", err)
	}
	defer resp.Body.Close()
	metrics.ObserveUpstream("oauth_"+endpoint, resp.StatusCode, time.Since(start))

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &domain.UpstreamError{
			Method: http.MethodPost,
			Path:   tokenPath,
			Status: resp.StatusCode,
			Body:   truncate(string(body), maxErrorBody),
		}
	}
	return body, nil
}

func wantsForm(err error) bool {
	status, ok := domain.UpstreamStatus(err)
	if !ok {
		return false
	}
	if status == http.StatusUnsupportedMediaType {
		return true
	}
	if status != http.StatusBadRequest {
		return false
	}
	var upstream *domain.UpstreamError
	if !errors.As(err, &upstream) {
		return false
	}
	body := strings.ToLower(upstream.Body)
	return strings.Contains(body, "must not be null") || strings.Contains(body, "unsupported media type")
}

// expiryOf prefers the token's own exp claim, then the absolute expiration, then expires_in
func expiryOf(resp tokenResponse, now time.Time) *time.Time {
	if exp, ok := ExpiryFromToken(resp.AccessToken); ok {
		return &exp
	}
	if secs, ok := numberOf(resp.AccessTokenExpiration); ok && secs > 0 {
		exp := time.Unix(secs, 0)
		return &exp
	}
	for _, v := range []any{resp.ExpiresIn, resp.Expires} {
		if secs, ok := numberOf(v); ok && secs > 0 {
			exp := now.Add(time.Duration(secs) * time.Second)
			return &exp
		}
	}
	return nil
}

func numberOf(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		return n, err == nil
	}
	return 0, false
}
