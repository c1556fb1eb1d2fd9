package clover

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenInfoClaims are safe to echo back to an operator when a reconnect is required
var tokenInfoClaims = []string{"iss", "merchant_uuid", "app_uuid", "exp", "iat"}

func parseClaims(token string) (jwt.MapClaims, bool) {
	if token == "" {
		return nil, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, false
	}
	return claims, true
}

// ExpiryFromToken reads the exp claim of a JWT access token.
// The signature is not verified; the value only schedules refreshes.
func ExpiryFromToken(token string) (time.Time, bool) {
	claims, ok := parseClaims(token)
	if !ok {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// TokenInfo returns the non-secret claims of a JWT access token, or nil for opaque tokens
func TokenInfo(token string) map[string]any {
	claims, ok := parseClaims(token)
	if !ok {
		return nil
	}
	info := make(map[string]any, len(tokenInfoClaims))
	for _, key := range tokenInfoClaims {
		if v, ok := claims[key]; ok {
			info[key] = v
		}
	}
	return info
}
