package domain

import "time"

// Session represents a pending OAuth connect flow
type Session struct {
	ID         string    `json:"id"`
	State      string    `json:"state"`
	BusinessID int64     `json:"business_id"`
	ReturnTo   string    `json:"return_to"`
	ExpiresAt  time.Time `json:"expires_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// Expired reports whether the session can no longer complete a callback
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}
