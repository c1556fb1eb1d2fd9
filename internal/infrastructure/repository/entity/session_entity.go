package entity

import (
	"time"

	"archie-core-clover-layer/internal/domain"
)

// MongoSessionDoc is a pending OAuth connect flow keyed by its state
type MongoSessionDoc struct {
	ID         string    `bson:"_id"`
	State      string    `bson:"state"`
	BusinessID int64     `bson:"businessId"`
	ReturnTo   string    `bson:"returnTo,omitempty"`
	ExpiresAt  time.Time `bson:"expiresAt"`
	CreatedAt  time.Time `bson:"createdAt"`
}

func (d *MongoSessionDoc) ToDomain() *domain.Session {
	return &domain.Session{
		ID:         d.ID,
		State:      d.State,
		BusinessID: d.BusinessID,
		ReturnTo:   d.ReturnTo,
		ExpiresAt:  d.ExpiresAt,
		CreatedAt:  d.CreatedAt,
	}
}

func MongoSessionDocFromDomain(s *domain.Session) *MongoSessionDoc {
	return &MongoSessionDoc{
		ID:         s.ID,
		State:      s.State,
		BusinessID: s.BusinessID,
		ReturnTo:   s.ReturnTo,
		ExpiresAt:  s.ExpiresAt,
		CreatedAt:  s.CreatedAt,
	}
}
