package domain

import "time"

// RefreshToken is a ledger row for an issued refresh token.
type RefreshToken struct {
	ID        int64
	Token     string
	UserID    int64
	ExpiresAt time.Time
	Revoked   bool
	CreatedAt time.Time
}

// Expired reports whether the token is past its expiry at now.
func (t RefreshToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// SigningKey stores the HMAC secret used for token signatures.
type SigningKey struct {
	ID        int64
	KID       string
	Secret    []byte
	Algorithm string
	IsActive  bool
	CreatedAt time.Time
}
