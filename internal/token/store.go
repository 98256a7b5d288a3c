package token

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInvalidToken covers tokens that are missing, malformed, expired or
	// fail verification at the refresh-token boundary.
	ErrInvalidToken = errors.New("token: invalid token")
	// ErrReuseDetected marks presentation of an already-rotated refresh
	// token. Callers must treat it as a security event.
	ErrReuseDetected = errors.New("token: refresh token reuse detected")
	// ErrNotFound is returned by stores for missing records.
	ErrNotFound = errors.New("token: not found")
)

// Access-token validation failure reasons, consumed by external verifiers.
var (
	ErrExpired         = errors.New("token: expired")
	ErrBadSignature    = errors.New("token: bad signature")
	ErrUnknownKey      = errors.New("token: unknown key id")
	ErrMalformed       = errors.New("token: malformed")
	ErrInvalidAudience = errors.New("token: invalid audience")
)

// KeyStatus is the signing-key lifecycle state.
type KeyStatus string

const (
	KeyActive   KeyStatus = "active"
	KeyRetiring KeyStatus = "retiring"
	KeyRetired  KeyStatus = "retired"
)

// SigningKey is a persisted asymmetric keypair. Exactly one key is active
// for signing; retiring keys keep verifying until RetireAt passes.
type SigningKey struct {
	Kid        string
	Status     KeyStatus
	PrivatePEM string
	PublicPEM  string
	CreatedAt  time.Time
	RetireAt   *time.Time
}

// KeyStore persists signing keys. Rotate must be transactional: it demotes
// the current active key to retiring, retires keys past their overlap
// window, and installs the new active key as one atomic step. Concurrent
// rotations must serialize on the store.
type KeyStore interface {
	Active(ctx context.Context) (*SigningKey, error)
	// Verifiable returns active and retiring keys, newest first.
	Verifiable(ctx context.Context) ([]*SigningKey, error)
	Rotate(ctx context.Context, next *SigningKey, overlap time.Duration) error
}

// RefreshToken is the stored half of an opaque refresh credential. The
// client-held secret is never stored; only its SHA-256 hash is.
type RefreshToken struct {
	ID        string
	UserID    string
	ClientID  string
	EntityID  string
	FamilyID  string
	Scope     string
	TokenHash string
	ExpiresAt time.Time
	CreatedAt time.Time
	RetiredAt *time.Time
	RevokedAt *time.Time
}

// RefreshTokenStore manages refresh token lineage.
type RefreshTokenStore interface {
	Create(ctx context.Context, tok *RefreshToken) error
	Find(ctx context.Context, id string) (*RefreshToken, error)
	// Retire marks the token rotated. It must be a compare-and-set: the
	// returned bool is false when the token was already retired, so two
	// concurrent rotations cannot both win.
	Retire(ctx context.Context, id string, at time.Time) (bool, error)
	// RevokeFamily revokes every token descended from one original grant.
	RevokeFamily(ctx context.Context, familyID string) error
	RevokeByUser(ctx context.Context, userID string) error
}
