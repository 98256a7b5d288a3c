package token

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"authhub.org/internal/ids"
	"authhub.org/internal/obs"
)

const (
	defaultAccessTTL     = 15 * time.Minute
	defaultRefreshTTL    = 24 * time.Hour * 14
	defaultRotateOverlap = time.Hour

	refreshSecretBytes = 32
)

// AccessClaims are the verified contents of a signed access or ID token.
type AccessClaims struct {
	Entity      string   `json:"entity,omitempty"`
	Role        string   `json:"role,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	Scope       string   `json:"scope,omitempty"`
	Nonce       string   `json:"nonce,omitempty"`
	TokenType   string   `json:"token_type"`
	jwt.RegisteredClaims
}

// ClientID returns the audience the token was issued for.
func (c *AccessClaims) ClientID() string {
	if len(c.Audience) == 0 {
		return ""
	}
	return c.Audience[0]
}

// IssueRequest carries resolved claim content for one token set.
type IssueRequest struct {
	Subject     string
	ClientID    string
	EntityID    string
	Role        string
	Permissions []string
	Scope       []string
	Nonce       string
	GrantType   string

	// Zero values fall back to the service defaults.
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	IncludeIDToken      bool
	IncludeRefreshToken bool
	// RefreshFamilyID continues an existing rotation lineage; empty starts
	// a new family.
	RefreshFamilyID string
}

// TokenSet is the result of successful issuance.
type TokenSet struct {
	AccessToken      string
	IDToken          string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// Service issues and validates signed tokens and rotates refresh tokens
// and signing keys.
type Service struct {
	keys    KeyStore
	refresh RefreshTokenStore

	issuer        string
	accessTTL     time.Duration
	refreshTTL    time.Duration
	rotateOverlap time.Duration
	now           func() time.Time

	rotateMu sync.Mutex

	mu         sync.RWMutex
	activeKid  string
	signKey    *rsa.PrivateKey
	verifyKeys map[string]*rsa.PublicKey
}

// Option configures Service behavior.
type Option func(*Service)

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) Option {
	return func(s *Service) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			s.issuer = issuer
		}
	}
}

// WithAccessTTL configures the default access token lifetime.
func WithAccessTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.accessTTL = ttl
		}
	}
}

// WithRefreshTTL configures the default refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
	}
}

// WithRotateOverlap configures how long a demoted key keeps verifying.
func WithRotateOverlap(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.rotateOverlap = d
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs the token service, loading the signing keyring from
// the store and generating an initial key when none exists yet.
func NewService(ctx context.Context, keys KeyStore, refresh RefreshTokenStore, opts ...Option) (*Service, error) {
	if keys == nil || refresh == nil {
		return nil, errors.New("token: key and refresh stores are required")
	}
	s := &Service{
		keys:          keys,
		refresh:       refresh,
		issuer:        "authhub",
		accessTTL:     defaultAccessTTL,
		refreshTTL:    defaultRefreshTTL,
		rotateOverlap: defaultRotateOverlap,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	err := s.reloadKeyring(ctx, nil, nil)
	switch {
	case errors.Is(err, ErrNotFound):
		if _, err := s.RotateKeys(ctx); err != nil {
			return nil, fmt.Errorf("bootstrap signing key: %w", err)
		}
	case err != nil:
		return nil, err
	}
	return s, nil
}

// ActiveKid returns the kid new tokens are signed with.
func (s *Service) ActiveKid() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeKid
}

// Issuer returns the issuer claim stamped into tokens.
func (s *Service) Issuer() string {
	return s.issuer
}

// Issue signs an access token (and optional ID and refresh tokens) with the
// currently active key.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (TokenSet, error) {
	if strings.TrimSpace(req.Subject) == "" || strings.TrimSpace(req.ClientID) == "" {
		return TokenSet{}, errors.New("token: subject and client are required")
	}
	now := s.now().UTC()
	accessTTL := req.AccessTTL
	if accessTTL <= 0 {
		accessTTL = s.accessTTL
	}
	accessExp := now.Add(accessTTL)

	s.mu.RLock()
	kid, signKey := s.activeKid, s.signKey
	s.mu.RUnlock()
	if signKey == nil {
		return TokenSet{}, errors.New("token: no active signing key")
	}

	access := AccessClaims{
		Entity:      req.EntityID,
		Role:        req.Role,
		Permissions: req.Permissions,
		Scope:       strings.Join(req.Scope, " "),
		TokenType:   "access",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   req.Subject,
			Audience:  jwt.ClaimStrings{req.ClientID},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(accessExp),
			ID:        uuid.NewString(),
		},
	}
	accessToken, err := signClaims(access, kid, signKey)
	if err != nil {
		return TokenSet{}, fmt.Errorf("sign access token: %w", err)
	}

	set := TokenSet{AccessToken: accessToken, AccessExpiresAt: accessExp}

	if req.IncludeIDToken {
		id := AccessClaims{
			Nonce:     req.Nonce,
			TokenType: "id",
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    s.issuer,
				Subject:   req.Subject,
				Audience:  jwt.ClaimStrings{req.ClientID},
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(accessExp),
				ID:        uuid.NewString(),
			},
		}
		set.IDToken, err = signClaims(id, kid, signKey)
		if err != nil {
			return TokenSet{}, fmt.Errorf("sign id token: %w", err)
		}
	}

	if req.IncludeRefreshToken {
		refreshTTL := req.RefreshTTL
		if refreshTTL <= 0 {
			refreshTTL = s.refreshTTL
		}
		raw, rec, err := s.newRefreshToken(req, now, refreshTTL)
		if err != nil {
			return TokenSet{}, err
		}
		if err := s.refresh.Create(ctx, rec); err != nil {
			return TokenSet{}, fmt.Errorf("store refresh token: %w", err)
		}
		set.RefreshToken = raw
		set.RefreshExpiresAt = rec.ExpiresAt
	}

	if req.GrantType != "" {
		obs.TokenIssued(req.GrantType)
	}
	return set, nil
}

func signClaims(claims AccessClaims, kid string, key *rsa.PrivateKey) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	return tok.SignedString(key)
}

func (s *Service) newRefreshToken(req IssueRequest, now time.Time, ttl time.Duration) (string, *RefreshToken, error) {
	secret, err := ids.NewSecret(refreshSecretBytes)
	if err != nil {
		return "", nil, err
	}
	family := req.RefreshFamilyID
	if family == "" {
		family = ids.New()
	}
	sum := sha256.Sum256([]byte(secret))
	rec := &RefreshToken{
		ID:        ids.New(),
		UserID:    req.Subject,
		ClientID:  req.ClientID,
		EntityID:  req.EntityID,
		FamilyID:  family,
		Scope:     strings.Join(req.Scope, " "),
		TokenHash: hex.EncodeToString(sum[:]),
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	return rec.ID + "." + secret, rec, nil
}

// ConsumeRefreshToken validates a presented refresh token and atomically
// retires it, returning the stored record so the caller can re-resolve
// claims and mint a replacement in the same family.
//
// Presenting an already-retired token is a reuse signal: the whole family
// is revoked and ErrReuseDetected is returned. A concurrent loser of the
// retire compare-and-set gets the same treatment.
func (s *Service) ConsumeRefreshToken(ctx context.Context, raw string) (*RefreshToken, error) {
	id, secret, err := splitRefreshToken(raw)
	if err != nil {
		return nil, ErrInvalidToken
	}
	rec, err := s.refresh.Find(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	now := s.now().UTC()
	if rec.RevokedAt != nil || now.After(rec.ExpiresAt) {
		return nil, ErrInvalidToken
	}
	if !secureCompareHash(rec.TokenHash, secret) {
		return nil, ErrInvalidToken
	}
	if rec.RetiredAt != nil {
		return nil, s.flagReuse(ctx, rec)
	}
	ok, err := s.refresh.Retire(ctx, rec.ID, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.flagReuse(ctx, rec)
	}
	return rec, nil
}

func (s *Service) flagReuse(ctx context.Context, rec *RefreshToken) error {
	obs.RefreshReuseDetected()
	if err := s.refresh.RevokeFamily(ctx, rec.FamilyID); err != nil {
		return fmt.Errorf("revoke token family: %w", err)
	}
	return ErrReuseDetected
}

// RevokeRefreshToken revokes the presented token's entire family, as on
// logout or administrative action. Unknown tokens are not an error so the
// endpoint cannot be used as an existence oracle.
func (s *Service) RevokeRefreshToken(ctx context.Context, raw string) error {
	id, secret, err := splitRefreshToken(raw)
	if err != nil {
		return nil
	}
	rec, err := s.refresh.Find(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if !secureCompareHash(rec.TokenHash, secret) {
		return nil
	}
	return s.refresh.RevokeFamily(ctx, rec.FamilyID)
}

// RevokeUserTokens revokes every refresh token held by one user, across all
// clients and families, as on a forced logout.
func (s *Service) RevokeUserTokens(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return errors.New("token: user id is required")
	}
	return s.refresh.RevokeByUser(ctx, userID)
}

// Validate verifies a signed token against the in-memory keyring: signature
// by kid, issuer, expiry and not-before. When an expected audience is given
// the token's aud claim must contain it. It returns the embedded claims or
// one of ErrExpired, ErrBadSignature, ErrUnknownKey, ErrInvalidAudience,
// ErrMalformed.
func (s *Service) Validate(tokenString string, audience ...string) (*AccessClaims, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return nil, ErrMalformed
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(func() time.Time { return s.now().UTC() }),
	}
	if len(audience) > 0 && audience[0] != "" {
		opts = append(opts, jwt.WithAudience(audience[0]))
	}
	claims := &AccessClaims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, s.keyfunc, opts...)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenNotValidYet):
			return nil, ErrExpired
		case errors.Is(err, jwt.ErrTokenInvalidAudience):
			return nil, ErrInvalidAudience
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrBadSignature
		case errors.Is(err, ErrUnknownKey):
			return nil, ErrUnknownKey
		default:
			return nil, ErrMalformed
		}
	}
	if !parsed.Valid {
		return nil, ErrMalformed
	}
	return claims, nil
}

func (s *Service) keyfunc(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	if kid == "" {
		return nil, ErrUnknownKey
	}
	s.mu.RLock()
	pub, ok := s.verifyKeys[kid]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownKey
	}
	return pub, nil
}

func splitRefreshToken(raw string) (id, secret string, err error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("invalid refresh token format")
	}
	return parts[0], parts[1], nil
}

func secureCompareHash(expectedHash, secret string) bool {
	sum := sha256.Sum256([]byte(secret))
	actual := hex.EncodeToString(sum[:])
	if len(expectedHash) != len(actual) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expectedHash), []byte(actual)) == 1
}
