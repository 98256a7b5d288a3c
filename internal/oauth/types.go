package oauth

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// OAuth2 error codes (RFC 6749 taxonomy).
const (
	ErrCodeInvalidRequest       = "invalid_request"
	ErrCodeInvalidClient        = "invalid_client"
	ErrCodeInvalidGrant         = "invalid_grant"
	ErrCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrCodeInvalidScope         = "invalid_scope"
	ErrCodeAccessDenied         = "access_denied"
	ErrCodeServerError          = "server_error"
)

// Grant types accepted at the token endpoint.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
	GrantClientCredentials = "client_credentials"
)

// PKCE challenge methods.
const (
	ChallengeS256  = "S256"
	ChallengePlain = "plain"
)

// ScopeOpenID requests an ID token alongside the access token.
const ScopeOpenID = "openid"

// ErrNotFound is returned by stores for missing records.
var ErrNotFound = errors.New("oauth: not found")

// ErrCodeConsumed is returned by CodeStore.Consume when the code was
// already exchanged; the losing side of a concurrent exchange sees it.
var ErrCodeConsumed = errors.New("oauth: authorization code already consumed")

// Error is a protocol-level failure carrying an OAuth2 error code.
type Error struct {
	Code        string
	Description string
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

func protocolErr(code, format string, args ...any) *Error {
	return &Error{Code: code, Description: fmt.Sprintf(format, args...)}
}

// Client is a registered downstream application.
type Client struct {
	ID         string        `json:"client_id"`
	SecretHash string        `json:"-"`
	Name       string        `json:"name"`
	AppID      string        `json:"app_id"`
	// RedirectURIs are matched exactly; no prefix or wildcard logic.
	RedirectURIs []string      `json:"redirect_uris"`
	Scopes       []string      `json:"scopes"`
	GrantTypes   []string      `json:"grant_types"`
	AccessTTL    time.Duration `json:"access_ttl"`
	RefreshTTL   time.Duration `json:"refresh_ttl"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// AllowsRedirect reports whether uri exactly matches a registered URI.
func (c *Client) AllowsRedirect(uri string) bool {
	for _, registered := range c.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// AllowsGrant reports whether the grant type is enabled for this client.
func (c *Client) AllowsGrant(grantType string) bool {
	for _, g := range c.GrantTypes {
		if g == grantType {
			return true
		}
	}
	return false
}

// AllowsScopes reports whether every requested scope is registered.
func (c *Client) AllowsScopes(requested []string) bool {
	allowed := make(map[string]struct{}, len(c.Scopes))
	for _, s := range c.Scopes {
		allowed[s] = struct{}{}
	}
	for _, s := range requested {
		if _, ok := allowed[s]; !ok {
			return false
		}
	}
	return true
}

// AuthorizationCode is the ephemeral single-use credential minted by the
// authorize endpoint. ConsumedAt transitions nil→set exactly once.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	UserID              string
	EntityID            string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	ExpiresAt           time.Time
	CreatedAt           time.Time
	ConsumedAt          *time.Time
}

// SplitScope parses a space-delimited scope parameter.
func SplitScope(raw string) []string {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func scopeContains(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}
