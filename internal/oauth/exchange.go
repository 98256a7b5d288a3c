package oauth

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"authhub.org/internal/audit"
	"authhub.org/internal/obs"
	"authhub.org/internal/tenant"
	"authhub.org/internal/token"
)

// TokenRequest mirrors the /oauth/token form parameters.
type TokenRequest struct {
	GrantType    string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Code         string
	CodeVerifier string
	RefreshToken string
	Scope        string
}

// TokenResponse is the JSON body returned on successful exchange.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Exchange executes a token grant. Protocol failures are returned as *Error
// with an OAuth2 error code; anything else is a server fault.
func (s *Service) Exchange(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	switch req.GrantType {
	case GrantAuthorizationCode:
		return s.exchangeAuthorizationCode(ctx, req)
	case GrantRefreshToken:
		return s.exchangeRefreshToken(ctx, req)
	case GrantClientCredentials:
		return s.exchangeClientCredentials(ctx, req)
	case "":
		return nil, protocolErr(ErrCodeInvalidRequest, "grant_type is required")
	default:
		return nil, protocolErr(ErrCodeUnsupportedGrantType, "unsupported grant_type %q", req.GrantType)
	}
}

func (s *Service) exchangeAuthorizationCode(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret, false)
	if err != nil {
		return nil, err
	}
	if !client.AllowsGrant(GrantAuthorizationCode) {
		return nil, protocolErr(ErrCodeUnsupportedGrantType, "grant not enabled for client")
	}
	if strings.TrimSpace(req.Code) == "" || strings.TrimSpace(req.CodeVerifier) == "" {
		return nil, protocolErr(ErrCodeInvalidRequest, "code and code_verifier are required")
	}

	now := s.now().UTC()
	// Consume is a compare-and-set: of two concurrent exchanges exactly one
	// gets the record, the other observes ErrCodeConsumed.
	code, err := s.codes.Consume(ctx, req.Code, now)
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrCodeConsumed):
		obs.AuthCodeEvent("rejected")
		return nil, protocolErr(ErrCodeInvalidGrant, "authorization code is invalid")
	case err != nil:
		return nil, protocolErr(ErrCodeServerError, "code exchange failed")
	}

	if now.After(code.ExpiresAt) {
		obs.AuthCodeEvent("rejected")
		return nil, protocolErr(ErrCodeInvalidGrant, "authorization code is invalid")
	}
	if code.ClientID != client.ID || code.RedirectURI != strings.TrimSpace(req.RedirectURI) {
		obs.AuthCodeEvent("rejected")
		return nil, protocolErr(ErrCodeInvalidGrant, "authorization code is invalid")
	}
	if !VerifyPKCE(code.CodeChallengeMethod, code.CodeChallenge, req.CodeVerifier) {
		obs.AuthCodeEvent("rejected")
		return nil, protocolErr(ErrCodeInvalidGrant, "authorization code is invalid")
	}

	// Permissions are resolved at exchange time so the token reflects the
	// membership as it stands now, not as it stood at authorize time.
	access, err := s.resolver.ResolveContext(ctx, tenant.ResolveRequest{
		UserID:          code.UserID,
		AppID:           client.AppID,
		SessionEntityID: code.EntityID,
	})
	if err != nil {
		if errors.Is(err, tenant.ErrNoMembership) || errors.Is(err, tenant.ErrNotFound) {
			return nil, protocolErr(ErrCodeInvalidGrant, "authorization code is invalid")
		}
		return nil, protocolErr(ErrCodeServerError, "claim resolution failed")
	}

	scopes := SplitScope(code.Scope)
	set, err := s.tokens.Issue(ctx, token.IssueRequest{
		Subject:             code.UserID,
		ClientID:            client.ID,
		EntityID:            access.EntityID,
		Role:                effectiveRole(access),
		Permissions:         access.PermissionSlugs(),
		Scope:               scopes,
		Nonce:               code.Nonce,
		GrantType:           GrantAuthorizationCode,
		AccessTTL:           client.AccessTTL,
		RefreshTTL:          client.RefreshTTL,
		IncludeIDToken:      scopeContains(scopes, ScopeOpenID),
		IncludeRefreshToken: true,
	})
	if err != nil {
		return nil, protocolErr(ErrCodeServerError, "token issuance failed")
	}

	obs.AuthCodeEvent("consumed")
	_ = audit.LogEvent(ctx, "oauth.code.exchanged", map[string]any{
		"client_id": client.ID,
		"user_id":   code.UserID,
	})
	return s.tokenResponse(set, code.Scope), nil
}

func (s *Service) exchangeRefreshToken(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret, false)
	if err != nil {
		return nil, err
	}
	if !client.AllowsGrant(GrantRefreshToken) {
		return nil, protocolErr(ErrCodeUnsupportedGrantType, "grant not enabled for client")
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		return nil, protocolErr(ErrCodeInvalidRequest, "refresh_token is required")
	}

	rec, err := s.tokens.ConsumeRefreshToken(ctx, req.RefreshToken)
	switch {
	case errors.Is(err, token.ErrReuseDetected):
		_ = audit.LogEvent(ctx, "oauth.refresh.reuse_detected", map[string]any{
			"client_id": client.ID,
		})
		return nil, protocolErr(ErrCodeInvalidGrant, "refresh token is invalid")
	case errors.Is(err, token.ErrInvalidToken):
		return nil, protocolErr(ErrCodeInvalidGrant, "refresh token is invalid")
	case err != nil:
		return nil, protocolErr(ErrCodeServerError, "refresh failed")
	}
	if rec.ClientID != client.ID {
		return nil, protocolErr(ErrCodeInvalidGrant, "refresh token is invalid")
	}

	// Role or membership may have changed since original issuance.
	access, err := s.resolver.ResolveContext(ctx, tenant.ResolveRequest{
		UserID:          rec.UserID,
		AppID:           client.AppID,
		SessionEntityID: rec.EntityID,
	})
	if err != nil {
		if errors.Is(err, tenant.ErrNoMembership) || errors.Is(err, tenant.ErrNotFound) {
			return nil, protocolErr(ErrCodeInvalidGrant, "refresh token is invalid")
		}
		return nil, protocolErr(ErrCodeServerError, "claim resolution failed")
	}

	scopes := SplitScope(rec.Scope)
	set, err := s.tokens.Issue(ctx, token.IssueRequest{
		Subject:             rec.UserID,
		ClientID:            client.ID,
		EntityID:            access.EntityID,
		Role:                effectiveRole(access),
		Permissions:         access.PermissionSlugs(),
		Scope:               scopes,
		GrantType:           GrantRefreshToken,
		AccessTTL:           client.AccessTTL,
		RefreshTTL:          client.RefreshTTL,
		IncludeRefreshToken: true,
		RefreshFamilyID:     rec.FamilyID,
	})
	if err != nil {
		return nil, protocolErr(ErrCodeServerError, "token issuance failed")
	}
	return s.tokenResponse(set, rec.Scope), nil
}

func (s *Service) exchangeClientCredentials(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret, true)
	if err != nil {
		return nil, err
	}
	if !client.AllowsGrant(GrantClientCredentials) {
		return nil, protocolErr(ErrCodeUnsupportedGrantType, "grant not enabled for client")
	}
	scopes := SplitScope(req.Scope)
	if len(scopes) == 0 {
		scopes = client.Scopes
	} else if !client.AllowsScopes(scopes) {
		return nil, protocolErr(ErrCodeInvalidScope, "requested scope exceeds client registration")
	}

	// No user principal: the permission set is the client's own scopes and
	// no refresh token is issued.
	set, err := s.tokens.Issue(ctx, token.IssueRequest{
		Subject:   client.ID,
		ClientID:  client.ID,
		Scope:     scopes,
		GrantType: GrantClientCredentials,
		AccessTTL: client.AccessTTL,
	})
	if err != nil {
		return nil, protocolErr(ErrCodeServerError, "token issuance failed")
	}
	return s.tokenResponse(set, strings.Join(scopes, " ")), nil
}

// Revoke invalidates a refresh token and its whole family, as on logout.
func (s *Service) Revoke(ctx context.Context, clientID, clientSecret, refreshToken string) error {
	if _, err := s.authenticateClient(ctx, clientID, clientSecret, false); err != nil {
		return err
	}
	if err := s.tokens.RevokeRefreshToken(ctx, refreshToken); err != nil {
		return protocolErr(ErrCodeServerError, "revocation failed")
	}
	return nil
}

// authenticateClient looks up the client and, when a secret is configured
// or required, verifies it against the stored bcrypt hash.
func (s *Service) authenticateClient(ctx context.Context, clientID, clientSecret string, secretRequired bool) (*Client, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return nil, protocolErr(ErrCodeInvalidClient, "client_id is required")
	}
	client, err := s.clients.Find(ctx, clientID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, protocolErr(ErrCodeInvalidClient, "client authentication failed")
		}
		return nil, protocolErr(ErrCodeServerError, "client lookup failed")
	}
	switch {
	case client.SecretHash == "":
		// Public PKCE client; nothing to verify.
		if secretRequired {
			return nil, protocolErr(ErrCodeInvalidClient, "client authentication failed")
		}
	case clientSecret == "" && !secretRequired:
		// Confidential clients must present their secret on every grant.
		return nil, protocolErr(ErrCodeInvalidClient, "client authentication failed")
	default:
		if bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(clientSecret)) != nil {
			return nil, protocolErr(ErrCodeInvalidClient, "client authentication failed")
		}
	}
	return client, nil
}

func (s *Service) tokenResponse(set token.TokenSet, scope string) *TokenResponse {
	return &TokenResponse{
		AccessToken:  set.AccessToken,
		TokenType:    "bearer",
		ExpiresIn:    int64(set.AccessExpiresAt.Sub(s.now().UTC()).Seconds()),
		RefreshToken: set.RefreshToken,
		IDToken:      set.IDToken,
		Scope:        scope,
	}
}

func effectiveRole(access tenant.AccessContext) string {
	if access.SystemAdmin {
		return string(tenant.GlobalRoleSystemAdmin)
	}
	return string(access.Role)
}
