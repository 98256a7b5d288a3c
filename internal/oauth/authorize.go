package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"authhub.org/internal/audit"
	"authhub.org/internal/ids"
	"authhub.org/internal/obs"
	"authhub.org/internal/tenant"
	"authhub.org/internal/token"
)

const (
	defaultCodeTTL   = 90 * time.Second
	codeSecretBytes  = 32
	defaultLoginPath = "/login"
)

// Service drives the authorization-code front door and the token endpoint.
type Service struct {
	clients  ClientStore
	codes    CodeStore
	resolver *tenant.Resolver
	tokens   *token.Service

	codeTTL  time.Duration
	loginURL string
	now      func() time.Time
}

// Option configures Service behavior.
type Option func(*Service)

// WithCodeTTL overrides the authorization code lifetime (kept short, on the
// order of 60-120 seconds).
func WithCodeTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.codeTTL = ttl
		}
	}
}

// WithLoginURL sets the login boundary unauthenticated users are sent to.
func WithLoginURL(raw string) Option {
	return func(s *Service) {
		if raw = strings.TrimSpace(raw); raw != "" {
			s.loginURL = raw
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

// NewService constructs the authorization service.
func NewService(clients ClientStore, codes CodeStore, resolver *tenant.Resolver, tokens *token.Service, opts ...Option) (*Service, error) {
	if clients == nil || codes == nil || resolver == nil || tokens == nil {
		return nil, errors.New("oauth: clients, codes, resolver and tokens are required")
	}
	s := &Service{
		clients:  clients,
		codes:    codes,
		resolver: resolver,
		tokens:   tokens,
		codeTTL:  defaultCodeTTL,
		loginURL: defaultLoginPath,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Principal is the authenticated session the login boundary supplies.
// SessionEntityID carries the explicitly chosen entity, if any.
type Principal struct {
	UserID          string
	SessionEntityID string
}

// AuthorizeRequest mirrors the /oauth/authorize query parameters plus the
// ambient principal. OriginalURL reproduces the full request so the flow
// can resume after login.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	Principal           *Principal
	OriginalURL         string
}

// AuthorizeResult is always a redirect: to the client callback with a code,
// to the client callback with an error, or to the login boundary.
type AuthorizeResult struct {
	RedirectURL string
	// Login marks a redirect to the login boundary rather than the client.
	Login bool
}

// Authorize validates an authorization request and, on success, persists a
// single unused code and redirects back to the client.
//
// Failures before the client and redirect URI are validated are returned as
// *Error (the redirect target cannot be trusted yet); afterwards they are
// delivered as error redirects to the registered URI.
func (s *Service) Authorize(ctx context.Context, req AuthorizeRequest) (*AuthorizeResult, error) {
	clientID := strings.TrimSpace(req.ClientID)
	redirectURI := strings.TrimSpace(req.RedirectURI)
	if clientID == "" || redirectURI == "" {
		return nil, protocolErr(ErrCodeInvalidRequest, "client_id and redirect_uri are required")
	}
	if req.ResponseType != "code" {
		return nil, protocolErr(ErrCodeInvalidRequest, "response_type must be code")
	}

	challenge := strings.TrimSpace(req.CodeChallenge)
	if challenge == "" {
		return nil, protocolErr(ErrCodeInvalidRequest, "code_challenge is required")
	}
	method := strings.TrimSpace(req.CodeChallengeMethod)
	if method == "" {
		method = ChallengeS256
	}
	if method != ChallengeS256 && method != ChallengePlain {
		return nil, protocolErr(ErrCodeInvalidRequest, "unsupported code_challenge_method %q", method)
	}

	client, err := s.clients.Find(ctx, clientID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, protocolErr(ErrCodeInvalidClient, "unknown client")
		}
		return nil, protocolErr(ErrCodeServerError, "client lookup failed")
	}
	if !client.AllowsRedirect(redirectURI) {
		return nil, protocolErr(ErrCodeInvalidRequest, "redirect_uri is not registered")
	}

	// The redirect target is trusted from here on; remaining failures go
	// back to the client as error redirects.
	scopes := SplitScope(req.Scope)
	if !client.AllowsScopes(scopes) {
		return s.errorRedirect(redirectURI, req.State, ErrCodeInvalidScope, "requested scope exceeds client registration")
	}

	if req.Principal == nil || strings.TrimSpace(req.Principal.UserID) == "" {
		return &AuthorizeResult{RedirectURL: s.loginRedirect(req.OriginalURL), Login: true}, nil
	}

	access, err := s.resolver.ResolveContext(ctx, tenant.ResolveRequest{
		UserID:          req.Principal.UserID,
		AppID:           client.AppID,
		SessionEntityID: req.Principal.SessionEntityID,
	})
	switch {
	case errors.Is(err, tenant.ErrNoMembership), errors.Is(err, tenant.ErrNotFound):
		return s.errorRedirect(redirectURI, req.State, ErrCodeAccessDenied, "no membership for this application")
	case err != nil:
		return s.errorRedirect(redirectURI, req.State, ErrCodeServerError, "authorization failed")
	}

	// System admins have no tenant entity, so no license applies to them.
	if !access.SystemAdmin {
		err := s.resolver.CheckLicense(ctx, access.EntityID, client.AppID)
		switch {
		case errors.Is(err, tenant.ErrNotFound), errors.Is(err, tenant.ErrNoMembership):
			return s.errorRedirect(redirectURI, req.State, ErrCodeAccessDenied, "no usable license for this application")
		case err != nil:
			return s.errorRedirect(redirectURI, req.State, ErrCodeServerError, "license check failed")
		}
	}

	code, err := s.issueCode(ctx, client, req, access, scopes)
	if err != nil {
		return s.errorRedirect(redirectURI, req.State, ErrCodeServerError, "code issuance failed")
	}

	_ = audit.LogEvent(ctx, "oauth.code.issued", map[string]any{
		"client_id": client.ID,
		"user_id":   access.UserID,
		"entity_id": access.EntityID,
	})
	obs.AuthCodeEvent("issued")

	target, _ := url.Parse(redirectURI)
	q := target.Query()
	q.Set("code", code.Code)
	if req.State != "" {
		q.Set("state", req.State)
	}
	target.RawQuery = q.Encode()
	return &AuthorizeResult{RedirectURL: target.String()}, nil
}

func (s *Service) issueCode(ctx context.Context, client *Client, req AuthorizeRequest, access tenant.AccessContext, scopes []string) (*AuthorizationCode, error) {
	secret, err := ids.NewSecret(codeSecretBytes)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	code := &AuthorizationCode{
		Code:                secret,
		ClientID:            client.ID,
		UserID:              access.UserID,
		EntityID:            access.EntityID,
		RedirectURI:         req.RedirectURI,
		Scope:               strings.Join(scopes, " "),
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Nonce:               req.Nonce,
		ExpiresAt:           now.Add(s.codeTTL),
		CreatedAt:           now,
	}
	if code.CodeChallengeMethod == "" {
		code.CodeChallengeMethod = ChallengeS256
	}
	if err := s.codes.Create(ctx, code); err != nil {
		return nil, err
	}
	return code, nil
}

func (s *Service) errorRedirect(redirectURI, state, code, description string) (*AuthorizeResult, error) {
	target, err := url.Parse(redirectURI)
	if err != nil {
		return nil, protocolErr(ErrCodeInvalidRequest, "redirect_uri is not a valid URL")
	}
	q := target.Query()
	q.Set("error", code)
	q.Set("error_description", description)
	if state != "" {
		q.Set("state", state)
	}
	target.RawQuery = q.Encode()
	return &AuthorizeResult{RedirectURL: target.String()}, nil
}

func (s *Service) loginRedirect(originalURL string) string {
	if originalURL == "" {
		return s.loginURL
	}
	sep := "?"
	if strings.Contains(s.loginURL, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%sreturn_to=%s", s.loginURL, sep, url.QueryEscape(originalURL))
}

// SweepExpiredCodes garbage-collects expired authorization codes.
func (s *Service) SweepExpiredCodes(ctx context.Context) (int64, error) {
	return s.codes.DeleteExpired(ctx, s.now().UTC())
}
