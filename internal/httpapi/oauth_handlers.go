package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"authhub.org/internal/oauth"
)

func (a *API) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	q := r.URL.Query()
	req := oauth.AuthorizeRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		ResponseType:        q.Get("response_type"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		Nonce:               q.Get("nonce"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		OriginalURL:         r.URL.RequestURI(),
	}

	// The login boundary authenticates users; a bearer token minted for the
	// admin client stands in for its session. Absent or invalid credentials
	// surface as a login redirect, not an error.
	if raw, err := extractBearerToken(r.Header.Get(authHeader)); err == nil {
		if claims, err := a.tokens.Validate(raw, a.adminAudience); err == nil {
			req.Principal = &oauth.Principal{
				UserID:          claims.Subject,
				SessionEntityID: q.Get("entity_id"),
			}
			if req.Principal.SessionEntityID == "" {
				req.Principal.SessionEntityID = claims.Entity
			}
		}
	}

	result, err := a.authz.Authorize(r.Context(), req)
	if err != nil {
		writeOAuthError(w, r, err)
		return
	}
	http.Redirect(w, r, result.RedirectURL, http.StatusFound)
}

func (a *API) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, r, &oauth.Error{Code: oauth.ErrCodeInvalidRequest, Description: "malformed form body"})
		return
	}

	req := oauth.TokenRequest{
		GrantType:    r.PostFormValue("grant_type"),
		ClientID:     r.PostFormValue("client_id"),
		ClientSecret: r.PostFormValue("client_secret"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		Code:         r.PostFormValue("code"),
		CodeVerifier: r.PostFormValue("code_verifier"),
		RefreshToken: r.PostFormValue("refresh_token"),
		Scope:        r.PostFormValue("scope"),
	}
	// HTTP Basic client authentication takes precedence over form fields.
	if id, secret, ok := r.BasicAuth(); ok {
		req.ClientID = id
		req.ClientSecret = secret
	}

	resp, err := a.authz.Exchange(r.Context(), req)
	if err != nil {
		writeOAuthError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, r, &oauth.Error{Code: oauth.ErrCodeInvalidRequest, Description: "malformed form body"})
		return
	}
	clientID := r.PostFormValue("client_id")
	clientSecret := r.PostFormValue("client_secret")
	if id, secret, ok := r.BasicAuth(); ok {
		clientID, clientSecret = id, secret
	}
	if err := a.authz.Revoke(r.Context(), clientID, clientSecret, r.PostFormValue("token")); err != nil {
		writeOAuthError(w, r, err)
		return
	}
	// RFC 7009: revocation always succeeds from the caller's view.
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (a *API) handleJWKS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	doc, err := a.tokens.JWKS(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "key set unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write(doc)
}

// writeOAuthError maps protocol errors onto the RFC 6749 wire shape.
func writeOAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var oerr *oauth.Error
	if !errors.As(err, &oerr) {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	status := http.StatusBadRequest
	switch oerr.Code {
	case oauth.ErrCodeInvalidClient:
		status = http.StatusUnauthorized
		w.Header().Set("WWW-Authenticate", `Basic realm="oauth"`)
	case oauth.ErrCodeServerError:
		status = http.StatusInternalServerError
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, status, map[string]any{
		"error":             oerr.Code,
		"error_description": oerr.Description,
	})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return "", errors.New("invalid authorization scheme")
	}
	tok := strings.TrimSpace(header[len("bearer "):])
	if tok == "" {
		return "", errors.New("missing bearer token")
	}
	return tok, nil
}
