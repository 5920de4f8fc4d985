package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/upb/rainymodel/config"
	"github.com/upb/rainymodel/utils"
)

const (
	// StateCookieName is the cookie name for OAuth state (CSRF)
	StateCookieName = "rm_oauth_state"
	// SessionCookieName is the cookie name for the session token
	SessionCookieName = "rm_session"

	stateCookieMaxAge   = 600
	sessionCookieMaxAge = 86400 * 7
)

// ErrNoIDToken is returned when the token response carries no usable token
var ErrNoIDToken = errors.New("token response has no id_token or access_token")

// TokenExchanger exchanges OAuth2 authorization codes for tokens
type TokenExchanger interface {
	AuthCodeURL(state string) string
	ExchangeCode(ctx context.Context, code string) (string, error)
}

// TokenValidator validates bearer tokens
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
}

// OAuthExchanger runs the authorization-code grant against the SSO issuer
type OAuthExchanger struct {
	config *oauth2.Config
}

// NewOAuthExchanger builds the OAuth2 client for the SSO issuer. The
// issuer serves /authorize and /api/token.
func NewOAuthExchanger(cfg config.AuthConfig) *OAuthExchanger {
	issuer := strings.TrimSuffix(cfg.SSOIssuer, "/")
	return &OAuthExchanger{
		config: &oauth2.Config{
			ClientID:     cfg.SSOClientID,
			ClientSecret: cfg.SSOClientSecret,
			RedirectURL:  cfg.SSOCallbackURL,
			Scopes:       []string{"openid", "profile", "email"},
			Endpoint: oauth2.Endpoint{
				AuthURL:   issuer + "/authorize",
				TokenURL:  issuer + "/api/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
	}
}

// AuthCodeURL returns the issuer login URL for state
func (e *OAuthExchanger) AuthCodeURL(state string) string {
	return e.config.AuthCodeURL(state)
}

// ExchangeCode returns the id_token of the grant, or the access token
// when the issuer does not return one
func (e *OAuthExchanger) ExchangeCode(ctx context.Context, code string) (string, error) {
	tok, err := e.config.Exchange(ctx, code)
	if err != nil {
		return "", err
	}
	if idToken, ok := tok.Extra("id_token").(string); ok && idToken != "" {
		return idToken, nil
	}
	if tok.AccessToken != "" {
		return tok.AccessToken, nil
	}
	return "", ErrNoIDToken
}

// Handler handles the browser SSO flow (login, callback, logout)
type Handler struct {
	cfg       config.AuthConfig
	exchanger TokenExchanger
	validator TokenValidator
	logger    *zap.Logger
}

// NewHandler creates a new auth handler
func NewHandler(cfg config.AuthConfig, exchanger TokenExchanger, validator TokenValidator, logger *zap.Logger) *Handler {
	return &Handler{
		cfg:       cfg,
		exchanger: exchanger,
		validator: validator,
		logger:    logger,
	}
}

// HandleLogin redirects to the SSO authorization endpoint
func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if h.exchanger == nil {
		h.logger.Error("sso login not configured")
		_ = utils.WriteError(w, http.StatusServiceUnavailable, "Authentication not configured", nil)
		return
	}

	state, err := generateSecureState()
	if err != nil {
		h.logger.Error("failed to generate state", zap.Error(err))
		_ = utils.WriteInternalServerError(w, "Failed to initiate login")
		return
	}

	h.setCookie(w, StateCookieName, state, stateCookieMaxAge)
	http.Redirect(w, r, h.exchanger.AuthCodeURL(state), http.StatusFound)
}

// HandleCallback exchanges the code, verifies the token and sets the session cookie
func (h *Handler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")

	if code == "" {
		_ = utils.WriteBadRequest(w, "Missing authorization code", nil)
		return
	}
	if state == "" {
		_ = utils.WriteBadRequest(w, "Missing state parameter", nil)
		return
	}

	stateCookie, err := r.Cookie(StateCookieName)
	if err != nil || stateCookie.Value != state {
		_ = utils.WriteBadRequest(w, "Invalid or expired state", nil)
		return
	}
	h.setCookie(w, StateCookieName, "", -1)

	if h.exchanger == nil {
		h.logger.Error("sso login not configured")
		_ = utils.WriteError(w, http.StatusServiceUnavailable, "Authentication not configured", nil)
		return
	}

	token, err := h.exchanger.ExchangeCode(r.Context(), code)
	if err != nil {
		h.logger.Warn("token exchange failed", zap.Error(err))
		_ = utils.WriteUnauthorized(w, "Authentication failed")
		return
	}

	if h.validator != nil {
		id, err := h.validator.ValidateToken(r.Context(), token)
		if err != nil {
			h.logger.Warn("token validation failed", zap.Error(err))
			_ = utils.WriteUnauthorized(w, "Invalid token")
			return
		}
		h.logger.Info("sso login", zap.String("user", id.DisplayName()))
	}

	h.setCookie(w, SessionCookieName, token, sessionCookieMaxAge)

	redirectURL := h.cfg.PostLoginURL
	if redirectURL == "" {
		redirectURL = "/"
	}
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// HandleLogout clears the session cookie and redirects to the issuer logout
func (h *Handler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	h.setCookie(w, SessionCookieName, "", -1)
	http.Redirect(w, r, buildLogoutURL(h.cfg.SSOIssuer, h.cfg.SSOCallbackURL), http.StatusFound)
}

func (h *Handler) setCookie(w http.ResponseWriter, name, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// buildLogoutURL points back at the site root of the callback URL
func buildLogoutURL(issuer, callbackURL string) string {
	base := strings.TrimSuffix(issuer, "/") + "/logout"
	parsed, err := url.Parse(callbackURL)
	if err != nil || parsed.Host == "" {
		return base
	}
	params := url.Values{"redirect_uri": {parsed.Scheme + "://" + parsed.Host}}
	return base + "?" + params.Encode()
}

func generateSecureState() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
