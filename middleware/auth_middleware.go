package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/upb/rainymodel/auth"
	"github.com/upb/rainymodel/services"
	"github.com/upb/rainymodel/utils"
)

var (
	errMissingToken = services.ErrUnauthorized.WithDetail("reason", "missing_token")
	errInvalidKey   = services.ErrUnauthorized.WithDetail("reason", "invalid_key")
)

// AuthMiddleware admits callers holding the master key or a valid SSO
// token. With neither configured every request is admitted.
type AuthMiddleware struct {
	masterKey string
	validator auth.TokenValidator
	logger    *zap.Logger
}

// NewAuthMiddleware creates a new AuthMiddleware. validator may be nil when
// SSO verification is not configured.
func NewAuthMiddleware(masterKey string, validator auth.TokenValidator, logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		masterKey: masterKey,
		validator: validator,
		logger:    logger,
	}
}

// Open reports whether no credential source is configured
func (m *AuthMiddleware) Open() bool {
	return m.masterKey == "" && m.validator == nil
}

// RequireAuth rejects requests without the master key or an SSO token.
// The token comes from the Authorization header or the session cookie.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.serve(w, r, next, extractToken(r))
	})
}

// RequireDashboardKey is RequireAuth that also accepts the credential in
// the key query parameter, so dashboard links can be opened directly.
func (m *AuthMiddleware) RequireDashboardKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("key")
		if token == "" {
			token = extractToken(r)
		}
		m.serve(w, r, next, token)
	})
}

func (m *AuthMiddleware) serve(w http.ResponseWriter, r *http.Request, next http.Handler, token string) {
	ctx := r.Context()
	requestID := GetRequestIDFromContext(ctx)

	id, err := m.authenticate(r, token)
	if err != nil {
		m.logger.Warn("authentication failed",
			zap.String("request_id", requestID),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		_ = utils.WriteError(w, http.StatusUnauthorized, "Unauthorized", services.GetErrorDetails(err))
		return
	}

	m.logger.Debug("authentication successful",
		zap.String("request_id", requestID),
		zap.String("method", id.Method),
		zap.String("user", id.DisplayName()))

	next.ServeHTTP(w, r.WithContext(auth.WithIdentity(ctx, id)))
}

func (m *AuthMiddleware) authenticate(r *http.Request, token string) (*auth.Identity, error) {
	if m.Open() {
		return &auth.Identity{Method: auth.MethodOpen}, nil
	}
	if token == "" {
		return nil, errMissingToken
	}
	if m.masterKey != "" && subtle.ConstantTimeCompare([]byte(token), []byte(m.masterKey)) == 1 {
		return &auth.Identity{Subject: "master", Method: auth.MethodMasterKey}, nil
	}
	if m.validator == nil {
		return nil, errInvalidKey
	}
	id, err := m.validator.ValidateToken(r.Context(), token)
	if err != nil {
		return nil, services.ErrUnauthorized.Wrap(err).WithDetail("reason", "invalid_token")
	}
	return id, nil
}

// extractToken reads the bearer token, falling back to the session cookie
// set by the SSO callback. The Authorization header takes precedence.
func extractToken(r *http.Request) string {
	if token := extractBearerToken(r); token != "" {
		return token
	}
	if cookie, err := r.Cookie(auth.SessionCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return ""
}

// extractBearerToken extracts the token from the Authorization header
func extractBearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
