package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/rainymodel/config"
)

// MockTokenExchanger mocks the OAuth2 token exchange
type MockTokenExchanger struct {
	mock.Mock
}

func (m *MockTokenExchanger) AuthCodeURL(state string) string {
	args := m.Called(state)
	return args.String(0)
}

func (m *MockTokenExchanger) ExchangeCode(ctx context.Context, code string) (string, error) {
	args := m.Called(ctx, code)
	return args.String(0), args.Error(1)
}

// MockTokenValidator mocks token validation
type MockTokenValidator struct {
	mock.Mock
}

func (m *MockTokenValidator) ValidateToken(ctx context.Context, token string) (*Identity, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Identity), args.Error(1)
}

func testAuthConfig() config.AuthConfig {
	return config.AuthConfig{
		SSOIssuer:       "https://login.orcest.ai",
		SSOClientID:     "rm-client",
		SSOClientSecret: "rm-secret",
		SSOCallbackURL:  "https://rm.orcest.ai/auth/callback",
		CookieSecure:    true,
		PostLoginURL:    "/dashboard",
	}
}

func findCookie(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestOAuthExchanger_AuthCodeURL(t *testing.T) {
	ex := NewOAuthExchanger(testAuthConfig())

	parsed, err := url.Parse(ex.AuthCodeURL("state-123"))
	require.NoError(t, err)

	assert.Equal(t, "login.orcest.ai", parsed.Host)
	assert.Equal(t, "/authorize", parsed.Path)
	q := parsed.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "rm-client", q.Get("client_id"))
	assert.Equal(t, "https://rm.orcest.ai/auth/callback", q.Get("redirect_uri"))
	assert.Equal(t, "state-123", q.Get("state"))
	assert.Equal(t, "openid profile email", q.Get("scope"))
}

func TestOAuthExchanger_ExchangeCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/token", r.URL.Path)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.Form.Get("grant_type"))
		assert.Equal(t, "rm-client", r.Form.Get("client_id"))
		assert.Equal(t, "rm-secret", r.Form.Get("client_secret"))

		w.Header().Set("Content-Type", "application/json")
		if r.Form.Get("code") == "no-id" {
			_, _ = w.Write([]byte(`{"access_token":"at-1","token_type":"Bearer"}`))
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"at-1","token_type":"Bearer","id_token":"id-1"}`))
	}))
	defer server.Close()

	cfg := testAuthConfig()
	cfg.SSOIssuer = server.URL
	ex := NewOAuthExchanger(cfg)

	tok, err := ex.ExchangeCode(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, "id-1", tok)

	tok, err = ex.ExchangeCode(context.Background(), "no-id")
	require.NoError(t, err)
	assert.Equal(t, "at-1", tok)
}

func TestHandleLogin(t *testing.T) {
	t.Run("redirects to issuer and sets state cookie", func(t *testing.T) {
		handler := NewHandler(testAuthConfig(), NewOAuthExchanger(testAuthConfig()), nil, zap.NewNop())

		rec := httptest.NewRecorder()
		handler.HandleLogin(rec, httptest.NewRequest(http.MethodGet, "/auth/login", nil))

		require.Equal(t, http.StatusFound, rec.Code)
		loc, err := url.Parse(rec.Header().Get("Location"))
		require.NoError(t, err)

		state := findCookie(rec, StateCookieName)
		require.NotNil(t, state)
		assert.Equal(t, state.Value, loc.Query().Get("state"))
		assert.True(t, state.HttpOnly)
		assert.True(t, state.Secure)
	})

	t.Run("unique state per login", func(t *testing.T) {
		handler := NewHandler(testAuthConfig(), NewOAuthExchanger(testAuthConfig()), nil, zap.NewNop())

		first := httptest.NewRecorder()
		handler.HandleLogin(first, httptest.NewRequest(http.MethodGet, "/auth/login", nil))
		second := httptest.NewRecorder()
		handler.HandleLogin(second, httptest.NewRequest(http.MethodGet, "/auth/login", nil))

		assert.NotEqual(t, findCookie(first, StateCookieName).Value, findCookie(second, StateCookieName).Value)
	})

	t.Run("not configured", func(t *testing.T) {
		handler := NewHandler(testAuthConfig(), nil, nil, zap.NewNop())

		rec := httptest.NewRecorder()
		handler.HandleLogin(rec, httptest.NewRequest(http.MethodGet, "/auth/login", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func callbackRequest(code, state, cookieState string) *http.Request {
	q := url.Values{}
	if code != "" {
		q.Set("code", code)
	}
	if state != "" {
		q.Set("state", state)
	}
	req := httptest.NewRequest(http.MethodGet, "/auth/callback?"+q.Encode(), nil)
	if cookieState != "" {
		req.AddCookie(&http.Cookie{Name: StateCookieName, Value: cookieState})
	}
	return req
}

func TestHandleCallback(t *testing.T) {
	t.Run("success sets session cookie", func(t *testing.T) {
		exchanger := new(MockTokenExchanger)
		validator := new(MockTokenValidator)
		exchanger.On("ExchangeCode", mock.Anything, "code-1").Return("jwt-1", nil)
		validator.On("ValidateToken", mock.Anything, "jwt-1").Return(&Identity{Email: "dev@orcest.ai"}, nil)

		handler := NewHandler(testAuthConfig(), exchanger, validator, zap.NewNop())
		rec := httptest.NewRecorder()
		handler.HandleCallback(rec, callbackRequest("code-1", "s1", "s1"))

		require.Equal(t, http.StatusFound, rec.Code)
		assert.Equal(t, "/dashboard", rec.Header().Get("Location"))

		session := findCookie(rec, SessionCookieName)
		require.NotNil(t, session)
		assert.Equal(t, "jwt-1", session.Value)
		assert.Equal(t, sessionCookieMaxAge, session.MaxAge)

		cleared := findCookie(rec, StateCookieName)
		require.NotNil(t, cleared)
		assert.Equal(t, -1, cleared.MaxAge)

		exchanger.AssertExpectations(t)
		validator.AssertExpectations(t)
	})

	tests := []struct {
		name   string
		req    *http.Request
		status int
	}{
		{"missing code", callbackRequest("", "s1", "s1"), http.StatusBadRequest},
		{"missing state", callbackRequest("c", "", "s1"), http.StatusBadRequest},
		{"missing cookie", callbackRequest("c", "s1", ""), http.StatusBadRequest},
		{"state mismatch", callbackRequest("c", "s1", "s2"), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exchanger := new(MockTokenExchanger)
			handler := NewHandler(testAuthConfig(), exchanger, nil, zap.NewNop())

			rec := httptest.NewRecorder()
			handler.HandleCallback(rec, tt.req)

			assert.Equal(t, tt.status, rec.Code)
			exchanger.AssertNotCalled(t, "ExchangeCode", mock.Anything, mock.Anything)
		})
	}

	t.Run("exchange failure", func(t *testing.T) {
		exchanger := new(MockTokenExchanger)
		exchanger.On("ExchangeCode", mock.Anything, "c").Return("", errors.New("invalid_grant"))

		handler := NewHandler(testAuthConfig(), exchanger, nil, zap.NewNop())
		rec := httptest.NewRecorder()
		handler.HandleCallback(rec, callbackRequest("c", "s1", "s1"))

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Nil(t, findCookie(rec, SessionCookieName))
	})

	t.Run("invalid token", func(t *testing.T) {
		exchanger := new(MockTokenExchanger)
		validator := new(MockTokenValidator)
		exchanger.On("ExchangeCode", mock.Anything, "c").Return("bad", nil)
		validator.On("ValidateToken", mock.Anything, "bad").Return(nil, ErrInvalidToken)

		handler := NewHandler(testAuthConfig(), exchanger, validator, zap.NewNop())
		rec := httptest.NewRecorder()
		handler.HandleCallback(rec, callbackRequest("c", "s1", "s1"))

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Nil(t, findCookie(rec, SessionCookieName))
	})
}

func TestHandleLogout(t *testing.T) {
	handler := NewHandler(testAuthConfig(), nil, nil, zap.NewNop())

	rec := httptest.NewRecorder()
	handler.HandleLogout(rec, httptest.NewRequest(http.MethodGet, "/auth/logout", nil))

	require.Equal(t, http.StatusFound, rec.Code)
	loc := rec.Header().Get("Location")
	assert.True(t, strings.HasPrefix(loc, "https://login.orcest.ai/logout"))
	assert.Contains(t, loc, url.QueryEscape("https://rm.orcest.ai"))

	session := findCookie(rec, SessionCookieName)
	require.NotNil(t, session)
	assert.Equal(t, -1, session.MaxAge)
}

func TestBuildLogoutURL(t *testing.T) {
	assert.Equal(t, "https://login.orcest.ai/logout", buildLogoutURL("https://login.orcest.ai/", "::bad"))
	assert.Equal(t,
		"https://login.orcest.ai/logout?redirect_uri=http%3A%2F%2Flocalhost%3A8080",
		buildLogoutURL("https://login.orcest.ai", "http://localhost:8080/auth/callback"))
}
