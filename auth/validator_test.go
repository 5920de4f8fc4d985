package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "rainymodel-test-secret"

func generateTestKeyPair(t *testing.T) *rsa.PrivateKey {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return privateKey
}

// createMockJWKSServer serves one RSA key and counts fetches
func createMockJWKSServer(t *testing.T, publicKey *rsa.PublicKey, kid string, hits *int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			atomic.AddInt32(hits, 1)
		}
		jwks := JWKS{
			Keys: []JWK{{
				Kid: kid,
				Kty: "RSA",
				Alg: "RS256",
				Use: "sig",
				N:   base64.RawURLEncoding.EncodeToString(publicKey.N.Bytes()),
				E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(publicKey.E)).Bytes()),
			}},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(jwks)
	}))
}

func testClaims(expiresIn time.Duration) *Claims {
	now := time.Now()
	return &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "https://login.orcest.ai",
			Subject:   "user-42",
			Audience:  jwt.ClaimStrings{"rainymodel"},
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Email:             "dev@orcest.ai",
		PreferredUsername: "dev",
		Roles:             []string{"admin"},
	}
}

func signHS256(t *testing.T, claims *Claims, secret string) string {
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func signRS256(t *testing.T, claims *Claims, key *rsa.PrivateKey, kid string) string {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	s, err := token.SignedString(key)
	require.NoError(t, err)
	return s
}

func TestNewValidator(t *testing.T) {
	_, err := NewValidator(ValidatorConfig{})
	assert.ErrorIs(t, err, ErrNoKeySource)

	v, err := NewValidator(ValidatorConfig{SigningKey: testSecret})
	require.NoError(t, err)
	assert.Equal(t, time.Hour, v.jwksCacheTTL)
	assert.NotNil(t, v.httpClient)
}

func TestValidateToken_HS256(t *testing.T) {
	v, err := NewValidator(ValidatorConfig{
		SigningKey: testSecret,
		Issuer:     "https://login.orcest.ai",
		Audience:   "rainymodel",
	})
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("valid token", func(t *testing.T) {
		id, err := v.ValidateToken(ctx, signHS256(t, testClaims(time.Hour), testSecret))
		require.NoError(t, err)
		assert.Equal(t, "user-42", id.Subject)
		assert.Equal(t, "dev", id.DisplayName())
		assert.Equal(t, MethodSSO, id.Method)
		assert.Equal(t, []string{"admin"}, id.Roles)
	})

	t.Run("wrong secret", func(t *testing.T) {
		_, err := v.ValidateToken(ctx, signHS256(t, testClaims(time.Hour), "other"))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		_, err := v.ValidateToken(ctx, signHS256(t, testClaims(-time.Minute), testSecret))
		assert.ErrorIs(t, err, ErrTokenExpired)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		c := testClaims(time.Hour)
		c.Issuer = "https://evil.example"
		_, err := v.ValidateToken(ctx, signHS256(t, c, testSecret))
		assert.ErrorIs(t, err, ErrInvalidIssuer)
	})

	t.Run("wrong audience", func(t *testing.T) {
		c := testClaims(time.Hour)
		c.Audience = jwt.ClaimStrings{"someone-else"}
		_, err := v.ValidateToken(ctx, signHS256(t, c, testSecret))
		assert.ErrorIs(t, err, ErrInvalidAudience)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := v.ValidateToken(ctx, "not.a.token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestValidateToken_RS256(t *testing.T) {
	key := generateTestKeyPair(t)
	var hits int32
	server := createMockJWKSServer(t, &key.PublicKey, "kid-1", &hits)
	defer server.Close()

	v, err := NewValidator(ValidatorConfig{JWKSURL: server.URL})
	require.NoError(t, err)
	ctx := context.Background()

	id, err := v.ValidateToken(ctx, signRS256(t, testClaims(time.Hour), key, "kid-1"))
	require.NoError(t, err)
	assert.Equal(t, "user-42", id.Subject)

	// Second validation is served from the key cache
	_, err = v.ValidateToken(ctx, signRS256(t, testClaims(time.Hour), key, "kid-1"))
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))

	t.Run("unknown kid", func(t *testing.T) {
		_, err := v.ValidateToken(ctx, signRS256(t, testClaims(time.Hour), key, "kid-2"))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("HS256 rejected without signing key", func(t *testing.T) {
		_, err := v.ValidateToken(ctx, signHS256(t, testClaims(time.Hour), testSecret))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("cache invalidation refetches", func(t *testing.T) {
		v.InvalidateCache()
		_, err := v.ValidateToken(ctx, signRS256(t, testClaims(time.Hour), key, "kid-1"))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, atomic.LoadInt32(&hits), int32(2))
	})
}

func TestFetchJWKS_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	v, err := NewValidator(ValidatorConfig{JWKSURL: server.URL})
	require.NoError(t, err)

	_, err = v.FetchJWKS(context.Background())
	assert.ErrorIs(t, err, ErrJWKSFetchFailed)
}

func TestIdentityContext(t *testing.T) {
	_, ok := IdentityFrom(context.Background())
	assert.False(t, ok)

	ctx := WithIdentity(context.Background(), &Identity{Email: "a@b.c", Method: MethodMasterKey})
	id, ok := IdentityFrom(ctx)
	require.True(t, ok)
	assert.Equal(t, "a@b.c", id.DisplayName())

	var nilID *Identity
	assert.Equal(t, "unknown", nilID.DisplayName())
	assert.Equal(t, "unknown", (&Identity{}).DisplayName())
}
