package auth

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func TestManager_IssueAndValidate(t *testing.T) {
	m, err := NewManager(testSecret, time.Hour)
	require.NoError(t, err)

	token, err := m.Issue("chrome")
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	claims, err := m.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "chrome", claims.Client)
	assert.Equal(t, Issuer, claims.Issuer)
	require.NotNil(t, claims.ExpiresAt)
}

func TestManager_NoExpiry(t *testing.T) {
	m, err := NewManager(testSecret, 0)
	require.NoError(t, err)

	token, err := m.Issue("cli")
	require.NoError(t, err)
	claims, err := m.Validate(token)
	require.NoError(t, err)
	assert.Nil(t, claims.ExpiresAt)
}

func TestManager_Validate_Invalid(t *testing.T) {
	m, err := NewManager(testSecret, time.Hour)
	require.NoError(t, err)

	t.Run("空令牌", func(t *testing.T) {
		_, err := m.Validate("")
		assert.ErrorIs(t, err, ErrMissingToken)
	})

	t.Run("格式错误", func(t *testing.T) {
		_, err := m.Validate("not-a-token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("其他密钥签发", func(t *testing.T) {
		other, err := NewManager([]byte("ffffffffffffffffffffffffffffffff"), time.Hour)
		require.NoError(t, err)
		token, err := other.Issue("chrome")
		require.NoError(t, err)

		_, err = m.Validate(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("已过期", func(t *testing.T) {
		claims := Claims{
			Client: "chrome",
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    Issuer,
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			},
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
		require.NoError(t, err)

		_, err = m.Validate(token)
		assert.ErrorIs(t, err, ErrExpiredToken)
	})

	t.Run("签发者不符", func(t *testing.T) {
		claims := Claims{Client: "chrome", RegisteredClaims: jwt.RegisteredClaims{Issuer: "someone-else"}}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
		require.NoError(t, err)

		_, err = m.Validate(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestNewManager_ShortSecret(t *testing.T) {
	_, err := NewManager([]byte("short"), time.Hour)
	assert.Error(t, err)
}

func TestLoadOrCreateSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "agent.secret")

	first, err := LoadOrCreateSecret(path)
	require.NoError(t, err)
	assert.Len(t, first, secretSize)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := LoadOrCreateSecret(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestLoadOrCreateSecret_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.secret")
	require.NoError(t, os.WriteFile(path, []byte("zz-not-hex"), 0o600))

	_, err := LoadOrCreateSecret(path)
	assert.Error(t, err)
}

func TestTokenFromRequest(t *testing.T) {
	t.Run("Bearer 头", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/command", nil)
		req.Header.Set("Authorization", "Bearer abc.def.ghi")
		assert.Equal(t, "abc.def.ghi", TokenFromRequest(req))
	})

	t.Run("查询参数", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/ws?token=xyz", nil)
		assert.Equal(t, "xyz", TokenFromRequest(req))
	})

	t.Run("其他认证方式", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/ws", nil)
		req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
		assert.Empty(t, TokenFromRequest(req))
	})
}
