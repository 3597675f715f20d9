// Package auth 签发与校验本地客户端令牌。
//
// 代理只监听本机，但浏览器中的任意网页同样可以访问 127.0.0.1。
// 弹窗与内容脚本必须携带代理签发的令牌才能发送命令或接收推送。
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer 令牌签发者
const Issuer = "cybertemp-agent"

// secretSize 自动生成的签名密钥长度（字节）
const secretSize = 32

var (
	// ErrInvalidToken 无效的令牌
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken 令牌已过期
	ErrExpiredToken = errors.New("token expired")
	// ErrMissingToken 请求未携带令牌
	ErrMissingToken = errors.New("token required")
)

// Claims 客户端令牌声明
type Claims struct {
	Client string `json:"client"` // 客户端名称，如 "chrome"
	jwt.RegisteredClaims
}

// Manager 使用 HS256 签发和校验令牌
type Manager struct {
	secret []byte
	expiry time.Duration
}

// NewManager 创建令牌管理器，expiry <= 0 表示令牌不过期
func NewManager(secret []byte, expiry time.Duration) (*Manager, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("token secret too short: %d bytes", len(secret))
	}
	return &Manager{secret: secret, expiry: expiry}, nil
}

// Issue 为指定客户端签发令牌
func (m *Manager) Issue(client string) (string, error) {
	now := time.Now()
	claims := Claims{
		Client: client,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   client,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	if m.expiry > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(m.expiry))
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

// Validate 校验令牌并返回声明
func (m *Manager) Validate(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithIssuer(Issuer))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// LoadOrCreateSecret 读取密钥文件，文件不存在时生成新密钥并以 0600 权限写入
func LoadOrCreateSecret(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		secret, decodeErr := hex.DecodeString(strings.TrimSpace(string(data)))
		if decodeErr != nil {
			return nil, fmt.Errorf("decode secret file %s: %w", path, decodeErr)
		}
		return secret, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read secret file %s: %w", path, err)
	}

	secret := make([]byte, secretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create secret dir: %w", err)
	}
	// O_EXCL：另一个进程抢先创建时改为读取它的密钥
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return LoadOrCreateSecret(path)
		}
		return nil, fmt.Errorf("create secret file %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(hex.EncodeToString(secret) + "\n"); err != nil {
		return nil, fmt.Errorf("write secret file %s: %w", path, err)
	}
	return secret, nil
}

// TokenFromRequest 从请求中提取令牌
//
// 依次读取 Authorization: Bearer 头与 token 查询参数。
// 浏览器的 WebSocket API 无法设置请求头，因此 /v1/ws 使用查询参数。
func TokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}
