// Package auth 提供审核人/运维账号的认证能力：
// 密码哈希、JWT 签发与校验、请求上下文中的用户注入。
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// contextKey 避免 context key 冲突
type contextKey string

const authUserKey contextKey = "auth_user"

// 账号角色
const (
	RoleReviewer = "reviewer" // 审核人：可裁决检查点
	RoleOperator = "operator" // 运维：可取消/恢复实例、归档台账
	RoleAdmin    = "admin"    // 管理员：全部权限
)

// AuthUser 认证通过后注入请求上下文的用户信息
type AuthUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// Config 认证配置
type Config struct {
	JWTSecret       string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// DefaultConfig 返回默认认证配置
func DefaultConfig(secret string) Config {
	return Config{
		JWTSecret:       secret,
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 7 * 24 * time.Hour,
	}
}

// Enabled 未配置密钥时整体关闭认证（本地开发模式）
func (c Config) Enabled() bool {
	return c.JWTSecret != ""
}

// ============================================================================
// 密码哈希
// ============================================================================

// HashPassword 使用 bcrypt 哈希密码
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), 12)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword 校验密码与哈希是否匹配
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// ============================================================================
// JWT
// ============================================================================

// Claims JWT 负载
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	Type  string `json:"type"` // access | refresh
}

// GenerateAccessToken 签发访问令牌
func GenerateAccessToken(cfg Config, userID, email, role string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(cfg.AccessTokenTTL)),
		},
		Email: email,
		Role:  role,
		Type:  "access",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.JWTSecret))
}

// GenerateRefreshToken 签发刷新令牌
func GenerateRefreshToken(cfg Config, userID string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(cfg.RefreshTokenTTL)),
		},
		Type: "refresh",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.JWTSecret))
}

// ParseToken 解析并校验 JWT
func ParseToken(cfg Config, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// ============================================================================
// Context 注入
// ============================================================================

// WithAuthUser 将认证用户注入 context
func WithAuthUser(ctx context.Context, user *AuthUser) context.Context {
	return context.WithValue(ctx, authUserKey, user)
}

// GetAuthUser 从 context 取出认证用户，未认证时返回 nil
func GetAuthUser(ctx context.Context) *AuthUser {
	user, _ := ctx.Value(authUserKey).(*AuthUser)
	return user
}
