package auth

import (
	"log"
	"net/http"
	"strings"
)

// publicPrefixes 无需认证即可访问的路由前缀。
// Worker 部署在内网，fetch/ack 不走 JWT 体系。
var publicPrefixes = []string{
	"/api/v1/auth/login",
	"/api/v1/auth/register",
	"/api/v1/auth/refresh",
	"/api/v1/worker/",
	"/health",
	"/metrics",
	"/ws/",
}

func isPublicRoute(method, path string) bool {
	for _, prefix := range publicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Middleware JWT 认证中间件。
// 未配置密钥时整体放行（本地开发模式）。
func Middleware(cfg Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// 无认证模式：直接放行
			if !cfg.Enabled() {
				next.ServeHTTP(w, r)
				return
			}

			// 公开路由：直接放行
			if isPublicRoute(r.Method, r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			// 提取 Bearer Token
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, `{"error":"missing authorization header"}`, http.StatusUnauthorized)
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				http.Error(w, `{"error":"invalid authorization header"}`, http.StatusUnauthorized)
				return
			}

			// 解析 JWT
			claims, err := ParseToken(cfg, parts[1])
			if err != nil {
				log.Printf("[auth] token parse error: %v", err)
				http.Error(w, `{"error":"invalid or expired token"}`, http.StatusUnauthorized)
				return
			}

			if claims.Type != "access" {
				http.Error(w, `{"error":"invalid token type"}`, http.StatusUnauthorized)
				return
			}

			// 注入 auth user 到 context
			user := &AuthUser{
				ID:    claims.Subject,
				Email: claims.Email,
				Role:  claims.Role,
			}
			next.ServeHTTP(w, r.WithContext(WithAuthUser(r.Context(), user)))
		})
	}
}
