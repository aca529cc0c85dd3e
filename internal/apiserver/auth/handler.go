package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"regexp"
	"time"

	"caseflow/internal/shared/storage"
)

// Handler 认证相关的 HTTP 处理器
type Handler struct {
	store storage.AccountStore
	cfg   Config
}

// NewHandler 创建认证处理器
func NewHandler(store storage.AccountStore, cfg Config) *Handler {
	return &Handler{store: store, cfg: cfg}
}

// RegisterRoutes 注册认证路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/auth/register", h.Register)
	mux.HandleFunc("POST /api/v1/auth/login", h.Login)
	mux.HandleFunc("POST /api/v1/auth/refresh", h.Refresh)
	mux.HandleFunc("GET /api/v1/auth/me", h.Me)
}

// ============================================================================
// 请求/响应结构
// ============================================================================

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type authResponse struct {
	Account      *storage.Account `json:"account"`
	AccessToken  string           `json:"access_token"`
	RefreshToken string           `json:"refresh_token,omitempty"`
}

// ============================================================================
// Handlers
// ============================================================================

// Register 账号注册
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}
	if !isValidEmail(req.Email) {
		writeError(w, http.StatusBadRequest, "invalid email format")
		return
	}
	if len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}
	role := req.Role
	if role == "" {
		role = RoleReviewer
	}
	if role != RoleReviewer && role != RoleOperator && role != RoleAdmin {
		writeError(w, http.StatusBadRequest, "unknown role")
		return
	}

	// 检查邮箱是否已注册
	if _, err := h.store.GetAccountByEmail(r.Context(), req.Email); err == nil {
		writeError(w, http.StatusConflict, "email already registered")
		return
	} else if !errors.Is(err, storage.ErrNotFound) {
		log.Printf("[auth.register] GetAccountByEmail error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	hash, err := HashPassword(req.Password)
	if err != nil {
		log.Printf("[auth.register] HashPassword error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	account := &storage.Account{
		ID:           generateID(),
		Email:        req.Email,
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    time.Now(),
	}
	if err := h.store.CreateAccount(r.Context(), account); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			writeError(w, http.StatusConflict, "email already registered")
			return
		}
		log.Printf("[auth.register] CreateAccount error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create account")
		return
	}

	accessToken, err := GenerateAccessToken(h.cfg, account.ID, account.Email, account.Role)
	if err != nil {
		log.Printf("[auth.register] GenerateAccessToken error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	refreshToken, err := GenerateRefreshToken(h.cfg, account.ID)
	if err != nil {
		log.Printf("[auth.register] GenerateRefreshToken error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	log.Printf("[auth] Account registered: %s (%s)", account.Email, account.ID)
	writeJSON(w, http.StatusCreated, authResponse{
		Account:      account,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	})
}

// Login 账号登录
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	account, err := h.store.GetAccountByEmail(r.Context(), req.Email)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Printf("[auth.login] GetAccountByEmail error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if account == nil || !CheckPassword(req.Password, account.PasswordHash) {
		writeError(w, http.StatusUnauthorized, "invalid email or password")
		return
	}

	accessToken, err := GenerateAccessToken(h.cfg, account.ID, account.Email, account.Role)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	refreshToken, err := GenerateRefreshToken(h.cfg, account.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	log.Printf("[auth] Account logged in: %s", account.Email)
	writeJSON(w, http.StatusOK, authResponse{
		Account:      account,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	})
}

// Refresh 刷新访问令牌
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "refresh_token is required")
		return
	}

	claims, err := ParseToken(h.cfg, req.RefreshToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	if claims.Type != "refresh" {
		writeError(w, http.StatusUnauthorized, "invalid token type")
		return
	}

	// 账号可能在令牌有效期内被删除，刷新前确认仍然存在
	account, err := h.store.GetAccountByID(r.Context(), claims.Subject)
	if err != nil || account == nil {
		writeError(w, http.StatusUnauthorized, "account not found")
		return
	}

	accessToken, err := GenerateAccessToken(h.cfg, account.ID, account.Email, account.Role)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"access_token": accessToken,
	})
}

// Me 获取当前账号信息
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	authUser := GetAuthUser(r.Context())
	if authUser == nil {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	writeJSON(w, http.StatusOK, authUser)
}

// ============================================================================
// 工具函数
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

func isValidEmail(email string) bool {
	return emailRegex.MatchString(email)
}

func generateID() string {
	return fmt.Sprintf("acc-%d", time.Now().UnixNano())
}
