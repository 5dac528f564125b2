package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/taskagency/internal/auth"
	"github.com/hitoshi/taskagency/internal/middleware"
	"github.com/hitoshi/taskagency/internal/session"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	Login(ctx context.Context, previousSessionID, username, password string) (*auth.LoginResult, error)
	Register(ctx context.Context, previousSessionID string, in auth.RegisterInput) (*auth.LoginResult, error)
	NewCaptcha(ctx context.Context) (*auth.Captcha, error)
	Logout(ctx context.Context, sessionID string) error
	Refresh(ctx context.Context, sessionID string) (session.Identity, error)
	CurrentIdentity(ctx context.Context, sessionID string) (session.Identity, error)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	CookieDomain  string
	CookieSecure  bool
	SessionMaxAge int // セッションCookieの有効期間（秒）
}

// AuthHandler はログイン・会員登録・セッション管理のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service: service,
		config:  config,
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type registerRequest struct {
	Username        string `json:"username"`
	Phone           string `json:"phone"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"passwordConfirm"`
	CaptchaID       string `json:"captchaId"`
	CaptchaAnswer   string `json:"captchaAnswer"`
	InviteCode      string `json:"inviteCode"`
}

// identityResponse は認証済みユーザーのAPIレスポンス。
type identityResponse struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func toIdentityResponse(ident session.Identity) identityResponse {
	return identityResponse{
		ID:        ident.UserID,
		Username:  ident.Username,
		ExpiresAt: ident.ExpiresAt,
	}
}

// Login はユーザー名とパスワードでログインする。
// POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := h.service.Login(r.Context(), h.sessionID(r), req.Username, req.Password)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	h.setSessionCookie(w, res.Session.ID)
	writeJSON(w, http.StatusOK, toIdentityResponse(res.Identity))
}

// Register は会員登録を行い、そのままログインする。
// POST /auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := h.service.Register(r.Context(), h.sessionID(r), auth.RegisterInput{
		Username:        req.Username,
		Phone:           req.Phone,
		Password:        req.Password,
		PasswordConfirm: req.PasswordConfirm,
		CaptchaID:       req.CaptchaID,
		CaptchaAnswer:   req.CaptchaAnswer,
		InviteCode:      req.InviteCode,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	h.setSessionCookie(w, res.Session.ID)
	writeJSON(w, http.StatusCreated, toIdentityResponse(res.Identity))
}

// Captcha は会員登録フォーム用の認証コードを発行する。
// GET /auth/captcha
func (h *AuthHandler) Captcha(w http.ResponseWriter, r *http.Request) {
	c, err := h.service.NewCaptcha(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// Logout はセッションを破棄する。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if id := h.sessionID(r); id != "" {
		if err := h.service.Logout(r.Context(), id); err != nil {
			slog.Error("failed to logout", slog.String("error", err.Error()))
			// ログアウト失敗してもCookieはクリアする
		}
	}

	h.clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// Refresh はリモートの認証トークンを更新する。
// POST /auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	ident, err := h.service.Refresh(r.Context(), h.sessionID(r))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toIdentityResponse(ident))
}

// Me は現在のログインユーザー情報を返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	ident, err := h.service.CurrentIdentity(r.Context(), h.sessionID(r))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toIdentityResponse(ident))
}

// sessionID はCookieからBFFセッションIDを取得する。
func (h *AuthHandler) sessionID(r *http.Request) string {
	cookie, err := r.Cookie(middleware.SessionCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// setSessionCookie はセッションCookieを設定する（HTTP Only）。
func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    sessionID,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   h.config.SessionMaxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// clearSessionCookie はセッションCookieを削除する。
func (h *AuthHandler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}
