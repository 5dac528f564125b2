package handler

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/hitoshi/taskagency/internal/auth"
	"github.com/hitoshi/taskagency/internal/middleware"
	"github.com/hitoshi/taskagency/internal/model"
	"github.com/hitoshi/taskagency/internal/pocketbase"
	"github.com/hitoshi/taskagency/internal/session"
)

func TestAuthHandler_Login(t *testing.T) {
	env := newTestEnv(t, nil)
	expires := time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC)
	var gotPrev, gotUser, gotPass string
	env.auth.loginFn = func(ctx context.Context, prev, username, password string) (*auth.LoginResult, error) {
		gotPrev, gotUser, gotPass = prev, username, password
		return &auth.LoginResult{
			Session:  &model.Session{ID: "new-session"},
			Identity: session.Identity{UserID: "u1", Username: "jane", ExpiresAt: expires},
		}, nil
	}

	w := env.do(t, http.MethodPost, "/auth/login", "old-session", map[string]string{
		"username": "jane",
		"password": "Secret123",
	})

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if gotPrev != "old-session" || gotUser != "jane" || gotPass != "Secret123" {
		t.Errorf("Login called with (%q, %q, %q)", gotPrev, gotUser, gotPass)
	}
	cookie := findCookie(w, middleware.SessionCookieName)
	if cookie == nil || cookie.Value != "new-session" {
		t.Fatalf("session cookie = %+v", cookie)
	}
	if !cookie.HttpOnly {
		t.Error("セッションCookieはHttpOnlyであるべき")
	}
	if cookie.MaxAge != 3600 {
		t.Errorf("MaxAge = %d, want 3600", cookie.MaxAge)
	}

	body := decodeBody[identityResponse](t, w)
	if body.ID != "u1" || body.Username != "jane" || !body.ExpiresAt.Equal(expires) {
		t.Errorf("body = %+v", body)
	}
}

func TestAuthHandler_LoginValidationError(t *testing.T) {
	env := newTestEnv(t, nil)
	env.auth.loginFn = func(ctx context.Context, prev, username, password string) (*auth.LoginResult, error) {
		verr := &model.ValidationError{}
		verr.Add("username", auth.MsgUsernameRequired)
		return nil, verr
	}

	w := env.do(t, http.MethodPost, "/auth/login", "", map[string]string{})

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", w.Code)
	}
	if findCookie(w, middleware.SessionCookieName) != nil {
		t.Error("失敗時はセッションCookieを設定しないべき")
	}
	body := decodeBody[errorBody](t, w)
	if body.Fields["username"] != auth.MsgUsernameRequired {
		t.Errorf("fields = %v", body.Fields)
	}
}

func TestAuthHandler_LoginRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	env.auth.loginFn = func(ctx context.Context, prev, username, password string) (*auth.LoginResult, error) {
		return nil, &model.RemoteRejection{Op: "users.authWithPassword", Status: 400, Message: "Failed to authenticate."}
	}

	w := env.do(t, http.MethodPost, "/auth/login", "", map[string]string{"username": "jane", "password": "wrong"})

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if body := decodeBody[errorBody](t, w); body.Message != "Failed to authenticate." {
		t.Errorf("message = %q", body.Message)
	}
}

func TestAuthHandler_LoginInvalidJSON(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/auth/login", "", "{invalid")

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if body := decodeBody[errorBody](t, w); body.Code != model.ErrCodeInvalidRequest {
		t.Errorf("code = %q", body.Code)
	}
}

func TestAuthHandler_Register(t *testing.T) {
	env := newTestEnv(t, nil)
	var got auth.RegisterInput
	env.auth.registerFn = func(ctx context.Context, prev string, in auth.RegisterInput) (*auth.LoginResult, error) {
		got = in
		return &auth.LoginResult{
			Session:  &model.Session{ID: "s-new"},
			Identity: session.Identity{UserID: "u2", Username: "new user"},
		}, nil
	}

	w := env.do(t, http.MethodPost, "/auth/register", "", map[string]string{
		"username":        "new user",
		"phone":           "0712345678",
		"password":        "Secret123",
		"passwordConfirm": "Secret123",
		"captchaId":       "c1",
		"captchaAnswer":   "ab12",
		"inviteCode":      "jane",
	})

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}
	if got.CaptchaID != "c1" || got.CaptchaAnswer != "ab12" || got.InviteCode != "jane" || got.Phone != "0712345678" {
		t.Errorf("RegisterInput = %+v", got)
	}
	if c := findCookie(w, middleware.SessionCookieName); c == nil || c.Value != "s-new" {
		t.Errorf("session cookie = %+v", c)
	}
}

func TestAuthHandler_RegisterCaptchaMismatch(t *testing.T) {
	env := newTestEnv(t, nil)
	env.auth.registerFn = func(ctx context.Context, prev string, in auth.RegisterInput) (*auth.LoginResult, error) {
		return nil, auth.ErrCaptchaMismatch
	}

	w := env.do(t, http.MethodPost, "/auth/register", "", map[string]string{"captchaId": "c1", "captchaAnswer": "zzzz"})

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", w.Code)
	}
	if body := decodeBody[errorBody](t, w); body.Code != model.ErrCodeCaptchaMismatch {
		t.Errorf("code = %q", body.Code)
	}
}

func TestAuthHandler_Captcha(t *testing.T) {
	env := newTestEnv(t, nil)
	env.auth.captchaFn = func(ctx context.Context) (*auth.Captcha, error) {
		return &auth.Captcha{ID: "c1", Code: "ab12"}, nil
	}

	w := env.do(t, http.MethodGet, "/auth/captcha", "", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if body := decodeBody[auth.Captcha](t, w); body.ID != "c1" || body.Code != "ab12" {
		t.Errorf("body = %+v", body)
	}
}

func TestAuthHandler_Logout(t *testing.T) {
	env := newTestEnv(t, nil)
	var loggedOut string
	env.auth.logoutFn = func(ctx context.Context, sessionID string) error {
		loggedOut = sessionID
		return nil
	}

	w := env.do(t, http.MethodPost, "/auth/logout", "s1", nil)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	if loggedOut != "s1" {
		t.Errorf("Logout called with %q, want s1", loggedOut)
	}
	if c := findCookie(w, middleware.SessionCookieName); c == nil || c.MaxAge >= 0 {
		t.Errorf("セッションCookieが削除されていない: %+v", c)
	}
}

func TestAuthHandler_LogoutClearsCookieOnError(t *testing.T) {
	env := newTestEnv(t, nil)
	env.auth.logoutFn = func(ctx context.Context, sessionID string) error {
		return context.DeadlineExceeded
	}

	w := env.do(t, http.MethodPost, "/auth/logout", "s1", nil)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	if c := findCookie(w, middleware.SessionCookieName); c == nil || c.MaxAge >= 0 {
		t.Errorf("失敗してもCookieは削除されるべき: %+v", c)
	}
}

func TestAuthHandler_MeWithoutSession(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodGet, "/auth/me", "", nil)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestAuthHandler_Refresh(t *testing.T) {
	env := newTestEnv(t, nil)
	env.auth.refreshFn = func(ctx context.Context, sessionID string) (session.Identity, error) {
		if sessionID != "s1" {
			return session.Identity{}, model.ErrAuthRequired
		}
		return session.Identity{UserID: "u1", Username: "jane"}, nil
	}

	w := env.do(t, http.MethodPost, "/auth/refresh", "s1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if body := decodeBody[identityResponse](t, w); body.ID != "u1" {
		t.Errorf("body = %+v", body)
	}

	w = env.do(t, http.MethodPost, "/auth/refresh", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("セッションなしは401であるべき: %d", w.Code)
	}
}

func TestAuthHandler_RefreshRemoteUnavailable(t *testing.T) {
	env := newTestEnv(t, nil)
	env.auth.refreshFn = func(ctx context.Context, sessionID string) (session.Identity, error) {
		return session.Identity{}, &pocketbase.ResponseError{Status: 503, Message: "unavailable"}
	}

	w := env.do(t, http.MethodPost, "/auth/refresh", "s1", nil)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	if body := decodeBody[errorBody](t, w); body.Code != model.ErrCodeRemoteFailure {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeRemoteFailure)
	}
}
