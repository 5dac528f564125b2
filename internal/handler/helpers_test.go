package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/taskagency/internal/account"
	"github.com/hitoshi/taskagency/internal/auth"
	"github.com/hitoshi/taskagency/internal/level"
	"github.com/hitoshi/taskagency/internal/middleware"
	"github.com/hitoshi/taskagency/internal/model"
	"github.com/hitoshi/taskagency/internal/pocketbase"
	"github.com/hitoshi/taskagency/internal/session"
	"github.com/hitoshi/taskagency/internal/view"
	"github.com/hitoshi/taskagency/internal/withdrawal"
)

const testCSRFToken = "test-csrf-token"

// --- モック定義 ---

type loaderFunc func(ctx context.Context, ident session.Identity) (*model.Profile, error)

func (f loaderFunc) LoadProfile(ctx context.Context, ident session.Identity) (*model.Profile, error) {
	return f(ctx, ident)
}

type mockWorkspaces struct {
	workspaces map[string]*view.Workspace
	dropped    []string
}

func (m *mockWorkspaces) Get(ctx context.Context, id string) (*view.Workspace, error) {
	return m.workspaces[id], nil
}

func (m *mockWorkspaces) Drop(id string) {
	m.dropped = append(m.dropped, id)
	delete(m.workspaces, id)
}

type mockAuthService struct {
	loginFn    func(ctx context.Context, prev, username, password string) (*auth.LoginResult, error)
	registerFn func(ctx context.Context, prev string, in auth.RegisterInput) (*auth.LoginResult, error)
	captchaFn  func(ctx context.Context) (*auth.Captcha, error)
	logoutFn   func(ctx context.Context, sessionID string) error
	refreshFn  func(ctx context.Context, sessionID string) (session.Identity, error)
	currentFn  func(ctx context.Context, sessionID string) (session.Identity, error)
}

func (m *mockAuthService) Login(ctx context.Context, prev, username, password string) (*auth.LoginResult, error) {
	return m.loginFn(ctx, prev, username, password)
}

func (m *mockAuthService) Register(ctx context.Context, prev string, in auth.RegisterInput) (*auth.LoginResult, error) {
	return m.registerFn(ctx, prev, in)
}

func (m *mockAuthService) NewCaptcha(ctx context.Context) (*auth.Captcha, error) {
	return m.captchaFn(ctx)
}

func (m *mockAuthService) Logout(ctx context.Context, sessionID string) error {
	if m.logoutFn != nil {
		return m.logoutFn(ctx, sessionID)
	}
	return nil
}

func (m *mockAuthService) Refresh(ctx context.Context, sessionID string) (session.Identity, error) {
	return m.refreshFn(ctx, sessionID)
}

func (m *mockAuthService) CurrentIdentity(ctx context.Context, sessionID string) (session.Identity, error) {
	if m.currentFn != nil {
		return m.currentFn(ctx, sessionID)
	}
	return session.Identity{}, model.ErrAuthRequired
}

type mockAccountService struct {
	updateProfileFn  func(ctx context.Context, ws *view.Workspace, in account.ProfileInput) (view.Snapshot, error)
	changePasswordFn func(ctx context.Context, ws *view.Workspace, in account.PasswordInput) (view.Snapshot, error)
	deleteFn         func(ctx context.Context, ws *view.Workspace) (view.Snapshot, error)
	exportFn         func(ctx context.Context, ws *view.Workspace) (*account.Export, error)
}

func (m *mockAccountService) UpdateProfile(ctx context.Context, ws *view.Workspace, in account.ProfileInput) (view.Snapshot, error) {
	return m.updateProfileFn(ctx, ws, in)
}

func (m *mockAccountService) ChangePassword(ctx context.Context, ws *view.Workspace, in account.PasswordInput) (view.Snapshot, error) {
	return m.changePasswordFn(ctx, ws, in)
}

func (m *mockAccountService) DeleteAccount(ctx context.Context, ws *view.Workspace) (view.Snapshot, error) {
	return m.deleteFn(ctx, ws)
}

func (m *mockAccountService) ExportData(ctx context.Context, ws *view.Workspace) (*account.Export, error) {
	return m.exportFn(ctx, ws)
}

type mockWithdrawalService struct {
	requestFn      func(ctx context.Context, ws *view.Workspace, in withdrawal.Input) (view.Snapshot, error)
	listFn         func(ctx context.Context, ws *view.Workspace) ([]model.Withdrawal, error)
	formDefaultsFn func(ctx context.Context, ws *view.Workspace) (model.WithdrawalDetails, bool, error)
	forgetFn       func(ctx context.Context, ws *view.Workspace) error
}

func (m *mockWithdrawalService) Request(ctx context.Context, ws *view.Workspace, in withdrawal.Input) (view.Snapshot, error) {
	return m.requestFn(ctx, ws, in)
}

func (m *mockWithdrawalService) List(ctx context.Context, ws *view.Workspace) ([]model.Withdrawal, error) {
	return m.listFn(ctx, ws)
}

func (m *mockWithdrawalService) FormDefaults(ctx context.Context, ws *view.Workspace) (model.WithdrawalDetails, bool, error) {
	return m.formDefaultsFn(ctx, ws)
}

func (m *mockWithdrawalService) Forget(ctx context.Context, ws *view.Workspace) error {
	return m.forgetFn(ctx, ws)
}

func (m *mockWithdrawalService) MinAmount() float64 {
	return withdrawal.DefaultMinAmount
}

// --- ヘルパー ---

func testToken(t *testing.T, userID string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"id":  userID,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return token
}

func testProfile() *model.Profile {
	return &model.Profile{ID: "u1", Username: "Jane Doe", Phone: "0712345678", Level: 1, Income: 1000, Referrals: 200, Balance: 1500}
}

// newTestWorkspace はログイン済みユーザーu1のWorkspaceを生成する。
func newTestWorkspace(t *testing.T, id string, loader loaderFunc) *view.Workspace {
	t.Helper()
	if loader == nil {
		loader = func(ctx context.Context, ident session.Identity) (*model.Profile, error) {
			return testProfile(), nil
		}
	}
	holder := session.NewHolder()
	holder.Save(testToken(t, "u1"), model.AuthRecord{ID: "u1", Username: "Jane Doe"})
	ws := view.NewWorkspace(id, holder, view.Env{
		Loader:       loader,
		Policy:       pocketbase.RetryPolicy{Delays: []time.Duration{time.Millisecond}},
		Levels:       level.DefaultSource(),
		ReferralBase: "https://zenithagency.com/ref/",
	})
	t.Cleanup(ws.Close)
	return ws
}

type testEnv struct {
	router     http.Handler
	workspaces *mockWorkspaces
	auth       *mockAuthService
	account    *mockAccountService
	withdrawal *mockWithdrawalService
}

// newTestEnv はセッションs1にWorkspaceを持つルーターを構築する。
func newTestEnv(t *testing.T, ws *view.Workspace) *testEnv {
	t.Helper()
	env := &testEnv{
		workspaces: &mockWorkspaces{workspaces: map[string]*view.Workspace{}},
		auth:       &mockAuthService{},
		account:    &mockAccountService{},
		withdrawal: &mockWithdrawalService{},
	}
	if ws != nil {
		env.workspaces.workspaces[ws.ID()] = ws
	}
	env.router = NewRouter(&RouterDeps{
		Workspaces:        env.workspaces,
		WorkspaceDropper:  env.workspaces,
		AuthService:       env.auth,
		AuthConfig:        AuthHandlerConfig{SessionMaxAge: 3600},
		AccountService:    env.account,
		WithdrawalService: env.withdrawal,
		LevelHandler:      NewLevelHandler(level.DefaultSource()),
	})
	return env
}

// do はCSRFトークンとセッションCookie（sessionIDが空でなければ）を付けてリクエストする。
func (e *testEnv) do(t *testing.T, method, path, sessionID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			r = bytes.NewBufferString(b)
		default:
			data, err := json.Marshal(b)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			r = bytes.NewReader(data)
		}
	}
	req := httptest.NewRequest(method, path, r)
	req.AddCookie(&http.Cookie{Name: "csrf_token", Value: testCSRFToken})
	req.Header.Set("X-CSRF-Token", testCSRFToken)
	if sessionID != "" {
		req.AddCookie(&http.Cookie{Name: middleware.SessionCookieName, Value: sessionID})
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	return v
}

func findCookie(w *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

type errorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields"`
}

// doWithoutCSRF はCSRFトークンを付けずにリクエストする。
func (e *testEnv) doWithoutCSRF(t *testing.T, method, path, sessionID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if sessionID != "" {
		req.AddCookie(&http.Cookie{Name: middleware.SessionCookieName, Value: sessionID})
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}
