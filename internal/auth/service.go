// Package auth はユーザー名・パスワードによるログイン、会員登録、ログアウト、トークン更新を提供する。
// 認証そのものはリモートストアが行い、ここではBFFセッションの発行と破棄を担う。
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/hitoshi/taskagency/internal/metrics"
	"github.com/hitoshi/taskagency/internal/model"
	"github.com/hitoshi/taskagency/internal/pocketbase"
	"github.com/hitoshi/taskagency/internal/record"
	"github.com/hitoshi/taskagency/internal/security"
	"github.com/hitoshi/taskagency/internal/session"
	"github.com/hitoshi/taskagency/internal/view"
)

// 操作名（メトリクスのラベル）
const (
	ActionLogin    = "login"
	ActionRegister = "register"
)

const (
	minUsernameLength = 3
	minPasswordLength = 8
)

// 検証エラーメッセージ
const (
	MsgUsernameRequired = "ユーザー名を入力してください。"
	MsgPasswordRequired = "パスワードを入力してください。"
	MsgUsernameTooShort = "ユーザー名は3文字以上で入力してください。"
	MsgPhoneInvalid     = "有効な電話番号を入力してください（例: 0712345678）。"
	MsgPasswordWeak     = "パスワードは8文字以上で、英字と数字を含めてください。"
	MsgPasswordMismatch = "パスワードが一致しません。"
)

// Authenticator はリモートストアでのパスワード認証を行うインターフェース。
// pocketbase.Clientが実装する。
type Authenticator interface {
	AuthWithPassword(ctx context.Context, identity, password string) (*pocketbase.AuthResponse, error)
}

// Users はusersコレクションへのレコード作成を行うインターフェース。
type Users interface {
	Create(ctx context.Context, token string, body any, opts pocketbase.QueryOptions) (json.RawMessage, error)
}

// Sessions はBFFセッションを管理するインターフェース。
// session.Registryが実装する。
type Sessions interface {
	Login(ctx context.Context, token string, rec model.AuthRecord) (*model.Session, *session.Holder, error)
	Load(ctx context.Context, id string) (*session.Holder, error)
	Refresh(ctx context.Context, id string) error
	Logout(ctx context.Context, id string) error
}

// Workspaces はセッションごとのWorkspaceを管理するインターフェース。
// view.Managerが実装する。
type Workspaces interface {
	Attach(sessionID string, holder *session.Holder) *view.Workspace
	Drop(sessionID string)
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	CaptchaTTL time.Duration
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	auth       Authenticator
	users      Users
	sessions   Sessions
	workspaces Workspaces
	captchas   CaptchaStore
	sanitizer  security.TextSanitizer
	metrics    metrics.MutationRecorder
	config     ServiceConfig
	now        func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	auth Authenticator,
	users Users,
	sessions Sessions,
	workspaces Workspaces,
	captchas CaptchaStore,
	rec metrics.MutationRecorder,
	config ServiceConfig,
) *Service {
	if config.CaptchaTTL <= 0 {
		config.CaptchaTTL = DefaultCaptchaTTL
	}
	return &Service{
		auth:       auth,
		users:      users,
		sessions:   sessions,
		workspaces: workspaces,
		captchas:   captchas,
		sanitizer:  security.NewTextSanitizer(),
		metrics:    rec,
		config:     config,
		now:        time.Now,
	}
}

// LoginResult はログイン・会員登録の結果。
type LoginResult struct {
	Session   *model.Session
	Workspace *view.Workspace
	Identity  session.Identity
}

// Login はユーザー名とパスワードでリモートに認証し、新しいBFFセッションを発行する。
// previousSessionIDが指定されている場合は古いセッションを破棄する。
func (s *Service) Login(ctx context.Context, previousSessionID, username, password string) (res *LoginResult, err error) {
	defer func() { metrics.Record(s.metrics, ActionLogin, err) }()

	username = strings.TrimSpace(username)
	var verr model.ValidationError
	if username == "" {
		verr.Add("username", MsgUsernameRequired)
	}
	if password == "" {
		verr.Add("password", MsgPasswordRequired)
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}

	return s.login(ctx, previousSessionID, username, password)
}

func (s *Service) login(ctx context.Context, previousSessionID, username, password string) (*LoginResult, error) {
	resp, err := s.auth.AuthWithPassword(ctx, username, password)
	if err != nil {
		return nil, record.WriteError("users.authWithPassword", err)
	}
	rec, err := record.DecodeAuthRecord(resp.Record)
	if err != nil {
		return nil, err
	}

	if previousSessionID != "" {
		s.endSession(ctx, previousSessionID)
	}

	sess, holder, err := s.sessions.Login(ctx, resp.Token, rec)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	ws := s.workspaces.Attach(sess.ID, holder)
	ident, _ := holder.CurrentIdentity()

	slog.Info("user logged in",
		slog.String("user_id", rec.ID),
		slog.String("session_id", sess.ID),
	)
	return &LoginResult{Session: sess, Workspace: ws, Identity: ident}, nil
}

// NewCaptcha は会員登録用の認証コードを発行する。
func (s *Service) NewCaptcha(ctx context.Context) (*Captcha, error) {
	return newCaptcha(ctx, s.captchas, s.config.CaptchaTTL, s.now())
}

// RegisterInput は会員登録フォームの値。
type RegisterInput struct {
	Username        string `json:"username"`
	Phone           string `json:"phone"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"passwordConfirm"`
	CaptchaID       string `json:"captchaId"`
	CaptchaAnswer   string `json:"captchaAnswer"`
	InviteCode      string `json:"inviteCode"`
}

// ValidateRegistration は会員登録フォームを検証する。
func ValidateRegistration(in RegisterInput) error {
	var verr model.ValidationError
	if utf8.RuneCountInString(strings.TrimSpace(in.Username)) < minUsernameLength {
		verr.Add("username", MsgUsernameTooShort)
	}
	if !model.IsValidPhone(in.Phone) {
		verr.Add("phone", MsgPhoneInvalid)
	}
	if !IsStrongPassword(in.Password) {
		verr.Add("password", MsgPasswordWeak)
	}
	if in.Password != in.PasswordConfirm {
		verr.Add("passwordConfirm", MsgPasswordMismatch)
	}
	return verr.OrNil()
}

// IsStrongPassword はパスワードが8文字以上で英字と数字を含むかを判定する。
func IsStrongPassword(password string) bool {
	if utf8.RuneCountInString(password) < minPasswordLength {
		return false
	}
	var hasLetter, hasDigit bool
	for _, r := range password {
		switch {
		case unicode.IsLetter(r):
			hasLetter = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}
	return hasLetter && hasDigit
}

// Register はユーザーを作成し、続けて同じ資格情報でログインする。
// 認証コードは入力検証を通過した時点で消費され、再利用できない。
func (s *Service) Register(ctx context.Context, previousSessionID string, in RegisterInput) (res *LoginResult, err error) {
	defer func() { metrics.Record(s.metrics, ActionRegister, err) }()

	if err := ValidateRegistration(in); err != nil {
		return nil, err
	}
	if err := verifyCaptcha(ctx, s.captchas, in.CaptchaID, in.CaptchaAnswer); err != nil {
		return nil, err
	}

	username := s.sanitizer.Sanitize(in.Username)
	body := map[string]any{
		"username":        username,
		"phone":           strings.TrimSpace(in.Phone),
		"password":        in.Password,
		"passwordConfirm": in.PasswordConfirm,
	}
	if code := strings.TrimSpace(in.InviteCode); code != "" {
		body["invited_by"] = code
	}
	if _, err := s.users.Create(ctx, "", body, pocketbase.QueryOptions{}); err != nil {
		return nil, record.WriteError("users.create", err)
	}

	slog.Info("new user registered", slog.String("username", username))
	return s.login(ctx, previousSessionID, username, in.Password)
}

// Logout はセッションを破棄する。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}
	s.workspaces.Drop(sessionID)
	if err := s.sessions.Logout(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	slog.Info("user logged out", slog.String("session_id", sessionID))
	return nil
}

// Refresh はセッションのトークンをリモートで更新する。
func (s *Service) Refresh(ctx context.Context, sessionID string) (session.Identity, error) {
	if sessionID == "" {
		return session.Identity{}, model.ErrAuthRequired
	}
	if err := s.sessions.Refresh(ctx, sessionID); err != nil {
		return session.Identity{}, err
	}
	return s.CurrentIdentity(ctx, sessionID)
}

// CurrentIdentity はセッションから現在のユーザーを取得する。
func (s *Service) CurrentIdentity(ctx context.Context, sessionID string) (session.Identity, error) {
	if sessionID == "" {
		return session.Identity{}, model.ErrAuthRequired
	}
	holder, err := s.sessions.Load(ctx, sessionID)
	if err != nil {
		return session.Identity{}, fmt.Errorf("failed to find session: %w", err)
	}
	if holder == nil {
		return session.Identity{}, model.ErrAuthRequired
	}
	ident, ok := holder.CurrentIdentity()
	if !ok {
		return session.Identity{}, model.ErrAuthRequired
	}
	return ident, nil
}

// endSession は古いセッションを破棄する。失敗してもログインは続行する。
func (s *Service) endSession(ctx context.Context, sessionID string) {
	s.workspaces.Drop(sessionID)
	if err := s.sessions.Logout(ctx, sessionID); err != nil {
		slog.Warn("failed to delete previous session",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
	}
}
