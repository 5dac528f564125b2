// Package account はプロフィール更新・パスワード変更・アカウント削除・データエクスポートを提供する。
// 各操作はワークスペースの操作中フラグで二重送信を防ぎ、account画面の状態機械を通して書き込む。
package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hitoshi/taskagency/internal/metrics"
	"github.com/hitoshi/taskagency/internal/model"
	"github.com/hitoshi/taskagency/internal/pocketbase"
	"github.com/hitoshi/taskagency/internal/record"
	"github.com/hitoshi/taskagency/internal/security"
	"github.com/hitoshi/taskagency/internal/session"
	"github.com/hitoshi/taskagency/internal/stats"
	"github.com/hitoshi/taskagency/internal/view"
)

// 操作名（操作中フラグ・メトリクスのラベル）
const (
	ActionProfile  = "profile"
	ActionPassword = "password"
	ActionDelete   = "delete"
	ActionExport   = "export"
)

const (
	minUsernameLength = 3
	minPasswordLength = 8
)

// 検証エラーメッセージ
const (
	MsgUsernameTooShort    = "ユーザー名は3文字以上で入力してください。"
	MsgEmailInvalid        = "メールアドレスの形式が正しくありません。"
	MsgPhoneInvalid        = "有効な電話番号を入力してください（例: 0712345678）。"
	MsgOldPasswordRequired = "現在のパスワードを入力してください。"
	MsgPasswordTooShort    = "パスワードは8文字以上で入力してください。"
	MsgPasswordMismatch    = "パスワードが一致しません。"
)

// Records はコレクションへの書き込みを抽象化するインターフェース。
// pocketbase.RecordServiceが実装する。
type Records interface {
	Create(ctx context.Context, token string, body any, opts pocketbase.QueryOptions) (json.RawMessage, error)
	Update(ctx context.Context, token, id string, body any, opts pocketbase.QueryOptions) (json.RawMessage, error)
	Delete(ctx context.Context, token, id string) error
}

// Authenticator はパスワード認証を行うインターフェース。
// pocketbase.Clientが実装する。
type Authenticator interface {
	AuthWithPassword(ctx context.Context, identity, password string) (*pocketbase.AuthResponse, error)
}

// Sessions はBFFセッションの更新・破棄を行うインターフェース。
// session.Registryが実装する。
type Sessions interface {
	Replace(ctx context.Context, id, token string, rec model.AuthRecord) error
	EndUserSessions(ctx context.Context, userID string) error
}

// Config はServiceの設定。
type Config struct {
	Users     Records
	AuditLogs Records
	Auth      Authenticator
	Sessions  Sessions
	Sanitizer security.TextSanitizer
	Metrics   metrics.MutationRecorder
	Logger    *slog.Logger
	Now       func() time.Time
}

// Service はアカウント操作のビジネスロジックを提供する。
type Service struct {
	users     Records
	auditLogs Records
	auth      Authenticator
	sessions  Sessions
	sanitizer security.TextSanitizer
	metrics   metrics.MutationRecorder
	logger    *slog.Logger
	now       func() time.Time
}

// NewService はServiceを生成する。
func NewService(cfg Config) *Service {
	if cfg.Sanitizer == nil {
		cfg.Sanitizer = security.NewTextSanitizer()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		users:     cfg.Users,
		auditLogs: cfg.AuditLogs,
		auth:      cfg.Auth,
		sessions:  cfg.Sessions,
		sanitizer: cfg.Sanitizer,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
}

// ProfileInput はプロフィール編集フォームの値。
type ProfileInput struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
}

// PasswordInput はパスワード変更フォームの値。
type PasswordInput struct {
	OldPassword     string `json:"oldPassword"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"passwordConfirm"`
}

// Export はデータエクスポートの内容。
type Export struct {
	ExportedAt time.Time          `json:"exported_at"`
	Profile    model.Profile      `json:"profile"`
	Level      *model.LevelConfig `json:"level"`
	Stats      stats.Stats        `json:"stats"`
}

// accountPage はaccount画面を返す。未取得の場合は先に取得する。
func accountPage(ctx context.Context, ws *view.Workspace) (*view.Page, error) {
	page, err := ws.Page(view.PageAccount)
	if err != nil {
		return nil, err
	}
	if page.Snapshot().State == view.StateLoading {
		page.Load(ctx)
	}
	return page, nil
}

// UpdateProfile は変更されたフィールドだけをリモートに書き込む。
// 変更がない場合はmodel.ErrNoChangesを返し、編集中であれば編集を終了する。
func (s *Service) UpdateProfile(ctx context.Context, ws *view.Workspace, in ProfileInput) (snap view.Snapshot, err error) {
	defer func() { metrics.Record(s.metrics, ActionProfile, err) }()

	release, err := ws.Begin(ActionProfile)
	if err != nil {
		return view.Snapshot{}, err
	}
	defer release()

	page, err := accountPage(ctx, ws)
	if err != nil {
		return view.Snapshot{}, err
	}

	in = ProfileInput{
		Username: s.sanitizer.Sanitize(in.Username),
		Email:    strings.TrimSpace(in.Email),
		Phone:    strings.TrimSpace(in.Phone),
	}
	snap, err = page.Mutate(ctx, func(ctx context.Context, ident session.Identity, current model.Profile) error {
		changes, err := profileChanges(in, current)
		if err != nil {
			return err
		}
		if _, err := s.users.Update(ctx, ident.Token, ident.UserID, changes, pocketbase.QueryOptions{}); err != nil {
			return record.WriteError("users.update", err)
		}
		return nil
	})
	if errors.Is(err, model.ErrNoChanges) && snap.State == view.StateEditing {
		snap, _ = page.CancelEdit()
	}
	return snap, err
}

// profileChanges は入力を検証し、現在値と異なるフィールドだけを返す。
// メールアドレスはusersコレクションのmailフィールドと比較し、同じフィールドに書き込む。
// 電話番号を空にした場合はnullを書き込む。
func profileChanges(in ProfileInput, current model.Profile) (map[string]any, error) {
	var verr model.ValidationError
	if utf8.RuneCountInString(in.Username) < minUsernameLength {
		verr.Add("username", MsgUsernameTooShort)
	}
	if in.Email != "" && !model.IsValidEmail(in.Email) {
		verr.Add("email", MsgEmailInvalid)
	}
	if in.Phone != "" && !model.IsValidPhone(in.Phone) {
		verr.Add("phone", MsgPhoneInvalid)
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}

	changes := make(map[string]any)
	if in.Username != current.Username {
		changes["username"] = in.Username
	}
	if in.Email != current.Mail {
		changes["mail"] = in.Email
	}
	if in.Phone != current.Phone {
		if in.Phone == "" {
			changes["phone"] = nil
		} else {
			changes["phone"] = in.Phone
		}
	}
	if len(changes) == 0 {
		return nil, model.ErrNoChanges
	}
	return changes, nil
}

// ValidatePassword はパスワード変更フォームを検証する。
func ValidatePassword(in PasswordInput) error {
	var verr model.ValidationError
	if in.OldPassword == "" {
		verr.Add("oldPassword", MsgOldPasswordRequired)
	}
	if utf8.RuneCountInString(in.Password) < minPasswordLength {
		verr.Add("password", MsgPasswordTooShort)
	}
	if in.Password != in.PasswordConfirm {
		verr.Add("passwordConfirm", MsgPasswordMismatch)
	}
	return verr.OrNil()
}

// ChangePassword はパスワードを変更する。
// リモートはパスワード変更で既存トークンを失効させるため、新しいパスワードで再認証してセッションを更新する。
func (s *Service) ChangePassword(ctx context.Context, ws *view.Workspace, in PasswordInput) (snap view.Snapshot, err error) {
	defer func() { metrics.Record(s.metrics, ActionPassword, err) }()

	release, err := ws.Begin(ActionPassword)
	if err != nil {
		return view.Snapshot{}, err
	}
	defer release()

	page, err := accountPage(ctx, ws)
	if err != nil {
		return view.Snapshot{}, err
	}

	return page.Mutate(ctx, func(ctx context.Context, ident session.Identity, current model.Profile) error {
		if err := ValidatePassword(in); err != nil {
			return err
		}
		body := map[string]any{
			"oldPassword":     in.OldPassword,
			"password":        in.Password,
			"passwordConfirm": in.PasswordConfirm,
		}
		if _, err := s.users.Update(ctx, ident.Token, ident.UserID, body, pocketbase.QueryOptions{}); err != nil {
			return record.WriteError("users.update", err)
		}
		s.reauthenticate(ctx, ws.ID(), current.Username, in.Password)
		return nil
	})
}

// reauthenticate は新しいパスワードで認証し直してセッションを更新する。
// 失敗した場合は再取得時に認証待ちとなるため、ログに残すだけにする。
func (s *Service) reauthenticate(ctx context.Context, sessionID, username, password string) {
	if s.auth == nil || s.sessions == nil {
		return
	}
	resp, err := s.auth.AuthWithPassword(ctx, username, password)
	if err != nil {
		s.logger.Warn("パスワード変更後の再認証に失敗しました",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		return
	}
	rec, err := record.DecodeAuthRecord(resp.Record)
	if err != nil {
		s.logger.Warn("再認証レスポンスの解析に失敗しました", slog.String("error", err.Error()))
		return
	}
	if err := s.sessions.Replace(ctx, sessionID, resp.Token, rec); err != nil {
		s.logger.Warn("再認証したトークンの保存に失敗しました",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
	}
}

// DeleteAccount はユーザーレコードを削除し、そのユーザーの全セッションを消去する。
func (s *Service) DeleteAccount(ctx context.Context, ws *view.Workspace) (snap view.Snapshot, err error) {
	defer func() { metrics.Record(s.metrics, ActionDelete, err) }()

	release, err := ws.Begin(ActionDelete)
	if err != nil {
		return view.Snapshot{}, err
	}
	defer release()

	page, err := accountPage(ctx, ws)
	if err != nil {
		return view.Snapshot{}, err
	}

	return page.Mutate(ctx, func(ctx context.Context, ident session.Identity, current model.Profile) error {
		if err := s.users.Delete(ctx, ident.Token, ident.UserID); err != nil {
			return record.WriteError("users.delete", err)
		}
		s.logger.Info("アカウントを削除しました", slog.String("session_id", ws.ID()))

		// セッションの消去でページは認証待ちになり、再取得は行われない
		if s.sessions != nil {
			if err := s.sessions.EndUserSessions(ctx, ident.UserID); err != nil {
				s.logger.Warn("セッションの削除に失敗しました", slog.String("error", err.Error()))
			}
		}
		ws.Holder().Clear()
		return nil
	})
}

// ExportData は表示中のプロフィールとレベル情報をエクスポートする。
// エクスポートの前にaudit_logsへ記録し、記録に失敗した場合はエクスポートしない。
func (s *Service) ExportData(ctx context.Context, ws *view.Workspace) (exp *Export, err error) {
	defer func() { metrics.Record(s.metrics, ActionExport, err) }()

	release, err := ws.Begin(ActionExport)
	if err != nil {
		return nil, err
	}
	defer release()

	page, err := accountPage(ctx, ws)
	if err != nil {
		return nil, err
	}
	p, table, ident, ok := page.Current()
	if !ok {
		return nil, model.ErrAuthRequired
	}

	body := map[string]any{"user": ident.UserID, "action": "export"}
	if _, err := s.auditLogs.Create(ctx, ident.Token, body, pocketbase.QueryOptions{}); err != nil {
		return nil, record.WriteError("audit_logs.create", err)
	}

	now := s.now()
	exp = &Export{
		ExportedAt: now.UTC(),
		Profile:    p,
		Stats:      stats.Compute(p, table, now, ws.Env().Location),
	}
	if lc, ok := table.Lookup(p.Level); ok {
		exp.Level = &lc
	}
	return exp, nil
}

// Filename はエクスポートファイル名を返す。
func (e *Export) Filename() string {
	return fmt.Sprintf("taskagency-export-%s-%s.json", e.Profile.ID, e.ExportedAt.Format("20060102"))
}
