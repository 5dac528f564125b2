// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, remote, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeAuthRequired      = "AUTH_REQUIRED"
	ErrCodeValidation        = "VALIDATION_FAILED"
	ErrCodeRemoteFailure     = "REMOTE_FAILURE"
	ErrCodeRemoteRejection   = "REMOTE_REJECTION"
	ErrCodeSchemaMismatch    = "SCHEMA_MISMATCH"
	ErrCodeBusy              = "ACTION_IN_PROGRESS"
	ErrCodeNoChanges         = "NO_CHANGES"
	ErrCodePageNotFound      = "PAGE_NOT_FOUND"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeInvalidRequest    = "INVALID_REQUEST"
	ErrCodeCaptchaMismatch   = "CAPTCHA_MISMATCH"
	ErrCodeCSRFFailed        = "CSRF_FAILED"
	ErrCodeRateLimited       = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal          = "INTERNAL_ERROR"
)

// 分類用のセンチネルエラー。
// errors.Isで判定する。
var (
	// ErrAuthRequired は有効なセッションが存在しないことを示す。
	// エラー表示ではなくログイン誘導として扱う。
	ErrAuthRequired = errors.New("auth required")

	// ErrCancelled は後続のフェッチにより結果が破棄されたことを示す。
	// 画面状態を変更してはならない。
	ErrCancelled = errors.New("fetch cancelled")

	// ErrConfigurationGap はプロフィールのレベルがレベル表に存在しないことを示す。
	ErrConfigurationGap = errors.New("level configuration gap")

	// ErrBusy は同一操作が処理中であることを示す（二重送信防止）。
	ErrBusy = errors.New("action already in progress")

	// ErrNoChanges はプロフィール更新に差分がないことを示す。
	ErrNoChanges = errors.New("no changes to save")
)

// RemoteFailure はリモートストアへの読み取りが一時的に失敗したことを表す。
// 自動リトライの上限に達した後に呼び出し元へ返される。
type RemoteFailure struct {
	Op       string // 失敗した操作（例: "users.getOne"）
	Attempts int    // 試行回数
	Err      error  // 最後に発生したエラー
}

// Error はerrorインターフェースを実装する。
func (e *RemoteFailure) Error() string {
	return fmt.Sprintf("remote failure: %s after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

// Unwrap は原因エラーを返す。
func (e *RemoteFailure) Unwrap() error {
	return e.Err
}

// RemoteRejection はリモートストアが書き込みを拒否したことを表す。
// Messageはリモートから返されたメッセージをそのまま保持する。
type RemoteRejection struct {
	Op      string
	Status  int
	Message string
	Fields  map[string]string
}

// Error はerrorインターフェースを実装する。
func (e *RemoteRejection) Error() string {
	return fmt.Sprintf("remote rejected %s (%d): %s", e.Op, e.Status, e.Message)
}

// ValidationError はクライアント側の事前検証エラーを表す。
// Fieldsはフィールド名からエラーメッセージへのマップ。
type ValidationError struct {
	Fields map[string]string
}

// Error はerrorインターフェースを実装する。
func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + e.Fields[k]
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Add はフィールドエラーを追加する。同じフィールドの最初のエラーを優先する。
func (e *ValidationError) Add(field, message string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	if _, exists := e.Fields[field]; !exists {
		e.Fields[field] = message
	}
}

// OrNil はフィールドエラーが1件もなければnilを返す。
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

// SchemaMismatch はリモートレコードが想定スキーマと一致しないことを表す。
type SchemaMismatch struct {
	Collection string
	Field      string
	Expected   string
	Got        string
}

// Error はerrorインターフェースを実装する。
func (e *SchemaMismatch) Error() string {
	return fmt.Sprintf("schema mismatch in %s.%s: expected %s, got %s", e.Collection, e.Field, e.Expected, e.Got)
}

// NewAuthRequiredError は未認証エラーを生成する。
func NewAuthRequiredError() *APIError {
	return &APIError{
		Code:     ErrCodeAuthRequired,
		Message:  "ログインが必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewValidationAPIError は入力検証エラーを生成する。
func NewValidationAPIError(v *ValidationError) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  v.Error(),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewRemoteFailureError はリモートストアへの接続失敗エラーを生成する。
func NewRemoteFailureError() *APIError {
	return &APIError{
		Code:     ErrCodeRemoteFailure,
		Message:  "サーバーからデータを取得できませんでした。",
		Category: "remote",
		Action:   "しばらく待ってから「再試行」を押してください。",
	}
}

// NewRemoteRejectionError はリモートストアによる書き込み拒否エラーを生成する。
// メッセージはリモートから返されたものをそのまま使う。
func NewRemoteRejectionError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeRemoteRejection,
		Message:  message,
		Category: "remote",
		Action:   "入力内容を確認して再度お試しください。",
	}
}

// NewSchemaMismatchError はレコード形式不一致エラーを生成する。
func NewSchemaMismatchError() *APIError {
	return &APIError{
		Code:     ErrCodeSchemaMismatch,
		Message:  "サーバーから予期しない形式のデータを受信しました。",
		Category: "system",
		Action:   "時間をおいて再度お試しください。解決しない場合はサポートに連絡してください。",
	}
}

// NewBusyError は二重送信エラーを生成する。
func NewBusyError() *APIError {
	return &APIError{
		Code:     ErrCodeBusy,
		Message:  "同じ操作を処理中です。",
		Category: "validation",
		Action:   "処理が完了するまでお待ちください。",
	}
}

// NewNoChangesError は更新差分なしエラーを生成する。
func NewNoChangesError() *APIError {
	return &APIError{
		Code:     ErrCodeNoChanges,
		Message:  "変更された項目がありません。",
		Category: "validation",
		Action:   "変更したい項目を編集してから保存してください。",
	}
}

// NewPageNotFoundError は未定義ページエラーを生成する。
func NewPageNotFoundError(name string) *APIError {
	return &APIError{
		Code:     ErrCodePageNotFound,
		Message:  fmt.Sprintf("指定されたページは存在しません: %s", name),
		Category: "validation",
		Action:   "home、dashboard、account、profit のいずれかを指定してください。",
	}
}

// NewInvalidTransitionError は画面状態遷移エラーを生成する。
func NewInvalidTransitionError(from, to string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidTransition,
		Message:  fmt.Sprintf("現在の状態（%s）から %s へは遷移できません。", from, to),
		Category: "validation",
		Action:   "画面を再読み込みしてください。",
	}
}

// NewInvalidRequestError はリクエストボディ解析エラーを生成する。
func NewInvalidRequestError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  "リクエストボディの解析に失敗しました。",
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}

// NewCaptchaMismatchError は認証コード不一致エラーを生成する。
func NewCaptchaMismatchError() *APIError {
	return &APIError{
		Code:     ErrCodeCaptchaMismatch,
		Message:  "認証コードが正しくありません。",
		Category: "validation",
		Action:   "新しい認証コードを取得して再入力してください。",
	}
}

// NewCSRFError はCSRFトークン検証エラーを生成する。
func NewCSRFError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRFFailed,
		Message:  "CSRFトークンの検証に失敗しました。",
		Category: "auth",
		Action:   "画面を再読み込みしてから再度お試しください。",
	}
}

// NewRateLimitedError はレート制限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログにのみ記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
