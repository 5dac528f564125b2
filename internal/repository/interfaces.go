// Package repository はデータ永続化のインターフェースと実装を提供する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/taskagency/internal/model"
)

// SessionRepository はBFFセッションの永続化インターフェース。
// session.Storeを包含する。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// UpdateAuth はセッションのトークンと認証レコードを更新する。
	UpdateAuth(ctx context.Context, id, token string, rec model.AuthRecord) error
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
	// DeleteExpiredBefore は指定時刻より前に期限切れとなったセッションを削除し、削除件数を返す。
	DeleteExpiredBefore(ctx context.Context, before time.Time) (int64, error)
}

// PreferenceRepository はユーザー単位の設定値を保存するキーバリューストア。
// withdrawal.KVを満たす。
type PreferenceRepository interface {
	// Get は値を取得する。存在しない場合はfalseを返す。
	Get(ctx context.Context, userID, key string) ([]byte, bool, error)
	// Set は値をTTL付きで保存する。
	Set(ctx context.Context, userID, key string, value []byte, ttl time.Duration) error
	// Delete は値を削除する。
	Delete(ctx context.Context, userID, key string) error
}
