package withdrawal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hitoshi/taskagency/internal/model"
)

// DefaultRememberTTL は記憶した入力内容の保持期間。
const DefaultRememberTTL = 90 * 24 * time.Hour

const detailsKey = "withdrawal_details"

// KV はユーザー単位のキーバリューストアのインターフェース。
// repository.RedisPreferenceRepoが実装する。
type KV interface {
	Get(ctx context.Context, userID, key string) ([]byte, bool, error)
	Set(ctx context.Context, userID, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, userID, key string) error
}

// PreferenceStore は出金フォームの「入力内容を記憶する」を扱う。
type PreferenceStore struct {
	kv  KV
	ttl time.Duration
}

// NewPreferenceStore はPreferenceStoreを生成する。ttlが0以下の場合はDefaultRememberTTLを使う。
func NewPreferenceStore(kv KV, ttl time.Duration) *PreferenceStore {
	if ttl <= 0 {
		ttl = DefaultRememberTTL
	}
	return &PreferenceStore{kv: kv, ttl: ttl}
}

// Details は記憶された入力内容を返す。記憶されていない場合はnilを返す。
func (s *PreferenceStore) Details(ctx context.Context, userID string) (*model.WithdrawalDetails, error) {
	raw, ok, err := s.kv.Get(ctx, userID, detailsKey)
	if err != nil {
		return nil, fmt.Errorf("get withdrawal details: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var d model.WithdrawalDetails
	if err := json.Unmarshal(raw, &d); err != nil {
		// 壊れた値は記憶されていないものとして扱う
		return nil, nil
	}
	return &d, nil
}

// Remember は入力内容を保存する。
func (s *PreferenceStore) Remember(ctx context.Context, userID string, d model.WithdrawalDetails) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal withdrawal details: %w", err)
	}
	if err := s.kv.Set(ctx, userID, detailsKey, raw, s.ttl); err != nil {
		return fmt.Errorf("save withdrawal details: %w", err)
	}
	return nil
}

// Forget は記憶された入力内容を削除する。
func (s *PreferenceStore) Forget(ctx context.Context, userID string) error {
	if err := s.kv.Delete(ctx, userID, detailsKey); err != nil {
		return fmt.Errorf("delete withdrawal details: %w", err)
	}
	return nil
}
