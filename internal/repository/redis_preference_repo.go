package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// preferenceKeyFmt はユーザー設定のキー形式（ユーザーID, キー）。
const preferenceKeyFmt = "taskagency:prefs:%s:%s"

// RedisPreferenceRepo はRedisを使用したユーザー設定リポジトリ。
type RedisPreferenceRepo struct {
	client *redis.Client
}

// NewRedisPreferenceRepo はRedisPreferenceRepoを生成する。
func NewRedisPreferenceRepo(client *redis.Client) *RedisPreferenceRepo {
	return &RedisPreferenceRepo{client: client}
}

// Get は値を取得する。存在しない場合はfalseを返す。
func (r *RedisPreferenceRepo) Get(ctx context.Context, userID, key string) ([]byte, bool, error) {
	data, err := r.client.Get(ctx, fmt.Sprintf(preferenceKeyFmt, userID, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get preference: %w", err)
	}
	return data, true, nil
}

// Set は値をTTL付きで保存する。
func (r *RedisPreferenceRepo) Set(ctx context.Context, userID, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, fmt.Sprintf(preferenceKeyFmt, userID, key), value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set preference: %w", err)
	}
	return nil
}

// Delete は値を削除する。
func (r *RedisPreferenceRepo) Delete(ctx context.Context, userID, key string) error {
	if err := r.client.Del(ctx, fmt.Sprintf(preferenceKeyFmt, userID, key)).Err(); err != nil {
		return fmt.Errorf("failed to delete preference: %w", err)
	}
	return nil
}

// compile-time interface check
var _ PreferenceRepository = (*RedisPreferenceRepo)(nil)
