package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// newTestRedis はテスト用のRedisクライアントを返す。接続できない場合はテストをスキップする。
func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("Redis に接続できないためスキップ: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisPreferenceRepo_ImplementsInterface(t *testing.T) {
	var _ PreferenceRepository = (*RedisPreferenceRepo)(nil)
}

func TestRedisPreferenceRepo_SetGetDelete(t *testing.T) {
	client := newTestRedis(t)
	repo := NewRedisPreferenceRepo(client)
	ctx := context.Background()
	userID := uuid.New().String()

	if _, ok, err := repo.Get(ctx, userID, "withdrawal_details"); err != nil || ok {
		t.Fatalf("未保存の値は見つからないべき: %v, %v", ok, err)
	}

	if err := repo.Set(ctx, userID, "withdrawal_details", []byte(`{"phone":"0712345678"}`), time.Minute); err != nil {
		t.Fatalf("Set がエラーを返した: %v", err)
	}
	got, ok, err := repo.Get(ctx, userID, "withdrawal_details")
	if err != nil || !ok || string(got) != `{"phone":"0712345678"}` {
		t.Errorf("Get = %q, %v, %v", got, ok, err)
	}

	ttl, err := client.TTL(ctx, "taskagency:prefs:"+userID+":withdrawal_details").Result()
	if err != nil || ttl <= 0 || ttl > time.Minute {
		t.Errorf("TTL = %v, %v", ttl, err)
	}

	if err := repo.Delete(ctx, userID, "withdrawal_details"); err != nil {
		t.Fatalf("Delete がエラーを返した: %v", err)
	}
	if _, ok, _ := repo.Get(ctx, userID, "withdrawal_details"); ok {
		t.Error("削除後は見つからないべき")
	}
}
