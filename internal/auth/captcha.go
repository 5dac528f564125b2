package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultCaptchaTTL は認証コードの有効期間。
const DefaultCaptchaTTL = 5 * time.Minute

const (
	captchaLength   = 6
	captchaAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	captchaKeyFmt   = "taskagency:captcha:%s"
)

// ErrCaptchaMismatch は認証コードが一致しない、または期限切れであることを示す。
var ErrCaptchaMismatch = errors.New("captcha mismatch")

// Captcha は会員登録フォームに表示する認証コード。
type Captcha struct {
	ID        string    `json:"id"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// CaptchaStore は発行した認証コードを保持するインターフェース。
// Takeは一度だけ値を返し、同時に削除する。
type CaptchaStore interface {
	Save(ctx context.Context, id, code string, ttl time.Duration) error
	Take(ctx context.Context, id string) (string, bool, error)
}

// generateCaptchaCode は英大文字と数字からなる認証コードを生成する。
func generateCaptchaCode() (string, error) {
	max := big.NewInt(int64(len(captchaAlphabet)))
	var b strings.Builder
	for i := 0; i < captchaLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(captchaAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// newCaptcha は認証コードを生成して保存する。
func newCaptcha(ctx context.Context, store CaptchaStore, ttl time.Duration, now time.Time) (*Captcha, error) {
	code, err := generateCaptchaCode()
	if err != nil {
		return nil, fmt.Errorf("failed to generate captcha: %w", err)
	}
	c := &Captcha{ID: uuid.New().String(), Code: code, ExpiresAt: now.Add(ttl)}
	if err := store.Save(ctx, c.ID, c.Code, ttl); err != nil {
		return nil, fmt.Errorf("failed to save captcha: %w", err)
	}
	return c, nil
}

// verifyCaptcha は認証コードを照合する。照合の成否にかかわらずコードは無効になる。
// 大文字・小文字は区別しない。
func verifyCaptcha(ctx context.Context, store CaptchaStore, id, answer string) error {
	if id == "" || strings.TrimSpace(answer) == "" {
		return ErrCaptchaMismatch
	}
	code, ok, err := store.Take(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load captcha: %w", err)
	}
	if !ok || !strings.EqualFold(code, strings.TrimSpace(answer)) {
		return ErrCaptchaMismatch
	}
	return nil
}

// RedisCaptchaStore はRedisに認証コードを保存するCaptchaStoreの実装。
type RedisCaptchaStore struct {
	client *redis.Client
}

// NewRedisCaptchaStore はRedisCaptchaStoreを生成する。
func NewRedisCaptchaStore(client *redis.Client) *RedisCaptchaStore {
	return &RedisCaptchaStore{client: client}
}

// Save は認証コードをTTL付きで保存する。
func (s *RedisCaptchaStore) Save(ctx context.Context, id, code string, ttl time.Duration) error {
	return s.client.Set(ctx, fmt.Sprintf(captchaKeyFmt, id), code, ttl).Err()
}

// Take は認証コードを取得して削除する。存在しない場合はfalseを返す。
func (s *RedisCaptchaStore) Take(ctx context.Context, id string) (string, bool, error) {
	code, err := s.client.GetDel(ctx, fmt.Sprintf(captchaKeyFmt, id)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return code, true, nil
}
