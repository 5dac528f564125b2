// Package profile はログインユーザーのプロフィールを取得するフェッチャーを提供する。
// 新しいフェッチを開始すると実行中のフェッチはキャンセルされ、その結果は破棄される。
package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/taskagency/internal/model"
	"github.com/hitoshi/taskagency/internal/pocketbase"
	"github.com/hitoshi/taskagency/internal/record"
	"github.com/hitoshi/taskagency/internal/session"
)

// フェッチ結果の分類（メトリクスのラベル値）
const (
	OutcomeSuccess        = "success"
	OutcomeCancelled      = "cancelled"
	OutcomeAuthRequired   = "auth_required"
	OutcomeRemoteFailure  = "remote_failure"
	OutcomeSchemaMismatch = "schema_mismatch"
)

// Loader は1ユーザーのプロフィールを読み込むインターフェース。
type Loader interface {
	LoadProfile(ctx context.Context, ident session.Identity) (*model.Profile, error)
}

// RemoteLoader はリモートストアのusersコレクションからプロフィールを読み込む。
type RemoteLoader struct {
	users  *pocketbase.RecordService
	expand string
}

// NewRemoteLoader はRemoteLoaderを生成する。expandは空でもよい。
func NewRemoteLoader(client *pocketbase.Client, expand string) *RemoteLoader {
	return &RemoteLoader{
		users:  client.Collection(record.CollectionUsers),
		expand: expand,
	}
}

// LoadProfile はIDに対応するusersレコードを取得し、スキーマを検証してデコードする。
func (l *RemoteLoader) LoadProfile(ctx context.Context, ident session.Identity) (*model.Profile, error) {
	raw, err := l.users.GetOne(ctx, ident.Token, ident.UserID, pocketbase.QueryOptions{Expand: l.expand})
	if err != nil {
		return nil, err
	}
	return record.DecodeProfile(raw)
}

// Metrics はフェッチの計測を受け取るインターフェース。
type Metrics interface {
	RecordProfileFetch(outcome string)
	RecordProfileFetchRetry()
}

// Config はFetcherの設定。
type Config struct {
	Loader  Loader
	Policy  pocketbase.RetryPolicy
	Metrics Metrics
	Logger  *slog.Logger
}

// Fetcher は1つの利用者（ページ）に対するプロフィール取得を管理する。
// 有効なフェッチは常に最新の1件のみで、古いフェッチの結果はErrCancelledとして返される。
type Fetcher struct {
	loader  Loader
	policy  pocketbase.RetryPolicy
	metrics Metrics
	logger  *slog.Logger

	mu     sync.Mutex
	seq    uint64
	cancel context.CancelFunc
}

// NewFetcher はFetcherを生成する。
func NewFetcher(cfg Config) *Fetcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		loader:  cfg.Loader,
		policy:  cfg.Policy,
		metrics: cfg.Metrics,
		logger:  logger,
	}
}

// Fetch はプロフィールを取得する。
// 実行中の前回のフェッチはキャンセルされる。取得中にFetchまたはCancelが呼ばれた場合、
// 結果は成功・失敗に関わらず破棄されmodel.ErrCancelledを返す。
// 一時的な失敗はリトライポリシーに従って再試行し、上限に達すると*model.RemoteFailureを返す。
// IDが無効、またはリモートが401/403/404を返した場合はmodel.ErrAuthRequiredを返す。
func (f *Fetcher) Fetch(ctx context.Context, ident session.Identity) (*model.Profile, error) {
	fctx, cancel := context.WithCancel(ctx)

	f.mu.Lock()
	if f.cancel != nil {
		f.cancel()
	}
	f.seq++
	seq := f.seq
	f.cancel = cancel
	f.mu.Unlock()

	p, err := f.run(fctx, ident)

	f.mu.Lock()
	current := f.seq == seq
	if current {
		f.cancel = nil
	}
	f.mu.Unlock()
	cancel()

	if !current {
		f.observe(OutcomeCancelled)
		return nil, model.ErrCancelled
	}
	f.observe(outcomeOf(err))
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Cancel は実行中のフェッチをキャンセルし、その結果を破棄させる。
func (f *Fetcher) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
}

func (f *Fetcher) run(ctx context.Context, ident session.Identity) (*model.Profile, error) {
	if ident.UserID == "" || ident.Token == "" {
		return nil, model.ErrAuthRequired
	}

	for attempt := 1; ; attempt++ {
		p, err := f.loader.LoadProfile(ctx, ident)
		if err == nil {
			return p, nil
		}
		if pocketbase.IsCancellation(err) || ctx.Err() != nil {
			return nil, model.ErrCancelled
		}

		var mismatch *model.SchemaMismatch
		if errors.As(err, &mismatch) {
			f.logger.Error("プロフィールのスキーマが一致しません",
				slog.String("user_id", ident.UserID),
				slog.String("error", err.Error()),
			)
			return nil, err
		}

		switch pocketbase.Classify(err) {
		case pocketbase.ClassAuth, pocketbase.ClassNotFound:
			return nil, fmt.Errorf("%w: %v", model.ErrAuthRequired, err)
		case pocketbase.ClassRetryable:
			delay, ok := f.policy.Delay(attempt)
			if !ok {
				f.logger.Warn("プロフィール取得のリトライ上限に達しました",
					slog.String("user_id", ident.UserID),
					slog.Int("attempts", attempt),
					slog.String("error", err.Error()),
				)
				return nil, &model.RemoteFailure{Op: "users.getOne", Attempts: attempt, Err: err}
			}
			f.logger.Info("プロフィール取得をリトライします",
				slog.String("user_id", ident.UserID),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
			)
			if f.metrics != nil {
				f.metrics.RecordProfileFetchRetry()
			}
			if !sleep(ctx, delay) {
				return nil, model.ErrCancelled
			}
		default:
			return nil, &model.RemoteFailure{Op: "users.getOne", Attempts: attempt, Err: err}
		}
	}
}

func (f *Fetcher) observe(outcome string) {
	if f.metrics != nil {
		f.metrics.RecordProfileFetch(outcome)
	}
}

// sleep はdの経過またはコンテキストのキャンセルまで待つ。キャンセルされた場合はfalseを返す。
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func outcomeOf(err error) string {
	var mismatch *model.SchemaMismatch
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, model.ErrCancelled):
		return OutcomeCancelled
	case errors.Is(err, model.ErrAuthRequired):
		return OutcomeAuthRequired
	case errors.As(err, &mismatch):
		return OutcomeSchemaMismatch
	default:
		return OutcomeRemoteFailure
	}
}
