package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/taskagency/internal/model"
	"github.com/hitoshi/taskagency/internal/pocketbase"
	"github.com/hitoshi/taskagency/internal/record"
)

// restoreTimeout は保存済みセッションの復元にかける上限時間。
const restoreTimeout = 15 * time.Second

// Store はBFFセッションの永続化インターフェース。
// repository.PostgresSessionRepoが実装する。
type Store interface {
	Create(ctx context.Context, session *model.Session) error
	FindByID(ctx context.Context, id string) (*model.Session, error)
	UpdateAuth(ctx context.Context, id, token string, rec model.AuthRecord) error
	DeleteByID(ctx context.Context, id string) error
	DeleteByUserID(ctx context.Context, userID string) error
}

// Refresher はリモートストアのトークン更新を行うインターフェース。
// pocketbase.Clientが実装する。
type Refresher interface {
	AuthRefresh(ctx context.Context, token string) (*pocketbase.AuthResponse, error)
}

// Registry はBFFセッションIDからHolderを引き当てる。
// 永続化済みセッションを初めて読み込んだとき、トークンが有効ならリモートで更新する。
type Registry struct {
	store     Store
	refresher Refresher
	maxAge    time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	holders map[string]*Holder
	loads   singleflight.Group

	now func() time.Time
}

// NewRegistry はRegistryを生成する。
func NewRegistry(store Store, refresher Refresher, maxAge time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:     store,
		refresher: refresher,
		maxAge:    maxAge,
		logger:    logger,
		holders:   make(map[string]*Holder),
		now:       time.Now,
	}
}

// Login は新しいBFFセッションを作成し、認証結果を保存したHolderを返す。
func (r *Registry) Login(ctx context.Context, token string, rec model.AuthRecord) (*model.Session, *Holder, error) {
	now := r.now()
	sess := &model.Session{
		ID:        uuid.New().String(),
		UserID:    rec.ID,
		Token:     token,
		Record:    rec,
		ExpiresAt: now.Add(r.maxAge),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.Create(ctx, sess); err != nil {
		return nil, nil, fmt.Errorf("セッションの作成に失敗しました: %w", err)
	}

	h := r.newHolder()
	h.Save(token, rec)

	r.mu.Lock()
	r.holders[sess.ID] = h
	r.mu.Unlock()

	return sess, h, nil
}

// Load はセッションIDに対応するHolderを返す。
// 未知または期限切れのセッションの場合はnilを返す。
// 同じIDの同時読み込みは1回にまとめられる。
func (r *Registry) Load(ctx context.Context, id string) (*Holder, error) {
	if id == "" {
		return nil, nil
	}
	if h := r.cached(id); h != nil {
		return h, nil
	}

	// 復元は同じIDを待つ全員で共有するため、最初の呼び出し元のキャンセルから切り離す
	ch := r.loads.DoChan(id, func() (any, error) {
		if h := r.cached(id); h != nil {
			return h, nil
		}
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), restoreTimeout)
		defer cancel()
		h, err := r.restore(rctx, id)
		if err != nil || h == nil {
			return h, err
		}
		r.mu.Lock()
		r.holders[id] = h
		r.mu.Unlock()
		return h, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		h, _ := res.Val.(*Holder)
		return h, nil
	}
}

func (r *Registry) cached(id string) *Holder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.holders[id]
}

// restore は永続化済みセッションからHolderを復元する。
func (r *Registry) restore(ctx context.Context, id string) (*Holder, error) {
	sess, err := r.store.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("セッションの取得に失敗しました: %w", err)
	}
	if sess == nil {
		return nil, nil
	}

	h := r.newHolder()
	if !IsTokenValid(sess.Token, r.now()) {
		// 期限切れトークンは復元しない。ページは認証待ちとなる
		return h, nil
	}

	resp, err := r.refresher.AuthRefresh(ctx, sess.Token)
	switch {
	case err == nil:
		rec, decErr := decodeRecord(resp, sess.Record)
		if decErr != nil {
			return nil, decErr
		}
		h.Save(resp.Token, rec)
		if err := r.store.UpdateAuth(ctx, id, resp.Token, rec); err != nil {
			r.logger.Warn("更新したトークンの保存に失敗しました",
				slog.String("session_id", id),
				slog.String("error", err.Error()),
			)
		}
	case pocketbase.Classify(err) == pocketbase.ClassAuth:
		r.logger.Info("トークンが失効しているためセッションを破棄しました", slog.String("session_id", id))
		if err := r.store.DeleteByID(ctx, id); err != nil {
			r.logger.Warn("セッションの削除に失敗しました",
				slog.String("session_id", id),
				slog.String("error", err.Error()),
			)
		}
	case pocketbase.IsCancellation(err):
		return nil, err
	default:
		// 一時的な失敗では保存済みトークンをそのまま使う
		r.logger.Warn("トークンの更新に失敗しました",
			slog.String("session_id", id),
			slog.String("error", err.Error()),
		)
		h.Save(sess.Token, sess.Record)
	}
	return h, nil
}

// Refresh はセッションのトークンをリモートで更新する。
// リモートが認証エラーを返した場合はセッションを消去しErrAuthRequiredを返す。
func (r *Registry) Refresh(ctx context.Context, id string) error {
	h, err := r.Load(ctx, id)
	if err != nil {
		return err
	}
	if h == nil {
		return model.ErrAuthRequired
	}
	ident, ok := h.CurrentIdentity()
	if !ok {
		return model.ErrAuthRequired
	}

	resp, err := r.refresher.AuthRefresh(ctx, ident.Token)
	if err != nil {
		if pocketbase.Classify(err) == pocketbase.ClassAuth {
			h.Clear()
			if delErr := r.store.DeleteByID(ctx, id); delErr != nil {
				r.logger.Warn("セッションの削除に失敗しました",
					slog.String("session_id", id),
					slog.String("error", delErr.Error()),
				)
			}
			return model.ErrAuthRequired
		}
		return record.ReadError("users.authRefresh", err)
	}

	rec, err := decodeRecord(resp, model.AuthRecord{ID: ident.UserID, Username: ident.Username})
	if err != nil {
		return err
	}
	if err := r.store.UpdateAuth(ctx, id, resp.Token, rec); err != nil {
		return fmt.Errorf("更新したトークンの保存に失敗しました: %w", err)
	}
	h.Save(resp.Token, rec)
	return nil
}

// Replace はセッションの認証情報を新しいトークンで置き換える。
// パスワード変更後の再認証で使う。
func (r *Registry) Replace(ctx context.Context, id, token string, rec model.AuthRecord) error {
	h, err := r.Load(ctx, id)
	if err != nil {
		return err
	}
	if h == nil {
		return model.ErrAuthRequired
	}
	if err := r.store.UpdateAuth(ctx, id, token, rec); err != nil {
		return fmt.Errorf("認証情報の保存に失敗しました: %w", err)
	}
	h.Save(token, rec)
	return nil
}

// Logout はセッションのトークンを消去し、永続化済みセッションを削除する。
func (r *Registry) Logout(ctx context.Context, id string) error {
	r.mu.Lock()
	h := r.holders[id]
	delete(r.holders, id)
	r.mu.Unlock()

	if h != nil {
		h.Clear()
	}
	if err := r.store.DeleteByID(ctx, id); err != nil {
		return fmt.Errorf("セッションの削除に失敗しました: %w", err)
	}
	return nil
}

// EndUserSessions はユーザーの全セッションを消去する。アカウント削除後に使う。
func (r *Registry) EndUserSessions(ctx context.Context, userID string) error {
	r.mu.Lock()
	var targets []*Holder
	for id, h := range r.holders {
		if ident, ok := h.CurrentIdentity(); ok && ident.UserID == userID {
			targets = append(targets, h)
			delete(r.holders, id)
		}
	}
	r.mu.Unlock()

	for _, h := range targets {
		h.Clear()
	}
	if err := r.store.DeleteByUserID(ctx, userID); err != nil {
		return fmt.Errorf("ユーザーセッションの削除に失敗しました: %w", err)
	}
	return nil
}

// Forget はメモリ上のHolderを破棄する。永続化済みセッションは変更しない。
func (r *Registry) Forget(id string) {
	r.mu.Lock()
	delete(r.holders, id)
	r.mu.Unlock()
}

func (r *Registry) newHolder() *Holder {
	h := NewHolder()
	h.now = r.now
	return h
}

// decodeRecord はトークン更新レスポンスのrecordをデコードする。
// recordが含まれない場合はfallbackを使う。
func decodeRecord(resp *pocketbase.AuthResponse, fallback model.AuthRecord) (model.AuthRecord, error) {
	if len(resp.Record) == 0 {
		return fallback, nil
	}
	return record.DecodeAuthRecord(resp.Record)
}
