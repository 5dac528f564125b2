package view

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/taskagency/internal/level"
	"github.com/hitoshi/taskagency/internal/model"
	"github.com/hitoshi/taskagency/internal/pocketbase"
	"github.com/hitoshi/taskagency/internal/profile"
	"github.com/hitoshi/taskagency/internal/record"
	"github.com/hitoshi/taskagency/internal/session"
	"github.com/hitoshi/taskagency/internal/stats"
)

// State は画面の状態。
type State string

const (
	StateLoading      State = "loading"
	StateReady        State = "ready"
	StateAuthRequired State = "authRequired"
	StateError        State = "error"
	StateEditing      State = "editing"
	StateSaving       State = "saving"
)

// TransitionError は許可されていない状態遷移を表す。
type TransitionError struct {
	From State
	To   State
}

// Error はerrorインターフェースを実装する。
func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s -> %s", e.From, e.To)
}

// WithdrawalLister はユーザー自身の出金リクエスト一覧を返すインターフェース。
// withdrawal.Serviceが実装する。
type WithdrawalLister interface {
	ListWithdrawals(ctx context.Context, ident session.Identity) ([]model.Withdrawal, error)
}

// Env は画面が利用する依存関係。
type Env struct {
	Loader         profile.Loader
	Policy         pocketbase.RetryPolicy
	Metrics        profile.Metrics
	Levels         level.Source
	Withdrawals    WithdrawalLister
	Location       *time.Location
	ReferralBase   string
	StaleOnFailure bool // 取得失敗時に直前のデータを古いデータとして残すか
	Logger         *slog.Logger
	Now            func() time.Time
}

func (e Env) withDefaults() Env {
	if e.Logger == nil {
		e.Logger = slog.Default()
	}
	if e.Location == nil {
		e.Location = time.UTC
	}
	if e.Now == nil {
		e.Now = time.Now
	}
	if e.Levels == nil {
		e.Levels = level.DefaultSource()
	}
	return e
}

// ProfileForm はプロフィール編集フォームの値。
type ProfileForm struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
}

// ErrorView は画面に表示するエラー。
type ErrorView struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Action    string `json:"action"`
	Retryable bool   `json:"retryable"`
}

// Snapshot は画面状態の不変なコピー。
type Snapshot struct {
	Page         PageName            `json:"page"`
	State        State               `json:"state"`
	Version      uint64              `json:"version"`
	Profile      *model.Profile      `json:"profile,omitempty"`
	Stats        *stats.Stats        `json:"stats,omitempty"`
	ReferralLink string              `json:"referralLink,omitempty"`
	Withdrawals  []model.Withdrawal  `json:"withdrawals,omitempty"`
	Levels       []model.LevelConfig `json:"levels,omitempty"`
	Form         *ProfileForm        `json:"form,omitempty"`
	Error        *ErrorView          `json:"error,omitempty"`
	Stale        bool                `json:"stale"`
	Refreshing   bool                `json:"refreshing"`
}

// Page は1画面の状態機械。
// 初期状態はloadingで、セッションホルダーの変更通知を購読する。
// 取得結果は発行順の番号と比較し、より新しい取得が発行されていれば破棄する。
type Page struct {
	cfg     PageConfig
	env     Env
	holder  *session.Holder
	fetcher *profile.Fetcher

	unsubscribe func()

	mu          sync.Mutex
	state       State
	seq         uint64
	userID      string
	profile     *model.Profile
	table       level.Table
	withdrawals []model.Withdrawal
	err         error
	stale       bool
	refreshing  bool
	form        *ProfileForm
	closed      bool
}

// NewPage は画面を生成し、セッションホルダーの変更通知を購読する。
// 不要になったらCloseで購読を解除すること。
func NewPage(cfg PageConfig, holder *session.Holder, env Env) *Page {
	env = env.withDefaults()
	p := &Page{
		cfg:    cfg,
		env:    env,
		holder: holder,
		fetcher: profile.NewFetcher(profile.Config{
			Loader:  env.Loader,
			Policy:  env.Policy,
			Metrics: env.Metrics,
			Logger:  env.Logger,
		}),
		state: StateLoading,
	}
	p.unsubscribe = holder.Subscribe(p.onSessionEvent)
	return p
}

// Config は画面の構成を返す。
func (p *Page) Config() PageConfig {
	return p.cfg
}

// Close は購読を解除し、実行中の取得をキャンセルする。
func (p *Page) Close() {
	p.unsubscribe()
	p.fetcher.Cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.seq++
}

func (p *Page) onSessionEvent(ev session.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	switch ev.Type {
	case session.EventLogout:
		p.invalidateLocked()
		p.toAuthRequiredLocked()
	case session.EventLogin:
		// 別ユーザーのデータを表示し続けないよう、取得し直すまでloadingに戻す
		if p.state == StateAuthRequired || p.userID != ev.Identity.UserID {
			p.invalidateLocked()
			p.clearDataLocked()
			p.state = StateLoading
		}
	case session.EventRefresh:
		// 同一ユーザーのトークン更新では画面状態を変更しない
	}
}

// invalidateLocked は実行中の取得を破棄させる。
func (p *Page) invalidateLocked() {
	p.seq++
	p.fetcher.Cancel()
	p.refreshing = false
}

func (p *Page) toAuthRequiredLocked() {
	p.clearDataLocked()
	p.state = StateAuthRequired
}

func (p *Page) clearDataLocked() {
	p.userID = ""
	p.profile = nil
	p.table = level.Table{}
	p.withdrawals = nil
	p.err = nil
	p.stale = false
	p.form = nil
}

// Snapshot は現在の画面状態を返す。
func (p *Page) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *Page) snapshotLocked() Snapshot {
	snap := Snapshot{
		Page:       p.cfg.Name,
		State:      p.state,
		Version:    p.seq,
		Stale:      p.stale,
		Refreshing: p.refreshing,
	}
	if p.err != nil {
		snap.Error = errorView(p.err)
	}
	if p.form != nil {
		f := *p.form
		snap.Form = &f
	}
	if p.profile == nil {
		return snap
	}

	prof := *p.profile
	snap.Profile = &prof
	if p.cfg.Has(SectionStats) {
		s := stats.Compute(prof, p.table, p.env.Now(), p.env.Location)
		snap.Stats = &s
	}
	if p.cfg.Has(SectionReferral) && p.env.ReferralBase != "" {
		snap.ReferralLink = stats.ReferralLink(p.env.ReferralBase, prof.Username)
	}
	if p.cfg.Has(SectionWithdrawals) {
		snap.Withdrawals = append([]model.Withdrawal(nil), p.withdrawals...)
	}
	if p.cfg.Has(SectionLevels) {
		snap.Levels = p.table.Levels()
	}
	return snap
}

// Load は画面のデータを取得する（画面のマウントおよび再試行）。
// 編集中・保存中は取得せず現在の状態を返す。
// IDがない場合は取得せずauthRequiredとなる。
func (p *Page) Load(ctx context.Context) Snapshot {
	p.mu.Lock()
	if p.closed || p.state == StateEditing || p.state == StateSaving {
		snap := p.snapshotLocked()
		p.mu.Unlock()
		return snap
	}
	seq, ident, ok := p.beginFetchLocked()
	p.mu.Unlock()
	if !ok {
		return p.Snapshot()
	}
	return p.fetchAndApply(ctx, seq, ident)
}

// beginFetchLocked は新しい取得番号を発行する。IDがない場合はauthRequiredに遷移しfalseを返す。
func (p *Page) beginFetchLocked() (uint64, session.Identity, bool) {
	ident, ok := p.holder.CurrentIdentity()
	if !ok {
		p.invalidateLocked()
		p.toAuthRequiredLocked()
		return 0, session.Identity{}, false
	}
	if p.userID != "" && p.userID != ident.UserID {
		p.clearDataLocked()
	}

	p.seq++
	if p.profile == nil {
		p.state = StateLoading
	} else {
		p.refreshing = true
	}
	return p.seq, ident, true
}

type loadResult struct {
	profile     *model.Profile
	table       level.Table
	withdrawals []model.Withdrawal
}

func (p *Page) fetchAndApply(ctx context.Context, seq uint64, ident session.Identity) Snapshot {
	res, err := p.fetch(ctx, ident)

	p.mu.Lock()
	defer p.mu.Unlock()

	if seq != p.seq || p.closed {
		// より新しい取得またはセッション変更により破棄された
		return p.snapshotLocked()
	}
	p.refreshing = false

	switch {
	case err == nil:
		p.userID = ident.UserID
		p.profile = res.profile
		p.table = res.table
		p.withdrawals = res.withdrawals
		p.err = nil
		p.stale = false
		p.state = StateReady
	case errors.Is(err, model.ErrCancelled):
		// 呼び出し元によるキャンセル。エラー状態にせず、表示中のデータも消さない
	case errors.Is(err, model.ErrAuthRequired):
		p.toAuthRequiredLocked()
	default:
		p.env.Logger.Warn("画面データの取得に失敗しました",
			slog.String("page", string(p.cfg.Name)),
			slog.String("user_id", ident.UserID),
			slog.String("error", err.Error()),
		)
		p.err = err
		p.state = StateError
		p.form = nil
		if p.env.StaleOnFailure && p.profile != nil {
			p.stale = true
		} else {
			p.profile = nil
			p.withdrawals = nil
			p.stale = false
		}
	}
	return p.snapshotLocked()
}

// fetch はプロフィールを取得し、続けてレベル表と出金履歴を並行して取得する。
func (p *Page) fetch(ctx context.Context, ident session.Identity) (loadResult, error) {
	prof, err := p.fetcher.Fetch(ctx, ident)
	if err != nil {
		return loadResult{}, err
	}

	res := loadResult{profile: prof}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t, err := p.env.Levels.Table(gctx)
		if err != nil {
			return err
		}
		res.table = t
		return nil
	})
	if p.cfg.Has(SectionWithdrawals) && p.env.Withdrawals != nil {
		g.Go(func() error {
			ws, err := p.env.Withdrawals.ListWithdrawals(gctx, ident)
			if err != nil {
				return err
			}
			res.withdrawals = ws
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil || pocketbase.IsCancellation(err) {
			return loadResult{}, model.ErrCancelled
		}
		return loadResult{}, classifyLoadError(err)
	}
	return res, nil
}

// classifyLoadError はプロフィール以外の読み取り失敗をエラー分類に変換する。
func classifyLoadError(err error) error {
	return record.ReadError("page.load", err)
}

// BeginEdit はready状態から編集状態へ遷移し、フォームに現在値を設定する。
func (p *Page) BeginEdit() (Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.cfg.Editable || p.state != StateReady || p.profile == nil {
		return p.snapshotLocked(), &TransitionError{From: p.state, To: StateEditing}
	}
	p.form = &ProfileForm{
		Username: p.profile.Username,
		Email:    p.profile.Mail,
		Phone:    p.profile.Phone,
	}
	p.state = StateEditing
	return p.snapshotLocked(), nil
}

// CancelEdit は編集を取り消してready状態へ戻る。フォームの値は破棄される。
func (p *Page) CancelEdit() (Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateEditing {
		return p.snapshotLocked(), &TransitionError{From: p.state, To: StateReady}
	}
	p.form = nil
	p.state = StateReady
	return p.snapshotLocked(), nil
}

// MutateFunc はリモートへの書き込みを1回行う関数。
// currentは書き込み前の表示中プロフィールのコピー。
type MutateFunc func(ctx context.Context, ident session.Identity, current model.Profile) error

// Mutate はready・editing状態からsaving状態へ遷移して書き込みを実行する。
// 成功した場合はプロフィールを取得し直し、その結果でready・errorへ遷移する。
// 失敗した場合は書き込み前の状態に戻り、表示中のデータは変更しない。
func (p *Page) Mutate(ctx context.Context, fn MutateFunc) (Snapshot, error) {
	p.mu.Lock()
	if p.state != StateReady && p.state != StateEditing {
		snap := p.snapshotLocked()
		from := p.state
		p.mu.Unlock()
		if from == StateAuthRequired {
			return snap, model.ErrAuthRequired
		}
		return snap, &TransitionError{From: from, To: StateSaving}
	}
	ident, ok := p.holder.CurrentIdentity()
	if !ok || p.profile == nil {
		p.invalidateLocked()
		p.toAuthRequiredLocked()
		snap := p.snapshotLocked()
		p.mu.Unlock()
		return snap, model.ErrAuthRequired
	}
	prev := p.state
	current := *p.profile
	p.state = StateSaving
	seq := p.seq
	p.mu.Unlock()

	if err := fn(ctx, ident, current); err != nil {
		p.mu.Lock()
		if p.seq == seq && p.state == StateSaving {
			p.state = prev
		}
		snap := p.snapshotLocked()
		p.mu.Unlock()
		return snap, err
	}

	p.mu.Lock()
	if p.seq != seq || p.state != StateSaving {
		// 書き込み中にログアウトされた
		snap := p.snapshotLocked()
		p.mu.Unlock()
		return snap, nil
	}
	p.form = nil
	p.state = StateReady
	newSeq, ident, ok := p.beginFetchLocked()
	p.mu.Unlock()
	if !ok {
		return p.Snapshot(), nil
	}
	return p.fetchAndApply(ctx, newSeq, ident), nil
}

// Current は表示中のプロフィールとIDを返す。データがない場合はfalseを返す。
func (p *Page) Current() (model.Profile, level.Table, session.Identity, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ident, ok := p.holder.CurrentIdentity()
	if !ok || p.profile == nil {
		return model.Profile{}, level.Table{}, session.Identity{}, false
	}
	return *p.profile, p.table, ident, true
}

func errorView(err error) *ErrorView {
	var mismatch *model.SchemaMismatch
	if errors.As(err, &mismatch) {
		apiErr := model.NewSchemaMismatchError()
		return &ErrorView{Code: apiErr.Code, Message: apiErr.Message, Action: apiErr.Action, Retryable: true}
	}
	apiErr := model.NewRemoteFailureError()
	return &ErrorView{Code: apiErr.Code, Message: apiErr.Message, Action: apiErr.Action, Retryable: true}
}
