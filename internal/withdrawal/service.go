package withdrawal

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hitoshi/taskagency/internal/metrics"
	"github.com/hitoshi/taskagency/internal/model"
	"github.com/hitoshi/taskagency/internal/pocketbase"
	"github.com/hitoshi/taskagency/internal/record"
	"github.com/hitoshi/taskagency/internal/security"
	"github.com/hitoshi/taskagency/internal/session"
	"github.com/hitoshi/taskagency/internal/view"
)

// ActionRequest は出金申請の操作名（操作中フラグ・メトリクスのラベル）。
const ActionRequest = "withdrawal"

// listPerPage は一覧取得の最大件数。
const listPerPage = 50

// Records はwithdrawalsコレクションへのアクセスを抽象化するインターフェース。
// pocketbase.RecordServiceが実装する。
type Records interface {
	Create(ctx context.Context, token string, body any, opts pocketbase.QueryOptions) (json.RawMessage, error)
	GetList(ctx context.Context, token string, opts pocketbase.ListOptions) (*pocketbase.ListResult, error)
}

// Config はServiceの設定。
type Config struct {
	Records   Records
	Prefs     *PreferenceStore // nilの場合は入力内容を記憶しない
	Sanitizer security.TextSanitizer
	MinAmount float64
	Metrics   metrics.MutationRecorder
	Logger    *slog.Logger
}

// Service は出金申請のビジネスロジックを提供する。
type Service struct {
	records   Records
	prefs     *PreferenceStore
	sanitizer security.TextSanitizer
	minAmount float64
	metrics   metrics.MutationRecorder
	logger    *slog.Logger
}

// NewService はServiceを生成する。
func NewService(cfg Config) *Service {
	if cfg.MinAmount <= 0 {
		cfg.MinAmount = DefaultMinAmount
	}
	if cfg.Sanitizer == nil {
		cfg.Sanitizer = security.NewTextSanitizer()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		records:   cfg.Records,
		prefs:     cfg.Prefs,
		sanitizer: cfg.Sanitizer,
		minAmount: cfg.MinAmount,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
	}
}

// MinAmount は最低出金額を返す。
func (s *Service) MinAmount() float64 {
	return s.minAmount
}

// Request は出金を申請する。
// profit画面をsaving状態にして検証・作成を行い、成功した場合はプロフィールと一覧を取得し直す。
// 検証エラーの場合は書き込みを行わず*model.ValidationErrorを返す。
func (s *Service) Request(ctx context.Context, ws *view.Workspace, in Input) (snap view.Snapshot, err error) {
	defer func() { metrics.Record(s.metrics, ActionRequest, err) }()

	release, err := ws.Begin(ActionRequest)
	if err != nil {
		return view.Snapshot{}, err
	}
	defer release()

	page, err := ws.Page(view.PageProfit)
	if err != nil {
		return view.Snapshot{}, err
	}

	if page.Snapshot().State == view.StateLoading {
		page.Load(ctx)
	}

	in.Name = s.sanitizer.Sanitize(in.Name)
	var created Request
	snap, err = page.Mutate(ctx, func(ctx context.Context, ident session.Identity, current model.Profile) error {
		req, err := Validate(in, current.Balance, s.minAmount)
		if err != nil {
			return err
		}
		body := map[string]any{
			"user":   ident.UserID,
			"amount": req.Amount,
			"phone":  req.Phone,
			"name":   req.Name,
			"status": string(model.WithdrawalStatusPending),
		}
		if _, err := s.records.Create(ctx, ident.Token, body, pocketbase.QueryOptions{}); err != nil {
			return record.WriteError("withdrawals.create", err)
		}
		created = req
		return nil
	})
	if err != nil {
		return snap, err
	}

	s.logger.Info("出金申請を作成しました", slog.Float64("amount", created.Amount), slog.String("session_id", ws.ID()))

	if in.Remember && s.prefs != nil {
		if ident, ok := ws.Holder().CurrentIdentity(); ok {
			details := model.WithdrawalDetails{Phone: created.Phone, Name: created.Name}
			if err := s.prefs.Remember(ctx, ident.UserID, details); err != nil {
				// 申請自体は成功しているため、記憶の失敗はログに残すだけにする
				s.logger.Warn("出金フォームの入力内容の保存に失敗しました", slog.String("error", err.Error()))
			}
		}
	}
	return snap, nil
}

// List はログイン中ユーザー自身の出金リクエストを新しい順に返す。
func (s *Service) List(ctx context.Context, ws *view.Workspace) ([]model.Withdrawal, error) {
	ident, ok := ws.Holder().CurrentIdentity()
	if !ok {
		return nil, model.ErrAuthRequired
	}
	return s.ListWithdrawals(ctx, ident)
}

// ListWithdrawals は指定IDのユーザーの出金リクエストを新しい順に返す。
// view.WithdrawalListerを実装する。
func (s *Service) ListWithdrawals(ctx context.Context, ident session.Identity) ([]model.Withdrawal, error) {
	res, err := s.records.GetList(ctx, ident.Token, pocketbase.ListOptions{
		PerPage: listPerPage,
		Filter:  pocketbase.Filter("user = {:user}", map[string]any{"user": ident.UserID}),
		Sort:    "-created",
	})
	if err != nil {
		return nil, record.ReadError("withdrawals.getList", err)
	}
	return record.DecodeWithdrawals(res.Items)
}

// FormDefaults は出金フォームの初期値を返す。
// 記憶された入力内容があればそれを、なければプロフィールの氏名と電話番号を使う。
func (s *Service) FormDefaults(ctx context.Context, ws *view.Workspace) (model.WithdrawalDetails, bool, error) {
	ident, ok := ws.Holder().CurrentIdentity()
	if !ok {
		return model.WithdrawalDetails{}, false, model.ErrAuthRequired
	}
	if s.prefs != nil {
		d, err := s.prefs.Details(ctx, ident.UserID)
		if err != nil {
			return model.WithdrawalDetails{}, false, err
		}
		if d != nil {
			return *d, true, nil
		}
	}

	defaults := model.WithdrawalDetails{Name: ident.Username}
	if page, err := ws.Page(view.PageProfit); err == nil {
		if p, _, _, ok := page.Current(); ok {
			defaults = model.WithdrawalDetails{Name: p.Username, Phone: p.Phone}
		}
	}
	return defaults, false, nil
}

// Forget は記憶された入力内容を削除する。
func (s *Service) Forget(ctx context.Context, ws *view.Workspace) error {
	ident, ok := ws.Holder().CurrentIdentity()
	if !ok {
		return model.ErrAuthRequired
	}
	if s.prefs == nil {
		return nil
	}
	return s.prefs.Forget(ctx, ident.UserID)
}
