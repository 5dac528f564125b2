package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/hitoshi/taskagency/internal/model"
	"github.com/hitoshi/taskagency/internal/view"
	"github.com/hitoshi/taskagency/internal/withdrawal"
)

// WithdrawalServiceInterface は出金ハンドラーが必要とするサービスインターフェース。
type WithdrawalServiceInterface interface {
	Request(ctx context.Context, ws *view.Workspace, in withdrawal.Input) (view.Snapshot, error)
	List(ctx context.Context, ws *view.Workspace) ([]model.Withdrawal, error)
	FormDefaults(ctx context.Context, ws *view.Workspace) (model.WithdrawalDetails, bool, error)
	Forget(ctx context.Context, ws *view.Workspace) error
	MinAmount() float64
}

// WithdrawalHandler は出金リクエストのHTTPハンドラー。
type WithdrawalHandler struct {
	service WithdrawalServiceInterface
}

// NewWithdrawalHandler はWithdrawalHandlerを生成する。
func NewWithdrawalHandler(service WithdrawalServiceInterface) *WithdrawalHandler {
	return &WithdrawalHandler{service: service}
}

// amountField は数値・文字列のどちらでも受け付ける出金額。
// 数値かどうかの判定はwithdrawal.Validateが行う。
type amountField string

// UnmarshalJSON はjson.Unmarshalerを実装する。
func (a *amountField) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*a = amountField(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*a = amountField(n.String())
	return nil
}

type withdrawalRequest struct {
	Amount   amountField `json:"amount"`
	Phone    string      `json:"phone"`
	Name     string      `json:"name"`
	Remember bool        `json:"remember"`
}

type withdrawalListResponse struct {
	Withdrawals []model.Withdrawal `json:"withdrawals"`
	MinAmount   float64            `json:"minAmount"`
}

type rememberedResponse struct {
	Phone      string  `json:"phone"`
	Name       string  `json:"name"`
	Remembered bool    `json:"remembered"`
	MinAmount  float64 `json:"minAmount"`
}

// List はユーザー自身の出金リクエスト一覧を返す。
// GET /api/withdrawals
func (h *WithdrawalHandler) List(w http.ResponseWriter, r *http.Request) {
	ws, ok := requireWorkspace(w, r)
	if !ok {
		return
	}
	list, err := h.service.List(r.Context(), ws)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if list == nil {
		list = []model.Withdrawal{}
	}
	writeJSON(w, http.StatusOK, withdrawalListResponse{Withdrawals: list, MinAmount: h.service.MinAmount()})
}

// Create は出金リクエストを作成する。
// POST /api/withdrawals
func (h *WithdrawalHandler) Create(w http.ResponseWriter, r *http.Request) {
	ws, ok := requireWorkspace(w, r)
	if !ok {
		return
	}
	var req withdrawalRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	snap, err := h.service.Request(r.Context(), ws, withdrawal.Input{
		Amount:   strings.TrimSpace(string(req.Amount)),
		Phone:    req.Phone,
		Name:     req.Name,
		Remember: req.Remember,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, mutationResponse{Snapshot: snap})
}

// Remembered は出金フォームの初期値を返す。記憶した値がなければプロフィールの値を使う。
// GET /api/withdrawals/remembered
func (h *WithdrawalHandler) Remembered(w http.ResponseWriter, r *http.Request) {
	ws, ok := requireWorkspace(w, r)
	if !ok {
		return
	}
	details, remembered, err := h.service.FormDefaults(r.Context(), ws)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rememberedResponse{
		Phone:      details.Phone,
		Name:       details.Name,
		Remembered: remembered,
		MinAmount:  h.service.MinAmount(),
	})
}

// Forget は記憶した出金フォームの値を削除する。
// DELETE /api/withdrawals/remembered
func (h *WithdrawalHandler) Forget(w http.ResponseWriter, r *http.Request) {
	ws, ok := requireWorkspace(w, r)
	if !ok {
		return
	}
	if err := h.service.Forget(r.Context(), ws); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
