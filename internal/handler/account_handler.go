package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/hitoshi/taskagency/internal/account"
	"github.com/hitoshi/taskagency/internal/middleware"
	"github.com/hitoshi/taskagency/internal/model"
	"github.com/hitoshi/taskagency/internal/stats"
	"github.com/hitoshi/taskagency/internal/view"
)

// AccountServiceInterface はアカウントハンドラーが必要とするサービスインターフェース。
type AccountServiceInterface interface {
	UpdateProfile(ctx context.Context, ws *view.Workspace, in account.ProfileInput) (view.Snapshot, error)
	ChangePassword(ctx context.Context, ws *view.Workspace, in account.PasswordInput) (view.Snapshot, error)
	DeleteAccount(ctx context.Context, ws *view.Workspace) (view.Snapshot, error)
	ExportData(ctx context.Context, ws *view.Workspace) (*account.Export, error)
}

// WorkspaceDropper はWorkspaceを破棄するインターフェース。
// view.Managerが実装する。
type WorkspaceDropper interface {
	Drop(sessionID string)
}

// AccountHandler はアカウント操作のHTTPハンドラー。
type AccountHandler struct {
	service    AccountServiceInterface
	workspaces WorkspaceDropper
	auth       *AuthHandler
}

// NewAccountHandler はAccountHandlerを生成する。
// authはアカウント削除時のCookie削除に使う。
func NewAccountHandler(service AccountServiceInterface, workspaces WorkspaceDropper, auth *AuthHandler) *AccountHandler {
	return &AccountHandler{
		service:    service,
		workspaces: workspaces,
		auth:       auth,
	}
}

// mutationResponse は更新操作のAPIレスポンス。
type mutationResponse struct {
	Snapshot view.Snapshot `json:"snapshot"`
	Notice   string        `json:"notice,omitempty"`
}

// UpdateProfile は変更されたプロフィール項目を保存する。
// 変更がない場合は編集を終了し、noticeにNO_CHANGESを設定して200を返す。
// PATCH /api/account/profile
func (h *AccountHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	ws, ok := requireWorkspace(w, r)
	if !ok {
		return
	}
	var req account.ProfileInput
	if !decodeJSON(w, r, &req) {
		return
	}

	snap, err := h.service.UpdateProfile(r.Context(), ws, req)
	if errors.Is(err, model.ErrNoChanges) {
		writeJSON(w, http.StatusOK, mutationResponse{Snapshot: snap, Notice: model.ErrCodeNoChanges})
		return
	}
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mutationResponse{Snapshot: snap})
}

// ChangePassword はパスワードを変更する。
// POST /api/account/password
func (h *AccountHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	ws, ok := requireWorkspace(w, r)
	if !ok {
		return
	}
	var req account.PasswordInput
	if !decodeJSON(w, r, &req) {
		return
	}

	snap, err := h.service.ChangePassword(r.Context(), ws, req)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mutationResponse{Snapshot: snap})
}

// DeleteAccount はアカウントを削除し、セッションCookieを削除する。
// DELETE /api/account
func (h *AccountHandler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	ws, ok := requireWorkspace(w, r)
	if !ok {
		return
	}

	if _, err := h.service.DeleteAccount(r.Context(), ws); err != nil {
		handleServiceError(w, r, err)
		return
	}

	h.workspaces.Drop(ws.ID())
	h.auth.clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// Export はアカウントデータをJSONファイルとしてダウンロードさせる。
// GET /api/account/export
func (h *AccountHandler) Export(w http.ResponseWriter, r *http.Request) {
	ws, ok := requireWorkspace(w, r)
	if !ok {
		return
	}

	exp, err := h.service.ExportData(r.Context(), ws)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", exp.Filename()))
	writeJSON(w, http.StatusOK, exp)
}

// ReferralLink は紹介リンクを返す。
// GET /api/account/referral-link
func (h *AccountHandler) ReferralLink(w http.ResponseWriter, r *http.Request) {
	ws, ok := requireWorkspace(w, r)
	if !ok {
		return
	}
	page, err := mountedPage(r.Context(), ws, view.PageDashboard)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	p, _, _, ok := page.Current()
	if !ok {
		if page.Snapshot().State == view.StateError {
			middleware.WriteErrorResponse(w, http.StatusBadGateway, model.NewRemoteFailureError())
			return
		}
		handleServiceError(w, r, model.ErrAuthRequired)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"link": stats.ReferralLink(ws.Env().ReferralBase, p.Username),
	})
}
