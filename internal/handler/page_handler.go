package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/taskagency/internal/middleware"
	"github.com/hitoshi/taskagency/internal/model"
	"github.com/hitoshi/taskagency/internal/view"
)

// PageHandler は画面状態のHTTPハンドラー。
// 画面はBFFセッションごとのWorkspaceが保持する。
type PageHandler struct{}

// NewPageHandler はPageHandlerを生成する。
func NewPageHandler() *PageHandler {
	return &PageHandler{}
}

// lookupPage はURLパラメータの画面名を検証する。未定義の場合は404を書き込む。
func lookupPage(w http.ResponseWriter, r *http.Request) (view.PageName, bool) {
	name := chi.URLParam(r, "page")
	cfg, ok := view.LookupPage(name)
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewPageNotFoundError(name))
		return "", false
	}
	return cfg.Name, true
}

// mountedPage はWorkspaceの画面を返す。初回は取得を行う。
func mountedPage(ctx context.Context, ws *view.Workspace, name view.PageName) (*view.Page, error) {
	page, err := ws.Page(name)
	if err != nil {
		return nil, err
	}
	if page.Snapshot().State == view.StateLoading {
		page.Load(ctx)
	}
	return page, nil
}

// Get は画面を表示し、その時点のスナップショットを返す。
// セッションがない場合はauthRequiredのスナップショットを返す。
// GET /api/pages/{page}
func (h *PageHandler) Get(w http.ResponseWriter, r *http.Request) {
	name, ok := lookupPage(w, r)
	if !ok {
		return
	}
	ws, ok := middleware.WorkspaceFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusOK, view.Snapshot{Page: name, State: view.StateAuthRequired})
		return
	}

	page, err := mountedPage(r.Context(), ws, name)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page.Snapshot())
}

// Refresh は画面のデータを取得し直す（再試行ボタン）。
// POST /api/pages/{page}/refresh
func (h *PageHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	name, ok := lookupPage(w, r)
	if !ok {
		return
	}
	ws, ok := requireWorkspace(w, r)
	if !ok {
		return
	}

	page, err := ws.Page(name)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page.Load(r.Context()))
}

// BeginEdit はアカウント画面を編集状態にする。
// POST /api/pages/account/edit
func (h *PageHandler) BeginEdit(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, (*view.Page).BeginEdit)
}

// CancelEdit はアカウント画面の編集を取り消す。
// POST /api/pages/account/cancel
func (h *PageHandler) CancelEdit(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, (*view.Page).CancelEdit)
}

func (h *PageHandler) transition(w http.ResponseWriter, r *http.Request, fn func(*view.Page) (view.Snapshot, error)) {
	ws, ok := requireWorkspace(w, r)
	if !ok {
		return
	}
	page, err := mountedPage(r.Context(), ws, view.PageAccount)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	snap, err := fn(page)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
