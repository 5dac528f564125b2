// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/taskagency/internal/auth"
	"github.com/hitoshi/taskagency/internal/middleware"
	"github.com/hitoshi/taskagency/internal/model"
	"github.com/hitoshi/taskagency/internal/record"
	"github.com/hitoshi/taskagency/internal/view"
)

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// decodeJSON はリクエストボディをデコードする。失敗した場合は400を書き込みfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return false
	}
	return true
}

// requireWorkspace はリクエストのWorkspaceを返す。ない場合は401を書き込みfalseを返す。
func requireWorkspace(w http.ResponseWriter, r *http.Request) (*view.Workspace, bool) {
	ws, ok := middleware.WorkspaceFromContext(r.Context())
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewAuthRequiredError())
		return nil, false
	}
	return ws, true
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr       *model.ValidationError
		rejection  *model.RemoteRejection
		failure    *model.RemoteFailure
		mismatch   *model.SchemaMismatch
		transition *view.TransitionError
		apiErr     *model.APIError
	)

	// 分類されずに届いたリモートのエラーは読み取り失敗として扱う
	if record.IsUnclassified(err) {
		err = record.ReadError("remote", err)
	}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, model.ErrCancelled):
		// クライアントが切断した、または後続の取得で置き換えられた
		slog.Debug("request cancelled", slog.String("path", r.URL.Path))
		w.WriteHeader(http.StatusServiceUnavailable)
	case errors.As(err, &verr):
		middleware.WriteFieldErrorResponse(w, http.StatusUnprocessableEntity, model.NewValidationAPIError(verr), verr.Fields)
	case errors.Is(err, auth.ErrCaptchaMismatch):
		middleware.WriteErrorResponse(w, http.StatusUnprocessableEntity, model.NewCaptchaMismatchError())
	case errors.Is(err, model.ErrAuthRequired):
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewAuthRequiredError())
	case errors.Is(err, model.ErrBusy):
		middleware.WriteErrorResponse(w, http.StatusConflict, model.NewBusyError())
	case errors.Is(err, model.ErrNoChanges):
		middleware.WriteErrorResponse(w, http.StatusUnprocessableEntity, model.NewNoChangesError())
	case errors.As(err, &transition):
		middleware.WriteErrorResponse(w, http.StatusConflict,
			model.NewInvalidTransitionError(string(transition.From), string(transition.To)))
	case errors.As(err, &rejection):
		status := http.StatusBadRequest
		if rejection.Status == http.StatusConflict {
			status = http.StatusConflict
		}
		middleware.WriteFieldErrorResponse(w, status, model.NewRemoteRejectionError(rejection.Message), rejection.Fields)
	case errors.As(err, &mismatch):
		slog.Error("remote schema mismatch", slog.String("error", err.Error()))
		middleware.WriteErrorResponse(w, http.StatusBadGateway, model.NewSchemaMismatchError())
	case errors.As(err, &failure):
		slog.Warn("remote failure",
			slog.String("op", failure.Op),
			slog.Int("attempts", failure.Attempts),
			slog.String("error", err.Error()),
		)
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusServiceUnavailable
		}
		middleware.WriteErrorResponse(w, status, model.NewRemoteFailureError())
	case errors.As(err, &apiErr):
		middleware.WriteErrorResponse(w, http.StatusBadRequest, apiErr)
	default:
		slog.Error("internal server error",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
	}
}
