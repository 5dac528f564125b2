// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hitoshi/taskagency/internal/model"
	"github.com/hitoshi/taskagency/internal/view"
)

// SessionCookieName はBFFセッションIDを保持するCookieの名前。
const SessionCookieName = "session_id"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var workspaceContextKey = contextKey("workspace")

// WorkspaceFinder はセッションIDからWorkspaceを取得するインターフェース。
// view.Managerが実装する。未知のセッションではnil, nilを返す。
type WorkspaceFinder interface {
	Get(ctx context.Context, sessionID string) (*view.Workspace, error)
}

// NewSessionMiddleware はHTTP Only CookieからBFFセッションを読み取り、
// 対応するWorkspaceをリクエストコンテキストに注入するミドルウェアを返す。
// Cookieがない・未知のセッションの場合は匿名リクエストとしてそのまま通す。
func NewSessionMiddleware(finder WorkspaceFinder) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(SessionCookieName)
			if err != nil || cookie.Value == "" {
				next.ServeHTTP(w, r)
				return
			}

			ws, err := finder.Get(r.Context(), cookie.Value)
			if err != nil {
				slog.Error("failed to find session",
					slog.String("error", err.Error()),
				)
				WriteInternalServerError(w)
				return
			}
			if ws == nil {
				next.ServeHTTP(w, r)
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithWorkspace(r.Context(), ws)))
		})
	}
}

// RequireWorkspace はWorkspaceのないリクエストに401を返すミドルウェア。
// NewSessionMiddlewareの後に配置する。
func RequireWorkspace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := WorkspaceFromContext(r.Context()); !ok {
			WriteErrorResponse(w, http.StatusUnauthorized, model.NewAuthRequiredError())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// WorkspaceFromContext はリクエストコンテキストからWorkspaceを取得する。
func WorkspaceFromContext(ctx context.Context) (*view.Workspace, bool) {
	ws, ok := ctx.Value(workspaceContextKey).(*view.Workspace)
	return ws, ok && ws != nil
}

// SessionIDFromContext はリクエストコンテキストからBFFセッションIDを取得する。
// 匿名リクエストでは空文字を返す。
func SessionIDFromContext(ctx context.Context) string {
	if ws, ok := WorkspaceFromContext(ctx); ok {
		return ws.ID()
	}
	return ""
}

// ContextWithWorkspace はコンテキストにWorkspaceを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithWorkspace(ctx context.Context, ws *view.Workspace) context.Context {
	return context.WithValue(ctx, workspaceContextKey, ws)
}
