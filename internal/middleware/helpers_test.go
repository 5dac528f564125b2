package middleware

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/taskagency/internal/model"
	"github.com/hitoshi/taskagency/internal/session"
	"github.com/hitoshi/taskagency/internal/view"
)

// newTestWorkspace はログイン済みのWorkspaceを生成する。userIDが空の場合は未ログイン。
func newTestWorkspace(t *testing.T, id, userID string) *view.Workspace {
	t.Helper()
	holder := session.NewHolder()
	if userID != "" {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"id":  userID,
			"exp": time.Now().Add(time.Hour).Unix(),
		}).SignedString([]byte("test-secret"))
		if err != nil {
			t.Fatalf("failed to sign token: %v", err)
		}
		holder.Save(token, model.AuthRecord{ID: userID, Username: "jane"})
	}
	ws := view.NewWorkspace(id, holder, view.Env{})
	t.Cleanup(ws.Close)
	return ws
}
