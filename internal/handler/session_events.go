package handler

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hitoshi/taskagency/internal/middleware"
	"github.com/hitoshi/taskagency/internal/model"
	"github.com/hitoshi/taskagency/internal/session"
	"github.com/hitoshi/taskagency/internal/view"
)

const (
	wsWriteWait    = 10 * time.Second
	wsEventBuffer  = 16
	eventCurrent   = "current"
	defaultWSPages = "home"
)

// SessionEventsConfig はセッション変更通知ストリームの設定。
type SessionEventsConfig struct {
	AllowedOrigin string        // 空の場合は同一オリジンのみ許可する
	PingInterval  time.Duration // 0の場合は30秒
}

// SessionEventsHandler はセッション変更と画面スナップショットをWebSocketで配信する。
type SessionEventsHandler struct {
	upgrader     websocket.Upgrader
	pingInterval time.Duration
}

// NewSessionEventsHandler はSessionEventsHandlerを生成する。
func NewSessionEventsHandler(config SessionEventsConfig) *SessionEventsHandler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
	}
	if config.AllowedOrigin != "" {
		allowed := config.AllowedOrigin
		upgrader.CheckOrigin = func(r *http.Request) bool {
			return r.Header.Get("Origin") == allowed
		}
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	return &SessionEventsHandler{
		upgrader:     upgrader,
		pingInterval: config.PingInterval,
	}
}

// sessionMessage はWebSocketで送るメッセージ。
type sessionMessage struct {
	Type  string            `json:"type"`
	Event string            `json:"event"`
	User  *identityResponse `json:"user"`
	Pages []view.Snapshot   `json:"pages"`
}

// Stream はセッション変更イベントをWebSocketで配信する。
// 接続直後に現在の状態を送り、以後はログイン・トークン更新・ログアウトのたびに
// ?pages= で指定した画面（カンマ区切り、既定はhome）のスナップショットとともに送る。
// GET /ws/session
func (h *SessionEventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ws, ok := requireWorkspace(w, r)
	if !ok {
		return
	}
	pages, bad := parsePageNames(r.URL.Query().Get("pages"))
	if bad != "" {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewPageNotFoundError(bad))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("failed to upgrade to websocket", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	// 購読者はHolderの通知中に同期的に呼ばれるため、送信は別のループで行う
	events := make(chan session.Event, wsEventBuffer)
	unsubscribe := ws.Holder().Subscribe(func(ev session.Event) {
		select {
		case events <- ev:
		default:
			slog.Warn("session event dropped", slog.String("session_id", ws.ID()))
		}
	})
	defer unsubscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					slog.Debug("websocket read error", slog.String("error", err.Error()))
				}
				return
			}
		}
	}()

	ident, loggedIn := ws.Holder().CurrentIdentity()
	if err := h.send(conn, ws, pages, eventCurrent, ident, loggedIn); err != nil {
		return
	}

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case ev := <-events:
			if err := h.send(conn, ws, pages, string(ev.Type), ev.Identity, ev.Type != session.EventLogout); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
			// 接続中のセッションは無操作として破棄されないようにする
			ws.Touch()
		case <-closed:
			return
		}
	}
}

func (h *SessionEventsHandler) send(conn *websocket.Conn, ws *view.Workspace, pages []view.PageName, event string, ident session.Identity, loggedIn bool) error {
	msg := sessionMessage{Type: "session", Event: event, Pages: make([]view.Snapshot, 0, len(pages))}
	if loggedIn {
		resp := toIdentityResponse(ident)
		msg.User = &resp
	}
	for _, name := range pages {
		page, err := ws.Page(name)
		if err != nil {
			return err
		}
		msg.Pages = append(msg.Pages, page.Snapshot())
	}

	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(msg); err != nil {
		slog.Debug("websocket write failed", slog.String("error", err.Error()))
		return err
	}
	return nil
}

// parsePageNames はカンマ区切りの画面名を検証する。未定義の画面名があれば2番目の戻り値で返す。
func parsePageNames(q string) ([]view.PageName, string) {
	if strings.TrimSpace(q) == "" {
		q = defaultWSPages
	}
	var names []view.PageName
	seen := make(map[view.PageName]bool)
	for _, part := range strings.Split(q, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		cfg, ok := view.LookupPage(part)
		if !ok {
			return nil, part
		}
		if !seen[cfg.Name] {
			seen[cfg.Name] = true
			names = append(names, cfg.Name)
		}
	}
	return names, ""
}
