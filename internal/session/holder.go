// Package session はリモート認証トークンを保持するセッションホルダーと、
// BFFセッションIDからホルダーを引き当てるレジストリを提供する。
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/taskagency/internal/model"
)

// EventType はセッション変更イベントの種類。
type EventType string

const (
	// EventLogin はログインによりIDが設定されたことを示す。
	EventLogin EventType = "login"
	// EventRefresh は同一ユーザーのトークンが更新されたことを示す。
	EventRefresh EventType = "refresh"
	// EventLogout はIDが消去されたことを示す。
	EventLogout EventType = "logout"
)

// Identity は認証済みユーザーを表す。
type Identity struct {
	UserID    string
	Username  string
	Token     string
	ExpiresAt time.Time
}

// Event はセッション変更通知。EventLogoutではIdentityはゼロ値。
type Event struct {
	Type     EventType
	Identity Identity
}

type listener struct {
	id int
	fn func(Event)
}

// Holder は1つのBFFセッションの認証状態を保持し、変更を購読者へ通知する。
// 購読者はSubscribeで登録した順に同期的に呼び出される。
// 呼び出しは状態の確定後、ロックの外で行われるが、購読者からSave/Clearを呼んではならない。
type Holder struct {
	emitMu sync.Mutex // 通知の順序を状態変更の順序と一致させる
	mu     sync.Mutex

	token     string
	record    model.AuthRecord
	expiresAt time.Time

	listeners []listener
	nextID    int

	now func() time.Time
}

// NewHolder は空のHolderを生成する。
func NewHolder() *Holder {
	return &Holder{now: time.Now}
}

// CurrentIdentity は現在のIDを返す。トークンが空または期限切れの場合はfalseを返す。
// IDがないことはエラーではない。
func (h *Holder) CurrentIdentity() (Identity, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.identityLocked()
}

func (h *Holder) identityLocked() (Identity, bool) {
	if h.token == "" || h.record.ID == "" {
		return Identity{}, false
	}
	if !h.expiresAt.IsZero() && !h.now().Before(h.expiresAt) {
		return Identity{}, false
	}
	return Identity{
		UserID:    h.record.ID,
		Username:  h.record.Username,
		Token:     h.token,
		ExpiresAt: h.expiresAt,
	}, true
}

// Subscribe は変更通知の購読者を登録し、登録解除関数を返す。
// 登録解除関数は何度呼び出してもよい。
func (h *Holder) Subscribe(fn func(Event)) (unsubscribe func()) {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.listeners = append(h.listeners, listener{id: id, fn: fn})
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			for i, l := range h.listeners {
				if l.id == id {
					h.listeners = append(h.listeners[:i:i], h.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Save はトークンと認証レコードを保存する。
// 直前に同じユーザーのIDが有効だった場合はEventRefresh、それ以外はEventLoginを通知する。
func (h *Holder) Save(token string, record model.AuthRecord) {
	expiresAt, err := TokenExpiry(token)
	if err != nil {
		// 期限を読めないトークンは無効として扱う
		expiresAt = time.Unix(0, 0)
	}

	h.emitMu.Lock()
	defer h.emitMu.Unlock()

	h.mu.Lock()
	prev, hadPrev := h.identityLocked()
	h.token = token
	h.record = record
	h.expiresAt = expiresAt
	ident, ok := h.identityLocked()
	listeners := h.snapshotLocked()
	h.mu.Unlock()

	if !ok {
		if hadPrev {
			notify(listeners, Event{Type: EventLogout})
		}
		return
	}

	typ := EventLogin
	if hadPrev && prev.UserID == ident.UserID {
		typ = EventRefresh
	}
	notify(listeners, Event{Type: typ, Identity: ident})
}

// Clear はトークンを破棄する。IDが存在した場合のみEventLogoutを通知する。
func (h *Holder) Clear() {
	h.emitMu.Lock()
	defer h.emitMu.Unlock()

	h.mu.Lock()
	_, hadPrev := h.identityLocked()
	hadToken := h.token != ""
	h.token = ""
	h.record = model.AuthRecord{}
	h.expiresAt = time.Time{}
	listeners := h.snapshotLocked()
	h.mu.Unlock()

	if hadPrev || hadToken {
		notify(listeners, Event{Type: EventLogout})
	}
}

func (h *Holder) snapshotLocked() []listener {
	out := make([]listener, len(h.listeners))
	copy(out, h.listeners)
	return out
}

func notify(listeners []listener, ev Event) {
	for _, l := range listeners {
		l.fn(ev)
	}
}

// TokenExpiry はJWTのexpクレームを署名検証なしで読み取る。
// トークンの正当性はリモートストアが判定するため、ここでは有効期限の判定にのみ使う。
func TokenExpiry(token string) (time.Time, error) {
	if token == "" {
		return time.Time{}, fmt.Errorf("トークンが空です")
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("トークンの解析に失敗しました: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("expクレームが不正です: %w", err)
	}
	if exp == nil {
		return time.Time{}, fmt.Errorf("expクレームがありません")
	}
	return exp.Time, nil
}

// IsTokenValid はトークンの有効期限がnowより後かどうかを返す。
func IsTokenValid(token string, now time.Time) bool {
	exp, err := TokenExpiry(token)
	if err != nil {
		return false
	}
	return now.Before(exp)
}
