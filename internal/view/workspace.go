package view

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/taskagency/internal/model"
	"github.com/hitoshi/taskagency/internal/session"
)

// Workspace は1つのBFFセッションが持つ画面と操作中フラグを保持する。
type Workspace struct {
	id     string
	holder *session.Holder
	env    Env

	mu     sync.Mutex
	pages  map[PageName]*Page
	busy   map[string]bool
	closed bool

	lastAccess atomic.Int64 // UnixNano
}

// NewWorkspace はWorkspaceを生成する。画面は最初に参照されたときに生成される。
func NewWorkspace(id string, holder *session.Holder, env Env) *Workspace {
	w := &Workspace{
		id:     id,
		holder: holder,
		env:    env.withDefaults(),
		pages:  make(map[PageName]*Page),
		busy:   make(map[string]bool),
	}
	w.touch(w.env.Now())
	return w
}

func (w *Workspace) touch(now time.Time) {
	w.lastAccess.Store(now.UnixNano())
}

// Touch は参照時刻を更新する。接続を保持し続ける呼び出し元がManager.Evictの対象外になるために使う。
func (w *Workspace) Touch() {
	w.touch(w.env.Now())
}

// LastAccess は最後に参照された時刻を返す。
func (w *Workspace) LastAccess() time.Time {
	return time.Unix(0, w.lastAccess.Load())
}

// ID はBFFセッションIDを返す。
func (w *Workspace) ID() string {
	return w.id
}

// Holder はセッションホルダーを返す。
func (w *Workspace) Holder() *session.Holder {
	return w.holder
}

// Env は画面の依存関係を返す。
func (w *Workspace) Env() Env {
	return w.env
}

// Page は指定画面を返す。未定義の画面名の場合はエラーを返す。
func (w *Workspace) Page(name PageName) (*Page, error) {
	cfg, ok := pageConfigs[name]
	if !ok {
		return nil, fmt.Errorf("unknown page: %s", name)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, fmt.Errorf("workspace closed")
	}
	if p, ok := w.pages[name]; ok {
		return p, nil
	}
	p := NewPage(cfg, w.holder, w.env)
	w.pages[name] = p
	return p, nil
}

// Begin は操作中フラグを立てる。同じ操作が実行中の場合はmodel.ErrBusyを返す。
// 戻り値の関数で操作中フラグを解除する。
func (w *Workspace) Begin(action string) (release func(), err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.busy[action] {
		return nil, model.ErrBusy
	}
	w.busy[action] = true

	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			delete(w.busy, action)
			w.mu.Unlock()
		})
	}, nil
}

// Close は全画面の購読を解除する。
func (w *Workspace) Close() {
	w.mu.Lock()
	pages := make([]*Page, 0, len(w.pages))
	for _, p := range w.pages {
		pages = append(pages, p)
	}
	w.pages = map[PageName]*Page{}
	w.closed = true
	w.mu.Unlock()

	for _, p := range pages {
		p.Close()
	}
}

// HolderLoader はBFFセッションIDからセッションホルダーを取得するインターフェース。
// session.Registryが実装する。Forgetはメモリ上のHolderだけを破棄し、保存済みのセッションは残す。
type HolderLoader interface {
	Load(ctx context.Context, id string) (*session.Holder, error)
	Forget(id string)
}

// Manager はBFFセッションIDごとのWorkspaceを管理する。
type Manager struct {
	holders HolderLoader
	env     Env

	mu         sync.Mutex
	workspaces map[string]*Workspace
}

// NewManager はManagerを生成する。
func NewManager(holders HolderLoader, env Env) *Manager {
	return &Manager{
		holders:    holders,
		env:        env.withDefaults(),
		workspaces: make(map[string]*Workspace),
	}
}

// Get はセッションIDに対応するWorkspaceを返す。
// 未知のセッションの場合はnilを返す。
func (m *Manager) Get(ctx context.Context, sessionID string) (*Workspace, error) {
	m.mu.Lock()
	ws, ok := m.workspaces[sessionID]
	m.mu.Unlock()
	if ok {
		ws.touch(m.env.Now())
		return ws, nil
	}

	holder, err := m.holders.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if holder == nil {
		return nil, nil
	}

	m.mu.Lock()
	old, ok := m.workspaces[sessionID]
	if ok && old.holder == holder {
		m.mu.Unlock()
		old.touch(m.env.Now())
		return old, nil
	}
	ws = NewWorkspace(sessionID, holder, m.env)
	m.workspaces[sessionID] = ws
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return ws, nil
}

// Attach はログイン直後のHolderでWorkspaceを生成する。
func (m *Manager) Attach(sessionID string, holder *session.Holder) *Workspace {
	ws := NewWorkspace(sessionID, holder, m.env)

	m.mu.Lock()
	old := m.workspaces[sessionID]
	m.workspaces[sessionID] = ws
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return ws
}

// Drop はWorkspaceを破棄する。
func (m *Manager) Drop(sessionID string) {
	m.mu.Lock()
	ws := m.workspaces[sessionID]
	delete(m.workspaces, sessionID)
	m.mu.Unlock()

	if ws != nil {
		ws.Close()
	}
}

// Len は保持しているWorkspace数を返す。
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workspaces)
}

// Close は全Workspaceを破棄する。
func (m *Manager) Close() {
	m.mu.Lock()
	all := m.workspaces
	m.workspaces = make(map[string]*Workspace)
	m.mu.Unlock()

	for _, ws := range all {
		ws.Close()
	}
}

// Evict はトークンが失効したセッションと、idle を超えて参照されていないセッションの
// WorkspaceとHolderをメモリから破棄する。破棄したセッションIDを返す。
// 保存済みのセッションは残るため、次のリクエストで再び復元される。
func (m *Manager) Evict(idle time.Duration) []string {
	now := m.env.Now()

	m.mu.Lock()
	var evicted []*Workspace
	for id, ws := range m.workspaces {
		_, valid := ws.holder.CurrentIdentity()
		if valid && now.Sub(ws.LastAccess()) <= idle {
			continue
		}
		evicted = append(evicted, ws)
		delete(m.workspaces, id)
	}
	m.mu.Unlock()

	ids := make([]string, 0, len(evicted))
	for _, ws := range evicted {
		ws.Close()
		m.holders.Forget(ws.id)
		ids = append(ids, ws.id)
	}
	sort.Strings(ids)
	return ids
}

// RunEviction はctxが終了するまでintervalごとにEvictを実行する。
func (m *Manager) RunEviction(ctx context.Context, interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ids := m.Evict(idle); len(ids) > 0 {
				m.env.Logger.Info("evicted idle sessions", slog.Int("count", len(ids)))
			}
		}
	}
}
