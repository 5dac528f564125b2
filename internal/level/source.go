package level

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/taskagency/internal/model"
	"github.com/hitoshi/taskagency/internal/pocketbase"
	"github.com/hitoshi/taskagency/internal/record"
)

// DefaultLevels はアプリケーションに同梱するレベル表。
var DefaultLevels = []model.LevelConfig{
	{Level: 1, Investment: 0, TasksPerDay: 5, PayPerTask: 20},
	{Level: 2, Investment: 5000, TasksPerDay: 8, PayPerTask: 50},
	{Level: 3, Investment: 15000, TasksPerDay: 12, PayPerTask: 90},
	{Level: 4, Investment: 40000, TasksPerDay: 15, PayPerTask: 180},
	{Level: 5, Investment: 100000, TasksPerDay: 20, PayPerTask: 350},
	{Level: 6, Investment: 250000, TasksPerDay: 25, PayPerTask: 700},
}

// Source はレベル表の取得元。
type Source interface {
	Table(ctx context.Context) (Table, error)
}

// StaticSource は固定のレベル表を返す。
type StaticSource struct {
	table Table
}

// NewStaticSource はStaticSourceを生成する。
func NewStaticSource(t Table) *StaticSource {
	return &StaticSource{table: t}
}

// DefaultSource は同梱のレベル表を返すSourceを生成する。
func DefaultSource() *StaticSource {
	return NewStaticSource(MustTable(DefaultLevels))
}

// Table はレベル表を返す。
func (s *StaticSource) Table(ctx context.Context) (Table, error) {
	return s.table, nil
}

// Lister はコレクションの一覧取得インターフェース。
// pocketbase.RecordServiceが実装する。
type Lister interface {
	GetList(ctx context.Context, token string, opts pocketbase.ListOptions) (*pocketbase.ListResult, error)
}

// sharedLoadTimeout はまとめて実行するリモート取得の上限時間。
const sharedLoadTimeout = 15 * time.Second

// RemoteSource はリモートストアのlevelsコレクションからレベル表を取得し、TTLの間キャッシュする。
// 同時に発生した取得は1回のリモート呼び出しにまとめる。
// 取得に失敗した場合、期限切れでもキャッシュがあればそれを返す。
type RemoteSource struct {
	lister Lister
	ttl    time.Duration
	logger *slog.Logger

	group singleflight.Group

	mu        sync.RWMutex
	cached    Table
	fetchedAt time.Time

	now func() time.Time
}

// NewRemoteSource はRemoteSourceを生成する。
func NewRemoteSource(lister Lister, ttl time.Duration, logger *slog.Logger) *RemoteSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteSource{
		lister: lister,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

// NewRemoteSourceFromClient はpocketbase.Clientのlevelsコレクションを使うRemoteSourceを生成する。
func NewRemoteSourceFromClient(client *pocketbase.Client, ttl time.Duration, logger *slog.Logger) *RemoteSource {
	return NewRemoteSource(client.Collection(record.CollectionLevels), ttl, logger)
}

// Table はキャッシュが有効ならそれを返し、そうでなければリモートから取得する。
func (s *RemoteSource) Table(ctx context.Context) (Table, error) {
	s.mu.RLock()
	cached, fetchedAt := s.cached, s.fetchedAt
	s.mu.RUnlock()

	if cached.Len() > 0 && s.now().Sub(fetchedAt) < s.ttl {
		return cached, nil
	}

	// 共有する取得は最初の呼び出し元のキャンセルに影響されない
	ch := s.group.DoChan("levels", func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedLoadTimeout)
		defer cancel()
		return s.load(lctx)
	})
	var (
		v   any
		err error
	)
	select {
	case <-ctx.Done():
		return Table{}, ctx.Err()
	case res := <-ch:
		v, err = res.Val, res.Err
	}
	if err != nil {
		if cached.Len() > 0 {
			s.logger.Warn("レベル表の取得に失敗したため、キャッシュを使用します",
				slog.String("error", err.Error()),
				slog.Time("fetched_at", fetchedAt),
			)
			return cached, nil
		}
		return Table{}, err
	}
	return v.(Table), nil
}

func (s *RemoteSource) load(ctx context.Context) (Table, error) {
	result, err := s.lister.GetList(ctx, "", pocketbase.ListOptions{
		PerPage: 100,
		Sort:    "level",
	})
	if err != nil {
		return Table{}, record.ReadError("levels.getList", err)
	}
	levels, err := record.DecodeLevels(result.Items)
	if err != nil {
		return Table{}, err
	}
	t, err := NewTable(levels)
	if err != nil {
		return Table{}, &model.SchemaMismatch{
			Collection: record.CollectionLevels,
			Field:      "level",
			Expected:   "strictly increasing levels with non-decreasing investment",
			Got:        err.Error(),
		}
	}

	s.mu.Lock()
	s.cached = t
	s.fetchedAt = s.now()
	s.mu.Unlock()

	s.logger.Info("レベル表を更新しました", slog.Int("levels", t.Len()))
	return t, nil
}
