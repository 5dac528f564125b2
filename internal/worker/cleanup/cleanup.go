// Package cleanup は期限切れBFFセッションの自動削除ジョブを提供する。
// 有効期限から保持期間（デフォルト30日）を超過したセッションを
// cleanupコマンドから削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultRetentionDays は期限切れセッションの保持日数のデフォルト値。
const DefaultRetentionDays = 30

// SessionPurger は期限切れセッションを削除するインターフェース。
// repository.PostgresSessionRepoが実装する。
type SessionPurger interface {
	DeleteExpiredBefore(ctx context.Context, before time.Time) (int64, error)
}

// CleanupJob は保持期間を超過した期限切れセッションの削除ジョブ。
// 冪等な削除処理を保証する。
type CleanupJob struct {
	sessions      SessionPurger
	logger        *slog.Logger
	now           func() time.Time
	RetentionDays int // 期限切れ後の保持日数（デフォルト: 30）
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(sessions SessionPurger, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		sessions:      sessions,
		logger:        logger,
		now:           time.Now,
		RetentionDays: DefaultRetentionDays,
	}
}

// Cutoff は削除対象となる有効期限の境界時刻を返す。
func (j *CleanupJob) Cutoff() time.Time {
	return j.now().AddDate(0, 0, -j.RetentionDays)
}

// Run は保持期間を超過した期限切れセッションを削除する。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	cutoff := j.Cutoff()

	deletedCount, err := j.sessions.DeleteExpiredBefore(ctx, cutoff)
	if err != nil {
		j.logger.Error("セッションクリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("セッションクリーンアップの実行に失敗: %w", err)
	}

	duration := time.Since(start)
	j.logger.Info("セッションクリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Int("retention_days", j.RetentionDays),
		slog.Time("cutoff", cutoff),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}
