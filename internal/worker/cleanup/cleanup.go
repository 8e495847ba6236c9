// Package cleanup はセッションとキャッシュの自動削除ジョブを提供する。
// 紐付けが完了しないまま放置された一時セッション、長期間利用のない
// セッション、古いキャッシュ行を定期バッチで削除する。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// CleanupJob は期限切れレコードの自動削除ジョブ。
// 定期実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type CleanupJob struct {
	db     Executor
	logger *slog.Logger

	// ZombieTTL は未紐付けセッションを削除するまでの放置時間（デフォルト: 10分）。
	// 検証コードを取得したままログインに至らなかったセッションが対象。
	ZombieTTL time.Duration
	// SessionRetention は紐付け済みセッションの保持期間（デフォルト: 90日）。
	SessionRetention time.Duration
	// CacheRetention はキャッシュ行の保持期間（デフォルト: 60日）。
	CacheRetention time.Duration
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(db Executor, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		db:               db,
		logger:           logger,
		ZombieTTL:        10 * time.Minute,
		SessionRetention: 90 * 24 * time.Hour,
		CacheRetention:   60 * 24 * time.Hour,
	}
}

// Run は期限切れレコードを削除する。
// 削除対象がない場合でもエラーにならない。一部のクエリが失敗しても
// 残りのクエリは実行し、最初のエラーを返す。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	now := start.UnixMilli()

	var firstErr error
	zombies := j.deleteStep(ctx, "未紐付けセッション",
		`DELETE FROM sessions WHERE student_id IS NULL AND updated_at < $1`,
		now-j.ZombieTTL.Milliseconds(), &firstErr)
	stale := j.deleteStep(ctx, "長期未使用セッション",
		`DELETE FROM sessions WHERE student_id IS NOT NULL AND updated_at < $1`,
		now-j.SessionRetention.Milliseconds(), &firstErr)
	caches := j.deleteStep(ctx, "期限切れキャッシュ",
		`DELETE FROM data_cache WHERE updated_at < $1`,
		now-j.CacheRetention.Milliseconds(), &firstErr)

	duration := time.Since(start)
	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("zombie_sessions", zombies),
		slog.Int64("stale_sessions", stale),
		slog.Int64("expired_caches", caches),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return firstErr
}

// deleteStep は削除クエリを1つ実行して削除件数を返す。
// エラーは*firstErrに最初の1件だけ記録する。
func (j *CleanupJob) deleteStep(ctx context.Context, label, query string, cutoff int64, firstErr *error) int64 {
	result, err := j.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		j.logger.Error("クリーンアップの実行に失敗しました",
			slog.String("target", label),
			slog.String("error", err.Error()),
		)
		if *firstErr == nil {
			*firstErr = fmt.Errorf("%sの削除に失敗: %w", label, err)
		}
		return 0
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("削除件数の取得に失敗しました",
			slog.String("target", label),
			slog.String("error", err.Error()),
		)
		if *firstErr == nil {
			*firstErr = fmt.Errorf("%sの削除件数の取得に失敗: %w", label, err)
		}
		return 0
	}
	return deleted
}
