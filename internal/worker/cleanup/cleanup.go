// Package cleanup は期限切れデータの定期削除ジョブを提供する。
// 有効期限を過ぎたセッションと、解決済みになってから保持期間（デフォルト90日）を
// 超過した返金失敗記録を削除する。利用台帳（usage_events）は追記専用のため対象外。
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

const (
	deleteExpiredSessionsQuery = `DELETE FROM sessions WHERE expires_at < now()`
	deleteResolvedRefundsQuery = `DELETE FROM refund_failures
		WHERE resolved_at IS NOT NULL AND resolved_at < now() - $1::interval`
)

// CleanupJob は期限切れデータの削除ジョブ。
// 何度実行しても結果が変わらない冪等な削除処理のみを行う。
type CleanupJob struct {
	db            Executor
	logger        *slog.Logger
	RetentionDays int // 解決済み返金失敗記録の保持日数（デフォルト: 90）
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(db Executor, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		db:            db,
		logger:        logger,
		RetentionDays: 90,
	}
}

// Start は interval ごとに Run を実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("クリーンアップジョブを開始しました",
		slog.Duration("interval", interval),
		slog.Int("retention_days", j.RetentionDays),
	)

	// 起動直後に1回実行（エラーはRun内でログ出力済み）
	_ = j.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("クリーンアップジョブを停止しました")
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}

// Run は期限切れセッションと保持期間を超過した解決済み返金失敗記録を削除する。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	sessions, err := j.exec(ctx, "sessions", deleteExpiredSessionsQuery)
	if err != nil {
		return err
	}

	interval := fmt.Sprintf("%d days", j.RetentionDays)
	refunds, err := j.exec(ctx, "refund_failures", deleteResolvedRefundsQuery, interval)
	if err != nil {
		return err
	}

	duration := time.Since(start)
	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("deleted_sessions", sessions),
		slog.Int64("deleted_refund_failures", refunds),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

func (j *CleanupJob) exec(ctx context.Context, table, query string, args ...interface{}) (int64, error) {
	result, err := j.db.ExecContext(ctx, query, args...)
	if err != nil {
		j.logger.Error("クリーンアップジョブの実行に失敗しました",
			slog.String("table", table),
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("%sのクリーンアップに失敗: %w", table, err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("削除件数の取得に失敗しました",
			slog.String("table", table),
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("削除件数の取得に失敗: %w", err)
	}
	return deleted, nil
}
