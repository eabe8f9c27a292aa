// Package refund は補償返金に失敗した引き落としを再試行するバックグラウンドジョブを提供する。
//
// AI生成の失敗時に返金できなかった記録（refund_failures）を定期的に読み出し、
// 同じ冪等キーで返金を再実行する。返金は冪等なため、前回の返金が実は
// 成功していた場合でも二重に返金されることはない。
package refund

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/arete-app/arete/internal/credit"
	"github.com/arete-app/arete/internal/metrics"
	"github.com/arete-app/arete/internal/model"
)

const (
	// maxBackoff はサイクル全体が失敗し続けた場合の最大待機時間。
	maxBackoff = 1 * time.Hour
)

// Refunder は補償返金のインターフェース。*credit.Service が満たす。
type Refunder interface {
	Refund(ctx context.Context, userID, requestID string, amount int64) (*credit.CreditResult, error)
}

// FailureStore は返金失敗記録の読み書きに使うインターフェース。
// repository.RefundFailureRepository の部分集合。
type FailureStore interface {
	ListPending(ctx context.Context, maxAttempts, limit int) ([]*model.RefundFailure, error)
	MarkResolved(ctx context.Context, id string) error
	IncrementAttempts(ctx context.Context, id string, lastErr string) error
}

// Config は再試行ジョブの設定パラメータ。
type Config struct {
	// Interval は再試行サイクルの実行間隔（デフォルト: 5分）。
	Interval time.Duration
	// MaxAttempts は1件あたりの最大試行回数。到達した記録は手動対応とする（デフォルト: 10）。
	MaxAttempts int
	// BatchSize は1サイクルで処理する最大件数（デフォルト: 100）。
	BatchSize int
}

// DefaultConfig はデフォルトの再試行設定を返す。
func DefaultConfig() Config {
	return Config{
		Interval:    5 * time.Minute,
		MaxAttempts: 10,
		BatchSize:   100,
	}
}

// CycleResult は1回のサイクルの処理件数。
type CycleResult struct {
	Resolved  int
	Failed    int
	Abandoned int
}

// RetryJob は返金失敗記録の再試行ジョブ。
type RetryJob struct {
	store    FailureStore
	refunder Refunder
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
	config   Config

	consecutiveErrors int
	backoffUntil      time.Time
	now               func() time.Time
}

// NewRetryJob はRetryJobの新しいインスタンスを生成する。
// 設定値が0以下の項目はデフォルト値を使う。
func NewRetryJob(store FailureStore, refunder Refunder, collector metrics.MetricsCollector, logger *slog.Logger, config Config) *RetryJob {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &RetryJob{
		store:    store,
		refunder: refunder,
		metrics:  collector,
		logger:   logger,
		config:   config,
		now:      time.Now,
	}
}

// Start は再試行ジョブをティッカーで定期実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *RetryJob) Start(ctx context.Context) {
	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	j.logger.Info("返金再試行ジョブを開始しました",
		slog.Duration("interval", j.config.Interval),
		slog.Int("max_attempts", j.config.MaxAttempts),
		slog.Int("batch_size", j.config.BatchSize),
	)

	// 起動直後に1回実行
	if _, err := j.RunOnce(ctx); err != nil {
		j.logger.Error("返金再試行サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("返金再試行ジョブを停止しました")
			return
		case <-ticker.C:
			if _, err := j.RunOnce(ctx); err != nil {
				j.logger.Error("返金再試行サイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は未解決の返金失敗記録を1サイクル分処理する。
func (j *RetryJob) RunOnce(ctx context.Context) (*CycleResult, error) {
	result := &CycleResult{}

	// バックオフ中の場合はスキップ
	if !j.backoffUntil.IsZero() && j.now().Before(j.backoffUntil) {
		j.logger.Info("返金再試行ジョブはバックオフ中のためスキップします",
			slog.Time("backoff_until", j.backoffUntil),
		)
		return result, nil
	}

	start := j.now()
	pending, err := j.store.ListPending(ctx, j.config.MaxAttempts, j.config.BatchSize)
	if err != nil {
		j.recordCycleError()
		return nil, fmt.Errorf("未解決の返金失敗記録の取得に失敗しました: %w", err)
	}
	if len(pending) == 0 {
		j.resetBackoff()
		return result, nil
	}

	for _, f := range pending {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		j.retry(ctx, f, result)
	}

	// 1件も解決できなかったサイクルが続く場合は台帳側の障害とみなして間隔を空ける
	if result.Resolved == 0 && result.Failed > 0 {
		j.recordCycleError()
	} else {
		j.resetBackoff()
	}

	j.logger.Info("返金再試行サイクルが完了しました",
		slog.Int("pending", len(pending)),
		slog.Int("resolved", result.Resolved),
		slog.Int("failed", result.Failed),
		slog.Int("abandoned", result.Abandoned),
		slog.Float64("duration_ms", float64(j.now().Sub(start).Milliseconds())),
	)
	return result, nil
}

func (j *RetryJob) retry(ctx context.Context, f *model.RefundFailure, result *CycleResult) {
	res, err := j.refunder.Refund(ctx, f.UserID, f.RequestID, f.Amount)
	if err == nil {
		j.resolve(ctx, f)
		result.Resolved++
		j.logger.Info("補償返金の再試行に成功しました",
			slog.String("user_id", f.UserID),
			slog.String("request_id", f.RequestID),
			slog.Int64("amount", f.Amount),
			slog.Bool("replayed", res.Replayed),
			slog.Int64("credits_remaining", res.CreditsRemaining),
		)
		return
	}

	// 返金すべき引き落としが存在しない等、再試行しても結果が変わらないもの
	if credit.IsClientError(err) {
		j.resolve(ctx, f)
		result.Resolved++
		j.logger.Warn("返金対象が無いため返金失敗記録を解決済みにします",
			slog.String("user_id", f.UserID),
			slog.String("request_id", f.RequestID),
			slog.Int64("amount", f.Amount),
			slog.String("error", err.Error()),
		)
		return
	}

	result.Failed++
	if incErr := j.store.IncrementAttempts(ctx, f.ID, err.Error()); incErr != nil {
		j.logger.Error("返金失敗記録の試行回数の更新に失敗しました",
			slog.String("id", f.ID),
			slog.String("error", incErr.Error()),
		)
	}

	attempts := f.Attempts + 1
	if attempts >= j.config.MaxAttempts {
		result.Abandoned++
		j.metrics.RecordRefundFailure()
		j.logger.Error("補償返金の再試行が上限に達しました。手動での対応が必要です",
			slog.String("user_id", f.UserID),
			slog.String("request_id", f.RequestID),
			slog.Int64("amount", f.Amount),
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()),
		)
		return
	}

	j.logger.Warn("補償返金の再試行に失敗しました",
		slog.String("user_id", f.UserID),
		slog.String("request_id", f.RequestID),
		slog.Int("attempts", attempts),
		slog.String("error", err.Error()),
	)
}

func (j *RetryJob) resolve(ctx context.Context, f *model.RefundFailure) {
	if err := j.store.MarkResolved(ctx, f.ID); err != nil {
		// 次のサイクルで再度返金されるが、冪等キーにより二重返金にはならない
		j.logger.Error("返金失敗記録の解決済み更新に失敗しました",
			slog.String("id", f.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (j *RetryJob) recordCycleError() {
	j.consecutiveErrors++
	backoff := calculateBackoff(j.config.Interval, j.consecutiveErrors)
	if backoff > 0 {
		j.backoffUntil = j.now().Add(backoff)
		j.logger.Warn("連続エラーによりバックオフを適用します",
			slog.Int("consecutive_errors", j.consecutiveErrors),
			slog.Duration("backoff_duration", backoff),
		)
	}
}

func (j *RetryJob) resetBackoff() {
	j.consecutiveErrors = 0
	j.backoffUntil = time.Time{}
}

// calculateBackoff は連続エラー回数に基づく待機時間を計算する。
// 3回未満は待機せず、以降は実行間隔の2倍から倍々に増やし、最大1時間。
func calculateBackoff(interval time.Duration, consecutiveErrors int) time.Duration {
	if consecutiveErrors < 3 {
		return 0
	}
	delay := interval * 2
	for i := 3; i < consecutiveErrors; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	if delay > maxBackoff {
		return maxBackoff
	}
	return delay
}
