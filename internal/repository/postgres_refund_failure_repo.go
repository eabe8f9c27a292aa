package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/arete-app/arete/internal/model"
)

// PostgresRefundFailureRepo はPostgreSQLを使用した返金失敗リポジトリ。
type PostgresRefundFailureRepo struct {
	db *sql.DB
}

// NewPostgresRefundFailureRepo はPostgresRefundFailureRepoを生成する。
func NewPostgresRefundFailureRepo(db *sql.DB) *PostgresRefundFailureRepo {
	return &PostgresRefundFailureRepo{db: db}
}

// Record は返金失敗を記録する。同じ (user_id, request_id) が既にある場合はエラー内容のみ更新する。
func (r *PostgresRefundFailureRepo) Record(ctx context.Context, failure *model.RefundFailure) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO refund_failures (id, user_id, request_id, amount, last_error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $6)
		 ON CONFLICT (user_id, request_id)
		 DO UPDATE SET last_error = EXCLUDED.last_error, updated_at = EXCLUDED.updated_at`,
		failure.ID, failure.UserID, failure.RequestID, failure.Amount, failure.LastError, failure.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record refund failure: %w", err)
	}
	return nil
}

// ListPending は未解決かつ試行回数が maxAttempts 未満の記録を古い順に取得する。
func (r *PostgresRefundFailureRepo) ListPending(ctx context.Context, maxAttempts, limit int) ([]*model.RefundFailure, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, request_id, amount, attempts, last_error, created_at, updated_at
		 FROM refund_failures
		 WHERE resolved_at IS NULL AND attempts < $1
		 ORDER BY created_at ASC
		 LIMIT $2`,
		maxAttempts, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending refund failures: %w", err)
	}
	defer rows.Close()

	var failures []*model.RefundFailure
	for rows.Next() {
		f := &model.RefundFailure{}
		if err := rows.Scan(&f.ID, &f.UserID, &f.RequestID, &f.Amount, &f.Attempts, &f.LastError, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan refund failure: %w", err)
		}
		failures = append(failures, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate refund failures: %w", err)
	}

	return failures, nil
}

// MarkResolved は記録を解決済みにする。
func (r *PostgresRefundFailureRepo) MarkResolved(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE refund_failures SET resolved_at = now(), updated_at = now() WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to resolve refund failure: %w", err)
	}
	return nil
}

// IncrementAttempts は試行回数を1増やし、最後のエラーを記録する。
func (r *PostgresRefundFailureRepo) IncrementAttempts(ctx context.Context, id string, lastErr string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE refund_failures
		 SET attempts = attempts + 1, last_error = $2, updated_at = now()
		 WHERE id = $1`,
		id, lastErr,
	)
	if err != nil {
		return fmt.Errorf("failed to increment refund attempts: %w", err)
	}
	return nil
}

// compile-time interface check
var _ RefundFailureRepository = (*PostgresRefundFailureRepo)(nil)
