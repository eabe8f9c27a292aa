package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/arete-app/arete/internal/model"
)

// PostgreSQLのSQLSTATE。
const (
	pqForeignKeyViolation    = "23503"
	pqUniqueViolation        = "23505"
	pqInvalidTextRepresent   = "22P02"
	seedRequestID            = "seed"
	errIdempotencyNoOriginal = "idempotency conflict but original event not found"
)

// queryRower は *sql.DB と *sql.Tx の共通部分。
type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// execer は *sql.DB と *sql.Tx の共通部分。
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// PostgresLedgerRepo はPostgreSQLを使用した利用台帳リポジトリ。
//
// 同一ユーザーへの変更は credit_wallets 行の行ロックで直列化し、
// 冪等性は usage_events のユニーク制約で保証する。
// ロック順は常に「ウォレット行 → 台帳行」とする。
type PostgresLedgerRepo struct {
	db *sql.DB
}

// NewPostgresLedgerRepo はPostgresLedgerRepoを生成する。
func NewPostgresLedgerRepo(db *sql.DB) *PostgresLedgerRepo {
	return &PostgresLedgerRepo{db: db}
}

// GetOrCreateWallet はウォレットを返す。存在しない場合は seed 付与と同時に作成する。
func (r *PostgresLedgerRepo) GetOrCreateWallet(ctx context.Context, userID string) (*model.CreditWallet, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := ensureWallet(ctx, tx, userID); err != nil {
		return nil, err
	}

	wallet := &model.CreditWallet{}
	err = tx.QueryRowContext(ctx,
		`SELECT user_id, credits_remaining, plan, created_at, updated_at
		 FROM credit_wallets
		 WHERE user_id = $1`,
		userID,
	).Scan(&wallet.UserID, &wallet.CreditsRemaining, &wallet.Plan, &wallet.CreatedAt, &wallet.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to read wallet: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return wallet, nil
}

// Debit は残高が足りる場合のみ減算し、debit イベントを記録する。
func (r *PostgresLedgerRepo) Debit(ctx context.Context, userID, requestID string, amount int64) (*model.LedgerOutcome, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// 1. ウォレットを確保（初回アクセスなら seed を記録）
	if err := ensureWallet(ctx, tx, userID); err != nil {
		return nil, err
	}

	// 2. 残高が足りる場合のみ減算する
	var balance int64
	err = tx.QueryRowContext(ctx,
		`UPDATE credit_wallets
		 SET credits_remaining = credits_remaining - $2, updated_at = now()
		 WHERE user_id = $1 AND credits_remaining >= $2
		 RETURNING credits_remaining`,
		userID, amount,
	).Scan(&balance)

	if errors.Is(err, sql.ErrNoRows) {
		// 3a. 残高不足。ただし同じキーの引き落としが既にあれば再送として初回の結果を返す
		prev, err := findEvent(ctx, tx, userID, model.UsageKindDebit, requestID)
		if err != nil {
			return nil, err
		}

		outcome := &model.LedgerOutcome{}
		if prev != nil {
			outcome = replayOutcome(prev)
		} else {
			current, err := walletBalance(ctx, tx, userID)
			if err != nil {
				return nil, err
			}
			outcome.CreditsRemaining = current
		}

		// 初回アクセスで作成したウォレットを残すためにコミットする
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit transaction: %w", err)
		}
		return outcome, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to debit wallet: %w", err)
	}

	// 3b. 台帳に記録する
	return appendCreditEvent(ctx, tx, userID, model.UsageKindDebit, requestID, -amount, balance)
}

// Credit は残高を増やし、refund または credit_grant イベントを記録する。
func (r *PostgresLedgerRepo) Credit(ctx context.Context, userID string, kind model.UsageKind, requestID string, amount int64) (*model.LedgerOutcome, error) {
	if kind != model.UsageKindRefund && kind != model.UsageKindCreditGrant {
		return nil, fmt.Errorf("kind %q cannot credit a wallet", kind)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := ensureWallet(ctx, tx, userID); err != nil {
		return nil, err
	}

	var balance int64
	err = tx.QueryRowContext(ctx,
		`UPDATE credit_wallets
		 SET credits_remaining = credits_remaining + $2, updated_at = now()
		 WHERE user_id = $1
		 RETURNING credits_remaining`,
		userID, amount,
	).Scan(&balance)
	if err != nil {
		return nil, fmt.Errorf("failed to credit wallet: %w", err)
	}

	return appendCreditEvent(ctx, tx, userID, kind, requestID, amount, balance)
}

// AppendSessionEvent はセッション系イベントを記録する。
// 集計値の下限チェックは行わない。
func (r *PostgresLedgerRepo) AppendSessionEvent(ctx context.Context, userID string, kind model.UsageKind, requestID string, qty int64) (bool, error) {
	if kind != model.UsageKindSessionGrant && kind != model.UsageKindSessionUse {
		return false, fmt.Errorf("kind %q is not a session event", kind)
	}
	return insertEvent(ctx, r.db, userID, kind, requestID, qty, nil)
}

// SessionBalance はセッション枠の生の集計値を返す。
func (r *PostgresLedgerRepo) SessionBalance(ctx context.Context, userID string) (int64, error) {
	var total int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(CASE WHEN kind = 'session_grant' THEN qty ELSE -qty END), 0)
		 FROM usage_events
		 WHERE user_id = $1 AND kind IN ('session_grant', 'session_use')`,
		userID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to aggregate sessions: %w", mapLedgerError(err))
	}
	return total, nil
}

// FindEvent は種別と冪等キーでイベントを取得する。
func (r *PostgresLedgerRepo) FindEvent(ctx context.Context, userID string, kind model.UsageKind, requestID string) (*model.UsageEvent, error) {
	return findEvent(ctx, r.db, userID, kind, requestID)
}

// ensureWallet はウォレット行が無ければ作成し、同時に seed イベントを記録する。
// 同時の初回アクセスはユニーク制約で待ち合わせ、後続はDO NOTHINGになる。
func ensureWallet(ctx context.Context, tx *sql.Tx, userID string) error {
	result, err := tx.ExecContext(ctx,
		`INSERT INTO credit_wallets (user_id, credits_remaining)
		 VALUES ($1, $2)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, model.SeedCredits,
	)
	if err != nil {
		return fmt.Errorf("failed to ensure wallet: %w", mapLedgerError(err))
	}

	created, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if created == 0 {
		return nil
	}

	seed := model.SeedCredits
	if _, err := insertEvent(ctx, tx, userID, model.UsageKindSeed, seedRequestID, model.SeedCredits, &seed); err != nil {
		return fmt.Errorf("failed to record seed event: %w", err)
	}
	return nil
}

// appendCreditEvent は残高更新済みのトランザクションにイベントを記録してコミットする。
// キーが既に使われていた場合は残高更新ごとロールバックし、初回の結果を返す。
func appendCreditEvent(ctx context.Context, tx *sql.Tx, userID string, kind model.UsageKind, requestID string, qty, balance int64) (*model.LedgerOutcome, error) {
	inserted, err := insertEvent(ctx, tx, userID, kind, requestID, qty, &balance)
	if err != nil {
		return nil, err
	}

	if !inserted {
		prev, err := findEvent(ctx, tx, userID, kind, requestID)
		if err != nil {
			return nil, err
		}
		if prev == nil {
			return nil, errors.New(errIdempotencyNoOriginal)
		}
		if err := tx.Rollback(); err != nil {
			return nil, fmt.Errorf("failed to rollback replayed mutation: %w", err)
		}
		return replayOutcome(prev), nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return &model.LedgerOutcome{Applied: true, CreditsRemaining: balance}, nil
}

// insertEvent は台帳にイベントを追記する。キーが既にあれば何もせず false を返す。
func insertEvent(ctx context.Context, ex execer, userID string, kind model.UsageKind, requestID string, qty int64, balanceAfter *int64) (bool, error) {
	var after sql.NullInt64
	if balanceAfter != nil {
		after = sql.NullInt64{Int64: *balanceAfter, Valid: true}
	}

	result, err := ex.ExecContext(ctx,
		`INSERT INTO usage_events (id, user_id, kind, qty, request_id, balance_after)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (user_id, kind, request_id) DO NOTHING`,
		uuid.New().String(), userID, string(kind), qty, requestID, after,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert usage event: %w", mapLedgerError(err))
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// findEvent は種別と冪等キーでイベントを取得する。見つからない場合はnilを返す。
func findEvent(ctx context.Context, q queryRower, userID string, kind model.UsageKind, requestID string) (*model.UsageEvent, error) {
	ev := &model.UsageEvent{}
	var kindStr string
	var after sql.NullInt64
	err := q.QueryRowContext(ctx,
		`SELECT id, user_id, kind, qty, request_id, balance_after, created_at
		 FROM usage_events
		 WHERE user_id = $1 AND kind = $2 AND request_id = $3`,
		userID, string(kind), requestID,
	).Scan(&ev.ID, &ev.UserID, &kindStr, &ev.Qty, &ev.RequestID, &after, &ev.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find usage event: %w", mapLedgerError(err))
	}

	ev.Kind = model.UsageKind(kindStr)
	if after.Valid {
		v := after.Int64
		ev.BalanceAfter = &v
	}
	return ev, nil
}

// walletBalance はトランザクション内で現在の残高を読む。
func walletBalance(ctx context.Context, q queryRower, userID string) (int64, error) {
	var balance int64
	err := q.QueryRowContext(ctx,
		`SELECT credits_remaining FROM credit_wallets WHERE user_id = $1`,
		userID,
	).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return balance, nil
}

// replayOutcome は既存イベントから初回処理の結果を復元する。
func replayOutcome(prev *model.UsageEvent) *model.LedgerOutcome {
	outcome := &model.LedgerOutcome{Replayed: true}
	if prev.BalanceAfter != nil {
		outcome.CreditsRemaining = *prev.BalanceAfter
	}
	return outcome
}

// mapLedgerError は存在しないユーザーへの参照をドメインエラーに変換する。
func mapLedgerError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqForeignKeyViolation, pqInvalidTextRepresent:
			return model.ErrUserNotFound
		}
	}
	return err
}

// compile-time interface check
var _ LedgerRepository = (*PostgresLedgerRepo)(nil)
