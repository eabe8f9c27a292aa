package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/arete-app/arete/internal/model"
)

const (
	insertSessionQuery = `INSERT INTO sessions (id, user_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4)`

	// 照合処理で本人確認に使うため、メールアドレスはusersから引く
	selectLiveSessionQuery = `SELECT s.id, s.user_id, u.email, s.expires_at, s.created_at
		FROM sessions s
		JOIN users u ON u.id = s.user_id
		WHERE s.id = $1 AND s.expires_at > now()`

	deleteSessionQuery = `DELETE FROM sessions WHERE id = $1`
)

// PostgresSessionRepo はsessionsテーブルを扱う。
type PostgresSessionRepo struct {
	db *sql.DB
}

func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

// Create はセッションを保存する。ユーザーが存在しない場合は model.ErrUserNotFound を返す。
func (r *PostgresSessionRepo) Create(ctx context.Context, session *model.Session) error {
	_, err := r.db.ExecContext(ctx, insertSessionQuery,
		session.ID, session.UserID, session.ExpiresAt, session.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", mapLedgerError(err))
	}
	return nil
}

// FindByID は期限内のセッションを返す。見つからなければ nil, nil。
func (r *PostgresSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	var s model.Session
	err := r.db.QueryRowContext(ctx, selectLiveSessionQuery, id).
		Scan(&s.ID, &s.UserID, &s.Email, &s.ExpiresAt, &s.CreatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	return &s, nil
}

// DeleteByID はセッションを削除する。存在しなくてもエラーにしない。
func (r *PostgresSessionRepo) DeleteByID(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, deleteSessionQuery, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

var _ SessionRepository = (*PostgresSessionRepo)(nil)
