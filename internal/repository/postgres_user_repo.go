package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/arete-app/arete/internal/model"
)

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

const userColumns = `u.id, u.email, u.name, u.created_at, u.updated_at`

func scanUser(row *sql.Row) (*model.User, error) {
	user := &model.User{}
	err := row.Scan(&user.ID, &user.Email, &user.Name, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users u WHERE u.id = $1`,
		id,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}
	return user, nil
}

// FindByEmail はメールアドレスでユーザーを取得する。
// 前後の空白を除き、大文字小文字を区別せずに比較する。
func (r *PostgresUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	normalized := model.NormalizeEmail(email)
	if normalized == "" {
		return nil, nil
	}

	user, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users u WHERE lower(u.email) = $1`,
		normalized,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	return user, nil
}

// FindByIdentity は外部IdPの識別子に紐付くユーザーを取得する。
func (r *PostgresUserRepo) FindByIdentity(ctx context.Context, provider, providerUserID string) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+`
		 FROM identities i
		 JOIN users u ON u.id = i.user_id
		 WHERE i.provider = $1 AND i.provider_user_id = $2`,
		provider, providerUserID,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to find user by identity: %w", err)
	}
	return user, nil
}

// CreateWithIdentity はユーザーとidentityを同一トランザクションで作成する。
func (r *PostgresUserRepo) CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO users (id, email, name, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		user.ID, model.NormalizeEmail(user.Email), user.Name, user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", mapUserError(err))
	}

	if err := insertIdentity(ctx, tx, identity); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// AddIdentity は既存ユーザーにidentityを追加する。
func (r *PostgresUserRepo) AddIdentity(ctx context.Context, identity *model.Identity) error {
	return insertIdentity(ctx, r.db, identity)
}

// UpdateProfile はメールアドレスと表示名を更新する。
func (r *PostgresUserRepo) UpdateProfile(ctx context.Context, userID, email, name string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE users SET email = $2, name = $3, updated_at = now() WHERE id = $1`,
		userID, model.NormalizeEmail(email), name,
	)
	if err != nil {
		return fmt.Errorf("failed to update user profile: %w", mapUserError(err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return model.ErrUserNotFound
	}
	return nil
}

func insertIdentity(ctx context.Context, db execer, identity *model.Identity) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO identities (id, user_id, provider, provider_user_id, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		identity.ID, identity.UserID, identity.Provider, identity.ProviderUserID, identity.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert identity: %w", mapLedgerError(err))
	}
	return nil
}

// mapUserError はメールアドレスの一意制約違反をドメインエラーに変換する。
func mapUserError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
		return model.ErrEmailInUse
	}
	return err
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
