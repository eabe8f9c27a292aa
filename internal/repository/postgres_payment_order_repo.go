package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/arete-app/arete/internal/model"
)

// PostgresPaymentOrderRepo はPostgreSQLを使用した決済注文リポジトリ。
type PostgresPaymentOrderRepo struct {
	db *sql.DB
}

// NewPostgresPaymentOrderRepo はPostgresPaymentOrderRepoを生成する。
func NewPostgresPaymentOrderRepo(db *sql.DB) *PostgresPaymentOrderRepo {
	return &PostgresPaymentOrderRepo{db: db}
}

// Create は注文を作成する。
func (r *PostgresPaymentOrderRepo) Create(ctx context.Context, order *model.PaymentOrder) error {
	var token sql.NullString
	if order.Token != "" {
		token = sql.NullString{String: order.Token, Valid: true}
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO payment_orders (id, user_id, buy_order, product_code, amount, token, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		order.ID, order.UserID, order.BuyOrder, order.ProductCode, order.Amount,
		token, string(order.Status), order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create payment order: %w", mapLedgerError(err))
	}
	return nil
}

// FindByToken はゲートウェイのトークンで注文を取得する。見つからない場合はnilを返す。
func (r *PostgresPaymentOrderRepo) FindByToken(ctx context.Context, token string) (*model.PaymentOrder, error) {
	order := &model.PaymentOrder{}
	var tok sql.NullString
	var status string
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, buy_order, product_code, amount, token, status, authorization_code, created_at, updated_at
		 FROM payment_orders
		 WHERE token = $1`,
		token,
	).Scan(&order.ID, &order.UserID, &order.BuyOrder, &order.ProductCode, &order.Amount,
		&tok, &status, &order.AuthorizationCode, &order.CreatedAt, &order.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find payment order: %w", err)
	}

	order.Token = tok.String
	order.Status = model.PaymentStatus(status)
	return order, nil
}

// UpdateStatus は注文の状態と承認コードを更新する。
func (r *PostgresPaymentOrderRepo) UpdateStatus(ctx context.Context, id string, status model.PaymentStatus, authorizationCode string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE payment_orders
		 SET status = $2, authorization_code = $3, updated_at = now()
		 WHERE id = $1`,
		id, string(status), authorizationCode,
	)
	if err != nil {
		return fmt.Errorf("failed to update payment order: %w", err)
	}
	return nil
}

// compile-time interface check
var _ PaymentOrderRepository = (*PostgresPaymentOrderRepo)(nil)
