// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/arete-app/arete/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail はメールアドレス（大文字小文字を区別しない）でユーザーを取得する。
	// 見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// FindByIdentity は外部IdPの (provider, provider_user_id) に紐付くユーザーを取得する。
	// 見つからない場合はnilを返す。
	FindByIdentity(ctx context.Context, provider, providerUserID string) (*model.User, error)

	// CreateWithIdentity はユーザーとidentityを同一トランザクションで作成する。
	// メールアドレスが既存ユーザーと重複する場合は model.ErrEmailInUse を返す。
	CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error

	// AddIdentity は既存ユーザーに別のIdPアカウントを紐付ける。
	AddIdentity(ctx context.Context, identity *model.Identity) error

	// UpdateProfile はIdP側で変わったメールアドレスと表示名を反映する。
	// メールアドレスが別ユーザーと重複する場合は model.ErrEmailInUse を返す。
	UpdateProfile(ctx context.Context, userID, email, name string) error
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションをユーザーのメールアドレス付きで取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
}

// LedgerRepository は利用台帳とウォレット射影の永続化インターフェース。
// すべての変更操作は1トランザクション内でウォレット行と台帳行を更新する。
// 冪等性は usage_events の (user_id, kind, request_id) ユニーク制約で保証する。
type LedgerRepository interface {
	// GetOrCreateWallet はウォレットを返す。存在しない場合は初回付与と seed イベントを同時に記録して作成する。
	// ユーザーが存在しない場合は model.ErrUserNotFound を返す。
	GetOrCreateWallet(ctx context.Context, userID string) (*model.CreditWallet, error)

	// Debit は残高が amount 以上の場合のみ減算し debit イベントを記録する。
	// 残高不足の場合は Applied=false で何も変更しない。
	// 同じ requestID の debit が既にある場合は初回の結果を Replayed=true で返す。
	Debit(ctx context.Context, userID, requestID string, amount int64) (*model.LedgerOutcome, error)

	// Credit は残高を amount だけ増やし、kind のイベントを記録する（refund / credit_grant）。
	// 同じ kind と requestID のイベントが既にある場合は初回の結果を Replayed=true で返す。
	Credit(ctx context.Context, userID string, kind model.UsageKind, requestID string, amount int64) (*model.LedgerOutcome, error)

	// AppendSessionEvent はセッション系イベントを記録する。ウォレットは変更しない。
	// 新規に記録した場合は true、同じキーが既にあった場合は false を返す。
	AppendSessionEvent(ctx context.Context, userID string, kind model.UsageKind, requestID string, qty int64) (bool, error)

	// SessionBalance はセッション枠の生の集計値（付与合計 - 消費合計）を返す。下限処理はしない。
	SessionBalance(ctx context.Context, userID string) (int64, error)

	// FindEvent は種別と冪等キーでイベントを取得する。見つからない場合はnilを返す。
	FindEvent(ctx context.Context, userID string, kind model.UsageKind, requestID string) (*model.UsageEvent, error)
}

// PaymentOrderRepository は決済注文の永続化インターフェース。
type PaymentOrderRepository interface {
	// Create は注文を作成する。
	Create(ctx context.Context, order *model.PaymentOrder) error
	// FindByToken はゲートウェイのトークンで注文を取得する。見つからない場合はnilを返す。
	FindByToken(ctx context.Context, token string) (*model.PaymentOrder, error)
	// UpdateStatus は注文の状態と承認コードを更新する。
	UpdateStatus(ctx context.Context, id string, status model.PaymentStatus, authorizationCode string) error
}

// RefundFailureRepository は補償返金に失敗した記録の永続化インターフェース。
type RefundFailureRepository interface {
	// Record は返金失敗を記録する。同じ (user_id, request_id) が既にある場合はエラー内容のみ更新する。
	Record(ctx context.Context, failure *model.RefundFailure) error
	// ListPending は未解決かつ試行回数が maxAttempts 未満の記録を古い順に最大 limit 件取得する。
	ListPending(ctx context.Context, maxAttempts, limit int) ([]*model.RefundFailure, error)
	// MarkResolved は記録を解決済みにする。
	MarkResolved(ctx context.Context, id string) error
	// IncrementAttempts は試行回数を1増やし、最後のエラーを記録する。
	IncrementAttempts(ctx context.Context, id string, lastErr string) error
}
