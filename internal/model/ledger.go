package model

import "time"

// SeedCredits は新規ウォレットに初回付与するクレジット数。
const SeedCredits int64 = 20

// UsageKind は利用イベントの種別を表す。
type UsageKind string

const (
	// UsageKindSeed はウォレット作成時の初回付与。
	UsageKindSeed UsageKind = "seed"
	// UsageKindDebit はAI利用によるクレジット引き落とし。qtyは負数で記録する。
	UsageKindDebit UsageKind = "debit"
	// UsageKindRefund は引き落としに対する補償返金。
	UsageKindRefund UsageKind = "refund"
	// UsageKindCreditGrant はクレジットパック購入による付与。
	UsageKindCreditGrant UsageKind = "credit_grant"
	// UsageKindSessionGrant はアドバイザリーセッション枠の付与。
	UsageKindSessionGrant UsageKind = "session_grant"
	// UsageKindSessionUse はセッション枠の消費。キャンセルは負数で記録する。
	UsageKindSessionUse UsageKind = "session_use"
)

// IsValid は種別が定義済みの値かどうかを判定する。
func (k UsageKind) IsValid() bool {
	switch k {
	case UsageKindSeed, UsageKindDebit, UsageKindRefund,
		UsageKindCreditGrant, UsageKindSessionGrant, UsageKindSessionUse:
		return true
	default:
		return false
	}
}

// AffectsCredits はクレジット残高に影響する種別かどうかを判定する。
func (k UsageKind) AffectsCredits() bool {
	switch k {
	case UsageKindSeed, UsageKindDebit, UsageKindRefund, UsageKindCreditGrant:
		return true
	default:
		return false
	}
}

// UsageEvent は追記専用の利用台帳の1行を表す。
// 作成後に更新・削除されることはない。
type UsageEvent struct {
	ID        string
	UserID    string
	Kind      UsageKind
	Qty       int64
	RequestID string
	// BalanceAfter はクレジット系イベント適用直後の残高。セッション系イベントではnil。
	BalanceAfter *int64
	CreatedAt    time.Time
}

// CreditWallet はユーザーごとのクレジット残高の射影。
type CreditWallet struct {
	UserID           string
	CreditsRemaining int64
	Plan             string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// LedgerOutcome はクレジット残高を変更する台帳操作の結果。
type LedgerOutcome struct {
	// Applied は今回の呼び出しで新しいイベントが記録されたかどうか。
	Applied bool
	// Replayed は同じ冪等キーのイベントが既に存在したかどうか。
	Replayed bool
	// CreditsRemaining は操作後（再送時は初回処理後）の残高。
	CreditsRemaining int64
}

// FloorSessions はセッション枠の生の集計値を表示用に0で下限クリップする。
// 書き込み時には下限を課さないため、生の値は一時的に負になりうる。
func FloorSessions(raw int64) int64 {
	if raw < 0 {
		return 0
	}
	return raw
}
