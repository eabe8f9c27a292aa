package model

import "time"

// PaymentStatus は決済注文の状態を表す。
type PaymentStatus string

const (
	// PaymentStatusPending はゲートウェイでの支払い待ち。
	PaymentStatusPending PaymentStatus = "pending"
	// PaymentStatusAuthorized はゲートウェイが承認した状態。付与はトークンのキーで台帳に記録する。
	PaymentStatusAuthorized PaymentStatus = "authorized"
	// PaymentStatusRejected はゲートウェイが拒否した状態。
	PaymentStatusRejected PaymentStatus = "rejected"
	// PaymentStatusAborted はユーザーが支払い画面で中断した状態。
	PaymentStatusAborted PaymentStatus = "aborted"
)

// PaymentOrder はWebpayに作成した決済注文を表す。
// 台帳とは異なり、状態は帳簿管理のため更新される。
type PaymentOrder struct {
	ID                string
	UserID            string
	BuyOrder          string
	ProductCode       string
	Amount            int64
	Token             string
	Status            PaymentStatus
	AuthorizationCode string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// RefundFailure は補償返金に失敗し、再試行を待っている記録を表す。
type RefundFailure struct {
	ID         string
	UserID     string
	RequestID  string
	Amount     int64
	Attempts   int
	LastError  string
	ResolvedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
