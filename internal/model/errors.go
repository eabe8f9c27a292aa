// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, billing, scheduling, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 会計サービスと照合処理が返す判別可能なエラー。
// 呼び出し側は errors.Is で分岐する。
var (
	// ErrUserNotFound は指定ユーザーが存在しないことを表す。
	ErrUserNotFound = errors.New("user not found")
	// ErrEmailInUse は別ユーザーが同じメールアドレスを使用していることを表す。
	ErrEmailInUse = errors.New("email already belongs to another user")
	// ErrInvalidAmount は数量が0以下など不正であることを表す。
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrInvalidRequestID は冪等キーが空または長すぎることを表す。
	ErrInvalidRequestID = errors.New("invalid request id")
	// ErrNoMatchingDebit は返金対象の引き落としが見つからないことを表す。
	ErrNoMatchingDebit = errors.New("no matching debit for refund")
	// ErrRefundExceedsDebit は返金額が元の引き落とし額を超えることを表す。
	ErrRefundExceedsDebit = errors.New("refund exceeds debited amount")

	// ErrInvalidSignature はWebhook署名の検証に失敗したことを表す。
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrInvalidPayload はWebhookペイロードを解釈できないことを表す。
	ErrInvalidPayload = errors.New("invalid webhook payload")
	// ErrEventIgnored は処理対象外のイベント種別であることを表す。
	ErrEventIgnored = errors.New("event ignored")
	// ErrEmailMismatch は予約者のメールアドレスがセッションと一致しないことを表す。
	ErrEmailMismatch = errors.New("invitee email does not match session email")
	// ErrProviderFetch は外部プロバイダからのリソース取得に失敗したことを表す。
	ErrProviderFetch = errors.New("provider fetch failed")

	// ErrOrderNotFound は決済トークンに対応する注文が存在しないことを表す。
	ErrOrderNotFound = errors.New("payment order not found")
	// ErrPaymentRejected は決済ゲートウェイが承認しなかったことを表す。
	ErrPaymentRejected = errors.New("payment not authorized")
	// ErrPaymentMismatch はゲートウェイ応答と注文内容が一致しないことを表す。
	ErrPaymentMismatch = errors.New("payment does not match order")
	// ErrUnknownProduct は商品コードまたは注文番号の接頭辞が不明であることを表す。
	ErrUnknownProduct = errors.New("unknown product")
)

// 定義済みエラーコード
const (
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeInvalidRequest      = "INVALID_REQUEST"
	ErrCodeInvalidAmount       = "INVALID_AMOUNT"
	ErrCodeInsufficientCredits = "INSUFFICIENT_CREDITS"
	ErrCodeNoMatchingDebit     = "NO_MATCHING_DEBIT"
	ErrCodeUserNotFound        = "USER_NOT_FOUND"
	ErrCodeEmailMismatch       = "EMAIL_MISMATCH"
	ErrCodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	ErrCodeGenerationFailed    = "GENERATION_FAILED"
	ErrCodeUnknownProduct      = "UNKNOWN_PRODUCT"
	ErrCodeInvalidSignature    = "INVALID_SIGNATURE"
	ErrCodeCSRFInvalid         = "CSRF_INVALID"
	ErrCodeRateLimited         = "RATE_LIMITED"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewInvalidRequestError はリクエスト不正エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "リクエスト内容を確認してください。",
	}
}

// NewInvalidAmountError は数量不正エラーを生成する。
func NewInvalidAmountError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidAmount,
		Message:  "数量は1以上で指定してください。",
		Category: "validation",
		Action:   "数量を確認してください。",
	}
}

// NewInsufficientCreditsError はクレジット残高不足エラーを生成する。
func NewInsufficientCreditsError(remaining int64) *APIError {
	return &APIError{
		Code:     ErrCodeInsufficientCredits,
		Message:  fmt.Sprintf("クレジットが不足しています（残り %d）。", remaining),
		Category: "billing",
		Action:   "クレジットパックを購入してから再度お試しください。",
	}
}

// NewNoMatchingDebitError は返金対象の引き落とし未検出エラーを生成する。
func NewNoMatchingDebitError() *APIError {
	return &APIError{
		Code:     ErrCodeNoMatchingDebit,
		Message:  "返金対象の利用履歴が見つかりません。",
		Category: "billing",
		Action:   "リクエストIDを確認してください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewEmailMismatchError は予約者メールアドレス不一致エラーを生成する。
func NewEmailMismatchError() *APIError {
	return &APIError{
		Code:     ErrCodeEmailMismatch,
		Message:  "予約者のメールアドレスがログイン中のアカウントと一致しません。",
		Category: "scheduling",
		Action:   "ログイン中のアカウントのメールアドレスで予約してください。",
	}
}

// NewProviderUnavailableError は外部プロバイダ照会失敗エラーを生成する。
func NewProviderUnavailableError(provider string) *APIError {
	return &APIError{
		Code:     ErrCodeProviderUnavailable,
		Message:  fmt.Sprintf("%s への照会に失敗しました。", provider),
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewGenerationFailedError はAI生成失敗エラーを生成する。
// 引き落としたクレジットは返金済みであることを伝える。
func NewGenerationFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeGenerationFailed,
		Message:  "AIによる文章生成に失敗しました。消費したクレジットは返却されます。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewUnknownProductError は商品コード不正エラーを生成する。
func NewUnknownProductError(code string) *APIError {
	return &APIError{
		Code:     ErrCodeUnknownProduct,
		Message:  fmt.Sprintf("不明な商品です: %s", code),
		Category: "validation",
		Action:   "商品一覧から選択してください。",
	}
}

// NewCSRFError はCSRFトークン検証の失敗を表すエラーを生成する。
func NewCSRFError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRFInvalid,
		Message:  "CSRFトークンの検証に失敗しました。",
		Category: "auth",
		Action:   "ページを再読み込みしてから再度お試しください。",
	}
}

// NewRateLimitError はレート制限超過エラーを生成する。
func NewRateLimitError(retryAfterSec int) *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   fmt.Sprintf("%d秒ほど待ってから再度お試しください。", retryAfterSec),
	}
}

// NewInternalError は内部エラーを生成する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
