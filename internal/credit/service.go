// Package credit はクレジット残高とセッション枠の会計処理を提供する。
//
// 残高を変更する経路はこのパッケージのServiceに限られる。
// すべての変更操作は冪等キー（requestID）に対して冪等で、
// 再送は初回の結果を返し、残高を二重に変更しない。
package credit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/arete-app/arete/internal/metrics"
	"github.com/arete-app/arete/internal/model"
	"github.com/arete-app/arete/internal/repository"
)

const (
	// maxKeyLength は usage_events.request_id の列長。
	maxKeyLength = 255
	refundPrefix = "refund:"
	cancelPrefix = "cancel:"
)

// RefundKey は引き落としの冪等キーから返金用の冪等キーを導出する。
func RefundKey(requestID string) string {
	return refundPrefix + requestID
}

// CancelKey はセッション消費の冪等キーから、その取り消し用の冪等キーを導出する。
func CancelKey(requestID string) string {
	return cancelPrefix + requestID
}

// DebitResult は引き落としの結果。
// 残高不足はエラーではなく OK=false で表す。
type DebitResult struct {
	OK               bool
	Replayed         bool
	CreditsRemaining int64
}

// CreditResult は返金・付与の結果。
type CreditResult struct {
	Replayed         bool
	CreditsRemaining int64
}

// SessionResult はセッション枠の付与・消費の結果。
// 同じ冪等キーが既に記録済みの場合は Skipped=true になる。
type SessionResult struct {
	Skipped bool
}

// Balance はユーザーの残高照会結果。
type Balance struct {
	CreditsRemaining  int64
	SessionsRemaining int64
	Plan              string
}

// Service はクレジット会計のサービス層。
type Service struct {
	ledger  repository.LedgerRepository
	metrics metrics.MetricsCollector
	logger  *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
// collectorとloggerはnilでもよい。
func NewService(ledger repository.LedgerRepository, collector metrics.MetricsCollector, logger *slog.Logger) *Service {
	if collector == nil {
		collector = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		ledger:  ledger,
		metrics: collector,
		logger:  logger,
	}
}

// TryDebit は残高が amount 以上の場合のみ引き落とす。
// 同じ requestID の再送は初回の結果を返す。
func (s *Service) TryDebit(ctx context.Context, userID, requestID string, amount int64) (*DebitResult, error) {
	if err := validateUser(userID); err != nil {
		return nil, err
	}
	// 返金キーも列に収まる長さでなければならない
	if err := validateKey(RefundKey(requestID)); err != nil || requestID == "" {
		return nil, model.ErrInvalidRequestID
	}
	if amount <= 0 {
		return nil, model.ErrInvalidAmount
	}

	out, err := s.ledger.Debit(ctx, userID, requestID, amount)
	if err != nil {
		return nil, fmt.Errorf("クレジットの引き落としに失敗しました: %w", err)
	}

	switch {
	case out.Replayed:
		s.metrics.RecordLedgerMutation(string(model.UsageKindDebit), metrics.OutcomeReplayed)
		return &DebitResult{OK: true, Replayed: true, CreditsRemaining: out.CreditsRemaining}, nil
	case out.Applied:
		s.metrics.RecordLedgerMutation(string(model.UsageKindDebit), metrics.OutcomeApplied)
		return &DebitResult{OK: true, CreditsRemaining: out.CreditsRemaining}, nil
	default:
		s.metrics.RecordLedgerMutation(string(model.UsageKindDebit), metrics.OutcomeRejected)
		s.metrics.RecordDebitRejection()
		s.logger.Info("debit rejected: insufficient credits",
			slog.String("user_id", userID),
			slog.String("request_id", requestID),
			slog.Int64("amount", amount),
			slog.Int64("credits_remaining", out.CreditsRemaining),
		)
		return &DebitResult{OK: false, CreditsRemaining: out.CreditsRemaining}, nil
	}
}

// Refund は引き落とし済みの requestID に対して補償返金を行う。
// 返金は RefundKey(requestID) で冪等になる。
func (s *Service) Refund(ctx context.Context, userID, requestID string, amount int64) (*CreditResult, error) {
	if err := validateUser(userID); err != nil {
		return nil, err
	}
	if err := validateKey(RefundKey(requestID)); err != nil || requestID == "" {
		return nil, model.ErrInvalidRequestID
	}
	if amount <= 0 {
		return nil, model.ErrInvalidAmount
	}

	debit, err := s.ledger.FindEvent(ctx, userID, model.UsageKindDebit, requestID)
	if err != nil {
		return nil, fmt.Errorf("返金対象の引き落としの取得に失敗しました: %w", err)
	}
	if debit == nil {
		return nil, model.ErrNoMatchingDebit
	}
	// debit の qty は負数で記録されている
	if amount > -debit.Qty {
		return nil, model.ErrRefundExceedsDebit
	}

	return s.credit(ctx, userID, model.UsageKindRefund, RefundKey(requestID), amount)
}

// Grant は購入したクレジットを付与する。
func (s *Service) Grant(ctx context.Context, userID, requestID string, amount int64) (*CreditResult, error) {
	if err := validateUser(userID); err != nil {
		return nil, err
	}
	if err := validateKey(requestID); err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, model.ErrInvalidAmount
	}

	return s.credit(ctx, userID, model.UsageKindCreditGrant, requestID, amount)
}

func (s *Service) credit(ctx context.Context, userID string, kind model.UsageKind, key string, amount int64) (*CreditResult, error) {
	out, err := s.ledger.Credit(ctx, userID, kind, key, amount)
	if err != nil {
		return nil, fmt.Errorf("クレジットの加算に失敗しました: %w", err)
	}

	outcome := metrics.OutcomeApplied
	if out.Replayed {
		outcome = metrics.OutcomeReplayed
	}
	s.metrics.RecordLedgerMutation(string(kind), outcome)

	return &CreditResult{Replayed: out.Replayed, CreditsRemaining: out.CreditsRemaining}, nil
}

// IncrementSessions はアドバイザリーセッション枠を付与する。qty は正でなければならない。
func (s *Service) IncrementSessions(ctx context.Context, userID, requestID string, qty int64) (*SessionResult, error) {
	if qty <= 0 {
		return nil, model.ErrInvalidAmount
	}
	return s.appendSession(ctx, userID, model.UsageKindSessionGrant, requestID, qty)
}

// ConsumeSession はセッション枠を消費する。負の qty はキャンセルによる戻しを表す。
// 戻しは CancelKey(requestID) で記録するため、同じキーの消費と取り消しは両方とも反映される。
// 集計値が負になるかどうかは検査しない。
func (s *Service) ConsumeSession(ctx context.Context, userID, requestID string, qty int64) (*SessionResult, error) {
	if qty == 0 {
		return nil, model.ErrInvalidAmount
	}
	if qty < 0 {
		if requestID == "" {
			return nil, model.ErrInvalidRequestID
		}
		requestID = CancelKey(requestID)
	}
	return s.appendSession(ctx, userID, model.UsageKindSessionUse, requestID, qty)
}

func (s *Service) appendSession(ctx context.Context, userID string, kind model.UsageKind, requestID string, qty int64) (*SessionResult, error) {
	if err := validateUser(userID); err != nil {
		return nil, err
	}
	if err := validateKey(requestID); err != nil {
		return nil, err
	}

	inserted, err := s.ledger.AppendSessionEvent(ctx, userID, kind, requestID, qty)
	if err != nil {
		return nil, fmt.Errorf("セッション枠の記録に失敗しました: %w", err)
	}

	if !inserted {
		s.metrics.RecordLedgerMutation(string(kind), metrics.OutcomeReplayed)
		return &SessionResult{Skipped: true}, nil
	}
	s.metrics.RecordLedgerMutation(string(kind), metrics.OutcomeApplied)
	return &SessionResult{}, nil
}

// Balance は残高とセッション枠を返す。ウォレットが無ければ作成する。
func (s *Service) Balance(ctx context.Context, userID string) (*Balance, error) {
	if err := validateUser(userID); err != nil {
		return nil, err
	}

	wallet, err := s.ledger.GetOrCreateWallet(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ウォレットの取得に失敗しました: %w", err)
	}

	raw, err := s.ledger.SessionBalance(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("セッション枠の集計に失敗しました: %w", err)
	}

	return &Balance{
		CreditsRemaining:  wallet.CreditsRemaining,
		SessionsRemaining: model.FloorSessions(raw),
		Plan:              wallet.Plan,
	}, nil
}

// SessionsRemaining は表示用のセッション枠（下限0）を返す。
func (s *Service) SessionsRemaining(ctx context.Context, userID string) (int64, error) {
	if err := validateUser(userID); err != nil {
		return 0, err
	}
	raw, err := s.ledger.SessionBalance(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("セッション枠の集計に失敗しました: %w", err)
	}
	return model.FloorSessions(raw), nil
}

// IsProcessed は指定種別と冪等キーのイベントが既に記録済みかどうかを返す。
func (s *Service) IsProcessed(ctx context.Context, userID string, kind model.UsageKind, requestID string) (bool, error) {
	if err := validateUser(userID); err != nil {
		return false, err
	}
	ev, err := s.ledger.FindEvent(ctx, userID, kind, requestID)
	if err != nil {
		return false, fmt.Errorf("処理済みイベントの確認に失敗しました: %w", err)
	}
	return ev != nil, nil
}

// validateUser はユーザーIDの形式を検査する。
// UUIDでないIDは存在しないユーザーとして扱う。
func validateUser(userID string) error {
	if _, err := uuid.Parse(userID); err != nil {
		return model.ErrUserNotFound
	}
	return nil
}

func validateKey(key string) error {
	if key == "" || len(key) > maxKeyLength {
		return model.ErrInvalidRequestID
	}
	return nil
}

// IsClientError は呼び出し側の入力に起因するエラーかどうかを判定する。
func IsClientError(err error) bool {
	return errors.Is(err, model.ErrUserNotFound) ||
		errors.Is(err, model.ErrInvalidAmount) ||
		errors.Is(err, model.ErrInvalidRequestID) ||
		errors.Is(err, model.ErrNoMatchingDebit) ||
		errors.Is(err, model.ErrRefundExceedsDebit)
}
