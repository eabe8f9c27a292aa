package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/arete-app/arete/internal/calendly"
	"github.com/arete-app/arete/internal/credit"
	"github.com/arete-app/arete/internal/metrics"
	"github.com/arete-app/arete/internal/model"
)

// Webhook処理結果のステータス。
const (
	StatusProcessed = "processed"
	StatusDuplicate = "duplicate"
	StatusIgnored   = "ignored"
	StatusSkipped   = "skipped"
	StatusInvalid   = "invalid"
	StatusError     = "error"
)

const providerCalendly = "calendly"

// SignatureVerifier はWebhook署名の検証インターフェース。
type SignatureVerifier interface {
	Verify(header string, body []byte) error
}

// InviteeFetcher は予約者のメールアドレスをプロバイダから取得する。
type InviteeFetcher interface {
	FetchInviteeEmails(ctx context.Context, eventURI, inviteeURI string) ([]string, error)
}

// UserLookup はメールアドレスからユーザーを検索する。
type UserLookup interface {
	FindByEmail(ctx context.Context, email string) (*model.User, error)
}

// SessionEntitlements は予約に使う会計操作。
type SessionEntitlements interface {
	ConsumeSession(ctx context.Context, userID, requestID string, qty int64) (*credit.SessionResult, error)
	SessionsRemaining(ctx context.Context, userID string) (int64, error)
}

// Outcome はWebhook1件の処理結果。署名が正しい限りプロバイダには常に200で返す。
type Outcome struct {
	Status string
	Reason string
}

// ConfirmResult はクライアントからの予約確定の結果。
type ConfirmResult struct {
	Skipped           bool
	SessionsRemaining int64
}

// SchedulingReconciler はCalendlyの予約・キャンセルをセッション枠に反映する。
type SchedulingReconciler struct {
	verifier SignatureVerifier
	invitees InviteeFetcher
	users    UserLookup
	ledger   SessionEntitlements
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
}

// NewSchedulingReconciler はSchedulingReconcilerの新しいインスタンスを生成する。
// verifierがnilの場合は署名検証を行わない（開発環境向け）。
func NewSchedulingReconciler(
	verifier SignatureVerifier,
	invitees InviteeFetcher,
	users UserLookup,
	ledger SessionEntitlements,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *SchedulingReconciler {
	if collector == nil {
		collector = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SchedulingReconciler{
		verifier: verifier,
		invitees: invitees,
		users:    users,
		ledger:   ledger,
		metrics:  collector,
		logger:   logger,
	}
}

// HandleWebhook はCalendlyのWebhookを処理する。
// 返すエラーは署名検証の失敗（model.ErrInvalidSignature）のみで、
// それ以外の結果はOutcomeで表す。
func (r *SchedulingReconciler) HandleWebhook(ctx context.Context, signatureHeader string, body []byte) (*Outcome, error) {
	if r.verifier != nil {
		if err := r.verifier.Verify(signatureHeader, body); err != nil {
			r.metrics.RecordReconcileEvent(SourceCalendlyWebhook, metrics.OutcomeRejected)
			r.logger.Warn("Calendly Webhookの署名検証に失敗しました",
				slog.String("error", err.Error()),
			)
			return nil, err
		}
	}

	ev, err := calendly.ParseWebhook(body)
	if errors.Is(err, model.ErrEventIgnored) {
		r.metrics.RecordReconcileEvent(SourceCalendlyWebhook, metrics.OutcomeIgnored)
		return &Outcome{Status: StatusIgnored, Reason: "event_type"}, nil
	}
	if err != nil {
		r.metrics.RecordReconcileEvent(SourceCalendlyWebhook, metrics.OutcomeIgnored)
		r.logger.Warn("Calendly Webhookのペイロードを解釈できません",
			slog.String("error", err.Error()),
		)
		return &Outcome{Status: StatusInvalid, Reason: "invalid_payload"}, nil
	}

	if ev.Email == "" {
		r.metrics.RecordReconcileEvent(SourceCalendlyWebhook, metrics.OutcomeIgnored)
		return &Outcome{Status: StatusSkipped, Reason: "missing_email"}, nil
	}

	user, err := r.users.FindByEmail(ctx, ev.Email)
	if err != nil {
		r.metrics.RecordReconcileEvent(SourceCalendlyWebhook, metrics.OutcomeFailed)
		r.logger.Error("予約者のユーザー検索に失敗しました",
			slog.String("event_type", string(ev.Type)),
			slog.String("error", err.Error()),
		)
		return &Outcome{Status: StatusError, Reason: "user_lookup"}, nil
	}
	if user == nil {
		r.metrics.RecordReconcileEvent(SourceCalendlyWebhook, metrics.OutcomeIgnored)
		r.logger.Info("予約者に対応するユーザーがいないためスキップします",
			slog.String("event_type", string(ev.Type)),
			slog.String("event_uri", ev.EventURI),
		)
		return &Outcome{Status: StatusSkipped, Reason: "user_not_found"}, nil
	}

	kind, qty := KindScheduled, int64(1)
	if ev.Type == calendly.EventInviteeCanceled {
		kind, qty = KindCanceled, -1
	}
	key := SchedulingKey(kind, ev.EventURI, ev.InviteeURI, ev.Email)

	res, err := r.ledger.ConsumeSession(ctx, user.ID, key, qty)
	if err != nil {
		r.metrics.RecordReconcileEvent(SourceCalendlyWebhook, metrics.OutcomeFailed)
		r.logger.Error("セッション枠の更新に失敗しました",
			slog.String("user_id", user.ID),
			slog.String("request_id", key),
			slog.Int64("qty", qty),
			slog.String("error", err.Error()),
		)
		return &Outcome{Status: StatusError, Reason: "ledger"}, nil
	}
	if res.Skipped {
		r.metrics.RecordReconcileEvent(SourceCalendlyWebhook, metrics.OutcomeReplayed)
		return &Outcome{Status: StatusDuplicate}, nil
	}

	r.metrics.RecordReconcileEvent(SourceCalendlyWebhook, metrics.OutcomeApplied)
	r.logger.Info("予約イベントをセッション枠に反映しました",
		slog.String("user_id", user.ID),
		slog.String("request_id", key),
		slog.Int64("qty", qty),
	)
	return &Outcome{Status: StatusProcessed}, nil
}

// Confirm はクライアントから通知された予約をプロバイダに照会して確定する。
// 予約者のメールアドレスがセッションのメールアドレスと一致する場合のみ枠を消費する。
func (r *SchedulingReconciler) Confirm(ctx context.Context, userID, sessionEmail, eventURI, inviteeURI string) (*ConfirmResult, error) {
	eventURI = strings.TrimSpace(eventURI)
	inviteeURI = strings.TrimSpace(inviteeURI)
	if eventURI == "" && inviteeURI == "" {
		return nil, fmt.Errorf("%w: event_uri or invitee_uri is required", model.ErrInvalidPayload)
	}

	start := time.Now()
	emails, err := r.invitees.FetchInviteeEmails(ctx, eventURI, inviteeURI)
	r.metrics.RecordProviderLatency(providerCalendly, time.Since(start))
	if err != nil {
		r.metrics.RecordReconcileEvent(SourceCalendlyConfirm, metrics.OutcomeFailed)
		return nil, err
	}

	if !containsEmail(emails, sessionEmail) {
		r.metrics.RecordReconcileEvent(SourceCalendlyConfirm, metrics.OutcomeRejected)
		r.logger.Warn("予約者のメールアドレスがセッションと一致しません",
			slog.String("user_id", userID),
			slog.String("event_uri", eventURI),
		)
		return nil, model.ErrEmailMismatch
	}

	key := SchedulingKey(KindScheduled, eventURI, inviteeURI, sessionEmail)
	res, err := r.ledger.ConsumeSession(ctx, userID, key, 1)
	if err != nil {
		r.metrics.RecordReconcileEvent(SourceCalendlyConfirm, metrics.OutcomeFailed)
		return nil, err
	}

	outcome := metrics.OutcomeApplied
	if res.Skipped {
		outcome = metrics.OutcomeReplayed
	}
	r.metrics.RecordReconcileEvent(SourceCalendlyConfirm, outcome)

	remaining, err := r.ledger.SessionsRemaining(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &ConfirmResult{Skipped: res.Skipped, SessionsRemaining: remaining}, nil
}

func containsEmail(emails []string, want string) bool {
	want = model.NormalizeEmail(want)
	if want == "" {
		return false
	}
	for _, e := range emails {
		if model.NormalizeEmail(e) == want {
			return true
		}
	}
	return false
}
