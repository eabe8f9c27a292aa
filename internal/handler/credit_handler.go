package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/arete-app/arete/internal/credit"
	"github.com/arete-app/arete/internal/metrics"
	"github.com/arete-app/arete/internal/middleware"
	"github.com/arete-app/arete/internal/model"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"
	// maxGenerateBodySize はAI生成リクエストの本文の上限。
	maxGenerateBodySize = 64 << 10
	// refundTimeout は補償返金に使う時間。生成のタイムアウト後でも返金できるよう
	// リクエストのコンテキストから切り離して使う。
	refundTimeout = 10 * time.Second
)

// CreditServiceInterface はクレジットハンドラーが必要とする会計操作。
type CreditServiceInterface interface {
	Balance(ctx context.Context, userID string) (*credit.Balance, error)
	TryDebit(ctx context.Context, userID, requestID string, amount int64) (*credit.DebitResult, error)
	Refund(ctx context.Context, userID, requestID string, amount int64) (*credit.CreditResult, error)
	IsProcessed(ctx context.Context, userID string, kind model.UsageKind, requestID string) (bool, error)
}

// NarrativeGenerator はAIによる文章生成のインターフェース。
type NarrativeGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// RefundFailureRecorder は補償返金に失敗した引き落としを再試行用に記録する。
type RefundFailureRecorder interface {
	Record(ctx context.Context, failure *model.RefundFailure) error
}

// CreditHandler はクレジット残高とAI生成のHTTPハンドラー。
type CreditHandler struct {
	ledger    CreditServiceInterface
	generator NarrativeGenerator
	failures  RefundFailureRecorder
	metrics   metrics.MetricsCollector
	cost      int64
}

// NewCreditHandler はCreditHandlerを生成する。
// costはAI生成1回あたりに引き落とすクレジット数。
func NewCreditHandler(ledger CreditServiceInterface, generator NarrativeGenerator, failures RefundFailureRecorder, collector metrics.MetricsCollector, cost int64) *CreditHandler {
	if collector == nil {
		collector = metrics.Nop{}
	}
	if cost <= 0 {
		cost = 1
	}
	return &CreditHandler{
		ledger:    ledger,
		generator: generator,
		failures:  failures,
		metrics:   collector,
		cost:      cost,
	}
}

type balanceResponse struct {
	CreditsRemaining  int64  `json:"credits_remaining"`
	SessionsRemaining int64  `json:"sessions_remaining"`
	Plan              string `json:"plan"`
}

type generateRequest struct {
	Prompt    string `json:"prompt"`
	RequestID string `json:"request_id"`
}

type generateResponse struct {
	Text             string `json:"text"`
	RequestID        string `json:"request_id"`
	CreditsRemaining int64  `json:"credits_remaining"`
}

// GetBalance は残高とセッション枠を返す。ウォレットが無ければ初回付与して作成する。
// GET /api/credits
func (h *CreditHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	bal, err := h.ledger.Balance(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, balanceResponse{
		CreditsRemaining:  bal.CreditsRemaining,
		SessionsRemaining: bal.SessionsRemaining,
		Plan:              bal.Plan,
	})
}

// Generate はクレジットを引き落としてからAIによる文章生成を行う。
// 生成に失敗した場合は同じ冪等キーで補償返金し、502を返す。
// POST /api/ai/generate
func (h *CreditHandler) Generate(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	var req generateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxGenerateBodySize)).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("invalid JSON body"))
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("prompt is required"))
		return
	}

	// ヘッダーを優先し、どちらも無ければサーバー側で採番する
	requestID := strings.TrimSpace(r.Header.Get(idempotencyKeyHeader))
	if requestID == "" {
		requestID = strings.TrimSpace(req.RequestID)
	}
	if requestID == "" {
		requestID = uuid.New().String()
	}

	debit, err := h.ledger.TryDebit(r.Context(), userID, requestID, h.cost)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if !debit.OK {
		writeAPIErrorResponse(w, http.StatusPaymentRequired, model.NewInsufficientCreditsError(debit.CreditsRemaining))
		return
	}
	if debit.Replayed {
		// 使用済みのキーで生成し直すと無償で生成できてしまうため、有料の処理は再実行しない
		refunded, err := h.ledger.IsProcessed(r.Context(), userID, model.UsageKindRefund, credit.RefundKey(requestID))
		if err != nil {
			handleServiceError(w, err)
			return
		}
		msg := "request_id was already used, retry with a new key"
		if refunded {
			msg = "request_id was already refunded, retry with a new key"
		}
		writeAPIErrorResponse(w, http.StatusConflict, model.NewInvalidRequestError(msg))
		return
	}

	text, err := h.generator.Generate(r.Context(), req.Prompt)
	if err != nil {
		slog.Warn("AI generation failed, refunding",
			slog.String("user_id", userID),
			slog.String("request_id", requestID),
			slog.String("error", err.Error()),
		)
		h.compensate(r.Context(), userID, requestID, err)
		writeAPIErrorResponse(w, http.StatusBadGateway, model.NewGenerationFailedError())
		return
	}

	writeJSON(w, http.StatusOK, generateResponse{
		Text:             text,
		RequestID:        requestID,
		CreditsRemaining: debit.CreditsRemaining,
	})
}

// compensate は引き落とした分を返金する。返金にも失敗した場合は再試行ワーカー用に記録する。
func (h *CreditHandler) compensate(ctx context.Context, userID, requestID string, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refundTimeout)
	defer cancel()

	_, err := h.ledger.Refund(ctx, userID, requestID, h.cost)
	if err == nil {
		return
	}

	h.metrics.RecordRefundFailure()
	slog.Error("compensating refund failed",
		slog.String("user_id", userID),
		slog.String("request_id", requestID),
		slog.Int64("amount", h.cost),
		slog.String("cause", cause.Error()),
		slog.String("error", err.Error()),
	)

	if h.failures == nil {
		return
	}
	now := time.Now()
	failure := &model.RefundFailure{
		ID:        uuid.New().String(),
		UserID:    userID,
		RequestID: requestID,
		Amount:    h.cost,
		LastError: err.Error(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if recErr := h.failures.Record(ctx, failure); recErr != nil {
		slog.Error("failed to record refund failure",
			slog.String("user_id", userID),
			slog.String("request_id", requestID),
			slog.Int64("amount", h.cost),
			slog.String("error", recErr.Error()),
		)
	}
}
