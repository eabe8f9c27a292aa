package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/arete-app/arete/internal/calendly"
	"github.com/arete-app/arete/internal/middleware"
	"github.com/arete-app/arete/internal/model"
	"github.com/arete-app/arete/internal/reconcile"
)

const maxWebhookBodySize = 1 << 20

// SchedulingServiceInterface は予約ハンドラーが必要とする照合処理。
type SchedulingServiceInterface interface {
	HandleWebhook(ctx context.Context, signatureHeader string, body []byte) (*reconcile.Outcome, error)
	Confirm(ctx context.Context, userID, sessionEmail, eventURI, inviteeURI string) (*reconcile.ConfirmResult, error)
}

// SchedulingHandler はCalendly連携のHTTPハンドラー。
type SchedulingHandler struct {
	service SchedulingServiceInterface
}

// NewSchedulingHandler はSchedulingHandlerを生成する。
func NewSchedulingHandler(service SchedulingServiceInterface) *SchedulingHandler {
	return &SchedulingHandler{service: service}
}

type webhookResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

type confirmRequest struct {
	EventURI   string `json:"event_uri"`
	InviteeURI string `json:"invitee_uri"`
}

type confirmResponse struct {
	Skipped           bool  `json:"skipped"`
	SessionsRemaining int64 `json:"sessions_remaining"`
}

// Webhook はCalendlyのWebhookを受け付ける。
// 署名が不正な場合のみ401を返し、それ以外は処理結果にかかわらず200を返す。
// POST /webhooks/calendly
func (h *SchedulingHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	// 署名は受信したバイト列そのものに対して検証する
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodySize))
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("unreadable body"))
		return
	}

	outcome, err := h.service.HandleWebhook(r.Context(), r.Header.Get(calendly.SignatureHeader), body)
	if err != nil {
		// model.ErrInvalidSignature は401に変換される
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, webhookResponse{Status: outcome.Status, Reason: outcome.Reason})
}

// Confirm はクライアントから通知された予約を確定し、セッション枠を消費する。
// POST /api/scheduling/confirm
func (h *SchedulingHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}
	email := middleware.EmailFromContext(r.Context())
	if email == "" {
		writeAPIErrorResponse(w, http.StatusForbidden, model.NewEmailMismatchError())
		return
	}

	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("invalid JSON body"))
		return
	}

	result, err := h.service.Confirm(r.Context(), userID, email, req.EventURI, req.InviteeURI)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, confirmResponse{
		Skipped:           result.Skipped,
		SessionsRemaining: result.SessionsRemaining,
	})
}
