package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/arete-app/arete/internal/middleware"
	"github.com/arete-app/arete/internal/model"
	"github.com/arete-app/arete/internal/webpay"
)

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	middleware.WriteJSON(w, statusCode, v)
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}

// writeUnauthorized は認証コンテキストが無い場合の401を書き込む。
func writeUnauthorized(w http.ResponseWriter) {
	writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
// ドメインの番兵エラーはAPIErrorに変換してから応答する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	if apiErr := toAPIError(err); apiErr != nil {
		writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// それ以外は内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	writeAPIErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
}

// toAPIError はドメインの番兵エラーを利用者向けのAPIErrorに変換する。
// 対応しないエラーの場合はnilを返す。
func toAPIError(err error) *model.APIError {
	switch {
	case errors.Is(err, model.ErrUserNotFound):
		return model.NewUserNotFoundError()
	case errors.Is(err, model.ErrInvalidAmount), errors.Is(err, model.ErrRefundExceedsDebit):
		return model.NewInvalidAmountError()
	case errors.Is(err, model.ErrInvalidRequestID):
		return model.NewInvalidRequestError("request_id must be 1-248 characters")
	case errors.Is(err, model.ErrNoMatchingDebit):
		return model.NewNoMatchingDebitError()
	case errors.Is(err, model.ErrEmailMismatch):
		return model.NewEmailMismatchError()
	case errors.Is(err, model.ErrProviderFetch):
		return model.NewProviderUnavailableError("Calendly")
	case errors.Is(err, webpay.ErrGateway):
		return model.NewProviderUnavailableError("Webpay")
	case errors.Is(err, model.ErrInvalidPayload):
		return model.NewInvalidRequestError("invalid event or invitee uri")
	case errors.Is(err, model.ErrUnknownProduct):
		return model.NewUnknownProductError("")
	case errors.Is(err, model.ErrInvalidSignature):
		return &model.APIError{
			Code:     model.ErrCodeInvalidSignature,
			Message:  "署名の検証に失敗しました。",
			Category: "auth",
			Action:   "署名キーの設定を確認してください。",
		}
	default:
		return nil
	}
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeUnauthorized, model.ErrCodeInvalidSignature:
		return http.StatusUnauthorized
	case model.ErrCodeInvalidRequest, model.ErrCodeInvalidAmount, model.ErrCodeUnknownProduct:
		return http.StatusBadRequest
	case model.ErrCodeInsufficientCredits:
		return http.StatusPaymentRequired
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case model.ErrCodeEmailMismatch:
		return http.StatusForbidden
	case model.ErrCodeUserNotFound, model.ErrCodeNoMatchingDebit:
		return http.StatusNotFound
	case model.ErrCodeProviderUnavailable, model.ErrCodeGenerationFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
