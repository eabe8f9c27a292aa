package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/arete-app/arete/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// ハンドラーとミドルウェアの双方がこの形で返す。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
	// RetryAfter は再試行までの秒数。429の場合のみ設定する。
	RetryAfter int `json:"retry_after,omitempty"`
}

func newErrorResponseBody(apiErr *model.APIError) ErrorResponseBody {
	return ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	}
}

// WriteJSON はJSONレスポンスを書き込む。
// エンコードに失敗してもステータスは送信済みのため、ログのみ残す。
func WriteJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	WriteJSON(w, statusCode, newErrorResponseBody(apiErr))
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
}

// WriteRateLimited は429を書き込み、Retry-Afterヘッダーと本文の両方に待機秒数を設定する。
func WriteRateLimited(w http.ResponseWriter, retryAfterSec int) {
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))

	body := newErrorResponseBody(model.NewRateLimitError(retryAfterSec))
	body.RetryAfter = retryAfterSec
	WriteJSON(w, http.StatusTooManyRequests, body)
}
