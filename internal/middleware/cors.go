package middleware

import "net/http"

const (
	corsAllowedMethods = "GET, POST, OPTIONS"
	// X-CSRF-Token はダブルサブミット検証のためフロントエンドが送る。
	// Idempotency-Key はAI生成の冪等キー。
	corsAllowedHeaders = "Content-Type, X-CSRF-Token, Idempotency-Key"
)

// NewCORSMiddleware は指定されたオリジンに対するCORSミドルウェアを返す。
// credentials送信と共存するため、ワイルドカード(*)は使用せず、
// Originが一致するリクエストにのみ許可ヘッダーを付与する。
// Originを持たないリクエスト（サーバー間通信やWebpayからの遷移）はそのまま通す。
func NewCORSMiddleware(allowedOrigin string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Add("Vary", "Origin")

			origin := r.Header.Get("Origin")
			allowed := origin != "" && origin == allowedOrigin
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
				w.Header().Set("Access-Control-Allow-Methods", corsAllowedMethods)
				w.Header().Set("Access-Control-Allow-Headers", corsAllowedHeaders)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			// プリフライトは許可の有無にかかわらず本処理に進めない
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				if allowed {
					w.WriteHeader(http.StatusNoContent)
				} else {
					w.WriteHeader(http.StatusForbidden)
				}
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
