package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler(called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if called != nil {
			*called = true
		}
		w.WriteHeader(http.StatusOK)
	})
}

func findCookie(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestCSRFMiddleware_SafeMethods_PassThroughWithoutToken(t *testing.T) {
	mw := NewCSRFMiddleware(CSRFConfig{})

	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodOptions} {
		t.Run(method, func(t *testing.T) {
			called := false
			req := httptest.NewRequest(method, "/api/credits", nil)
			w := httptest.NewRecorder()

			mw(okHandler(&called)).ServeHTTP(w, req)

			if !called {
				t.Fatalf("%s リクエストはハンドラーまで到達すべき", method)
			}
			if w.Code != http.StatusOK {
				t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
			}
		})
	}
}

func TestCSRFMiddleware_StateChangingRequests(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		cookie     string
		header     string
		wantStatus int
	}{
		{"POST 一致", http.MethodPost, "tok-abc", "tok-abc", http.StatusOK},
		{"PUT 一致", http.MethodPut, "tok-abc", "tok-abc", http.StatusOK},
		{"POST Cookieなし", http.MethodPost, "", "tok-abc", http.StatusForbidden},
		{"POST ヘッダーなし", http.MethodPost, "tok-abc", "", http.StatusForbidden},
		{"POST 不一致", http.MethodPost, "tok-abc", "tok-xyz", http.StatusForbidden},
		{"POST 長さ違い", http.MethodPost, "tok-abc", "tok-abcd", http.StatusForbidden},
		{"PATCH トークンなし", http.MethodPatch, "", "", http.StatusForbidden},
		{"DELETE トークンなし", http.MethodDelete, "", "", http.StatusForbidden},
	}

	mw := NewCSRFMiddleware(CSRFConfig{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			req := httptest.NewRequest(tt.method, "/api/ai/generate", nil)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: tt.cookie})
			}
			if tt.header != "" {
				req.Header.Set(csrfHeaderName, tt.header)
			}
			w := httptest.NewRecorder()

			mw(okHandler(&called)).ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if called != (tt.wantStatus == http.StatusOK) {
				t.Errorf("handler called = %v", called)
			}
		})
	}
}

func TestCSRFMiddleware_Rejection_UsesErrorFormat(t *testing.T) {
	mw := NewCSRFMiddleware(CSRFConfig{})
	req := httptest.NewRequest(http.MethodPost, "/api/payments/webpay", nil)
	w := httptest.NewRecorder()

	mw(okHandler(nil)).ServeHTTP(w, req)

	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Code != "CSRF_INVALID" || body.Category != "auth" {
		t.Errorf("body = %+v, want code CSRF_INVALID category auth", body)
	}
}

func TestCSRFMiddleware_GETRequest_SetsCSRFCookie(t *testing.T) {
	mw := NewCSRFMiddleware(CSRFConfig{CookieDomain: "example.cl", CookieSecure: true})

	req := httptest.NewRequest(http.MethodGet, "/api/credits", nil)
	w := httptest.NewRecorder()
	mw(okHandler(nil)).ServeHTTP(w, req)

	c := findCookie(w.Result(), csrfCookieName)
	if c == nil {
		t.Fatal("GET リクエストでCSRF Cookieが設定されていない")
	}
	if len(c.Value) != 64 {
		t.Errorf("token length = %d, want 64 hex chars", len(c.Value))
	}
	if c.HttpOnly {
		t.Error("CSRF Cookie はフロントエンドから読めるよう HttpOnly であってはならない")
	}
	if c.SameSite != http.SameSiteLaxMode || c.Path != "/" || !c.Secure {
		t.Errorf("cookie = %+v", c)
	}
	if c.MaxAge != 86400 {
		t.Errorf("MaxAge = %d, want 86400", c.MaxAge)
	}
}

func TestCSRFMiddleware_GETRequest_ExistingCookie_DoesNotReplace(t *testing.T) {
	mw := NewCSRFMiddleware(CSRFConfig{})

	req := httptest.NewRequest(http.MethodGet, "/api/credits", nil)
	req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "existing-token"})
	w := httptest.NewRecorder()
	mw(okHandler(nil)).ServeHTTP(w, req)

	if c := findCookie(w.Result(), csrfCookieName); c != nil {
		t.Errorf("既存のCookieがある場合は再設定しない: %+v", c)
	}
}

func TestCSRFTokenHandler_IssuesTokenWithCustomMaxAge(t *testing.T) {
	h := NewCSRFTokenHandler(CSRFConfig{MaxAge: 3600})

	req := httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	c := findCookie(w.Result(), csrfCookieName)
	if c == nil {
		t.Fatal("CSRF Cookie が設定されていない")
	}
	if body.Token == "" || body.Token != c.Value {
		t.Errorf("token = %q, cookie = %q, want equal non-empty", body.Token, c.Value)
	}
	if c.MaxAge != 3600 {
		t.Errorf("MaxAge = %d, want 3600", c.MaxAge)
	}
}

func TestCSRFTokenHandler_ExistingCookie_ReturnsSameToken(t *testing.T) {
	h := NewCSRFTokenHandler(CSRFConfig{})

	req := httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil)
	req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "existing-token"})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Token != "existing-token" {
		t.Errorf("token = %q, want %q", body.Token, "existing-token")
	}
	if c := findCookie(w.Result(), csrfCookieName); c != nil {
		t.Error("既存トークンを返す場合はCookieを再設定しない")
	}
}
