package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func TestGoogleOAuthProvider_GetLoginURL_ContainsRequiredParams(t *testing.T) {
	provider := NewGoogleOAuthProvider(GoogleOAuthConfig{
		ClientID:    "test-client-id",
		RedirectURL: "http://localhost:8080/auth/google/callback",
	})

	raw := provider.GetLoginURL("test-state-value")
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("invalid login url %q: %v", raw, err)
	}
	if u.Host != "accounts.google.com" {
		t.Errorf("host = %q, want accounts.google.com", u.Host)
	}

	q := u.Query()
	want := map[string]string{
		"client_id":     "test-client-id",
		"redirect_uri":  "http://localhost:8080/auth/google/callback",
		"state":         "test-state-value",
		"response_type": "code",
		"scope":         "openid email profile",
	}
	for k, v := range want {
		if got := q.Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
	if q.Has("access_type") {
		t.Error("offline access should not be requested")
	}
}

// newGoogleServer はトークンとユーザー情報の両エンドポイントを持つテストサーバーを立てる。
func newGoogleServer(t *testing.T, tokenStatus int, userInfo map[string]any, userInfoStatus int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "authorization_code" {
			t.Errorf("unexpected token request form: %v", r.PostForm)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(tokenStatus)
		if tokenStatus != http.StatusOK {
			json.NewEncoder(w).Encode(map[string]any{"error": "invalid_grant"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "test-access-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-access-token" {
			t.Errorf("unexpected Authorization header: %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(userInfoStatus)
		json.NewEncoder(w).Encode(userInfo)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newTestGoogleProvider(server *httptest.Server) *GoogleOAuthProvider {
	return NewGoogleOAuthProvider(GoogleOAuthConfig{
		ClientID:     "test-client-id",
		ClientSecret: "test-client-secret",
		RedirectURL:  "http://localhost:8080/auth/google/callback",
		TokenURL:     server.URL + "/token",
		UserInfoURL:  server.URL + "/userinfo",
		HTTPClient:   server.Client(),
	})
}

func TestGoogleOAuthProvider_ExchangeCode_Success(t *testing.T) {
	server := newGoogleServer(t, http.StatusOK, map[string]any{
		"sub":            "google-sub-12345",
		"email":          "Ana.Perez@Gmail.com",
		"email_verified": true,
		"name":           "Ana Pérez",
	}, http.StatusOK)

	userInfo, err := newTestGoogleProvider(server).ExchangeCode(context.Background(), "test-auth-code")
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}

	if userInfo.Provider != "google" {
		t.Errorf("provider = %q, want %q", userInfo.Provider, "google")
	}
	if userInfo.ProviderUserID != "google-sub-12345" {
		t.Errorf("providerUserID = %q, want %q", userInfo.ProviderUserID, "google-sub-12345")
	}
	// メールアドレスは小文字に正規化される
	if userInfo.Email != "ana.perez@gmail.com" {
		t.Errorf("email = %q, want %q", userInfo.Email, "ana.perez@gmail.com")
	}
	if userInfo.Name != "Ana Pérez" {
		t.Errorf("name = %q, want %q", userInfo.Name, "Ana Pérez")
	}
}

func TestGoogleOAuthProvider_ExchangeCode_Errors(t *testing.T) {
	verified := map[string]any{"sub": "s1", "email": "a@example.com", "email_verified": true}

	tests := []struct {
		name           string
		code           string
		tokenStatus    int
		userInfo       map[string]any
		userInfoStatus int
		wantUnverified bool
	}{
		{"empty code", "", http.StatusOK, verified, http.StatusOK, false},
		{"token endpoint rejects code", "used-code", http.StatusBadRequest, verified, http.StatusOK, false},
		{"user info unauthorized", "code", http.StatusOK, verified, http.StatusUnauthorized, false},
		{"missing sub", "code", http.StatusOK, map[string]any{"email": "a@example.com", "email_verified": true}, http.StatusOK, false},
		{"unverified email", "code", http.StatusOK, map[string]any{"sub": "s1", "email": "a@example.com"}, http.StatusOK, true},
		{"no email", "code", http.StatusOK, map[string]any{"sub": "s1", "email_verified": true}, http.StatusOK, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newGoogleServer(t, tt.tokenStatus, tt.userInfo, tt.userInfoStatus)
			_, err := newTestGoogleProvider(server).ExchangeCode(context.Background(), tt.code)
			if err == nil {
				t.Fatal("expected error from ExchangeCode")
			}
			if got := errors.Is(err, ErrEmailNotVerified); got != tt.wantUnverified {
				t.Errorf("errors.Is(err, ErrEmailNotVerified) = %v, want %v (err = %v)", got, tt.wantUnverified, err)
			}
		})
	}
}
