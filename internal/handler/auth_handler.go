// Package handler はHTTPハンドラーを提供する。
//
// 利用者向けのエラーは model.APIError の統一フォーマットで返す。
// 外部プロバイダからの戻り（Webpay）はブラウザ遷移のためリダイレクトで返す。
package handler

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/arete-app/arete/internal/auth"
	"github.com/arete-app/arete/internal/model"
)

const (
	sessionCookieName = "session_id"
	oauthStateCookie  = "oauth_state"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	GetLoginURL(state string) string
	HandleCallback(ctx context.Context, code string) (*model.Session, error)
	Logout(ctx context.Context, sessionID string) error
	GetCurrentUser(ctx context.Context, sessionID string) (*model.User, error)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	BaseURL       string
	CookieDomain  string
	CookieSecure  bool
	SessionMaxAge int // セッションCookieの有効期間（秒）
}

type meResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// AuthHandler はOAuth認証関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service: service,
		config:  config,
	}
}

// loginErrorParam はログイン失敗時にフロントエンドへ伝えるクエリパラメータ名。
const loginErrorParam = "login_error"

// OAuthフローの失敗理由。フロントエンドはこの値で表示を切り替える。
const (
	loginErrorState     = "state_mismatch"
	loginErrorCancelled = "cancelled"
	loginErrorNoCode    = "missing_code"
	loginErrorEmailUsed = "email_in_use"
	loginErrorNoEmail   = "email_unverified"
	loginErrorFailed    = "failed"
)

const oauthStateMaxAge = 600

// Login はstateをCookieに保存してGoogleの認可画面へリダイレクトする。
// GET /auth/google/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	state, err := generateState()
	if err != nil {
		slog.Error("failed to generate oauth state", slog.String("error", err.Error()))
		writeAPIErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
		return
	}

	http.SetCookie(w, h.cookie(oauthStateCookie, state, oauthStateMaxAge, ""))
	http.Redirect(w, r, h.service.GetLoginURL(state), http.StatusTemporaryRedirect)
}

// Callback はOAuthコールバックを処理する。
// GET /auth/google/callback?code=xxx&state=yyy
//
// ブラウザ遷移の途中なので、失敗してもJSONではなくフロントエンドへ
// login_error 付きでリダイレクトする。
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || !validState(stateCookie.Value, q.Get("state")) {
		slog.Warn("oauth state mismatch")
		h.redirectLoginError(w, r, loginErrorState)
		return
	}
	// stateは使い捨て
	http.SetCookie(w, h.cookie(oauthStateCookie, "", -1, ""))

	if providerErr := q.Get("error"); providerErr != "" {
		slog.Info("oauth consent not granted", slog.String("reason", providerErr))
		h.redirectLoginError(w, r, loginErrorCancelled)
		return
	}

	code := q.Get("code")
	if code == "" {
		h.redirectLoginError(w, r, loginErrorNoCode)
		return
	}

	session, err := h.service.HandleCallback(r.Context(), code)
	if err != nil {
		reason := loginErrorFailed
		switch {
		case errors.Is(err, model.ErrEmailInUse):
			reason = loginErrorEmailUsed
		case errors.Is(err, auth.ErrEmailNotVerified):
			reason = loginErrorNoEmail
		}
		if reason == loginErrorFailed {
			slog.Error("oauth callback failed", slog.String("error", err.Error()))
		} else {
			slog.Warn("oauth callback rejected", slog.String("reason", reason), slog.String("error", err.Error()))
		}
		h.redirectLoginError(w, r, reason)
		return
	}

	http.SetCookie(w, h.cookie(sessionCookieName, session.ID, h.config.SessionMaxAge, h.config.CookieDomain))
	http.Redirect(w, r, h.config.BaseURL, http.StatusSeeOther)
}

// Logout はセッションを破棄してトップへ戻す。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		// 削除に失敗してもCookieは消す
		if err := h.service.Logout(r.Context(), cookie.Value); err != nil {
			slog.Error("failed to logout", slog.String("error", err.Error()))
		}
	}

	http.SetCookie(w, h.cookie(sessionCookieName, "", -1, h.config.CookieDomain))
	http.Redirect(w, r, h.config.BaseURL, http.StatusSeeOther)
}

// Me は現在のログインユーザー情報を返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		writeUnauthorized(w)
		return
	}

	user, err := h.service.GetCurrentUser(r.Context(), cookie.Value)
	if err != nil {
		if !errors.Is(err, auth.ErrSessionNotFound) {
			slog.Warn("failed to get current user", slog.String("error", err.Error()))
		}
		writeUnauthorized(w)
		return
	}

	writeJSON(w, http.StatusOK, meResponse{
		ID:    user.ID,
		Email: user.Email,
		Name:  user.Name,
	})
}

func (h *AuthHandler) cookie(name, value string, maxAge int, domain string) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   domain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}

func (h *AuthHandler) redirectLoginError(w http.ResponseWriter, r *http.Request, reason string) {
	target := strings.TrimRight(h.config.BaseURL, "/") + "/?" + url.Values{loginErrorParam: {reason}}.Encode()
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func validState(cookieValue, queryValue string) bool {
	if cookieValue == "" || queryValue == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(cookieValue), []byte(queryValue)) == 1
}

// generateState はOAuthのstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
