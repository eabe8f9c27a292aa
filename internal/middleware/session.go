// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/arete-app/arete/internal/model"
)

const sessionCookieName = "session_id"

// ErrNoAuthenticatedUser はコンテキストに認証済みユーザーがいないことを表す。
var ErrNoAuthenticatedUser = errors.New("user ID not found in context")

// authUser はセッションで確認したユーザー。予約の本人確認にメールアドレスも持つ。
type authUser struct {
	id    string
	email string
}

type authUserKey struct{}

// SessionFinder はセッションの検索に必要なインターフェース。
// 期限切れのセッションは nil, nil を返す。
type SessionFinder interface {
	FindByID(ctx context.Context, id string) (*model.Session, error)
}

// NewSessionMiddleware はCookieのセッションIDからユーザーを特定し、コンテキストに載せる。
// セッションが無い・失効している場合は401を返し、後続には進めない。
func NewSessionMiddleware(sessionFinder SessionFinder) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session, ok := lookupSession(r, sessionFinder)
			if !ok {
				writeUnauthorized(w)
				return
			}

			setRequestUser(r.Context(), session.UserID)
			ctx := ContextWithUser(r.Context(), session.UserID, session.Email)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func lookupSession(r *http.Request, finder SessionFinder) (*model.Session, bool) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil, false
	}

	session, err := finder.FindByID(r.Context(), cookie.Value)
	switch {
	case err != nil:
		level := slog.LevelError
		if errors.Is(err, context.Canceled) {
			level = slog.LevelDebug
		}
		slog.Log(r.Context(), level, "failed to find session", slog.String("error", err.Error()))
		return nil, false
	case session == nil:
		return nil, false
	// リポジトリ側でも期限を見ているが、DBとアプリの時計のずれに備えてここでも判定する
	case session.ExpiredAt(time.Now()):
		return nil, false
	}
	return session, true
}

func writeUnauthorized(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
}

// UserIDFromContext はセッションミドルウェアが載せたユーザーIDを返す。
func UserIDFromContext(ctx context.Context) (string, error) {
	u, ok := ctx.Value(authUserKey{}).(authUser)
	if !ok || u.id == "" {
		return "", ErrNoAuthenticatedUser
	}
	return u.id, nil
}

// EmailFromContext はセッションのメールアドレスを返す。無ければ空文字列。
func EmailFromContext(ctx context.Context) string {
	u, _ := ctx.Value(authUserKey{}).(authUser)
	return u.email
}

// ContextWithUserID はメールアドレスなしでユーザーを載せる。テスト用。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return ContextWithUser(ctx, userID, "")
}

// ContextWithUser はユーザーIDとメールアドレスをコンテキストに載せる。
func ContextWithUser(ctx context.Context, userID, email string) context.Context {
	return context.WithValue(ctx, authUserKey{}, authUser{id: userID, email: email})
}
