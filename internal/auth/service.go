// Package auth はOAuth認証フローとセッション管理を提供する。
// 予約の照合はセッションに紐付くメールアドレスで本人確認を行うため、
// ログインのたびにIdPから得たメールアドレスをusersテーブルへ反映する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/arete-app/arete/internal/model"
	"github.com/arete-app/arete/internal/repository"
)

// ErrSessionNotFound はセッションが存在しないか期限切れであることを表す。
var ErrSessionNotFound = errors.New("session not found or expired")

// OAuthUserInfo はOAuthプロバイダーから取得したユーザー情報を表す。
// Email は確認済みのものだけが入る。
type OAuthUserInfo struct {
	ProviderUserID string
	Email          string
	Name           string
	Provider       string
}

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
type OAuthProvider interface {
	GetLoginURL(state string) string
	ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error)
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge int // セッション有効期間（秒）
}

// Service はログインとセッションの発行・破棄を行う。
type Service struct {
	oauth       OAuthProvider
	userRepo    repository.UserRepository
	sessionRepo repository.SessionRepository
	config      ServiceConfig
	now         func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	oauth OAuthProvider,
	userRepo repository.UserRepository,
	sessionRepo repository.SessionRepository,
	config ServiceConfig,
) *Service {
	return &Service{
		oauth:       oauth,
		userRepo:    userRepo,
		sessionRepo: sessionRepo,
		config:      config,
		now:         time.Now,
	}
}

// GetLoginURL はOAuth認証URLを生成する。
func (s *Service) GetLoginURL(state string) string {
	return s.oauth.GetLoginURL(state)
}

// HandleCallback は認可コードを交換してユーザーを特定し、セッションを発行する。
//
// ユーザーの特定は次の順で行う。
//  1. (provider, provider_user_id) のidentityが既にある → そのユーザー。メールアドレスが変わっていれば更新する
//  2. 同じメールアドレスのユーザーがいる → identityを追加して紐付ける
//  3. どちらも無い → ユーザーとidentityを作成する
func (s *Service) HandleCallback(ctx context.Context, code string) (*model.Session, error) {
	info, err := s.oauth.ExchangeCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange oauth code: %w", err)
	}
	if info.Email == "" {
		return nil, fmt.Errorf("oauth provider returned no email")
	}

	user, err := s.resolveUser(ctx, info)
	if err != nil {
		return nil, err
	}

	session, err := s.createSession(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	session.Email = user.Email
	return session, nil
}

func (s *Service) resolveUser(ctx context.Context, info *OAuthUserInfo) (*model.User, error) {
	email := model.NormalizeEmail(info.Email)

	user, err := s.userRepo.FindByIdentity(ctx, info.Provider, info.ProviderUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user by identity: %w", err)
	}
	if user != nil {
		name := info.Name
		if name == "" {
			name = user.Name
		}
		if user.Email != email || user.Name != name {
			if err := s.userRepo.UpdateProfile(ctx, user.ID, email, name); err != nil {
				return nil, fmt.Errorf("failed to sync user profile: %w", err)
			}
			slog.Info("user profile synced from identity provider",
				slog.String("user_id", user.ID),
				slog.String("provider", info.Provider),
			)
			user.Email, user.Name = email, name
		}
		slog.Info("existing user logged in", slog.String("user_id", user.ID), slog.String("provider", info.Provider))
		return user, nil
	}

	now := s.now()
	identity := &model.Identity{
		ID:             uuid.NewString(),
		Provider:       info.Provider,
		ProviderUserID: info.ProviderUserID,
		CreatedAt:      now,
	}

	user, err = s.userRepo.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	if user != nil {
		identity.UserID = user.ID
		if err := s.userRepo.AddIdentity(ctx, identity); err != nil {
			return nil, fmt.Errorf("failed to link identity: %w", err)
		}
		slog.Info("identity linked to existing user", slog.String("user_id", user.ID), slog.String("provider", info.Provider))
		return user, nil
	}

	user = &model.User{
		ID:        uuid.NewString(),
		Email:     email,
		Name:      info.Name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	identity.UserID = user.ID
	if err := s.userRepo.CreateWithIdentity(ctx, user, identity); err != nil {
		return nil, fmt.Errorf("failed to create user and identity: %w", err)
	}
	slog.Info("new user created", slog.String("user_id", user.ID), slog.String("provider", info.Provider))
	return user, nil
}

// Logout はセッションを破棄する。空のセッションIDは何もしない。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	if err := s.sessionRepo.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	slog.Info("user logged out")
	return nil
}

// GetCurrentUser はセッションから現在のユーザーを取得する。
// セッションが無効な場合は ErrSessionNotFound を返す。
func (s *Service) GetCurrentUser(ctx context.Context, sessionID string) (*model.User, error) {
	if sessionID == "" {
		return nil, ErrSessionNotFound
	}

	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil || session.ExpiredAt(s.now()) {
		return nil, ErrSessionNotFound
	}

	user, err := s.userRepo.FindByID(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.ErrUserNotFound
	}
	return user, nil
}

func (s *Service) createSession(ctx context.Context, userID string) (*model.Session, error) {
	id, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := s.now()
	session := &model.Session{
		ID:        id,
		UserID:    userID,
		ExpiresAt: now.Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt: now,
	}
	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	return session, nil
}

// generateSessionID は32バイトの乱数を16進文字列にしたセッションIDを返す。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
