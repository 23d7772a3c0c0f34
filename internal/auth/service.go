// Package auth はOAuth認証フロー、セッション管理、クレデンシャルの保存を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/agendamail/internal/crypto"
	"github.com/hitoshi/agendamail/internal/model"
	"github.com/hitoshi/agendamail/internal/repository"
)

// OAuthResult はOAuthプロバイダーから取得したユーザー情報とトークン。
type OAuthResult struct {
	ProviderUserID string
	Email          string
	Name           string
	AccessToken    string
	RefreshToken   string // 再同意時以外は空の場合がある
	ExpiresAt      time.Time
}

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
type OAuthProvider interface {
	// GetLoginURL はOAuth認証URLを生成する。
	GetLoginURL(state string) string
	// ExchangeCode は認可コードをトークンに交換し、ユーザー情報を取得する。
	ExchangeCode(ctx context.Context, code string) (*OAuthResult, error)
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge int      // セッション有効期間（秒）
	AdminEmails   []string // ログインのたびにロールを再評価する管理者メールアドレス
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	oauth    OAuthProvider
	userRepo repository.UserRepository
	credRepo repository.CredentialRepository
	sessRepo repository.SessionRepository
	cipher   crypto.Cipher
	config   ServiceConfig
}

// NewService はServiceを生成する。
func NewService(
	oauth OAuthProvider,
	userRepo repository.UserRepository,
	credRepo repository.CredentialRepository,
	sessRepo repository.SessionRepository,
	cipher crypto.Cipher,
	config ServiceConfig,
) *Service {
	return &Service{
		oauth:    oauth,
		userRepo: userRepo,
		credRepo: credRepo,
		sessRepo: sessRepo,
		cipher:   cipher,
		config:   config,
	}
}

// GetLoginURL はOAuth認証URLを生成する。
func (s *Service) GetLoginURL(state string) string {
	return s.oauth.GetLoginURL(state)
}

// HandleCallback はOAuthコールバックを処理し、セッションを発行する。
// 未登録ユーザーは自動作成し、登録済みユーザーはメールアドレスで特定する。
// ロールはADMIN_EMAILSに基づきログインのたびに再評価される。
// 取得したトークンは暗号化してクレデンシャルとして保存する。
func (s *Service) HandleCallback(ctx context.Context, code string) (*model.Session, error) {
	result, err := s.oauth.ExchangeCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange oauth code: %w", err)
	}

	user, err := s.userRepo.FindByEmail(ctx, result.Email)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}

	role := s.roleFor(result.Email)

	if user == nil {
		now := time.Now()
		user = &model.User{
			ID:            uuid.New().String(),
			Email:         result.Email,
			Name:          result.Name,
			Role:          role,
			LookAheadDays: model.DefaultLookAheadDays,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := s.userRepo.Create(ctx, user); err != nil {
			return nil, fmt.Errorf("failed to create user: %w", err)
		}
		slog.Info("new user created",
			slog.String("user_id", user.ID),
			slog.String("email", user.Email),
			slog.String("role", string(role)),
		)
	} else if user.Role != role {
		// 管理者リストの変更をログイン時に反映する
		if err := s.userRepo.UpdateRole(ctx, user.ID, role); err != nil {
			return nil, fmt.Errorf("failed to update user role: %w", err)
		}
		user.Role = role
		slog.Info("user role updated on login",
			slog.String("user_id", user.ID),
			slog.String("role", string(role)),
		)
	}

	if err := s.storeCredential(ctx, user.ID, result); err != nil {
		return nil, fmt.Errorf("failed to store credential: %w", err)
	}

	session, err := s.createSession(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	slog.Info("user logged in", slog.String("user_id", user.ID))
	return session, nil
}

// Logout はセッションを破棄する。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}

	if err := s.sessRepo.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	slog.Info("user logged out", slog.String("session_id", sessionID))
	return nil
}

// GetCurrentUser はセッションから現在のユーザーを取得する。
func (s *Service) GetCurrentUser(ctx context.Context, sessionID string) (*model.User, error) {
	if sessionID == "" {
		return nil, model.NewUnauthorizedError()
	}

	session, err := s.sessRepo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, model.NewUnauthorizedError()
	}

	user, err := s.userRepo.FindByID(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.NewUnauthorizedError()
	}

	return user, nil
}

// roleFor はメールアドレスから付与するロールを決定する。
func (s *Service) roleFor(email string) model.Role {
	for _, admin := range s.config.AdminEmails {
		if admin == email {
			return model.RoleAdmin
		}
	}
	return model.RoleMember
}

// storeCredential はトークンを暗号化して保存する。
// リフレッシュトークンが空の場合、既存のものを保持する（UpsertのCOALESCE）。
func (s *Service) storeCredential(ctx context.Context, userID string, result *OAuthResult) error {
	accessSecret, err := s.cipher.Encrypt(result.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}

	var refreshSecret []byte
	if result.RefreshToken != "" {
		refreshSecret, err = s.cipher.Encrypt(result.RefreshToken)
		if err != nil {
			return fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
	}

	cred := &model.Credential{
		UserID:          userID,
		AccessSecret:    accessSecret,
		RefreshSecret:   refreshSecret,
		ExpiresAt:       result.ExpiresAt,
		LastRefreshedAt: time.Now(),
	}
	return s.credRepo.Upsert(ctx, cred)
}

// createSession はセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, userID string) (*model.Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	session := &model.Session{
		ID:        sessionID,
		UserID:    userID,
		ExpiresAt: time.Now().Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt: time.Now(),
	}

	if err := s.sessRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
