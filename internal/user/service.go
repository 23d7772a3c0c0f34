// Package user はユーザー管理のドメインロジックを提供する。
package user

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/agendamail/internal/model"
	"github.com/hitoshi/agendamail/internal/repository"
)

// UserSummary は管理画面向けのユーザー情報。クレデンシャルの有効性を含む。
type UserSummary struct {
	User            *model.User
	HasCredential   bool
	CredentialValid bool
}

// Service はユーザー管理のサービス層。
type Service struct {
	userRepo repository.UserRepository
	credRepo repository.CredentialRepository
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(userRepo repository.UserRepository, credRepo repository.CredentialRepository) *Service {
	return &Service{
		userRepo: userRepo,
		credRepo: credRepo,
	}
}

// UpdateLookAheadDays は取得期間設定を更新する。
// 本人または管理者のみ変更できる。値は1〜365日。
func (s *Service) UpdateLookAheadDays(ctx context.Context, actor *model.User, targetUserID string, days int) error {
	if actor.ID != targetUserID && !actor.IsAdmin() {
		return model.NewForbiddenError()
	}
	if !model.ValidLookAheadDays(days) {
		return model.NewLookAheadValidationError(days)
	}

	target, err := s.userRepo.FindByID(ctx, targetUserID)
	if err != nil {
		return fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if target == nil {
		return model.NewUserNotFoundError()
	}

	if err := s.userRepo.UpdateLookAheadDays(ctx, targetUserID, days); err != nil {
		return fmt.Errorf("取得期間設定の更新に失敗しました: %w", err)
	}

	slog.Info("取得期間設定を更新しました",
		slog.String("user_id", targetUserID),
		slog.String("actor_id", actor.ID),
		slog.Int("look_ahead_days", days),
	)
	return nil
}

// ListSummaries は全ユーザーをクレデンシャルの有効性付きで返す。管理者専用。
func (s *Service) ListSummaries(ctx context.Context, actor *model.User) ([]*UserSummary, error) {
	if !actor.IsAdmin() {
		return nil, model.NewForbiddenError()
	}

	users, err := s.userRepo.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("ユーザー一覧の取得に失敗しました: %w", err)
	}

	summaries := make([]*UserSummary, 0, len(users))
	for _, u := range users {
		cred, err := s.credRepo.FindByUserID(ctx, u.ID)
		if err != nil {
			return nil, fmt.Errorf("クレデンシャルの取得に失敗しました: %w", err)
		}
		summaries = append(summaries, &UserSummary{
			User:            u,
			HasCredential:   cred != nil,
			CredentialValid: cred != nil && !cred.Invalid,
		})
	}

	return summaries, nil
}

// GetProfile は指定ユーザーの情報を返す。本人または管理者のみ参照できる。
func (s *Service) GetProfile(ctx context.Context, actor *model.User, targetUserID string) (*model.User, error) {
	if actor.ID != targetUserID && !actor.IsAdmin() {
		return nil, model.NewForbiddenError()
	}

	target, err := s.userRepo.FindByID(ctx, targetUserID)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if target == nil {
		return nil, model.NewUserNotFoundError()
	}
	return target, nil
}
