// Package user はアカウント管理のドメインロジックを提供する。
package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/hitoshi/chatcore/internal/model"
	"github.com/hitoshi/chatcore/internal/repository"
	"github.com/hitoshi/chatcore/internal/tier"
)

// defaultUpdateRetries は設定更新時のバージョン競合リトライ上限。
const defaultUpdateRetries = 3

// 設定ストアのキー。プロフィール行の削除・復元をまたいで
// 引き継ぎたい設定だけをk/vストアに複製する。
const (
	prefKeyTheme              = "theme"
	prefKeySmartNotifications = "smart_notifications"
)

// ProfileUpdates はプロフィール更新リクエストを表す。
// nilのフィールドは変更しない。
type ProfileUpdates struct {
	Username           *string
	Theme              *string
	SmartNotifications *bool
	OnboardingComplete *bool
	Tier               *model.Tier
}

// Service はアカウント管理のサービス層。
// プロフィール設定の更新と削除リクエストのライフサイクルを提供する。
type Service struct {
	profileRepo repository.ProfileRepository
	sessionRepo repository.SessionRepository
	prefRepo    repository.PreferenceRepository
	gracePeriod time.Duration
	maxRetries  int
}

// NewService はServiceの新しいインスタンスを生成する。
// gracePeriodは削除リクエストから実際の削除までの猶予期間。
func NewService(
	profileRepo repository.ProfileRepository,
	sessionRepo repository.SessionRepository,
	prefRepo repository.PreferenceRepository,
	gracePeriod time.Duration,
) *Service {
	return &Service{
		profileRepo: profileRepo,
		sessionRepo: sessionRepo,
		prefRepo:    prefRepo,
		gracePeriod: gracePeriod,
		maxRetries:  defaultUpdateRetries,
	}
}

// GetProfile はプロフィールを取得する。
// 存在しない場合はUSER_NOT_FOUNDを返す。
func (s *Service) GetProfile(ctx context.Context, userID string) (*model.Profile, error) {
	profile, err := s.profileRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("プロフィールの取得に失敗しました: %w", err)
	}
	if profile == nil {
		return nil, model.NewUserNotFoundError()
	}
	s.overlayPreferences(ctx, profile)
	return profile, nil
}

// overlayPreferences はk/vストアに保存された設定をプロフィールに重ねる。
// キーが存在しない場合や読み取りエラーの場合はプロフィール行の値をそのまま使う。
func (s *Service) overlayPreferences(ctx context.Context, profile *model.Profile) {
	if v, err := s.prefRepo.Get(ctx, profile.ID, prefKeyTheme); err == nil && v != "" {
		profile.Settings.Theme = v
	}
	if v, err := s.prefRepo.Get(ctx, profile.ID, prefKeySmartNotifications); err == nil && v != "" {
		profile.Settings.SmartNotifications = v == "true"
	}
}

// UpdateSettings はプロフィール設定を更新する。
// 楽観的排他制御で保存し、バージョン競合時は再取得してリトライする。
// ユーザー名の変更は保存前に重複確認を行う。
func (s *Service) UpdateSettings(ctx context.Context, userID string, updates ProfileUpdates) (*model.Profile, error) {
	var lastErr error

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		profile, err := s.GetProfile(ctx, userID)
		if err != nil {
			return nil, err
		}

		if updates.Username != nil && *updates.Username != profile.Username {
			exists, err := s.profileRepo.UsernameExists(ctx, *updates.Username)
			if err != nil {
				return nil, fmt.Errorf("ユーザー名の重複確認に失敗しました: %w", err)
			}
			if exists {
				return nil, model.NewAlreadyInUseError("ユーザー名")
			}
			profile.Username = *updates.Username
		}
		if updates.Theme != nil {
			profile.Settings.Theme = *updates.Theme
		}
		if updates.SmartNotifications != nil {
			profile.Settings.SmartNotifications = *updates.SmartNotifications
		}
		if updates.OnboardingComplete != nil {
			profile.Settings.OnboardingComplete = *updates.OnboardingComplete
		}
		if updates.Tier != nil {
			profile.Tier = tier.Normalize(*updates.Tier)
		}

		updated, err := s.profileRepo.UpdateWithVersion(ctx, profile)
		if err == nil {
			s.mirrorPreferences(ctx, userID, updates)
			slog.Info("プロフィール設定を更新しました",
				slog.String("user_id", userID),
			)
			return updated, nil
		}
		if !errors.Is(err, repository.ErrVersionConflict) {
			return nil, fmt.Errorf("プロフィールの更新に失敗しました: %w", err)
		}
		lastErr = err
	}

	return nil, fmt.Errorf("プロフィール更新のリトライ上限に達しました: %w", lastErr)
}

// mirrorPreferences は更新された設定をk/vストアに複製する。
// プロフィール行が正で複製は読み取り時の上書き用のため、失敗しても
// 更新自体は成功として扱い、記録だけ残す。
func (s *Service) mirrorPreferences(ctx context.Context, userID string, updates ProfileUpdates) {
	if updates.Theme != nil {
		if err := s.prefRepo.Set(ctx, userID, prefKeyTheme, *updates.Theme); err != nil {
			slog.Warn("テーマ設定の保存に失敗しました",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
	}
	if updates.SmartNotifications != nil {
		if err := s.prefRepo.Set(ctx, userID, prefKeySmartNotifications, strconv.FormatBool(*updates.SmartNotifications)); err != nil {
			slog.Warn("スマート通知設定の保存に失敗しました",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// RequestDeletion はアカウント削除をリクエストする。
// プロフィールに削除リクエスト日時を記録するのみで、実際の削除は
// 猶予期間の経過後にPurgeExpiredが行う。
func (s *Service) RequestDeletion(ctx context.Context, userID string) error {
	now := time.Now()
	if err := s.profileRepo.SetDeletionRequested(ctx, userID, &now); err != nil {
		return fmt.Errorf("削除リクエストの記録に失敗しました: %w", err)
	}

	slog.Info("アカウント削除をリクエストしました",
		slog.String("user_id", userID),
		slog.Time("purge_after", now.Add(s.gracePeriod)),
	)
	return nil
}

// CancelDeletion は保留中の削除リクエストを取り消す。
// 猶予期間内であればアカウントは完全に復元される。
func (s *Service) CancelDeletion(ctx context.Context, userID string) error {
	if err := s.profileRepo.SetDeletionRequested(ctx, userID, nil); err != nil {
		return fmt.Errorf("削除リクエストの取り消しに失敗しました: %w", err)
	}

	slog.Info("アカウント削除リクエストを取り消しました",
		slog.String("user_id", userID),
	)
	return nil
}

// PurgeExpired は猶予期間を過ぎた削除リクエストを実際に削除する。
// 削除順序: sessions → preferences → profile。
// 1ユーザーの削除失敗は記録して次のユーザーの処理を続行する。
// 削除したユーザー数を返す。
func (s *Service) PurgeExpired(ctx context.Context, batchSize int) (int, error) {
	cutoff := time.Now().Add(-s.gracePeriod)

	profiles, err := s.profileRepo.ListDeletionDue(ctx, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("削除対象の取得に失敗しました: %w", err)
	}

	purged := 0
	for _, profile := range profiles {
		if err := s.purgeOne(ctx, profile.ID); err != nil {
			slog.Error("アカウントの削除に失敗しました",
				slog.String("user_id", profile.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		purged++
	}

	if purged > 0 {
		slog.Info("猶予期間を過ぎたアカウントを削除しました",
			slog.Int("purged", purged),
		)
	}
	return purged, nil
}

// purgeOne は1ユーザーの関連データとプロフィールを削除する。
func (s *Service) purgeOne(ctx context.Context, userID string) error {
	// 1. セッションを削除（以降のリクエストを遮断する）
	if err := s.sessionRepo.DeleteByUserID(ctx, userID); err != nil {
		return fmt.Errorf("セッションの削除に失敗しました: %w", err)
	}

	// 2. ユーザー設定を削除
	if err := s.prefRepo.DeleteByUserID(ctx, userID); err != nil {
		return fmt.Errorf("ユーザー設定の削除に失敗しました: %w", err)
	}

	// 3. プロフィールを削除
	if err := s.profileRepo.DeleteByID(ctx, userID); err != nil {
		return fmt.Errorf("プロフィールの削除に失敗しました: %w", err)
	}

	return nil
}
