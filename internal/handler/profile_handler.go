package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/hitoshi/chatcore/internal/middleware"
	"github.com/hitoshi/chatcore/internal/model"
	"github.com/hitoshi/chatcore/internal/user"
)

// UserServiceInterface はプロフィール・アカウント管理ハンドラーが必要とする
// サービスインターフェース。
type UserServiceInterface interface {
	GetProfile(ctx context.Context, userID string) (*model.Profile, error)
	UpdateSettings(ctx context.Context, userID string, updates user.ProfileUpdates) (*model.Profile, error)
	RequestDeletion(ctx context.Context, userID string) error
	CancelDeletion(ctx context.Context, userID string) error
}

// ProfileHandler はプロフィール管理のHTTPハンドラー。
type ProfileHandler struct {
	service UserServiceInterface
}

// NewProfileHandler はProfileHandlerを生成する。
func NewProfileHandler(service UserServiceInterface) *ProfileHandler {
	return &ProfileHandler{service: service}
}

// updateProfileRequest はプロフィール更新リクエストのボディ。
// 指定しなかったフィールドは変更されない。
type updateProfileRequest struct {
	Username           *string `json:"username"`
	Theme              *string `json:"theme"`
	SmartNotifications *bool   `json:"smart_notifications"`
	OnboardingComplete *bool   `json:"onboarding_complete"`
	Tier               *string `json:"tier"`
}

// profileResponse はプロフィールのAPIレスポンス。
type profileResponse struct {
	ID                  string           `json:"id"`
	Username            string           `json:"username"`
	Email               string           `json:"email"`
	Tier                string           `json:"tier"`
	Counters            countersResponse `json:"counters"`
	Settings            settingsResponse `json:"settings"`
	DeletionRequestedAt *time.Time       `json:"deletion_requested_at,omitempty"`
}

// countersResponse は期間別リソース消費カウンターのAPIレスポンス。
type countersResponse struct {
	MessagesToday     int `json:"messages_today"`
	AnonymousThisWeek int `json:"anonymous_this_week"`
	GroupsCreated     int `json:"groups_created"`
}

// settingsResponse はユーザー設定のAPIレスポンス。
type settingsResponse struct {
	Theme              string `json:"theme"`
	SmartNotifications bool   `json:"smart_notifications"`
	OnboardingComplete bool   `json:"onboarding_complete"`
}

// GetProfile は現在のユーザーのプロフィールを取得する。
// GET /api/profile
func (h *ProfileHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	profile, err := h.service.GetProfile(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toProfileResponse(profile))
}

// UpdateProfile はプロフィール設定を更新する。
// PATCH /api/profile
func (h *ProfileHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	var req updateProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequest(w)
		return
	}

	updates := user.ProfileUpdates{
		Username:           req.Username,
		Theme:              req.Theme,
		SmartNotifications: req.SmartNotifications,
		OnboardingComplete: req.OnboardingComplete,
	}
	if req.Tier != nil {
		t := model.Tier(*req.Tier)
		updates.Tier = &t
	}

	updated, err := h.service.UpdateSettings(r.Context(), userID, updates)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toProfileResponse(updated))
}

// toProfileResponse はmodel.ProfileからAPIレスポンスに変換する。
func toProfileResponse(profile *model.Profile) profileResponse {
	return profileResponse{
		ID:       profile.ID,
		Username: profile.Username,
		Email:    profile.Email,
		Tier:     string(profile.Tier),
		Counters: countersResponse{
			MessagesToday:     profile.Counters.MessagesToday,
			AnonymousThisWeek: profile.Counters.AnonymousThisWeek,
			GroupsCreated:     profile.Counters.GroupsCreated,
		},
		Settings: settingsResponse{
			Theme:              profile.Settings.Theme,
			SmartNotifications: profile.Settings.SmartNotifications,
			OnboardingComplete: profile.Settings.OnboardingComplete,
		},
		DeletionRequestedAt: profile.DeletionRequestedAt,
	}
}
