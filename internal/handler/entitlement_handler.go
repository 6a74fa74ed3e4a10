package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"unicode/utf8"

	"github.com/hitoshi/chatcore/internal/metrics"
	"github.com/hitoshi/chatcore/internal/middleware"
	"github.com/hitoshi/chatcore/internal/model"
	"github.com/hitoshi/chatcore/internal/security"
	"github.com/hitoshi/chatcore/internal/tier"
)

// MeterInterface は利用枠の消費インターフェース。
type MeterInterface interface {
	ConsumeMessage(ctx context.Context, userID string) (*model.Profile, error)
	ConsumeAnonymous(ctx context.Context, userID string, charCount int) (*model.Profile, error)
	ConsumeGroup(ctx context.Context, userID string) (*model.Profile, error)
}

// EntitlementHandler はプランごとの利用枠を適用するHTTPハンドラー。
// メッセージ送信・匿名投稿・グループ作成の各操作を利用枠で
// ゲートし、現在の消費状況を返す。
type EntitlementHandler struct {
	meter     MeterInterface
	profiles  UserServiceInterface
	sanitizer security.ContentSanitizerService
	collector metrics.MetricsCollector
}

// NewEntitlementHandler はEntitlementHandlerを生成する。
func NewEntitlementHandler(
	meter MeterInterface,
	profiles UserServiceInterface,
	sanitizer security.ContentSanitizerService,
	collector metrics.MetricsCollector,
) *EntitlementHandler {
	return &EntitlementHandler{
		meter:     meter,
		profiles:  profiles,
		sanitizer: sanitizer,
		collector: collector,
	}
}

// sendMessageRequest はメッセージ送信リクエストのボディ。
type sendMessageRequest struct {
	Body string `json:"body"`
}

// anonymousPostRequest は匿名投稿リクエストのボディ。
type anonymousPostRequest struct {
	Body string `json:"body"`
}

// quotaResponse は利用枠消費後のカウンター状況のレスポンス。
type quotaResponse struct {
	MessagesToday     int `json:"messages_today"`
	AnonymousThisWeek int `json:"anonymous_this_week"`
	GroupsCreated     int `json:"groups_created"`
}

// entitlementsResponse は現在のプラン制限と消費状況のレスポンス。
type entitlementsResponse struct {
	Tier     string           `json:"tier"`
	Limits   limitsResponse   `json:"limits"`
	Counters countersResponse `json:"counters"`
}

// limitsResponse はプラン制限のレスポンス。WeeklyAnonymousの-1は無制限。
type limitsResponse struct {
	DailyMessages      int  `json:"daily_messages"`
	WeeklyAnonymous    int  `json:"weekly_anonymous"`
	AnonymousMaxChars  int  `json:"anonymous_max_chars"`
	MaxGroups          int  `json:"max_groups"`
	SmartNotifications bool `json:"smart_notifications_default"`
}

// SendMessage はメッセージ送信の利用枠を消費する。
// POST /api/messages
func (h *EntitlementHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequest(w)
		return
	}

	profile, err := h.meter.ConsumeMessage(r.Context(), userID)
	if err != nil {
		h.recordDenial(err)
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(toQuotaResponse(profile))
}

// PostAnonymous は匿名投稿の利用枠を消費する。
// POST /api/anonymous
//
// 本文はサニタイズしてから文字数を数える。制限の適用対象は
// 実際に公開される内容であり、除去されるマークアップではない。
func (h *EntitlementHandler) PostAnonymous(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	var req anonymousPostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequest(w)
		return
	}

	sanitized := h.sanitizer.Sanitize(req.Body)
	charCount := utf8.RuneCountInString(sanitized)

	profile, err := h.meter.ConsumeAnonymous(r.Context(), userID, charCount)
	if err != nil {
		h.recordDenial(err)
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"body":                sanitized,
		"anonymous_this_week": profile.Counters.AnonymousThisWeek,
	})
}

// CreateGroup はグループ作成の利用枠を消費する。
// POST /api/groups
func (h *EntitlementHandler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	profile, err := h.meter.ConsumeGroup(r.Context(), userID)
	if err != nil {
		h.recordDenial(err)
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(toQuotaResponse(profile))
}

// GetEntitlements は現在のプラン制限と消費状況を返す。
// GET /api/entitlements
func (h *EntitlementHandler) GetEntitlements(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	profile, err := h.profiles.GetProfile(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	limits := tier.LimitsFor(profile.Tier)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entitlementsResponse{
		Tier: string(profile.Tier),
		Limits: limitsResponse{
			DailyMessages:      limits.DailyMessageLimit,
			WeeklyAnonymous:    limits.WeeklyAnonymousLimit,
			AnonymousMaxChars:  limits.AnonymousMaxChars,
			MaxGroups:          limits.MaxGroups,
			SmartNotifications: limits.SmartNotificationsEnabledByDefault,
		},
		Counters: countersResponse{
			MessagesToday:     profile.Counters.MessagesToday,
			AnonymousThisWeek: profile.Counters.AnonymousThisWeek,
			GroupsCreated:     profile.Counters.GroupsCreated,
		},
	})
}

// recordDenial は利用枠拒否をメトリクスに記録する。
func (h *EntitlementHandler) recordDenial(err error) {
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		return
	}

	switch apiErr.Code {
	case model.ErrCodeDailyLimitExceeded:
		h.collector.RecordQuotaDenial("daily_messages")
	case model.ErrCodeWeeklyLimitExceeded:
		h.collector.RecordQuotaDenial("weekly_anonymous")
	case model.ErrCodeCharLimitExceeded:
		h.collector.RecordQuotaDenial("char_limit")
	case model.ErrCodeGroupLimitExceeded:
		h.collector.RecordQuotaDenial("max_groups")
	}
}

// toQuotaResponse はプロフィールから消費状況レスポンスに変換する。
func toQuotaResponse(profile *model.Profile) quotaResponse {
	return quotaResponse{
		MessagesToday:     profile.Counters.MessagesToday,
		AnonymousThisWeek: profile.Counters.AnonymousThisWeek,
		GroupsCreated:     profile.Counters.GroupsCreated,
	}
}
