package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/chatcore/internal/metrics"
	"github.com/hitoshi/chatcore/internal/middleware"
	"github.com/hitoshi/chatcore/internal/model"
	"github.com/hitoshi/chatcore/internal/notification"
	"github.com/hitoshi/chatcore/internal/security"
)

// NotificationQueue は配信キューのインターフェース。
type NotificationQueue interface {
	Submit(key string, job model.NotificationJob, delivery notification.Delivery)
	Cancel(key string) bool
}

// NotificationHandler は通知リクエストのHTTPハンドラー。
// 配信判定（Decide）を行い、結果に応じて配信キューに投入する。
type NotificationHandler struct {
	queue     NotificationQueue
	profiles  UserServiceInterface
	sanitizer security.ContentSanitizerService
	collector metrics.MetricsCollector
}

// NewNotificationHandler はNotificationHandlerを生成する。
func NewNotificationHandler(
	queue NotificationQueue,
	profiles UserServiceInterface,
	sanitizer security.ContentSanitizerService,
	collector metrics.MetricsCollector,
) *NotificationHandler {
	return &NotificationHandler{
		queue:     queue,
		profiles:  profiles,
		sanitizer: sanitizer,
		collector: collector,
	}
}

// notifyRequest は通知リクエストのボディ。
// Keyは同一キーの保留中予約を置き換えるための識別子。省略時はユーザーIDを使う。
// BatteryLevelは0.0〜1.0。省略時は1.0（満充電）として扱う。
type notifyRequest struct {
	Key          string            `json:"key"`
	Title        string            `json:"title"`
	Body         string            `json:"body"`
	Payload      map[string]string `json:"payload"`
	Priority     string            `json:"priority"`
	BatteryLevel *float64          `json:"battery_level"`
}

// notifyResponse は配信判定結果のレスポンス。
type notifyResponse struct {
	Decision     string     `json:"decision"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
}

// Notify は通知リクエストの配信判定とキュー投入を行う。
// POST /api/notifications
func (h *NotificationHandler) Notify(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	var req notifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequest(w)
		return
	}

	profile, err := h.profiles.GetProfile(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	priority := model.PriorityNormal
	if req.Priority == string(model.PriorityHigh) {
		priority = model.PriorityHigh
	}

	battery := 1.0
	if req.BatteryLevel != nil {
		battery = *req.BatteryLevel
	}

	key := queueKey(userID, req.Key)

	now := time.Now()
	job := model.NotificationJob{
		Title:       h.sanitizer.Sanitize(req.Title),
		Body:        h.sanitizer.Sanitize(req.Body),
		Payload:     req.Payload,
		Priority:    priority,
		RequestedAt: now,
	}

	delivery := notification.Decide(job, now, battery, profile.Settings.SmartNotifications)
	h.collector.RecordNotificationDecision(string(delivery.Kind))

	h.queue.Submit(key, job, delivery)

	resp := notifyResponse{Decision: string(delivery.Kind)}
	if delivery.Kind == notification.DeliveryDeferred {
		resp.ScheduledFor = &delivery.At
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(resp)
}

// CancelNotification は保留中の遅延通知を取り消す。
// DELETE /api/notifications/{key}
func (h *NotificationHandler) CancelNotification(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	cancelled := h.queue.Cancel(queueKey(userID, chi.URLParam(r, "key")))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"cancelled": cancelled})
}

// queueKey はキューのキーを認証済みユーザーIDで名前空間化する。
// クライアント指定のキーをそのまま使うと他ユーザーの保留中予約を
// 置き換え・取り消しできてしまうため、必ずユーザーIDを前置する。
func queueKey(userID, clientKey string) string {
	if clientKey == "" {
		return userID
	}
	return userID + ":" + clientKey
}
