package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/chatcore/internal/middleware"
	"github.com/hitoshi/chatcore/internal/model"
	"github.com/hitoshi/chatcore/internal/security"
	"github.com/hitoshi/chatcore/internal/user"
)

// --- モック定義 ---

type mockMeter struct {
	consumeMessageFn   func(ctx context.Context, userID string) (*model.Profile, error)
	consumeAnonymousFn func(ctx context.Context, userID string, charCount int) (*model.Profile, error)
	consumeGroupFn     func(ctx context.Context, userID string) (*model.Profile, error)
}

func (m *mockMeter) ConsumeMessage(ctx context.Context, userID string) (*model.Profile, error) {
	if m.consumeMessageFn != nil {
		return m.consumeMessageFn(ctx, userID)
	}
	return &model.Profile{ID: userID}, nil
}

func (m *mockMeter) ConsumeAnonymous(ctx context.Context, userID string, charCount int) (*model.Profile, error) {
	if m.consumeAnonymousFn != nil {
		return m.consumeAnonymousFn(ctx, userID, charCount)
	}
	return &model.Profile{ID: userID}, nil
}

func (m *mockMeter) ConsumeGroup(ctx context.Context, userID string) (*model.Profile, error) {
	if m.consumeGroupFn != nil {
		return m.consumeGroupFn(ctx, userID)
	}
	return &model.Profile{ID: userID}, nil
}

var _ MeterInterface = (*mockMeter)(nil)

type mockUserService struct {
	getProfileFn      func(ctx context.Context, userID string) (*model.Profile, error)
	updateSettingsFn  func(ctx context.Context, userID string, updates user.ProfileUpdates) (*model.Profile, error)
	requestDeletionFn func(ctx context.Context, userID string) error
	cancelDeletionFn  func(ctx context.Context, userID string) error
}

func (m *mockUserService) GetProfile(ctx context.Context, userID string) (*model.Profile, error) {
	if m.getProfileFn != nil {
		return m.getProfileFn(ctx, userID)
	}
	return &model.Profile{ID: userID, Tier: model.TierFree}, nil
}

func (m *mockUserService) UpdateSettings(ctx context.Context, userID string, updates user.ProfileUpdates) (*model.Profile, error) {
	if m.updateSettingsFn != nil {
		return m.updateSettingsFn(ctx, userID, updates)
	}
	return &model.Profile{ID: userID}, nil
}

func (m *mockUserService) RequestDeletion(ctx context.Context, userID string) error {
	if m.requestDeletionFn != nil {
		return m.requestDeletionFn(ctx, userID)
	}
	return nil
}

func (m *mockUserService) CancelDeletion(ctx context.Context, userID string) error {
	if m.cancelDeletionFn != nil {
		return m.cancelDeletionFn(ctx, userID)
	}
	return nil
}

var _ UserServiceInterface = (*mockUserService)(nil)

// authedRequest は認証済みユーザーIDをコンテキストに注入したリクエストを返す。
func authedRequest(method, target, body string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	return req.WithContext(middleware.ContextWithUserID(req.Context(), "user-1"))
}

func newEntitlementHandler(meter *mockMeter, svc *mockUserService, collector *mockCollector) *EntitlementHandler {
	return NewEntitlementHandler(meter, svc, security.NewContentSanitizer(), collector)
}

// --- テスト ---

func TestEntitlementHandler_SendMessage_Success(t *testing.T) {
	meter := &mockMeter{
		consumeMessageFn: func(ctx context.Context, userID string) (*model.Profile, error) {
			p := model.Profile{ID: userID, Tier: model.TierFree}
			p.Counters.MessagesToday = 11
			return &p, nil
		},
	}
	h := newEntitlementHandler(meter, &mockUserService{}, &mockCollector{})

	w := httptest.NewRecorder()
	h.SendMessage(w, authedRequest(http.MethodPost, "/api/messages", `{"body":"hello"}`))

	resp := w.Result()
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}

	var body quotaResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.MessagesToday != 11 {
		t.Errorf("messages_today = %d, want 11", body.MessagesToday)
	}
}

func TestEntitlementHandler_SendMessage_DailyLimit(t *testing.T) {
	meter := &mockMeter{
		consumeMessageFn: func(ctx context.Context, userID string) (*model.Profile, error) {
			return nil, model.NewDailyLimitExceededError(50)
		},
	}
	collector := &mockCollector{}
	h := newEntitlementHandler(meter, &mockUserService{}, collector)

	w := httptest.NewRecorder()
	h.SendMessage(w, authedRequest(http.MethodPost, "/api/messages", `{"body":"hello"}`))

	resp := w.Result()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusTooManyRequests)
	}

	var body apiErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Code != model.ErrCodeDailyLimitExceeded {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeDailyLimitExceeded)
	}

	if len(collector.denials) != 1 || collector.denials[0] != "daily_messages" {
		t.Errorf("denial metrics = %v, want [daily_messages]", collector.denials)
	}
}

func TestEntitlementHandler_SendMessage_Unauthenticated(t *testing.T) {
	h := newEntitlementHandler(&mockMeter{}, &mockUserService{}, &mockCollector{})

	req := httptest.NewRequest(http.MethodPost, "/api/messages", strings.NewReader(`{"body":"x"}`))
	w := httptest.NewRecorder()
	h.SendMessage(w, req)

	if w.Result().StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusUnauthorized)
	}
}

func TestEntitlementHandler_PostAnonymous_SanitizesBody(t *testing.T) {
	var gotCharCount int
	meter := &mockMeter{
		consumeAnonymousFn: func(ctx context.Context, userID string, charCount int) (*model.Profile, error) {
			gotCharCount = charCount
			return &model.Profile{ID: userID}, nil
		},
	}
	h := newEntitlementHandler(meter, &mockUserService{}, &mockCollector{})

	w := httptest.NewRecorder()
	h.PostAnonymous(w, authedRequest(http.MethodPost, "/api/anonymous",
		`{"body":"hello<script>alert('x')</script>"}`))

	resp := w.Result()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}

	var body struct {
		Body string `json:"body"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if strings.Contains(body.Body, "<script>") {
		t.Errorf("body should not contain script tags: %q", body.Body)
	}

	// 文字数はサニタイズ後の内容で数える
	if gotCharCount != len("hello") {
		t.Errorf("charCount = %d, want %d", gotCharCount, len("hello"))
	}
}

func TestEntitlementHandler_PostAnonymous_CharLimit(t *testing.T) {
	meter := &mockMeter{
		consumeAnonymousFn: func(ctx context.Context, userID string, charCount int) (*model.Profile, error) {
			return nil, model.NewCharLimitExceededError(280)
		},
	}
	collector := &mockCollector{}
	h := newEntitlementHandler(meter, &mockUserService{}, collector)

	w := httptest.NewRecorder()
	h.PostAnonymous(w, authedRequest(http.MethodPost, "/api/anonymous", `{"body":"long"}`))

	if w.Result().StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusBadRequest)
	}
	if len(collector.denials) != 1 || collector.denials[0] != "char_limit" {
		t.Errorf("denial metrics = %v, want [char_limit]", collector.denials)
	}
}

func TestEntitlementHandler_CreateGroup_LimitExceeded(t *testing.T) {
	meter := &mockMeter{
		consumeGroupFn: func(ctx context.Context, userID string) (*model.Profile, error) {
			return nil, model.NewGroupLimitExceededError(2)
		},
	}
	collector := &mockCollector{}
	h := newEntitlementHandler(meter, &mockUserService{}, collector)

	w := httptest.NewRecorder()
	h.CreateGroup(w, authedRequest(http.MethodPost, "/api/groups", ""))

	if w.Result().StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusConflict)
	}
	if len(collector.denials) != 1 || collector.denials[0] != "max_groups" {
		t.Errorf("denial metrics = %v, want [max_groups]", collector.denials)
	}
}

func TestEntitlementHandler_GetEntitlements(t *testing.T) {
	svc := &mockUserService{
		getProfileFn: func(ctx context.Context, userID string) (*model.Profile, error) {
			p := model.Profile{ID: userID, Tier: model.TierPro}
			p.Counters.MessagesToday = 42
			return &p, nil
		},
	}
	h := newEntitlementHandler(&mockMeter{}, svc, &mockCollector{})

	w := httptest.NewRecorder()
	h.GetEntitlements(w, authedRequest(http.MethodGet, "/api/entitlements", ""))

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var body entitlementsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Tier != "pro" {
		t.Errorf("tier = %q, want %q", body.Tier, "pro")
	}
	if body.Limits.DailyMessages != 5000 {
		t.Errorf("daily_messages = %d, want 5000", body.Limits.DailyMessages)
	}
	// proの匿名投稿は無制限（-1）
	if body.Limits.WeeklyAnonymous != -1 {
		t.Errorf("weekly_anonymous = %d, want -1", body.Limits.WeeklyAnonymous)
	}
	if body.Counters.MessagesToday != 42 {
		t.Errorf("messages_today = %d, want 42", body.Counters.MessagesToday)
	}
}

func TestEntitlementHandler_GetEntitlements_UserNotFound(t *testing.T) {
	svc := &mockUserService{
		getProfileFn: func(ctx context.Context, userID string) (*model.Profile, error) {
			return nil, model.NewUserNotFoundError()
		},
	}
	h := newEntitlementHandler(&mockMeter{}, svc, &mockCollector{})

	w := httptest.NewRecorder()
	h.GetEntitlements(w, authedRequest(http.MethodGet, "/api/entitlements", ""))

	if w.Result().StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusNotFound)
	}
}
