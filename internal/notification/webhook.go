package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hitoshi/chatcore/internal/model"
	"github.com/hitoshi/chatcore/internal/security"
)

// WebhookRendererConfig はWebhookレンダラーの設定。
type WebhookRendererConfig struct {
	// Endpoint は通知ペイロードのPOST先URL。
	Endpoint string
	// Timeout は1回の配信試行のタイムアウト。ゼロ値の場合は10秒。
	Timeout time.Duration
}

// WebhookRenderer は通知をWebhookエンドポイントへJSONでPOSTするレンダラー。
// fire-and-forget: 判定ごとに最大1回の配信試行のみを行い、リトライしない。
// 配信先へのリクエストはSSRF防止機能付きクライアントで行う。
type WebhookRenderer struct {
	endpoint  string
	client    *http.Client
	sanitizer security.ContentSanitizerService
}

// webhookPayload はWebhookに送信するJSONペイロード。
type webhookPayload struct {
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Payload     map[string]string `json:"payload,omitempty"`
	Priority    string            `json:"priority"`
	RequestedAt time.Time         `json:"requested_at"`
}

// NewWebhookRenderer はWebhookRendererを生成する。
// 設定されたエンドポイントは生成時に静的検証され、危険なURL
// （プライベートIP、localhost等）は拒否される。
func NewWebhookRenderer(
	guard security.WebhookGuardService,
	sanitizer security.ContentSanitizerService,
	config WebhookRendererConfig,
) (*WebhookRenderer, error) {
	if err := guard.ValidateURL(config.Endpoint); err != nil {
		return nil, fmt.Errorf("invalid webhook endpoint: %w", err)
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &WebhookRenderer{
		endpoint:  config.Endpoint,
		client:    guard.NewSafeClient(timeout),
		sanitizer: sanitizer,
	}, nil
}

// Render は通知ジョブをWebhookエンドポイントにPOSTする。
// タイトルと本文はサニタイズしてから送信する。
// 2xx以外のレスポンスはエラーとして返す（呼び出し側でログの上破棄される）。
func (r *WebhookRenderer) Render(job model.NotificationJob) error {
	payload := webhookPayload{
		Title:       r.sanitizer.Sanitize(job.Title),
		Body:        r.sanitizer.Sanitize(job.Body),
		Payload:     job.Payload,
		Priority:    string(job.Priority),
		RequestedAt: job.RequestedAt,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal notification payload: %w", err)
	}

	resp, err := r.client.Post(r.endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}

// compile-time interface check
var _ Renderer = (*WebhookRenderer)(nil)
