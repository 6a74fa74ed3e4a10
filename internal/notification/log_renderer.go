package notification

import (
	"log/slog"

	"github.com/hitoshi/chatcore/internal/model"
)

// LogRenderer は配信先Webhookが未設定の環境向けのレンダラー。
// 通知内容をログに出力するのみで、外部への配信は行わない。
// ローカル開発やステージング環境での利用を想定している。
type LogRenderer struct {
	logger *slog.Logger
}

// NewLogRenderer はLogRendererを生成する。
func NewLogRenderer(logger *slog.Logger) *LogRenderer {
	return &LogRenderer{logger: logger}
}

// Render は通知をログに出力する。常に成功する。
func (r *LogRenderer) Render(job model.NotificationJob) error {
	r.logger.Info("通知を配信しました（ログ出力のみ）",
		slog.String("title", job.Title),
		slog.String("priority", string(job.Priority)),
	)
	return nil
}

var _ Renderer = (*LogRenderer)(nil)
