package dispatch

import (
	"context"
	"log/slog"
	"time"
)

// AccountPurger は削除猶予期間を超過したアカウントの完全削除インターフェース。
type AccountPurger interface {
	// PurgeExpired は猶予期間を超過したアカウントを最大batchSize件削除し、
	// 削除した件数を返す。
	PurgeExpired(ctx context.Context, batchSize int) (int, error)
}

// CleanupJob は定期実行される整理ジョブのインターフェース。
type CleanupJob interface {
	Run(ctx context.Context) error
}

// Worker はアカウント削除とセッション整理を定期実行するワーカー。
// ティッカー間隔ごとに削除期限の到来したアカウントを完全削除し、
// 期限切れセッションを削除する。
type Worker struct {
	purger    AccountPurger
	sessions  CleanupJob
	logger    *slog.Logger
	batchSize int
}

// NewWorker はWorkerの新しいインスタンスを生成する。
// batchSizeが0以下の場合はデフォルト値100を使用する。
// sessionsがnilの場合はセッション整理をスキップする。
func NewWorker(
	purger AccountPurger,
	sessions CleanupJob,
	logger *slog.Logger,
	batchSize int,
) *Worker {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Worker{
		purger:    purger,
		sessions:  sessions,
		logger:    logger,
		batchSize: batchSize,
	}
}

// Start は指定間隔のティッカーでワーカーを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (w *Worker) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.logger.Info("整理ワーカーを開始しました",
		slog.Duration("interval", interval),
		slog.Int("batch_size", w.batchSize),
	)

	// 起動直後に1回実行
	if err := w.RunOnce(ctx); err != nil {
		w.logger.Error("整理サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("整理ワーカーを停止しました")
			return
		case <-ticker.C:
			if err := w.RunOnce(ctx); err != nil {
				w.logger.Error("整理サイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce はアカウント削除とセッション整理を1回実行する。
// アカウント削除が失敗してもセッション整理は実行する。
func (w *Worker) RunOnce(ctx context.Context) error {
	start := time.Now()

	purged, purgeErr := w.purger.PurgeExpired(ctx, w.batchSize)
	if purgeErr != nil {
		w.logger.Error("アカウントの完全削除に失敗しました",
			slog.String("error", purgeErr.Error()),
		)
	}

	if w.sessions != nil {
		if err := w.sessions.Run(ctx); err != nil && purgeErr == nil {
			purgeErr = err
		}
	}

	duration := time.Since(start)
	w.logger.Info("整理サイクルが完了しました",
		slog.Int("purged_count", purged),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return purgeErr
}
