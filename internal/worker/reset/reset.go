// Package reset は期間別カウンターの定期リセットジョブを提供する。
// 日次カウンターは毎日00:00、週次カウンターは毎週月曜00:00にリセットする。
package reset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hitoshi/chatcore/internal/metrics"
	"github.com/hitoshi/chatcore/internal/model"
	"github.com/hitoshi/chatcore/internal/quota"
	"github.com/hitoshi/chatcore/internal/repository"
)

const (
	// dailySchedule は日次リセットのcron式（毎日00:00）。
	dailySchedule = "0 0 * * *"
	// weeklySchedule は週次リセットのcron式（毎週月曜00:00）。
	weeklySchedule = "0 0 * * 1"

	defaultBatchSize  = 500
	defaultMaxRetries = 3
)

// Resetter はカウンターの定期リセットを行うワーカー。
// プロフィールをバッチで走査し、1件ずつ楽観的排他制御で保存する。
// リセットと同時刻の利用（送信中のCAS加算）が競合した場合は
// 再取得してリトライするため、リセットが加算を上書きすることはない。
type Resetter struct {
	profiles   repository.ProfileRepository
	collector  metrics.MetricsCollector
	logger     *slog.Logger
	batchSize  int
	maxRetries int
	cron       *cron.Cron
}

// NewResetter はResetterを生成する。
// batchSizeが0以下の場合はデフォルト値500を使用する。
func NewResetter(
	profiles repository.ProfileRepository,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	batchSize int,
) *Resetter {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Resetter{
		profiles:   profiles,
		collector:  collector,
		logger:     logger,
		batchSize:  batchSize,
		maxRetries: defaultMaxRetries,
		cron:       cron.New(),
	}
}

// Start はcronスケジュールを登録してワーカーを起動する。
// コンテキストがキャンセルされるまでバックグラウンドで実行を継続する。
func (r *Resetter) Start(ctx context.Context) error {
	if _, err := r.cron.AddFunc(dailySchedule, func() {
		if _, err := r.ResetDaily(ctx); err != nil {
			r.logger.Error("日次カウンターのリセットに失敗しました",
				slog.String("error", err.Error()),
			)
		}
	}); err != nil {
		return fmt.Errorf("日次スケジュールの登録に失敗しました: %w", err)
	}

	if _, err := r.cron.AddFunc(weeklySchedule, func() {
		if _, err := r.ResetWeekly(ctx); err != nil {
			r.logger.Error("週次カウンターのリセットに失敗しました",
				slog.String("error", err.Error()),
			)
		}
	}); err != nil {
		return fmt.Errorf("週次スケジュールの登録に失敗しました: %w", err)
	}

	r.cron.Start()
	r.logger.Info("カウンターリセットワーカーを開始しました",
		slog.String("daily_schedule", dailySchedule),
		slog.String("weekly_schedule", weeklySchedule),
	)

	go func() {
		<-ctx.Done()
		r.Stop()
	}()

	return nil
}

// Stop はワーカーを停止する。実行中のジョブの完了は待たない。
func (r *Resetter) Stop() {
	r.cron.Stop()
	r.logger.Info("カウンターリセットワーカーを停止しました")
}

// ResetDaily は全プロフィールの日次カウンターをリセットする。
// リセットしたプロフィール数を返す。
func (r *Resetter) ResetDaily(ctx context.Context) (int, error) {
	return r.resetAll(ctx, "daily", quota.ResetDailyCounters)
}

// ResetWeekly は全プロフィールの週次カウンターをリセットする。
// リセットしたプロフィール数を返す。
func (r *Resetter) ResetWeekly(ctx context.Context) (int, error) {
	return r.resetAll(ctx, "weekly", quota.ResetWeeklyCounters)
}

// resetAll は全プロフィールをバッチで走査し、mutateを適用して保存する。
// 1件の失敗は記録して続行する。
func (r *Resetter) resetAll(ctx context.Context, period string, mutate func(model.Profile) model.Profile) (int, error) {
	start := time.Now()
	afterID := ""
	total := 0

	for {
		profiles, err := r.profiles.ListAll(ctx, afterID, r.batchSize)
		if err != nil {
			return total, fmt.Errorf("プロフィール一覧の取得に失敗しました: %w", err)
		}
		if len(profiles) == 0 {
			break
		}

		for _, profile := range profiles {
			reset, err := r.resetOne(ctx, profile, mutate)
			if err != nil {
				r.logger.Error("カウンターのリセットに失敗しました",
					slog.String("user_id", profile.ID),
					slog.String("period", period),
					slog.String("error", err.Error()),
				)
				continue
			}
			if reset {
				total++
			}
		}

		afterID = profiles[len(profiles)-1].ID
		if len(profiles) < r.batchSize {
			break
		}
	}

	r.collector.RecordCounterResets(total)
	r.logger.Info("カウンターリセットが完了しました",
		slog.String("period", period),
		slog.Int("reset_count", total),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return total, nil
}

// resetOne は1プロフィールのカウンターをリセットして保存する。
// カウンターが既にゼロの場合は何もしない（冪等）。
// バージョン競合時は再取得してリトライする。
func (r *Resetter) resetOne(ctx context.Context, profile *model.Profile, mutate func(model.Profile) model.Profile) (bool, error) {
	current := profile
	var lastErr error

	for attempt := 0; attempt < r.maxRetries; attempt++ {
		next := mutate(*current)
		if next.Counters == current.Counters {
			return false, nil
		}

		_, err := r.profiles.UpdateWithVersion(ctx, &next)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, repository.ErrVersionConflict) {
			return false, err
		}
		lastErr = err

		current, err = r.profiles.FindByID(ctx, profile.ID)
		if err != nil {
			return false, err
		}
		if current == nil {
			// リセット中に削除されたプロフィールはスキップ
			return false, nil
		}
	}

	return false, fmt.Errorf("リセットのリトライ上限に達しました: %w", lastErr)
}
