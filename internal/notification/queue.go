package notification

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/chatcore/internal/model"
)

// Renderer はプラットフォームの通知レンダラーとの境界を表す。
// fire-and-forget: コアは判定ごとに最大1回の配信試行のみを前提とする。
type Renderer interface {
	Render(job model.NotificationJob) error
}

// QueueConfig は配信キューの設定。
type QueueConfig struct {
	// CollapseWindow より近い将来への遅延予約は即時配信に繰り上げる。
	// ゼロ値の場合は1分。
	CollapseWindow time.Duration
}

// Queue は遅延通知のインメモリ配信キュー。
//
// 同一キーへの新しい遅延予約は既存の予約を置き換える（積み上げない）。
// 予約はディスパッチの瞬間までキャンセル可能で、同一キーの即時配信は
// 保留中の遅延予約を破棄して取って代わる。
// 配信失敗はログに記録して破棄する。リトライは行わない（best-effort）。
type Queue struct {
	mu       sync.Mutex
	pending  map[string]*time.Timer
	renderer Renderer
	logger   *slog.Logger
	config   QueueConfig
	stopped  bool
}

// NewQueue は配信キューを生成する。
func NewQueue(renderer Renderer, logger *slog.Logger, config QueueConfig) *Queue {
	if config.CollapseWindow <= 0 {
		config.CollapseWindow = collapseWindow
	}
	return &Queue{
		pending:  make(map[string]*time.Timer),
		renderer: renderer,
		logger:   logger,
		config:   config,
	}
}

// Submit は配信判定済みの通知をキューに投入する。
//   - Immediate: 同一キーの保留中予約をキャンセルした上で即時配信する。
//   - Deferred: 同一キーの既存予約を置き換えて予約する。
//     配信予定時刻がCollapseWindow未満の将来なら即時配信に繰り上げる。
//   - Suppressed: 何もしない（保留中の予約には触れない）。
// Stop済みのキューへの投入は配信種別に関わらず無視する。
func (q *Queue) Submit(key string, job model.NotificationJob, delivery Delivery) {
	q.mu.Lock()
	stopped := q.stopped
	q.mu.Unlock()
	if stopped {
		return
	}

	switch delivery.Kind {
	case DeliverySuppressed:
		q.logger.Info("通知を抑制しました",
			slog.String("key", key),
			slog.String("title", job.Title),
		)

	case DeliveryImmediate:
		q.Cancel(key)
		q.dispatch(key, job)

	case DeliveryDeferred:
		delay := time.Until(delivery.At)
		if delay < q.config.CollapseWindow {
			q.Cancel(key)
			q.dispatch(key, job)
			return
		}
		q.schedule(key, job, delay)
	}
}

// Cancel は保留中の遅延予約を取り消す。予約が存在した場合はtrueを返す。
func (q *Queue) Cancel(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	timer, ok := q.pending[key]
	if !ok {
		return false
	}
	timer.Stop()
	delete(q.pending, key)
	return true
}

// PendingCount は保留中の遅延予約の件数を返す。テストおよびメトリクス用。
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Stop は全ての保留中予約をキャンセルし、以降の投入を無視する。
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for key, timer := range q.pending {
		timer.Stop()
		delete(q.pending, key)
	}
	q.stopped = true
}

// schedule は遅延配信を予約する。同一キーの既存予約は置き換える。
func (q *Queue) schedule(key string, job model.NotificationJob, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return
	}

	if old, ok := q.pending[key]; ok {
		old.Stop()
	}

	q.pending[key] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.pending, key)
		stopped := q.stopped
		q.mu.Unlock()
		if stopped {
			return
		}
		q.dispatch(key, job)
	})

	q.logger.Info("通知を遅延予約しました",
		slog.String("key", key),
		slog.String("title", job.Title),
		slog.Duration("delay", delay),
	)
}

// dispatch はレンダラーに1回だけ配信を試行する。
// 失敗はログに記録して破棄する。
func (q *Queue) dispatch(key string, job model.NotificationJob) {
	if err := q.renderer.Render(job); err != nil {
		q.logger.Error("通知の配信に失敗しました",
			slog.String("key", key),
			slog.String("title", job.Title),
			slog.String("error", err.Error()),
		)
		return
	}

	q.logger.Info("通知を配信しました",
		slog.String("key", key),
	)
}
