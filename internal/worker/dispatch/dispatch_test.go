package dispatch

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

// --- モック定義 ---

type fakeResult struct {
	rowsAffected int64
}

func (r *fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r *fakeResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type mockExecutor struct {
	execCalled bool
	query      string
	result     sql.Result
	err        error
}

func (m *mockExecutor) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	m.execCalled = true
	m.query = query
	return m.result, m.err
}

type mockPurger struct {
	mu        sync.Mutex
	calls     int
	batchSize int
	purged    int
	err       error
}

func (m *mockPurger) PurgeExpired(ctx context.Context, batchSize int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.batchSize = batchSize
	return m.purged, m.err
}

func (m *mockPurger) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

var _ AccountPurger = (*mockPurger)(nil)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// --- テスト ---

func TestWorker_RunOnce_PurgesAndCleansSessions(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	purger := &mockPurger{purged: 3}
	exec := &mockExecutor{result: &fakeResult{rowsAffected: 7}}
	worker := NewWorker(purger, NewSessionCleanupJob(exec, logger), logger, 100)

	if err := worker.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() がエラーを返した: %v", err)
	}

	if purger.callCount() != 1 {
		t.Errorf("PurgeExpired が1回呼ばれるべきですが、%d回でした", purger.callCount())
	}
	if purger.batchSize != 100 {
		t.Errorf("batchSize = %d, want 100", purger.batchSize)
	}
	if !exec.execCalled {
		t.Error("セッションクリーンアップが実行されなかった")
	}
	if !strings.Contains(exec.query, "DELETE FROM sessions") {
		t.Errorf("クエリに 'DELETE FROM sessions' が含まれていない: %s", exec.query)
	}
	if !strings.Contains(exec.query, "expires_at") {
		t.Errorf("クエリに 'expires_at' 条件が含まれていない: %s", exec.query)
	}
}

func TestWorker_RunOnce_LogsPurgedCount(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	purger := &mockPurger{purged: 5}
	worker := NewWorker(purger, nil, logger, 100)

	_ = worker.RunOnce(context.Background())

	var entry map[string]interface{}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	found := false
	for _, line := range lines {
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if count, ok := entry["purged_count"]; ok {
			if count == float64(5) {
				found = true
				break
			}
		}
	}
	if !found {
		t.Errorf("ログに purged_count=5 が記録されていない。ログ出力: %s", buf.String())
	}
}

func TestWorker_RunOnce_SessionCleanupRunsAfterPurgeFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	purger := &mockPurger{err: errors.New("db down")}
	exec := &mockExecutor{result: &fakeResult{rowsAffected: 0}}
	worker := NewWorker(purger, NewSessionCleanupJob(exec, logger), logger, 100)

	err := worker.RunOnce(context.Background())
	if err == nil {
		t.Fatal("削除失敗時にエラーが返されるべき")
	}
	if !exec.execCalled {
		t.Error("削除失敗後もセッションクリーンアップは実行されるべき")
	}
}

func TestWorker_RunOnce_NilSessionJobIsSkipped(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	purger := &mockPurger{purged: 0}
	worker := NewWorker(purger, nil, logger, 100)

	if err := worker.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() がエラーを返した: %v", err)
	}
}

func TestNewWorker_DefaultBatchSize(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	worker := NewWorker(&mockPurger{}, nil, logger, 0)
	if worker.batchSize != 100 {
		t.Errorf("batchSize = %d, want 100", worker.batchSize)
	}
}

func TestWorker_Start_RunsImmediatelyAndStopsOnCancel(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	purger := &mockPurger{}
	worker := NewWorker(purger, nil, logger, 100)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		worker.Start(ctx, time.Hour)
		close(done)
	}()

	// 起動直後の1回目の実行を待つ
	deadline := time.After(2 * time.Second)
	for purger.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("起動直後に整理サイクルが実行されるべき")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("コンテキストキャンセル後にワーカーが停止するべき")
	}

	if purger.callCount() != 1 {
		t.Errorf("ティッカー間隔が長い場合は1回のみ実行されるべきですが、%d回でした", purger.callCount())
	}
}

func TestSessionCleanupJob_Run_ReturnsErrorOnDBFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	exec := &mockExecutor{err: sql.ErrConnDone}
	job := NewSessionCleanupJob(exec, logger)

	if err := job.Run(context.Background()); err == nil {
		t.Fatal("DBエラー時に Run() は nil でないエラーを返すべき")
	}
}

func TestSessionCleanupJob_Run_Idempotent_ZeroRows(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	exec := &mockExecutor{result: &fakeResult{rowsAffected: 0}}
	job := NewSessionCleanupJob(exec, logger)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("1回目の Run() がエラーを返した: %v", err)
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("2回目の Run() がエラーを返した: %v", err)
	}
}
