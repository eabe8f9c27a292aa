package cleanup

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

type fakeResult struct {
	rowsAffected int64
}

func (r *fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r *fakeResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type execCall struct {
	query string
	args  []interface{}
}

// mockExecutor は呼び出されたSQLを記録し、テーブルごとの削除件数を返す。
type mockExecutor struct {
	calls    []execCall
	affected map[string]int64
	failOn   string
	err      error
}

func (m *mockExecutor) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	m.calls = append(m.calls, execCall{query: query, args: args})
	if m.failOn != "" && strings.Contains(query, m.failOn) {
		return nil, m.err
	}
	for table, n := range m.affected {
		if strings.Contains(query, "FROM "+table) {
			return &fakeResult{rowsAffected: n}, nil
		}
	}
	return &fakeResult{}, nil
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// findLogEntry は指定キーを含む最初のJSONログ行を返す。
func findLogEntry(t *testing.T, buf *bytes.Buffer, key string) map[string]interface{} {
	t.Helper()
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if _, ok := entry[key]; ok {
			return entry
		}
	}
	t.Fatalf("ログに %s が記録されていない。ログ出力: %s", key, buf.String())
	return nil
}

func TestNewCleanupJob_Defaults(t *testing.T) {
	var buf bytes.Buffer
	job := NewCleanupJob(&mockExecutor{}, newTestLogger(&buf))

	if job == nil {
		t.Fatal("NewCleanupJob は nil を返してはならない")
	}
	if job.RetentionDays != 90 {
		t.Errorf("RetentionDays = %d, want 90", job.RetentionDays)
	}
}

func TestCleanupJob_Run_DeletesExpiredSessionsAndResolvedRefunds(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{affected: map[string]int64{"sessions": 7, "refund_failures": 2}}
	job := NewCleanupJob(mock, newTestLogger(&buf))

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}

	if len(mock.calls) != 2 {
		t.Fatalf("ExecContext の呼び出し回数 = %d, want 2", len(mock.calls))
	}
	if !strings.Contains(mock.calls[0].query, "DELETE FROM sessions") || !strings.Contains(mock.calls[0].query, "expires_at < now()") {
		t.Errorf("セッション削除クエリが期待と異なる: %s", mock.calls[0].query)
	}
	if !strings.Contains(mock.calls[1].query, "DELETE FROM refund_failures") || !strings.Contains(mock.calls[1].query, "resolved_at IS NOT NULL") {
		t.Errorf("返金失敗記録の削除クエリが期待と異なる: %s", mock.calls[1].query)
	}

	entry := findLogEntry(t, &buf, "deleted_sessions")
	if entry["deleted_sessions"] != float64(7) {
		t.Errorf("deleted_sessions = %v, want 7", entry["deleted_sessions"])
	}
	if entry["deleted_refund_failures"] != float64(2) {
		t.Errorf("deleted_refund_failures = %v, want 2", entry["deleted_refund_failures"])
	}
	if _, ok := entry["duration_ms"]; !ok {
		t.Error("ログに duration_ms が記録されていない")
	}
}

func TestCleanupJob_Run_NeverTouchesLedger(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{}
	job := NewCleanupJob(mock, newTestLogger(&buf))

	_ = job.Run(context.Background())

	for _, c := range mock.calls {
		if strings.Contains(c.query, "usage_events") || strings.Contains(c.query, "credit_wallets") {
			t.Errorf("台帳テーブルを削除対象にしてはならない: %s", c.query)
		}
	}
}

func TestCleanupJob_Run_UsesRetentionInterval(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{}
	job := NewCleanupJob(mock, newTestLogger(&buf))
	job.RetentionDays = 30

	_ = job.Run(context.Background())

	if len(mock.calls) != 2 || len(mock.calls[1].args) != 1 {
		t.Fatalf("refund_failures の削除に interval 引数が渡されなかった: %+v", mock.calls)
	}
	if got := mock.calls[1].args[0]; got != "30 days" {
		t.Errorf("interval引数 = %v, want %q", got, "30 days")
	}
}

func TestCleanupJob_Run_ReturnsErrorOnDBFailure(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{failOn: "sessions", err: sql.ErrConnDone}
	job := NewCleanupJob(mock, newTestLogger(&buf))

	err := job.Run(context.Background())
	if err == nil {
		t.Fatal("DBエラー時に Run() は nil でないエラーを返すべき")
	}
	if !strings.Contains(err.Error(), "sql: connection is already closed") {
		t.Errorf("エラーメッセージが期待と異なる: %v", err)
	}
	if len(mock.calls) != 1 {
		t.Errorf("セッション削除の失敗後に後続の削除を実行してはならない: calls = %d", len(mock.calls))
	}
	if !strings.Contains(buf.String(), "ERROR") {
		t.Errorf("エラー時にERRORレベルのログが記録されていない。ログ出力: %s", buf.String())
	}
}

func TestCleanupJob_Run_Idempotent_ZeroRows(t *testing.T) {
	var buf bytes.Buffer
	job := NewCleanupJob(&mockExecutor{}, newTestLogger(&buf))

	for i := 0; i < 2; i++ {
		if err := job.Run(context.Background()); err != nil {
			t.Fatalf("%d回目の Run() がエラーを返した: %v", i+1, err)
		}
	}

	entry := findLogEntry(t, &buf, "deleted_sessions")
	if entry["deleted_sessions"] != float64(0) {
		t.Errorf("deleted_sessions = %v, want 0", entry["deleted_sessions"])
	}
}

// signalExecutor は実行のたびにチャネルへ通知する。
type signalExecutor struct {
	ran chan struct{}
}

func (s *signalExecutor) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	select {
	case s.ran <- struct{}{}:
	default:
	}
	return &fakeResult{}, nil
}

func TestCleanupJob_Start_RunsImmediatelyAndStopsOnCancel(t *testing.T) {
	exec := &signalExecutor{ran: make(chan struct{}, 4)}
	job := NewCleanupJob(exec, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Start(ctx, time.Hour)
		close(done)
	}()

	// 起動直後の1回目の実行を待つ
	select {
	case <-exec.ran:
	case <-time.After(2 * time.Second):
		t.Fatal("起動直後の実行が行われなかった")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("キャンセル後に Start が終了しなかった")
	}
}
