package internal_test

import (
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/koopa0/system-design/14-session-relay/internal"
)

// 創建測試用的 logger
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError, // 測試時只顯示錯誤
	}))
}

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }

// fakeTransport 記錄所有送出的訊框
type fakeTransport struct {
	mu     sync.Mutex
	groups map[string]map[string]struct{}
	outbox map[string][]internal.Envelope
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		groups: make(map[string]map[string]struct{}),
		outbox: make(map[string][]internal.Envelope),
	}
}

func (f *fakeTransport) Send(connID string, env internal.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outbox[connID] = append(f.outbox[connID], env)
	return nil
}

func (f *fakeTransport) Broadcast(group, exceptID string, env internal.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id := range f.groups[group] {
		if id != exceptID {
			f.outbox[id] = append(f.outbox[id], env)
		}
	}
}

func (f *fakeTransport) JoinGroup(connID, group string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.groups[group] == nil {
		f.groups[group] = make(map[string]struct{})
	}
	f.groups[group][connID] = struct{}{}
}

func (f *fakeTransport) LeaveGroup(connID, group string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.groups[group], connID)
}

// events 取得某連線收到的指定事件
func (f *fakeTransport) events(connID, event string) []internal.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []internal.Envelope
	for _, env := range f.outbox[connID] {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

// received 取得某連線收到的 receive 訊框
func (f *fakeTransport) received(connID, typ string) []internal.Props {
	var out []internal.Props
	for _, env := range f.events(connID, internal.EventReceive) {
		if env.Type == typ {
			out = append(out, env.Data.(internal.Props))
		}
	}
	return out
}

func (f *fakeTransport) inGroup(connID, group string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.groups[group][connID]
	return ok
}

// newTestRelay 創建使用假傳輸層的中繼
func newTestRelay(t *testing.T) (*internal.Relay, *fakeTransport, *internal.Metrics) {
	t.Helper()
	transport := newFakeTransport()
	metrics := internal.NewMetrics(prometheus.NewRegistry())
	return internal.NewRelay(transport, metrics, testLogger()), transport, metrics
}
