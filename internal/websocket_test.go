package internal_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-session-relay/internal"
)

// frame 客戶端收到的訊框
type frame struct {
	Event string          `json:"event"`
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
}

// setupWSServer 啟動完整的中繼服務器
func setupWSServer(t *testing.T, cfg internal.WebSocketConfig) (*internal.WebSocketHub, *internal.Metrics, string) {
	t.Helper()
	logger := testLogger()

	metrics := internal.NewMetrics(prometheus.NewRegistry())
	hub := internal.NewWebSocketHub(cfg, metrics, logger)
	relay := internal.NewRelay(hub, metrics, logger)
	hub.SetDispatcher(relay)

	server := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(func() {
		hub.Stop()
		server.Close()
	})

	return hub, metrics, "ws" + strings.TrimPrefix(server.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, event string, data any) {
	t.Helper()
	msg := map[string]any{"event": event}
	if data != nil {
		msg["data"] = data
	}
	require.NoError(t, ws.WriteJSON(msg))
}

// readEvent 讀到指定事件為止（略過其他事件）
func readEvent(t *testing.T, ws *websocket.Conn, event, typ string) frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var f frame
		require.NoError(t, ws.ReadJSON(&f))
		if f.Event == event && (typ == "" || f.Type == typ) {
			return f
		}
	}
}

// TestWebSocket_SessionFlow 測試兩個客戶端的完整流程
func TestWebSocket_SessionFlow(t *testing.T) {
	cfg := internal.DefaultConfig().WebSocket
	hub, metrics, url := setupWSServer(t, cfg)

	alice := dial(t, url)
	bob := dial(t, url)

	// alice 加入
	send(t, alice, internal.EventJoin, map[string]any{
		"appName":  "Whiteboard",
		"roomName": "team",
		"fill":     true,
		"initObj":  map[string]any{"color": "red"},
	})
	var aliceJoin internal.JoinReply
	require.NoError(t, json.Unmarshal(readEvent(t, alice, internal.EventJoin, "").Data, &aliceJoin))
	require.NotEmpty(t, aliceJoin.ID)
	assert.Empty(t, aliceJoin.Current)

	// bob 加入，看到 alice 的初始狀態
	send(t, bob, internal.EventJoin, map[string]any{"appName": "whiteboard", "roomName": "TEAM"})
	var bobJoin internal.JoinReply
	require.NoError(t, json.Unmarshal(readEvent(t, bob, internal.EventJoin, "").Data, &bobJoin))
	assert.Equal(t, "red", bobJoin.Current[aliceJoin.ID]["color"])
	assert.Equal(t, aliceJoin.MasterTime, bobJoin.MasterTime)

	// alice 收到 bob 的 join 廣播
	var joined internal.Props
	require.NoError(t, json.Unmarshal(readEvent(t, alice, internal.EventReceive, internal.TypeJoin).Data, &joined))
	assert.Equal(t, bobJoin.ID, joined["id"])

	// bob 送出訊息
	send(t, bob, internal.EventMessage, map[string]any{"stroke": []int{1, 2, 3}})
	var update internal.Props
	require.NoError(t, json.Unmarshal(readEvent(t, alice, internal.EventReceive, internal.TypeMessage).Data, &update))
	assert.Equal(t, bobJoin.ID, update["id"])
	assert.Equal(t, []any{1.0, 2.0, 3.0}, update["stroke"])

	// alice 同步
	send(t, alice, internal.EventSync, nil)
	var syncReply internal.SyncReply
	require.NoError(t, json.Unmarshal(readEvent(t, alice, internal.EventSync, "").Data, &syncReply))
	assert.NotContains(t, syncReply.Current, aliceJoin.ID)
	assert.Contains(t, syncReply.Current, bobJoin.ID)
	assert.Equal(t, bobJoin.ID, syncReply.Last.WriterID)
	assert.Equal(t, bobJoin.ID, syncReply.Last.Properties["stroke"].WriterID)

	// time
	send(t, alice, internal.EventTime, nil)
	var tm internal.TimeReply
	require.NoError(t, json.Unmarshal(readEvent(t, alice, internal.EventTime, "").Data, &tm))
	assert.Equal(t, aliceJoin.MasterTime, tm.MasterTime)

	assert.Equal(t, 2, hub.ConnectionCount())

	// bob 斷線，alice 收到 otherleave
	require.NoError(t, bob.Close())
	var leftID string
	require.NoError(t, json.Unmarshal(readEvent(t, alice, internal.EventOtherLeave, "").Data, &leftID))
	assert.Equal(t, bobJoin.ID, leftID)

	assert.Eventually(t, func() bool {
		return hub.ConnectionCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, alice.Close())
	assert.Eventually(t, func() bool {
		return hub.ConnectionCount() == 0 && testutil.ToFloat64(metrics.RoomsActive) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

// TestWebSocket_NotPlacedIsSilent 測試未加入房間的事件不回覆
func TestWebSocket_NotPlacedIsSilent(t *testing.T) {
	_, _, url := setupWSServer(t, internal.DefaultConfig().WebSocket)
	ws := dial(t, url)

	send(t, ws, internal.EventSync, nil)
	send(t, ws, internal.EventMessage, map[string]any{"x": 1})
	send(t, ws, internal.EventHistory, "ignored")
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	send(t, ws, "bogus", nil)
	send(t, ws, internal.EventTime, nil)

	// 第一個收到的訊框就是 time 回覆
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f frame
	require.NoError(t, ws.ReadJSON(&f))
	assert.Equal(t, internal.EventTime, f.Event)
}

// TestWebSocket_History 測試歷史紀錄透過 WebSocket 追加
func TestWebSocket_History(t *testing.T) {
	_, _, url := setupWSServer(t, internal.DefaultConfig().WebSocket)

	first := dial(t, url)
	send(t, first, internal.EventJoin, map[string]any{"appName": "chat", "fill": true})
	readEvent(t, first, internal.EventJoin, "")
	send(t, first, internal.EventHistory, "hello;")
	send(t, first, internal.EventHistory, "bye;")
	send(t, first, internal.EventSync, nil)
	readEvent(t, first, internal.EventSync, "")

	second := dial(t, url)
	send(t, second, internal.EventJoin, map[string]any{"appName": "chat", "fill": true})
	var reply internal.JoinReply
	require.NoError(t, json.Unmarshal(readEvent(t, second, internal.EventJoin, "").Data, &reply))
	assert.Equal(t, "hello;bye;", reply.History)
}

// TestWebSocket_OriginCheck 測試來源檢查
func TestWebSocket_OriginCheck(t *testing.T) {
	cfg := internal.DefaultConfig().WebSocket
	cfg.AllowedOrigins = []string{"https://ok.example"}
	_, _, url := setupWSServer(t, cfg)

	t.Run("allowed origin", func(t *testing.T) {
		header := http.Header{"Origin": []string{"https://ok.example"}}
		ws, _, err := websocket.DefaultDialer.Dial(url, header)
		require.NoError(t, err)
		ws.Close()
	})

	t.Run("rejected origin", func(t *testing.T) {
		header := http.Header{"Origin": []string{"https://evil.example"}}
		_, resp, err := websocket.DefaultDialer.Dial(url, header)
		assert.ErrorIs(t, err, websocket.ErrBadHandshake)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
}

// TestWebSocket_NoDispatcher 測試未綁定 Dispatcher 時拒絕連線
func TestWebSocket_NoDispatcher(t *testing.T) {
	metrics := internal.NewMetrics(prometheus.NewRegistry())
	hub := internal.NewWebSocketHub(internal.DefaultConfig().WebSocket, metrics, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	w := httptest.NewRecorder()
	hub.ServeWS(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

// TestWebSocket_Stop 測試關閉 Hub 時斷開所有連線
func TestWebSocket_Stop(t *testing.T) {
	hub, _, url := setupWSServer(t, internal.DefaultConfig().WebSocket)

	ws := dial(t, url)
	send(t, ws, internal.EventJoin, nil)
	readEvent(t, ws, internal.EventJoin, "")

	hub.Stop()
	assert.Equal(t, 0, hub.ConnectionCount())

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}
}

// TestWebSocket_Heartbeat 測試 pong 延長讀取期限，不回應 ping 的連線被斷開
func TestWebSocket_Heartbeat(t *testing.T) {
	cfg := internal.DefaultConfig().WebSocket
	cfg.PingInterval = 50 * time.Millisecond
	cfg.PongWait = 200 * time.Millisecond
	hub, _, url := setupWSServer(t, cfg)

	// 持續讀取的客戶端會自動回應 pong
	alive := dial(t, url)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := alive.ReadMessage(); err != nil {
				return
			}
		}
	}()

	time.Sleep(4 * cfg.PongWait)
	assert.Equal(t, 1, hub.ConnectionCount())

	// 不讀取的客戶端不會回應 pong，超過 PongWait 後被斷開
	_ = dial(t, url)
	require.Eventually(t, func() bool {
		return hub.ConnectionCount() == 2
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		return hub.ConnectionCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, alive.Close())
	<-done
	assert.Eventually(t, func() bool {
		return hub.ConnectionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}
