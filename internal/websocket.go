package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
)

// 系統設計問題：
//   如何讓每條連線擁有可定址的通道，並支援「廣播給群組但排除發送者」？
//
// 設計方案：
//   ✅ WebSocket - 全雙工通信
//   ✅ Hub 模式 - 集中管理連線與廣播群組
//   ✅ Ping/Pong 心跳 - 檢測死連接
//   ✅ 緩衝 channel - 異步發送；同一連線 FIFO

// WebSocketHub WebSocket 連接中心，實作 Transport
//
//   - connections：connID → Connection
//   - groups：群組名稱 → 成員 connID
//
// Send channel 只在持有寫鎖時關閉，送出時持有讀鎖，不會寫入已關閉的 channel。
type WebSocketHub struct {
	cfg         WebSocketConfig
	metrics     *Metrics
	logger      *slog.Logger
	upgrader    websocket.Upgrader
	dispatcher  Dispatcher
	connections map[string]*Connection
	groups      map[string]map[string]struct{}
	mu          sync.RWMutex
}

// Connection WebSocket 連接
type Connection struct {
	ID        string
	Conn      *websocket.Conn
	Send      chan []byte
	Hub       *WebSocketHub
	closeOnce sync.Once // 確保 channel 只關閉一次
}

// NewWebSocketHub 創建 WebSocket Hub
func NewWebSocketHub(cfg WebSocketConfig, metrics *Metrics, logger *slog.Logger) *WebSocketHub {
	hub := &WebSocketHub{
		cfg:         cfg,
		metrics:     metrics,
		logger:      logger,
		connections: make(map[string]*Connection),
		groups:      make(map[string]map[string]struct{}),
	}
	hub.upgrader = websocket.Upgrader{
		CheckOrigin:     hub.checkOrigin,
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
	}
	return hub
}

// SetDispatcher 設定事件接收者，必須在 ServeWS 之前呼叫
func (hub *WebSocketHub) SetDispatcher(d Dispatcher) {
	hub.dispatcher = d
}

// checkOrigin 依設定檢查來源，"*" 表示全部允許
func (hub *WebSocketHub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || lo.Contains(hub.cfg.AllowedOrigins, "*") {
		return true
	}
	return lo.Contains(hub.cfg.AllowedOrigins, origin)
}

// ServeWS 處理 WebSocket 連接
func (hub *WebSocketHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if hub.dispatcher == nil {
		http.Error(w, "服務尚未就緒", http.StatusServiceUnavailable)
		return
	}

	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("升級 WebSocket 失敗", "error", err)
		return
	}

	connection := &Connection{
		ID:   uuid.NewString(),
		Conn: conn,
		Send: make(chan []byte, hub.cfg.SendBufferSize),
		Hub:  hub,
	}

	hub.register(connection)

	go connection.writePump()
	go connection.readPump()

	hub.logger.Info("WebSocket 連接建立",
		"conn_id", connection.ID,
		"remote_addr", r.RemoteAddr)
}

// register 註冊連接
func (hub *WebSocketHub) register(conn *Connection) {
	hub.mu.Lock()
	hub.connections[conn.ID] = conn
	hub.mu.Unlock()

	hub.metrics.ConnectionsActive.Inc()
}

// unregister 取消註冊連接並離開所有群組
func (hub *WebSocketHub) unregister(conn *Connection) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	actual, exists := hub.connections[conn.ID]
	if !exists || actual != conn {
		return
	}
	delete(hub.connections, conn.ID)

	for name, members := range hub.groups {
		delete(members, conn.ID)
		if len(members) == 0 {
			delete(hub.groups, name)
		}
	}

	conn.closeOnce.Do(func() {
		close(conn.Send)
	})
}

// Send 單播
func (hub *WebSocketHub) Send(connID string, env Envelope) error {
	message, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("序列化訊框失敗: %w", err)
	}

	hub.mu.RLock()
	defer hub.mu.RUnlock()

	conn, exists := hub.connections[connID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, connID)
	}
	if !hub.enqueue(conn, message) {
		return fmt.Errorf("連線 %s 緩衝區滿", connID)
	}
	return nil
}

// Broadcast 廣播到群組，排除 exceptID
func (hub *WebSocketHub) Broadcast(group, exceptID string, env Envelope) {
	message, err := json.Marshal(env)
	if err != nil {
		hub.logger.Error("序列化訊框失敗", "error", err, "event", env.Event)
		return
	}

	hub.mu.RLock()
	defer hub.mu.RUnlock()

	for id := range hub.groups[group] {
		if id == exceptID {
			continue
		}
		if conn, exists := hub.connections[id]; exists {
			hub.enqueue(conn, message)
		}
	}
}

// JoinGroup 加入群組
func (hub *WebSocketHub) JoinGroup(connID, group string) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if _, exists := hub.connections[connID]; !exists {
		return
	}
	if hub.groups[group] == nil {
		hub.groups[group] = make(map[string]struct{})
	}
	hub.groups[group][connID] = struct{}{}
}

// LeaveGroup 離開群組
func (hub *WebSocketHub) LeaveGroup(connID, group string) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	members, exists := hub.groups[group]
	if !exists {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(hub.groups, group)
	}
}

// enqueue 非阻塞寫入連線佇列（需要持有讀鎖）
func (hub *WebSocketHub) enqueue(conn *Connection, message []byte) bool {
	select {
	case conn.Send <- message:
		return true
	default:
		hub.logger.Warn("連接緩衝區滿", "conn_id", conn.ID)
		return false
	}
}

// Stop 關閉所有連接
func (hub *WebSocketHub) Stop() {
	hub.mu.Lock()
	for _, conn := range hub.connections {
		conn.closeOnce.Do(func() {
			close(conn.Send)
		})
		conn.Conn.Close()
	}
	hub.connections = make(map[string]*Connection)
	hub.groups = make(map[string]map[string]struct{})
	hub.mu.Unlock()

	hub.logger.Info("WebSocket Hub 已停止")
}

// ConnectionCount 連接數
func (hub *WebSocketHub) ConnectionCount() int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.connections)
}

// GroupSize 群組成員數
func (hub *WebSocketHub) GroupSize(group string) int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.groups[group])
}

// readPump 讀取客戶端訊框並依序分派
//
// 結束時（斷線、逾時、讀取錯誤）呼叫一次 Disconnect。
func (c *Connection) readPump() {
	defer func() {
		c.Hub.dispatcher.Disconnect(c.ID)
		c.Hub.unregister(c)
		c.Conn.Close()
		c.Hub.metrics.ConnectionsActive.Dec()
	}()

	c.Conn.SetReadLimit(c.Hub.cfg.MaxMessageSize)
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.Hub.cfg.PongWait)); err != nil {
		c.Hub.logger.Error("設置讀取期限失敗", "error", err)
	}

	c.Conn.SetPongHandler(func(string) error {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.Hub.cfg.PongWait)); err != nil {
			c.Hub.logger.Error("設置讀取期限失敗", "error", err)
		}
		return nil
	})

	for {
		messageType, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.logger.Error("WebSocket 讀取錯誤",
					"error", err,
					"conn_id", c.ID)
			}
			break
		}

		if messageType == websocket.TextMessage {
			c.handleMessage(message)
		}
	}
}

// writePump 寫入訊框到客戶端並定時發送 ping
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	writeWait := c.Hub.cfg.WriteWait
	for {
		select {
		case message, ok := <-c.Send:
			if err := c.Conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.Hub.logger.Error("設置寫入期限失敗", "error", err)
			}
			if !ok {
				// Hub 關閉了通道
				_ = c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// 一次送完佇列中已有的訊框，各自獨立成一個訊息
			n := len(c.Send)
			for i := 0; i < n; i++ {
				next, ok := <-c.Send
				if !ok {
					return
				}
				if err := c.Conn.WriteMessage(websocket.TextMessage, next); err != nil {
					c.Hub.logger.Error("發送消息失敗", "error", err)
					return
				}
			}

		case <-ticker.C:
			if err := c.Conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.Hub.logger.Error("設置寫入期限失敗", "error", err)
			}
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage 解析訊框並交給 Dispatcher
func (c *Connection) handleMessage(message []byte) {
	var msg Inbound
	if err := json.Unmarshal(message, &msg); err != nil {
		c.Hub.logger.Warn("解析客戶端訊框失敗",
			"error", err,
			"conn_id", c.ID)
		return
	}

	err := c.Hub.dispatcher.Dispatch(c.ID, msg)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotPlaced):
		c.Hub.logger.Debug("連線未加入房間，忽略事件",
			"event", msg.Event,
			"conn_id", c.ID)
	default:
		c.Hub.logger.Warn("處理事件失敗",
			"event", msg.Event,
			"error", err,
			"conn_id", c.ID)
	}
}
