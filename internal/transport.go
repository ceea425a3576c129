package internal

import (
	"encoding/json"
	"errors"
)

// 客戶端 → 伺服器事件
const (
	EventJoin         = "join"
	EventMessage      = "message"
	EventTime         = "time"
	EventSync         = "sync"
	EventHistory      = "history"
	EventClearHistory = "clearhistory"
)

// 伺服器 → 客戶端事件（另有 join、time、sync 回覆）
const (
	EventReceive    = "receive"
	EventOtherLeave = "otherleave"
)

// 廣播類型
const (
	TypeMessage = "message"
	TypeJoin    = "join"
)

var (
	// ErrNotPlaced 連線尚未加入任何房間
	ErrNotPlaced = errors.New("連線尚未加入房間")
	// ErrUnknownEvent 無法識別的事件名稱
	ErrUnknownEvent = errors.New("未知事件")
	// ErrBadPayload 事件內容無法解析
	ErrBadPayload = errors.New("事件內容格式錯誤")
	// ErrConnectionNotFound 傳輸層找不到連線
	ErrConnectionNotFound = errors.New("連線不存在")
)

// Envelope 伺服器送出的訊框
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
	Type  string `json:"type,omitempty"`
}

// Inbound 客戶端送來的訊框
type Inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Transport 傳輸層
//
// 提供單播、群組廣播（排除發送者）與群組加入/離開。
type Transport interface {
	Send(connID string, env Envelope) error
	Broadcast(group, exceptID string, env Envelope)
	JoinGroup(connID, group string)
	LeaveGroup(connID, group string)
}

// Dispatcher 接收傳輸層事件
//
// 同一條連線的事件依序呼叫；Disconnect 每條連線只呼叫一次。
type Dispatcher interface {
	Dispatch(connID string, msg Inbound) error
	Disconnect(connID string)
}
