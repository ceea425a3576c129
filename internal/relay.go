package internal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// 系統設計問題：
//   同一房間的 join / message / leave 可能同時從不同連線到達，
//   如何確保分配、合併、離開的狀態轉換不互相踩踏？
//
// 設計方案：
//   ✅ RWMutex：join / leave 會改動目錄與房間列表，取寫鎖
//   ✅ message / sync / history 只動單一房間，取讀鎖再由房間自己的鎖序列化
//   ✅ 鎖順序固定為 Relay → Room，不會死鎖
//   ✅ 傳輸層送出為非阻塞（寫入連線佇列），持鎖期間不會卡住

// JoinRequest join 事件內容
type JoinRequest struct {
	AppName   string `json:"appName"`
	RoomName  string `json:"roomName"`
	MaxPeople *int   `json:"maxPeople"`
	Fill      *bool  `json:"fill"`
	InitObj   Props  `json:"initObj"`
}

// JoinReply join 回覆
type JoinReply struct {
	ID         string           `json:"id"`
	MasterTime int64            `json:"masterTime"`
	JoinTime   int64            `json:"joinTime"`
	History    string           `json:"history"`
	Current    map[string]Props `json:"current"`
	Last       Last             `json:"last"`
}

// TimeReply time 回覆
type TimeReply struct {
	MasterTime  int64 `json:"masterTime"`
	CurrentTime int64 `json:"currentTime"`
}

// SyncReply sync 回覆（current 不含請求者本人）
type SyncReply struct {
	ID          string           `json:"id"`
	MasterTime  int64            `json:"masterTime"`
	CurrentTime int64            `json:"currentTime"`
	History     string           `json:"history"`
	Current     map[string]Props `json:"current"`
	Last        Last             `json:"last"`
}

// Relay 房間中繼
//
// 負責連線生命週期（join / leave）、廣播合併與同步協定。
type Relay struct {
	mu         sync.RWMutex
	allocator  *RoomAllocator
	directory  *SessionDirectory
	transport  Transport
	metrics    *Metrics
	logger     *slog.Logger
	masterTime int64
}

// NewRelay 創建中繼
func NewRelay(transport Transport, metrics *Metrics, logger *slog.Logger) *Relay {
	return &Relay{
		allocator:  NewRoomAllocator(logger),
		directory:  NewSessionDirectory(),
		transport:  transport,
		metrics:    metrics,
		logger:     logger,
		masterTime: time.Now().Unix(),
	}
}

// MasterTime 中繼啟動時間（秒）
func (r *Relay) MasterTime() int64 { return r.masterTime }

// Placement 查詢連線位置
func (r *Relay) Placement(connID string) (Placement, bool) {
	return r.directory.Get(connID)
}

// Join 加入房間
//
// 已在房間內的連線會先離開原房間。流程：
//  1. 分配房間並加入群組
//  2. 以 initObj（注入 id）更新 last
//  3. 回覆快照給加入者（current 尚不含加入者）
//  4. 以 join 類型廣播 initObj，合併進 current，但不再更新 last
func (r *Relay) Join(connID string, req JoinRequest) (JoinReply, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, placed := r.directory.Get(connID); placed {
		if err := r.leaveLocked(connID); err != nil {
			return JoinReply{}, fmt.Errorf("換房失敗: %w", err)
		}
	}

	p, created := r.allocator.Place(connID, req.AppName, req.RoomName, req.MaxPeople, req.Fill)
	if created {
		r.metrics.RoomsCreated.Inc()
		r.metrics.RoomsActive.Inc()
	}
	room := p.Room()

	r.transport.JoinGroup(connID, room.Group)
	r.directory.Set(connID, p)

	initObj := req.InitObj.Clone()
	if initObj == nil {
		initObj = Props{}
	}
	initObj["id"] = connID
	room.RecordLast(connID, initObj)

	snap := room.Snapshot(connID)
	reply := JoinReply{
		ID:         connID,
		MasterTime: r.masterTime,
		JoinTime:   time.Now().Unix(),
		History:    snap.History,
		Current:    snap.Current,
		Last:       snap.Last,
	}
	if err := r.transport.Send(connID, Envelope{Event: EventJoin, Data: reply}); err != nil {
		r.logger.Warn("join 回覆失敗", "conn_id", connID, "error", err)
	}

	r.broadcast(connID, room, initObj, TypeJoin)

	r.logger.Info("連線加入房間",
		"conn_id", connID,
		"app", p.AppName,
		"room_root", p.RoomRoot,
		"room", p.RoomName)

	return reply, nil
}

// Message 廣播屬性更新給房間其他成員
func (r *Relay) Message(connID string, data Props) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.directory.Get(connID)
	if !ok {
		return ErrNotPlaced
	}

	data = data.Clone()
	if data == nil {
		data = Props{}
	}
	data["id"] = connID
	r.broadcast(connID, p.Room(), data, TypeMessage)
	return nil
}

// Time 時間資訊，不需要在房間內
func (r *Relay) Time() TimeReply {
	return TimeReply{
		MasterTime:  r.masterTime,
		CurrentTime: time.Now().Unix(),
	}
}

// Sync 完整狀態同步
func (r *Relay) Sync(connID string) (SyncReply, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.directory.Get(connID)
	if !ok {
		return SyncReply{}, ErrNotPlaced
	}

	snap := p.Room().Snapshot(connID)
	return SyncReply{
		ID:          connID,
		MasterTime:  r.masterTime,
		CurrentTime: time.Now().Unix(),
		History:     snap.History,
		Current:     snap.Current,
		Last:        snap.Last,
	}, nil
}

// History 追加房間歷史紀錄
func (r *Relay) History(connID, chunk string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.directory.Get(connID)
	if !ok {
		return ErrNotPlaced
	}
	p.Room().AppendHistory(chunk)
	return nil
}

// ClearHistory 清空房間歷史紀錄
func (r *Relay) ClearHistory(connID string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.directory.Get(connID)
	if !ok {
		return ErrNotPlaced
	}
	p.Room().ClearHistory()
	return nil
}

// Leave 離開房間
func (r *Relay) Leave(connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(connID)
}

// Disconnect 連線斷開
func (r *Relay) Disconnect(connID string) {
	if err := r.Leave(connID); err != nil && !errors.Is(err, ErrNotPlaced) {
		r.logger.Error("斷線清理失敗", "conn_id", connID, "error", err)
	}
	r.logger.Info("連線斷開", "conn_id", connID)
}

// Dispatch 依事件名稱分派客戶端訊框
//
// 需要在房間內的事件若連線尚未加入，回傳 ErrNotPlaced 且不送出任何回覆。
func (r *Relay) Dispatch(connID string, msg Inbound) error {
	switch msg.Event {
	case EventJoin:
		r.metrics.Events.WithLabelValues(msg.Event).Inc()
		var req JoinRequest
		if err := decodePayload(msg.Data, &req); err != nil {
			return err
		}
		_, err := r.Join(connID, req)
		return err

	case EventMessage:
		r.metrics.Events.WithLabelValues(msg.Event).Inc()
		var data Props
		if err := decodePayload(msg.Data, &data); err != nil {
			return err
		}
		return r.Message(connID, data)

	case EventTime:
		r.metrics.Events.WithLabelValues(msg.Event).Inc()
		return r.transport.Send(connID, Envelope{Event: EventTime, Data: r.Time()})

	case EventSync:
		r.metrics.Events.WithLabelValues(msg.Event).Inc()
		reply, err := r.Sync(connID)
		if err != nil {
			return err
		}
		return r.transport.Send(connID, Envelope{Event: EventSync, Data: reply})

	case EventHistory:
		r.metrics.Events.WithLabelValues(msg.Event).Inc()
		return r.History(connID, historyChunk(msg.Data))

	case EventClearHistory:
		r.metrics.Events.WithLabelValues(msg.Event).Inc()
		return r.ClearHistory(connID)

	default:
		r.metrics.Events.WithLabelValues("unknown").Inc()
		return fmt.Errorf("%w: %q", ErrUnknownEvent, msg.Event)
	}
}

// broadcast 送給房間其他成員並合併進 current
//
// 同一房間的廣播與合併依序進行，成員收到的順序與 last 一致。
func (r *Relay) broadcast(originID string, room *Room, data Props, typ string) {
	room.relayMu.Lock()
	defer room.relayMu.Unlock()

	r.transport.Broadcast(room.Group, originID, Envelope{Event: EventReceive, Data: data, Type: typ})
	room.ApplyUpdate(originID, data, typ == TypeMessage)
	r.metrics.Broadcasts.WithLabelValues(typ).Inc()
}

// leaveLocked 需要持有寫鎖
func (r *Relay) leaveLocked(connID string) error {
	p, ok := r.directory.Get(connID)
	if !ok {
		return ErrNotPlaced
	}
	room := p.Room()

	r.transport.LeaveGroup(connID, room.Group)
	r.transport.Broadcast(room.Group, connID, Envelope{Event: EventOtherLeave, Data: connID})

	if room.RemoveMember(connID) {
		r.metrics.RoomsActive.Dec()
		r.logger.Info("房間已清空", "room", room.Name)
		if r.allocator.Release(p) {
			r.metrics.RoomRootResets.Inc()
		}
	}
	r.directory.Delete(connID)

	r.logger.Info("連線離開房間",
		"conn_id", connID,
		"app", p.AppName,
		"room_root", p.RoomRoot,
		"room", p.RoomName)
	return nil
}

// decodePayload 解析事件內容；空內容或 null 視為零值
func decodePayload(raw json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return nil
}

// historyChunk JSON 字串取其內容，其他型別取原始文字
func historyChunk(raw json.RawMessage) string {
	var s string
	if err := decodePayload(raw, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(raw))
}
