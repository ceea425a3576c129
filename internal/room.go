package internal

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/samber/lo"
)

// 系統設計問題：
//   房間內多人各自送出屬性更新，晚加入的人如何不靠外部資料庫就拿到完整狀態？
//
// 核心挑戰：
//   1. 合併狀態：每位成員的最新屬性集合（current）
//   2. 最後寫入者：每個屬性是誰最後改的（last），離開後仍保留
//   3. 歷史紀錄：只追加的字串，新成員加入時一次送出
//
// 設計方案：
//   ✅ 每個房間一把 Mutex，房間之間互不干擾
//   ✅ 對外一律回傳深拷貝快照，不洩漏內部 map

// LastEntry 單一屬性的最後寫入紀錄，序列化為 [writerId, value]
type LastEntry struct {
	WriterID string
	Value    any
}

// MarshalJSON 輸出 [writerId, value]
func (e LastEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.WriterID, e.Value})
}

// UnmarshalJSON 解析 [writerId, value]
func (e *LastEntry) UnmarshalJSON(b []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(b, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("last 項目長度錯誤: %d", len(pair))
	}
	if err := json.Unmarshal(pair[0], &e.WriterID); err != nil {
		return err
	}
	return json.Unmarshal(pair[1], &e.Value)
}

// Last 房間的最後寫入者表
type Last struct {
	WriterID   string               `json:"id,omitempty"`
	Properties map[string]LastEntry `json:"properties"`
}

func (l Last) clone() Last {
	out := Last{
		WriterID:   l.WriterID,
		Properties: make(map[string]LastEntry, len(l.Properties)),
	}
	for k, e := range l.Properties {
		out.Properties[k] = LastEntry{WriterID: e.WriterID, Value: cloneValue(e.Value)}
	}
	return out
}

// Room 房間實例（例如 app_lobby0）
//
// 狀態：
//   - People：目前人數
//   - Gone：整個生命週期內離開過的人數
//   - members：成員連線 ID
//   - current：成員 ID → 合併後的屬性（只包含送過更新的成員）
//   - last：每個屬性的最後寫入者，成員離開後不移除
type Room struct {
	Name      string
	Group     string // 傳輸層廣播群組名稱，全程序唯一
	CreatedAt time.Time

	relayMu    sync.Mutex // 序列化同房間的廣播
	mu         sync.Mutex
	people     int
	gone       int
	history    string
	members    map[string]struct{}
	current    map[string]Props
	last       Last
	tombstoned bool
}

// RoomSnapshot 房間狀態快照
type RoomSnapshot struct {
	History string           `json:"history"`
	Current map[string]Props `json:"current"`
	Last    Last             `json:"last"`
}

// NewRoom 創建空房間
func NewRoom(name, group string) *Room {
	return &Room{
		Name:      name,
		Group:     group,
		CreatedAt: time.Now(),
		members:   make(map[string]struct{}),
		current:   make(map[string]Props),
		last:      Last{Properties: make(map[string]LastEntry)},
	}
}

// AddMember 加入成員
func (r *Room) AddMember(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.members[connID]; exists {
		return
	}
	r.members[connID] = struct{}{}
	r.people++
}

// RemoveMember 移除成員，回傳房間是否因此變空
//
// 變空時房間被標記為墓碑並丟棄所有成員資料；
// 否則只刪除該成員的 current，last 中屬於他的紀錄保留。
func (r *Room) RemoveMember(connID string) (empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.members[connID]; !exists {
		return len(r.members) == 0
	}
	delete(r.members, connID)
	r.people--
	r.gone++

	if len(r.members) == 0 {
		r.tombstoned = true
		r.current = make(map[string]Props)
		return true
	}
	delete(r.current, connID)
	return false
}

// RecordLast 將 props 的每個 key 記為 writerID 所寫，並設定整體最後寫入者
func (r *Room) RecordLast(writerID string, props Props) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.recordLast(writerID, props, true)
}

// recordLast 需要持有鎖；force 為 false 時只有在至少一個 key 時才更新 WriterID
func (r *Room) recordLast(writerID string, props Props, force bool) {
	for k, v := range props {
		r.last.Properties[k] = LastEntry{WriterID: writerID, Value: cloneValue(v)}
	}
	if force || len(props) > 0 {
		r.last.WriterID = writerID
	}
}

// ApplyUpdate 將更新合併進 current[originID]
//
// trackLast 為 true（message 類型）時同時更新 last。
func (r *Room) ApplyUpdate(originID string, data Props, trackLast bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.tombstoned {
		return
	}
	r.current[originID] = Merge(r.current[originID], data.Clone())
	if trackLast {
		r.recordLast(originID, data, false)
	}
}

// Snapshot 房間狀態快照；exclude 非空時從 current 移除該成員
func (r *Room) Snapshot(exclude string) RoomSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := make(map[string]Props, len(r.current))
	for id, props := range r.current {
		if id == exclude {
			continue
		}
		current[id] = props.Clone()
	}
	return RoomSnapshot{
		History: r.history,
		Current: current,
		Last:    r.last.clone(),
	}
}

// AppendHistory 追加歷史紀錄（不限長度）
func (r *Room) AppendHistory(chunk string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history += chunk
}

// ClearHistory 清空歷史紀錄
func (r *Room) ClearHistory() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = ""
}

// History 目前歷史紀錄
func (r *Room) History() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.history
}

// Counts 回傳目前人數與離開人數
func (r *Room) Counts() (people, gone int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.people, r.gone
}

// Members 成員連線 ID
func (r *Room) Members() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return lo.Keys(r.members)
}

// HasMember 是否為成員
func (r *Room) HasMember(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.members[connID]
	return ok
}

// Tombstoned 房間是否已清空
func (r *Room) Tombstoned() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tombstoned
}
