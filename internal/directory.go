package internal

import "sync"

// Placement 連線目前所在位置
type Placement struct {
	AppName  string `json:"app"`
	RoomRoot string `json:"room_root"`
	RoomName string `json:"room"`

	room *Room
}

// Room 連線所在的房間
func (p Placement) Room() *Room { return p.room }

// SessionDirectory 連線 ID → 位置
//
// 只在連線已被分配到房間時才有紀錄。
type SessionDirectory struct {
	mu         sync.RWMutex
	placements map[string]Placement
}

// NewSessionDirectory 創建目錄
func NewSessionDirectory() *SessionDirectory {
	return &SessionDirectory{placements: make(map[string]Placement)}
}

// Get 查詢位置
func (d *SessionDirectory) Get(connID string) (Placement, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.placements[connID]
	return p, ok
}

// Set 記錄位置
func (d *SessionDirectory) Set(connID string, p Placement) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.placements[connID] = p
}

// Delete 移除位置
func (d *SessionDirectory) Delete(connID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.placements, connID)
}

// Len 已分配的連線數
func (d *SessionDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.placements)
}
