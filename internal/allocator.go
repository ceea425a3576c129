package internal

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// DefaultName 未提供 app 或 roomRoot 名稱時使用
const DefaultName = "default"

// RoomRoot 同一個 app 下的一組房間（例如 lobby → app_lobby0, app_lobby1 ...）
//
// MaxPeople 為 0 時最新房間不限人數，但 fill 掃描不會選中任何房間；
// fill 為 false 時則每位加入者都開新房間。Fill 決定新加入者能否補進有人離開的舊房間。
// rooms 依創建順序排列，已清空的房間仍留在列表中佔住編號，
// 直到全部房間同時清空才整批重置。
type RoomRoot struct {
	Name      string
	MaxPeople int
	Fill      bool

	rooms []*Room
}

// ActiveRooms 目前還有人的房間
func (rr *RoomRoot) ActiveRooms() []*Room {
	out := make([]*Room, 0, len(rr.rooms))
	for _, room := range rr.rooms {
		if !room.Tombstoned() {
			out = append(out, room)
		}
	}
	return out
}

// RoomNames 列表中所有房間名稱（含已清空者）
func (rr *RoomRoot) RoomNames() []string {
	names := make([]string, len(rr.rooms))
	for i, room := range rr.rooms {
		names[i] = room.Name
	}
	return names
}

// below 房間目前人數是否低於上限（上限為 0 時永遠不成立，fill 不會選中）
func (rr *RoomRoot) below(room *Room) bool {
	people, _ := room.Counts()
	return people < rr.MaxPeople
}

// hasSpace 最新房間是否還能容納一人，上限為 0 表示不限
func (rr *RoomRoot) hasSpace(room *Room) bool {
	return rr.MaxPeople == 0 || rr.below(room)
}

// usedUp 房間整個生命週期的人數（含已離開）是否已達上限
//
// 上限為 0 時永遠成立，fill 為 false 的 roomRoot 每位加入者都開新房間。
func (rr *RoomRoot) usedUp(room *Room) bool {
	people, gone := room.Counts()
	return people+gone >= rr.MaxPeople
}

// RoomAllocator 房間分配器
//
// 維護 apps → roomRoots → 房間列表，決定新加入者進哪個房間。
// 非併發安全，由 Relay 的寫鎖保護。
type RoomAllocator struct {
	apps   map[string]map[string]*RoomRoot
	serial uint64
	logger *slog.Logger
}

// NewRoomAllocator 創建房間分配器
func NewRoomAllocator(logger *slog.Logger) *RoomAllocator {
	return &RoomAllocator{
		apps:   make(map[string]map[string]*RoomRoot),
		logger: logger,
	}
}

// NormalizeName 名稱正規化：空值用 default，轉小寫，移除換行
func NormalizeName(name string) string {
	n := strings.ToLower(name)
	n = strings.NewReplacer("\n", "", "\r", "").Replace(n)
	if n == "" {
		return DefaultName
	}
	return n
}

// Place 為連線選擇房間並加入成員
//
// 分配規則：
//  1. fill 為 true：依創建順序找第一個未清空且人數低於上限的房間
//  2. 否則看最新的房間：未清空且未滿（上限 0 視為未滿）即使用；
//     但 fill 為 false 且 people+gone 已達上限時，改開新房間（不補位）
//  3. 其餘情況開新房間
//
// 名稱會先正規化；maxPeople、fill 為 nil 時沿用 roomRoot 既有的設定。
func (a *RoomAllocator) Place(connID, appName, rootName string, maxPeople *int, fill *bool) (Placement, bool) {
	appName = NormalizeName(appName)
	rr := a.roomRoot(appName, NormalizeName(rootName), maxPeople, fill)

	var room *Room
	if rr.Fill {
		for _, candidate := range rr.rooms {
			if candidate.Tombstoned() {
				continue
			}
			if rr.below(candidate) {
				room = candidate
				break
			}
		}
	}

	if room == nil && len(rr.rooms) > 0 {
		latest := rr.rooms[len(rr.rooms)-1]
		if !latest.Tombstoned() && rr.hasSpace(latest) && (rr.Fill || !rr.usedUp(latest)) {
			room = latest
		}
	}

	created := false
	if room == nil {
		room = a.makeRoom(appName, rr)
		created = true
	}

	room.AddMember(connID)

	return Placement{
		AppName:  appName,
		RoomRoot: rr.Name,
		RoomName: room.Name,
		room:     room,
	}, created
}

// Release 房間清空後檢查 roomRoot，若全部房間都已清空則重置列表
//
// 重置後編號從 0 重新開始。
func (a *RoomAllocator) Release(p Placement) (reset bool) {
	roots, ok := a.apps[p.AppName]
	if !ok {
		return false
	}
	rr, ok := roots[p.RoomRoot]
	if !ok || len(rr.rooms) == 0 {
		return false
	}
	for _, room := range rr.rooms {
		if !room.Tombstoned() {
			return false
		}
	}
	rr.rooms = nil

	a.logger.Info("roomRoot 已重置",
		"app", p.AppName,
		"room_root", p.RoomRoot)
	return true
}

// RoomRoot 查詢 roomRoot
func (a *RoomAllocator) RoomRoot(appName, rootName string) (*RoomRoot, bool) {
	roots, ok := a.apps[appName]
	if !ok {
		return nil, false
	}
	rr, ok := roots[rootName]
	return rr, ok
}

// AppNames 所有 app 名稱（排序）
func (a *RoomAllocator) AppNames() []string {
	names := make([]string, 0, len(a.apps))
	for name := range a.apps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RoomRoots 某 app 的所有 roomRoot（依名稱排序）
func (a *RoomAllocator) RoomRoots(appName string) []*RoomRoot {
	roots := a.apps[appName]
	out := make([]*RoomRoot, 0, len(roots))
	for _, rr := range roots {
		out = append(out, rr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// roomRoot 取得或建立 roomRoot，並套用呼叫端提供的新設定
func (a *RoomAllocator) roomRoot(appName, rootName string, maxPeople *int, fill *bool) *RoomRoot {
	roots, ok := a.apps[appName]
	if !ok {
		roots = make(map[string]*RoomRoot)
		a.apps[appName] = roots
	}

	rr, ok := roots[rootName]
	if !ok {
		rr = &RoomRoot{Name: rootName}
		roots[rootName] = rr
	}

	if maxPeople != nil {
		rr.MaxPeople = max(*maxPeople, 0)
	}
	if fill != nil {
		rr.Fill = *fill
	}
	return rr
}

// makeRoom 在 roomRoot 列表末端開新房間
func (a *RoomAllocator) makeRoom(appName string, rr *RoomRoot) *Room {
	a.serial++
	name := fmt.Sprintf("%s_%s%d", appName, rr.Name, len(rr.rooms))
	room := NewRoom(name, fmt.Sprintf("%s#%d", name, a.serial))
	rr.rooms = append(rr.rooms, room)

	a.logger.Info("房間已創建",
		"app", appName,
		"room_root", rr.Name,
		"room", name,
		"max_people", rr.MaxPeople,
		"fill", rr.Fill)

	return room
}
