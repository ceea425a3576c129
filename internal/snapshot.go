package internal

import (
	"sort"
	"time"
)

// RoomSummary 房間概況
type RoomSummary struct {
	Name      string    `json:"room"`
	People    int       `json:"people"`
	Gone      int       `json:"gone"`
	Active    bool      `json:"active"`
	Members   []string  `json:"members"`
	CreatedAt time.Time `json:"created_at"`
}

// RoomRootSummary roomRoot 概況
type RoomRootSummary struct {
	Name      string        `json:"room_root"`
	MaxPeople int           `json:"max_people"`
	Fill      bool          `json:"fill"`
	Rooms     []RoomSummary `json:"rooms"`
}

// AppSummary app 概況
type AppSummary struct {
	Name      string            `json:"app"`
	RoomRoots []RoomRootSummary `json:"room_roots"`
}

// Apps 所有 app 的概況
func (r *Relay) Apps() []AppSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := r.allocator.AppNames()
	out := make([]AppSummary, 0, len(names))
	for _, name := range names {
		out = append(out, r.appSummary(name))
	}
	return out
}

// App 單一 app 的概況
func (r *Relay) App(name string) (AppSummary, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name = NormalizeName(name)
	if _, ok := r.allocator.apps[name]; !ok {
		return AppSummary{}, false
	}
	return r.appSummary(name), true
}

// Stats 統計資訊
func (r *Relay) Stats() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	roomRoots := 0
	activeRooms := 0
	people := 0
	for _, name := range r.allocator.AppNames() {
		for _, rr := range r.allocator.RoomRoots(name) {
			roomRoots++
			for _, room := range rr.ActiveRooms() {
				activeRooms++
				p, _ := room.Counts()
				people += p
			}
		}
	}

	return map[string]any{
		"total_apps":       len(r.allocator.apps),
		"total_room_roots": roomRoots,
		"active_rooms":     activeRooms,
		"total_people":     people,
		"placed_clients":   r.directory.Len(),
		"master_time":      r.masterTime,
	}
}

// appSummary 需要持有讀鎖
func (r *Relay) appSummary(name string) AppSummary {
	app := AppSummary{Name: name}
	for _, rr := range r.allocator.RoomRoots(name) {
		rs := RoomRootSummary{
			Name:      rr.Name,
			MaxPeople: rr.MaxPeople,
			Fill:      rr.Fill,
			Rooms:     make([]RoomSummary, 0, len(rr.rooms)),
		}
		for _, room := range rr.rooms {
			people, gone := room.Counts()
			members := room.Members()
			sort.Strings(members)
			rs.Rooms = append(rs.Rooms, RoomSummary{
				Name:      room.Name,
				People:    people,
				Gone:      gone,
				Active:    !room.Tombstoned(),
				Members:   members,
				CreatedAt: room.CreatedAt,
			})
		}
		app.RoomRoots = append(app.RoomRoots, rs)
	}
	return app
}
