// Package presence 维护每个房间的在线名单。
// 名单是进程内状态：随连接产生，随断开清除，从不持久化。
package presence

import (
	"encoding/json"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Gurprince/dev-deck/internal/domain"
	"github.com/Gurprince/dev-deck/internal/hub"
)

// Publisher 是注册表向房间广播所需的最小接口，由 hub.Hub 实现
type Publisher interface {
	Publish(roomID string, ev hub.Event)
}

// colorPalette 是分配给在线成员的颜色标签池
var colorPalette = []string{
	"#E53E3E", "#DD6B20", "#D69E2E", "#38A169",
	"#319795", "#3182CE", "#5A67D8", "#805AD5",
	"#D53F8C", "#718096",
}

// room 是单个房间的在线名单。
// 所有读-改-写都在 mu 下串行进行，避免 join/leave 并发时的
// 丢失更新。房间在最后一个成员离开后保留为空，不删除。
type room struct {
	mu            sync.Mutex
	entries       map[string]domain.PresenceEntry // connID -> entry
	lastBroadcast []byte                          // 上次广播的成员列表序列化结果
}

// Registry 是在线注册表组件，进程启动时创建，生命周期与进程一致
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*room
	// connID -> 该连接加入过的房间集合，供 DisconnectAll 反查
	conns map[string]map[string]struct{}

	pub Publisher
	log *logrus.Entry
}

// NewRegistry 创建在线注册表
func NewRegistry(pub Publisher) *Registry {
	if pub == nil {
		panic("Publisher cannot be nil for presence Registry")
	}
	return &Registry{
		rooms: make(map[string]*room),
		conns: make(map[string]map[string]struct{}),
		pub:   pub,
		log:   logrus.WithField("component", "presence"),
	}
}

// Join 将连接加入房间并返回当前完整成员列表。
// 对同一 connID 幂等：重复加入只刷新身份信息，不产生重复条目。
// 每次成功加入触发至多一次广播（字节级去重）。
func (r *Registry) Join(roomID string, identity domain.Identity, connID string) domain.RoomSnapshot {
	rm := r.getOrCreateRoom(roomID)

	rm.mu.Lock()
	entry, exists := rm.entries[connID]
	if !exists {
		entry = domain.PresenceEntry{
			ConnectionID: connID,
			JoinedAt:     time.Now(),
			ColorTag:     colorFor(connID),
		}
	}
	entry.UserID = identity.UserID
	entry.DisplayName = identity.DisplayName
	entry.Email = identity.Email
	rm.entries[connID] = entry

	snapshot := rm.snapshotLocked(roomID)
	r.broadcastLocked(rm, roomID, snapshot, "")
	rm.mu.Unlock()

	r.mu.Lock()
	if _, ok := r.conns[connID]; !ok {
		r.conns[connID] = make(map[string]struct{})
	}
	r.conns[connID][roomID] = struct{}{}
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{
		"room_id": roomID,
		"conn_id": connID,
		"user_id": identity.UserID,
	}).Info("Connection joined room")
	return snapshot
}

// Leave 将连接移出房间，返回更新后的成员列表和离开者名字。
// 离开者名字仅在该用户最后一个连接断开时非空。
// 未知房间或未知连接是无害的 no-op，返回 ok=false。
func (r *Registry) Leave(roomID, connID string) (domain.RoomSnapshot, string, bool) {
	r.mu.RLock()
	rm, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if !ok {
		return domain.RoomSnapshot{}, "", false
	}

	rm.mu.Lock()
	entry, ok := rm.entries[connID]
	if !ok {
		rm.mu.Unlock()
		return domain.RoomSnapshot{}, "", false
	}
	delete(rm.entries, connID)

	// 如果这是该用户在房间内的最后一个连接，作为"离开"公告；
	// 否则只是重复连接掉线，成员列表更新但不宣告离开。
	departed := ""
	if !rm.hasUserLocked(entry.UserID) {
		departed = entry.DisplayName
	}
	snapshot := rm.snapshotLocked(roomID)
	r.broadcastLocked(rm, roomID, snapshot, departed)
	rm.mu.Unlock()

	r.mu.Lock()
	if rooms, ok := r.conns[connID]; ok {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(r.conns, connID)
		}
	}
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{
		"room_id":  roomID,
		"conn_id":  connID,
		"departed": departed != "",
	}).Info("Connection left room")
	return snapshot, departed, true
}

// DisconnectAll 在物理断开时调用一次，将连接从它加入过的
// 每个房间移除，每个房间各产生一次广播。
func (r *Registry) DisconnectAll(connID string) {
	r.mu.RLock()
	rooms := make([]string, 0, len(r.conns[connID]))
	for roomID := range r.conns[connID] {
		rooms = append(rooms, roomID)
	}
	r.mu.RUnlock()

	for _, roomID := range rooms {
		r.Leave(roomID, connID)
	}
}

// Snapshot 返回房间当前成员列表
func (r *Registry) Snapshot(roomID string) (domain.RoomSnapshot, bool) {
	r.mu.RLock()
	rm, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if !ok {
		return domain.RoomSnapshot{}, false
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.snapshotLocked(roomID), true
}

// IsMember 报告某用户当前是否在房间内（至少有一个活跃连接）。
// 执行取消和清空聊天等房间级特权操作用它做准入检查。
func (r *Registry) IsMember(roomID string, userID uint) bool {
	r.mu.RLock()
	rm, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.hasUserLocked(userID)
}

// RunHeartbeat 周期性地向所有非空房间重播成员列表，
// 作为事件驱动广播之外的兜底。stop 关闭后退出。
func (r *Registry) RunHeartbeat(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.heartbeat()
		case <-stop:
			return
		}
	}
}

func (r *Registry) heartbeat() {
	r.mu.RLock()
	roomIDs := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		roomIDs = append(roomIDs, id)
	}
	r.mu.RUnlock()

	for _, roomID := range roomIDs {
		r.mu.RLock()
		rm, ok := r.rooms[roomID]
		r.mu.RUnlock()
		if !ok {
			continue
		}
		rm.mu.Lock()
		if len(rm.entries) > 0 {
			snapshot := rm.snapshotLocked(roomID)
			// 心跳无条件重播，绕过去重
			rm.lastBroadcast = nil
			r.broadcastLocked(rm, roomID, snapshot, "")
		}
		rm.mu.Unlock()
	}
}

func (r *Registry) getOrCreateRoom(roomID string) *room {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{entries: make(map[string]domain.PresenceEntry)}
		r.rooms[roomID] = rm
		r.log.WithField("room_id", roomID).Info("Room created on first join")
	}
	return rm
}

// broadcastLocked 在持有 room.mu 的情况下发布成员更新。
// 与上次广播字节级相同的列表被抑制，避免快速重连时的冗余流量。
func (r *Registry) broadcastLocked(rm *room, roomID string, snapshot domain.RoomSnapshot, departed string) {
	encoded, err := json.Marshal(snapshot.Members)
	if err != nil {
		r.log.WithError(err).WithField("room_id", roomID).Error("Failed to marshal presence snapshot")
		return
	}
	if rm.lastBroadcast != nil && string(encoded) == string(rm.lastBroadcast) {
		r.log.WithField("room_id", roomID).Debug("Presence snapshot unchanged, broadcast suppressed")
		return
	}
	rm.lastBroadcast = encoded

	r.pub.Publish(roomID, hub.Event{
		Type:   hub.EventPresenceUpdate,
		RoomID: roomID,
		Payload: hub.PresencePayload{
			Members:  snapshot.Members,
			Departed: departed,
		},
	})
}

// snapshotLocked 生成排序稳定的成员列表，调用方必须持有 mu
func (rm *room) snapshotLocked(roomID string) domain.RoomSnapshot {
	members := make([]domain.PresenceEntry, 0, len(rm.entries))
	for _, e := range rm.entries {
		members = append(members, e)
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].ConnectionID < members[j].ConnectionID
		}
		return members[i].JoinedAt.Before(members[j].JoinedAt)
	})
	return domain.RoomSnapshot{RoomID: roomID, Members: members}
}

func (rm *room) hasUserLocked(userID uint) bool {
	for _, e := range rm.entries {
		if e.UserID == userID {
			return true
		}
	}
	return false
}

func colorFor(connID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(connID))
	return colorPalette[int(h.Sum32())%len(colorPalette)]
}
