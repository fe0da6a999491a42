package presence_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gurprince/dev-deck/internal/domain"
	"github.com/Gurprince/dev-deck/internal/hub"
	"github.com/Gurprince/dev-deck/internal/presence"
)

// capturePublisher 记录注册表发出的所有广播
type capturePublisher struct {
	mu     sync.Mutex
	events []hub.Event
}

func (p *capturePublisher) Publish(roomID string, ev hub.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *capturePublisher) presenceEvents() []hub.PresencePayload {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []hub.PresencePayload
	for _, ev := range p.events {
		if ev.Type == hub.EventPresenceUpdate {
			out = append(out, ev.Payload.(hub.PresencePayload))
		}
	}
	return out
}

var (
	userA = domain.Identity{UserID: 1, DisplayName: "alice"}
	userB = domain.Identity{UserID: 2, DisplayName: "bob"}
)

func TestRegistry_JoinAndSnapshot(t *testing.T) {
	pub := &capturePublisher{}
	reg := presence.NewRegistry(pub)

	snap := reg.Join("room-1", userA, "conn-a")
	require.Len(t, snap.Members, 1)
	assert.Equal(t, uint(1), snap.Members[0].UserID)
	assert.Equal(t, "conn-a", snap.Members[0].ConnectionID)
	assert.NotEmpty(t, snap.Members[0].ColorTag, "加入时应分配颜色标签")
	assert.False(t, snap.Members[0].JoinedAt.IsZero())

	snap = reg.Join("room-1", userB, "conn-b")
	require.Len(t, snap.Members, 2)

	got, ok := reg.Snapshot("room-1")
	require.True(t, ok)
	assert.Len(t, got.Members, 2)
	assert.True(t, reg.IsMember("room-1", 1))
	assert.True(t, reg.IsMember("room-1", 2))
	assert.False(t, reg.IsMember("room-1", 9))
}

func TestRegistry_JoinIsIdempotentPerConnection(t *testing.T) {
	pub := &capturePublisher{}
	reg := presence.NewRegistry(pub)

	first := reg.Join("room-1", userA, "conn-a")
	second := reg.Join("room-1", userA, "conn-a")

	require.Len(t, second.Members, 1, "同一连接重复加入不应产生重复条目")
	assert.Equal(t, first.Members[0].JoinedAt, second.Members[0].JoinedAt, "重复加入应保留原始加入时间")
	assert.Equal(t, first.Members[0].ColorTag, second.Members[0].ColorTag)

	// 名单字节级未变化，第二次加入的广播应被抑制
	assert.Len(t, pub.presenceEvents(), 1)
}

func TestRegistry_SameUserTwoConnections(t *testing.T) {
	pub := &capturePublisher{}
	reg := presence.NewRegistry(pub)

	reg.Join("room-1", userA, "conn-a1")
	reg.Join("room-1", userA, "conn-a2")

	snap, _ := reg.Snapshot("room-1")
	assert.Len(t, snap.Members, 2, "同一用户的每个连接都是独立条目")

	// 第一个连接断开：用户仍在场，不宣告离开
	snapAfter, departed, ok := reg.Leave("room-1", "conn-a1")
	require.True(t, ok)
	assert.Empty(t, departed, "用户还有其他连接时不应宣告离开")
	assert.Len(t, snapAfter.Members, 1)
	events := pub.presenceEvents()
	last := events[len(events)-1]
	assert.Empty(t, last.Departed)
	assert.True(t, reg.IsMember("room-1", 1))

	// 最后一个连接断开：宣告离开
	snapAfter, departed, ok = reg.Leave("room-1", "conn-a2")
	require.True(t, ok)
	assert.Equal(t, "alice", departed)
	assert.Empty(t, snapAfter.Members)
	events = pub.presenceEvents()
	last = events[len(events)-1]
	assert.Equal(t, "alice", last.Departed)
	assert.False(t, reg.IsMember("room-1", 1))
}

func TestRegistry_LeaveUnknownIsNoop(t *testing.T) {
	pub := &capturePublisher{}
	reg := presence.NewRegistry(pub)

	_, _, ok := reg.Leave("no-such-room", "conn-x")
	assert.False(t, ok)
	reg.Join("room-1", userA, "conn-a")
	before := len(pub.presenceEvents())
	_, _, ok = reg.Leave("room-1", "no-such-conn")

	assert.False(t, ok)
	assert.Equal(t, before, len(pub.presenceEvents()), "未知连接的离开不应广播")
}

func TestRegistry_RoomSurvivesEmpty(t *testing.T) {
	pub := &capturePublisher{}
	reg := presence.NewRegistry(pub)

	reg.Join("room-1", userA, "conn-a")
	reg.Leave("room-1", "conn-a")

	snap, ok := reg.Snapshot("room-1")
	require.True(t, ok, "清空后的房间应保留")
	assert.Empty(t, snap.Members)
}

func TestRegistry_DisconnectAllLeavesEveryRoom(t *testing.T) {
	pub := &capturePublisher{}
	reg := presence.NewRegistry(pub)

	reg.Join("room-1", userA, "conn-a")
	reg.Join("room-2", userA, "conn-a")
	reg.Join("room-1", userB, "conn-b")

	reg.DisconnectAll("conn-a")

	assert.False(t, reg.IsMember("room-1", 1))
	assert.False(t, reg.IsMember("room-2", 1))
	assert.True(t, reg.IsMember("room-1", 2), "其他连接不受影响")

	// 再次断开是 no-op
	reg.DisconnectAll("conn-a")
}

func TestRegistry_SnapshotOrderStable(t *testing.T) {
	pub := &capturePublisher{}
	reg := presence.NewRegistry(pub)

	reg.Join("room-1", userA, "conn-a")
	reg.Join("room-1", userB, "conn-b")

	first, _ := reg.Snapshot("room-1")
	second, _ := reg.Snapshot("room-1")
	require.Equal(t, len(first.Members), len(second.Members))
	for i := range first.Members {
		assert.Equal(t, first.Members[i].ConnectionID, second.Members[i].ConnectionID, "快照顺序应稳定")
	}
}
