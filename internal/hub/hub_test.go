package hub

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gurprince/dev-deck/internal/domain"
)

// newTestClient 构造一个不挂真实 WebSocket 连接的客户端，
// 测试直接从 send 通道读取投递的帧。
func newTestClient(h *Hub, connID string, userID uint, buffer int) *Client {
	return &Client{
		hub:      h,
		connID:   connID,
		identity: domain.Identity{UserID: userID, DisplayName: connID},
		send:     make(chan []byte, buffer),
	}
}

func startHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub()
	go h.Run()
	t.Cleanup(h.Stop)
	return h
}

func recvFrame(t *testing.T, c *Client) []byte {
	t.Helper()
	select {
	case frame, ok := <-c.send:
		require.True(t, ok, "send 通道不应已关闭")
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("等待投递帧超时")
		return nil
	}
}

func assertNoFrame(t *testing.T, c *Client) {
	t.Helper()
	select {
	case frame := <-c.send:
		t.Fatalf("不应收到帧: %s", frame)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHub_PublishReachesAllSubscribers(t *testing.T) {
	h := startHub(t)
	a := newTestClient(h, "conn-a", 1, 8)
	b := newTestClient(h, "conn-b", 2, 8)

	require.True(t, h.Register(a))
	require.True(t, h.Register(b))
	h.Subscribe("conn-a", "room-1")
	h.Subscribe("conn-b", "room-1")

	h.Publish("room-1", Event{Type: EventChatMessage, RoomID: "room-1", Payload: "hello"})

	for _, c := range []*Client{a, b} {
		var ev Event
		require.NoError(t, json.Unmarshal(recvFrame(t, c), &ev))
		assert.Equal(t, EventChatMessage, ev.Type)
		assert.Equal(t, "room-1", ev.RoomID)
	}
}

func TestHub_PublishExceptSkipsSender(t *testing.T) {
	h := startHub(t)
	a := newTestClient(h, "conn-a", 1, 8)
	b := newTestClient(h, "conn-b", 2, 8)

	h.Register(a)
	h.Register(b)
	h.Subscribe("conn-a", "room-1")
	h.Subscribe("conn-b", "room-1")

	h.PublishExcept("room-1", Event{Type: EventCodeUpdate, RoomID: "room-1"}, "conn-a")

	recvFrame(t, b)
	assertNoFrame(t, a)
}

func TestHub_RoomIsolation(t *testing.T) {
	h := startHub(t)
	a := newTestClient(h, "conn-a", 1, 8)
	b := newTestClient(h, "conn-b", 2, 8)

	h.Register(a)
	h.Register(b)
	h.Subscribe("conn-a", "room-1")
	h.Subscribe("conn-b", "room-2")

	h.Publish("room-1", Event{Type: EventChatMessage, RoomID: "room-1"})

	recvFrame(t, a)
	assertNoFrame(t, b)
}

func TestHub_PerPublisherOrdering(t *testing.T) {
	h := startHub(t)
	a := newTestClient(h, "conn-a", 1, 64)

	h.Register(a)
	h.Subscribe("conn-a", "room-1")

	const n = 20
	for i := 0; i < n; i++ {
		h.Publish("room-1", Event{Type: EventExecutionLog, RoomID: "room-1", Payload: i})
	}

	for i := 0; i < n; i++ {
		var ev struct {
			Payload int `json:"payload"`
		}
		require.NoError(t, json.Unmarshal(recvFrame(t, a), &ev))
		assert.Equal(t, i, ev.Payload, "同一发布者的事件应按提交顺序到达")
	}
}

func TestHub_SlowSubscriberDoesNotBlockOthers(t *testing.T) {
	h := startHub(t)
	slow := newTestClient(h, "conn-slow", 1, 1)
	fast := newTestClient(h, "conn-fast", 2, 16)

	h.Register(slow)
	h.Register(fast)
	h.Subscribe("conn-slow", "room-1")
	h.Subscribe("conn-fast", "room-1")

	// slow 的缓冲只有 1 且从不消费，超出部分只对它丢弃
	for i := 0; i < 5; i++ {
		h.Publish("room-1", Event{Type: EventExecutionLog, RoomID: "room-1", Payload: i})
	}

	for i := 0; i < 5; i++ {
		recvFrame(t, fast)
	}
	assert.Len(t, slow.send, 1, "慢订阅者只保留缓冲能装下的帧")
}

func TestHub_UnregisterRemovesSubscriptions(t *testing.T) {
	h := startHub(t)
	a := newTestClient(h, "conn-a", 1, 8)
	b := newTestClient(h, "conn-b", 2, 8)

	h.Register(a)
	h.Register(b)
	h.Subscribe("conn-a", "room-1")
	h.Subscribe("conn-b", "room-1")

	h.Unregister(a)

	// 注销后 send 通道被关闭，WritePump 据此退出
	select {
	case _, ok := <-a.send:
		assert.False(t, ok, "注销后 send 通道应被关闭")
	case <-time.After(2 * time.Second):
		t.Fatal("等待 send 通道关闭超时")
	}

	// 已注销的连接不再收到广播
	h.Publish("room-1", Event{Type: EventChatMessage, RoomID: "room-1"})
	recvFrame(t, b)
}
