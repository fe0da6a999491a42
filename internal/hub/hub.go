// Package hub 实现广播总线：按房间组织连接并向房间内所有
// 订阅者多播事件。投递是尽力而为的 at-most-once，不做持久化
// 和重放 —— 发布之后才加入的连接不会看到该事件。
package hub

import (
	"time"

	"github.com/sirupsen/logrus"
)

// 包级别的 WebSocket 常量，供 hub 和 client 使用
const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	// 代码更新会携带整个编辑器内容，所以远大于普通聊天消息。
	maxMessageSize = 64 * 1024
)

type commandKind int

const (
	cmdRegister commandKind = iota
	cmdUnregister
	cmdSubscribe
	cmdUnsubscribe
	cmdPublish
)

// command 是 Hub 内部通道传递的指令。
// 所有状态变更都在 Run 的单一事件循环里串行处理，
// 这保证了同一发布者对同一房间的事件按提交顺序投递。
type command struct {
	kind    commandKind
	client  *Client
	connID  string
	roomID  string
	exclude string // 发布时要排除的连接 ID（发送者自己）
	frame   []byte
}

// Hub 维护活跃连接集合和房间订阅关系，并协调事件扇出
type Hub struct {
	commands chan command

	// connID -> Client
	clients map[string]*Client
	// roomID -> connID -> Client
	rooms map[string]map[string]*Client

	log *logrus.Entry
}

// NewHub 创建并返回一个新的 Hub 实例
func NewHub() *Hub {
	return &Hub{
		commands: make(chan command, 512),
		clients:  make(map[string]*Client),
		rooms:    make(map[string]map[string]*Client),
		log:      logrus.WithField("component", "hub"),
	}
}

// Run 启动 Hub 的主事件处理循环。
// 它应该在一个单独的 goroutine 中运行，commands 通道关闭后退出。
func (h *Hub) Run() {
	h.log.Info("Hub is running...")
	for cmd := range h.commands {
		switch cmd.kind {
		case cmdRegister:
			h.handleRegister(cmd.client)
		case cmdUnregister:
			h.handleUnregister(cmd.client)
		case cmdSubscribe:
			h.handleSubscribe(cmd.connID, cmd.roomID)
		case cmdUnsubscribe:
			h.handleUnsubscribe(cmd.connID, cmd.roomID)
		case cmdPublish:
			h.handlePublish(cmd.roomID, cmd.frame, cmd.exclude)
		}
	}
	h.log.Info("Hub is shutting down...")
}

// Stop 关闭指令通道，使 Run 循环退出
func (h *Hub) Stop() {
	close(h.commands)
}

// Register 将客户端注册到 Hub。
// 返回 false 表示指令队列已满，调用方应关闭该连接。
func (h *Hub) Register(c *Client) bool {
	return h.enqueue(command{kind: cmdRegister, client: c})
}

// Unregister 注销客户端并移除其全部房间订阅
func (h *Hub) Unregister(c *Client) {
	h.enqueue(command{kind: cmdUnregister, client: c})
}

// Subscribe 将连接订阅到某个房间的事件流。
// 订阅关系独立于在线名单：一个连接可以只观察日志而不出现在
// presence 列表里。
func (h *Hub) Subscribe(connID, roomID string) {
	h.enqueue(command{kind: cmdSubscribe, connID: connID, roomID: roomID})
}

// Unsubscribe 取消连接对某个房间的订阅
func (h *Hub) Unsubscribe(connID, roomID string) {
	h.enqueue(command{kind: cmdUnsubscribe, connID: connID, roomID: roomID})
}

// Publish 向房间的所有订阅者投递事件
func (h *Hub) Publish(roomID string, ev Event) {
	h.publish(roomID, ev, "")
}

// PublishExcept 向房间内除 exceptConnID 外的订阅者投递事件。
// 用于代码/光标更新这类不需要回显给发送者的转发。
func (h *Hub) PublishExcept(roomID string, ev Event, exceptConnID string) {
	h.publish(roomID, ev, exceptConnID)
}

func (h *Hub) publish(roomID string, ev Event, exclude string) {
	frame, err := ev.Marshal()
	if err != nil {
		h.log.WithError(err).WithFields(logrus.Fields{
			"room_id":    roomID,
			"event_type": ev.Type,
		}).Error("Failed to marshal event, dropping")
		return
	}
	h.enqueue(command{kind: cmdPublish, roomID: roomID, frame: frame, exclude: exclude})
}

// enqueue 非阻塞地将指令放入处理队列。
// 队列满说明系统过载，此时丢弃并告警，绝不让调用方阻塞。
func (h *Hub) enqueue(cmd command) bool {
	select {
	case h.commands <- cmd:
		return true
	default:
		h.log.WithFields(logrus.Fields{
			"kind":    cmd.kind,
			"room_id": cmd.roomID,
		}).Warn("Hub command channel full, dropping command")
		return false
	}
}

// --- 以下方法只在 Run 循环内调用，无需加锁 ---

func (h *Hub) handleRegister(c *Client) {
	if c == nil {
		h.log.Error("Attempted to register a nil client")
		return
	}
	h.clients[c.connID] = c
	h.log.WithFields(logrus.Fields{
		"conn_id": c.connID,
		"user_id": c.identity.UserID,
	}).Info("Client registered to Hub")
}

func (h *Hub) handleUnregister(c *Client) {
	if c == nil {
		return
	}
	if _, ok := h.clients[c.connID]; !ok {
		return
	}
	delete(h.clients, c.connID)

	// 从所有房间移除订阅
	for roomID, subs := range h.rooms {
		if _, ok := subs[c.connID]; ok {
			delete(subs, c.connID)
			if len(subs) == 0 {
				delete(h.rooms, roomID)
			}
		}
	}

	// 关闭发送通道让 WritePump 退出。
	// 上面的 clients 存在性检查保证注销只生效一次，不会重复关闭。
	close(c.send)
	h.log.WithFields(logrus.Fields{
		"conn_id": c.connID,
		"user_id": c.identity.UserID,
	}).Info("Client unregistered from Hub")
}

func (h *Hub) handleSubscribe(connID, roomID string) {
	client, ok := h.clients[connID]
	if !ok {
		h.log.WithField("conn_id", connID).Warn("Subscribe for unknown connection")
		return
	}
	if _, ok := h.rooms[roomID]; !ok {
		h.rooms[roomID] = make(map[string]*Client)
	}
	h.rooms[roomID][connID] = client
}

func (h *Hub) handleUnsubscribe(connID, roomID string) {
	subs, ok := h.rooms[roomID]
	if !ok {
		return
	}
	delete(subs, connID)
	if len(subs) == 0 {
		delete(h.rooms, roomID)
	}
}

func (h *Hub) handlePublish(roomID string, frame []byte, exclude string) {
	subs, ok := h.rooms[roomID]
	if !ok || len(subs) == 0 {
		return
	}
	for connID, client := range subs {
		if connID == exclude {
			continue
		}
		// 非阻塞发送：慢订阅者只丢自己的消息，不拖累其他订阅者
		select {
		case client.send <- frame:
		default:
			h.log.WithFields(logrus.Fields{
				"room_id": roomID,
				"conn_id": connID,
			}).Warn("Client send channel full during broadcast, skipping this client")
		}
	}
}
