package hub

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/Gurprince/dev-deck/internal/domain"
)

// Client 代表一个连接到 Hub 的 WebSocket 客户端。
// 一个客户端可以同时订阅多个房间。
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	connID   string
	identity domain.Identity
	send     chan []byte

	// onMessage 在 ReadPump goroutine 中同步调用，保证单个连接
	// 发出的事件按顺序处理。
	onMessage func(data []byte)
	// onClose 在连接断开、Hub 注销之后调用一次。
	onClose func()
}

// NewClient 创建一个新的 Client 实例
func NewClient(hub *Hub, conn *websocket.Conn, connID string, identity domain.Identity) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		connID:   connID,
		identity: identity,
		send:     make(chan []byte, 256),
	}
}

// SetHandlers 设置入站消息和断开回调，必须在 Run 之前调用
func (c *Client) SetHandlers(onMessage func(data []byte), onClose func()) {
	c.onMessage = onMessage
	c.onClose = onClose
}

// Run 启动客户端的读写 goroutine
func (c *Client) Run() {
	go c.WritePump()
	go c.ReadPump()
}

// ConnID 返回连接的唯一标识
func (c *Client) ConnID() string { return c.connID }

// Identity 返回连接上附加的已验证身份
func (c *Client) Identity() domain.Identity { return c.identity }

// CloseConn 强制关闭底层 WebSocket 连接
func (c *Client) CloseConn() { c.conn.Close() }

// ReadPump 将消息从 WebSocket 连接泵送给注册的消息处理器。
// 它在自己的 goroutine 中运行，退出时触发 Hub 注销和断开回调。
func (c *Client) ReadPump() {
	logCtx := logrus.WithFields(logrus.Fields{
		"conn_id": c.connID,
		"user_id": c.identity.UserID,
	})
	defer func() {
		c.hub.Unregister(c)
		if c.onClose != nil {
			c.onClose()
		}
		c.conn.Close()
		logCtx.Info("ReadPump exited, client disconnected")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logCtx.WithError(err).Warn("WebSocket read error (unexpected close)")
			} else {
				logCtx.Debug("WebSocket connection closed normally or read error")
			}
			break
		}

		if messageType != websocket.TextMessage {
			logCtx.Debugf("Ignoring non-text message type: %d", messageType)
			continue
		}
		if c.onMessage != nil {
			c.onMessage(message)
		}
	}
}

// WritePump 将消息从 send 通道泵送到 WebSocket 连接。
// 它在自己的 goroutine 中运行。
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	logCtx := logrus.WithFields(logrus.Fields{
		"conn_id": c.connID,
		"user_id": c.identity.UserID,
	})
	defer func() {
		ticker.Stop()
		c.conn.Close()
		logCtx.Debug("WritePump exited")
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// send 通道被 Hub 关闭（注销时）
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logCtx.WithError(err).Warn("Failed to write message to websocket")
				return
			}
			_ = c.conn.SetWriteDeadline(time.Time{})

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logCtx.WithError(err).Warn("Failed to send ping message")
				return
			}
			_ = c.conn.SetWriteDeadline(time.Time{})
		}
	}
}
