package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/Gurprince/dev-deck/internal/hub"
	"github.com/Gurprince/dev-deck/internal/middleware"
	"github.com/Gurprince/dev-deck/internal/presence"
	"github.com/Gurprince/dev-deck/internal/service"
)

// clientMessage 是客户端经 WebSocket 上行的统一信封
type clientMessage struct {
	Type    string          `json:"type"`
	RoomID  string          `json:"room_id"`
	Payload json.RawMessage `json:"payload"`
}

// 客户端上行消息类型
const (
	msgJoin        = "join"
	msgLeave       = "leave"
	msgChatMessage = "chatMessage"
	msgCodeUpdate  = "codeUpdate"
	msgCursor      = "cursorUpdate"
)

// WebSocketHandler 负责处理 WebSocket 升级请求和客户端消息分发
type WebSocketHandler struct {
	upgrader    websocket.Upgrader
	hub         *hub.Hub
	registry    *presence.Registry
	chatService *service.ChatService
}

// NewWebSocketHandler 创建 WebSocketHandler 实例
func NewWebSocketHandler(h *hub.Hub, registry *presence.Registry, chatService *service.ChatService) *WebSocketHandler {
	if h == nil || registry == nil || chatService == nil {
		panic("NewWebSocketHandler: received nil dependency")
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// 允许所有来源连接 (生产环境应配置具体的允许来源)
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	return &WebSocketHandler{
		upgrader:    upgrader,
		hub:         h,
		registry:    registry,
		chatService: chatService,
	}
}

// HandleConnection 处理 WebSocket 连接请求。
// 身份由 Auth 中间件在升级前验证；加入哪些房间由连接建立后的
// join 消息决定，一条连接可以同时订阅多个房间。
func (h *WebSocketHandler) HandleConnection(c *gin.Context) {
	ident, ok := middleware.IdentityFromContext(c)
	if !ok {
		logrus.Warn("WS Handler: Identity not found in context")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}
	connID := uuid.NewString()
	logCtx := logrus.WithFields(logrus.Fields{
		"user_id": ident.UserID,
		"conn_id": connID,
	})

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 已经写了 HTTP 错误响应，这里只记日志
		logCtx.WithError(err).Error("WS Handler: Failed to upgrade connection")
		return
	}
	logCtx.Info("WS Handler: Connection upgraded to WebSocket")

	client := hub.NewClient(h.hub, conn, connID, ident)
	client.SetHandlers(
		func(data []byte) { h.dispatch(client, data, logCtx) },
		func() { h.registry.DisconnectAll(connID) },
	)

	if !h.hub.Register(client) {
		logCtx.Error("WS Handler: Hub command channel full, rejecting client")
		client.CloseConn()
		return
	}

	client.Run()
}

// dispatch 处理一条客户端上行消息。
// 在读 goroutine 里同步执行，保证同一连接的消息按提交顺序生效。
func (h *WebSocketHandler) dispatch(client *hub.Client, data []byte, logCtx *logrus.Entry) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		logCtx.WithError(err).Warn("WS Handler: Dropping malformed client message")
		return
	}
	if msg.RoomID == "" {
		logCtx.WithField("msg_type", msg.Type).Warn("WS Handler: Dropping client message without room_id")
		return
	}

	switch msg.Type {
	case msgJoin:
		// 先订阅再登记在场，保证本连接能收到自己触发的成员广播
		h.hub.Subscribe(client.ConnID(), msg.RoomID)
		h.registry.Join(msg.RoomID, client.Identity(), client.ConnID())

	case msgLeave:
		h.registry.Leave(msg.RoomID, client.ConnID())
		h.hub.Unsubscribe(client.ConnID(), msg.RoomID)

	case msgChatMessage:
		var body struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(msg.Payload, &body); err != nil {
			logCtx.WithError(err).Warn("WS Handler: Dropping malformed chat payload")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := h.chatService.Post(ctx, msg.RoomID, client.Identity(), body.Text); err != nil {
			logCtx.WithError(err).WithField("room_id", msg.RoomID).Warn("WS Handler: Chat message rejected")
		}

	case msgCodeUpdate, msgCursor:
		// 编辑器协同流量只做转发，不落库，发送者自己不再收一份
		evType := hub.EventCodeUpdate
		if msg.Type == msgCursor {
			evType = hub.EventCursorUpdate
		}
		h.hub.PublishExcept(msg.RoomID, hub.Event{
			Type:   evType,
			RoomID: msg.RoomID,
			Payload: map[string]interface{}{
				"user_id":      client.Identity().UserID,
				"display_name": client.Identity().DisplayName,
				"data":         msg.Payload,
			},
		}, client.ConnID())

	default:
		logCtx.WithField("msg_type", msg.Type).Debug("WS Handler: Ignoring unknown client message type")
	}
}
