package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/Gurprince/dev-deck/internal/domain"
	"github.com/Gurprince/dev-deck/internal/middleware"
	"github.com/Gurprince/dev-deck/internal/presence"
	"github.com/Gurprince/dev-deck/internal/service"
)

// RoomHandler 封装了房间维度的 HTTP 处理逻辑：聊天历史与在场名单
type RoomHandler struct {
	chatService *service.ChatService
	registry    *presence.Registry
}

// NewRoomHandler 创建 RoomHandler 实例
func NewRoomHandler(chatService *service.ChatService, registry *presence.Registry) *RoomHandler {
	return &RoomHandler{chatService: chatService, registry: registry}
}

// ChatHistory 返回房间最近的聊天消息（升序）
func (h *RoomHandler) ChatHistory(c *gin.Context) {
	if _, ok := middleware.IdentityFromContext(c); !ok {
		ErrorResponse(c, http.StatusUnauthorized, "User not authenticated")
		return
	}
	roomID := c.Param("roomId")

	msgs, err := h.chatService.List(c.Request.Context(), roomID)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, gin.H{"room_id": roomID, "messages": msgs})
}

// ClearChat 清空房间聊天历史，仅限当前在场的房间成员
func (h *RoomHandler) ClearChat(c *gin.Context) {
	ident, ok := middleware.IdentityFromContext(c)
	if !ok {
		ErrorResponse(c, http.StatusUnauthorized, "User not authenticated")
		return
	}
	roomID := c.Param("roomId")

	if err := h.chatService.Clear(c.Request.Context(), roomID, ident); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"room_id": roomID,
			"user_id": ident.UserID,
		}).Warn("Handler.ClearChat: Clear rejected")
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, gin.H{"message": "Chat history cleared", "room_id": roomID})
}

// Presence 返回房间当前的在场名单快照
func (h *RoomHandler) Presence(c *gin.Context) {
	if _, ok := middleware.IdentityFromContext(c); !ok {
		ErrorResponse(c, http.StatusUnauthorized, "User not authenticated")
		return
	}
	roomID := c.Param("roomId")
	snapshot, ok := h.registry.Snapshot(roomID)
	if !ok {
		// 从未有人加入过的房间等价于空房间
		snapshot = domain.RoomSnapshot{RoomID: roomID, Members: []domain.PresenceEntry{}}
	}
	SuccessResponse(c, http.StatusOK, snapshot)
}
