package repository

import (
	"context"

	"github.com/Gurprince/dev-deck/internal/domain"
)

// ChatRepository 定义了聊天消息的只追加存储。
type ChatRepository interface {
	// Save 保存一条聊天消息，成功后填充 ID 和 CreatedAt。
	Save(ctx context.Context, msg *domain.ChatMessage) error

	// ListRecent 返回指定房间最近的 limit 条消息，按创建时间升序。
	ListRecent(ctx context.Context, roomID string, limit int) ([]domain.ChatMessage, error)

	// DeleteByRoom 删除指定房间的全部消息（清空历史），返回删除行数。
	DeleteByRoom(ctx context.Context, roomID string) (int64, error)
}
