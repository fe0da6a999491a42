// Package gormpersistence 提供 repository 接口的 GORM/MySQL 实现。
package gormpersistence

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/Gurprince/dev-deck/internal/domain"
)

// GormChatRepository 是 ChatRepository 接口的 GORM 实现
type GormChatRepository struct {
	db *gorm.DB
}

// NewGormChatRepository 创建 GormChatRepository 实例
func NewGormChatRepository(db *gorm.DB) *GormChatRepository {
	if db == nil {
		panic("database connection cannot be nil for GormChatRepository")
	}
	return &GormChatRepository{db: db}
}

// Save 保存一条聊天消息
func (r *GormChatRepository) Save(ctx context.Context, msg *domain.ChatMessage) error {
	if err := r.db.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("gorm: failed to save chat message for room %s: %w", msg.RoomID, err)
	}
	return nil
}

// ListRecent 返回指定房间最近的 limit 条消息。
// 先按时间倒序取 limit 条，再反转为升序，保证调用方拿到的
// 顺序与广播流一致。
func (r *GormChatRepository) ListRecent(ctx context.Context, roomID string, limit int) ([]domain.ChatMessage, error) {
	var messages []domain.ChatMessage
	err := r.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("gorm: failed to list chat messages for room %s: %w", roomID, err)
	}

	// 反转为时间升序
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// DeleteByRoom 删除指定房间的全部消息，返回删除行数
func (r *GormChatRepository) DeleteByRoom(ctx context.Context, roomID string) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Delete(&domain.ChatMessage{})
	if result.Error != nil {
		return 0, fmt.Errorf("gorm: failed to delete chat messages for room %s: %w", roomID, result.Error)
	}
	return result.RowsAffected, nil
}
