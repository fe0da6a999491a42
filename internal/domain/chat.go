package domain

import "time"

// ChatMessage 表示房间内的一条聊天消息。
// 创建后不可变，仅支持按房间批量删除（清空历史）。
type ChatMessage struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	RoomID     string    `json:"room_id" gorm:"size:191;index;not null"` // 房间即项目 ID (限制长度以匹配 MySQL 索引)
	AuthorID   uint      `json:"author_id" gorm:"index;not null"`
	AuthorName string    `json:"author_name" gorm:"size:191;not null"`
	Text       string    `json:"text" gorm:"type:text;not null"`
	CreatedAt  time.Time `json:"created_at" gorm:"autoCreateTime;index"`
}
