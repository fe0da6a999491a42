package domain

import "time"

// PresenceEntry 表示房间内的一条在线记录。
// 注意：一条记录对应一个连接而不是一个用户 —— 同一用户打开多个
// 标签页/设备时，房间里会有多条记录。
type PresenceEntry struct {
	UserID       uint      `json:"user_id"`
	DisplayName  string    `json:"display_name"`
	Email        string    `json:"email"`
	ConnectionID string    `json:"connection_id"`
	JoinedAt     time.Time `json:"joined_at"`
	ColorTag     string    `json:"color_tag"`
}

// RoomSnapshot 是某一时刻房间的完整成员列表。
// 成员按加入时间排序，连接 ID 作为决胜键，保证序列化结果稳定
//（广播去重依赖字节级比较）。
type RoomSnapshot struct {
	RoomID  string          `json:"room_id"`
	Members []PresenceEntry `json:"members"`
}
