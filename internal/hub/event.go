package hub

import (
	"encoding/json"
	"time"

	"github.com/Gurprince/dev-deck/internal/domain"
)

// EventType 标识服务端向客户端推送的事件类型
type EventType string

const (
	EventPresenceUpdate  EventType = "presenceUpdate"
	EventChatMessage     EventType = "chatMessage"
	EventChatCleared     EventType = "chatCleared"
	EventCodeUpdate      EventType = "codeUpdate"
	EventCursorUpdate    EventType = "cursorUpdate"
	EventExecutionLog    EventType = "executionLog"
	EventExecutionStatus EventType = "executionStatus"
)

// Event 是通过广播总线投递的统一事件信封
type Event struct {
	Type    EventType   `json:"type"`
	RoomID  string      `json:"room_id,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
}

// Marshal 将事件序列化为投递帧
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// PresencePayload 是 presenceUpdate 事件的载荷。
// Departed 仅在某个用户的最后一个连接离开房间时填充，
// 用于区分真正的"离开"和重复连接的掉线。
type PresencePayload struct {
	Members  []domain.PresenceEntry `json:"members"`
	Departed string                 `json:"departed,omitempty"`
}

// ExecutionLogPayload 是 executionLog 事件的载荷，对应一行子进程输出
type ExecutionLogPayload struct {
	JobID     string           `json:"job_id"`
	Stream    domain.LogStream `json:"stream"`
	Text      string           `json:"text"`
	Timestamp time.Time        `json:"timestamp"`
}

// ExecutionStatusPayload 是 executionStatus 事件的载荷
type ExecutionStatusPayload struct {
	JobID        string           `json:"job_id"`
	Status       domain.JobStatus `json:"status"`
	Output       string           `json:"output,omitempty"`
	AssignedPort int              `json:"assigned_port,omitempty"`
	ExitReason   string           `json:"exit_reason,omitempty"`
}
