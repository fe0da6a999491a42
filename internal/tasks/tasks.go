package tasks

import (
	"encoding/json"
	"fmt"
)

// 定义任务类型常量
const (
	TypeExecutionRun = "execution:run" // 沙箱执行任务类型
)

// ExecutionQueue 是执行任务专用的 asynq 队列名。
// 专用队列上 worker 的并发数就是全局执行并发上限。
const ExecutionQueue = "execution"

// ExecutionRunPayload 定义了沙箱执行任务的数据结构
type ExecutionRunPayload struct {
	JobID   string `json:"job_id"`
	OwnerID uint   `json:"owner_id"`
	RoomID  string `json:"room_id"`
	Code    string `json:"code"`
}

// NewExecutionRunPayload 序列化一个沙箱执行任务的 payload
func NewExecutionRunPayload(jobID string, ownerID uint, roomID, code string) ([]byte, error) {
	payload := ExecutionRunPayload{
		JobID:   jobID,
		OwnerID: ownerID,
		RoomID:  roomID,
		Code:    code,
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal execution payload: %w", err)
	}
	return payloadBytes, nil
}

// ParseExecutionRunPayload 反序列化沙箱执行任务的 payload
func ParseExecutionRunPayload(data []byte) (ExecutionRunPayload, error) {
	var p ExecutionRunPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return ExecutionRunPayload{}, fmt.Errorf("unmarshal execution payload: %w", err)
	}
	if p.JobID == "" {
		return ExecutionRunPayload{}, fmt.Errorf("execution payload missing job_id")
	}
	return p, nil
}
