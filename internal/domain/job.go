package domain

import "time"

// JobStatus 是执行任务的状态机取值。
// queued -> running -> {completed, timedOut, failed, cancelled}，
// 四个右侧状态均为终态。
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobTimedOut  JobStatus = "timedOut"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal 报告该状态是否为终态。
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobTimedOut, JobFailed, JobCancelled:
		return true
	}
	return false
}

// ExecutionJob 表示一次用户代码的执行请求。
// 仅存在于内存登记表中，终态结果交付后即被丢弃；
// 持久化的只有 ExecutionLog 归档记录。
type ExecutionJob struct {
	ID           string     `json:"id"`
	OwnerID      uint       `json:"owner_id"`
	RoomID       string     `json:"room_id,omitempty"` // 为空表示不关联房间（无日志扇出）
	Code         string     `json:"-"`
	Status       JobStatus  `json:"status"`
	SubmittedAt  time.Time  `json:"submitted_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	AssignedPort int        `json:"assigned_port,omitempty"`
	ExitReason   string     `json:"exit_reason,omitempty"`
}

// LogStream 标识日志行来源的输出流。
type LogStream string

const (
	StreamStdout LogStream = "stdout"
	StreamStderr LogStream = "stderr"
)

// ExecutionLog 是执行结束后按项目归档的只追加记录。
// 日志行本身是瞬态的，发射之后不再被单独查询。
type ExecutionLog struct {
	ID           uint      `gorm:"primaryKey"`
	JobID        string    `gorm:"size:191;index;not null"`
	RoomID       string    `gorm:"size:191;index"`
	OwnerID      uint      `gorm:"index;not null"`
	Status       string    `gorm:"size:32;not null"`
	Output       string    `gorm:"type:mediumtext"`
	AssignedPort int       `gorm:""`
	ExitReason   string    `gorm:"size:191"`
	CreatedAt    time.Time `gorm:"autoCreateTime;index"`
}
