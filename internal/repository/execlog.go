package repository

import (
	"context"

	"github.com/Gurprince/dev-deck/internal/domain"
)

// ExecutionLogRepository 定义了执行归档记录的只追加存储。
// 记录在任务到达终态时写入，之后除按项目浏览外不再被引擎读取。
type ExecutionLogRepository interface {
	// Save 追加一条执行归档记录。
	Save(ctx context.Context, log *domain.ExecutionLog) error

	// ListRecent 返回指定房间最近的 limit 条归档记录，按创建时间降序。
	ListRecent(ctx context.Context, roomID string, limit int) ([]domain.ExecutionLog, error)
}
