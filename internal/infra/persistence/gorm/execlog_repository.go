package gormpersistence

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/Gurprince/dev-deck/internal/domain"
)

// GormExecutionLogRepository 是 ExecutionLogRepository 接口的 GORM 实现
type GormExecutionLogRepository struct {
	db *gorm.DB
}

// NewGormExecutionLogRepository 创建 GormExecutionLogRepository 实例
func NewGormExecutionLogRepository(db *gorm.DB) *GormExecutionLogRepository {
	if db == nil {
		panic("database connection cannot be nil for GormExecutionLogRepository")
	}
	return &GormExecutionLogRepository{db: db}
}

// Save 追加一条执行归档记录
func (r *GormExecutionLogRepository) Save(ctx context.Context, log *domain.ExecutionLog) error {
	if err := r.db.WithContext(ctx).Create(log).Error; err != nil {
		return fmt.Errorf("gorm: failed to save execution log for job %s: %w", log.JobID, err)
	}
	return nil
}

// ListRecent 返回指定房间最近的 limit 条归档记录
func (r *GormExecutionLogRepository) ListRecent(ctx context.Context, roomID string, limit int) ([]domain.ExecutionLog, error) {
	var logs []domain.ExecutionLog
	err := r.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&logs).Error
	if err != nil {
		return nil, fmt.Errorf("gorm: failed to list execution logs for room %s: %w", roomID, err)
	}
	return logs, nil
}
