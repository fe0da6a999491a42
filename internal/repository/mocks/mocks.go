// Package mocks 提供仓库接口的 testify mock 实现，仅用于测试。
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/Gurprince/dev-deck/internal/domain"
)

// ChatRepository 是 repository.ChatRepository 的 mock
type ChatRepository struct {
	mock.Mock
}

func (m *ChatRepository) Save(ctx context.Context, msg *domain.ChatMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *ChatRepository) ListRecent(ctx context.Context, roomID string, limit int) ([]domain.ChatMessage, error) {
	args := m.Called(ctx, roomID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.ChatMessage), args.Error(1)
}

func (m *ChatRepository) DeleteByRoom(ctx context.Context, roomID string) (int64, error) {
	args := m.Called(ctx, roomID)
	return args.Get(0).(int64), args.Error(1)
}

// ExecutionLogRepository 是 repository.ExecutionLogRepository 的 mock
type ExecutionLogRepository struct {
	mock.Mock
}

func (m *ExecutionLogRepository) Save(ctx context.Context, entry *domain.ExecutionLog) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *ExecutionLogRepository) ListRecent(ctx context.Context, roomID string, limit int) ([]domain.ExecutionLog, error) {
	args := m.Called(ctx, roomID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.ExecutionLog), args.Error(1)
}
