package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Gurprince/dev-deck/internal/domain"
	"github.com/Gurprince/dev-deck/internal/hub"
	"github.com/Gurprince/dev-deck/internal/repository/mocks"
	"github.com/Gurprince/dev-deck/internal/service"
)

// newTestRedis 返回一个指向不可达地址的客户端。
// 服务层把缓存和限流当作可降级依赖，连接失败走降级路径。
func newTestRedis() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		ReadTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
}

// fakePublisher 记录发出的广播事件
type fakePublisher struct {
	mu     sync.Mutex
	events []hub.Event
}

func (p *fakePublisher) Publish(roomID string, ev hub.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *fakePublisher) byType(t hub.EventType) []hub.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []hub.Event
	for _, ev := range p.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// fakeMembership 用固定集合回答在场查询
type fakeMembership struct {
	members map[string]map[uint]bool
}

func (f *fakeMembership) IsMember(roomID string, userID uint) bool {
	return f.members[roomID][userID]
}

func memberOf(roomID string, userIDs ...uint) *fakeMembership {
	set := make(map[uint]bool, len(userIDs))
	for _, id := range userIDs {
		set[id] = true
	}
	return &fakeMembership{members: map[string]map[uint]bool{roomID: set}}
}

var alice = domain.Identity{UserID: 1, DisplayName: "alice", Email: "alice@example.com"}

func TestChatService_Post_SavesAndBroadcasts(t *testing.T) {
	// Arrange
	mockRepo := new(mocks.ChatRepository)
	pub := &fakePublisher{}
	svc := service.NewChatService(mockRepo, newTestRedis(), pub, memberOf("room-1", 1), 50, "test:")
	ctx := context.Background()

	mockRepo.On("Save", ctx, mock.MatchedBy(func(msg *domain.ChatMessage) bool {
		assert.Equal(t, "room-1", msg.RoomID)
		assert.Equal(t, uint(1), msg.AuthorID)
		assert.Equal(t, "alice", msg.AuthorName)
		assert.Equal(t, "hello there", msg.Text)
		return true
	})).
		Run(func(args mock.Arguments) { // 模拟数据库填充字段
			msgArg := args.Get(1).(*domain.ChatMessage)
			msgArg.ID = 7
			msgArg.CreatedAt = time.Now()
		}).
		Return(nil).
		Once()

	// Act
	msg, err := svc.Post(ctx, "room-1", alice, "  hello there  ")

	// Assert
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, uint(7), msg.ID)
	assert.Equal(t, "hello there", msg.Text, "首尾空白应被裁剪")

	broadcasts := pub.byType(hub.EventChatMessage)
	require.Len(t, broadcasts, 1, "落库成功后应广播恰好一次")
	assert.Equal(t, "room-1", broadcasts[0].RoomID)

	mockRepo.AssertExpectations(t)
}

func TestChatService_Post_RejectsEmptyText(t *testing.T) {
	mockRepo := new(mocks.ChatRepository)
	pub := &fakePublisher{}
	svc := service.NewChatService(mockRepo, newTestRedis(), pub, memberOf("room-1", 1), 50, "test:")

	_, err := svc.Post(context.Background(), "room-1", alice, "   ")

	require.Error(t, err)
	assert.True(t, errors.Is(err, service.ErrInvalidInput))
	mockRepo.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
	assert.Empty(t, pub.byType(hub.EventChatMessage), "被拒绝的消息不应广播")
}

func TestChatService_Post_SaveFails_NoBroadcast(t *testing.T) {
	mockRepo := new(mocks.ChatRepository)
	pub := &fakePublisher{}
	svc := service.NewChatService(mockRepo, newTestRedis(), pub, memberOf("room-1", 1), 50, "test:")
	ctx := context.Background()

	mockRepo.On("Save", ctx, mock.AnythingOfType("*domain.ChatMessage")).
		Return(errors.New("db down")).Once()

	_, err := svc.Post(ctx, "room-1", alice, "hello")

	require.Error(t, err)
	assert.True(t, errors.Is(err, service.ErrInternalServer))
	assert.Empty(t, pub.byType(hub.EventChatMessage), "落库失败不应广播")
	mockRepo.AssertExpectations(t)
}

func TestChatService_List_FallsBackToRepoOnCacheMiss(t *testing.T) {
	mockRepo := new(mocks.ChatRepository)
	pub := &fakePublisher{}
	svc := service.NewChatService(mockRepo, newTestRedis(), pub, memberOf("room-1", 1), 50, "test:")
	ctx := context.Background()

	stored := []domain.ChatMessage{
		{ID: 1, RoomID: "room-1", AuthorID: 1, AuthorName: "alice", Text: "first"},
		{ID: 2, RoomID: "room-1", AuthorID: 2, AuthorName: "bob", Text: "second"},
	}
	mockRepo.On("ListRecent", ctx, "room-1", 50).Return(stored, nil).Once()

	msgs, err := svc.List(ctx, "room-1")

	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Text, "历史应保持升序")
	assert.Equal(t, "second", msgs[1].Text)
	mockRepo.AssertExpectations(t)
}

func TestChatService_Clear_RequiresPresence(t *testing.T) {
	mockRepo := new(mocks.ChatRepository)
	pub := &fakePublisher{}
	// room-1 里只有用户 2，alice 不在场
	svc := service.NewChatService(mockRepo, newTestRedis(), pub, memberOf("room-1", 2), 50, "test:")

	err := svc.Clear(context.Background(), "room-1", alice)

	require.Error(t, err)
	assert.True(t, errors.Is(err, service.ErrAccessDenied))
	mockRepo.AssertNotCalled(t, "DeleteByRoom", mock.Anything, mock.Anything)
}

func TestChatService_Clear_Success(t *testing.T) {
	mockRepo := new(mocks.ChatRepository)
	pub := &fakePublisher{}
	svc := service.NewChatService(mockRepo, newTestRedis(), pub, memberOf("room-1", 1), 50, "test:")
	ctx := context.Background()

	mockRepo.On("DeleteByRoom", ctx, "room-1").Return(int64(3), nil).Once()

	err := svc.Clear(ctx, "room-1", alice)

	require.NoError(t, err)
	cleared := pub.byType(hub.EventChatCleared)
	require.Len(t, cleared, 1, "清空成功后应广播 chatCleared")
	assert.Equal(t, "room-1", cleared[0].RoomID)
	mockRepo.AssertExpectations(t)
}
