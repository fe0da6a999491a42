package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/Gurprince/dev-deck/internal/domain"
	"github.com/Gurprince/dev-deck/internal/hub"
	"github.com/Gurprince/dev-deck/internal/repository"
)

// EventPublisher 是服务层对广播总线的最小依赖
type EventPublisher interface {
	Publish(roomID string, ev hub.Event)
}

// RoomMembership 回答某用户当前是否在某房间在场
type RoomMembership interface {
	IsMember(roomID string, userID uint) bool
}

const defaultChatHistoryLimit = 50

// ChatService 处理房间聊天：持久化、近期消息缓存、实时广播
type ChatService struct {
	repo         repository.ChatRepository
	redisClient  *redis.Client
	pub          EventPublisher
	membership   RoomMembership
	historyLimit int
	keyPrefix    string
}

// NewChatService 创建 ChatService 实例
func NewChatService(repo repository.ChatRepository, redisClient *redis.Client, pub EventPublisher, membership RoomMembership, historyLimit int, keyPrefix string) *ChatService {
	if repo == nil || redisClient == nil || pub == nil || membership == nil {
		panic("NewChatService: received nil dependency")
	}
	if historyLimit <= 0 {
		historyLimit = defaultChatHistoryLimit
	}
	return &ChatService{
		repo:         repo,
		redisClient:  redisClient,
		pub:          pub,
		membership:   membership,
		historyLimit: historyLimit,
		keyPrefix:    keyPrefix,
	}
}

func (s *ChatService) cacheKey(roomID string) string {
	return fmt.Sprintf("%schat:recent:%s", s.keyPrefix, roomID)
}

// Post 提交一条聊天消息：先落库，再更新缓存，最后广播。
// 广播晚于落库，保证历史查询与实时流看到一致的顺序。
func (s *ChatService) Post(ctx context.Context, roomID string, author domain.Identity, text string) (*domain.ChatMessage, error) {
	text = strings.TrimSpace(text)
	if roomID == "" || text == "" {
		return nil, ErrInvalidInput
	}

	msg := &domain.ChatMessage{
		RoomID:     roomID,
		AuthorID:   author.UserID,
		AuthorName: author.DisplayName,
		Text:       text,
	}
	if err := s.repo.Save(ctx, msg); err != nil {
		logrus.WithError(err).WithField("room_id", roomID).Error("Failed to save chat message")
		return nil, mapRepoError(err)
	}

	// 缓存只是加速层，失败降级为仅日志
	if data, err := json.Marshal(msg); err == nil {
		pipe := s.redisClient.Pipeline()
		pipe.RPush(ctx, s.cacheKey(roomID), data)
		pipe.LTrim(ctx, s.cacheKey(roomID), int64(-s.historyLimit), -1)
		pipe.Expire(ctx, s.cacheKey(roomID), 24*time.Hour)
		if _, err := pipe.Exec(ctx); err != nil {
			logrus.WithError(err).WithField("room_id", roomID).Warn("Failed to update chat cache")
		}
	}

	s.pub.Publish(roomID, hub.Event{
		Type:    hub.EventChatMessage,
		RoomID:  roomID,
		Payload: msg,
	})
	return msg, nil
}

// List 返回房间最近的聊天历史（升序）。
// 优先读 Redis 缓存，未命中回源数据库并回填。
func (s *ChatService) List(ctx context.Context, roomID string) ([]domain.ChatMessage, error) {
	if roomID == "" {
		return nil, ErrInvalidInput
	}

	raw, err := s.redisClient.LRange(ctx, s.cacheKey(roomID), 0, -1).Result()
	if err == nil && len(raw) > 0 {
		msgs := make([]domain.ChatMessage, 0, len(raw))
		ok := true
		for _, item := range raw {
			var m domain.ChatMessage
			if err := json.Unmarshal([]byte(item), &m); err != nil {
				ok = false
				break
			}
			msgs = append(msgs, m)
		}
		if ok {
			return msgs, nil
		}
		logrus.WithField("room_id", roomID).Warn("Corrupt chat cache entry, falling back to database")
	}

	msgs, err := s.repo.ListRecent(ctx, roomID, s.historyLimit)
	if err != nil {
		logrus.WithError(err).WithField("room_id", roomID).Error("Failed to load chat history")
		return nil, mapRepoError(err)
	}
	s.refillCache(ctx, roomID, msgs)
	return msgs, nil
}

func (s *ChatService) refillCache(ctx context.Context, roomID string, msgs []domain.ChatMessage) {
	if len(msgs) == 0 {
		return
	}
	pipe := s.redisClient.Pipeline()
	pipe.Del(ctx, s.cacheKey(roomID))
	for i := range msgs {
		if data, err := json.Marshal(&msgs[i]); err == nil {
			pipe.RPush(ctx, s.cacheKey(roomID), data)
		}
	}
	pipe.Expire(ctx, s.cacheKey(roomID), 24*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		logrus.WithError(err).WithField("room_id", roomID).Warn("Failed to refill chat cache")
	}
}

// Clear 清空房间聊天。仅限当前在场的房间成员操作。
func (s *ChatService) Clear(ctx context.Context, roomID string, actor domain.Identity) error {
	if roomID == "" {
		return ErrInvalidInput
	}
	if !s.membership.IsMember(roomID, actor.UserID) {
		return ErrAccessDenied
	}

	deleted, err := s.repo.DeleteByRoom(ctx, roomID)
	if err != nil {
		logrus.WithError(err).WithField("room_id", roomID).Error("Failed to clear chat history")
		return mapRepoError(err)
	}
	if err := s.redisClient.Del(ctx, s.cacheKey(roomID)).Err(); err != nil {
		logrus.WithError(err).WithField("room_id", roomID).Warn("Failed to drop chat cache")
	}

	logrus.WithFields(logrus.Fields{
		"room_id": roomID,
		"user_id": actor.UserID,
		"deleted": deleted,
	}).Info("Chat history cleared")

	s.pub.Publish(roomID, hub.Event{
		Type:   hub.EventChatCleared,
		RoomID: roomID,
		Payload: map[string]interface{}{
			"cleared_by": actor.DisplayName,
		},
	})
	return nil
}
