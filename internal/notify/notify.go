// Package notify 通过 Redis Pub/Sub 向在线用户推送面试事件，由 WebSocket 转发给前端。
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"aiInterview/internal/database"
)

// 事件类型，与前端解析保持一致。
const (
	EventTimerExpired          = "timer-expired"
	EventFinalizationSucceeded = "finalization-succeeded"
	EventFinalizationFailed    = "finalization-failed"
	EventPersistenceRecovered  = "persistence-recovered"
	EventPersistenceFailed     = "persistence-failed"
)

// Message 是推送给前端的统一消息。
type Message struct {
	Event         string   `json:"event"`
	SessionID     string   `json:"session_id,omitempty"`
	ApplicationID uint     `json:"application_id,omitempty"`
	Score         *float64 `json:"score,omitempty"`
	ErrorCode     int      `json:"error_code"`
	ErrorMessage  string   `json:"error_message,omitempty"`
	Retryable     bool     `json:"retryable,omitempty"`
}

// Channel 返回用户的通知频道。不同分区的用户 ID 可能相同，频道带上分区名。
func Channel(role database.Role, userID uint) string {
	return fmt.Sprintf("user_notify:%s:%d", role, userID)
}

type publishClient interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// Publisher 发布通知。
type Publisher struct {
	client publishClient
}

// NewPublisher 基于 Redis 客户端创建发布器。
func NewPublisher(client publishClient) *Publisher {
	return &Publisher{client: client}
}

// Publish 把消息序列化后发布到用户频道。
func (p *Publisher) Publish(ctx context.Context, role database.Role, userID uint, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification payload: %w", err)
	}
	channel := Channel(role, userID)
	if err := p.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish redis notification to %q: %w", channel, err)
	}
	return nil
}
