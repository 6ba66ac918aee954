// Package notify delivers committed flow transitions to interested parties.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"masterflow/api/internal/flow"
)

const (
	defaultChannel = "masterflow:transitions"
	historyPrefix  = "masterflow:history:"
	historyLimit   = 50
	historyTTL     = 30 * 24 * time.Hour
)

// message is the JSON payload published for each transition.
type message struct {
	TenantID        string    `json:"tenant_id"`
	DocumentID      string    `json:"document_id"`
	Title           string    `json:"title,omitempty"`
	Event           string    `json:"event"`
	From            string    `json:"from"`
	To              string    `json:"to"`
	AffectedUserIDs []string  `json:"affected_user_ids"`
	At              time.Time `json:"at"`
}

// RedisPublisher publishes transitions on a pub/sub channel and keeps a short
// per-document history list for late subscribers.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher connects to redisURL and verifies the connection.
func NewRedisPublisher(redisURL, channel string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisPublisherWithClient(client, channel), nil
}

// NewRedisPublisherWithClient wraps an existing client.
func NewRedisPublisherWithClient(client *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = defaultChannel
	}
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) historyKey(tenantID, documentID string) string {
	return historyPrefix + tenantID + ":" + documentID
}

func (p *RedisPublisher) Notify(ctx context.Context, transition flow.Transition) error {
	payload, err := json.Marshal(message{
		TenantID:        transition.TenantID,
		DocumentID:      transition.DocumentID,
		Title:           transition.Title,
		Event:           string(transition.Event),
		From:            transition.From.String(),
		To:              transition.To.String(),
		AffectedUserIDs: transition.AffectedUserIDs,
		At:              transition.At,
	})
	if err != nil {
		return fmt.Errorf("marshal transition: %w", err)
	}

	key := p.historyKey(transition.TenantID, transition.DocumentID)
	pipe := p.client.TxPipeline()
	pipe.Publish(ctx, p.channel, payload)
	pipe.LPush(ctx, key, payload)
	pipe.LTrim(ctx, key, 0, historyLimit-1)
	pipe.Expire(ctx, key, historyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish transition: %w", err)
	}
	return nil
}

// Recent returns up to limit transitions for a document, newest first.
func (p *RedisPublisher) Recent(ctx context.Context, tenantID, documentID string, limit int) ([]map[string]any, error) {
	if limit <= 0 || limit > historyLimit {
		limit = historyLimit
	}
	raw, err := p.client.LRange(ctx, p.historyKey(tenantID, documentID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read transition history: %w", err)
	}
	items := make([]map[string]any, 0, len(raw))
	for _, entry := range raw {
		var item map[string]any
		if err := json.Unmarshal([]byte(entry), &item); err != nil {
			return nil, fmt.Errorf("unmarshal transition: %w", err)
		}
		items = append(items, item)
	}
	return items, nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
