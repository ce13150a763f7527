package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fundscope/fundscope/pkg/utils"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Pub/Sub channels for sync run lifecycle events.
const (
	ChannelRunStarted   = "sync:run:started"
	ChannelRunProgress  = "sync:run:progress"
	ChannelRunCompleted = "sync:run:completed"
)

// Client wraps the Redis client used for best-effort run notifications.
// Dashboards and operational tooling subscribe to these channels; the syncer
// never depends on them.
type Client struct {
	client *redis.Client
	logger *zap.Logger
}

// NewClient creates a new Redis client from environment configuration:
// REDIS_HOST, REDIS_PORT, REDIS_PASSWORD, REDIS_DB.
func NewClient(ctx context.Context, logger *zap.Logger) (*Client, error) {
	host := utils.Env("REDIS_HOST", "localhost")
	port := utils.Env("REDIS_PORT", "6379")
	password := utils.Env("REDIS_PASSWORD", "")
	db := utils.EnvInt("REDIS_DB", 0)

	addr := fmt.Sprintf("%s:%s", host, port)

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,

		PoolSize:     10,
		MinIdleConns: 2,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}

	logger.Info("Connected to Redis", zap.String("addr", addr), zap.Int("db", db))

	return &Client{client: rdb, logger: logger}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// PublishJSON marshals payload and publishes it on channel. Best-effort:
// failures are logged, never returned, so a flaky Redis cannot affect a sync
// pass.
func (c *Client) PublishJSON(ctx context.Context, channel string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		c.logger.Warn("Failed to marshal Redis payload",
			zap.String("channel", channel),
			zap.Error(err))
		return
	}
	if err := c.client.Publish(ctx, channel, body).Err(); err != nil {
		c.logger.Warn("Failed to publish Redis message",
			zap.String("channel", channel),
			zap.Error(err))
	}
}

// Subscribe subscribes to one or more channels. The caller owns the returned
// PubSub and must close it.
func (c *Client) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return c.client.Subscribe(ctx, channels...)
}
