package redis

import (
	"context"
	"fmt"

	"github.com/redis/rueidis"
	"go.uber.org/zap"

	"modguard/internal/config"
)

// compareAndDelete removes KEYS[1] only while it still holds ARGV[1].
var compareAndDelete = rueidis.NewLuaScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Client wraps the single-key operations the shared ordered queues and the
// pending timeout records rely on. Every method maps to one atomic command.
type Client struct {
	client rueidis.Client
	logger *zap.Logger
}

// New dials the configured Redis server.
func New(cfg config.RedisConfig, logger *zap.Logger) (*Client, error) {
	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  []string{cfg.Addr},
		Username:     cfg.Username,
		Password:     cfg.Password,
		SelectDB:     cfg.DB,
		ClientName:   "modguard",
		DisableCache: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Redis client: %w", err)
	}
	logger.Info("redis connected", zap.String("addr", cfg.Addr), zap.Int("db", cfg.DB))
	return &Client{client: client, logger: logger}, nil
}

// NewFromClient wraps an existing rueidis client.
func NewFromClient(client rueidis.Client, logger *zap.Logger) *Client {
	return &Client{client: client, logger: logger}
}

func (c *Client) Close() {
	c.client.Close()
}

func (c *Client) RPush(ctx context.Context, key string, values ...string) (int64, error) {
	return c.client.Do(ctx, c.client.B().Rpush().Key(key).Element(values...).Build()).AsInt64()
}

// LPop returns false when the list is empty.
func (c *Client) LPop(ctx context.Context, key string) (string, bool, error) {
	value, err := c.client.Do(ctx, c.client.B().Lpop().Key(key).Build()).ToString()
	return nilable(value, err)
}

func (c *Client) LIndex(ctx context.Context, key string, index int64) (string, bool, error) {
	value, err := c.client.Do(ctx, c.client.B().Lindex().Key(key).Index(index).Build()).ToString()
	return nilable(value, err)
}

func (c *Client) LLen(ctx context.Context, key string) (int64, error) {
	return c.client.Do(ctx, c.client.B().Llen().Key(key).Build()).AsInt64()
}

func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := c.client.Do(ctx, c.client.B().Get().Key(key).Build()).ToString()
	return nilable(value, err)
}

func (c *Client) Set(ctx context.Context, key, value string) error {
	return c.client.Do(ctx, c.client.B().Set().Key(key).Value(value).Build()).Error()
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.client.Do(ctx, c.client.B().Del().Key(keys...).Build()).Error()
}

// DelIfEqual deletes key only if its value is still value.
func (c *Client) DelIfEqual(ctx context.Context, key, value string) (bool, error) {
	deleted, err := compareAndDelete.Exec(ctx, c.client, []string{key}, []string{value}).AsInt64()
	if err != nil {
		return false, err
	}
	return deleted == 1, nil
}

func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	count, err := c.client.Do(ctx, c.client.B().Exists().Key(key).Build()).AsInt64()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Keys walks the keyspace with SCAN so large instances are not blocked.
func (c *Client) Keys(ctx context.Context, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		entry, err := c.client.Do(ctx, c.client.B().Scan().Cursor(cursor).Match(pattern).Count(100).Build()).AsScanEntry()
		if err != nil {
			return nil, err
		}
		keys = append(keys, entry.Elements...)
		cursor = entry.Cursor
		if cursor == 0 {
			return keys, nil
		}
	}
}

func nilable(value string, err error) (string, bool, error) {
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}
