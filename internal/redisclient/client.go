package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	// idempotency:{key} -> seller order path
	keyIdempotency = "idempotency:%s"
	// lock:{name} -> owner token
	keyLock = "lock:%s"

	// ChannelDocChanges carries changed document paths between instances
	ChannelDocChanges = "docstore:changes"
)

// releaseLockScript deletes the lock only when the caller still owns it
var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Client struct {
	rdb *redis.Client
}

// NewClient creates a new Redis client and checks the connection
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// SetIdempotencyKey remembers which order a client key produced
func (c *Client) SetIdempotencyKey(ctx context.Context, key, orderPath string, ttl time.Duration) error {
	return c.rdb.Set(ctx, fmt.Sprintf(keyIdempotency, key), orderPath, ttl).Err()
}

// GetIdempotencyKey returns the order path recorded for key, if any
func (c *Client) GetIdempotencyKey(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, fmt.Sprintf(keyIdempotency, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// AcquireLock takes a distributed lock and returns the owner token needed to release it
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := c.rdb.SetNX(ctx, fmt.Sprintf(keyLock, lockKey), token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

// ReleaseLock releases a distributed lock held with token
func (c *Client) ReleaseLock(ctx context.Context, lockKey, token string) error {
	return releaseLockScript.Run(ctx, c.rdb, []string{fmt.Sprintf(keyLock, lockKey)}, token).Err()
}

// ChangeFeed relays document change notifications over Redis pub/sub
type ChangeFeed struct {
	rdb     *redis.Client
	channel string
}

func (c *Client) ChangeFeed(channel string) *ChangeFeed {
	return &ChangeFeed{rdb: c.rdb, channel: channel}
}

func (f *ChangeFeed) Publish(ctx context.Context, path string) error {
	return f.rdb.Publish(ctx, f.channel, path).Err()
}

// Listen calls fn for every published path until ctx is done
func (f *ChangeFeed) Listen(ctx context.Context, fn func(path string)) error {
	pubsub := f.rdb.Subscribe(ctx, f.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", f.channel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			fn(msg.Payload)
		}
	}
}
