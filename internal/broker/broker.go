// Package broker wraps the Redis connection shared by every worker in the
// fleet. It exposes only the primitives the coordination core needs —
// ownership keys, streams, and sets — behind a narrow interface so the
// rest of the module never depends on *redis.Client directly.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

type (
	// Options configures the broker Client.
	Options struct {
		// Redis is the shared connection. Required.
		Redis *redis.Client
		// OperationTimeout bounds individual calls. Zero means no timeout.
		OperationTimeout time.Duration
	}

	// Client exposes the Redis primitives used by the ownership manager,
	// WAL, DLQ, and dispatcher. It deliberately does not
	// expose the full go-redis surface.
	Client interface {
		// SetNX sets key to value with ttl only if key is absent. Returns
		// true if the set happened.
		SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
		// Set unconditionally sets key to value with ttl. ttl of zero means
		// no expiry.
		Set(ctx context.Context, key, value string, ttl time.Duration) error
		// Get returns the value at key, or ("", false, nil) if absent.
		Get(ctx context.Context, key string) (string, bool, error)
		// Del deletes the given keys.
		Del(ctx context.Context, keys ...string) error
		// Expire refreshes the TTL on an existing key.
		Expire(ctx context.Context, key string, ttl time.Duration) error

		// SAdd adds members to a set.
		SAdd(ctx context.Context, key string, members ...string) error
		// SRem removes members from a set.
		SRem(ctx context.Context, key string, members ...string) error
		// SMembers returns every member of a set.
		SMembers(ctx context.Context, key string) ([]string, error)

		// XAdd appends a field to a capped stream, returning the assigned
		// entry ID.
		XAdd(ctx context.Context, stream string, maxLen int64, fields map[string]any) (string, error)
		// XRange returns entries in [start, stop] (use "-"/"+" for open
		// bounds).
		XRange(ctx context.Context, stream, start, stop string) ([]StreamEntry, error)
		// XDel deletes entries by ID from a stream.
		XDel(ctx context.Context, stream string, ids ...string) error
		// XTrim caps a stream to approximately maxLen entries, evicting the
		// oldest first.
		XTrim(ctx context.Context, stream string, maxLen int64) error
		// XLen returns the number of entries in a stream.
		XLen(ctx context.Context, stream string) (int64, error)

		// Scan iterates keys matching pattern, invoking fn for each match.
		// fn returning false stops the scan early.
		Scan(ctx context.Context, pattern string, fn func(key string) bool) error

		// Ping verifies connectivity.
		Ping(ctx context.Context) error
	}

	// StreamEntry is one entry read back from a Redis stream.
	StreamEntry struct {
		ID     string
		Fields map[string]any
	}

	client struct {
		rdb     *redis.Client
		timeout time.Duration
	}
)

// New constructs a Client backed by the provided Redis connection.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return &client{rdb: opts.Redis, timeout: opts.OperationTimeout}, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (c *client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

func (c *client) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	v, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (c *client) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.rdb.Del(ctx, keys...).Err()
}

func (c *client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.rdb.Expire(ctx, key, ttl).Err()
}

func (c *client) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return c.rdb.SAdd(ctx, key, args...).Err()
}

func (c *client) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return c.rdb.SRem(ctx, key, args...).Err()
}

func (c *client) SMembers(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.rdb.SMembers(ctx, key).Result()
}

func (c *client) XAdd(ctx context.Context, stream string, maxLen int64, fields map[string]any) (string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	args := &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: true,
		Values: fields,
	}
	return c.rdb.XAdd(ctx, args).Result()
}

func (c *client) XRange(ctx context.Context, stream, start, stop string) ([]StreamEntry, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	msgs, err := c.rdb.XRange(ctx, stream, start, stop).Result()
	if err != nil {
		return nil, err
	}
	out := make([]StreamEntry, len(msgs))
	for i, m := range msgs {
		out[i] = StreamEntry{ID: m.ID, Fields: m.Values}
	}
	return out, nil
}

func (c *client) XDel(ctx context.Context, stream string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.rdb.XDel(ctx, stream, ids...).Err()
}

func (c *client) XTrim(ctx context.Context, stream string, maxLen int64) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.rdb.XTrimMaxLenApprox(ctx, stream, maxLen, 0).Err()
}

func (c *client) XLen(ctx context.Context, stream string) (int64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.rdb.XLen(ctx, stream).Result()
}

func (c *client) Scan(ctx context.Context, pattern string, fn func(key string) bool) error {
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return err
		}
		for _, k := range keys {
			if !fn(k) {
				return nil
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (c *client) Ping(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}
