// Package stream publishes the output events a run sends to its client on
// `agent_run:{run_id}:stream`. It wraps a pulse client almost unmodified —
// Pulse already exposes exactly the operations needed here — and adds a
// narrow Publisher on top that knows the run-stream naming convention and
// the event payload shapes.
package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

// Options configures the Pulse client.
type Options struct {
	// Redis is the Redis connection used to back Pulse streams. Required.
	Redis *redis.Client
	// StreamMaxLen bounds entries kept per stream (≈200 per run stream).
	StreamMaxLen int
	// StreamOptions returns additional stream options applied per-stream,
	// invoked once per Stream call with the stream name.
	StreamOptions func(name string) []streamopts.Stream
	// OperationTimeout bounds individual Add calls. Zero means no timeout.
	OperationTimeout time.Duration
}

// Client exposes the subset of Pulse needed to publish run output events.
type Client interface {
	// Stream returns a handle to the named stream, creating it if needed.
	Stream(name string, opts ...streamopts.Stream) (Stream, error)
	// Close releases resources owned by the client.
	Close(ctx context.Context) error
}

// Stream exposes the operations needed to publish and tear down one run's
// output stream.
type Stream interface {
	// Add publishes an event with the given name and payload, returning the
	// id Redis assigned (e.g. "1234567890-0").
	Add(ctx context.Context, event string, payload []byte) (string, error)
	// Destroy deletes the stream and all its entries.
	Destroy(ctx context.Context) error
}

type client struct {
	redis        *redis.Client
	maxLen       int
	streamOptsFn func(name string) []streamopts.Stream
	timeout      time.Duration
}

// New constructs a Client backed by the provided Redis connection.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return &client{
		redis:        opts.Redis,
		maxLen:       opts.StreamMaxLen,
		streamOptsFn: opts.StreamOptions,
		timeout:      opts.OperationTimeout,
	}, nil
}

func (c *client) Stream(name string, opts ...streamopts.Stream) (Stream, error) {
	if name == "" {
		return nil, errors.New("stream name is required")
	}
	var streamOptions []streamopts.Stream
	if c.maxLen > 0 {
		streamOptions = append(streamOptions, streamopts.WithStreamMaxLen(c.maxLen))
	}
	if c.streamOptsFn != nil {
		streamOptions = append(streamOptions, c.streamOptsFn(name)...)
	}
	streamOptions = append(streamOptions, opts...)
	str, err := streaming.NewStream(name, c.redis, streamOptions...)
	if err != nil {
		return nil, fmt.Errorf("create pulse stream: %w", err)
	}
	return &handle{stream: str, timeout: c.timeout}, nil
}

// Close is a no-op; the caller owns the Redis connection's lifecycle.
func (c *client) Close(ctx context.Context) error { return nil }

type handle struct {
	stream  *streaming.Stream
	timeout time.Duration
}

func (h *handle) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if event == "" {
		return "", errors.New("event name is required")
	}
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	id, err := h.stream.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("pulse add: %w", err)
	}
	return id, nil
}

func (h *handle) Destroy(ctx context.Context) error {
	return h.stream.Destroy(ctx)
}
