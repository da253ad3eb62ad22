// Package pulse provides a thin wrapper around goa.design/pulse streams,
// mirroring the layering used elsewhere in this codebase: callers build
// a Redis client, pass it to New, and get back a typed interface
// exposing only the operations the event sink needs. Grounded on
// features/stream/pulse/clients/pulse/client.go.
package pulse

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

// Options configures the Pulse client.
type Options struct {
	Redis            *redis.Client
	StreamMaxLen     int
	OperationTimeout time.Duration
}

// Client exposes the subset of Pulse APIs the event sink requires.
type Client interface {
	Stream(name string, opts ...streamopts.Stream) (Stream, error)
	Close(ctx context.Context) error
}

// Stream exposes the operations needed to publish orchestrator events.
type Stream interface {
	Add(ctx context.Context, event string, payload []byte) (string, error)
	Destroy(ctx context.Context) error
}

type client struct {
	redis   *redis.Client
	maxLen  int
	timeout time.Duration
}

// New constructs a Client backed by the provided Redis connection.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("pulse: redis client is required")
	}
	return &client{redis: opts.Redis, maxLen: opts.StreamMaxLen, timeout: opts.OperationTimeout}, nil
}

func (c *client) Stream(name string, opts ...streamopts.Stream) (Stream, error) {
	if name == "" {
		return nil, errors.New("pulse: stream name is required")
	}
	streamOpts := opts
	if c.maxLen > 0 {
		streamOpts = append(streamOpts, streamopts.WithStreamMaxLen(c.maxLen))
	}
	s, err := streaming.NewStream(name, c.redis, streamOpts...)
	if err != nil {
		return nil, err
	}
	return &streamHandle{s: s, timeout: c.timeout}, nil
}

func (c *client) Close(ctx context.Context) error {
	return c.redis.Close()
}

type streamHandle struct {
	s       *streaming.Stream
	timeout time.Duration
}

func (h *streamHandle) Add(ctx context.Context, event string, payload []byte) (string, error) {
	ctx, cancel := h.withTimeout(ctx)
	defer cancel()
	return h.s.Add(ctx, event, payload)
}

func (h *streamHandle) Destroy(ctx context.Context) error {
	ctx, cancel := h.withTimeout(ctx)
	defer cancel()
	return h.s.Destroy(ctx)
}

func (h *streamHandle) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, h.timeout)
}
