package audit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisStream = "voicegw:audit"

// RedisSink appends records to a Redis stream with XADD, trimming it
// approximately to MaxLen entries.
type RedisSink struct {
	client *redis.Client
	stream string
	maxLen int64
	owned  bool
}

type RedisOption func(*RedisSink)

// WithStream sets the stream key. Default is DefaultRedisStream.
func WithStream(stream string) RedisOption {
	return func(s *RedisSink) {
		if stream != "" {
			s.stream = stream
		}
	}
}

// WithMaxLen caps the stream length. Zero keeps every entry.
func WithMaxLen(n int64) RedisOption {
	return func(s *RedisSink) {
		s.maxLen = n
	}
}

func NewRedisSink(client *redis.Client, opts ...RedisOption) *RedisSink {
	s := &RedisSink{client: client, stream: DefaultRedisStream}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenRedisSink parses a redis:// URL, pings the server and returns a sink
// that closes its client on Close.
func OpenRedisSink(ctx context.Context, url string, opts ...RedisOption) (*RedisSink, error) {
	ropts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(ropts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	s := NewRedisSink(client, opts...)
	s.owned = true
	return s, nil
}

func (s *RedisSink) Append(ctx context.Context, rec Record) error {
	values := map[string]any{
		"time":       rec.Time.UTC().Format(time.RFC3339Nano),
		"session_id": rec.SessionID,
		"identity":   rec.Identity,
		"action":     string(rec.Action),
		"content":    rec.Content,
	}
	if rec.Credential != "" {
		values["credential"] = rec.Credential
	}
	if rec.ProcessingTime > 0 {
		values["processing_ms"] = strconv.FormatInt(rec.ProcessingTime.Milliseconds(), 10)
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: values,
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis xadd failed: %w", err)
	}
	return nil
}

func (s *RedisSink) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}
