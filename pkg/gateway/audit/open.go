package audit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

const (
	SinkLog      = "log"
	SinkNone     = "none"
	SinkBadger   = "badger"
	SinkRedis    = "redis"
	SinkPostgres = "postgres"
)

type SinkConfig struct {
	Kind        string
	BadgerDir   string
	RedisURL    string
	RedisStream string
	RedisMaxLen int64
	PostgresDSN string
	Logger      *slog.Logger
}

// OpenSink builds the sink named by cfg.Kind. An empty kind means SinkLog.
func OpenSink(ctx context.Context, cfg SinkConfig) (Sink, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "", SinkLog:
		return LogSink{Logger: logger}, nil
	case SinkNone:
		return NopSink{}, nil
	case SinkBadger:
		return NewBadgerSink(BadgerOptions{Dir: cfg.BadgerDir, Logger: logger})
	case SinkRedis:
		if strings.TrimSpace(cfg.RedisURL) == "" {
			return nil, fmt.Errorf("audit: redis sink requires a URL")
		}
		return OpenRedisSink(ctx, cfg.RedisURL, WithStream(cfg.RedisStream), WithMaxLen(cfg.RedisMaxLen))
	case SinkPostgres:
		if strings.TrimSpace(cfg.PostgresDSN) == "" {
			return nil, fmt.Errorf("audit: postgres sink requires a DSN")
		}
		return OpenPostgresSink(ctx, cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("audit: unknown sink %q", cfg.Kind)
	}
}
