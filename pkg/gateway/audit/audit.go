// Package audit records significant session events. Writes are best effort:
// a failing sink is logged and counted but never interrupts a session.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"
)

type Action string

const (
	ActionLogin       Action = "login"
	ActionLogout      Action = "logout"
	ActionSpeechStart Action = "speech_start"
	ActionSpeechStop  Action = "speech_stop"
	ActionSpeechInput Action = "speech_input"
	ActionChatInput   Action = "chat_input"
	ActionResponse    Action = "response"
	ActionError       Action = "error"
)

// MaxContentRunes bounds Record.Content; longer content is truncated by Excerpt.
const MaxContentRunes = 512

var ErrClosed = errors.New("audit: recorder closed")

// Record is one write-only audit entry. Credential holds a display suffix,
// never the secret.
type Record struct {
	Time           time.Time     `json:"time" msgpack:"time"`
	SessionID      string        `json:"session_id" msgpack:"session_id"`
	Identity       string        `json:"identity" msgpack:"identity"`
	Action         Action        `json:"action" msgpack:"action"`
	Content        string        `json:"content,omitempty" msgpack:"content,omitempty"`
	Credential     string        `json:"credential,omitempty" msgpack:"credential,omitempty"`
	ProcessingTime time.Duration `json:"processing_time,omitempty" msgpack:"processing_time,omitempty"`
}

// Sink persists records. Implementations must be safe for use by one
// Recorder goroutine; Close releases the underlying store.
type Sink interface {
	Append(ctx context.Context, rec Record) error
	Close() error
}

// Excerpt trims s to at most MaxContentRunes runes.
func Excerpt(s string) string {
	if utf8.RuneCountInString(s) <= MaxContentRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:MaxContentRunes]) + "…"
}

type NopSink struct{}

func (NopSink) Append(context.Context, Record) error { return nil }
func (NopSink) Close() error                         { return nil }

// LogSink writes records as structured log lines.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Append(ctx context.Context, rec Record) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		"session_id", rec.SessionID,
		"identity", rec.Identity,
		"action", string(rec.Action),
	}
	if rec.Content != "" {
		attrs = append(attrs, "content", rec.Content)
	}
	if rec.Credential != "" {
		attrs = append(attrs, "credential", rec.Credential)
	}
	if rec.ProcessingTime > 0 {
		attrs = append(attrs, "processing_ms", rec.ProcessingTime.Milliseconds())
	}
	logger.InfoContext(ctx, "audit", attrs...)
	return nil
}

func (LogSink) Close() error { return nil }

// MemorySink keeps records in memory. It backs tests and the "none but
// inspectable" mode of local development.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
	err     error
}

func (s *MemorySink) Append(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *MemorySink) Close() error { return nil }

// FailWith makes every later Append return err.
func (s *MemorySink) FailWith(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *MemorySink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}
