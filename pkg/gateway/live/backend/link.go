// Package backend owns the persistent connection from one session to the
// generative backend (Gemini BidiGenerateContent over WebSocket).
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const DefaultURL = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateContent"

type EventKind int

const (
	EventText EventKind = iota + 1
	EventAudio
	EventTurnComplete
)

func (k EventKind) String() string {
	switch k {
	case EventText:
		return "text"
	case EventAudio:
		return "audio"
	case EventTurnComplete:
		return "turn_complete"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

type Event struct {
	Kind        EventKind
	Text        string
	Audio       []byte
	Interrupted bool
}

type Handshake struct {
	Model         string
	SetupComplete bool
	Ack           json.RawMessage
}

type Config struct {
	URL                string
	ResponseModalities []string
	SystemPrompt       string
	HandshakeTimeout   time.Duration
	WriteTimeout       time.Duration
	MaxMessageBytes    int64
	EventBuffer        int
	Dialer             *websocket.Dialer
	Logger             *slog.Logger
}

// Link is one backend session. It is opened once, read by a single consumer
// through Events, and written concurrently by SendAudio/SendText.
type Link struct {
	cfg    Config
	apiKey string

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	events    chan eventOrError
	closeCh   chan struct{}
	closeOnce sync.Once

	decodeErrors atomic.Int64
}

type eventOrError struct {
	event Event
	err   error
}

func New(cfg Config, apiKey string) *Link {
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = DefaultURL
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Link{
		cfg:     cfg,
		apiKey:  apiKey,
		events:  make(chan eventOrError, cfg.EventBuffer),
		closeCh: make(chan struct{}),
	}
}

// Open dials the backend, sends the setup envelope naming model and waits for
// one acknowledgement. Every failure is a *HandshakeError.
func (l *Link) Open(ctx context.Context, model string) (Handshake, error) {
	select {
	case <-l.closeCh:
		return Handshake{}, &HandshakeError{Stage: "dial", Err: ErrClosed}
	default:
	}
	if strings.TrimSpace(model) == "" {
		return Handshake{}, &HandshakeError{Stage: "setup", Reason: "model is required"}
	}

	endpoint, err := l.endpoint()
	if err != nil {
		return Handshake{}, &HandshakeError{Stage: "dial", Err: err}
	}

	dialCtx, cancel := context.WithTimeout(ctx, l.cfg.HandshakeTimeout)
	defer cancel()

	conn, resp, err := l.cfg.Dialer.DialContext(dialCtx, endpoint, nil)
	if err != nil {
		he := &HandshakeError{Stage: "dial", Err: err}
		if resp != nil {
			he.StatusCode = resp.StatusCode
			if resp.Body != nil {
				body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
				he.Reason = strings.TrimSpace(string(body))
			}
		}
		return Handshake{}, he
	}
	if l.cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(l.cfg.MaxMessageBytes)
	}

	l.mu.Lock()
	select {
	case <-l.closeCh:
		l.mu.Unlock()
		_ = conn.Close()
		return Handshake{}, &HandshakeError{Stage: "dial", Err: ErrClosed}
	default:
	}
	l.conn = conn
	l.mu.Unlock()

	setup, err := encodeSetup(model, l.cfg.ResponseModalities, l.cfg.SystemPrompt)
	if err != nil {
		_ = l.Close()
		return Handshake{}, &HandshakeError{Stage: "setup", Err: err}
	}
	if err := l.write(setup); err != nil {
		_ = l.Close()
		return Handshake{}, &HandshakeError{Stage: "setup", Err: err}
	}

	deadline := time.Now().Add(l.cfg.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	_, ack, err := conn.ReadMessage()
	if err != nil {
		_ = l.Close()
		he := &HandshakeError{Stage: "ack", Err: err}
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			he.Reason = ce.Text
		}
		return Handshake{}, he
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(ack, &probe); err != nil {
		_ = l.Close()
		return Handshake{}, &HandshakeError{Stage: "ack", Reason: "malformed acknowledgement", Err: err}
	}
	_ = conn.SetReadDeadline(time.Time{})

	_, setupComplete := probe["setupComplete"]
	go l.readLoop(conn)

	return Handshake{
		Model:         ModelResource(model),
		SetupComplete: setupComplete,
		Ack:           json.RawMessage(ack),
	}, nil
}

func (l *Link) endpoint() (string, error) {
	u, err := url.Parse(l.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse backend url: %w", err)
	}
	if l.apiKey != "" {
		q := u.Query()
		q.Set("key", l.apiKey)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// SendAudio forwards one client audio frame. No acknowledgement is awaited.
func (l *Link) SendAudio(pcm []byte) error {
	payload, err := EncodeAudio(pcm)
	if err != nil {
		return &LinkError{Op: "write", Err: err}
	}
	return l.write(payload)
}

// SendText submits a complete user text turn.
func (l *Link) SendText(text string) error {
	payload, err := encodeText(text)
	if err != nil {
		return &LinkError{Op: "write", Err: err}
	}
	return l.write(payload)
}

func (l *Link) write(payload []byte) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return &LinkError{Op: "write", Err: ErrClosed}
	}
	select {
	case <-l.closeCh:
		return &LinkError{Op: "write", Err: ErrClosed}
	default:
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout)); err != nil {
		return &LinkError{Op: "write", Err: err}
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return &LinkError{Op: "write", Err: err}
	}
	return nil
}

// Events yields the events of the current backend turn and stops after
// TurnComplete; call it again for the next turn. The sequence also ends when
// the link closes (without an error for a normal closure) or on a transport
// failure, which is yielded as a *LinkError.
func (l *Link) Events(ctx context.Context) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.closeCh:
				return
			case item, ok := <-l.events:
				if !ok {
					return
				}
				if item.err != nil {
					yield(Event{}, item.err)
					return
				}
				if !yield(item.event, nil) {
					return
				}
				if item.event.Kind == EventTurnComplete {
					return
				}
			}
		}
	}
}

// DecodeErrors is the number of backend messages skipped as malformed.
func (l *Link) DecodeErrors() int64 {
	return l.decodeErrors.Load()
}

// Close is idempotent and unblocks Events.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closeCh)

		l.mu.Lock()
		conn := l.conn
		l.mu.Unlock()
		if conn == nil {
			return
		}

		l.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		l.writeMu.Unlock()
		err = conn.Close()
	})
	return err
}

func (l *Link) readLoop(conn *websocket.Conn) {
	defer close(l.events)

	// The backend follows an interrupted turn with a bare turnComplete for the
	// same turn; that trailing marker is not a turn of its own.
	interrupted := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-l.closeCh:
				return
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return
			}
			l.push(eventOrError{err: &LinkError{Op: "read", Err: err}})
			return
		}

		events, err := DecodeServerMessage(data)
		if err != nil {
			l.decodeErrors.Add(1)
			l.cfg.Logger.Debug("skipping backend message", "err", err, "bytes", len(data))
			continue
		}
		for _, ev := range events {
			if ev.Kind == EventTurnComplete {
				if interrupted && !ev.Interrupted {
					interrupted = false
					continue
				}
				interrupted = ev.Interrupted
			} else {
				interrupted = false
			}
			if !l.push(eventOrError{event: ev}) {
				return
			}
		}
	}
}

func (l *Link) push(item eventOrError) bool {
	select {
	case l.events <- item:
		return true
	case <-l.closeCh:
		return false
	}
}
