package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type recordedWrite struct {
	messageType int
	data        string
}

type fakeWSWriter struct {
	mu     sync.Mutex
	writes []recordedWrite
	closed bool
}

func (f *fakeWSWriter) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeWSWriter) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, recordedWrite{messageType: messageType, data: string(data)})
	return nil
}

func (f *fakeWSWriter) WriteControl(messageType int, data []byte, deadline time.Time) error {
	_ = deadline
	return f.WriteMessage(messageType, data)
}

func (f *fakeWSWriter) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeWSWriter) snapshot() []recordedWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedWrite, len(f.writes))
	copy(out, f.writes)
	return out
}

func closeCodeOf(t *testing.T, w recordedWrite) int {
	t.Helper()
	if w.messageType != websocket.CloseMessage {
		t.Fatalf("write type=%d, want CloseMessage", w.messageType)
	}
	if len(w.data) < 2 {
		t.Fatalf("close payload too short: %q", w.data)
	}
	return int(w.data[0])<<8 | int(w.data[1])
}

func TestOutboundWriter_PriorityBeatsNormal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	priority := make(chan outboundFrame, 1)
	normal := make(chan outboundFrame, 1)

	normal <- outboundFrame{textPayload: []byte(`{"type":"response","text":"hi","audio":null}`)}
	priority <- outboundFrame{textPayload: []byte(`{"error":"backend unavailable"}`)}
	close(priority)
	close(normal)

	ws := &fakeWSWriter{}
	w := outboundWriter{
		ws:       ws,
		ctx:      ctx,
		cfg:      Config{PingInterval: time.Hour, WriteTimeout: time.Second},
		priority: priority,
		normal:   normal,
	}

	if err := w.Run(); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	writes := ws.snapshot()
	if len(writes) != 2 {
		t.Fatalf("expected 2 writes, got %d: %+v", len(writes), writes)
	}
	if !strings.Contains(writes[0].data, `"error"`) {
		t.Fatalf("first write was not the error frame: %q", writes[0].data)
	}
}

func TestOutboundWriter_NormalFramesKeepOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	priority := make(chan outboundFrame)
	normal := make(chan outboundFrame, 8)
	for _, s := range []string{"a", "b", "c", "d"} {
		normal <- outboundFrame{textPayload: []byte(s)}
	}
	close(priority)
	close(normal)

	ws := &fakeWSWriter{}
	w := outboundWriter{ws: ws, ctx: ctx, cfg: Config{PingInterval: time.Hour}, priority: priority, normal: normal}
	if err := w.Run(); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	var got []string
	for _, wr := range ws.snapshot() {
		got = append(got, wr.data)
	}
	if strings.Join(got, "") != "abcd" {
		t.Fatalf("order=%v, want a b c d", got)
	}
}

func TestOutboundWriter_CloseFrameDrainsQueuedRepliesFirst(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	priority := make(chan outboundFrame, 2)
	normal := make(chan outboundFrame, 1)

	priority <- outboundFrame{
		textPayload: []byte(`{"error":"no backend credential available"}`),
		close:       &closeFrame{code: websocket.CloseTryAgainLater, reason: "credentials exhausted"},
	}
	normal <- outboundFrame{textPayload: []byte(`{"type":"response","text":"late","audio":null}`)}

	ws := &fakeWSWriter{}
	w := outboundWriter{
		ws:       ws,
		ctx:      ctx,
		cfg:      Config{PingInterval: time.Hour, WriteTimeout: time.Second},
		priority: priority,
		normal:   normal,
	}

	done := make(chan error, 1)
	go func() { done <- w.Run() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("writer did not stop after a close frame")
	}

	writes := ws.snapshot()
	if len(writes) != 3 {
		t.Fatalf("expected reply + error + close, got %+v", writes)
	}
	if !strings.Contains(writes[0].data, `"late"`) {
		t.Fatalf("first write=%q, want the queued reply", writes[0].data)
	}
	if !strings.Contains(writes[1].data, `"error"`) {
		t.Fatalf("second write=%q, want the error frame", writes[1].data)
	}
	if got := closeCodeOf(t, writes[2]); got != websocket.CloseTryAgainLater {
		t.Fatalf("close code=%d, want %d", got, websocket.CloseTryAgainLater)
	}
	if !ws.closed {
		t.Fatalf("socket not closed")
	}
}

func TestOutboundWriter_FlushesPriorityOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	priority := make(chan outboundFrame, 1)
	normal := make(chan outboundFrame, 4)

	for _, text := range []string{"one", "two"} {
		normal <- outboundFrame{textPayload: []byte(`{"type":"response","text":"` + text + `","audio":null}`)}
	}
	priority <- outboundFrame{
		textPayload: []byte(`{"error":"backend connection lost"}`),
		close:       &closeFrame{code: websocket.CloseInternalServerErr, reason: "backend failure"},
	}

	ws := &fakeWSWriter{}
	w := outboundWriter{
		ws:       ws,
		ctx:      ctx,
		cfg:      Config{PingInterval: time.Hour, WriteTimeout: time.Second},
		priority: priority,
		normal:   normal,
	}

	cancel()
	if err := w.Run(); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	writes := ws.snapshot()
	if len(writes) != 4 {
		t.Fatalf("expected two replies, error and close, writes=%+v", writes)
	}
	if !strings.Contains(writes[0].data, `"one"`) || !strings.Contains(writes[1].data, `"two"`) {
		t.Fatalf("queued replies not flushed in order: %+v", writes[:2])
	}
	if !strings.Contains(writes[2].data, "backend connection lost") {
		t.Fatalf("expected error frame after the replies, got %q", writes[2].data)
	}
	if got := closeCodeOf(t, writes[3]); got != websocket.CloseInternalServerErr {
		t.Fatalf("close code=%d, want 1011", got)
	}
}

func TestOutboundWriter_CancelWithoutCloseFrameSendsNormalClosure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ws := &fakeWSWriter{}
	w := outboundWriter{
		ws:       ws,
		ctx:      ctx,
		cfg:      Config{PingInterval: time.Hour, WriteTimeout: time.Second},
		priority: make(chan outboundFrame),
		normal:   make(chan outboundFrame),
	}
	if err := w.Run(); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	writes := ws.snapshot()
	if len(writes) != 1 || closeCodeOf(t, writes[0]) != websocket.CloseNormalClosure {
		t.Fatalf("writes=%+v, want a single normal closure", writes)
	}
}
