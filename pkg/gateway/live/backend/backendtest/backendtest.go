// Package backendtest runs a scripted in-process stand-in for the generative
// backend's WebSocket endpoint.
package backendtest

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type Options struct {
	// RejectStatus fails the upgrade with this HTTP status and RejectBody.
	RejectStatus int
	RejectBody   string
	// SkipAck reads the setup but never acknowledges it.
	SkipAck bool
	// Ack overrides the acknowledgement payload.
	Ack string
	// Script runs after the acknowledgement. The connection is closed when it
	// returns.
	Script func(c *Conn)
}

type Server struct {
	URL string

	srv  *httptest.Server
	opts Options

	mu     sync.Mutex
	keys   []string
	setups []json.RawMessage
}

func New(t testing.TB, opts Options) *Server {
	t.Helper()
	s := &Server{opts: opts}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	s.URL = "ws" + strings.TrimPrefix(s.srv.URL, "http")
	t.Cleanup(s.srv.Close)
	return s
}

func (s *Server) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.keys...)
}

func (s *Server) Setups() []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]json.RawMessage(nil), s.setups...)
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.keys = append(s.keys, r.URL.Query().Get("key"))
	s.mu.Unlock()

	if s.opts.RejectStatus != 0 {
		http.Error(w, s.opts.RejectBody, s.opts.RejectStatus)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	_, setup, err := ws.ReadMessage()
	if err != nil {
		return
	}
	s.mu.Lock()
	s.setups = append(s.setups, json.RawMessage(setup))
	s.mu.Unlock()

	if s.opts.SkipAck {
		// Hold the connection open until the client gives up.
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}

	ack := s.opts.Ack
	if ack == "" {
		ack = `{"setupComplete":{}}`
	}
	if err := ws.WriteMessage(websocket.TextMessage, []byte(ack)); err != nil {
		return
	}

	if s.opts.Script != nil {
		s.opts.Script(&Conn{ws: ws})
	}
}

// Conn is the backend side of one session.
type Conn struct {
	ws *websocket.Conn
}

// Read returns the next client message, or an error once the client is gone.
func (c *Conn) Read(timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(timeout))
	}
	_, data, err := c.ws.ReadMessage()
	return data, err
}

// ReadAudio reads the next client message and returns the decoded PCM of its
// first media chunk. ok is false for non-audio messages.
func (c *Conn) ReadAudio(timeout time.Duration) (pcm []byte, ok bool, err error) {
	data, err := c.Read(timeout)
	if err != nil {
		return nil, false, err
	}
	var env struct {
		RealtimeInput *struct {
			MediaChunks []struct {
				Data     string `json:"data"`
				MIMEType string `json:"mime_type"`
			} `json:"media_chunks"`
		} `json:"realtime_input"`
	}
	if err := json.Unmarshal(data, &env); err != nil || env.RealtimeInput == nil || len(env.RealtimeInput.MediaChunks) == 0 {
		return nil, false, nil
	}
	pcm, err = base64.StdEncoding.DecodeString(env.RealtimeInput.MediaChunks[0].Data)
	if err != nil {
		return nil, false, err
	}
	return pcm, true, nil
}

func (c *Conn) SendRaw(msg string) error {
	return c.ws.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (c *Conn) SendText(text string) error {
	return c.sendJSON(map[string]any{
		"serverContent": map[string]any{
			"modelTurn": map[string]any{"parts": []any{map[string]any{"text": text}}},
		},
	})
}

func (c *Conn) SendAudio(pcm []byte) error {
	return c.sendJSON(map[string]any{
		"serverContent": map[string]any{
			"modelTurn": map[string]any{"parts": []any{map[string]any{
				"inlineData": map[string]any{
					"mimeType": "audio/pcm;rate=24000",
					"data":     base64.StdEncoding.EncodeToString(pcm),
				},
			}}},
		},
	})
}

func (c *Conn) SendTurnComplete() error {
	return c.sendJSON(map[string]any{"serverContent": map[string]any{"turnComplete": true}})
}

func (c *Conn) CloseWith(code int, reason string) error {
	return c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}

func (c *Conn) sendJSON(v any) error {
	return c.ws.WriteJSON(v)
}
