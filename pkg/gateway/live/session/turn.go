package session

import (
	"sync"

	"github.com/vango-go/voicegw/pkg/gateway/live/backend"
)

type TurnState int

const (
	Listening TurnState = iota
	BackendSpeaking
)

func (s TurnState) String() string {
	switch s {
	case Listening:
		return "listening"
	case BackendSpeaking:
		return "backend_speaking"
	default:
		return "unknown"
	}
}

// TurnController enforces half-duplex turn-taking: client audio is forwarded
// only while Listening, and dropped (never queued) while the backend speaks.
// Both pumps go through Observe and Admit; nothing else touches the state.
type TurnController struct {
	mu        sync.Mutex
	state     TurnState
	forwarded int64
	dropped   int64
}

func NewTurnController() *TurnController {
	return &TurnController{state: Listening}
}

// Observe applies one backend event and reports whether the state changed.
func (t *TurnController) Observe(kind backend.EventKind) (TurnState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.state
	switch {
	case kind == backend.EventTurnComplete && t.state == BackendSpeaking:
		t.state = Listening
	case kind != backend.EventTurnComplete && t.state == Listening:
		t.state = BackendSpeaking
	}
	return t.state, t.state != prev
}

// Admit decides whether one client audio frame may be forwarded.
func (t *TurnController) Admit() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == BackendSpeaking {
		t.dropped++
		return false
	}
	t.forwarded++
	return true
}

func (t *TurnController) State() TurnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

type TurnStats struct {
	Forwarded int64
	Dropped   int64
}

func (t *TurnController) Stats() TurnStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TurnStats{Forwarded: t.forwarded, Dropped: t.dropped}
}
