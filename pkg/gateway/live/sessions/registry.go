// Package sessions is the process-wide registry of live client connections.
// It is constructed once by the server and injected wherever a component
// needs to reach a session it does not own.
package sessions

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrNotFound = errors.New("session not found")

// Handle is how other components reach a live session. Send delivers one
// server frame through the session's outbound writer.
type Handle struct {
	Identity  string
	StartedAt time.Time
	Send      func(frame any) error
	Warn      func(code, message string) error
	Cancel    func()
}

type Info struct {
	ID        string    `json:"id"`
	Identity  string    `json:"identity"`
	StartedAt time.Time `json:"started_at"`
}

type Registry struct {
	mu       sync.Mutex
	sessions map[string]*trackedSession
	wg       sync.WaitGroup
}

type trackedSession struct {
	handle Handle
	once   sync.Once
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*trackedSession),
	}
}

// Register adds the session and returns its unregister func. Registering an
// id twice replaces the earlier entry.
func (r *Registry) Register(sessionID string, h Handle) (unregister func()) {
	if r == nil {
		return func() {}
	}

	entry := &trackedSession{handle: h}

	r.mu.Lock()
	if r.sessions == nil {
		r.sessions = make(map[string]*trackedSession)
	}
	old := r.sessions[sessionID]
	r.sessions[sessionID] = entry
	r.wg.Add(1)
	r.mu.Unlock()

	if old != nil {
		r.unregister(sessionID, old)
	}

	return func() { r.unregister(sessionID, entry) }
}

func (r *Registry) unregister(sessionID string, entry *trackedSession) {
	if r == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		r.mu.Lock()
		if r.sessions != nil && r.sessions[sessionID] == entry {
			delete(r.sessions, sessionID)
		}
		r.mu.Unlock()
		r.wg.Done()
	})
}

// Remove drops the session regardless of who registered it.
func (r *Registry) Remove(sessionID string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	entry := r.sessions[sessionID]
	r.mu.Unlock()
	r.unregister(sessionID, entry)
}

func (r *Registry) Lookup(sessionID string) (Handle, bool) {
	if r == nil {
		return Handle{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.sessions[sessionID]
	if !ok || entry == nil {
		return Handle{}, false
	}
	return entry.handle, true
}

// Send delivers frame to one session.
func (r *Registry) Send(sessionID string, frame any) error {
	h, ok := r.Lookup(sessionID)
	if !ok || h.Send == nil {
		return ErrNotFound
	}
	return h.Send(frame)
}

// List returns the live sessions ordered by start time.
func (r *Registry) List() []Info {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	out := make([]Info, 0, len(r.sessions))
	for id, entry := range r.sessions {
		out = append(out, Info{ID: id, Identity: entry.handle.Identity, StartedAt: entry.handle.StartedAt})
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (r *Registry) Count() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Broadcast sends frame to every session and returns how many accepted it.
func (r *Registry) Broadcast(frame any) (sent int) {
	for _, h := range r.handles() {
		if h.Send == nil {
			continue
		}
		if err := h.Send(frame); err == nil {
			sent++
		}
	}
	return sent
}

func (r *Registry) WarnAll(code, message string) (sent int) {
	for _, h := range r.handles() {
		if h.Warn == nil {
			continue
		}
		_ = h.Warn(code, message)
		sent++
	}
	return sent
}

func (r *Registry) CancelAll() (canceled int) {
	for _, h := range r.handles() {
		if h.Cancel == nil {
			continue
		}
		h.Cancel()
		canceled++
	}
	return canceled
}

func (r *Registry) handles() []Handle {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Handle, 0, len(r.sessions))
	for _, entry := range r.sessions {
		if entry != nil {
			out = append(out, entry.handle)
		}
	}
	return out
}

// Wait blocks until every registered session has unregistered or ctx ends.
func (r *Registry) Wait(ctx context.Context) bool {
	if r == nil {
		return true
	}
	if ctx == nil {
		r.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
