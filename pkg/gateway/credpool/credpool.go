// Package credpool balances backend calls across a set of rate-limited
// credentials. Each credential carries a sliding-window request budget and an
// active flag; Acquire picks uniformly among the credentials that still have
// budget and waits with a bounded backoff when none do.
package credpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"
)

const (
	DefaultWindow        = 60 * time.Second
	DefaultLimit         = 60
	DefaultRetryInterval = time.Second

	suffixLen = 8
)

var (
	// ErrCredentialsExhausted is returned by Acquire when MaxWait elapses and no
	// credential became available.
	ErrCredentialsExhausted = errors.New("credpool: no backend credential available")

	ErrNoCredentials = errors.New("credpool: no credentials configured")
)

// Spec describes one credential at construction time. A zero Limit uses the
// pool default.
type Spec struct {
	Key   string
	Limit int
}

type Config struct {
	Window        time.Duration
	Limit         int
	RetryInterval time.Duration
	// MaxWait caps how long Acquire keeps retrying. Zero waits until the
	// context is done.
	MaxWait time.Duration
	// ReactivateAfter returns a deactivated credential to rotation once this
	// much time has passed since the failure. Zero never reactivates.
	ReactivateAfter time.Duration

	Logger *slog.Logger
	Now    func() time.Time
	// IntN picks an index in [0, n). Defaults to math/rand/v2.IntN.
	IntN func(n int) int
}

// Credential is a handle to one pooled secret. The zero value is invalid.
type Credential struct {
	key string
}

func (c Credential) Key() string { return c.key }

func (c Credential) IsZero() bool { return c.key == "" }

// Suffix returns the trailing characters of the secret, safe for logs and
// audit records.
func Suffix(key string) string {
	if len(key) <= suffixLen {
		return key
	}
	return key[len(key)-suffixLen:]
}

func (c Credential) Suffix() string { return Suffix(c.key) }

// String never exposes the full secret.
func (c Credential) String() string {
	if c.key == "" {
		return "<none>"
	}
	return "..." + c.Suffix()
}

type Status struct {
	Suffix   string `json:"suffix"`
	Active   bool   `json:"active"`
	InWindow int    `json:"in_window"`
	Limit    int    `json:"limit"`
}

type Pool struct {
	cfg Config

	mu      sync.Mutex
	entries []*entry
	byKey   map[string]*entry
}

type entry struct {
	key           string
	limit         int
	requests      []time.Time
	active        bool
	deactivatedAt time.Time
}

func New(specs []Spec, cfg Config) (*Pool, error) {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.MaxWait < 0 {
		return nil, fmt.Errorf("credpool: max wait must be >= 0")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.IntN == nil {
		cfg.IntN = rand.IntN
	}

	p := &Pool{
		cfg:   cfg,
		byKey: make(map[string]*entry, len(specs)),
	}
	for _, s := range specs {
		key := strings.TrimSpace(s.Key)
		if key == "" {
			continue
		}
		if _, dup := p.byKey[key]; dup {
			continue
		}
		limit := s.Limit
		if limit <= 0 {
			limit = cfg.Limit
		}
		e := &entry{key: key, limit: limit, active: true}
		p.entries = append(p.entries, e)
		p.byKey[key] = e
	}
	if len(p.entries) == 0 {
		return nil, ErrNoCredentials
	}
	return p, nil
}

// Acquire returns an available credential and records the request against its
// window. When every credential is saturated or inactive it rechecks every
// RetryInterval until one frees up, ctx is done, or MaxWait elapses.
func (p *Pool) Acquire(ctx context.Context) (Credential, error) {
	if c, ok := p.TryAcquire(); ok {
		return c, nil
	}

	start := time.Now()
	timer := time.NewTimer(p.cfg.RetryInterval)
	defer timer.Stop()

	for {
		wait := p.cfg.RetryInterval
		if p.cfg.MaxWait > 0 {
			remaining := p.cfg.MaxWait - time.Since(start)
			if remaining <= 0 {
				return Credential{}, ErrCredentialsExhausted
			}
			wait = min(wait, remaining)
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return Credential{}, ctx.Err()
		case <-timer.C:
		}

		if c, ok := p.TryAcquire(); ok {
			return c, nil
		}
	}
}

// TryAcquire is the non-blocking form of Acquire.
func (p *Pool) TryAcquire() (Credential, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.cfg.Now()
	available := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		if p.availableLocked(e, now) {
			available = append(available, e)
		}
	}
	if len(available) == 0 {
		return Credential{}, false
	}

	picked := available[p.cfg.IntN(len(available))]
	picked.requests = append(picked.requests, now)
	return Credential{key: picked.key}, true
}

// ReportFailure takes a credential out of rotation after the backend rejected
// it. Unknown credentials are ignored.
func (p *Pool) ReportFailure(c Credential) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.byKey[c.key]
	if !ok || !e.active {
		return
	}
	e.active = false
	e.deactivatedAt = p.cfg.Now()
	p.cfg.Logger.Warn("backend credential deactivated", "credential", c.Suffix())
}

func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.cfg.Now()
	n := 0
	for _, e := range p.entries {
		if p.availableLocked(e, now) {
			n++
		}
	}
	return n
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (p *Pool) Snapshot() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.cfg.Now()
	out := make([]Status, 0, len(p.entries))
	for _, e := range p.entries {
		p.availableLocked(e, now)
		out = append(out, Status{
			Suffix:   Suffix(e.key),
			Active:   e.active,
			InWindow: len(e.requests),
			Limit:    e.limit,
		})
	}
	return out
}

// availableLocked prunes the entry's window and applies lazy reactivation
// before reporting availability.
func (p *Pool) availableLocked(e *entry, now time.Time) bool {
	cutoff := now.Add(-p.cfg.Window)
	kept := e.requests[:0]
	for _, t := range e.requests {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	e.requests = kept

	if !e.active && p.cfg.ReactivateAfter > 0 && now.Sub(e.deactivatedAt) >= p.cfg.ReactivateAfter {
		e.active = true
		e.deactivatedAt = time.Time{}
		p.cfg.Logger.Info("backend credential reactivated", "credential", Suffix(e.key))
	}

	return e.active && len(e.requests) < e.limit
}
