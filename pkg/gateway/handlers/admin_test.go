package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vango-go/voicegw/pkg/gateway/credpool"
	"github.com/vango-go/voicegw/pkg/gateway/live/protocol"
	"github.com/vango-go/voicegw/pkg/gateway/live/sessions"
)

type fakeSession struct {
	mu       sync.Mutex
	frames   []any
	canceled bool
	sendErr  error
}

func (s *fakeSession) handle(identity string) sessions.Handle {
	return sessions.Handle{
		Identity:  identity,
		StartedAt: time.Now(),
		Send: func(frame any) error {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.sendErr != nil {
				return s.sendErr
			}
			s.frames = append(s.frames, frame)
			return nil
		},
		Cancel: func() {
			s.mu.Lock()
			s.canceled = true
			s.mu.Unlock()
		},
	}
}

func (s *fakeSession) notices() []protocol.ServerNotice {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.ServerNotice
	for _, f := range s.frames {
		if n, ok := f.(protocol.ServerNotice); ok {
			out = append(out, n)
		}
	}
	return out
}

type fakeInspector struct{ snap []credpool.Status }

func (f fakeInspector) Snapshot() []credpool.Status { return f.snap }
func (f fakeInspector) Available() int {
	n := 0
	for _, s := range f.snap {
		if s.Active && s.InWindow < s.Limit {
			n++
		}
	}
	return n
}

func newAdminMux(reg *sessions.Registry, creds CredentialInspector) *http.ServeMux {
	mux := http.NewServeMux()
	AdminHandler{Registry: reg, Credentials: creds}.Register(mux)
	return mux
}

func doAdmin(t *testing.T, mux http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal %q: %v", rr.Body.String(), err)
	}
	return rr, resp
}

func TestAdmin_ListSessions(t *testing.T) {
	reg := sessions.NewRegistry()
	mux := newAdminMux(reg, nil)

	rr, resp := doAdmin(t, mux, http.MethodGet, "/admin/sessions", "")
	if rr.Code != http.StatusOK || resp["count"] != float64(0) {
		t.Fatalf("empty list: status=%d resp=%v", rr.Code, resp)
	}
	if list, ok := resp["sessions"].([]any); !ok || len(list) != 0 {
		t.Fatalf("sessions=%v, want []", resp["sessions"])
	}

	a, b := &fakeSession{}, &fakeSession{}
	defer reg.Register("s1", a.handle("alice"))()
	defer reg.Register("s2", b.handle("bob"))()

	_, resp = doAdmin(t, mux, http.MethodGet, "/admin/sessions", "")
	if resp["count"] != float64(2) {
		t.Fatalf("count=%v", resp["count"])
	}
	first := resp["sessions"].([]any)[0].(map[string]any)
	if first["id"] != "s1" || first["identity"] != "alice" {
		t.Fatalf("first=%v", first)
	}
}

func TestAdmin_NotifySession(t *testing.T) {
	reg := sessions.NewRegistry()
	mux := newAdminMux(reg, nil)
	s := &fakeSession{}
	defer reg.Register("s1", s.handle("alice"))()

	rr, resp := doAdmin(t, mux, http.MethodPost, "/admin/sessions/s1/notify", `{"text":"maintenance in 5 minutes"}`)
	if rr.Code != http.StatusOK || resp["delivered"] != true {
		t.Fatalf("status=%d resp=%v", rr.Code, resp)
	}
	got := s.notices()
	if len(got) != 1 || got[0].Type != "notice" || got[0].Text != "maintenance in 5 minutes" {
		t.Fatalf("notices=%+v", got)
	}

	rr, resp = doAdmin(t, mux, http.MethodPost, "/admin/sessions/missing/notify", `{"text":"hi"}`)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing session status=%d resp=%v", rr.Code, resp)
	}

	rr, _ = doAdmin(t, mux, http.MethodPost, "/admin/sessions/s1/notify", `{"text":"  "}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("blank text status=%d", rr.Code)
	}
	rr, _ = doAdmin(t, mux, http.MethodPost, "/admin/sessions/s1/notify", `{"text":"a","extra":1}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("unknown field status=%d", rr.Code)
	}
}

func TestAdmin_NotifyBusySession(t *testing.T) {
	reg := sessions.NewRegistry()
	mux := newAdminMux(reg, nil)
	s := &fakeSession{sendErr: errors.New("queue full")}
	defer reg.Register("s1", s.handle("alice"))()

	rr, resp := doAdmin(t, mux, http.MethodPost, "/admin/sessions/s1/notify", `{"text":"hi"}`)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d resp=%v", rr.Code, resp)
	}
}

func TestAdmin_Broadcast(t *testing.T) {
	reg := sessions.NewRegistry()
	mux := newAdminMux(reg, nil)
	a, b, busy := &fakeSession{}, &fakeSession{}, &fakeSession{sendErr: errors.New("closed")}
	defer reg.Register("s1", a.handle("alice"))()
	defer reg.Register("s2", b.handle("bob"))()
	defer reg.Register("s3", busy.handle("carol"))()

	rr, resp := doAdmin(t, mux, http.MethodPost, "/admin/broadcast", `{"text":"hello all"}`)
	if rr.Code != http.StatusOK || resp["sent"] != float64(2) {
		t.Fatalf("status=%d resp=%v", rr.Code, resp)
	}
	if len(a.notices()) != 1 || len(b.notices()) != 1 {
		t.Fatalf("notices a=%v b=%v", a.notices(), b.notices())
	}
}

func TestAdmin_TerminateSession(t *testing.T) {
	reg := sessions.NewRegistry()
	mux := newAdminMux(reg, nil)
	s := &fakeSession{}
	defer reg.Register("s1", s.handle("alice"))()

	rr, resp := doAdmin(t, mux, http.MethodDelete, "/admin/sessions/s1", "")
	if rr.Code != http.StatusAccepted || resp["terminating"] != true {
		t.Fatalf("status=%d resp=%v", rr.Code, resp)
	}
	s.mu.Lock()
	canceled := s.canceled
	s.mu.Unlock()
	if !canceled {
		t.Fatalf("expected session to be canceled")
	}

	rr, _ = doAdmin(t, mux, http.MethodDelete, "/admin/sessions/nope", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing session status=%d", rr.Code)
	}
}

func TestAdmin_Credentials(t *testing.T) {
	inspector := fakeInspector{snap: []credpool.Status{
		{Suffix: "...abcd", Active: true, InWindow: 3, Limit: 60},
		{Suffix: "...wxyz", Active: false, InWindow: 0, Limit: 60},
	}}
	mux := newAdminMux(sessions.NewRegistry(), inspector)

	rr, resp := doAdmin(t, mux, http.MethodGet, "/admin/credentials", "")
	if rr.Code != http.StatusOK || resp["available"] != float64(1) {
		t.Fatalf("status=%d resp=%v", rr.Code, resp)
	}
	creds := resp["credentials"].([]any)
	if len(creds) != 2 || creds[1].(map[string]any)["active"] != false {
		t.Fatalf("credentials=%v", creds)
	}
	if strings.Contains(rr.Body.String(), "key") {
		t.Fatalf("response leaks key material: %s", rr.Body.String())
	}
}
