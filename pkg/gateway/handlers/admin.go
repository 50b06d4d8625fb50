package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/vango-go/voicegw/pkg/gateway/apierror"
	"github.com/vango-go/voicegw/pkg/gateway/credpool"
	"github.com/vango-go/voicegw/pkg/gateway/live/protocol"
	"github.com/vango-go/voicegw/pkg/gateway/live/sessions"
	"github.com/vango-go/voicegw/pkg/gateway/mw"
)

// CredentialInspector exposes pool state without the secrets themselves.
type CredentialInspector interface {
	Snapshot() []credpool.Status
	Available() int
}

// AdminHandler serves the operator API under /admin. Authentication happens
// in mw.Auth.
type AdminHandler struct {
	Registry    *sessions.Registry
	Credentials CredentialInspector
	Logger      *slog.Logger
}

type noticeRequest struct {
	Text string `json:"text"`
}

// Register mounts the admin routes on mux.
func (h AdminHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin/sessions", h.listSessions)
	mux.HandleFunc("POST /admin/sessions/{id}/notify", h.notifySession)
	mux.HandleFunc("DELETE /admin/sessions/{id}", h.terminateSession)
	mux.HandleFunc("POST /admin/broadcast", h.broadcast)
	mux.HandleFunc("GET /admin/credentials", h.credentials)
}

func (h AdminHandler) listSessions(w http.ResponseWriter, r *http.Request) {
	list := h.Registry.List()
	if list == nil {
		list = []sessions.Info{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": list,
		"count":    len(list),
	})
}

func (h AdminHandler) notifySession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	text, ok := h.readNotice(w, r)
	if !ok {
		return
	}
	if err := h.Registry.Send(id, protocol.ServerNotice{Type: "notice", Text: text}); err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			writeError(w, r, err)
			return
		}
		// The session exists but its outbound queue is full or closing.
		reqID, _ := mw.RequestIDFrom(r.Context())
		apierror.Write(w, &apierror.Error{
			Type:      apierror.ErrUnavailable,
			Message:   "session is not accepting messages",
			Code:      "session_busy",
			RequestID: reqID,
		}, http.StatusServiceUnavailable)
		return
	}
	h.logger().Info("admin notice sent", "session_id", id)
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "delivered": true})
}

func (h AdminHandler) terminateSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	handle, ok := h.Registry.Lookup(id)
	if !ok {
		writeError(w, r, sessions.ErrNotFound)
		return
	}
	if handle.Cancel != nil {
		handle.Cancel()
	}
	h.logger().Info("admin terminated session", "session_id", id, "identity", handle.Identity)
	writeJSON(w, http.StatusAccepted, map[string]any{"session_id": id, "terminating": true})
}

func (h AdminHandler) broadcast(w http.ResponseWriter, r *http.Request) {
	text, ok := h.readNotice(w, r)
	if !ok {
		return
	}
	sent := h.Registry.Broadcast(protocol.ServerNotice{Type: "notice", Text: text})
	h.logger().Info("admin broadcast sent", "sessions", sent)
	writeJSON(w, http.StatusOK, map[string]any{"sent": sent})
}

func (h AdminHandler) credentials(w http.ResponseWriter, r *http.Request) {
	if h.Credentials == nil {
		writeJSON(w, http.StatusOK, map[string]any{"credentials": []credpool.Status{}, "available": 0})
		return
	}
	snap := h.Credentials.Snapshot()
	if snap == nil {
		snap = []credpool.Status{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"credentials": snap,
		"available":   h.Credentials.Available(),
	})
}

func (h AdminHandler) readNotice(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req noticeRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeInvalidRequest(w, r, "invalid request body: "+err.Error(), "")
		return "", false
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		writeInvalidRequest(w, r, "text is required", "text")
		return "", false
	}
	return text, true
}

func (h AdminHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
