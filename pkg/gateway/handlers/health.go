package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/vango-go/voicegw/pkg/gateway/config"
	"github.com/vango-go/voicegw/pkg/gateway/lifecycle"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// CredentialCounter reports how many pooled credentials could serve a new
// session right now.
type CredentialCounter interface {
	Available() int
	Len() int
}

type ReadyHandler struct {
	Config      config.Config
	Credentials CredentialCounter
	Lifecycle   *lifecycle.Lifecycle
	// LiveSessions returns the current number of live sessions.
	LiveSessions func() int
	Now          func() time.Time
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK                   bool     `json:"ok"`
		Draining             bool     `json:"draining"`
		AuthMode             string   `json:"auth_mode"`
		CredentialsTotal     int      `json:"credentials_total"`
		CredentialsAvailable int      `json:"credentials_available"`
		LiveSessions         int      `json:"live_sessions"`
		UptimeSeconds        int64    `json:"uptime_seconds"`
		Issues               []string `json:"issues,omitempty"`
	}

	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	issues := make([]string, 0, 4)

	draining := h.Lifecycle.IsDraining()
	if draining {
		issues = append(issues, "draining")
	}

	switch h.Config.AuthMode {
	case config.AuthModeRequired, config.AuthModeOptional, config.AuthModeDisabled:
	default:
		issues = append(issues, "invalid auth_mode")
	}
	if h.Config.AuthMode == config.AuthModeRequired && len(h.Config.AdminKeys) == 0 {
		issues = append(issues, "auth_mode=required but no admin keys configured")
	}
	if h.Config.JWTSecret == "" {
		issues = append(issues, "jwt secret is not configured")
	}
	if h.Config.WSMaxSessionDuration <= 0 {
		issues = append(issues, "ws max session duration must be > 0")
	}

	var total, available int
	if h.Credentials == nil {
		issues = append(issues, "credential pool is not configured")
	} else {
		total = h.Credentials.Len()
		available = h.Credentials.Available()
		if available == 0 {
			issues = append(issues, "no backend credentials available")
		}
	}

	live := 0
	if h.LiveSessions != nil {
		live = h.LiveSessions()
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:                   ok,
		Draining:             draining,
		AuthMode:             string(h.Config.AuthMode),
		CredentialsTotal:     total,
		CredentialsAvailable: available,
		LiveSessions:         live,
		UptimeSeconds:        int64(h.Lifecycle.Uptime(now()).Seconds()),
		Issues:               issues,
	})
}
