package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/voicegw/pkg/gateway/apierror"
	"github.com/vango-go/voicegw/pkg/gateway/auth"
	"github.com/vango-go/voicegw/pkg/gateway/config"
	"github.com/vango-go/voicegw/pkg/gateway/lifecycle"
	"github.com/vango-go/voicegw/pkg/gateway/live/backend"
	"github.com/vango-go/voicegw/pkg/gateway/live/protocol"
	"github.com/vango-go/voicegw/pkg/gateway/live/session"
	"github.com/vango-go/voicegw/pkg/gateway/live/sessions"
	"github.com/vango-go/voicegw/pkg/gateway/metrics"
	"github.com/vango-go/voicegw/pkg/gateway/mw"
	"github.com/vango-go/voicegw/pkg/gateway/ratelimit"
)

// LiveHandler handles /ws and /ws/{token} websocket sessions.
type LiveHandler struct {
	Config      config.Config
	Verifier    auth.Verifier
	Credentials session.CredentialSource
	NewLink     session.LinkFactory
	Registry    *sessions.Registry
	Audit       session.Auditor
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	Limiter     *ratelimit.Limiter
	Lifecycle   *lifecycle.Lifecycle
}

// BackendLinkFactory builds relay links against the configured backend.
func BackendLinkFactory(cfg config.Config, logger *slog.Logger) session.LinkFactory {
	bcfg := backend.Config{
		URL:                cfg.BackendURL,
		ResponseModalities: cfg.BackendModalities,
		SystemPrompt:       cfg.BackendSystemPrompt,
		HandshakeTimeout:   cfg.BackendHandshakeTimeout,
		WriteTimeout:       cfg.WSWriteTimeout,
		Logger:             logger,
	}
	return func(apiKey string) session.Link {
		return backend.New(bcfg, apiKey)
	}
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodGet {
		apierror.Write(w, &apierror.Error{Type: apierror.ErrInvalidRequest, Message: "method not allowed", Code: "method_not_allowed", RequestID: reqID}, http.StatusMethodNotAllowed)
		return
	}
	if h.Lifecycle.IsDraining() {
		apierror.Write(w, &apierror.Error{Type: apierror.ErrUnavailable, Message: "gateway is draining", Code: "draining", RequestID: reqID}, http.StatusServiceUnavailable)
		return
	}
	if !h.originAllowed(r) {
		apierror.Write(w, &apierror.Error{Type: apierror.ErrPermission, Message: "origin is not allowed", Param: "Origin", RequestID: reqID}, http.StatusForbidden)
		return
	}

	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("request_id", reqID)

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("websocket upgrade failed", "err", err)
		return
	}

	token, _ := auth.TokenFromRequest(r)
	identity, err := h.verify(r, token)
	if err != nil {
		h.Metrics.RecordError("auth", authErrorType(err))
		logger.Warn("live session rejected", "reason", "auth", "err", err)
		h.reject(conn, "authentication failed", websocket.ClosePolicyViolation)
		return
	}

	if h.Limiter != nil && h.Config.WSMaxSessionsPerIdentity > 0 {
		dec := h.Limiter.AcquireSession(ratelimit.PrincipalKeyFromIdentity(identity.Subject), time.Now())
		if !dec.Allowed {
			h.Metrics.RecordRateLimitHit("sessions")
			logger.Warn("live session rejected", "reason", "session_cap", "identity", identity.Subject)
			h.reject(conn, "too many active sessions", websocket.CloseTryAgainLater)
			return
		}
		defer dec.Permit.Release()
	}

	sessionID := uuid.NewString()
	relay, err := session.New(session.Dependencies{
		Conn:        conn,
		Credentials: h.Credentials,
		NewLink:     h.NewLink,
		Registry:    h.Registry,
		Audit:       h.Audit,
		Metrics:     h.Metrics,
		Logger:      logger,
		SessionID:   sessionID,
		Identity:    identity.Subject,
		Draining:    h.Lifecycle.IsDraining,
		Config: session.Config{
			Model:               h.Config.BackendModel,
			MinChunkBytes:       h.Config.MinChunkBytes,
			AcquireTimeout:      h.Config.CredentialMaxWait,
			MaxMessageBytes:     h.Config.WSMaxMessageBytes,
			ReadTimeout:         h.Config.WSReadTimeout,
			PingInterval:        h.Config.WSPingInterval,
			WriteTimeout:        h.Config.WSWriteTimeout,
			MaxSessionDuration:  h.Config.WSMaxSessionDuration,
			InboundMaxFPS:       h.Config.WSInboundMaxFPS,
			InboundMaxBPS:       h.Config.WSInboundMaxBPS,
			InboundBurstSeconds: h.Config.WSInboundBurstSeconds,
			OutboundQueueSize:   h.Config.WSOutboundQueueSize,
		},
	})
	if err != nil {
		logger.Error("failed to initialize live session", "err", err)
		h.reject(conn, "internal error", websocket.CloseInternalServerErr)
		return
	}

	// Errors are logged and audited by the relay.
	_ = relay.Run(r.Context())
}

func (h LiveHandler) verify(r *http.Request, token string) (auth.Identity, error) {
	if h.Verifier == nil {
		return auth.Identity{}, errors.New("no token verifier configured")
	}
	if strings.TrimSpace(token) == "" {
		return auth.Identity{}, auth.ErrMissingToken
	}
	return h.Verifier.Verify(r.Context(), token)
}

// reject sends a final error frame and closes the upgraded connection before
// any relay work starts.
func (h LiveHandler) reject(conn *websocket.Conn, message string, code int) {
	writeTimeout := h.Config.WSWriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 2 * time.Second
	}
	deadline := time.Now().Add(writeTimeout)
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.WriteJSON(protocol.ServerError{Error: message})
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, message), deadline)
	_ = conn.Close()
}

// originAllowed accepts requests without an Origin, same-host origins and the
// CORS allowlist.
func (h LiveHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if u, err := url.Parse(origin); err == nil && strings.EqualFold(u.Host, r.Host) {
		return true
	}
	_, ok := h.Config.CORSAllowedOrigins[origin]
	return ok
}

func authErrorType(err error) string {
	switch {
	case errors.Is(err, auth.ErrMissingToken):
		return "missing_token"
	case errors.Is(err, auth.ErrInvalidToken):
		return "invalid_token"
	default:
		return "verifier"
	}
}
