package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/vango-go/voicegw/pkg/gateway/auth"
	"github.com/vango-go/voicegw/pkg/gateway/config"
	"github.com/vango-go/voicegw/pkg/gateway/credpool"
	"github.com/vango-go/voicegw/pkg/gateway/handlers"
	"github.com/vango-go/voicegw/pkg/gateway/lifecycle"
	"github.com/vango-go/voicegw/pkg/gateway/live/session"
	"github.com/vango-go/voicegw/pkg/gateway/live/sessions"
	"github.com/vango-go/voicegw/pkg/gateway/metrics"
	"github.com/vango-go/voicegw/pkg/gateway/mw"
	"github.com/vango-go/voicegw/pkg/gateway/ratelimit"
)

// Dependencies lets callers supply pre-built collaborators. Nil fields are
// built from the config.
type Dependencies struct {
	Credentials *credpool.Pool
	Metrics     *metrics.Metrics
	Audit       session.Auditor
	Verifier    auth.Verifier
	NewLink     session.LinkFactory
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	credentials *credpool.Pool
	metrics     *metrics.Metrics
	audit       session.Auditor
	verifier    auth.Verifier
	newLink     session.LinkFactory
	limiter     *ratelimit.Limiter
	registry    *sessions.Registry
	lifecycle   *lifecycle.Lifecycle
}

// NewCredentialPool builds the backend credential pool described by cfg.
func NewCredentialPool(cfg config.Config, logger *slog.Logger) (*credpool.Pool, error) {
	specs := make([]credpool.Spec, 0, len(cfg.Credentials))
	for _, c := range cfg.Credentials {
		specs = append(specs, credpool.Spec{Key: c.Key, Limit: c.Limit})
	}
	return credpool.New(specs, credpool.Config{
		Window:          cfg.CredentialWindow,
		Limit:           cfg.CredentialLimit,
		RetryInterval:   cfg.CredentialRetryInterval,
		MaxWait:         cfg.CredentialMaxWait,
		ReactivateAfter: cfg.CredentialReactivateAfter,
		Logger:          logger,
	})
}

func New(cfg config.Config, logger *slog.Logger, deps Dependencies) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	pool := deps.Credentials
	if pool == nil {
		var err error
		pool, err = NewCredentialPool(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("credential pool: %w", err)
		}
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.New("voicegw", pool.Available)
	}
	verifier := deps.Verifier
	if verifier == nil {
		v, err := auth.NewJWTVerifier(cfg.JWTSecret, auth.JWTOptions{
			Leeway:   cfg.JWTLeeway,
			Issuer:   cfg.JWTIssuer,
			Audience: cfg.JWTAudience,
		})
		if err != nil {
			return nil, fmt.Errorf("jwt verifier: %w", err)
		}
		verifier = v
	}
	newLink := deps.NewLink
	if newLink == nil {
		newLink = handlers.BackendLinkFactory(cfg, logger)
	}

	s := &Server{
		cfg:         cfg,
		logger:      logger,
		mux:         http.NewServeMux(),
		credentials: pool,
		metrics:     m,
		audit:       deps.Audit,
		verifier:    verifier,
		newLink:     newLink,
		limiter: ratelimit.New(ratelimit.Config{
			RPS:                   cfg.LimitRPS,
			Burst:                 cfg.LimitBurst,
			MaxConcurrentRequests: cfg.LimitMaxConcurrentRequests,
			MaxConcurrentSessions: cfg.WSMaxSessionsPerIdentity,
		}),
		registry:  sessions.NewRegistry(),
		lifecycle: lifecycle.New(time.Now()),
	}

	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.Handle("GET /healthz", handlers.HealthHandler{})
	s.mux.Handle("GET /readyz", handlers.ReadyHandler{
		Config:       s.cfg,
		Credentials:  s.credentials,
		Lifecycle:    s.lifecycle,
		LiveSessions: s.registry.Count,
	})
	if s.cfg.MetricsEnabled {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}

	live := handlers.LiveHandler{
		Config:      s.cfg,
		Verifier:    s.verifier,
		Credentials: s.credentials,
		NewLink:     s.newLink,
		Registry:    s.registry,
		Audit:       s.audit,
		Metrics:     s.metrics,
		Logger:      s.logger,
		Limiter:     s.limiter,
		Lifecycle:   s.lifecycle,
	}
	s.mux.Handle("/ws", live)
	s.mux.Handle("/ws/{token}", live)

	handlers.AdminHandler{
		Registry:    s.registry,
		Credentials: s.credentials,
		Logger:      s.logger,
	}.Register(s.mux)

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.RateLimit(s.cfg, s.limiter, s.metrics, h)
	h = mw.Auth(s.cfg, h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, s.metrics, h)
	h = mw.RequestID(h)
	return h
}

func (s *Server) Metrics() *metrics.Metrics { return s.metrics }

func (s *Server) Sessions() *sessions.Registry { return s.registry }

// SetDraining flips readiness and refuses new live sessions.
func (s *Server) SetDraining() {
	s.lifecycle.SetDraining(true)
}

// WarnLiveSessionsDraining tells every live client the gateway is going away.
func (s *Server) WarnLiveSessionsDraining() int {
	return s.registry.WarnAll("draining", "gateway is shutting down; reconnect shortly")
}

// WaitLiveSessions blocks until every live session has ended or ctx is done.
func (s *Server) WaitLiveSessions(ctx context.Context) bool {
	return s.registry.Wait(ctx)
}

// CancelLiveSessions ends the remaining live sessions with a going-away close.
func (s *Server) CancelLiveSessions() int {
	return s.registry.CancelAll()
}
