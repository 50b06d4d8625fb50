package mw

import (
	"net/http"
	"time"

	"github.com/vango-go/voicegw/pkg/gateway/apierror"
	"github.com/vango-go/voicegw/pkg/gateway/config"
	"github.com/vango-go/voicegw/pkg/gateway/metrics"
	"github.com/vango-go/voicegw/pkg/gateway/principal"
	"github.com/vango-go/voicegw/pkg/gateway/ratelimit"
)

// RateLimit applies the per-principal request budget to the HTTP surface.
// WebSocket upgrades are exempt; live sessions are capped per identity in the
// live handler.
func RateLimit(cfg config.Config, limiter *ratelimit.Limiter, m *metrics.Metrics, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health endpoints must remain cheap and reliable.
		switch r.URL.Path {
		case "/healthz", "/readyz", "/metrics":
			next.ServeHTTP(w, r)
			return
		}
		if r.Method == http.MethodOptions || IsWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}

		p := principal.Resolve(r, cfg.TrustProxyHeaders)
		dec := limiter.AcquireRequest(p.Key, time.Now())
		if !dec.Allowed {
			m.RecordRateLimitHit(string(p.Kind))
			reqID, _ := RequestIDFrom(r.Context())
			var retry *int
			if dec.RetryAfter > 0 {
				v := dec.RetryAfter
				retry = &v
			}
			apierror.Write(w, &apierror.Error{
				Type:       apierror.ErrRateLimit,
				Message:    "rate limit exceeded",
				RequestID:  reqID,
				RetryAfter: retry,
			}, http.StatusTooManyRequests)
			return
		}
		if dec.Permit != nil {
			defer dec.Permit.Release()
		}

		next.ServeHTTP(w, r)
	})
}
