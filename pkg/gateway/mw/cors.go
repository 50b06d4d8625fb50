package mw

import (
	"net/http"
	"slices"
	"strings"

	"github.com/vango-go/voicegw/pkg/gateway/apierror"
	"github.com/vango-go/voicegw/pkg/gateway/config"
)

// Browser callers only reach the admin JSON API this way. The live endpoint
// checks Origin itself before upgrading, and probes are not browser facing.
var (
	adminCORSMethods = []string{http.MethodGet, http.MethodPost, http.MethodDelete}
	adminCORSHeaders = []string{"Authorization", "Content-Type", "X-Request-ID"}
	adminCORSExposed = []string{"X-Request-ID", "Retry-After"}
)

// CORS answers preflights and attaches CORS headers for allowlisted origins on
// /admin routes. Other routes pass through untouched.
func CORS(cfg config.Config, next http.Handler) http.Handler {
	allowed := cfg.CORSAllowedOrigins
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !IsAdminPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		_, originOK := allowed[origin]
		originOK = originOK && origin != ""

		if reqMethod := strings.TrimSpace(r.Header.Get("Access-Control-Request-Method")); r.Method == http.MethodOptions && reqMethod != "" {
			if !originOK || !slices.Contains(adminCORSMethods, reqMethod) || !adminHeadersAllowed(r.Header.Get("Access-Control-Request-Headers")) {
				reqID, _ := RequestIDFrom(r.Context())
				apierror.Write(w, &apierror.Error{
					Type:      apierror.ErrPermission,
					Message:   "cors preflight not allowed",
					RequestID: reqID,
				}, http.StatusForbidden)
				return
			}

			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", strings.Join(append(slices.Clone(adminCORSMethods), http.MethodOptions), ", "))
			w.Header().Set("Access-Control-Allow-Headers", strings.Join(adminCORSHeaders, ", "))
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if originOK {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Expose-Headers", strings.Join(adminCORSExposed, ", "))
		}
		next.ServeHTTP(w, r)
	})
}

func adminHeadersAllowed(raw string) bool {
	for _, h := range strings.Split(raw, ",") {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if !slices.ContainsFunc(adminCORSHeaders, func(a string) bool { return strings.EqualFold(a, h) }) {
			return false
		}
	}
	return true
}
