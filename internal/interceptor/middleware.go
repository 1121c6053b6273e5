package interceptor

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/auth-platform/traffic-guard/internal/auth"
	"github.com/auth-platform/traffic-guard/internal/guard"
)

// Middleware guards an HTTP handler chain. It evaluates every request
// before the handler runs, and records the outcome after the response is
// written. Expected to run after chi's RealIP and the auth identity
// middleware so the request context carries both.
func (ic *Interceptor) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rc := guard.RequestContext{
			ClientIP:  clientIP(r),
			UserID:    auth.UserIDFromContext(r.Context()),
			Method:    r.Method,
			Path:      r.URL.Path,
			UserAgent: r.UserAgent(),
			Timestamp: start,
		}

		decision := ic.Evaluate(r.Context(), rc)
		if !decision.Allow {
			status := writeDenied(w, decision)
			ic.RecordOutcome(outcome(rc, decision, status, time.Since(start)))
			return
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		ic.RecordOutcome(outcome(rc, decision, status, time.Since(start)))
	})
}

// writeDenied maps the decision to the rejection response: 403 for bans,
// 429 with Retry-After for exhausted quotas.
func writeDenied(w http.ResponseWriter, d guard.Decision) int {
	if d.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds()+0.999)))
	}
	w.Header().Set("X-Rate-Limit-Reason", string(d.Reason))
	if d.MatchedRule != nil {
		w.Header().Set("X-Rate-Limit-Limit", strconv.FormatInt(d.MatchedRule.MaxRequests, 10))
		w.Header().Set("X-Rate-Limit-Scope", string(d.MatchedRule.Scope))
	}

	status := http.StatusTooManyRequests
	if d.Reason == guard.ReasonBanned {
		status = http.StatusForbidden
	}
	http.Error(w, http.StatusText(status), status)
	return status
}

func outcome(rc guard.RequestContext, d guard.Decision, status int, latency time.Duration) guard.ActivityRecord {
	return guard.ActivityRecord{
		EventID:     uuid.NewString(),
		Timestamp:   rc.Timestamp,
		UserID:      rc.UserID,
		ClientIP:    rc.ClientIP,
		Method:      rc.Method,
		Path:        rc.Path,
		StatusCode:  status,
		Latency:     latency,
		Allowed:     d.Allow,
		Reason:      d.Reason,
		Degraded:    d.Degraded,
		UserAgent:   rc.UserAgent,
		IdentityKey: rc.IdentityKey(),
	}
}

// clientIP strips the port RealIP leaves on RemoteAddr.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
