package security

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/aegisd-project/aegisd/internal/core"
)

// maxInspectedBody caps how much request body the detector reads.
const maxInspectedBody = 1 << 20

type contextKey int

const identityKey contextKey = iota

// Identity is the caller identity resolved by the authentication layer
// before the engine runs. Zero value means unauthenticated.
type Identity struct {
	UserID    string
	CompanyID string
}

// WithIdentity attaches the resolved identity to the request context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFrom extracts the resolved identity, if any.
func IdentityFrom(ctx context.Context) Identity {
	id, _ := ctx.Value(identityKey).(Identity)
	return id
}

// Middleware composes the decision chain ahead of next, in strict order:
// IP filter, rate limiter, brute-force guard, suspicious-pattern detector.
// The first rejection short-circuits the rest; the detector never rejects.
func (e *Engine) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r, e.cfg.Server.TrustProxy, e.cfg.Server.TrustedProxyCount)
		if e.filter.IsAllowlisted(ip) {
			next.ServeHTTP(w, r)
			return
		}

		identity := IdentityFrom(r.Context())
		endpoint := r.URL.Path

		if dec, source, severity := e.filter.Check(ip); !dec.Allowed {
			event := core.NewSecurityEvent(core.EventBlockedIP, severity, ip, endpoint, r.Method)
			event.Blocked = true
			event.Details["source"] = string(source)
			applyIdentity(event, identity)
			e.recorder.Record(event)
			writeRejection(w, dec)
			return
		}

		rateIdentity := identity.UserID
		if rateIdentity == "" {
			rateIdentity = ip
		}
		if dec, count := e.limiter.Check(r.Context(), rateIdentity); !dec.Allowed {
			event := core.NewSecurityEvent(core.EventRateLimit, core.SeverityMedium, ip, endpoint, r.Method)
			event.Blocked = true
			event.Details["identity"] = rateIdentity
			event.Details["count"] = count
			event.Details["limit"] = e.cfg.Security.RateLimit.Max
			applyIdentity(event, identity)
			e.recorder.Record(event)
			writeRejection(w, dec)
			return
		}

		if dec, attempts := e.guard.Check(r.Context(), ip, endpoint); !dec.Allowed {
			event := core.NewSecurityEvent(core.EventBruteForce, core.SeverityHigh, ip, endpoint, r.Method)
			event.Blocked = true
			event.Details["attempts"] = attempts
			applyIdentity(event, identity)
			e.recorder.Record(event)
			writeRejection(w, dec)
			return
		}

		body := peekBody(r)
		if match := e.detector.Inspect(r.UserAgent(), r.URL.RequestURI(), body); match != nil {
			event := core.NewSecurityEvent(core.EventSuspiciousActivity, core.SeverityMedium, ip, endpoint, r.Method)
			event.Details["pattern"] = match.Pattern
			event.Details["location"] = match.Location
			event.Details["value"] = match.Value
			applyIdentity(event, identity)
			e.recorder.Record(event)
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		// The request context may already be done once the handler returns.
		e.limiter.OnCompletion(context.Background(), rateIdentity, rec.status)
	})
}

func applyIdentity(event *core.SecurityEvent, id Identity) {
	event.UserID = id.UserID
	event.CompanyID = id.CompanyID
}

// peekBody reads up to maxInspectedBody bytes of the request body and
// replaces r.Body so downstream handlers still see the full payload.
func peekBody(r *http.Request) []byte {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxInspectedBody))
	if err != nil {
		return nil
	}
	rest := r.Body
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(body), rest), rest}
	return body
}

// writeRejection renders a policy rejection. Internal state (scores, counter
// values) never leaks to the caller.
func writeRejection(w http.ResponseWriter, dec Decision) {
	w.Header().Set("Content-Type", "application/json")
	if dec.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfter))
	}
	w.WriteHeader(dec.Status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":       dec.Message,
		"code":        dec.Code,
		"retry_after": dec.RetryAfter,
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush keeps streaming responses working through the wrapper (the reverse
// proxy flushes periodically for long-lived upstream responses).
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// ClientIP resolves the caller's IP. X-Forwarded-For and X-Real-IP are only
// honored behind a trusted reverse proxy; trustedProxyCount proxies are
// trusted from the right of the X-Forwarded-For chain.
func ClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			ips := strings.Split(xff, ",")
			idx := len(ips) - trustedProxyCount - 1
			if trustedProxyCount <= 0 {
				idx = len(ips) - 2
			}
			if idx < 0 {
				idx = 0
			}
			candidate := strings.TrimSpace(ips[idx])
			if net.ParseIP(candidate) != nil {
				return candidate
			}
		}
		if real := strings.TrimSpace(r.Header.Get("X-Real-IP")); real != "" {
			if net.ParseIP(real) != nil {
				return real
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
