package security

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aegisd-project/aegisd/internal/core"
	"github.com/aegisd-project/aegisd/internal/store"
)

func newTestEngine(t *testing.T, mutate func(*core.Config)) *Engine {
	t.Helper()
	cfg := core.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	e, err := New(cfg, store.NewMemoryStore(), nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := e.Init(context.Background()); err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return e
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func doRequest(e *Engine, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.Middleware(okHandler()).ServeHTTP(w, r)
	return w
}

func newRequest(method, target, ip string) *http.Request {
	r := httptest.NewRequest(method, target, nil)
	r.RemoteAddr = ip + ":54321"
	return r
}

func decodeRejection(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("rejection body is not JSON: %v", err)
	}
	return body
}

func TestMiddleware_BenignRequestPasses(t *testing.T) {
	e := newTestEngine(t, nil)

	w := doRequest(e, newRequest("GET", "/api/widgets", "10.0.0.1"))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if events := e.Events(10, ""); len(events) != 0 {
		t.Errorf("benign request produced %d events, want 0", len(events))
	}
}

func TestMiddleware_StaticBlocklist(t *testing.T) {
	e := newTestEngine(t, func(cfg *core.Config) {
		cfg.Security.IPBlocklist = []string{"203.0.113.9"}
	})

	w := doRequest(e, newRequest("GET", "/api/widgets", "203.0.113.9"))
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}

	body := decodeRejection(t, w)
	if body["code"] != CodeIPBlocked {
		t.Errorf("code = %v, want %q", body["code"], CodeIPBlocked)
	}

	events := e.Events(10, core.EventBlockedIP)
	if len(events) != 1 {
		t.Fatalf("got %d blocked_ip events, want 1", len(events))
	}
	if !events[0].Blocked {
		t.Error("blocked_ip event should carry Blocked=true")
	}
	if events[0].Details["source"] != string(BlockSourceStaticList) {
		t.Errorf("source = %v, want blocklist", events[0].Details["source"])
	}
}

func TestMiddleware_RateLimitRejection(t *testing.T) {
	e := newTestEngine(t, func(cfg *core.Config) {
		cfg.Security.RateLimit.Max = 2
	})

	for i := 0; i < 2; i++ {
		if w := doRequest(e, newRequest("GET", "/api/widgets", "10.0.0.1")); w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, w.Code)
		}
	}

	w := doRequest(e, newRequest("GET", "/api/widgets", "10.0.0.1"))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("429 response must set Retry-After")
	}
	body := decodeRejection(t, w)
	if body["code"] != CodeRateLimitExceeded {
		t.Errorf("code = %v, want %q", body["code"], CodeRateLimitExceeded)
	}
	if len(e.Events(10, core.EventRateLimit)) != 1 {
		t.Error("rejection should record exactly one rate_limit event")
	}
}

func TestMiddleware_UserIdentityOverridesIP(t *testing.T) {
	e := newTestEngine(t, func(cfg *core.Config) {
		cfg.Security.RateLimit.Max = 1
	})

	// Same user from two IPs shares one window.
	for i, ip := range []string{"10.0.0.1", "10.0.0.2"} {
		r := newRequest("GET", "/api/widgets", ip)
		r = r.WithContext(WithIdentity(r.Context(), Identity{UserID: "user-1"}))
		w := doRequest(e, r)
		if i == 0 && w.Code != http.StatusOK {
			t.Fatalf("first request: status = %d", w.Code)
		}
		if i == 1 && w.Code != http.StatusTooManyRequests {
			t.Errorf("second IP, same user: status = %d, want 429", w.Code)
		}
	}
}

func TestMiddleware_BruteForceRejection(t *testing.T) {
	e := newTestEngine(t, func(cfg *core.Config) {
		cfg.Security.BruteForce.FreeRetries = 2
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := e.RecordFailedAttempt(ctx, "10.0.0.1", "/api/login"); err != nil {
			t.Fatal(err)
		}
	}

	w := doRequest(e, newRequest("POST", "/api/login", "10.0.0.1"))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429 after free retries spent", w.Code)
	}
	body := decodeRejection(t, w)
	if body["code"] != CodeTooManyAttempts {
		t.Errorf("code = %v, want %q", body["code"], CodeTooManyAttempts)
	}

	// A different endpoint has its own counter.
	if w := doRequest(e, newRequest("POST", "/api/reset", "10.0.0.1")); w.Code != http.StatusOK {
		t.Errorf("other endpoint status = %d, want 200", w.Code)
	}
}

func TestMiddleware_DetectorNeverRejects(t *testing.T) {
	e := newTestEngine(t, func(cfg *core.Config) {
		cfg.Security.SuspiciousPatterns = append(cfg.Security.SuspiciousPatterns, `(?i)sqlmap`)
	})

	r := newRequest("POST", "/api/profile", "10.0.0.1")
	r.Header.Set("User-Agent", "sqlmap/1.7")

	w := doRequest(e, r)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, detection must not reject", w.Code)
	}

	events := e.Events(10, core.EventSuspiciousActivity)
	if len(events) != 1 {
		t.Fatalf("got %d suspicious_activity events, want 1", len(events))
	}
	if events[0].Blocked {
		t.Error("detection-only event must not be marked blocked")
	}
	if events[0].Details["location"] != "user_agent" {
		t.Errorf("location = %v, want user_agent", events[0].Details["location"])
	}
}

func TestMiddleware_BodyRestoredAfterInspection(t *testing.T) {
	e := newTestEngine(t, nil)

	var seen string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen = string(b)
		w.WriteHeader(http.StatusOK)
	})

	payload := `{"q":"<script>alert(1)</script>"}`
	r := httptest.NewRequest("POST", "/api/search", strings.NewReader(payload))
	r.RemoteAddr = "10.0.0.1:54321"

	w := httptest.NewRecorder()
	e.Middleware(handler).ServeHTTP(w, r)

	if seen != payload {
		t.Errorf("downstream handler saw %q, want the full body", seen)
	}
	if len(e.Events(10, core.EventSuspiciousActivity)) != 1 {
		t.Error("inspection should still have flagged the payload")
	}
}

func TestMiddleware_AllowlistBypassesEverything(t *testing.T) {
	e := newTestEngine(t, func(cfg *core.Config) {
		cfg.Security.IPAllowlist = []string{"10.0.0.1"}
		cfg.Security.IPBlocklist = []string{"10.0.0.1"}
		cfg.Security.RateLimit.Max = 1
	})

	for i := 0; i < 5; i++ {
		r := newRequest("GET", "/api/widgets", "10.0.0.1")
		r.Header.Set("User-Agent", "sqlmap/1.7")
		if w := doRequest(e, r); w.Code != http.StatusOK {
			t.Fatalf("allowlisted request %d: status = %d", i+1, w.Code)
		}
	}
	if events := e.Events(10, ""); len(events) != 0 {
		t.Errorf("allowlisted traffic produced %d events, want 0", len(events))
	}
}

func TestMiddleware_AutoBlockObservableNextRequest(t *testing.T) {
	e := newTestEngine(t, nil)

	// Two critical brute-force events push 10.0.0.1 to 75+75 -> blocked.
	for i := 0; i < 2; i++ {
		e.RecordEvent(core.NewSecurityEvent(core.EventBruteForce, core.SeverityCritical, "10.0.0.1", "/api/login", "POST"))
	}

	w := doRequest(e, newRequest("GET", "/api/widgets", "10.0.0.1"))
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 once auto-blocked", w.Code)
	}
	events := e.Events(10, core.EventBlockedIP)
	if len(events) != 1 {
		t.Fatalf("got %d blocked_ip events, want 1", len(events))
	}
	if events[0].Details["source"] != string(BlockSourceReputation) {
		t.Errorf("source = %v, want threat_intelligence", events[0].Details["source"])
	}
}

func TestMiddleware_ChainOrder(t *testing.T) {
	// Blocked IP that is also over the rate limit: the IP filter runs first.
	e := newTestEngine(t, func(cfg *core.Config) {
		cfg.Security.IPBlocklist = []string{"10.0.0.1"}
		cfg.Security.RateLimit.Max = 0
	})

	w := doRequest(e, newRequest("GET", "/api/widgets", "10.0.0.1"))
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403 from the IP filter, not 429", w.Code)
	}
}

func TestMiddleware_SupportsFlush(t *testing.T) {
	e := newTestEngine(t, nil)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, ok := w.(http.Flusher)
		if !ok {
			t.Error("wrapped ResponseWriter must support Flush for streaming")
			return
		}
		f.Flush()
	})

	w := httptest.NewRecorder()
	e.Middleware(handler).ServeHTTP(w, newRequest("GET", "/api/stream", "10.0.0.1"))
	if !w.Flushed {
		t.Error("Flush not forwarded to the underlying writer")
	}
}

func TestEngine_BlockUnblockLifecycle(t *testing.T) {
	e := newTestEngine(t, nil)

	entry := e.BlockIP("10.0.0.1", "manual review")
	if !entry.Blocked || entry.RiskScore != 100 {
		t.Fatalf("blocked entry = %+v, want blocked with score 100", entry)
	}
	if w := doRequest(e, newRequest("GET", "/api/widgets", "10.0.0.1")); w.Code != http.StatusForbidden {
		t.Fatalf("blocked IP status = %d, want 403", w.Code)
	}

	entry, ok := e.UnblockIP("10.0.0.1")
	if !ok {
		t.Fatal("UnblockIP reported unknown IP")
	}
	if entry.Blocked || entry.RiskScore != 50 {
		t.Errorf("unblocked entry = %+v, want unblocked with score 50", entry)
	}
	if w := doRequest(e, newRequest("GET", "/api/widgets", "10.0.0.1")); w.Code != http.StatusOK {
		t.Errorf("unblocked IP status = %d, want 200", w.Code)
	}
}

func TestEngine_GetStats(t *testing.T) {
	e := newTestEngine(t, nil)

	e.RecordEvent(core.NewSecurityEvent(core.EventRateLimit, core.SeverityMedium, "10.0.0.1", "/", "GET"))
	e.BlockIP("10.0.0.2", "test")

	stats := e.GetStats(context.Background())
	if stats.Events.Total != 1 {
		t.Errorf("events total = %d, want 1", stats.Events.Total)
	}
	if stats.ThreatTotal != 2 || stats.ThreatBlocked != 1 {
		t.Errorf("threats = %d blocked = %d, want 2/1", stats.ThreatTotal, stats.ThreatBlocked)
	}
	if !stats.StoreHealthy {
		t.Error("memory store should report healthy")
	}
	if stats.BusConnected {
		t.Error("no bus configured, BusConnected should be false")
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		xreal      string
		trust      bool
		proxies    int
		want       string
	}{
		{name: "direct", remoteAddr: "192.0.2.1:1234", want: "192.0.2.1"},
		{name: "xff ignored when untrusted", remoteAddr: "192.0.2.1:1234", xff: "10.0.0.9", want: "192.0.2.1"},
		{name: "xff behind one proxy", remoteAddr: "192.0.2.1:1234", xff: "203.0.113.7, 192.0.2.1", trust: true, proxies: 1, want: "203.0.113.7"},
		{name: "x-real-ip fallback", remoteAddr: "192.0.2.1:1234", xreal: "203.0.113.7", trust: true, want: "203.0.113.7"},
		{name: "garbage xff falls through", remoteAddr: "192.0.2.1:1234", xff: "not-an-ip", trust: true, proxies: 1, want: "192.0.2.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xreal != "" {
				r.Header.Set("X-Real-IP", tt.xreal)
			}
			if got := ClientIP(r, tt.trust, tt.proxies); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
