package api

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ThrottleConfig limits pair requests per client IP. Zero Max disables it.
type ThrottleConfig struct {
	Max    int
	Window time.Duration
	// TrustProxy reads the client IP from X-Forwarded-For / X-Real-IP.
	TrustProxy bool
}

// ipThrottle is an in-process sliding window keyed by client IP.
type ipThrottle struct {
	cfg ThrottleConfig
	now func() time.Time

	mu      sync.Mutex
	hits    map[string][]time.Time
	lastGC  time.Time
	gcEvery time.Duration
}

func newIPThrottle(cfg ThrottleConfig) *ipThrottle {
	if cfg.Max <= 0 {
		return nil
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	return &ipThrottle{
		cfg:     cfg,
		now:     time.Now,
		hits:    make(map[string][]time.Time),
		gcEvery: cfg.Window,
	}
}

// allow records a hit for key and reports whether it is within the limit.
func (t *ipThrottle) allow(key string) (bool, time.Duration) {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if now.Sub(t.lastGC) >= t.gcEvery {
		t.gc(now)
	}

	hits := pruneBefore(t.hits[key], now.Add(-t.cfg.Window))
	if blocked, retry := evaluateWindowThrottle(now, hits, t.cfg.Max, t.cfg.Window); blocked {
		t.hits[key] = hits
		return false, retry
	}
	t.hits[key] = append(hits, now)
	return true, 0
}

func (t *ipThrottle) gc(now time.Time) {
	cut := now.Add(-t.cfg.Window)
	for k, hits := range t.hits {
		if hits = pruneBefore(hits, cut); len(hits) == 0 {
			delete(t.hits, k)
			continue
		}
		t.hits[k] = hits
	}
	t.lastGC = now
}

func pruneBefore(hits []time.Time, cut time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cut) {
		i++
	}
	return hits[i:]
}

// evaluateWindowThrottle blocks once limit events fall inside window. retry is
// the time until the oldest of them leaves the window.
func evaluateWindowThrottle(now time.Time, events []time.Time, limit int, window time.Duration) (bool, time.Duration) {
	if limit <= 0 || window <= 0 {
		return false, 0
	}
	cut := now.Add(-window)
	var inWindow []time.Time
	for _, ev := range events {
		if ev.After(cut) {
			inWindow = append(inWindow, ev)
		}
	}
	if len(inWindow) < limit {
		return false, 0
	}
	oldest := inWindow[0]
	for _, ev := range inWindow[1:] {
		if ev.Before(oldest) {
			oldest = ev
		}
	}
	return true, oldest.Add(window).Sub(now)
}

// throttled wraps a pair route.
func (h *Handler) throttled(next http.HandlerFunc) http.HandlerFunc {
	if h.throttle == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r, h.throttle.cfg.TrustProxy)
		if ip == nil {
			next(w, r)
			return
		}
		ok, retry := h.throttle.allow(ip.String())
		if !ok {
			h.log.Warn("api.pair.throttled", "ip", ip.String(), "retry_after", retry)
			writeRateLimited(w, retry)
			return
		}
		next(w, r)
	}
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		secs := int64((retryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many pairing requests", "")
}

func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return nil
}

func parseForwardedIP(raw string) net.IP {
	if raw == "" {
		return nil
	}
	for _, p := range strings.Split(raw, ",") {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}
