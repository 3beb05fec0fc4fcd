package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/config"
)

// rateLimiter keeps a sliding window of call times per method
type rateLimiter struct {
	mu       sync.Mutex
	defaults config.LimitConfig
	methods  map[string]config.LimitConfig
	calls    map[string][]int64 // unix nanos, oldest first
	now      func() time.Time
}

func newRateLimiter(cfg config.RateLimitConfig) *rateLimiter {
	return &rateLimiter{
		defaults: cfg.Default,
		methods:  cfg.Methods,
		calls:    map[string][]int64{},
		now:      time.Now,
	}
}

func (l *rateLimiter) limit(method string) config.LimitConfig {
	if lc, ok := l.methods[method]; ok {
		return lc
	}
	return l.defaults
}

// allow records a call and reports whether it fits the method's window.
// A zero limit disables limiting.
func (l *rateLimiter) allow(method string) (bool, time.Duration) {
	lc := l.limit(method)
	if lc.Requests <= 0 || lc.PeriodS <= 0 {
		return true, 0
	}

	now := l.now().UnixNano()
	cutoff := now - int64(lc.Period())

	l.mu.Lock()
	defer l.mu.Unlock()

	history := trimCutoff(l.calls[method], cutoff)
	if len(history) >= lc.Requests {
		l.calls[method] = history
		retry := time.Duration(history[0] - cutoff)
		return false, retry
	}
	l.calls[method] = append(history, now)
	return true, 0
}

func trimCutoff(in []int64, cutoff int64) []int64 {
	if len(in) == 0 {
		return in
	}
	i := 0
	for i < len(in) && in[i] <= cutoff {
		i++
	}
	if i == 0 {
		return in
	}
	out := make([]int64, len(in)-i)
	copy(out, in[i:])
	return out
}

// rateLimit rejects calls over the method's limit with 429
func (a *Api) rateLimit(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ok, retry := a.limiter.allow(method)
		if !ok {
			secs := int(retry / time.Second)
			if retry%time.Second != 0 {
				secs++
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded for "+method)
			return
		}
		next(w, r)
	}
}
