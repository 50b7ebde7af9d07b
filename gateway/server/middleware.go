package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/wellgate/gateway"
)

// errorBody 终端失败时对外的结构化错误。
type errorBody struct {
	Class     string `json:"class"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var body errorBody
	if ge, ok := err.(*gateway.Error); ok {
		body = errorBody{
			Class:     string(ge.Class),
			Message:   ge.Message,
			RequestID: ge.RequestID,
		}
		if ge.RetryAfter > 0 {
			w.Header().Set("Retry-After", ge.RetryAfter.Round(time.Second).String())
		}
	} else {
		body = errorBody{
			Class:   string(gateway.ClassInternal),
			Message: err.Error(),
		}
	}
	writeJSON(w, gateway.HTTPStatusOf(err), body)
}

// requireAPIKey 校验 X-API-Key。密钥未配置时拒绝所有受保护请求。
func (s *Server) requireAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey == "" {
			writeError(w, gateway.NewError(gateway.ClassUnauthorized, "API key not configured"))
			return
		}
		got := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.APIKey)) != 1 {
			writeError(w, gateway.NewError(gateway.ClassUnauthorized, "invalid API key"))
			return
		}
		next(w, r)
	}
}

// statusRecorder 捕获响应状态码供指标上报。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// withMetrics 记录请求计数与耗时。
func (s *Server) withMetrics(path string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		s.metrics.RecordHTTPRequest(r.Method, path, rec.status, time.Since(start))
	}
}

// userLimiters 按用户的令牌桶限流。条目数超限时清理最久未用者。
type userLimiters struct {
	mu       sync.Mutex
	limiters map[int64]*limiterEntry
	rps      rate.Limit
	burst    int
	logger   *zap.Logger
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

const maxLimiterEntries = 16384

func newUserLimiters(rps float64, burst int, logger *zap.Logger) *userLimiters {
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = int(rps) * 2
	}
	return &userLimiters{
		limiters: make(map[int64]*limiterEntry),
		rps:      rate.Limit(rps),
		burst:    burst,
		logger:   logger,
	}
}

// Allow 报告该用户此刻是否放行。
func (ul *userLimiters) Allow(userID int64) bool {
	ul.mu.Lock()
	defer ul.mu.Unlock()

	e, ok := ul.limiters[userID]
	if !ok {
		if len(ul.limiters) >= maxLimiterEntries {
			ul.evictOldestLocked()
		}
		e = &limiterEntry{lim: rate.NewLimiter(ul.rps, ul.burst)}
		ul.limiters[userID] = e
	}
	e.lastSeen = time.Now()
	return e.lim.Allow()
}

func (ul *userLimiters) evictOldestLocked() {
	var oldestID int64
	var oldest time.Time
	first := true
	for id, e := range ul.limiters {
		if first || e.lastSeen.Before(oldest) {
			oldestID, oldest = id, e.lastSeen
			first = false
		}
	}
	if !first {
		delete(ul.limiters, oldestID)
	}
}
