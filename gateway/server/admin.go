package server

import (
	"context"
	"net/http"
	"time"

	"github.com/BaSui01/wellgate/cache"
	"github.com/BaSui01/wellgate/gateway"
	"github.com/BaSui01/wellgate/gateway/queue"
)

// statsBody /admin/stats 响应。
type statsBody struct {
	Queue queue.Stats `json:"queue"`
	Workers struct {
		Count           int     `json:"count"`
		Busy            int     `json:"busy"`
		Processed       int64   `json:"processed"`
		Failed          int64   `json:"failed"`
		AvgProcessingMs float64 `json:"avg_processing_ms"`
	} `json:"workers"`
	Cache    cache.Stats       `json:"cache"`
	Breakers map[string]string `json:"breakers"`
	Pool     any               `json:"pool"`
	Pipeline any               `json:"memory_pipeline"`
	Flags    map[string]int    `json:"flags"`
}

// handleStats 运行时计数快照。
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, gateway.NewError(gateway.ClassBadRequest, "method not allowed"))
		return
	}

	var body statsBody
	body.Queue = s.queue.Stats()

	ws := s.pool.Stats()
	body.Workers.Count = ws.Workers
	body.Workers.Busy = ws.Busy
	body.Workers.Processed = ws.Processed
	body.Workers.Failed = ws.Failed
	body.Workers.AvgProcessingMs = ws.AvgProcessingMs

	body.Cache = s.cache.Stats()
	body.Breakers = s.breakers.States()
	body.Pool = s.slots.Stats()
	if s.pipeline != nil {
		body.Pipeline = s.pipeline.Stats()
	}
	body.Flags = s.flags.Rollouts()

	writeJSON(w, http.StatusOK, body)
}

// handleCache GET 查看缓存统计，DELETE 清空响应缓存。
func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.cache.Stats())

	case http.MethodDelete:
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		s.responses.InvalidateAll(ctx)
		s.logger.Info("response cache cleared via admin API")
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})

	default:
		writeError(w, gateway.NewError(gateway.ClassBadRequest, "method not allowed"))
	}
}

// healthBody /health 响应。
type healthBody struct {
	Status    string           `json:"status"`
	Providers map[string]bool  `json:"providers"`
	LatencyMs map[string]int64 `json:"latency_ms,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// handleHealth 探活：逐上游健康检查，任一不可用时报 degraded。
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	body := healthBody{
		Status:    "ok",
		Providers: make(map[string]bool, len(s.providers)),
		LatencyMs: make(map[string]int64, len(s.providers)),
		Timestamp: time.Now(),
	}
	for _, prov := range s.providers {
		hs, err := prov.HealthCheck(ctx)
		healthy := err == nil && hs != nil && hs.Healthy
		body.Providers[prov.Name()] = healthy
		if hs != nil {
			body.LatencyMs[prov.Name()] = hs.Latency.Milliseconds()
		}
		if !healthy {
			body.Status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, body)
}
