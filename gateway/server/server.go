package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/wellgate/cache"
	"github.com/BaSui01/wellgate/config"
	"github.com/BaSui01/wellgate/flags"
	"github.com/BaSui01/wellgate/gateway"
	"github.com/BaSui01/wellgate/gateway/batch"
	"github.com/BaSui01/wellgate/gateway/breaker"
	"github.com/BaSui01/wellgate/gateway/connpool"
	"github.com/BaSui01/wellgate/gateway/queue"
	"github.com/BaSui01/wellgate/gateway/worker"
	"github.com/BaSui01/wellgate/internal/metrics"
	"github.com/BaSui01/wellgate/memory"
)

// 缺省请求截止时间；请求未携带 deadline 时生效。
const defaultRequestDeadline = 2 * time.Minute

// Deps 前端依赖的全部组件。均为显式注入，无包级单例。
type Deps struct {
	Pool      *worker.Pool
	Batch     *batch.Processor
	Queue     *queue.Queue
	Slots     *connpool.Pool
	Breakers  *breaker.Group
	Providers map[gateway.ProviderTag]gateway.Provider
	Cache     *cache.Cache
	Responses *cache.ResponseCache
	Retriever *memory.Retriever
	Pipeline  *memory.Pipeline
	Flags     *flags.Manager
	Metrics   *metrics.Collector
	Logger    *zap.Logger
}

// Server HTTP 前端。
type Server struct {
	cfg       config.ServerConfig
	pool      *worker.Pool
	batch     *batch.Processor
	queue     *queue.Queue
	slots     *connpool.Pool
	breakers  *breaker.Group
	providers map[gateway.ProviderTag]gateway.Provider
	cache     *cache.Cache
	responses *cache.ResponseCache
	retriever *memory.Retriever
	pipeline  *memory.Pipeline
	flags     *flags.Manager
	metrics   *metrics.Collector
	limiters  *userLimiters
	logger    *zap.Logger
}

// New 创建前端。
func New(cfg config.ServerConfig, deps Deps) *Server {
	logger := deps.Logger.With(zap.String("component", "http_frontend"))
	return &Server{
		cfg:       cfg,
		pool:      deps.Pool,
		batch:     deps.Batch,
		queue:     deps.Queue,
		slots:     deps.Slots,
		breakers:  deps.Breakers,
		providers: deps.Providers,
		cache:     deps.Cache,
		responses: deps.Responses,
		retriever: deps.Retriever,
		pipeline:  deps.Pipeline,
		flags:     deps.Flags,
		metrics:   deps.Metrics,
		limiters:  newUserLimiters(cfg.RateLimitRPS, cfg.RateLimitBurst, logger),
		logger:    logger,
	}
}

// Handler 构建路由。/v1 与 /admin 受 X-API-Key 保护，/health 开放。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/chat", s.withMetrics("/v1/chat", s.requireAPIKey(s.handleChat)))
	mux.HandleFunc("/v1/stream", s.withMetrics("/v1/stream", s.requireAPIKey(s.handleStream)))
	mux.HandleFunc("/v1/batch", s.withMetrics("/v1/batch", s.requireAPIKey(s.handleBatch)))
	mux.HandleFunc("/v1/models", s.withMetrics("/v1/models", s.requireAPIKey(s.handleModels)))

	mux.HandleFunc("/admin/stats", s.withMetrics("/admin/stats", s.requireAPIKey(s.handleStats)))
	mux.HandleFunc("/admin/cache", s.withMetrics("/admin/cache", s.requireAPIKey(s.handleCache)))

	mux.HandleFunc("/health", s.withMetrics("/health", s.handleHealth))
	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

// decodeRequest 解析并补全一次聊天请求。
func (s *Server) decodeRequest(r *http.Request) (*gateway.Request, error) {
	var req gateway.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, gateway.NewError(gateway.ClassBadRequest, "malformed request body: "+err.Error())
	}
	if req.Provider == "" {
		req.Provider = gateway.ProviderPrimary
		req.AutoSelect = true
	}
	if req.Priority == 0 {
		req.Priority = 3
	}
	if req.Deadline.IsZero() {
		req.Deadline = time.Now().Add(defaultRequestDeadline)
	}
	return &req, nil
}

// handleChat 单发聊天。
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, gateway.NewError(gateway.ClassBadRequest, "method not allowed"))
		return
	}
	req, err := s.decodeRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if !s.limiters.Allow(req.UserID) {
		writeError(w, gateway.NewError(gateway.ClassRateLimited, "per-user rate limit exceeded"))
		return
	}

	snap := s.flags.SnapshotFor(req.UserID)
	convo := s.buildConversationContext(req)
	s.enhancePrompt(r.Context(), req, convo, snap)

	resp, err := s.pool.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	s.feedMemoryPipeline(req, convo, snap)
	writeJSON(w, http.StatusOK, resp)
}

// handleStream SSE 流式聊天。每个增量以 data: JSON 推送，终结标记 [DONE]。
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, gateway.NewError(gateway.ClassBadRequest, "method not allowed"))
		return
	}
	req, err := s.decodeRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if !s.limiters.Allow(req.UserID) {
		writeError(w, gateway.NewError(gateway.ClassRateLimited, "per-user rate limit exceeded"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, gateway.NewError(gateway.ClassInternal, "streaming unsupported by connection"))
		return
	}

	snap := s.flags.SnapshotFor(req.UserID)
	convo := s.buildConversationContext(req)
	s.enhancePrompt(r.Context(), req, convo, snap)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	req.OnChunk = func(chunk gateway.StreamChunk) error {
		data, err := json.Marshal(chunk)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if _, err := s.pool.Submit(r.Context(), req); err != nil {
		// 头已发出，错误只能以事件形式传递
		chunk := gateway.StreamChunk{Err: asGatewayError(err)}
		if data, merr := json.Marshal(chunk); merr == nil {
			fmt.Fprintf(w, "data: %s\n\n", data)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
		return
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
	s.feedMemoryPipeline(req, convo, snap)
}

// batchBody /v1/batch 请求体。
type batchBody struct {
	ID       string             `json:"id,omitempty"`
	Requests []*gateway.Request `json:"requests"`
	Priority int                `json:"priority,omitempty"`
}

// handleBatch 批量聊天。
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, gateway.NewError(gateway.ClassBadRequest, "method not allowed"))
		return
	}
	var body batchBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, gateway.NewError(gateway.ClassBadRequest, "malformed request body: "+err.Error()))
		return
	}
	if len(body.Requests) == 0 {
		writeError(w, gateway.NewError(gateway.ClassBadRequest, "batch must contain at least one request"))
		return
	}

	for _, req := range body.Requests {
		if req.Provider == "" {
			req.Provider = gateway.ProviderPrimary
			req.AutoSelect = true
		}
		if body.Priority != 0 {
			req.Priority = body.Priority
		}
		if req.Priority == 0 {
			req.Priority = 3
		}
		if req.Deadline.IsZero() {
			req.Deadline = time.Now().Add(defaultRequestDeadline)
		}
	}

	if !s.limiters.Allow(body.Requests[0].UserID) {
		writeError(w, gateway.NewError(gateway.ClassRateLimited, "per-user rate limit exceeded"))
		return
	}

	snap := s.flags.SnapshotFor(body.Requests[0].UserID)
	if !snap.BatchProcessing {
		writeError(w, gateway.NewError(gateway.ClassBadRequest, "batch processing not enabled for this user"))
		return
	}

	resp, err := s.batch.Submit(r.Context(), body.Requests)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleModels 各上游模型目录。
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, gateway.NewError(gateway.ClassBadRequest, "method not allowed"))
		return
	}
	out := make(map[string][]gateway.Model, len(s.providers))
	for tag, prov := range s.providers {
		models, err := prov.ListModels(r.Context())
		if err != nil {
			s.logger.Warn("model catalog fetch failed",
				zap.String("provider", prov.Name()),
				zap.Error(err),
			)
			models = nil
		}
		out[string(tag)] = models
	}
	writeJSON(w, http.StatusOK, out)
}

// buildConversationContext 从请求派生会话上下文；不持久化。
func (s *Server) buildConversationContext(req *gateway.Request) *gateway.ConversationContext {
	convo := &gateway.ConversationContext{
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		CoachingMode:   req.CoachingMode,
		Intent:         gateway.ClassifyIntent(req.LastUserMessage()),
		SessionLength:  len(req.Messages),
	}

	switch {
	case convo.SessionLength <= 2:
		convo.Temporal = gateway.TemporalImmediate
	case convo.SessionLength <= 12:
		convo.Temporal = gateway.TemporalRecent
	default:
		convo.Temporal = gateway.TemporalHistorical
	}

	// 近期话题取自最后几条 user 消息的关键词
	seen := 0
	for i := len(req.Messages) - 1; i >= 0 && seen < 3; i-- {
		if req.Messages[i].Role != gateway.RoleUser {
			continue
		}
		seen++
		for _, kw := range memory.TopKeywords(req.Messages[i].Content, 3) {
			convo.AddTopic(kw)
		}
	}
	return convo
}

// enhancePrompt 在启用增强提示时，把检索到的记忆注入为 system 消息。
// 检索失败静默降级，不影响聊天。
func (s *Server) enhancePrompt(ctx context.Context, req *gateway.Request, convo *gateway.ConversationContext, snap flags.Snapshot) {
	if !snap.EnhancedPrompts || s.retriever == nil {
		return
	}
	memories, err := s.retriever.Retrieve(ctx, req.UserID, req.LastUserMessage(), convo, 0)
	if err != nil || len(memories) == 0 {
		return
	}

	var b strings.Builder
	b.WriteString("Relevant facts about this user:\n")
	for _, m := range memories {
		b.WriteString("- ")
		b.WriteString(m.Entry.Content)
		b.WriteString("\n")
	}
	req.Messages = append([]gateway.Message{
		{Role: gateway.RoleSystem, Content: b.String()},
	}, req.Messages...)
}

// feedMemoryPipeline 响应送出后将消息投给记忆管道，永不阻塞。
func (s *Server) feedMemoryPipeline(req *gateway.Request, convo *gateway.ConversationContext, snap flags.Snapshot) {
	if !snap.AdvancedMemory || s.pipeline == nil {
		return
	}
	msg := req.LastUserMessage()
	if msg == "" {
		return
	}
	s.pipeline.Submit(memory.Job{
		UserID:  req.UserID,
		Message: msg,
		Convo:   convo,
		Profile: &memory.Profile{CoachingMode: req.CoachingMode},
	})
}

func asGatewayError(err error) *gateway.Error {
	if ge, ok := err.(*gateway.Error); ok {
		return ge
	}
	return gateway.NewError(gateway.ClassOf(err), err.Error())
}
