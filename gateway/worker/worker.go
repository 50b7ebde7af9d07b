// Package worker 实现网关的工作池：从优先队列取请求，经缓存、熔断、
// 连接池与重试后调用上游适配器，并把结果交付给等待的调用方。
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/wellgate/cache"
	"github.com/BaSui01/wellgate/gateway"
	"github.com/BaSui01/wellgate/gateway/breaker"
	"github.com/BaSui01/wellgate/gateway/connpool"
	"github.com/BaSui01/wellgate/gateway/queue"
	"github.com/BaSui01/wellgate/gateway/retry"
	"github.com/BaSui01/wellgate/internal/metrics"
)

// Config 工作池配置。
type Config struct {
	// Workers worker 数量。
	Workers int `yaml:"workers" json:"workers"`
	// ShutdownTimeout 排空剩余请求的最长等待时间。
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// DefaultConfig 返回默认工作池配置。
func DefaultConfig() Config {
	return Config{
		Workers:         8,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Deps 工作池的全部依赖，由应用根显式装配。
type Deps struct {
	Queue     *queue.Queue
	Slots     *connpool.Pool
	Breakers  *breaker.Group
	Retryer   *retry.Retryer
	Providers map[gateway.ProviderTag]gateway.Provider
	Responses *cache.ResponseCache
	Metrics   *metrics.Collector
	Logger    *zap.Logger
}

// Pool 工作池。
type Pool struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
	tracer trace.Tracer

	wg   sync.WaitGroup
	busy atomic.Int32

	processed  atomic.Int64
	failed     atomic.Int64
	totalNanos atomic.Int64
}

// New 创建工作池。
func New(cfg Config, deps Deps) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}
	return &Pool{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.With(zap.String("component", "worker_pool")),
		tracer: otel.Tracer("wellgate/gateway/worker"),
	}
}

// Start 启动全部 worker。
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
	p.logger.Info("worker pool started", zap.Int("workers", p.cfg.Workers))
}

// Shutdown 关闭队列并等待 worker 排空。超过 ShutdownTimeout 返回错误。
func (p *Pool) Shutdown(ctx context.Context) error {
	p.deps.Queue.Close()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(p.cfg.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-done:
		p.logger.Info("worker pool drained")
		return nil
	case <-timer.C:
		return fmt.Errorf("worker pool drain timed out after %s", p.cfg.ShutdownTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit 提交一个请求并阻塞等待结果。请求经校验后入队，
// 由某个 worker 恰好处理一次。
func (p *Pool) Submit(ctx context.Context, req *gateway.Request) (*gateway.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = time.Now()
	}

	req.WithContext(ctx)
	result := req.BindResult()

	if err := p.deps.Queue.Enqueue(req); err != nil {
		switch err {
		case queue.ErrQueueFull:
			return nil, &gateway.Error{
				Class:     gateway.ClassResourceExhausted,
				Message:   "request queue full",
				Retryable: true,
				RequestID: req.ID,
			}
		case queue.ErrQueueClosed:
			return nil, gateway.NewError(gateway.ClassInternal, "gateway shutting down")
		default:
			return nil, err
		}
	}

	select {
	case res := <-result:
		return res.Response, res.Err
	case <-ctx.Done():
		return nil, &gateway.Error{
			Class:     gateway.ClassOf(ctx.Err()),
			Message:   "abandoned while waiting for result",
			RequestID: req.ID,
		}
	}
}

// run 单个 worker 的主循环。
func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()
	logger := p.logger.With(zap.Int("worker", id))

	for {
		req, err := p.deps.Queue.Dequeue(ctx)
		if err != nil {
			logger.Debug("worker exiting", zap.Error(err))
			return
		}

		p.busy.Add(1)
		p.deps.Metrics.SetWorkersBusy(int(p.busy.Load()))
		p.process(req)
		p.busy.Add(-1)
		p.deps.Metrics.SetWorkersBusy(int(p.busy.Load()))
	}
}

// process 处理单个请求：缓存 → 熔断 → 槽位 → 重试调用 → 交付。
func (p *Pool) process(req *gateway.Request) {
	start := time.Now()

	ctx, span := p.tracer.Start(req.Context(), "gateway.process",
		trace.WithAttributes(
			attribute.String("request.id", req.ID),
			attribute.String("request.provider", string(req.Provider)),
			attribute.Int("request.priority", req.Priority),
			attribute.Bool("request.stream", req.OnChunk != nil),
		),
	)
	defer span.End()

	streaming := req.OnChunk != nil

	// 缓存只服务非流式请求
	key := cache.Key(req.UserID, req.Provider, req.Model, req.NormalizedPrompt())
	if !streaming {
		if resp, ok := p.deps.Responses.Get(ctx, key); ok {
			p.deps.Metrics.RecordCacheHit("ai_response")
			span.SetAttributes(attribute.Bool("cache.hit", true))
			hit := *resp
			hit.RequestID = req.ID
			hit.CacheHit = true
			hit.ProcessingTime = time.Since(start)
			p.finish(req, &hit, nil, start)
			return
		}
		p.deps.Metrics.RecordCacheMiss("ai_response")
	}

	tag := p.routeProvider(req)
	prov, ok := p.deps.Providers[tag]
	if !ok {
		p.finish(req, nil, gateway.NewError(gateway.ClassInternal, "no adapter for provider "+string(tag)), start)
		return
	}
	span.SetAttributes(attribute.String("provider.routed", string(tag)))

	// 熔断快速失败：不占用槽位
	br := p.deps.Breakers.Get(string(tag))
	if err := br.Allow(); err != nil {
		p.deps.Metrics.RecordBreakerShort(string(tag))
		span.SetStatus(codes.Error, "breaker open")
		if ge, isGE := err.(*gateway.Error); isGE {
			ge.RequestID = req.ID
		}
		p.finish(req, nil, err, start)
		return
	}

	slot, err := p.deps.Slots.Acquire(ctx, tag)
	if err != nil {
		// 槽位拿不到时没有发起上游调用，归还放行名额且不记录结果
		br.Cancel()
		p.finish(req, nil, err, start)
		return
	}

	var callErr error
	defer func() {
		if r := recover(); r != nil {
			callErr = gateway.NewError(gateway.ClassInternal, fmt.Sprintf("worker panic: %v", r))
			p.logger.Error("worker panic recovered",
				zap.String("request_id", req.ID),
				zap.Any("panic", r),
			)
			p.deps.Slots.Release(slot, callErr)
			p.finish(req, nil, callErr, start)
			return
		}
		p.deps.Slots.Release(slot, callErr)
	}()

	chatReq := &gateway.ChatRequest{
		Model:    req.Model,
		Messages: req.Messages,
	}

	if streaming {
		callErr = p.processStream(ctx, req, tag, prov, br, chatReq, key, start)
		return
	}

	var chatResp *gateway.ChatResponse
	firstAttempt := true
	attempts, callErr := p.deps.Retryer.Do(ctx, func() error {
		// 首次尝试已由上面的 Allow 放行；重试前重新询问熔断器，
		// 熔断在重试间隙打开时以不可重试错误终止循环
		if !firstAttempt {
			if err := br.Allow(); err != nil {
				p.deps.Metrics.RecordBreakerShort(string(tag))
				return err
			}
		}
		firstAttempt = false

		var e error
		chatResp, e = prov.Completion(ctx, chatReq)
		br.Record(e)
		return e
	})
	for i := 1; i < attempts; i++ {
		p.deps.Metrics.RecordUpstreamRetry(string(tag))
	}

	if callErr != nil {
		span.SetStatus(codes.Error, callErr.Error())
		p.deps.Metrics.RecordUpstreamRequest(string(tag), chatReq.Model, "error", time.Since(start), 0, 0)
		if ge, isGE := callErr.(*gateway.Error); isGE && ge.RequestID == "" {
			ge.RequestID = req.ID
		}
		p.finish(req, nil, callErr, start)
		return
	}

	resp := p.buildResponse(req, tag, chatResp, attempts-1, start)
	p.deps.Metrics.RecordUpstreamRequest(string(tag), resp.Model, "ok",
		time.Since(start), resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	p.deps.Responses.Put(ctx, key, resp)
	p.finish(req, resp, nil, start)
}

// processStream 流式路径。只在流干净结束时缓存拼接文本。
func (p *Pool) processStream(ctx context.Context, req *gateway.Request, tag gateway.ProviderTag, prov gateway.Provider, br *breaker.Breaker, chatReq *gateway.ChatRequest, key string, start time.Time) error {
	chunks, err := prov.Stream(ctx, chatReq)
	if err != nil {
		br.Record(err)
		p.deps.Metrics.RecordUpstreamRequest(string(tag), chatReq.Model, "error", time.Since(start), 0, 0)
		p.finish(req, nil, err, start)
		return err
	}

	var (
		assembled  []byte
		finish     gateway.FinishReason
		usage      gateway.Usage
		streamErr  error
		clientGone bool
	)
	for chunk := range chunks {
		if chunk.Err != nil {
			streamErr = chunk.Err
			break
		}
		assembled = append(assembled, chunk.Delta...)
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if cbErr := req.OnChunk(chunk); cbErr != nil {
			clientGone = true
			streamErr = &gateway.Error{
				Class:   gateway.ClassCancelled,
				Message: "client stopped consuming stream: " + cbErr.Error(),
			}
			break
		}
	}

	br.Record(streamErr)
	if streamErr != nil {
		if !clientGone {
			p.deps.Metrics.RecordUpstreamRequest(string(tag), chatReq.Model, "error", time.Since(start), 0, 0)
		}
		p.finish(req, nil, streamErr, start)
		return streamErr
	}

	if finish == "" {
		finish = gateway.FinishStop
	}
	resp := p.buildResponse(req, tag, &gateway.ChatResponse{
		Model:        chatReq.Model,
		Content:      string(assembled),
		FinishReason: finish,
		Usage:        usage,
	}, 0, start)

	p.deps.Metrics.RecordUpstreamRequest(string(tag), resp.Model, "ok",
		time.Since(start), resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	p.deps.Responses.Put(ctx, key, resp)
	p.finish(req, resp, nil, start)
	return nil
}

// routeProvider 路由上游。AutoSelect 开启且目标熔断器打开时切换到另一路。
func (p *Pool) routeProvider(req *gateway.Request) gateway.ProviderTag {
	tag := req.Provider
	if !req.AutoSelect {
		return tag
	}
	if p.deps.Breakers.Get(string(tag)).State() == breaker.StateOpen {
		other := gateway.ProviderSecondary
		if tag == gateway.ProviderSecondary {
			other = gateway.ProviderPrimary
		}
		if p.deps.Breakers.Get(string(other)).State() != breaker.StateOpen {
			p.logger.Info("auto-select rerouting",
				zap.String("request_id", req.ID),
				zap.String("from", string(tag)),
				zap.String("to", string(other)),
			)
			return other
		}
	}
	return tag
}

// buildResponse 把适配器响应包装为对外响应；上游缺失用量时本地估算。
func (p *Pool) buildResponse(req *gateway.Request, tag gateway.ProviderTag, cr *gateway.ChatResponse, retryAttempt int, start time.Time) *gateway.Response {
	usage := cr.Usage
	if usage.TotalTokens == 0 {
		usage = EstimateUsage(req.Messages, cr.Content)
	}
	id := cr.ID
	if id == "" {
		id = uuid.NewString()
	}
	return &gateway.Response{
		ID:             id,
		RequestID:      req.ID,
		Provider:       tag,
		Model:          cr.Model,
		Content:        cr.Content,
		FinishReason:   cr.FinishReason,
		Usage:          usage,
		ProcessingTime: time.Since(start),
		RetryAttempt:   retryAttempt,
		Timestamp:      time.Now(),
	}
}

// finish 交付结果并更新处理统计。
func (p *Pool) finish(req *gateway.Request, resp *gateway.Response, err error, start time.Time) {
	elapsed := time.Since(start)
	p.totalNanos.Add(int64(elapsed))
	if err != nil {
		p.failed.Add(1)
		p.logger.Debug("request failed",
			zap.String("request_id", req.ID),
			zap.String("class", string(gateway.ClassOf(err))),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
	} else {
		p.processed.Add(1)
	}
	req.Deliver(gateway.Result{Response: resp, Err: err})
}

// Stats 工作池统计。
type Stats struct {
	Workers         int     `json:"workers"`
	Busy            int     `json:"busy"`
	Processed       int64   `json:"processed"`
	Failed          int64   `json:"failed"`
	AvgProcessingMs float64 `json:"avg_processing_ms"`
}

// Stats 返回工作池统计快照。
func (p *Pool) Stats() Stats {
	processed := p.processed.Load()
	failed := p.failed.Load()
	var avg float64
	if total := processed + failed; total > 0 {
		avg = float64(p.totalNanos.Load()) / float64(total) / float64(time.Millisecond)
	}
	return Stats{
		Workers:         p.cfg.Workers,
		Busy:            int(p.busy.Load()),
		Processed:       processed,
		Failed:          failed,
		AvgProcessingMs: avg,
	}
}
