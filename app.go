// Package wellgate 是 AI 请求网关与记忆管道的应用根。
//
// 所有组件均为显式实例、显式装配，无包级单例。装配顺序：
// 配置 → 日志 → 指标 → 遥测 → 缓存 → 存储 → 向量化 → 上游 →
// 熔断 → 连接池 → 队列 → 工作池 → 记忆管道 → HTTP 前端。
package wellgate

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/wellgate/cache"
	"github.com/BaSui01/wellgate/config"
	"github.com/BaSui01/wellgate/embedding"
	"github.com/BaSui01/wellgate/flags"
	"github.com/BaSui01/wellgate/gateway"
	"github.com/BaSui01/wellgate/gateway/batch"
	"github.com/BaSui01/wellgate/gateway/breaker"
	"github.com/BaSui01/wellgate/gateway/connpool"
	"github.com/BaSui01/wellgate/gateway/providers/nova"
	"github.com/BaSui01/wellgate/gateway/providers/sage"
	"github.com/BaSui01/wellgate/gateway/queue"
	"github.com/BaSui01/wellgate/gateway/retry"
	"github.com/BaSui01/wellgate/gateway/server"
	"github.com/BaSui01/wellgate/gateway/worker"
	"github.com/BaSui01/wellgate/internal/metrics"
	intserver "github.com/BaSui01/wellgate/internal/server"
	"github.com/BaSui01/wellgate/internal/telemetry"
	"github.com/BaSui01/wellgate/memory"
	"github.com/BaSui01/wellgate/memory/store"
)

// App 持有全部组件实例并负责启动与排空。
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	metrics   *metrics.Collector
	telemetry *telemetry.Providers
	cache     *cache.Cache
	rdb       *redis.Client
	responses *cache.ResponseCache
	store     memory.Store
	embedder  embedding.Embedder
	providers map[gateway.ProviderTag]gateway.Provider
	breakers  *breaker.Group
	slots     *connpool.Pool
	queue     *queue.Queue
	pool      *worker.Pool
	batch     *batch.Processor
	flags     *flags.Manager
	pipeline  *memory.Pipeline
	retriever *memory.Retriever
	httpSrv   *intserver.Manager

	cancel context.CancelFunc
}

// NewApp 按固定顺序装配全部组件。任一步失败都返回错误，不做部分启动。
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	a.metrics = metrics.NewCollector("wellgate", logger)

	tp, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("telemetry init failed, tracing disabled", zap.Error(err))
	}
	a.telemetry = tp

	a.cache = cache.New(cache.DefaultPartitions(), logger)

	if cfg.Redis.Enabled {
		a.rdb = redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		})
	}
	a.responses = cache.NewResponseCache(a.cache, a.rdb, cfg.Cache.Response, logger)

	st, err := store.NewGorm(cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}
	a.store = st

	a.providers = map[gateway.ProviderTag]gateway.Provider{
		gateway.ProviderPrimary: nova.New(nova.Config{
			APIKey:         cfg.Providers.Nova.APIKey,
			BaseURL:        cfg.Providers.Nova.BaseURL,
			Model:          cfg.Providers.Nova.Model,
			EmbeddingModel: cfg.Providers.Nova.EmbeddingModel,
			Timeout:        cfg.Providers.Nova.Timeout,
		}, logger),
		gateway.ProviderSecondary: sage.New(sage.Config{
			APIKey:  cfg.Providers.Sage.APIKey,
			BaseURL: cfg.Providers.Sage.BaseURL,
			Model:   cfg.Providers.Sage.Model,
			Timeout: cfg.Providers.Sage.Timeout,
		}, logger),
	}

	a.embedder = embedding.NewProviderEmbedder(a.providers[gateway.ProviderPrimary], 0, logger)

	brCfg := cfg.Breaker
	brCfg.OnStateChange = func(key string, from, to breaker.State) {
		a.metrics.RecordBreakerState(key, int(to))
		if to == breaker.StateOpen {
			a.metrics.RecordBreakerTrip(key)
		}
	}
	a.breakers = breaker.NewGroup(brCfg, logger)

	a.slots = connpool.New(cfg.Pool, logger)
	a.queue = queue.New(cfg.Queue, logger)

	a.pool = worker.New(cfg.Worker, worker.Deps{
		Queue:     a.queue,
		Slots:     a.slots,
		Breakers:  a.breakers,
		Retryer:   retry.New(cfg.Retry, logger),
		Providers: a.providers,
		Responses: a.responses,
		Metrics:   a.metrics,
		Logger:    logger,
	})
	a.batch = batch.New(cfg.Batch, a.pool, logger)

	a.flags = flags.NewManager(cfg.Flags, logger)

	extractor := memory.NewExtractor(cfg.Memory.Extractor, a.providers[gateway.ProviderPrimary], logger)
	dedup := memory.NewDeduplicator(cfg.Memory.Dedup, a.store, a.embedder, a.cache, logger)
	relations := memory.NewRelationEngine(a.store, logger)
	a.pipeline = memory.NewPipeline(cfg.Memory.Pipeline, extractor, dedup, relations, a.metrics, logger)
	a.retriever = memory.NewRetriever(cfg.Memory.Retriever, a.store, a.embedder, a.cache, logger)

	front := server.New(cfg.Server, server.Deps{
		Pool:      a.pool,
		Batch:     a.batch,
		Queue:     a.queue,
		Slots:     a.slots,
		Breakers:  a.breakers,
		Providers: a.providers,
		Cache:     a.cache,
		Responses: a.responses,
		Retriever: a.retriever,
		Pipeline:  a.pipeline,
		Flags:     a.flags,
		Metrics:   a.metrics,
		Logger:    logger,
	})

	a.httpSrv = intserver.NewManager(front.Handler(), intserver.Config{
		Addr:            cfg.Server.ListenAddr,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     2 * time.Minute,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger)

	return a, nil
}

// Flags 返回灰度开关管理器（配置热重载回调用）。
func (a *App) Flags() *flags.Manager { return a.flags }

// Start 启动工作池、记忆管道与 HTTP 前端。
func (a *App) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.pool.Start(ctx)
	a.pipeline.Start()

	if err := a.httpSrv.Start(); err != nil {
		a.cancel()
		return err
	}
	a.logger.Info("wellgate started", zap.String("addr", a.cfg.Server.ListenAddr))
	return nil
}

// WaitForShutdown 阻塞直至收到退出信号或服务异常。
func (a *App) WaitForShutdown() error {
	return a.httpSrv.WaitForShutdown()
}

// Shutdown 按排空顺序关闭：前端停收 → 队列关闭 → 工作池排空 →
// 记忆管道停止 → 缓存/存储关闭。
func (a *App) Shutdown(ctx context.Context) error {
	var firstErr error

	if err := a.httpSrv.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, a.cfg.Worker.ShutdownTimeout)
	defer cancel()
	if err := a.pool.Shutdown(shutdownCtx); err != nil && firstErr == nil {
		firstErr = err
	}

	a.pipeline.Stop()

	if a.cancel != nil {
		a.cancel()
	}

	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := a.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	a.logger.Info("wellgate stopped")
	return firstErr
}
