package memory

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/wellgate/gateway"
	"github.com/BaSui01/wellgate/gateway/breaker"
	"github.com/BaSui01/wellgate/internal/metrics"
)

// PipelineConfig 记忆管道配置。
type PipelineConfig struct {
	// Workers 后台 worker 数。刻意小于聊天 worker 数以免争抢。
	Workers int `yaml:"workers" json:"workers"`
	// QueueSize 任务缓冲大小；满时丢任务（best-effort）。
	QueueSize int `yaml:"queue_size" json:"queue_size"`
	// JobTimeout 单个任务的处理上限。
	JobTimeout time.Duration `yaml:"job_timeout" json:"job_timeout"`
}

// DefaultPipelineConfig 返回默认管道配置。
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Workers:    2,
		QueueSize:  256,
		JobTimeout: 30 * time.Second,
	}
}

// Job 一次待处理的记忆抽取任务。
type Job struct {
	UserID  int64
	Message string
	Convo   *gateway.ConversationContext
	Profile *Profile
}

// Pipeline 后台记忆管道：抽取 → 去重 → 关系挖掘。
// 永不阻塞聊天路径；失败只记日志与计数，不对调用方上浮。
type Pipeline struct {
	cfg       PipelineConfig
	extractor *Extractor
	dedup     *Deduplicator
	relations *RelationEngine
	breakers  *breaker.Group
	metrics   *metrics.Collector
	logger    *zap.Logger

	jobs chan Job
	wg   sync.WaitGroup
	stop chan struct{}
	once sync.Once

	processed atomic.Int64
	skipped   atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// NewPipeline 创建记忆管道。
func NewPipeline(cfg PipelineConfig, extractor *Extractor, dedup *Deduplicator, relations *RelationEngine, mc *metrics.Collector, logger *zap.Logger) *Pipeline {
	def := DefaultPipelineConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = def.JobTimeout
	}
	plogger := logger.With(zap.String("component", "memory_pipeline"))
	return &Pipeline{
		cfg:       cfg,
		extractor: extractor,
		dedup:     dedup,
		relations: relations,
		breakers:  breaker.NewGroup(breaker.DefaultConfig(), plogger),
		metrics:   mc,
		logger:    plogger,
		jobs:      make(chan Job, cfg.QueueSize),
		stop:      make(chan struct{}),
	}
}

// Start 启动后台 worker。
func (p *Pipeline) Start() {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
	p.logger.Info("memory pipeline started", zap.Int("workers", p.cfg.Workers))
}

// Submit 投递一个任务，从不阻塞。缓冲满时丢弃并计数。
func (p *Pipeline) Submit(job Job) {
	select {
	case <-p.stop:
		return
	default:
	}
	select {
	case p.jobs <- job:
	default:
		p.dropped.Add(1)
		p.metrics.RecordMemoryPipeline("dropped")
		p.logger.Warn("memory pipeline saturated, job dropped",
			zap.Int64("user_id", job.UserID),
		)
	}
}

// Stop 停止接收新任务，排空剩余后返回。
// jobs 通道从不关闭：Submit 与 Stop 可以并发调用而不会写已关闭通道。
func (p *Pipeline) Stop() {
	p.once.Do(func() {
		close(p.stop)
	})
	p.wg.Wait()
	p.logger.Info("memory pipeline stopped")
}

func (p *Pipeline) run(id int) {
	defer p.wg.Done()
	logger := p.logger.With(zap.Int("worker", id))

	for {
		select {
		case job := <-p.jobs:
			p.handle(job, logger)
		case <-p.stop:
			// 停止信号后排空缓冲里已入队的任务
			for {
				select {
				case job := <-p.jobs:
					p.handle(job, logger)
				default:
					return
				}
			}
		}
	}
}

// handle 处理单个任务；所有失败都被吞掉。
func (p *Pipeline) handle(job Job, logger *zap.Logger) {
	userKey := "memuser:" + strconv.FormatInt(job.UserID, 10)
	br := p.breakers.Get(userKey)
	if err := br.Allow(); err != nil {
		p.skipped.Add(1)
		p.metrics.RecordMemoryPipeline("skipped")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.JobTimeout)
	defer cancel()

	err := p.processJob(ctx, job)
	br.Record(err)
	if err != nil {
		p.failed.Add(1)
		p.metrics.RecordMemoryPipeline("failed")
		logger.Warn("memory job failed",
			zap.Int64("user_id", job.UserID),
			zap.Error(err),
		)
		return
	}
	p.processed.Add(1)
	p.metrics.RecordMemoryPipeline("processed")
}

func (p *Pipeline) processJob(ctx context.Context, job Job) error {
	var recent []*MemoryEntry
	if p.dedup != nil {
		if entries, err := p.dedup.store.ActiveByUser(ctx, job.UserID, OrderCreatedDesc, p.extractor.cfg.MemoryWindow); err == nil {
			recent = entries
		}
	}

	det := p.extractor.Detect(ctx, job.Message, job.Convo, job.Profile, recent)
	if !det.ShouldRemember {
		return nil
	}

	result, entry, err := p.dedup.Process(ctx, job.UserID, det)
	if err != nil {
		return err
	}
	p.metrics.RecordDedupDecision(string(result.Decision))
	if result.Decision == DecisionSkip || entry == nil {
		return nil
	}

	return p.relations.ProcessNewMemory(ctx, entry)
}

// PipelineStats 管道计数快照。
type PipelineStats struct {
	Processed int64 `json:"processed"`
	Skipped   int64 `json:"skipped"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
	Queued    int   `json:"queued"`
}

// Stats 返回管道统计。
func (p *Pipeline) Stats() PipelineStats {
	return PipelineStats{
		Processed: p.processed.Load(),
		Skipped:   p.skipped.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
		Queued:    len(p.jobs),
	}
}
