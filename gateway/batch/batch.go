// Package batch 提供保序的批量提交：每个请求独立成败，
// 单个失败不影响同批其它请求。
package batch

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/wellgate/gateway"
	"github.com/BaSui01/wellgate/gateway/worker"
)

// Config 批处理配置。
type Config struct {
	// MaxBatchSize 单批最大请求数。
	MaxBatchSize int `yaml:"max_batch_size" json:"max_batch_size"`
	// Concurrency 批内并发上限。
	Concurrency int `yaml:"concurrency" json:"concurrency"`
	// Timeout 批级截止时间。
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// DefaultConfig 返回默认批处理配置。
func DefaultConfig() Config {
	return Config{
		MaxBatchSize: 20,
		Concurrency:  8,
		Timeout:      2 * time.Minute,
	}
}

// Item 批中单个请求的结果，位置与输入一一对应。
type Item struct {
	Index    int               `json:"index"`
	Response *gateway.Response `json:"response,omitempty"`
	Error    *gateway.Error    `json:"error,omitempty"`
}

// Response 批处理结果。
type Response struct {
	Items     []Item        `json:"items"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Processor 批处理器。
type Processor struct {
	cfg    Config
	pool   *worker.Pool
	logger *zap.Logger
}

// New 创建批处理器。
func New(cfg Config, pool *worker.Pool, logger *zap.Logger) *Processor {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultConfig().MaxBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Processor{
		cfg:    cfg,
		pool:   pool,
		logger: logger.With(zap.String("component", "batch")),
	}
}

// Submit 并发提交整批并等待全部完成。结果切片与输入同序；
// 单个请求失败记录在对应条目上，不中断其它请求。
func (p *Processor) Submit(ctx context.Context, reqs []*gateway.Request) (*Response, error) {
	if len(reqs) == 0 {
		return nil, gateway.NewError(gateway.ClassBadRequest, "batch must contain at least one request")
	}
	if len(reqs) > p.cfg.MaxBatchSize {
		return nil, gateway.NewError(gateway.ClassBadRequest, "batch size exceeds limit")
	}

	start := time.Now()
	batchCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	items := make([]Item, len(reqs))

	g, gctx := errgroup.WithContext(batchCtx)
	g.SetLimit(p.cfg.Concurrency)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			resp, err := p.pool.Submit(gctx, req)
			item := Item{Index: i, Response: resp}
			if err != nil {
				item.Error = asGatewayError(err, req.ID)
			}
			items[i] = item
			// 永不返回错误：批内请求互不牵连
			return nil
		})
	}
	_ = g.Wait()

	resp := &Response{Items: items, Elapsed: time.Since(start)}
	for _, item := range items {
		if item.Error != nil {
			resp.Failed++
		} else {
			resp.Succeeded++
		}
	}

	p.logger.Info("batch completed",
		zap.Int("size", len(reqs)),
		zap.Int("succeeded", resp.Succeeded),
		zap.Int("failed", resp.Failed),
		zap.Duration("elapsed", resp.Elapsed),
	)
	return resp, nil
}

func asGatewayError(err error, requestID string) *gateway.Error {
	if ge, ok := err.(*gateway.Error); ok {
		if ge.RequestID == "" {
			ge.RequestID = requestID
		}
		return ge
	}
	return &gateway.Error{
		Class:     gateway.ClassOf(err),
		Message:   err.Error(),
		RequestID: requestID,
	}
}
