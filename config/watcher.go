// 配置文件变更监听器。
//
// 基于轮询检测配置文件修改时间并触发重载回调，
// 用于运行时调整灰度开关等可热更的配置项。
package config

import (
	"context"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ReloadFunc 在配置文件变更并成功重新加载后被调用。
type ReloadFunc func(cfg *Config)

// Watcher 轮询监听单个配置文件。
type Watcher struct {
	mu        sync.Mutex
	loader    *Loader
	path      string
	interval  time.Duration
	callbacks []ReloadFunc
	logger    *zap.Logger

	lastMod time.Time
	stop    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// NewWatcher 创建监听器。interval 为轮询间隔，非正值默认 5s。
func NewWatcher(loader *Loader, path string, interval time.Duration, logger *zap.Logger) *Watcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Watcher{
		loader:   loader,
		path:     path,
		interval: interval,
		logger:   logger.With(zap.String("component", "config_watcher")),
		stop:     make(chan struct{}),
	}
}

// OnReload 注册重载回调。须在 Start 前调用。
func (w *Watcher) OnReload(fn ReloadFunc) {
	w.mu.Lock()
	w.callbacks = append(w.callbacks, fn)
	w.mu.Unlock()
}

// Start 启动轮询。ctx 取消或 Stop 调用后退出。
func (w *Watcher) Start(ctx context.Context) {
	if info, err := os.Stat(w.path); err == nil {
		w.lastMod = info.ModTime()
	}
	w.wg.Add(1)
	go w.loop(ctx)
}

// Stop 停止监听并等待轮询 goroutine 退出。
func (w *Watcher) Stop() {
	w.once.Do(func() { close(w.stop) })
	w.wg.Wait()
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		return
	}
	if !info.ModTime().After(w.lastMod) {
		return
	}
	w.lastMod = info.ModTime()

	cfg, err := w.loader.Load()
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous config",
			zap.String("path", w.path),
			zap.Error(err),
		)
		return
	}

	w.logger.Info("config reloaded", zap.String("path", w.path))
	w.mu.Lock()
	callbacks := make([]ReloadFunc, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()
	for _, fn := range callbacks {
		fn(cfg)
	}
}
