// 配置文件变更监听。
//
// 轮询配置文件的修改时间与大小，变化时重新加载配置并回调。
package config

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ReloadFunc 接收重新加载后的配置
type ReloadFunc func(cfg *Config)

// Watcher 监听单个配置文件
type Watcher struct {
	loader   *Loader
	path     string
	interval time.Duration
	logger   *zap.Logger

	mu        sync.Mutex
	callbacks []ReloadFunc
	modTime   time.Time
	size      int64
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewWatcher 创建监听器，loader 用于重新加载，应与启动时使用的一致
func NewWatcher(loader *Loader, interval time.Duration, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Watcher{
		loader:   loader,
		path:     loader.configPath,
		interval: interval,
		logger:   logger.With(zap.String("component", "config_watcher")),
	}
}

// OnReload 注册回调
func (w *Watcher) OnReload(fn ReloadFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Start 开始轮询
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}
	if w.path == "" {
		return fmt.Errorf("no config path to watch")
	}
	if info, err := os.Stat(w.path); err == nil {
		w.modTime, w.size = info.ModTime(), info.Size()
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true
	go w.loop(loopCtx, w.done)

	w.logger.Info("config watcher started",
		zap.String("path", w.path),
		zap.Duration("interval", w.interval))
	return nil
}

// Stop 停止轮询
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.cancel()
	done := w.done
	w.mu.Unlock()

	<-done
}

func (w *Watcher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Check()
		}
	}
}

// Check 检查一次文件，有变化时重新加载；返回是否触发了回调
func (w *Watcher) Check() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		return false
	}

	w.mu.Lock()
	if info.ModTime().Equal(w.modTime) && info.Size() == w.size {
		w.mu.Unlock()
		return false
	}
	w.modTime, w.size = info.ModTime(), info.Size()
	callbacks := append([]ReloadFunc(nil), w.callbacks...)
	w.mu.Unlock()

	cfg, err := w.loader.Load()
	if err != nil {
		// 保留旧配置
		w.logger.Warn("config reload failed", zap.String("path", w.path), zap.Error(err))
		return false
	}

	w.logger.Info("config reloaded", zap.String("path", w.path))
	for _, cb := range callbacks {
		cb(cfg)
	}
	return true
}
