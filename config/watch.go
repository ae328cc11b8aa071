package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher 监听配置文件变化，重新加载并校验后回调。
// 监听所在目录而不是文件本身，编辑器通过 rename 覆盖文件时也能收到事件。
type Watcher struct {
	path     string
	cooldown time.Duration
	watcher  *fsnotify.Watcher

	mu         sync.Mutex
	lastReload time.Time

	// OnError 可选，重载失败或 watcher 错误时调用
	OnError func(error)
}

// NewWatcher 创建配置监听器
func NewWatcher(path string, cooldown time.Duration) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		fw.Close()
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	return &Watcher{path: abs, cooldown: cooldown, watcher: fw}, nil
}

// Run 阻塞直到 ctx 结束。
func (w *Watcher) Run(ctx context.Context, onUpdate func(AppConfig)) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch config dir: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload(onUpdate)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.reportError(err)
		}
	}
}

// Close 释放 fsnotify 资源
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

func (w *Watcher) reload(onUpdate func(AppConfig)) {
	w.mu.Lock()
	if w.cooldown > 0 && time.Since(w.lastReload) < w.cooldown {
		w.mu.Unlock()
		return
	}
	w.lastReload = time.Now()
	w.mu.Unlock()

	cfg, err := LoadWithEnvOverrides(w.path)
	if err != nil {
		w.reportError(fmt.Errorf("reload config: %w", err))
		return
	}
	if onUpdate != nil {
		onUpdate(cfg)
	}
}

func (w *Watcher) reportError(err error) {
	if w.OnError != nil {
		w.OnError(err)
	}
}

// RuntimeChanges 比较新旧配置，返回可热更新的字段变化以及需要重启才能生效的字段名。
func RuntimeChanges(old, updated AppConfig) (logLevel string, requestBalances *bool, restartRequired []string) {
	if updated.Logging.Level != old.Logging.Level {
		logLevel = updated.Logging.Level
	}
	if updated.Grid.RequestBalances != old.Grid.RequestBalances {
		v := updated.Grid.RequestBalances
		requestBalances = &v
	}
	og, ng := old.Grid, updated.Grid
	if og.OrdersCount != ng.OrdersCount {
		restartRequired = append(restartRequired, "grid.ordersCount")
	}
	if !og.TradeAmount.Equal(ng.TradeAmount) {
		restartRequired = append(restartRequired, "grid.tradeAmount")
	}
	if !og.MinimalProfit.Equal(ng.MinimalProfit) || !og.MaximalProfit.Equal(ng.MaximalProfit) {
		restartRequired = append(restartRequired, "grid.profitBand")
	}
	if og.Accumulate != ng.Accumulate {
		restartRequired = append(restartRequired, "grid.accumulate")
	}
	if og.StopAfterPump != ng.StopAfterPump {
		restartRequired = append(restartRequired, "grid.stopAfterPump")
	}
	if og.UpdatePeriodSec != ng.UpdatePeriodSec {
		restartRequired = append(restartRequired, "grid.botBehaviourUpdatePeriod")
	}
	if old.TradeSymbol != updated.TradeSymbol {
		restartRequired = append(restartRequired, "tradeSymbol")
	}
	return logLevel, requestBalances, restartRequired
}
