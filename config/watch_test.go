package config

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherTriggersOnChange(t *testing.T) {
	path := writeTempConfig(t, baseConfig)
	w, err := NewWatcher(path, 0)
	require.NoError(t, err)
	defer w.Close()

	updates := make(chan AppConfig, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx, func(cfg AppConfig) { updates <- cfg })

	// 等待 watcher 注册目录
	time.Sleep(100 * time.Millisecond)
	changed := strings.Replace(baseConfig, "env: dev", "env: dev\nlogging:\n  level: debug\n  outputs: [stdout]", 1)
	require.NoError(t, os.WriteFile(path, []byte(changed), 0o644))

	select {
	case cfg := <-updates:
		assert.Equal(t, "debug", cfg.Logging.Level)
	case <-time.After(3 * time.Second):
		t.Fatalf("expected reload after write")
	}
}

func TestWatcherReportsInvalidConfig(t *testing.T) {
	path := writeTempConfig(t, baseConfig)
	w, err := NewWatcher(path, 0)
	require.NoError(t, err)
	defer w.Close()

	errs := make(chan error, 4)
	w.OnError = func(err error) { errs <- err }
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx, func(AppConfig) { t.Errorf("invalid config must not be applied") })

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("env: dev\ntradeSymbol: nope\n"), 0o644))

	select {
	case err := <-errs:
		assert.Contains(t, err.Error(), "reload config")
	case <-time.After(3 * time.Second):
		t.Fatalf("expected reload error")
	}
}

func TestWatcherStopsOnCancel(t *testing.T) {
	w, err := NewWatcher(writeTempConfig(t, baseConfig), 0)
	require.NoError(t, err)
	defer w.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, w.Run(ctx, nil), context.Canceled)
}

func TestRuntimeChanges(t *testing.T) {
	old, err := Load(writeTempConfig(t, baseConfig))
	require.NoError(t, err)
	updated := old
	updated.Logging.Level = "warn"
	updated.Grid.RequestBalances = true
	updated.Grid.OrdersCount = 5

	level, balances, restart := RuntimeChanges(old, updated)
	assert.Equal(t, "warn", level)
	require.NotNil(t, balances)
	assert.True(t, *balances)
	assert.Equal(t, []string{"grid.ordersCount"}, restart)

	level, balances, restart = RuntimeChanges(old, old)
	assert.Empty(t, level)
	assert.Nil(t, balances)
	assert.Empty(t, restart)
}
