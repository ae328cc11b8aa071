package container

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"grid-maker-go/config"
	"grid-maker-go/gateway"
	"grid-maker-go/infrastructure/alert"
	"grid-maker-go/infrastructure/logger"
	"grid-maker-go/infrastructure/monitor"
	"grid-maker-go/internal/engine"
	"grid-maker-go/internal/grid"
	"grid-maker-go/internal/retry"
	"grid-maker-go/internal/status"
	"grid-maker-go/internal/store"
)

// Container 依赖注入容器，管理所有组件的生命周期
type Container struct {
	// 配置
	cfgMu      sync.Mutex
	cfg        config.AppConfig
	configPath string

	// 基础设施
	logger  *logger.Logger
	monitor *monitor.Monitor
	alerts  *alert.Manager
	store   store.Store

	// 交易所网关
	exchange gateway.Exchange

	// 核心服务
	grid   *grid.Engine
	loop   *engine.Loop
	status *status.Server

	// HTTP服务器
	httpServer *http.Server

	// 生命周期管理
	lifecycle *LifecycleManager

	// 测试中替换
	notifier engine.Notifier
}

// New 加载配置文件并创建 Container
func New(configPath string) (*Container, error) {
	cfg, err := config.LoadWithEnvOverrides(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	c := NewFromConfig(cfg)
	c.configPath = configPath
	return c, nil
}

// NewFromConfig 使用已加载的配置，不监听配置文件
func NewFromConfig(cfg config.AppConfig) *Container {
	return &Container{
		cfg:       cfg,
		lifecycle: NewLifecycleManager(),
	}
}

// SetMetricsAddr 覆盖配置中的 HTTP 监听地址，需在 Build 之前调用
func (c *Container) SetMetricsAddr(addr string) {
	c.cfgMu.Lock()
	c.cfg.Metrics.Addr = addr
	c.cfgMu.Unlock()
}

// Build 构建所有组件
func (c *Container) Build(ctx context.Context) error {
	if err := c.buildInfrastructure(ctx); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}

	if err := c.buildGateway(); err != nil {
		return fmt.Errorf("build gateway failed: %w", err)
	}

	if err := c.buildCoreServices(); err != nil {
		return fmt.Errorf("build core services failed: %w", err)
	}

	c.registerLifecycleComponents()
	c.logger.Info("container built",
		zap.String("env", c.cfg.Env),
		zap.String("symbol", c.cfg.TradeSymbol),
		zap.String("exchange", c.exchange.Name()),
		zap.Bool("dry_run", c.cfg.DryRun))
	return nil
}

func (c *Container) buildInfrastructure(ctx context.Context) error {
	var err error
	c.logger, err = logger.New(c.cfg.Logging)
	if err != nil {
		return fmt.Errorf("create logger failed: %w", err)
	}
	c.logger = c.logger.WithFields(map[string]interface{}{"instance": uuid.NewString()})

	c.monitor = monitor.New(monitor.DefaultConfig())

	channels := []alert.Channel{alert.NewLogChannel("log", c.logger)}
	if c.cfg.Alerts.WebhookURL != "" {
		channels = append(channels, alert.NewWebhookChannel("webhook", c.cfg.Alerts.WebhookURL, c.cfg.Exchange.Timeout()))
	}
	c.alerts = alert.NewManager(channels, time.Duration(c.cfg.Alerts.ThrottleSec)*time.Second)

	c.store, err = OpenStore(ctx, c.cfg.Storage)
	if err != nil {
		return err
	}
	c.logger.Info("infrastructure built", zap.String("storage", c.cfg.Storage.Driver))
	return nil
}

func (c *Container) buildGateway() error {
	ex, err := NewExchange(c.cfg, c.store, c.monitor)
	if err != nil {
		return err
	}
	c.exchange = ex
	return nil
}

func (c *Container) buildCoreServices() error {
	mode, err := grid.ParseAccumulate(c.cfg.Grid.Accumulate)
	if err != nil {
		return err
	}
	retries := RetryPolicies(c.cfg)
	c.grid, err = grid.New(grid.Options{
		Exchange: c.exchange,
		Store:    c.store,
		Logger:   c.logger,
		Recorder: c.monitor,
		Params: grid.Params{
			Symbol:        c.cfg.TradeSymbol,
			OrdersCount:   c.cfg.Grid.OrdersCount,
			TradeAmount:   c.cfg.Grid.TradeAmount,
			MinimalProfit: c.cfg.Grid.MinimalProfit,
			MaximalProfit: c.cfg.Grid.MaximalProfit,
			Accumulate:    mode,
			StopAfterPump: c.cfg.Grid.StopAfterPump,
		},
		Retries:         retries,
		RequestBalances: c.cfg.Grid.RequestBalances,
	})
	if err != nil {
		return fmt.Errorf("create grid engine failed: %w", err)
	}

	notifier := c.notifier
	if notifier == nil {
		notifier = engine.SystemdNotifier{Logger: c.logger}
	}
	c.loop, err = engine.New(engine.Config{
		Symbol: c.cfg.TradeSymbol,
		Period: c.cfg.Grid.UpdatePeriod(),
	}, engine.Components{
		Engine:      c.grid,
		Exchange:    c.exchange,
		Store:       c.store,
		Logger:      c.logger,
		Recorder:    c.monitor,
		Notifier:    notifier,
		MarketRetry: RetryPolicies(c.cfg).Market,
		Publish:     c.publish,
	})
	if err != nil {
		return fmt.Errorf("create control loop failed: %w", err)
	}

	c.status = status.NewServer(c.cfg.TradeSymbol, c.grid, c.loop, c.logger)
	c.status.OnSubscribers = c.monitor.SetWSSubscribers
	return nil
}

func (c *Container) publish(rep grid.Report, err error) {
	c.status.Publish(rep)
	if aerr := c.alerts.Notify(c.cfg.TradeSymbol, rep, err); aerr != nil {
		c.logger.Warn("alert delivery failed", zap.Error(aerr))
	}
}

func (c *Container) registerLifecycleComponents() {
	if c.cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", c.monitor.Handler())
		c.status.Register(mux)
		c.lifecycle.Register(&httpServerComponent{
			name:    "status_server",
			handler: mux,
			addr:    c.cfg.Metrics.Addr,
			logger:  c.logger,
			server:  &c.httpServer,
		})
	}
	if c.configPath != "" {
		c.lifecycle.Register(&configWatchComponent{
			path:     c.configPath,
			cooldown: time.Second,
			logger:   c.logger,
			onUpdate: c.applyConfig,
			onError: func(err error) {
				c.monitor.RecordConfigReload(false)
				c.logger.Warn("config reload rejected", zap.Error(err))
			},
		})
	}
}

// applyConfig 热更新可以在运行期间调整的字段，其余字段提示重启
func (c *Container) applyConfig(updated config.AppConfig) {
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()

	level, reqBalances, restart := config.RuntimeChanges(c.cfg, updated)
	if level != "" {
		if err := c.logger.SetLevel(level); err != nil {
			c.monitor.RecordConfigReload(false)
			c.logger.Warn("config reload rejected", zap.Error(err))
			return
		}
		c.cfg.Logging.Level = level
		c.logger.Info("log level changed", zap.String("level", level))
	}
	if reqBalances != nil {
		c.grid.SetRequestBalances(*reqBalances)
		c.cfg.Grid.RequestBalances = *reqBalances
		c.logger.Info("requestBalances changed", zap.Bool("enabled", *reqBalances))
	}
	if len(restart) > 0 {
		c.logger.Warn("config changes require restart", zap.Strings("fields", restart))
	}
	c.monitor.RecordConfigReload(true)
}

// Run 启动 HTTP 服务和配置监听，然后阻塞运行控制循环
func (c *Container) Run(ctx context.Context) error {
	c.logger.Info("starting container...")
	if err := c.lifecycle.StartAll(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}
	err := c.loop.Run(ctx)
	if err != nil {
		c.logger.Error("control loop exited with error", zap.Error(err))
	}
	return err
}

// Reset 撤销所有已跟踪的网格订单并清空状态
func (c *Container) Reset(ctx context.Context) error {
	if err := c.exchange.LoadMarkets(ctx); err != nil {
		return fmt.Errorf("load markets: %w", err)
	}
	if err := c.grid.Reset(ctx); err != nil {
		return err
	}
	return c.store.Commit(context.WithoutCancel(ctx))
}

// Stop 逆序停止组件并关闭存储
func (c *Container) Stop() error {
	c.logger.Info("stopping container...")

	var errs []error
	if err := c.lifecycle.StopAll(); err != nil {
		errs = append(errs, err)
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "stop"})
	}
	c.logger.Info("container stopped")
	_ = c.logger.Close()
	return err
}

func (c *Container) HealthCheck() error {
	return c.lifecycle.CheckHealth()
}

// Grid 网格引擎
func (c *Container) Grid() *grid.Engine { return c.grid }

// Loop 控制循环
func (c *Container) Loop() *engine.Loop { return c.loop }

// Logger 日志器
func (c *Container) Logger() *logger.Logger { return c.logger }

// OpenStore 按配置打开状态存储
func OpenStore(ctx context.Context, cfg config.StorageConfig) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		st, err := store.OpenSQLite(ctx, cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open storage failed: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

// NewExchange 按配置创建交易所网关；mon 可为 nil
func NewExchange(cfg config.AppConfig, st store.Store, mon *monitor.Monitor) (gateway.Exchange, error) {
	if cfg.DryRun {
		p := cfg.Exchange.Paper
		return gateway.NewPaperExchange(gateway.PaperOptions{
			Symbol:          cfg.TradeSymbol,
			Bid:             p.Bid,
			Ask:             p.Ask,
			MakerFee:        p.MakerFee,
			AmountPrecision: cfg.Exchange.AmountPrecision,
			Balances:        p.Balances,
		})
	}
	if cfg.Exchange.ID != "exmo" {
		return nil, fmt.Errorf("unsupported exchange %q", cfg.Exchange.ID)
	}
	nonce := st.NextNonce
	if cfg.NonceAsTime {
		nonce = TimeNonce(time.Now)
	}
	client := gateway.NewExmoClient(
		cfg.Exchange.BaseURL,
		cfg.Exchange.APIKey,
		cfg.Exchange.APISecret,
		cfg.Exchange.Timeout(),
		nonce,
		gateway.NewTokenBucketLimiter(cfg.Exchange.RateLimit, cfg.Exchange.RateBurst),
	)
	client.AmountPrecision = cfg.Exchange.AmountPrecision
	if mon != nil {
		client.Observe = mon.RecordRESTRequest
	}
	return client, nil
}

// TimeNonce 毫秒时间戳 nonce，同一毫秒内或时钟回拨时仍保持递增
func TimeNonce(now func() time.Time) gateway.NonceSource {
	var (
		mu   sync.Mutex
		last int64
	)
	return func(ctx context.Context) (int64, error) {
		mu.Lock()
		defer mu.Unlock()
		n := now().UnixMilli()
		if n <= last {
			n = last + 1
		}
		last = n
		return n, nil
	}
}

// RetryPolicies 由配置生成网格引擎的重试策略
func RetryPolicies(cfg config.AppConfig) grid.Retries {
	backoff := time.Duration(cfg.Retry.BackoffMs) * time.Millisecond
	maxBackoff := time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond
	return grid.Retries{
		// 网络错误立即重发
		Network: retry.Policy{MaxAttempts: cfg.Retry.MaxAttempts},
		Orders: retry.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			Delay:       cfg.Exchange.Timeout(),
		},
		Market: retry.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			Delay:       backoff,
			MaxDelay:    maxBackoff,
			Multiplier:  2,
		},
	}
}
