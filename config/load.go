package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"grid-maker-go/infrastructure/logger"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env         string         `yaml:"env"`
	TradeSymbol string         `yaml:"tradeSymbol"` // BASE/QUOTE，例如 BTC/USD
	NonceAsTime bool           `yaml:"nonceAsTime"` // true 时 nonce 使用毫秒时间戳而不是持久化计数器
	DryRun      bool           `yaml:"dryRun"`      // 使用内存撮合的 paper 交易所
	Exchange    ExchangeConfig `yaml:"exchange"`
	Grid        GridConfig     `yaml:"grid"`
	Retry       RetryConfig    `yaml:"retry"`
	Storage     StorageConfig  `yaml:"storage"`
	Logging     logger.Config  `yaml:"logging"`
	Metrics     MetricsConfig  `yaml:"metrics"`
	Alerts      AlertsConfig   `yaml:"alerts"`
}

type ExchangeConfig struct {
	ID              string      `yaml:"id"`
	APIKey          string      `yaml:"apiKey"`
	APISecret       string      `yaml:"apiSecret"`
	BaseURL         string      `yaml:"baseURL"`
	TimeoutMs       int         `yaml:"timeoutMs"`       // 单次请求超时，也是网络错误后的等待时间
	RateLimit       float64     `yaml:"rateLimit"`       // 每秒请求数
	RateBurst       int         `yaml:"rateBurst"`       // 突发请求数
	AmountPrecision int32       `yaml:"amountPrecision"` // 交易所未提供数量精度时使用
	Paper           PaperConfig `yaml:"paper"`
}

// PaperConfig 仅 dryRun 生效。
type PaperConfig struct {
	Bid      decimal.Decimal            `yaml:"bid"`
	Ask      decimal.Decimal            `yaml:"ask"`
	MakerFee decimal.Decimal            `yaml:"makerFee"`
	Balances map[string]decimal.Decimal `yaml:"balances"`
}

// GridConfig 网格参数，启动时校验一次，运行期间只读。
type GridConfig struct {
	OrdersCount     int             `yaml:"ordersCount"`              // 单侧网格层数
	TradeAmount     decimal.Decimal `yaml:"tradeAmount"`              // 卖单基础数量
	MinimalProfit   decimal.Decimal `yaml:"minimalProfit"`            // 目标利润区间下限（比例）
	MaximalProfit   decimal.Decimal `yaml:"maximalProfit"`            // 目标利润区间上限（比例）
	Accumulate      string          `yaml:"accumulate"`               // all / crypto / fiat
	StopAfterPump   bool            `yaml:"stopAfterPump"`            // 卖单耗尽后停止
	UpdatePeriodSec float64         `yaml:"botBehaviourUpdatePeriod"` // 周期（秒）
	RequestBalances bool            `yaml:"requestBalances"`          // 诊断：记录余额
}

type RetryConfig struct {
	MaxAttempts  int `yaml:"maxAttempts"`
	BackoffMs    int `yaml:"backoffMs"`
	MaxBackoffMs int `yaml:"maxBackoffMs"`
}

type StorageConfig struct {
	Driver string `yaml:"driver"` // sqlite / memory
	Path   string `yaml:"path"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"` // 为空时不启动 HTTP 服务
}

type AlertsConfig struct {
	WebhookURL  string `yaml:"webhookURL"`
	ThrottleSec int    `yaml:"throttleSec"` // 相同告警的最小间隔
}

// UpdatePeriod 周期转换为 time.Duration。
func (g GridConfig) UpdatePeriod() time.Duration {
	return time.Duration(g.UpdatePeriodSec * float64(time.Second))
}

// Timeout 请求超时。
func (e ExchangeConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutMs) * time.Millisecond
}

// Pair 将 BASE/QUOTE 拆分。
func (c AppConfig) Pair() (base, quote string) {
	parts := strings.SplitN(c.TradeSymbol, "/", 2)
	if len(parts) != 2 {
		return c.TradeSymbol, ""
	}
	return parts[0], parts[1]
}

// applyDefaults 填充可选字段。
func applyDefaults(cfg *AppConfig) {
	if cfg.Exchange.ID == "" {
		cfg.Exchange.ID = "exmo"
	}
	if cfg.Exchange.TimeoutMs <= 0 {
		cfg.Exchange.TimeoutMs = 10000
	}
	if cfg.Exchange.RateLimit <= 0 {
		cfg.Exchange.RateLimit = 5
	}
	if cfg.Exchange.RateBurst <= 0 {
		cfg.Exchange.RateBurst = 10
	}
	if cfg.Exchange.AmountPrecision <= 0 {
		cfg.Exchange.AmountPrecision = 8
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 10000
	}
	if cfg.Retry.BackoffMs <= 0 {
		cfg.Retry.BackoffMs = 500
	}
	if cfg.Retry.MaxBackoffMs <= 0 {
		cfg.Retry.MaxBackoffMs = 30000
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "storage.db"
	}
	if cfg.Alerts.ThrottleSec <= 0 {
		cfg.Alerts.ThrottleSec = 300
	}
	if cfg.Logging.Level == "" {
		cfg.Logging = logger.DefaultConfig()
	}
}

// Load reads YAML config from path and applies basic validation.
func Load(path string) (AppConfig, error) {
	var cfg AppConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	applyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads config then overrides sensitive fields from env vars if present.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	var cfg AppConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	applyDefaults(&cfg)
	if v := os.Getenv("GRIDBOT_API_KEY"); v != "" {
		cfg.Exchange.APIKey = v
	}
	if v := os.Getenv("GRIDBOT_API_SECRET"); v != "" {
		cfg.Exchange.APISecret = v
	}
	return cfg, Validate(cfg)
}
