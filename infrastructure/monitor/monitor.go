package monitor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"grid-maker-go/gateway"
)

// Monitor Prometheus监控指标收集器，注册在独立的 registry 上
type Monitor struct {
	registry *prometheus.Registry

	// 周期指标
	cycles        *prometheus.CounterVec
	cycleErrors   prometheus.Counter
	cycleDuration prometheus.Histogram
	halted        prometheus.Gauge

	// 订单指标
	ordersPlaced   *prometheus.CounterVec
	ordersCanceled *prometheus.CounterVec
	ordersRejected *prometheus.CounterVec
	fundsExhausted *prometheus.CounterVec
	orphans        prometheus.Counter
	nonContiguous  *prometheus.CounterVec
	retries        *prometheus.CounterVec

	// 网格状态
	avgPrice   prometheus.Gauge
	delta      prometheus.Gauge
	gridLevels *prometheus.GaugeVec

	// 系统指标
	restRequests  *prometheus.CounterVec
	restErrors    *prometheus.CounterVec
	restLatency   *prometheus.HistogramVec
	wsSubscribers prometheus.Gauge
	configReloads *prometheus.CounterVec
}

// Config 监控配置
type Config struct {
	Namespace string
	Subsystem string
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "gridbot",
		Subsystem: "grid",
	}
}

// New 创建新的Monitor实例
func New(cfg Config) *Monitor {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}
	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      name,
			Help:      help,
		})
	}

	return &Monitor{
		registry: reg,

		cycles:      counterVec("cycles_total", "网格周期数，按结果分类", "action"),
		cycleErrors: factory.NewCounter(prometheus.CounterOpts{Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, Name: "cycle_errors_total", Help: "失败的周期数"}),
		cycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "cycle_duration_seconds",
			Help:      "单次周期耗时（秒）",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		halted: gauge("halted", "stopAfterPump 触发后为 1"),

		ordersPlaced:   counterVec("orders_placed_total", "下单总数", "side"),
		ordersCanceled: counterVec("orders_canceled_total", "撤单总数", "reason"),
		ordersRejected: counterVec("orders_rejected_total", "被放弃的档位", "side", "reason"),
		fundsExhausted: counterVec("insufficient_funds_total", "余额不足导致整侧跳过的次数", "side"),
		orphans:        factory.NewCounter(prometheus.CounterOpts{Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, Name: "orphan_orders_total", Help: "发现的孤儿订单"}),
		nonContiguous:  counterVec("non_contiguous_fills_total", "近档仍挂单时远档已关闭的订单数，每个订单只计一次", "side"),
		retries:        counterVec("retries_total", "交易所调用重试次数", "op"),

		avgPrice:   gauge("avg_price", "网格中心价"),
		delta:      gauge("delta", "网格步长"),
		gridLevels: factory.NewGaugeVec(prometheus.GaugeOpts{Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, Name: "levels", Help: "每侧挂单档数"}, []string{"side"}),

		restRequests: counterVec("rest_requests_total", "REST 请求数", "action"),
		restErrors:   counterVec("rest_errors_total", "REST 错误数", "action"),
		restLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "rest_latency_seconds",
			Help:      "REST 延迟分布（秒）",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"action"}),
		wsSubscribers: gauge("ws_subscribers", "状态推送订阅者数量"),
		configReloads: counterVec("config_reloads_total", "配置热加载次数", "result"),
	}
}

// 周期相关方法
func (m *Monitor) RecordCycle(action string, d time.Duration, err error) {
	m.cycles.WithLabelValues(action).Inc()
	m.cycleDuration.Observe(d.Seconds())
	if err != nil {
		m.cycleErrors.Inc()
	}
}

func (m *Monitor) SetHalted(v bool) {
	if v {
		m.halted.Set(1)
		return
	}
	m.halted.Set(0)
}

// 订单相关方法，实现 grid.Recorder
func (m *Monitor) OrderPlaced(side gateway.Side) {
	m.ordersPlaced.WithLabelValues(string(side)).Inc()
}

func (m *Monitor) OrderRejected(side gateway.Side, reason string) {
	m.ordersRejected.WithLabelValues(string(side), reason).Inc()
}

func (m *Monitor) OrderCanceled(reason string) {
	m.ordersCanceled.WithLabelValues(reason).Inc()
}

func (m *Monitor) FundsExhausted(side gateway.Side) {
	m.fundsExhausted.WithLabelValues(string(side)).Inc()
}

func (m *Monitor) OrphanFound() {
	m.orphans.Inc()
}

func (m *Monitor) NonContiguousFill(side gateway.Side) {
	m.nonContiguous.WithLabelValues(string(side)).Inc()
}

func (m *Monitor) RetryAttempt(op string) {
	m.retries.WithLabelValues(op).Inc()
}

func (m *Monitor) GridUpdated(avgPrice, delta decimal.Decimal, sells, buys int) {
	m.avgPrice.Set(avgPrice.InexactFloat64())
	m.delta.Set(delta.InexactFloat64())
	m.gridLevels.WithLabelValues(string(gateway.Sell)).Set(float64(sells))
	m.gridLevels.WithLabelValues(string(gateway.Buy)).Set(float64(buys))
}

// 系统相关方法
func (m *Monitor) RecordRESTRequest(action string, d time.Duration, err error) {
	m.restRequests.WithLabelValues(action).Inc()
	m.restLatency.WithLabelValues(action).Observe(d.Seconds())
	if err != nil {
		m.restErrors.WithLabelValues(action).Inc()
	}
}

func (m *Monitor) SetWSSubscribers(n int) {
	m.wsSubscribers.Set(float64(n))
}

func (m *Monitor) RecordConfigReload(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	m.configReloads.WithLabelValues(result).Inc()
}

// Handler 返回HTTP handler用于暴露指标
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回prometheus registry
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}
