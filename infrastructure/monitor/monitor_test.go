package monitor

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grid-maker-go/gateway"
)

func TestMonitorRecordsGridMetrics(t *testing.T) {
	m := New(DefaultConfig())

	m.OrderPlaced(gateway.Sell)
	m.OrderPlaced(gateway.Sell)
	m.OrderPlaced(gateway.Buy)
	m.OrderRejected(gateway.Buy, "exchange")
	m.OrderCanceled("replaced")
	m.FundsExhausted(gateway.Sell)
	m.OrphanFound()
	m.NonContiguousFill(gateway.Buy)
	m.RetryAttempt("place")
	m.GridUpdated(decimal.RequireFromString("101.5"), decimal.RequireFromString("2.25"), 3, 2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ordersPlaced.WithLabelValues("sell")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ordersPlaced.WithLabelValues("buy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ordersRejected.WithLabelValues("buy", "exchange")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.nonContiguous.WithLabelValues("buy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.orphans))
	assert.Equal(t, 101.5, testutil.ToFloat64(m.avgPrice))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.gridLevels.WithLabelValues("sell")))
}

func TestMonitorCycles(t *testing.T) {
	m := New(DefaultConfig())
	m.RecordCycle("idle", 10*time.Millisecond, nil)
	m.RecordCycle("abort", time.Second, errors.New("boom"))
	m.SetHalted(true)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.cycles.WithLabelValues("idle")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cycleErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.halted))
}

func TestMonitorHandlerExposesMetrics(t *testing.T) {
	m := New(DefaultConfig())
	m.RecordRESTRequest("order_create", 20*time.Millisecond, nil)
	m.RecordConfigReload(true)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.True(t, strings.Contains(string(body), "gridbot_grid_rest_requests_total"))
	assert.True(t, strings.Contains(string(body), "gridbot_grid_config_reloads_total"))
}
