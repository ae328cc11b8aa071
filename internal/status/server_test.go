package status

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grid-maker-go/internal/engine"
	"grid-maker-go/internal/grid"
)

type stubGrid struct {
	state  grid.State
	halted bool
}

func (s stubGrid) State() grid.State { return s.state }
func (s stubGrid) Halted() bool      { return s.halted }

type stubLoop struct {
	state engine.EngineState
	stats engine.Statistics
}

func (s stubLoop) GetState() engine.EngineState { return s.state }
func (s stubLoop) Stats() engine.Statistics     { return s.stats }

func newTestServer(t *testing.T, loopState engine.EngineState) (*Server, *httptest.Server) {
	t.Helper()
	g := stubGrid{state: grid.State{
		AvgPrice: decimal.NewFromInt(101),
		Delta:    decimal.RequireFromString("2.2263"),
		Sell:     []grid.GridOrder{{Multiplier: 1, ID: "s1"}},
		Buy:      []grid.GridOrder{{Multiplier: -1, ID: "b1"}},
	}}
	srv := NewServer("BTC/USD", g, stubLoop{state: loopState, stats: engine.Statistics{Cycles: 7}}, nil)
	mux := http.NewServeMux()
	srv.Register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return srv, ts
}

func TestHealthz(t *testing.T) {
	_, ts := newTestServer(t, engine.StateRunning)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, ts = newTestServer(t, engine.StateHalted)
	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStateEndpoint(t *testing.T) {
	srv, ts := newTestServer(t, engine.StateRunning)
	srv.Publish(grid.Report{Action: grid.ActionBuild, Sells: 1, Buys: 1})

	resp, err := http.Get(ts.URL + "/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Symbol string `json:"symbol"`
		Loop   string `json:"loop"`
		Grid   struct {
			AvgPrice string           `json:"avg_price"`
			Sell     []grid.GridOrder `json:"sell_orders"`
		} `json:"grid"`
		Stats      engine.Statistics `json:"stats"`
		LastReport struct {
			Action string `json:"action"`
		} `json:"last_report"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "BTC/USD", body.Symbol)
	assert.Equal(t, "RUNNING", body.Loop)
	assert.Equal(t, "101", body.Grid.AvgPrice)
	assert.Equal(t, []grid.GridOrder{{Multiplier: 1, ID: "s1"}}, body.Grid.Sell)
	assert.EqualValues(t, 7, body.Stats.Cycles)
	assert.Equal(t, "build", body.LastReport.Action)
}

func TestCycleStream(t *testing.T) {
	srv, ts := newTestServer(t, engine.StateRunning)
	subs := make(chan int, 4)
	srv.OnSubscribers = func(n int) { subs <- n }

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/cycles"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	select {
	case n := <-subs:
		assert.Equal(t, 1, n)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber not registered")
	}

	srv.Publish(grid.Report{Action: grid.ActionRecenter, Placed: 4})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg struct {
		Type string `json:"type"`
		Data struct {
			Action string `json:"action"`
			Placed int    `json:"placed"`
		} `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "cycle", msg.Type)
	assert.Equal(t, "recenter", msg.Data.Action)
	assert.Equal(t, 4, msg.Data.Placed)
}
