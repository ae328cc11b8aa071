package alert

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"grid-maker-go/gateway"
	"grid-maker-go/internal/grid"
)

func TestNewManager(t *testing.T) {
	mgr := NewManager([]Channel{NewMockChannel("test")}, time.Minute)

	names := mgr.Channels()
	if len(names) != 1 || names[0] != "test" {
		t.Fatalf("channels = %v, want [test]", names)
	}
	mgr.AddChannel(NewLogChannel("log", nil))
	if len(mgr.Channels()) != 2 {
		t.Fatalf("expected 2 channels after AddChannel")
	}
}

func TestSendSetsTimestamp(t *testing.T) {
	mock := NewMockChannel("mock")
	mgr := NewManager([]Channel{mock}, time.Minute)

	if err := mgr.Warning("grid drift", map[string]interface{}{"symbol": "BTC/USD"}); err != nil {
		t.Fatalf("Warning failed: %v", err)
	}
	got := mock.Alerts()
	if len(got) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(got))
	}
	if got[0].Level != LevelWarning || got[0].Timestamp.IsZero() {
		t.Errorf("unexpected alert %+v", got[0])
	}
	if got[0].Fields["symbol"] != "BTC/USD" {
		t.Errorf("symbol field = %v", got[0].Fields["symbol"])
	}
}

func TestThrottling(t *testing.T) {
	mock := NewMockChannel("mock")
	mgr := NewManager([]Channel{mock}, time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mgr.now = func() time.Time { return now }

	_ = mgr.Critical("halted", nil)
	_ = mgr.Critical("halted", nil)
	_ = mgr.Warning("halted", nil) // 不同级别不限流
	if mock.Count() != 2 {
		t.Fatalf("expected 2 alerts, got %d", mock.Count())
	}

	now = now.Add(2 * time.Minute)
	_ = mgr.Critical("halted", nil)
	if mock.Count() != 3 {
		t.Fatalf("expected alert after interval, got %d", mock.Count())
	}

	mgr.ResetThrottle()
	_ = mgr.Critical("halted", nil)
	if mock.Count() != 4 {
		t.Fatalf("expected alert after reset, got %d", mock.Count())
	}
}

func TestAllChannelsFailing(t *testing.T) {
	a, b := NewMockChannel("a"), NewMockChannel("b")
	a.SetShouldError(true)
	mgr := NewManager([]Channel{a, b}, 0)

	if err := mgr.Warning("one fails", nil); err != nil {
		t.Fatalf("partial failure should not error: %v", err)
	}
	b.SetShouldError(true)
	if err := mgr.Warning("both fail", nil); err == nil {
		t.Fatal("expected error when every channel fails")
	}
}

func TestWebhookChannel(t *testing.T) {
	received := make(chan Alert, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		var a Alert
		if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		received <- a
	}))
	defer srv.Close()

	ch := NewWebhookChannel("hook", srv.URL, time.Second)
	if err := ch.Send(Alert{Level: LevelCritical, Message: "halted", Timestamp: time.Now()}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	a := <-received
	if a.Level != LevelCritical || a.Message != "halted" {
		t.Errorf("unexpected payload %+v", a)
	}

	bad := NewWebhookChannel("bad", srv.URL+"/missing", time.Second)
	if err := bad.Send(Alert{Level: LevelInfo, Message: "x"}); err == nil {
		t.Error("expected error on 404")
	}
}

func TestCycleAlerts(t *testing.T) {
	rep := grid.Report{
		Action:       grid.ActionRecenter,
		SkippedSides: []gateway.Side{gateway.Buy},
		Anomalies: []error{
			&grid.GapError{Side: gateway.Sell, Multiplier: 1, ID: "s1"},
			errors.New("something else"),
		},
	}
	got := CycleAlerts("BTC/USD", rep, nil)
	if len(got) != 2 {
		t.Fatalf("expected 2 alerts, got %d: %+v", len(got), got)
	}
	if got[0].Message != "non-contiguous fill" || got[0].Fields["order_id"] != "s1" {
		t.Errorf("unexpected gap alert %+v", got[0])
	}
	if got[1].Level != LevelWarning {
		t.Errorf("funds alert level = %s", got[1].Level)
	}

	got = CycleAlerts("BTC/USD", grid.Report{Action: grid.ActionHalt}, nil)
	if len(got) != 1 || got[0].Level != LevelCritical {
		t.Fatalf("halt should raise one critical alert, got %+v", got)
	}

	got = CycleAlerts("BTC/USD", grid.Report{Action: grid.ActionAbort}, grid.ErrUnknownAccumulate)
	if len(got) != 1 || got[0].Level != LevelCritical {
		t.Fatalf("policy error should be critical, got %+v", got)
	}

	if got := CycleAlerts("BTC/USD", grid.Report{Action: grid.ActionAbort}, context.Canceled); len(got) != 0 {
		t.Fatalf("cancellation should not alert, got %+v", got)
	}
}

func TestNotify(t *testing.T) {
	mock := NewMockChannel("mock")
	mgr := NewManager([]Channel{mock}, time.Minute)

	if err := mgr.Notify("BTC/USD", grid.Report{Action: grid.ActionHalt}, errors.New("boom")); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if mock.Count() != 2 {
		t.Fatalf("expected 2 alerts, got %d", mock.Count())
	}
}
