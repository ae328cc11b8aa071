package status

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"grid-maker-go/infrastructure/logger"
	"grid-maker-go/internal/engine"
	"grid-maker-go/internal/grid"
)

// LoopInfo 控制循环的只读视图
type LoopInfo interface {
	GetState() engine.EngineState
	Stats() engine.Statistics
}

// StateSource 网格引擎的只读视图
type StateSource interface {
	State() grid.State
	Halted() bool
}

type outboundMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type stateResponse struct {
	Symbol     string            `json:"symbol"`
	Loop       string            `json:"loop"`
	Halted     bool              `json:"halted"`
	Grid       grid.State        `json:"grid"`
	Stats      engine.Statistics `json:"stats"`
	LastReport *grid.Report      `json:"last_report,omitempty"`
}

// Server /state、/healthz 和 /ws/cycles
type Server struct {
	symbol   string
	grid     StateSource
	loop     LoopInfo
	hub      *Hub[grid.Report]
	upgrader websocket.Upgrader
	log      *logger.Logger

	// OnSubscribers 可选，订阅数变化时调用（指标）
	OnSubscribers func(n int)

	mu   sync.RWMutex
	last *grid.Report
}

func NewServer(symbol string, g StateSource, loop LoopInfo, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewNop()
	}
	return &Server{
		symbol:   symbol,
		grid:     g,
		loop:     loop,
		hub:      NewHub[grid.Report](),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		log:      log,
	}
}

// Publish 记录并推送一次周期报告，不阻塞
func (s *Server) Publish(rep grid.Report) {
	s.mu.Lock()
	r := rep
	s.last = &r
	s.mu.Unlock()
	s.hub.Broadcast(rep)
}

// Register 挂载路由
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/state", s.handleState)
	mux.HandleFunc("/ws/cycles", s.handleCycleStream)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := engine.StateIdle
	if s.loop != nil {
		state = s.loop.GetState()
	}
	code := http.StatusOK
	if state != engine.StateRunning {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": state.String()})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	resp := stateResponse{Symbol: s.symbol, Loop: engine.StateIdle.String()}
	if s.grid != nil {
		resp.Grid = s.grid.State()
		resp.Halted = s.grid.Halted()
	}
	if s.loop != nil {
		resp.Loop = s.loop.GetState().String()
		resp.Stats = s.loop.Stats()
	}
	s.mu.RLock()
	resp.LastReport = s.last
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCycleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sub := s.hub.Subscribe(32)
	s.subscribersChanged()
	defer func() {
		s.hub.Unsubscribe(sub)
		s.subscribersChanged()
	}()

	// 读循环只用于感知客户端断开
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case rep, ok := <-sub.C:
			if !ok {
				return
			}
			if err := conn.WriteJSON(outboundMessage{Type: "cycle", Data: rep}); err != nil {
				return
			}
		}
	}
}

func (s *Server) subscribersChanged() {
	if s.OnSubscribers != nil {
		s.OnSubscribers(s.hub.Len())
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
