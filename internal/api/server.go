// Package api provides the HTTP/WebSocket control surface: health, Prometheus
// metrics, and read-only diagnostics/position endpoints. The engine itself never
// depends on this package; it is a thin external shell over the engine's snapshot
// accessors and the diagnostics tracer's recent-event buffer.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/atlas-desktop/breakout-engine/internal/diagnostics"
	"github.com/atlas-desktop/breakout-engine/internal/engine"
	"github.com/atlas-desktop/breakout-engine/internal/position"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Config configures the HTTP server's address and timeouts.
type Config struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	WebSocketPath   string
	BroadcastPeriod time.Duration
}

// DefaultConfig returns sane HTTP server defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8080,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		WebSocketPath:   "/ws/diagnostics",
		BroadcastPeriod: 2 * time.Second,
	}
}

// Server is the read-only HTTP/WebSocket control surface over a running Engine.
type Server struct {
	logger *zap.Logger
	cfg    Config

	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader

	engine   *engine.Engine
	tracer   *diagnostics.Tracer
	registry *prometheus.Registry

	mu      sync.RWMutex
	clients map[string]*client
	stopCh  chan struct{}
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// New constructs a Server wired to a running engine and its diagnostics tracer.
func New(logger *zap.Logger, cfg Config, eng *engine.Engine, tracer *diagnostics.Tracer, registry *prometheus.Registry) *Server {
	s := &Server{
		logger:   logger.Named("api"),
		cfg:      cfg,
		router:   mux.NewRouter(),
		engine:   eng,
		tracer:   tracer,
		registry: registry,
		clients:  make(map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/api/v1/positions", s.handlePositions).Methods("GET")
	s.router.HandleFunc("/api/v1/positions/recent", s.handleRecentPositions).Methods("GET")
	s.router.HandleFunc("/api/v1/diagnostics/recent", s.handleRecentTraces).Methods("GET")
	s.router.HandleFunc("/api/v1/diagnostics/reasons", s.handleReasonCounts).Methods("GET")
	s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods("GET")
	s.router.HandleFunc(s.cfg.WebSocketPath, s.handleWebSocket)
}

// Start starts the HTTP server and the diagnostics-broadcast loop. Blocks until Stop
// shuts the server down.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.stopCh = make(chan struct{})
	go s.broadcastLoop()

	s.logger.Info("starting API server", zap.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully shuts down the HTTP server and closes every WebSocket client.
func (s *Server) Stop(ctx context.Context) error {
	if s.stopCh != nil {
		close(s.stopCh)
	}

	s.mu.Lock()
	for _, c := range s.clients {
		c.conn.Close()
	}
	s.mu.Unlock()

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	m := s.engine.Metrics()
	writeJSON(w, map[string]interface{}{
		"status":                 "ok",
		"state":                  s.engine.State(),
		"cycle_count":            m.CycleCount,
		"error_count":            m.ErrorCount,
		"last_cycle_duration_ms": m.LastCycleDurationMs,
		"last_cycle_at":          m.LastCycleAt,
		"equity":                 m.Equity,
		"open_positions":         m.OpenPositions,
		"time":                   time.Now().Unix(),
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{"positions": s.positionManager().Active()})
}

func (s *Server) handleRecentPositions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}
	writeJSON(w, map[string]interface{}{"positions": s.positionManager().Recent(limit)})
}

// positionManager returns the engine's Position manager through its exported
// PositionManager accessor, so handlers don't reach into engine internals.
func (s *Server) positionManager() *position.Manager {
	return s.engine.PositionManager()
}

func (s *Server) handleRecentTraces(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}
	writeJSON(w, map[string]interface{}{"events": s.tracer.Recent(limit)})
}

func (s *Server) handleReasonCounts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{"reasons": s.tracer.ReasonCounts()})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{id: uuid.New().String(), conn: conn, send: make(chan []byte, 64)}
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	s.logger.Info("diagnostics client connected", zap.String("id", c.id))
	go s.writePump(c)
	go s.readPump(c)
}

// readPump only watches for client disconnects; this is a read-only feed with no
// inbound command protocol.
func (s *Server) readPump(c *client) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, c.id)
		s.mu.Unlock()
		c.conn.Close()
		s.logger.Info("diagnostics client disconnected", zap.String("id", c.id))
	}()

	c.conn.SetReadLimit(4096)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// broadcastLoop periodically pushes the most recent trace events to every connected
// diagnostics WebSocket client.
func (s *Server) broadcastLoop() {
	ticker := time.NewTicker(s.cfg.BroadcastPeriod)
	defer ticker.Stop()

	var lastCount int
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			recent := s.tracer.Recent(200)
			if len(recent) <= lastCount {
				continue
			}
			fresh := recent[lastCount:]
			lastCount = len(recent)

			payload, err := json.Marshal(map[string]interface{}{"events": fresh})
			if err != nil {
				continue
			}
			s.mu.RLock()
			for _, c := range s.clients {
				select {
				case c.send <- payload:
				default:
				}
			}
			s.mu.RUnlock()
		}
	}
}
