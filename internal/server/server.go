package server

import (
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shaunagostinho/ecometer-dash/internal/ecometer"
	"github.com/shaunagostinho/ecometer-dash/internal/logger"
)

// Server serves the dashboard and pushes every live reading from the
// session to WebSocket clients.
type Server struct {
	cfg     *Config
	session *ecometer.Session
	dataLog *logger.Logger
	webFS   fs.FS

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Measurement *ecometer.Measurement `json:"measurement,omitempty"`
	Tank        *TankInfo             `json:"tank,omitempty"`
	Config      *DisplayConfig        `json:"config,omitempty"`
	Status      *Status               `json:"status,omitempty"`
	Stamp       int64                 `json:"stamp"` // Unix ms
}

// TankInfo describes the configured tank.
type TankInfo struct {
	Port        string `json:"port"`
	Height      int    `json:"height"` // offset + tank height
	MaxDistance int    `json:"maxDistance"`
}

// Status reports the health of the read loop.
type Status struct {
	State string         `json:"state"`
	Error string         `json:"error,omitempty"`
	Stats ecometer.Stats `json:"stats"`
}

// New creates a Server and subscribes it to the session's readings. dataLog
// may be nil; when set, config updates toggle CSV recording at runtime.
func New(cfg *Config, session *ecometer.Session, dataLog *logger.Logger, webFS fs.FS) *Server {
	s := &Server{
		cfg:     cfg,
		session: session,
		dataLog: dataLog,
		webFS:   webFS,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	session.AddObserver(s.onMeasurement)
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Serve embedded web files
	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}

	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/measurement", s.handleMeasurement)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/config", s.handleConfig)
	return mux
}

// Run starts the HTTP server and the periodic status broadcast. It returns
// when ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	go s.statusLoop(ctx)

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", s.cfg.Server.ListenAddr)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// onMeasurement runs on the session goroutine; broadcast never blocks.
func (s *Server) onMeasurement(_ *ecometer.Session, m ecometer.Measurement) {
	s.broadcast(Frame{Measurement: &m, Stamp: time.Now().UnixMilli()})
}

func (s *Server) statusLoop(ctx context.Context) {
	interval := time.Duration(s.cfg.Server.StatusIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := s.status()
			s.broadcast(Frame{Status: &st, Stamp: time.Now().UnixMilli()})
		}
	}
}

func (s *Server) status() Status {
	st := Status{
		State: s.session.State().String(),
		Stats: s.session.Stats(),
	}
	if err := s.session.Err(); err != nil {
		st.Error = err.Error()
	}
	return st
}

func (s *Server) tankInfo() *TankInfo {
	return &TankInfo{
		Port:        s.session.Config().Port,
		Height:      s.session.Height(),
		MaxDistance: ecometer.MaxDistance,
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	// Send initial config, tank and the last reading before registering,
	// so it is the first message the client sees.
	display := s.cfg.DisplaySnapshot()
	status := s.status()
	hello := Frame{
		Config: &display,
		Tank:   s.tankInfo(),
		Status: &status,
		Stamp:  time.Now().UnixMilli(),
	}
	if m, ok := s.session.Latest(); ok {
		hello.Measurement = &m
	}
	if data, err := json.Marshal(hello); err == nil {
		client.send <- data
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	log.Printf("[ws] client connected (%d total)", n)

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (handle incoming messages / keep-alive)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			close(client.send)
			s.clientsMu.Unlock()
			log.Printf("[ws] client disconnected (%d total)", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) handleMeasurement(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	m, ok := s.session.Latest()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, m)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, struct {
		Status
		Tank *TankInfo `json:"tank"`
	}{s.status(), s.tankInfo()})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Printf("[config] save failed: %v", err)
		}
		if s.dataLog != nil {
			s.dataLog.SetEnabled(s.cfg.LoggingEnabled())
		}
		// Broadcast updated display settings
		display := s.cfg.DisplaySnapshot()
		s.broadcast(Frame{Config: &display, Stamp: time.Now().UnixMilli()})

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}
