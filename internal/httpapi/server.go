package httpapi

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"shiftbeep/internal/metrics"
	"shiftbeep/internal/models"
	"shiftbeep/internal/shifttable"
	"shiftbeep/internal/store"
)

// StatusSource provides the full status snapshot for /status
type StatusSource interface {
	StatusSnapshot() models.TelemetryData
}

// Server is the local HTTP API for overlays and debugging. It binds to
// the configured listen address, localhost by default.
type Server struct {
	config  *models.Config
	status  StatusSource
	tables  *shifttable.Store
	journal *store.Journal
	hub     *Hub

	httpServer *http.Server
}

// NewServer creates the API server. journal may be nil when alert
// journaling is not configured.
func NewServer(config *models.Config, status StatusSource, tables *shifttable.Store, journal *store.Journal) *Server {
	return &Server{
		config:  config,
		status:  status,
		tables:  tables,
		journal: journal,
		hub:     NewHub(),
	}
}

// Hub returns the websocket hub for broadcast wiring
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	r.HandleFunc("/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/table", s.handleTable).Methods("GET")
	r.HandleFunc("/alerts", s.handleAlerts).Methods("GET")
	r.HandleFunc("/metrics", metrics.HandleMetrics).Methods("GET")
	r.HandleFunc("/ws", s.hub.ServeWS)

	return r
}

// Start runs the listener until Shutdown is called
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.config.HTTP.Listen,
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // websocket connections stay open
	}

	log.Printf("[HTTP] Listening on %s", s.config.HTTP.Listen)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the listener and disconnects websocket clients
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.status.StatusSnapshot())
}

func (s *Server) handleTable(w http.ResponseWriter, _ *http.Request) {
	raw := s.tables.Raw()
	if raw == nil {
		http.Error(w, `{"error":"no table loaded"}`, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Table-Version", strconv.FormatInt(s.tables.Version(), 10))
	w.Write(raw)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		http.Error(w, `{"error":"alert journal not configured"}`, http.StatusNotFound)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	alerts, err := s.journal.RecentAlerts(r.Context(), limit)
	if err != nil {
		log.Printf("[HTTP] Failed to read alerts: %v", err)
		http.Error(w, `{"error":"failed to read alerts"}`, http.StatusInternalServerError)
		return
	}
	if alerts == nil {
		alerts = []models.AlertEvent{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(alerts)
}
