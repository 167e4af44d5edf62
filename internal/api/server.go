package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/monetgate/monetgate/internal/config"
	"github.com/monetgate/monetgate/internal/health"
	"github.com/monetgate/monetgate/internal/metrics"
	"github.com/monetgate/monetgate/internal/pool"
	"github.com/monetgate/monetgate/internal/registry"
	"github.com/monetgate/monetgate/mapi"
	"github.com/monetgate/monetgate/monetdb"
)

const maxRequestBodySize = 1 << 20 // 1 MB

// Server is the REST API and metrics server.
type Server struct {
	registry    *registry.Registry
	poolMgr     *pool.Manager
	healthCheck *health.Checker
	metrics     *metrics.Collector
	httpServer  *http.Server
	startTime   time.Time
	listenCfg   config.ListenConfig
	serverMu    sync.Mutex // protects read-modify-write in updateServer
}

// NewServer creates a new API server.
func NewServer(r *registry.Registry, pm *pool.Manager, hc *health.Checker, m *metrics.Collector, lc config.ListenConfig) *Server {
	return &Server{
		registry:    r,
		poolMgr:     pm,
		healthCheck: hc,
		metrics:     m,
		startTime:   time.Now(),
		listenCfg:   lc,
	}
}

// authMiddleware returns a middleware that checks for a valid API key.
// Unauthenticated routes (health, ready, metrics) are excluded.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth for health/readiness probes and metrics
		path := r.URL.Path
		if path == "/health" || path == "/ready" || path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		apiKey := s.listenCfg.APIKey
		if apiKey == "" {
			// No API key configured, allow all requests
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		if auth == "" || !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != apiKey {
			writeError(w, http.StatusUnauthorized, "unauthorized: invalid or missing API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start starts the HTTP API server.
func (s *Server) Start(port int) error {
	r := mux.NewRouter()

	// Query gateway
	r.HandleFunc("/query", s.queryHandler).Methods("POST")

	// Server CRUD
	r.HandleFunc("/servers", s.listServers).Methods("GET")
	r.HandleFunc("/servers", s.createServer).Methods("POST")
	r.HandleFunc("/servers/{id}", s.getServer).Methods("GET")
	r.HandleFunc("/servers/{id}", s.updateServer).Methods("PUT")
	r.HandleFunc("/servers/{id}", s.deleteServer).Methods("DELETE")
	r.HandleFunc("/servers/{id}/stats", s.serverStats).Methods("GET")
	r.HandleFunc("/servers/{id}/drain", s.drainServer).Methods("POST")

	// Pause/Resume
	r.HandleFunc("/servers/{id}/pause", s.pauseServer).Methods("POST")
	r.HandleFunc("/servers/{id}/resume", s.resumeServer).Methods("POST")

	// Gateway status & config
	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/config", s.configHandler).Methods("GET")

	// Health & readiness
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/ready", s.readyHandler).Methods("GET")

	// Prometheus metrics
	if s.metrics != nil && s.metrics.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}

	// Wrap with security headers, then auth middleware
	handler := s.securityHeaders(s.authMiddleware(r))

	bind := s.listenCfg.APIBind
	if bind == "" {
		bind = "127.0.0.1"
	}
	addr := fmt.Sprintf("%s:%d", bind, port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	if s.listenCfg.APIKey == "" {
		slog.Warn("API key not configured, management endpoints are unauthenticated")
	}
	slog.Info("REST API listening", "addr", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("API server error", "err", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// --- Query Handler ---

type queryRequest struct {
	Server string        `json:"server"`
	SQL    string        `json:"sql"`
	Params []interface{} `json:"params,omitempty"`
}

type queryResponse struct {
	Columns      []string        `json:"columns,omitempty"`
	Types        []string        `json:"types,omitempty"`
	Rows         [][]interface{} `json:"rows,omitempty"`
	RowCount     int             `json:"row_count"`
	RowsAffected int64           `json:"rows_affected"`
	DurationMS   float64         `json:"duration_ms"`
}

// convertParams maps JSON values onto typed SQL parameters. JSON numbers
// arrive as float64; integral values are bound as integers.
func convertParams(raw []interface{}) ([]monetdb.Parameter, error) {
	params := make([]monetdb.Parameter, len(raw))
	for i, v := range raw {
		switch val := v.(type) {
		case string:
			params[i] = monetdb.String(val)
		case bool:
			params[i] = monetdb.Bool(val)
		case float64:
			if val == math.Trunc(val) && math.Abs(val) < 1<<53 {
				params[i] = monetdb.Int(int64(val))
			} else {
				params[i] = monetdb.Float(val)
			}
		case nil:
			params[i] = monetdb.Null()
		default:
			return nil, fmt.Errorf("unsupported parameter type at position %d", i)
		}
	}
	return params, nil
}

func (s *Server) queryHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Server == "" || req.SQL == "" {
		writeError(w, http.StatusBadRequest, "server and sql are required")
		return
	}

	sc, err := s.registry.Resolve(req.Server)
	if err != nil {
		writeError(w, http.StatusNotFound, "server not found")
		return
	}
	if s.registry.IsPaused(req.Server) {
		writeError(w, http.StatusServiceUnavailable, "server is paused")
		return
	}
	if s.healthCheck != nil && !s.healthCheck.IsHealthy(req.Server) {
		writeError(w, http.StatusServiceUnavailable, "server is unhealthy")
		return
	}

	params, err := convertParams(req.Params)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sp := s.poolMgr.GetOrCreate(req.Server, sc)
	pc, err := sp.Acquire(r.Context())
	if err != nil {
		if s.metrics != nil {
			s.metrics.QueryCompleted(req.Server, false)
		}
		writeError(w, http.StatusServiceUnavailable, "acquiring connection: "+err.Error())
		return
	}
	defer pc.Return()

	start := time.Now()
	result, err := pc.Conn().Run(req.SQL, params...)
	elapsed := time.Since(start)

	if s.metrics != nil {
		s.metrics.QueryDuration(req.Server, sc.DBName, elapsed)
		s.metrics.QueryCompleted(req.Server, err == nil)
	}

	if err != nil {
		var me *mapi.Error
		if errors.As(err, &me) && (me.Kind == mapi.KindOperation || me.Kind == mapi.KindServer) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	resp := queryResponse{
		RowsAffected: result.RowsAffected,
		DurationMS:   float64(elapsed.Microseconds()) / 1000,
	}
	if result.Table != nil {
		resp.Columns = result.Table.Schema.Names
		resp.Types = result.Table.Schema.Types
		resp.RowCount = len(result.Table.Rows)
		resp.Rows = make([][]interface{}, len(result.Table.Rows))
		for i, row := range result.Table.Rows {
			out := make([]interface{}, len(row))
			for j, v := range row {
				switch v.Type {
				case monetdb.TypeInt:
					out[j] = v.Int
				case monetdb.TypeDouble:
					out[j] = v.Double
				default:
					out[j] = v.Text
				}
			}
			resp.Rows[i] = out
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// --- Server Handlers ---

type serverRequest struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	UnixSocket     string `json:"unix_socket"`
	DBName         string `json:"dbname"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	MinConnections *int   `json:"min_connections,omitempty"`
	MaxConnections *int   `json:"max_connections,omitempty"`
}

type serverResponse struct {
	ID     string               `json:"id"`
	Config config.ServerConfig  `json:"config"`
	Stats  *pool.Stats          `json:"stats,omitempty"`
	Health *health.ServerHealth `json:"health,omitempty"`
	Paused bool                 `json:"paused"`
}

func (s *Server) listServers(w http.ResponseWriter, r *http.Request) {
	servers := s.registry.ListServers()

	var result []serverResponse
	for id, sc := range servers {
		sr := serverResponse{
			ID:     id,
			Config: sc.Redacted(),
			Paused: s.registry.IsPaused(id),
		}
		if stats, ok := s.poolMgr.ServerStats(id); ok {
			sr.Stats = &stats
		}
		if s.healthCheck != nil {
			h := s.healthCheck.GetStatus(id)
			sr.Health = &h
		}
		result = append(result, sr)
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) createServer(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req struct {
		ID string `json:"id"`
		serverRequest
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "server id is required")
		return
	}
	if req.DBName == "" {
		writeError(w, http.StatusBadRequest, "dbname is required")
		return
	}
	if req.Host == "" && req.UnixSocket == "" {
		writeError(w, http.StatusBadRequest, "host or unix_socket is required")
		return
	}

	sc := config.ServerConfig{
		Host:           req.Host,
		Port:           req.Port,
		UnixSocket:     req.UnixSocket,
		DBName:         req.DBName,
		Username:       req.Username,
		Password:       req.Password,
		MinConnections: req.MinConnections,
		MaxConnections: req.MaxConnections,
	}
	if sc.Port == 0 && sc.UnixSocket == "" {
		sc.Port = 50000
	}
	if sc.Username == "" {
		sc.Username = "monetdb"
	}

	s.registry.AddServer(req.ID, sc)
	slog.Info("server registered", "server", req.ID, "database", sc.DBName, "host", sc.Host, "port", sc.Port)

	writeJSON(w, http.StatusCreated, serverResponse{ID: req.ID, Config: sc.Redacted()})
}

func (s *Server) getServer(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	sc, err := s.registry.Resolve(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "server not found")
		return
	}

	sr := serverResponse{ID: id, Config: sc.Redacted(), Paused: s.registry.IsPaused(id)}
	if stats, ok := s.poolMgr.ServerStats(id); ok {
		sr.Stats = &stats
	}
	if s.healthCheck != nil {
		h := s.healthCheck.GetStatus(id)
		sr.Health = &h
	}

	writeJSON(w, http.StatusOK, sr)
}

func (s *Server) updateServer(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	id := mux.Vars(r)["id"]

	var req serverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	// Hold lock for the entire read-modify-write to prevent TOCTOU races
	s.serverMu.Lock()
	defer s.serverMu.Unlock()

	// Verify server exists
	existing, err := s.registry.Resolve(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "server not found")
		return
	}

	// Merge with existing config
	if req.Host != "" {
		existing.Host = req.Host
	}
	if req.Port != 0 {
		existing.Port = req.Port
	}
	if req.UnixSocket != "" {
		existing.UnixSocket = req.UnixSocket
	}
	if req.DBName != "" {
		existing.DBName = req.DBName
	}
	if req.Username != "" {
		existing.Username = req.Username
	}
	if req.Password != "" {
		existing.Password = req.Password
	}
	if req.MinConnections != nil {
		existing.MinConnections = req.MinConnections
	}
	if req.MaxConnections != nil {
		existing.MaxConnections = req.MaxConnections
	}

	s.registry.AddServer(id, existing)
	slog.Info("server updated", "server", id)

	writeJSON(w, http.StatusOK, serverResponse{ID: id, Config: existing.Redacted()})
}

func (s *Server) deleteServer(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if !s.registry.RemoveServer(id) {
		writeError(w, http.StatusNotFound, "server not found")
		return
	}

	// Drain and remove pool
	s.poolMgr.Remove(id)
	if s.healthCheck != nil {
		s.healthCheck.RemoveServer(id)
	}
	if s.metrics != nil {
		s.metrics.RemoveServer(id)
	}

	slog.Info("server removed", "server", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "server": id})
}

func (s *Server) serverStats(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	stats, ok := s.poolMgr.ServerStats(id)
	if !ok {
		// Check if server exists but has no pool yet
		if _, err := s.registry.Resolve(id); err != nil {
			writeError(w, http.StatusNotFound, "server not found")
			return
		}
		stats = pool.Stats{ServerID: id}
	}

	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) drainServer(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if !s.poolMgr.DrainServer(id) {
		writeError(w, http.StatusNotFound, "server not found or no active pool")
		return
	}

	slog.Info("server drained", "server", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "drained", "server": id})
}

// --- Health Handlers ---

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	statuses := s.healthCheck.GetAllStatuses()
	allHealthy := s.healthCheck.OverallHealthy()

	status := http.StatusOK
	if !allHealthy {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]interface{}{
		"status":  boolToStatus(allHealthy),
		"servers": statuses,
	})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	// Ready if at least one server is healthy or there are no servers
	servers := s.registry.ListServers()
	if len(servers) == 0 {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}

	for id := range servers {
		if s.healthCheck.IsHealthy(id) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
			return
		}
	}

	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
}

// --- Status & Config Handlers ---

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	uptime := time.Since(s.startTime).Seconds()
	servers := s.registry.ListServers()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(uptime),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
		"num_servers":    len(servers),
		"listen": map[string]int{
			"api_port": s.listenCfg.APIPort,
		},
	})
}

func (s *Server) configHandler(w http.ResponseWriter, r *http.Request) {
	defaults := s.registry.Defaults()
	servers := s.registry.ListServers()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"listen": map[string]int{
			"api_port": s.listenCfg.APIPort,
		},
		"defaults": map[string]interface{}{
			"min_connections": defaults.MinConnections,
			"max_connections": defaults.MaxConnections,
			"idle_timeout":    defaults.IdleTimeout.String(),
			"max_lifetime":    defaults.MaxLifetime.String(),
			"acquire_timeout": defaults.AcquireTimeout.String(),
			"dial_timeout":    defaults.DialTimeout.String(),
		},
		"server_count": len(servers),
	})
}

// --- Pause/Resume Handlers ---

func (s *Server) pauseServer(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if !s.registry.PauseServer(id) {
		writeError(w, http.StatusNotFound, "server not found")
		return
	}

	slog.Info("server paused", "server", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused", "server": id})
}

func (s *Server) resumeServer(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if !s.registry.ResumeServer(id) {
		writeError(w, http.StatusNotFound, "server not found")
		return
	}

	slog.Info("server resumed", "server", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed", "server": id})
}

// securityHeaders adds security-related HTTP headers to all responses.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func boolToStatus(b bool) string {
	if b {
		return "healthy"
	}
	return "unhealthy"
}
