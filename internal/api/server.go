package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/riverdb/riverdb/internal/config"
	"github.com/riverdb/riverdb/internal/health"
	"github.com/riverdb/riverdb/internal/metrics"
	"github.com/riverdb/riverdb/internal/pgpool"
)

// maxRequestBodyBytes bounds any request body this server reads, so a
// misbehaving or hostile admin client can't exhaust memory on a small
// read-only API.
const maxRequestBodyBytes = 1 << 20 // 1 MiB

// Server is the read-only REST API and metrics server. Unlike the teacher's
// tenant CRUD surface, RiverDB treats the config file (via config.Watcher)
// as the sole source of truth for topology, so this API exposes status and
// triggers a reload rather than mutating the cluster directly.
type Server struct {
	cluster     *pgpool.Cluster
	healthCheck *health.Checker
	metrics     *metrics.Collector
	httpServer  *http.Server
	startTime   time.Time
	listenCfg   config.ListenConfig
	configPath  string
}

// NewServer creates a new API server.
func NewServer(cluster *pgpool.Cluster, hc *health.Checker, m *metrics.Collector, lc config.ListenConfig, configPath string) *Server {
	return &Server{
		cluster:     cluster,
		healthCheck: hc,
		metrics:     m,
		startTime:   time.Now(),
		listenCfg:   lc,
		configPath:  configPath,
	}
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/databases", s.listDatabases).Methods("GET")
	r.HandleFunc("/databases/{name}", s.getDatabase).Methods("GET")
	r.HandleFunc("/databases/{name}/stats", s.databaseStats).Methods("GET")

	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/reload", s.reloadHandler).Methods("POST")

	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/ready", s.readyHandler).Methods("GET")

	r.Handle("/metrics", promhttp.Handler())

	return s.authMiddleware(r)
}

// Start starts the HTTP API server.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf("0.0.0.0:%d", port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	slog.Info("api server listening", "addr", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("api server error", "error", err)
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

// authMiddleware requires a matching Bearer token on every route except the
// health/readiness/metrics endpoints, which must stay reachable for
// orchestrators and scrapers that don't carry the admin key. A blank
// listenCfg.APIKey disables auth entirely (local/dev use).
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.listenCfg.APIKey == "" || isAuthExempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		const prefix = "Bearer "
		auth := r.Header.Get("Authorization")
		if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix || auth[len(prefix):] != s.listenCfg.APIKey {
			writeError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isAuthExempt(path string) bool {
	switch path {
	case "/health", "/ready", "/metrics":
		return true
	default:
		return false
	}
}

// --- Database status handlers ---

type databaseResponse struct {
	Name   string                        `json:"name"`
	Config config.ServerConfig           `json:"config"`
	Stats  []pgpool.Stats                `json:"stats"`
	Health map[string]health.NodeHealth  `json:"health"`
}

func (s *Server) databaseResponse(name string) (databaseResponse, bool) {
	group, err := s.cluster.Resolve(name)
	if err != nil {
		return databaseResponse{}, false
	}

	resp := databaseResponse{
		Name:   name,
		Stats:  group.Stats(),
		Health: make(map[string]health.NodeHealth),
	}
	resp.Config = group.Master().Config().Redacted()
	resp.Health["master"] = s.healthCheck.GetStatus(name, "master")
	for i := range group.Replicas() {
		role := fmt.Sprintf("replica:%d", i)
		resp.Health[role] = s.healthCheck.GetStatus(name, role)
	}
	return resp, true
}

func (s *Server) listDatabases(w http.ResponseWriter, r *http.Request) {
	var result []databaseResponse
	for _, name := range s.cluster.Databases() {
		if resp, ok := s.databaseResponse(name); ok {
			result = append(result, resp)
		}
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) getDatabase(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	resp, ok := s.databaseResponse(name)
	if !ok {
		writeError(w, http.StatusNotFound, "database not found")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) databaseStats(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	group, err := s.cluster.Resolve(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "database not found")
		return
	}
	writeJSON(w, http.StatusOK, group.Stats())
}

// --- Health handlers ---

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	statuses := s.healthCheck.GetAllStatuses()
	allHealthy := s.healthCheck.OverallHealthy()

	status := http.StatusOK
	if !allHealthy {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]interface{}{
		"status":    boolToStatus(allHealthy),
		"databases": statuses,
	})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	databases := s.cluster.Databases()
	if len(databases) == 0 {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}

	for _, name := range databases {
		if s.healthCheck.IsHealthy(name) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
			return
		}
	}

	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
}

// --- Status & reload handlers ---

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	uptime := time.Since(s.startTime).Seconds()
	databases := s.cluster.Databases()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(uptime),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
		"num_databases":  len(databases),
		"listen": map[string]int{
			"postgres_port": s.listenCfg.PostgresPort,
			"api_port":      s.listenCfg.APIPort,
		},
	})
}

// reloadHandler re-reads the config file from disk and applies it to the
// cluster, independent of the fsnotify watcher's debounce — useful for an
// operator who just edited the file and doesn't want to wait out the
// debounce window, or is running with the watcher disabled.
func (s *Server) reloadHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if _, err := io.Copy(io.Discard, r.Body); err != nil {
		writeError(w, http.StatusBadRequest, "request body exceeds the 1MiB limit")
		return
	}

	if s.configPath == "" {
		writeError(w, http.StatusServiceUnavailable, "no config path configured for reload")
		return
	}

	cfg, err := config.Load(s.configPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reload failed: "+err.Error())
		return
	}

	s.cluster.Reload(cfg.Postgres)
	slog.Info("cluster topology reloaded via api", "path", s.configPath)
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
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
