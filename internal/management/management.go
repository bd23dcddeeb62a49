// Package management provides the HTTP control surface for the proxy
// workbench: the GUI (or curl, or a script) drives proxy lifecycle,
// project lifecycle, and log inspection through this API rather than
// through the command/event channels directly.
//
// Endpoints:
//
//	GET    /status                  - uptime, management port, proxy summary
//	GET    /metrics                 - metrics.Snapshot as JSON
//	GET    /proxies                 - list configured proxies and their state
//	POST   /proxies                 - create a proxy {"port":8082,"autoStart":false}
//	POST   /proxies/{id}/start      - send Start to the controller
//	POST   /proxies/{id}/stop       - send Stop to the controller
//	DELETE /proxies/{id}            - stop (if running) and remove a proxy
//	GET    /projects                - list project names
//	POST   /projects                - create a project {"name":"scratch"}
//	DELETE /projects/{name}         - remove a project and its log database
//	GET    /logs                    - list packet metadata for the selected project
//	GET    /logs/{packetId}         - full request/response pair for one packet
package management

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"yatangaki/internal/config"
	"yatangaki/internal/configstore"
	"yatangaki/internal/controller"
	"yatangaki/internal/logger"
	"yatangaki/internal/logstore"
	"yatangaki/internal/metrics"
	"yatangaki/internal/tlsca"
)

// Server is the management API server. It owns the set of live proxy
// controllers and forwards commands from HTTP requests onto their
// command channels; it never talks to a raw net.Conn itself.
type Server struct {
	cfg       *config.Config
	log       *logger.Logger
	startTime time.Time
	token     string

	store *configstore.Store
	logs  *logstore.Store
	metr  *metrics.Metrics
	tls   *tlsca.CA

	events chan controller.Event

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu          sync.Mutex
	controllers map[int64]*controller.Controller
	commands    map[int64]chan<- controller.Command
	lastErrors  map[int64]string
}

// New constructs a management server bound to the given collaborators.
// It does not start listening; call ListenAndServe or use Handler
// directly in tests.
func New(cfg *config.Config, store *configstore.Store, logs *logstore.Store, m *metrics.Metrics, ca *tlsca.CA, log *logger.Logger) *Server {
	baseCtx, baseCancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:         cfg,
		log:         log,
		startTime:   time.Now(),
		token:       cfg.ManagementToken,
		store:       store,
		logs:        logs,
		metr:        m,
		tls:         ca,
		events:      make(chan controller.Event, 100),
		baseCtx:     baseCtx,
		baseCancel:  baseCancel,
		controllers: make(map[int64]*controller.Controller),
		commands:    make(map[int64]chan<- controller.Command),
		lastErrors:  make(map[int64]string),
	}
	if s.token != "" && log != nil {
		log.Info("auth", "bearer token authentication enabled")
	}
	go s.consumeEvents()
	return s
}

// consumeEvents drains the shared event channel for the server's
// lifetime, recording each proxy's command sink and last bind error so
// /proxies can report the error alongside the controller's state.
func (s *Server) consumeEvents() {
	for ev := range s.events {
		switch ev.Kind {
		case controller.Initialized:
			s.mu.Lock()
			if _, ok := s.commands[ev.ProxyID]; !ok {
				s.commands[ev.ProxyID] = ev.Commands
			}
			s.mu.Unlock()
		case controller.ProxyError:
			s.mu.Lock()
			if ev.Err != nil {
				s.lastErrors[ev.ProxyID] = ev.Err.Error()
			}
			s.mu.Unlock()
			if s.log != nil {
				s.log.Warnf("proxy_error", "proxy %d: %v", ev.ProxyID, ev.Err)
			}
		case controller.NewHTTPLogRow:
			if s.log != nil {
				s.log.Debugf("log_row", "proxy %d packet %d", ev.ProxyID, ev.PacketID)
			}
		}
	}
}

// Bootstrap spawns a controller for every proxy row already persisted
// in the config store, starting it immediately when its auto_start
// flag is set. Call once at process startup after New. ctx is used
// only for the initial store read; spawned controllers run for the
// server's own lifetime (see Close), not the caller's ctx.
func (s *Server) Bootstrap(ctx context.Context) error {
	rows, err := s.store.ListProxies(ctx)
	if err != nil {
		return fmt.Errorf("management: bootstrap: %w", err)
	}
	for _, row := range rows {
		s.spawnController(row)
		if row.AutoStart {
			s.sendCommand(row.ProxyID, controller.Start)
		}
	}
	return nil
}

// Close signals every spawned controller to shut down. The shared event
// channel is left open; in-flight sends from draining controllers and
// pipelines are allowed to finish rather than racing a channel close.
func (s *Server) Close() {
	s.baseCancel()
}

// Handler returns the HTTP handler for the management API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /proxies", s.handleListProxies)
	mux.HandleFunc("POST /proxies", s.handleCreateProxy)
	mux.HandleFunc("POST /proxies/{id}/start", s.handleStartProxy)
	mux.HandleFunc("POST /proxies/{id}/stop", s.handleStopProxy)
	mux.HandleFunc("DELETE /proxies/{id}", s.handleDeleteProxy)
	mux.HandleFunc("GET /projects", s.handleListProjects)
	mux.HandleFunc("POST /projects", s.handleCreateProject)
	mux.HandleFunc("DELETE /projects/{name}", s.handleDeleteProject)
	mux.HandleFunc("GET /logs", s.handleListLogs)
	mux.HandleFunc("GET /logs/{packetId}", s.handleGetLog)
	return s.authMiddleware(mux)
}

// authMiddleware checks for a valid Bearer token if one is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) ||
			subtle.ConstantTimeCompare([]byte(strings.TrimSpace(auth[len(prefix):])), []byte(s.token)) != 1 {
			if s.log != nil {
				s.log.Warnf("auth", "unauthorized access attempt from %s to %s", r.RemoteAddr, r.URL.Path)
			}
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	n := len(s.controllers)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "running",
		"uptime":         time.Since(s.startTime).Round(time.Second).String(),
		"proxyPort":      s.cfg.ProxyPort,
		"managementPort": s.cfg.ManagementPort,
		"proxyCount":     n,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	if s.metr == nil {
		http.Error(w, "metrics not enabled", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.metr.Snapshot())
}

type proxyView struct {
	ProxyID   int64  `json:"proxyId"`
	Port      int    `json:"port"`
	AutoStart bool   `json:"autoStart"`
	State     string `json:"state"`
	LastError string `json:"lastError,omitempty"`
}

func (s *Server) handleListProxies(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.ListProxies(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]proxyView, 0, len(rows))
	for _, row := range rows {
		state := controller.Stopped
		if ctl, ok := s.controllers[row.ProxyID]; ok {
			state = ctl.State()
		}
		out = append(out, proxyView{
			ProxyID:   row.ProxyID,
			Port:      row.Port,
			AutoStart: row.AutoStart,
			State:     state.String(),
			LastError: s.lastErrors[row.ProxyID],
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateProxy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProxyID   int64 `json:"proxyId"`
		Port      int   `json:"port"`
		AutoStart bool  `json:"autoStart"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, 4096)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Port <= 0 {
		http.Error(w, `invalid request: need {"proxyId":N,"port":N,"autoStart":bool}`, http.StatusBadRequest)
		return
	}
	proxy := configstore.Proxy{ProxyID: req.ProxyID, Port: req.Port, AutoStart: req.AutoStart}
	if err := s.store.SaveProxy(r.Context(), proxy); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.spawnController(proxy)
	if req.AutoStart {
		s.sendCommand(proxy.ProxyID, controller.Start)
	}
	writeJSON(w, http.StatusOK, map[string]int64{"proxyId": proxy.ProxyID})
}

// spawnController creates and runs a controller for a proxy row that
// was just created or loaded at startup. It is a no-op if one already
// exists for that id. The command channel is recorded immediately from
// the constructed Controller rather than awaited off the Initialized
// event, so a Start sent right after this call never races the
// controller's own loop startup.
func (s *Server) spawnController(p configstore.Proxy) {
	s.mu.Lock()
	if _, ok := s.controllers[p.ProxyID]; ok {
		s.mu.Unlock()
		return
	}
	svc := controller.Services{TLS: s.tls, Logs: s.logs, Metr: s.metr}
	ctl := controller.New(p.ProxyID, p.Port, svc, s.events, s.log)
	s.controllers[p.ProxyID] = ctl
	s.commands[p.ProxyID] = ctl.Commands()
	s.mu.Unlock()
	go ctl.Run(s.baseCtx)
}

func (s *Server) sendCommand(proxyID int64, cmd controller.Command) bool {
	s.mu.Lock()
	ch, ok := s.commands[proxyID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	ch <- cmd
	return true
}

func proxyIDFromPath(r *http.Request) (int64, bool) {
	return parseInt64(r.PathValue("id"))
}

func parseInt64(s string) (int64, bool) {
	n, err := strconv.ParseInt(s, 10, 64)
	return n, err == nil
}

func (s *Server) handleStartProxy(w http.ResponseWriter, r *http.Request) {
	id, ok := proxyIDFromPath(r)
	if !ok {
		http.Error(w, "invalid proxy id", http.StatusBadRequest)
		return
	}
	if !s.sendCommand(id, controller.Start) {
		http.Error(w, "unknown proxy id", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"command": "start"})
}

func (s *Server) handleStopProxy(w http.ResponseWriter, r *http.Request) {
	id, ok := proxyIDFromPath(r)
	if !ok {
		http.Error(w, "invalid proxy id", http.StatusBadRequest)
		return
	}
	if !s.sendCommand(id, controller.Stop) {
		http.Error(w, "unknown proxy id", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"command": "stop"})
}

// handleDeleteProxy stops a running controller (best-effort) and
// removes the proxy row. Its log rows, which belong to a project, not
// to the proxy, are untouched.
func (s *Server) handleDeleteProxy(w http.ResponseWriter, r *http.Request) {
	id, ok := proxyIDFromPath(r)
	if !ok {
		http.Error(w, "invalid proxy id", http.StatusBadRequest)
		return
	}
	s.sendCommand(id, controller.Stop)
	if err := s.store.DeleteProxy(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.mu.Lock()
	delete(s.controllers, id)
	delete(s.commands, id)
	delete(s.lastErrors, id)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": id})
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	names, err := s.store.ListProjects(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, names)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1024)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		http.Error(w, `invalid request: need {"name":"..."}`, http.StatusBadRequest)
		return
	}
	if err := s.store.CreateProject(r.Context(), req.Name); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"created": req.Name})
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		http.Error(w, "missing project name", http.StatusBadRequest)
		return
	}
	if err := s.store.DeleteProject(r.Context(), s.cfg.BaseDir, name); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": name})
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	rows, err := s.logs.ListMetadata(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleGetLog(w http.ResponseWriter, r *http.Request) {
	id, ok := parseInt64(r.PathValue("packetId"))
	if !ok {
		http.Error(w, "invalid packet id", http.StatusBadRequest)
		return
	}
	pair, found, err := s.logs.GetFull(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, "unknown packet id", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // best-effort on an already-committed response
}

// ListenAndServe starts the management HTTP server and blocks.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.BindAddress, s.cfg.ManagementPort)
	if s.log != nil {
		s.log.Infof("listen", "management API on %s", addr)
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}
