// Package server hosts the HTTP surfaces of a zonegrid process: the
// websocket listener the gateway endpoints are mounted on, and the health
// server that answers liveness and readiness probes.
package server

import (
	"context"
	"encoding/json"
	"maps"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fishmmo/zonegrid/internal/logging"
)

// ReadinessChecker is a dependency the process needs before it can take
// traffic: the registry, the scene catalog, a background loop.
type ReadinessChecker interface {
	Name() string
	// CheckReady returns nil when the dependency is usable.
	CheckReady(ctx context.Context) error
}

// DefaultReadinessTimeout bounds each readiness check.
const DefaultReadinessTimeout = 5 * time.Second

// loopStaleAfter is how long a registered loop may go without reporting
// before liveness fails.
const loopStaleAfter = 30 * time.Second

// HealthServer serves /healthz and /readyz, plus pprof.
type HealthServer struct {
	mu               sync.RWMutex
	addr             string
	boundAddr        string
	server           *http.Server
	logger           *logging.Logger
	shuttingDown     atomic.Bool
	loops            map[string]*loopStatus
	checks           []ReadinessChecker
	readinessTimeout time.Duration
	handlers         map[string]http.Handler
	now              func() time.Time
}

type loopStatus struct {
	running  bool
	lastBeat time.Time
}

// HealthStatus is the JSON body of both probes.
type HealthStatus struct {
	Status string                 `json:"status"`
	Loops  map[string]bool        `json:"loops,omitempty"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is one entry of HealthStatus.Checks.
type CheckResult struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// Probe statuses.
const (
	StatusOK           = "ok"
	StatusDegraded     = "degraded"
	StatusNotReady     = "not_ready"
	StatusShuttingDown = "shutting_down"
)

// NewHealthServer creates a HealthServer that will listen on addr.
func NewHealthServer(addr string, logger *logging.Logger) *HealthServer {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &HealthServer{
		addr:             addr,
		logger:           logger,
		loops:            make(map[string]*loopStatus),
		readinessTimeout: DefaultReadinessTimeout,
		handlers:         make(map[string]http.Handler),
		now:              time.Now,
	}
}

// RegisterHandler mounts an extra handler. Call before Start.
func (h *HealthServer) RegisterHandler(pattern string, handler http.Handler) {
	if pattern == "" || handler == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[pattern] = handler
}

// RegisterReadinessCheck adds a check run on every /readyz.
func (h *HealthServer) RegisterReadinessCheck(c ReadinessChecker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, c)
}

// SetReadinessTimeout overrides DefaultReadinessTimeout.
func (h *HealthServer) SetReadinessTimeout(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readinessTimeout = d
}

// RegisterLoop records a background loop that liveness depends on. The
// loop calls Beat on every iteration and UnregisterLoop when it exits.
func (h *HealthServer) RegisterLoop(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loops[name] = &loopStatus{running: true, lastBeat: h.now()}
}

// Beat marks the loop as alive.
func (h *HealthServer) Beat(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.loops[name]; ok {
		s.lastBeat = h.now()
	}
}

// UnregisterLoop marks the loop as stopped.
func (h *HealthServer) UnregisterLoop(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.loops[name]; ok {
		s.running = false
	}
}

// SetShuttingDown makes both probes fail so load balancers drain the
// process before its loops stop.
func (h *HealthServer) SetShuttingDown() {
	h.shuttingDown.Store(true)
}

func (h *HealthServer) IsShuttingDown() bool {
	return h.shuttingDown.Load()
}

// Start listens and serves in the background.
func (h *HealthServer) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.HandleFunc("/readyz", h.handleReadyz)
	h.mu.RLock()
	extra := maps.Clone(h.handlers)
	h.mu.RUnlock()
	for pattern, handler := range extra {
		mux.Handle(pattern, handler)
	}
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	h.mu.Lock()
	h.server = srv
	h.boundAddr = ln.Addr().String()
	h.mu.Unlock()

	h.logger.Infof("health server listening", map[string]any{"addr": ln.Addr().String()})
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			h.logger.Errorf("health server error", map[string]any{"error": err.Error()})
		}
	}()
	return nil
}

// Addr returns the bound address once started, the configured one before.
func (h *HealthServer) Addr() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.boundAddr != "" {
		return h.boundAddr
	}
	return h.addr
}

// Close stops the server. It is a no-op if Start was never called.
func (h *HealthServer) Close() error {
	h.mu.RLock()
	srv := h.server
	h.mu.RUnlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func (h *HealthServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeStatus(w, r, h.CheckHealth())
}

func (h *HealthServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeStatus(w, r, h.CheckReadiness(r.Context()))
}

func writeStatus(w http.ResponseWriter, r *http.Request, status HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	if status.Status == StatusOK {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if r.Method != http.MethodHead {
		_ = json.NewEncoder(w).Encode(status)
	}
}

func shutdownResult(down bool) CheckResult {
	if down {
		return CheckResult{Healthy: false, Message: "process is shutting down"}
	}
	return CheckResult{Healthy: true, Message: "process is running"}
}

// CheckHealth evaluates liveness: not shutting down and every registered
// loop running with a recent beat.
func (h *HealthServer) CheckHealth() HealthStatus {
	status := HealthStatus{
		Status: StatusOK,
		Loops:  make(map[string]bool),
		Checks: make(map[string]CheckResult),
	}
	down := h.shuttingDown.Load()
	status.Checks["shutdown"] = shutdownResult(down)
	if down {
		status.Status = StatusShuttingDown
		return status
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	now := h.now()
	healthy := true
	for name, s := range h.loops {
		ok := s.running && now.Sub(s.lastBeat) < loopStaleAfter
		status.Loops[name] = ok
		healthy = healthy && ok
	}
	switch {
	case !healthy:
		status.Status = StatusDegraded
		status.Checks["loops"] = CheckResult{Healthy: false, Message: "one or more loops stopped or stalled"}
	case len(h.loops) > 0:
		status.Checks["loops"] = CheckResult{Healthy: true, Message: "all loops running"}
	}
	return status
}

// CheckReadiness runs every readiness check with its own timeout.
func (h *HealthServer) CheckReadiness(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status: StatusOK,
		Checks: make(map[string]CheckResult),
	}
	down := h.shuttingDown.Load()
	status.Checks["shutdown"] = shutdownResult(down)
	if down {
		status.Status = StatusShuttingDown
		return status
	}

	h.mu.RLock()
	checks := append([]ReadinessChecker(nil), h.checks...)
	timeout := h.readinessTimeout
	h.mu.RUnlock()

	for _, c := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, timeout)
		err := c.CheckReady(checkCtx)
		cancel()
		if err != nil {
			status.Status = StatusNotReady
			status.Checks[c.Name()] = CheckResult{Healthy: false, Message: err.Error()}
			continue
		}
		status.Checks[c.Name()] = CheckResult{Healthy: true, Message: "healthy"}
	}
	return status
}
