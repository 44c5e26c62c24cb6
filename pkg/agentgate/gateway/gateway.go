// Package gateway provides the event pipeline and the HTTP ops API:
// status, session administration, job administration and a websocket
// stream of provider health transitions.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jholhewres/agentgate/pkg/agentgate/health"
	"github.com/jholhewres/agentgate/pkg/agentgate/scheduler"
	"github.com/jholhewres/agentgate/pkg/agentgate/session"
)

// Config holds the ops API configuration.
type Config struct {
	// Enabled starts the HTTP server when true.
	Enabled bool `yaml:"enabled"`

	// Address is the listen address. Defaults to 127.0.0.1:8085.
	Address string `yaml:"address"`

	// AuthToken protects /api/* when set. /health stays public.
	AuthToken string `yaml:"auth_token"`
}

// Gateway is the HTTP ops API server.
type Gateway struct {
	dispatcher *Dispatcher
	store      *session.Store
	sched      *scheduler.Scheduler
	monitor    *health.Monitor
	cfg        Config
	server     *http.Server
	startedAt  time.Time
	upgrader   websocket.Upgrader
	logger     *slog.Logger
}

// New creates the ops API server.
func New(dispatcher *Dispatcher, store *session.Store, sched *scheduler.Scheduler, monitor *health.Monitor, cfg Config, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:8085"
	}
	return &Gateway{
		dispatcher: dispatcher,
		store:      store,
		sched:      sched,
		monitor:    monitor,
		cfg:        cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logger.With("component", "gateway"),
	}
}

// handler assembles the route table with auth and header middleware.
func (g *Gateway) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/api/status", g.handleStatus)
	mux.HandleFunc("/api/sessions", g.handleSessions)
	mux.HandleFunc("/api/sessions/", g.handleSessionByID)
	mux.HandleFunc("/api/jobs", g.handleJobs)
	mux.HandleFunc("/api/jobs/", g.handleJobByID)
	mux.HandleFunc("/api/health/stream", g.handleHealthStream)
	return g.securityHeadersMiddleware(g.authMiddleware(mux))
}

// Start begins serving. Returns immediately; the server runs until Stop.
func (g *Gateway) Start(ctx context.Context) error {
	g.startedAt = time.Now()

	g.server = &http.Server{
		Addr:    g.cfg.Address,
		Handler: g.handler(),
	}

	// Warn when the API has no auth token on a non-loopback address.
	if g.cfg.AuthToken == "" {
		host, _, _ := net.SplitHostPort(g.cfg.Address)
		ip := net.ParseIP(host)
		if host != "localhost" && (ip == nil || !ip.IsLoopback()) {
			g.logger.Warn("SECURITY: ops API has no auth token and is bound to a non-loopback address",
				"address", g.cfg.Address)
		}
	}

	go func() {
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			g.logger.Error("ops API server error", "err", err)
		}
	}()
	g.logger.Info("ops API listening", "address", g.cfg.Address)
	return nil
}

// Stop shuts the server down gracefully.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	return g.server.Shutdown(ctx)
}

// ---------- handlers ----------

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	type channelHealth struct {
		Name      string `json:"name"`
		Connected bool   `json:"connected"`
	}
	var chs []channelHealth
	healthy := true
	for _, ch := range g.dispatcher.Channels() {
		st := ch.Health()
		chs = append(chs, channelHealth{Name: ch.Name(), Connected: st.Connected})
		if !st.Connected {
			healthy = false
		}
	}

	status := "ok"
	if !healthy {
		status = "degraded"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	g.writeJSON(w, map[string]any{
		"status":         status,
		"uptime_seconds": int(time.Since(g.startedAt).Seconds()),
		"channels":       chs,
		"providers":      g.monitor.Snapshot(),
	})
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	jobs := g.sched.List()
	enabled := 0
	for _, j := range jobs {
		if j.Enabled {
			enabled++
		}
	}
	g.writeJSON(w, map[string]any{
		"uptime_seconds": int(time.Since(g.startedAt).Seconds()),
		"providers":      g.monitor.Snapshot(),
		"conversations":  len(g.store.Conversations()),
		"jobs_total":     len(jobs),
		"jobs_enabled":   enabled,
	})
}

func (g *Gateway) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	type sessionInfo struct {
		ConversationID string `json:"conversation_id"`
		Turns          int    `json:"turns"`
		Tokens         int    `json:"tokens"`
	}
	var out []sessionInfo
	for _, id := range g.store.Conversations() {
		out = append(out, sessionInfo{
			ConversationID: id,
			Turns:          len(g.store.Load(id, 0)),
			Tokens:         g.store.TokenTotal(id),
		})
	}
	g.writeJSON(w, out)
}

func (g *Gateway) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	if id == "" {
		g.writeError(w, "missing conversation id", http.StatusBadRequest)
		return
	}
	switch r.Method {
	case http.MethodGet:
		g.writeJSON(w, g.store.Load(id, 0))
	case http.MethodDelete:
		if err := g.store.Clear(id); err != nil {
			g.writeError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		g.writeJSON(w, map[string]string{"status": "cleared"})
	default:
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (g *Gateway) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		g.writeJSON(w, g.sched.List())
	case http.MethodPost:
		// Enabled defaults to true; an explicit "enabled": false in the
		// body registers the job disabled.
		job := scheduler.Job{Enabled: true}
		if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
			g.writeError(w, "invalid job body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := g.sched.Add(&job); err != nil {
			g.writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
		g.writeJSON(w, job)
	default:
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (g *Gateway) handleJobByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		g.writeError(w, "missing job id", http.StatusBadRequest)
		return
	}

	switch {
	case r.Method == http.MethodGet && action == "":
		job, ok := g.sched.Get(id)
		if !ok {
			g.writeError(w, "job not found", http.StatusNotFound)
			return
		}
		g.writeJSON(w, job)
	case r.Method == http.MethodDelete && action == "":
		if err := g.sched.Remove(id); err != nil {
			g.writeError(w, err.Error(), http.StatusNotFound)
			return
		}
		g.writeJSON(w, map[string]string{"status": "removed"})
	case r.Method == http.MethodPost && (action == "enable" || action == "disable"):
		if err := g.sched.SetEnabled(id, action == "enable"); err != nil {
			g.writeError(w, err.Error(), http.StatusNotFound)
			return
		}
		g.writeJSON(w, map[string]string{"status": action + "d"})
	default:
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleHealthStream upgrades to a websocket and pushes provider state
// transitions as they happen, starting with a snapshot.
func (g *Gateway) handleHealthStream(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"snapshot": g.monitor.Snapshot()}); err != nil {
		return
	}

	transitions, unsubscribe := g.monitor.Subscribe()
	defer unsubscribe()

	// Reader goroutine surfaces client disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case t, ok := <-transitions:
			if !ok {
				return
			}
			if err := conn.WriteJSON(t); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// ---------- helpers ----------

func (g *Gateway) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("encoding response", "err", err)
	}
}

func (g *Gateway) writeError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":%q}`+"\n", msg)
}
