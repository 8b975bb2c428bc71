// Package web exposes the websocket telemetry stream and the REST admin
// surface over one chi router.
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"TelemetryHub/internal/hub"
	"TelemetryHub/internal/listener"
	"TelemetryHub/internal/scanner"
	"TelemetryHub/internal/state"
	"TelemetryHub/internal/store"
	"TelemetryHub/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Subscribers are trusted infrastructure dashboards; no origin policy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the HTTP front of the aggregation plane
type Server struct {
	engine       *state.Engine
	hub          *hub.Hub
	registry     *listener.Registry
	orchestrator *scanner.Orchestrator
	store        *store.Store // nil when persistence is unavailable

	httpSrv *http.Server
}

// NewServer wires the router. store may be nil; the gcs_ip listing then
// reports a telemetry error, and the other endpoints use live state only.
func NewServer(port int, engine *state.Engine, h *hub.Hub, registry *listener.Registry,
	orchestrator *scanner.Orchestrator, st *store.Store) *Server {

	s := &Server{
		engine:       engine,
		hub:          h,
		registry:     registry,
		orchestrator: orchestrator,
		store:        st,
	}

	r := chi.NewRouter()

	r.Get("/telemetry", s.handleTelemetryWS)
	r.Get("/telemetry/{port}", s.handleTelemetryWS)

	r.Route("/api", func(r chi.Router) {
		r.Get("/drones", s.handleListDrones)
		r.Get("/drones/{port}", s.handleGetDrone)
		r.Delete("/drones/{port}", s.handleDeleteDrone)
		r.Get("/ports", s.handleListPorts)
		r.Post("/ports/{port}/scan", s.handleScanPort)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: r,
	}
	return s
}

// Start serves HTTP in the background until Shutdown
func (s *Server) Start() {
	go func() {
		logger.Info("[WEB] Listening on %s", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("[WEB] Server error: %v", err)
		}
	}()
}

// Shutdown drains the server, forcing the close after the deadline
func (s *Server) Shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		logger.Warn("[WEB] Graceful shutdown failed, closing: %v", err)
		s.httpSrv.Close()
	}
}

// portParam parses the {port} route parameter
func portParam(r *http.Request) (int, error) {
	raw := chi.URLParam(r, "port")
	port, err := strconv.Atoi(raw)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("%w: invalid port %q", errBadRequest, raw)
	}
	return port, nil
}

// handleTelemetryWS upgrades the connection and hands it to the hub.
// With a {port} parameter the stream is filtered to that port.
func (s *Server) handleTelemetryWS(w http.ResponseWriter, r *http.Request) {
	filterPort := 0
	if chi.URLParam(r, "port") != "" {
		port, err := portParam(r)
		if err != nil {
			writeError(w, err)
			return
		}
		filterPort = port
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("[WEB] Websocket upgrade failed: %v", err)
		return
	}
	s.hub.Register(conn, filterPort, r.RemoteAddr)
}

func (s *Server) handleListDrones(w http.ResponseWriter, r *http.Request) {
	if ip := r.URL.Query().Get("gcs_ip"); ip != "" {
		if s.store == nil {
			writeError(w, fmt.Errorf("%w: store unavailable", ErrTelemetry))
			return
		}
		drones, err := s.store.FindByGcsIp(ip)
		if err != nil {
			writeError(w, fmt.Errorf("%w: %v", ErrTelemetry, err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"drones": drones})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"drones": s.engine.ActiveSnapshot()})
}

// handleGetDrone returns the live record, falling back to the last
// persisted snapshot.
func (s *Server) handleGetDrone(w http.ResponseWriter, r *http.Request) {
	port, err := portParam(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if record, ok := s.engine.Get(port); ok {
		writeJSON(w, http.StatusOK, record)
		return
	}

	if s.store != nil {
		record, found, err := s.store.FindByPort(port)
		if err != nil {
			writeError(w, fmt.Errorf("%w: %v", ErrTelemetry, err))
			return
		}
		if found {
			writeJSON(w, http.StatusOK, record)
			return
		}
	}

	writeError(w, fmt.Errorf("%w: no drone on port %d", errNotFound, port))
}

// handleDeleteDrone stops the port's listener, evicts its state and
// removes the persisted snapshot.
func (s *Server) handleDeleteDrone(w http.ResponseWriter, r *http.Request) {
	port, err := portParam(r)
	if err != nil {
		writeError(w, err)
		return
	}

	s.registry.Stop(port)
	s.engine.Evict(port)
	if s.store != nil {
		if err := s.store.DeleteByPort(port); err != nil {
			writeError(w, fmt.Errorf("%w: %v", ErrTelemetry, err))
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListPorts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"ports": s.registry.Active()})
}

// handleScanPort probes one port on demand. A port already served by a
// listener maps to 409 PORT_IN_USE.
func (s *Server) handleScanPort(w http.ResponseWriter, r *http.Request) {
	port, err := portParam(r)
	if err != nil {
		writeError(w, err)
		return
	}

	out, err := s.orchestrator.ScanPort(r.Context(), port)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := map[string]interface{}{
		"port":   out.Port,
		"result": out.Result.String(),
	}
	if out.Sender != "" {
		resp["sender"] = out.Sender
	}
	writeJSON(w, http.StatusOK, resp)
}
