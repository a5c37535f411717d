package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/marketflow/collector/internal/telemetry"
)

// Server exposes the control plane over HTTP.
type Server struct {
	collector *Collector
	bus       *telemetry.Bus
	metrics   *telemetry.Metrics
	router    *mux.Router
	httpSrv   *http.Server
	upgrader  websocket.Upgrader
}

// NewServer wires the router. The /metrics endpoint serves the private
// registry; control endpoints delegate to the collector.
func NewServer(port int, collector *Collector, bus *telemetry.Bus, metrics *telemetry.Metrics) *Server {
	s := &Server{
		collector: collector,
		bus:       bus,
		metrics:   metrics,
		router:    mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Control plane binds to localhost or sits behind the
			// deployment proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.routes()
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.Use(s.requestIDMiddleware, s.loggingMiddleware)

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/start", s.handleStart).Methods(http.MethodPost)
	v1.HandleFunc("/stop", s.handleStop).Methods(http.MethodPost)
	v1.HandleFunc("/restart", s.handleRestart).Methods(http.MethodPost)
	v1.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/dbstats", s.handleDBStats).Methods(http.MethodGet)
	v1.HandleFunc("/validate", s.handleValidate).Methods(http.MethodGet, http.MethodPost)

	s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	s.router.HandleFunc("/ws/telemetry", s.handleTelemetryWS)
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
}

// ListenAndServe blocks until the server exits.
func (s *Server) ListenAndServe() error {
	log.Info().Str("addr", s.httpSrv.Addr).Msg("Control plane listening")
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// startResponse pairs the Start verdict with a status snapshot.
type startResponse struct {
	Verdict string `json:"verdict"`
	Status  Status `json:"status"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req *StartRequest
	if r.Body != nil {
		defer r.Body.Close()
		var body StartRequest
		switch err := json.NewDecoder(r.Body).Decode(&body); {
		case err == nil:
			req = &body
		case errors.Is(err, io.EOF):
			// No body: start with the loaded configuration.
		default:
			s.writeJSON(w, http.StatusBadRequest, map[string]string{
				"verdict": VerdictInvalid, "error": "malformed request body: " + err.Error(),
			})
			return
		}
	}

	verdict, err := s.collector.Start(r.Context(), req)
	if err != nil {
		var cfgErr *ConfigError
		if errors.As(err, &cfgErr) {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{
				"verdict": VerdictInvalid, "error": err.Error(),
			})
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, startResponse{Verdict: verdict, Status: s.collector.Status()})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.collector.Stop(r.Context()); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.collector.Status())
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if err := s.collector.Restart(r.Context()); err != nil {
		var cfgErr *ConfigError
		if errors.As(err, &cfgErr) {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.collector.Status())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.collector.Status())
}

func (s *Server) handleDBStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.collector.DBStats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	report, err := s.collector.Validate(r.Context())
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	code := http.StatusOK
	if !report.Passed {
		code = http.StatusConflict
	}
	s.writeJSON(w, code, report)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleTelemetryWS pushes bus events as they occur plus a status
// frame at least every 5 seconds.
func (s *Server) handleTelemetryWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Telemetry websocket upgrade failed")
		return
	}
	defer conn.Close()

	id, events, cancel := s.bus.Subscribe()
	defer cancel()
	log.Debug().Str("subscriber", id).Msg("Telemetry subscriber connected")

	// Reader goroutine notices client disconnects; inbound payloads
	// are ignored.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	statusTick := time.NewTicker(5 * time.Second)
	defer statusTick.Stop()

	writeFrame := func(kind string, payload interface{}) bool {
		frame := map[string]interface{}{"type": kind, "payload": payload}
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(frame); err != nil {
			return false
		}
		return true
	}

	if !writeFrame("status", s.collector.Status()) {
		return
	}
	for {
		select {
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !writeFrame("event", ev) {
				return
			}
		case <-statusTick.C:
			if !writeFrame("status", s.collector.Status()) {
				return
			}
		}
	}
}

type ctxKey string

const requestIDKey ctxKey = "request_id"

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()[:8]
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		id, _ := r.Context().Value(requestIDKey).(string)
		log.Debug().Str("request_id", id).Str("method", r.Method).Str("path", r.URL.Path).
			Int("status", rec.status).Dur("duration", time.Since(start)).Msg("HTTP request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrade pass through the middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("api: response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Warn().Err(err).Msg("Response encode failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}
