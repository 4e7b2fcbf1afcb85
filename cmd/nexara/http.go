package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"nexara/internal/auth"
	"nexara/internal/journal"
	"nexara/internal/metrics"
	"nexara/internal/middleware"
	"nexara/internal/pipeline"
	"nexara/internal/session"
	"nexara/internal/ws"
)

const defaultDetectionLimit = 50

// api serves the local dashboard endpoints
type api struct {
	monitor *session.Monitor
	journal *journal.Journal
	auth    *auth.Authenticator
	log     zerolog.Logger
}

// handleHTTPServer configures and starts the dashboard HTTP server. It shuts
// the server down when ctx is cancelled.
func handleHTTPServer(ctx context.Context, addr string, a *api, hub *ws.DetectionHub, mt *metrics.Metrics, wg *sync.WaitGroup, errc chan error, debug bool) {
	requireToken := middleware.RequireToken(a.auth)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", a.health)
	mux.Handle("GET /metrics", mt.Handler())
	mux.HandleFunc("POST /api/login", a.login)
	mux.Handle("GET /api/status", requireToken(http.HandlerFunc(a.status)))
	mux.Handle("GET /api/detections", requireToken(http.HandlerFunc(a.detections)))
	mux.Handle("GET /api/detections/{id}", requireToken(http.HandlerFunc(a.detection)))
	mux.Handle("PATCH /api/pipeline", requireToken(http.HandlerFunc(a.updatePipeline)))
	mux.Handle("POST /api/pipeline/reset", requireToken(http.HandlerFunc(a.resetPipeline)))
	mux.Handle("/ws/detections/", requireToken(ws.NewHandler(hub)))

	var handler http.Handler = mux
	if debug {
		handler = requestLog(a.log)(handler)
	}

	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 60 * time.Second}

	wg.Add(1)
	go func() {
		defer wg.Done()

		go func() {
			a.log.Info().Str("addr", addr).Msg("HTTP server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()

		<-ctx.Done()
		a.log.Info().Str("addr", addr).Msg("shutting down HTTP server")

		// Shutdown gracefully with a 30s timeout.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			a.log.Error().Err(err).Msg("failed to shutdown")
		}
	}()
}

// requestLog tags each request with an id and logs it at debug level
func requestLog(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-Id")
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set("X-Request-Id", id)

			start := time.Now()
			next.ServeHTTP(w, r)
			log.Debug().
				Str("request_id", id).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Dur("took", time.Since(start)).
				Msg("request")
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

func (a *api) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, expiresAt, err := a.auth.Authenticate(req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrAuthDisabled):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, auth.ErrInvalidCredentials):
		a.log.Warn().Str("username", req.Username).Str("remote", r.RemoteAddr).Msg("login failed")
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	case err != nil:
		a.log.Error().Err(err).Msg("token generation failed")
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: expiresAt})
}

type statusResponse struct {
	session.Snapshot
	Consensus *pipeline.Consensus `json:"consensus,omitempty"`
}

func (a *api) status(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Snapshot: a.monitor.Snapshot()}
	if c, ok := a.monitor.Pipeline().Consensus(); ok {
		resp.Consensus = &c
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) detections(w http.ResponseWriter, r *http.Request) {
	if a.journal == nil {
		writeError(w, http.StatusServiceUnavailable, "journal disabled")
		return
	}

	q := r.URL.Query()
	limit := defaultDetectionLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	var since *time.Time
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = &t
	}

	entries, err := a.journal.Recent(r.Context(), q.Get("camera_id"), since, limit)
	if err != nil {
		a.log.Error().Err(err).Msg("failed to list detections")
		writeError(w, http.StatusInternalServerError, "failed to list detections")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *api) detection(w http.ResponseWriter, r *http.Request) {
	if a.journal == nil {
		writeError(w, http.StatusServiceUnavailable, "journal disabled")
		return
	}
	e, err := a.journal.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, journal.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load detection")
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// pipelineUpdate is the wire form of pipeline.ConfigUpdate
type pipelineUpdate struct {
	TemporalWindowMs     *int64   `json:"temporal_window_ms"`
	ConfidenceThreshold  *float64 `json:"confidence_threshold"`
	MinimumConfirmations *int     `json:"minimum_confirmations"`
	SmoothingEnabled     *bool    `json:"smoothing_enabled"`
	ConsensusEnabled     *bool    `json:"consensus_enabled"`
}

func (a *api) updatePipeline(w http.ResponseWriter, r *http.Request) {
	var req pipelineUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	u := pipeline.ConfigUpdate{
		ConfidenceThreshold:  req.ConfidenceThreshold,
		MinimumConfirmations: req.MinimumConfirmations,
		SmoothingEnabled:     req.SmoothingEnabled,
		ConsensusEnabled:     req.ConsensusEnabled,
	}
	if req.TemporalWindowMs != nil {
		if *req.TemporalWindowMs <= 0 {
			writeError(w, http.StatusBadRequest, "temporal_window_ms must be positive")
			return
		}
		d := time.Duration(*req.TemporalWindowMs) * time.Millisecond
		u.TemporalWindow = &d
	}
	if t := req.ConfidenceThreshold; t != nil && (*t < 0 || *t > 1) {
		writeError(w, http.StatusBadRequest, "confidence_threshold must be in [0, 1]")
		return
	}
	if n := req.MinimumConfirmations; n != nil && *n < 1 {
		writeError(w, http.StatusBadRequest, "minimum_confirmations must be at least 1")
		return
	}

	a.monitor.Pipeline().UpdateConfig(u)
	writeJSON(w, http.StatusOK, a.monitor.Pipeline().Config())
}

func (a *api) resetPipeline(w http.ResponseWriter, r *http.Request) {
	a.monitor.Pipeline().Reset()
	w.WriteHeader(http.StatusNoContent)
}
