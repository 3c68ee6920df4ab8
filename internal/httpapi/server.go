// Package httpapi serves the balancer's management and inference HTTP APIs.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"balancerd/internal/balancer"
	"balancerd/internal/protocol"
	"balancerd/pkg/types"
)

// ManagementService is what the management API needs from the balancer.
type ManagementService interface {
	Agents() types.AgentsResponse
	// WaitChange blocks until the agent list may have changed.
	WaitChange(ctx context.Context) error
	IngestStatusUpdate(req types.StatusUpdateRequest) error
	ServeAgent(ctx context.Context, conn balancer.AgentConn) error
	DesiredState() *types.DesiredState
	SetDesiredState(ctx context.Context, ds types.DesiredState) error
}

// InferenceService is what the inference API needs from the balancer.
type InferenceService interface {
	Generate(ctx context.Context, req types.GenerateRequest, onToken func(string) error) (string, error)
	Ready() bool
}

// baseRouter installs the shared middleware stack and /healthz. chi requires
// every middleware before the first route, so extras are passed in.
func baseRouter(opts Options, extra ...func(http.Handler) http.Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	r.Use(accessLog(opts.Logger, opts.LogLevel))
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	r.Use(extra...)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
	}
}

// decodeJSON enforces the content type and body limit, then decodes into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		// Oversized bodies are reported as invalid too.
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// NewManagementMux serves agent listing, the agent socket, status ingestion,
// the fleet desired state and /metrics.
func NewManagementMux(svc ManagementService, opts Options) http.Handler {
	opts = opts.withDefaults()
	var extra []func(http.Handler) http.Handler
	if len(opts.CORSOrigins) > 0 {
		extra = append(extra, cors.Handler(cors.Options{
			AllowedOrigins: opts.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", "X-Log-Level", "X-Request-Id"},
			MaxAge:         300,
		}))
	}
	r := baseRouter(opts, extra...)
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Agents are not browsers; origin is not meaningful.
		CheckOrigin: func(*http.Request) bool { return true },
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.With(middleware.Compress(5)).Get("/agents", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, svc.Agents())
		})

		r.Get("/agents/stream", func(w http.ResponseWriter, r *http.Request) {
			flusher, ok := w.(http.Flusher)
			if !ok {
				writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
				return
			}
			ctx, cancel := joinContexts(opts.BaseContext, r.Context())
			defer cancel()
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.WriteHeader(http.StatusOK)
			for {
				b, err := json.Marshal(svc.Agents())
				if err != nil {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
					return
				}
				flusher.Flush()
				if err := svc.WaitChange(ctx); err != nil {
					return
				}
			}
		})

		r.Post("/agents/status_update", func(w http.ResponseWriter, r *http.Request) {
			var req types.StatusUpdateRequest
			if !decodeJSON(w, r, opts.MaxBodyBytes, &req) {
				return
			}
			if req.AgentID == "" {
				writeJSONError(w, http.StatusBadRequest, "agent_id is required")
				return
			}
			if err := svc.IngestStatusUpdate(req); err != nil {
				writeJSONError(w, statusFor(err), err.Error())
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})

		r.Get("/agent_socket", func(w http.ResponseWriter, r *http.Request) {
			ws, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				// Upgrade already replied.
				return
			}
			ctx, cancel := joinContexts(opts.BaseContext, r.Context())
			defer cancel()
			if err := svc.ServeAgent(ctx, protocol.NewConn(ws)); err != nil {
				opts.Logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("agent connection ended")
			}
		})

		r.With(middleware.Compress(5)).Get("/balancer_desired_state", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, types.BalancerDesiredStateResponse{DesiredState: svc.DesiredState()})
		})

		r.Put("/balancer_desired_state", func(w http.ResponseWriter, r *http.Request) {
			var ds types.DesiredState
			if !decodeJSON(w, r, opts.MaxBodyBytes, &ds) {
				return
			}
			if err := svc.SetDesiredState(r.Context(), ds); err != nil {
				writeJSONError(w, statusFor(err), err.Error())
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
	})

	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	MountSwagger(r)
	return r
}

// NewInferenceMux serves POST /api/v1/generate as an NDJSON token stream.
func NewInferenceMux(svc InferenceService, opts Options) http.Handler {
	opts = opts.withDefaults()
	r := baseRouter(opts)

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
	})

	r.Post("/api/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		var req types.GenerateRequest
		if !decodeJSON(w, r, opts.MaxBodyBytes, &req) {
			return
		}
		if strings.TrimSpace(req.Prompt) == "" {
			writeJSONError(w, http.StatusBadRequest, "prompt is required")
			return
		}
		if req.MaxTokens < 0 {
			writeJSONError(w, http.StatusBadRequest, "max_tokens must not be negative")
			return
		}

		lvl := requestLogLevel(r, opts.LogLevel)
		logger := opts.Logger.With().Str("request_id", middleware.GetReqID(r.Context())).Logger()
		out := io.Writer(w)
		if lvl >= LevelDebug {
			out = io.MultiWriter(w, &lineLogger{logger: logger})
		}
		enc := json.NewEncoder(out)
		flusher, _ := w.(http.Flusher)
		started := false
		writeLine := func(line types.GenerateLine) error {
			if !started {
				w.Header().Set("Content-Type", "application/x-ndjson")
				w.WriteHeader(http.StatusOK)
				started = true
			}
			if err := enc.Encode(line); err != nil {
				return err
			}
			if flusher != nil {
				flusher.Flush()
			}
			return nil
		}

		ctx, cancel := joinContexts(opts.BaseContext, r.Context())
		defer cancel()
		start := time.Now()
		agentID, err := svc.Generate(ctx, req, func(tok string) error {
			return writeLine(types.GenerateLine{Token: tok})
		})
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				// Client went away or the server is shutting down.
				return
			}
			status := statusFor(err)
			if status == http.StatusTooManyRequests {
				IncrementBackpressure("buffered_requests")
			}
			if lvl >= LevelInfo {
				logger.Info().Int("status", status).Str("agent_id", agentID).Dur("dur", time.Since(start)).Err(err).Msg("generate end")
			}
			if started {
				_ = writeLine(types.GenerateLine{Done: true, AgentID: agentID, Error: err.Error()})
				return
			}
			writeJSONError(w, status, err.Error())
			return
		}
		_ = writeLine(types.GenerateLine{Done: true, AgentID: agentID})
		if lvl >= LevelInfo {
			logger.Info().Int("status", http.StatusOK).Str("agent_id", agentID).Dur("dur", time.Since(start)).Msg("generate end")
		}
	})

	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	return r
}
