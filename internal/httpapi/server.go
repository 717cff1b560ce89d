// Package httpapi exposes the admin and inference surface of the pool:
// cluster status, model listing, chat streaming, instance control and
// Prometheus metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"modelpool/internal/chat"
	"modelpool/internal/cluster"
	"modelpool/internal/ollama"
	"modelpool/internal/registry"
	"modelpool/pkg/types"
)

// Pool is the cluster surface the HTTP layer needs.
type Pool interface {
	Snapshot(ctx context.Context) types.ClusterStatus
	Refresh(ctx context.Context)
	Unload(ctx context.Context, instanceID, model string) error
	AvailableModelNames(ctx context.Context) []string
}

// Chatter runs streaming chat completions and OCR-style generations.
type Chatter interface {
	Chat(ctx context.Context, opts chat.Options) (chat.Response, error)
	OCR(ctx context.Context, opts chat.OCROptions) (chat.Response, error)
}

// Workspaces is the read side of the workspace registry.
type Workspaces interface {
	Workspaces() []string
	Get(workspaceID string) (registry.Entry, bool)
}

// ChatRequest is the POST /chat body.
type ChatRequest struct {
	Model    string               `json:"model"`
	Messages []ollama.ChatMessage `json:"messages"`
	// Provider picks the backend serving the model; empty means ollama.
	Provider string `json:"provider,omitempty"`
	// TimeoutSeconds bounds the whole call; 0 uses the configured default.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
	// AbortOnConsecutiveRepeats enables the output loop detector.
	AbortOnConsecutiveRepeats int `json:"abort_on_consecutive_repeats,omitempty"`
	// Stream switches the response to NDJSON with per-chunk deltas.
	Stream bool `json:"stream,omitempty"`
}

// OCRRequest is the POST /ocr body: a prompt plus base64 page images for a
// vision model.
type OCRRequest struct {
	Model    string   `json:"model"`
	Prompt   string   `json:"prompt"`
	Images   []string `json:"images"`
	Provider string   `json:"provider,omitempty"`
}

// UnloadRequest is the POST /instances/{id}/unload body.
type UnloadRequest struct {
	Model string `json:"model"`
}

func NewMux(pool Pool, chatter Chatter, workspaces Workspaces) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, pool.Snapshot(r.Context()))
	})

	r.Get("/models", func(w http.ResponseWriter, r *http.Request) {
		names := pool.AvailableModelNames(r.Context())
		if names == nil {
			names = []string{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"models": names})
	})

	r.Post("/refresh", func(w http.ResponseWriter, r *http.Request) {
		pool.Refresh(r.Context())
		writeJSON(w, http.StatusOK, pool.Snapshot(r.Context()))
	})

	r.Post("/instances/{id}/unload", func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var req UnloadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if strings.TrimSpace(req.Model) == "" {
			writeJSONError(w, http.StatusBadRequest, "model is required")
			return
		}
		id := chi.URLParam(r, "id")
		if err := pool.Unload(r.Context(), id, req.Model); err != nil {
			if cluster.IsInstanceNotFound(err) {
				writeJSONError(w, http.StatusNotFound, err.Error())
				return
			}
			writeJSONError(w, http.StatusBadGateway, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Get("/workspaces", func(w http.ResponseWriter, r *http.Request) {
		ids := workspaces.Workspaces()
		entries := make([]registry.Entry, 0, len(ids))
		for _, id := range ids {
			if e, ok := workspaces.Get(id); ok {
				entries = append(entries, e)
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"workspaces": entries})
	})

	r.Post("/chat", func(w http.ResponseWriter, r *http.Request) {
		handleChat(w, r, chatter)
	})

	r.Post("/ocr", func(w http.ResponseWriter, r *http.Request) {
		handleOCR(w, r, chatter)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		snap := pool.Snapshot(r.Context())
		if snap.AvailableInstances > 0 {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("no available instances"))
	})

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}

func handleChat(w http.ResponseWriter, r *http.Request, chatter Chatter) {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Model) == "" {
		writeJSONError(w, http.StatusBadRequest, "model is required")
		return
	}
	if len(req.Messages) == 0 {
		writeJSONError(w, http.StatusBadRequest, "messages are required")
		return
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = time.Duration(chatTimeoutSeconds()) * time.Second
	}

	// Join the server base context so shutdown cancels in-flight chats too.
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()

	start := time.Now()
	lvl := requestLogLevel(r)
	if lvl >= LevelInfo {
		z := log.Info().Str("path", r.URL.Path).Str("model", req.Model)
		if rid := middleware.GetReqID(r.Context()); rid != "" {
			z = z.Str("request_id", rid)
		}
		z.Msg("chat start")
	}

	opts := chat.Options{
		Model:                     req.Model,
		Messages:                  req.Messages,
		Provider:                  types.ProviderType(req.Provider),
		Timeout:                   timeout,
		AbortOnConsecutiveRepeats: req.AbortOnConsecutiveRepeats,
	}

	if !req.Stream {
		resp, err := chatter.Chat(ctx, opts)
		if err != nil {
			writeChatError(w, r, err, start, lvl)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		logChatEnd(r, http.StatusOK, start, lvl, nil)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	var flush func()
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}
	enc := json.NewEncoder(w)
	wrote := false
	opts.OnChunk = func(delta string) {
		wrote = true
		_ = enc.Encode(map[string]string{"content": delta})
		if lvl >= LevelDebug {
			log.Debug().Str("model", req.Model).Msg("chat> " + delta)
		}
		if flush != nil {
			flush()
		}
	}

	resp, err := chatter.Chat(ctx, opts)
	if err != nil {
		if !wrote {
			writeChatError(w, r, err, start, lvl)
			return
		}
		// Headers are gone; report the failure as a terminal NDJSON line.
		_ = enc.Encode(types.ErrorResponse{Error: err.Error(), Code: http.StatusInternalServerError})
		logChatEnd(r, http.StatusInternalServerError, start, lvl, err)
		return
	}
	_ = enc.Encode(resp)
	if flush != nil {
		flush()
	}
	logChatEnd(r, http.StatusOK, start, lvl, nil)
}

func handleOCR(w http.ResponseWriter, r *http.Request, chatter Chatter) {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req OCRRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Model) == "" {
		writeJSONError(w, http.StatusBadRequest, "model is required")
		return
	}
	if len(req.Images) == 0 {
		writeJSONError(w, http.StatusBadRequest, "images are required")
		return
	}

	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()

	start := time.Now()
	lvl := requestLogLevel(r)
	resp, err := chatter.OCR(ctx, chat.OCROptions{
		Model:    req.Model,
		Prompt:   req.Prompt,
		Images:   req.Images,
		Provider: types.ProviderType(req.Provider),
	})
	if err != nil {
		writeChatError(w, r, err, start, lvl)
		return
	}
	writeJSON(w, http.StatusOK, resp)
	logChatEnd(r, http.StatusOK, start, lvl, nil)
}

// writeChatError maps pool/chat errors onto HTTP status codes.
func writeChatError(w http.ResponseWriter, r *http.Request, err error, start time.Time, lvl LogLevel) {
	if r.Context().Err() != nil || serverBaseCtx.Err() != nil {
		return
	}
	status := http.StatusInternalServerError
	switch {
	case cluster.IsNoInstance(err):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusTooManyRequests
		IncrementBackpressure("admission")
	case chat.IsRepetition(err):
		status = http.StatusUnprocessableEntity
	case chat.IsUnsupportedProvider(err):
		status = http.StatusBadRequest
	}
	writeJSONError(w, status, err.Error())
	logChatEnd(r, status, start, lvl, err)
}

func logChatEnd(r *http.Request, status int, start time.Time, lvl LogLevel, err error) {
	if lvl < LevelInfo {
		return
	}
	z := log.Info().Int("status", status).Dur("dur", time.Since(start))
	if rid := middleware.GetReqID(r.Context()); rid != "" {
		z = z.Str("request_id", rid)
	}
	if err != nil {
		z = z.Err(err)
	}
	z.Msg("chat end")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("failed to encode response")
	}
}
