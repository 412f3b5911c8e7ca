// Package httpapi is the OpenAI-style HTTP surface of coderd.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	vd "github.com/bytedance/go-tagexpr/v2/validator"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"coderd/internal/manager"
	"coderd/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
// *manager.Manager implements it.
type Service interface {
	Models() []types.ModelStatus
	Model(id string) (types.ModelStatus, bool)
	Report() types.StatusResponse
	Ready() bool
	RequestFromWire(types.ChatCompletionRequest) manager.ChatRequest
	Complete(ctx context.Context, req manager.ChatRequest) (*manager.Outcome, error)
	StartDownload(ctx context.Context, id string) (string, error)
}

func init() {
	vd.SetErrorFactory(func(failPath, msg string) error {
		if msg == "" {
			return fmt.Errorf("invalid parameter: %s", failPath)
		}
		return errors.New(msg)
	})
}

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	// Compression for JSON endpoints; event streams are left alone.
	r.Use(middleware.Compress(5, "application/json"))
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
			MaxAge:         300,
		}))
	}

	h := &handlers{svc: svc}
	r.Route("/v1", func(r chi.Router) {
		r.Use(APIKeyMiddleware)
		r.Post("/chat/completions", h.chatCompletions)
		r.Get("/models", h.listModels)
		r.Get("/models/{id}", h.getModel)
		r.Post("/models/{id}/download", h.downloadModel)
	})

	r.Get("/status", h.status)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Get("/openapi.json", openAPIHandler)
	MountSwagger(r)
	return r
}

type handlers struct {
	svc Service
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func requestLogger(r *http.Request) zerolog.Logger {
	l := zlog.With().Str("path", r.URL.Path)
	if rid := middleware.GetReqID(r.Context()); rid != "" {
		l = l.Str("request_id", rid)
	}
	return l.Logger()
}

// listModels godoc
// @Summary      List catalog models
// @Tags         models
// @Produce      json
// @Success      200  {object}  types.ModelsResponse
// @Failure      401  {object}  types.ErrorResponse
// @Router       /v1/models [get]
func (h *handlers) listModels(w http.ResponseWriter, r *http.Request) {
	resp := types.ModelsResponse{Object: "list", Data: []types.ModelObject{}}
	for _, m := range h.svc.Models() {
		resp.Data = append(resp.Data, modelObject(m))
	}
	writeJSON(w, http.StatusOK, resp)
}

func modelObject(m types.ModelStatus) types.ModelObject {
	return types.ModelObject{Object: "model", OwnedBy: "coderd", ModelStatus: m}
}

// getModel godoc
// @Summary      Get one model's status
// @Tags         models
// @Produce      json
// @Param        id   path      string  true  "Model id"
// @Success      200  {object}  types.ModelObject
// @Failure      404  {object}  types.ErrorResponse
// @Router       /v1/models/{id} [get]
func (h *handlers) getModel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, ok := h.svc.Model(id)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "not_found", "model not found: "+id)
		return
	}
	writeJSON(w, http.StatusOK, modelObject(m))
}

// downloadModel godoc
// @Summary      Download and load a model in the background
// @Tags         models
// @Produce      json
// @Param        id   path      string  true  "Model id"
// @Success      202  {object}  types.OperationResponse
// @Failure      404  {object}  types.ErrorResponse
// @Router       /v1/models/{id}/download [post]
func (h *handlers) downloadModel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	op, err := h.svc.StartDownload(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	rl := requestLogger(r)
	rl.Info().Str("model", id).Str("op_id", op).Msg("download requested")
	writeJSON(w, http.StatusAccepted, types.OperationResponse{OpID: op})
}

// status godoc
// @Summary      Server and model status
// @Tags         ops
// @Produce      json
// @Success      200  {object}  types.StatusResponse
// @Router       /status [get]
func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Report())
}

// chatCompletions godoc
// @Summary      Create a chat completion
// @Description  With "stream": true the response is a text/event-stream of chat.completion.chunk events ending with "data: [DONE]".
// @Tags         chat
// @Accept       json
// @Produce      json
// @Param        request  body      types.ChatCompletionRequest  true  "Chat request"
// @Success      200      {object}  types.ChatCompletionResponse
// @Failure      400      {object}  types.ErrorResponse
// @Failure      404      {object}  types.ErrorResponse
// @Failure      429      {object}  types.ErrorResponse
// @Failure      502      {object}  types.ErrorResponse
// @Router       /v1/chat/completions [post]
func (h *handlers) chatCompletions(w http.ResponseWriter, r *http.Request) {
	// Content-Type check
	if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mt != "application/json" {
		writeJSONError(w, http.StatusUnsupportedMediaType, "validation", "Content-Type must be application/json")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var wire types.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "validation", "request body too large")
			return
		}
		writeJSONError(w, http.StatusBadRequest, "validation", "invalid JSON body")
		return
	}
	if err := vd.Validate(&wire); err != nil {
		writeJSONError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	req := h.svc.RequestFromWire(wire)

	lvl := requestLogLevel(r)
	log := requestLogger(r).With().Str("model", req.ModelID).Logger()
	start := time.Now()
	if lvl >= LevelInfo {
		log.Info().Int("n", req.N).Bool("stream", req.Stream).Msg("chat start")
	}
	status := http.StatusOK
	defer func() {
		switch {
		case lvl >= LevelInfo:
			log.Info().Int("status", status).Int64("dur_ms", time.Since(start).Milliseconds()).Msg("chat end")
		case lvl >= LevelError && status >= 500:
			log.Error().Int("status", status).Int64("dur_ms", time.Since(start).Milliseconds()).Msg("chat end")
		}
	}()

	// Join server base context with request context so shutdown cancels work too.
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	if requestTimeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, time.Duration(requestTimeout)*time.Second)
		defer tcancel()
	}

	out, err := h.svc.Complete(ctx, req)
	if err != nil {
		status = completionError(ctx, w, r, err)
		return
	}
	if out.Stream == nil {
		writeJSON(w, http.StatusOK, chatResponse(out.Response))
		return
	}
	defer out.Stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	var tee io.Writer
	if lvl >= LevelDebug {
		tee = &loggingLineWriter{log: log}
	}
	sw := newSSEWriter(w, tee)
	if err := streamChat(ctx, sw, out, req.N); err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Int("events", sw.count).Msg("stream ended early")
		}
	}
}

// completionError writes the response for a failed Complete and returns
// the status used. Nothing is written for a client that went away.
func completionError(ctx context.Context, w http.ResponseWriter, r *http.Request, err error) int {
	switch {
	case r.Context().Err() != nil:
		return 499
	case serverBaseCtx.Err() != nil:
		writeJSONError(w, http.StatusServiceUnavailable, "unavailable", "server is shutting down")
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil:
		writeJSONError(w, http.StatusGatewayTimeout, "timeout", "request timed out")
		return http.StatusGatewayTimeout
	}
	return writeError(w, err)
}

func chatResponse(resp *manager.ChatResponse) types.ChatCompletionResponse {
	out := types.ChatCompletionResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: resp.Created.Unix(),
		Model:   resp.ModelID,
		Usage: types.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, c := range resp.Choices {
		out.Choices = append(out.Choices, types.ChatCompletionChoice{
			Index:        c.Index,
			Message:      types.ChatMessage{Role: "assistant", Content: c.Text},
			FinishReason: c.FinishReason,
		})
	}
	return out
}

// streamChat relays out.Stream as chat.completion.chunk events. Every
// choice first gets a role delta; the stream ends with [DONE], or with an
// error event if generation failed.
func streamChat(ctx context.Context, sw *sseWriter, out *manager.Outcome, n int) error {
	chunk := func(c types.ChatCompletionChunkChoice) types.ChatCompletionChunk {
		return types.ChatCompletionChunk{
			ID:      out.ID,
			Object:  "chat.completion.chunk",
			Created: out.Created.Unix(),
			Model:   out.ModelID,
			Choices: []types.ChatCompletionChunkChoice{c},
		}
	}
	for i := 0; i < n; i++ {
		if err := sw.data("chunk", chunk(types.ChatCompletionChunkChoice{Index: i, Delta: types.ChatDelta{Role: "assistant"}})); err != nil {
			return err
		}
	}
	for {
		c, err := out.Stream.Recv(ctx)
		if errors.Is(err, io.EOF) {
			return sw.done()
		}
		if err != nil {
			if ctx.Err() == nil {
				status, typ := statusOf(err)
				_ = sw.data("error", errorBody(status, typ, err.Error()))
			}
			return err
		}
		if c.Text == "" && !c.Finished {
			continue
		}
		cc := types.ChatCompletionChunkChoice{Index: c.Index, Delta: types.ChatDelta{Content: c.Text}}
		if c.Finished {
			reason := c.FinishReason
			cc.FinishReason = &reason
		}
		if err := sw.data("chunk", chunk(cc)); err != nil {
			return err
		}
	}
}
