// Package api exposes the HTTP interface for the engine.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/bmie/internal/job"
	"github.com/JakeFAU/bmie/internal/llm"
	"github.com/JakeFAU/bmie/internal/metrics"
	"github.com/JakeFAU/bmie/internal/orchestrator"
	"github.com/JakeFAU/bmie/internal/store"
)

// ContentTypeNDJSON is the media type of streamed event responses.
const ContentTypeNDJSON = "application/x-ndjson"

const defaultMaxUploadBytes = 8 << 20

// Runner is the orchestrator surface the API drives.
type Runner interface {
	Start(ctx context.Context, cmd job.StartCommand) (*orchestrator.Run, error)
	Cancel() bool
	Current() *orchestrator.Run
	Snapshot() job.Snapshot
}

// Options configures a Server.
type Options struct {
	// Defaults are applied to every start command before the request body.
	Defaults job.Options
	// APIKey, when set, is required in the X-API-Key header.
	APIKey         string
	MaxUploadBytes int64
	// Ready reports downstream readiness for /readyz. Nil means always ready.
	Ready func(ctx context.Context) error
	// History serves /v1/runs. Nil answers 503.
	History store.HistoryRepository
}

// Server wires HTTP handlers to the orchestrator.
type Server struct {
	router   chi.Router
	runner   Runner
	progress *ProgressHandler
	history  *HistoryHandler
	opts     Options
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(runner Runner, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUploadBytes
	}
	metrics.Init()
	s := &Server{
		runner:   runner,
		progress: NewProgressHandler(runner, logger),
		history:  NewHistoryHandler(opts.History, logger),
		opts:     opts,
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1/jobs", func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Post("/", s.startJob)
		r.Post("/analyze", s.startAnalysis)
		r.Route("/current", func(r chi.Router) {
			r.Get("/", s.progress.Snapshot)
			r.Get("/items", s.progress.ListItems)
			r.Get("/events", s.progress.Events)
			r.Get("/artifacts", s.progress.ListArtifacts)
			r.Post("/cancel", s.cancelJob)
		})
	})
	r.Route("/v1/runs", func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Get("/", s.history.ListRuns)
		r.Get("/{runID}", s.history.GetRun)
		r.Get("/{runID}/sites", s.history.ListRunSites)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.opts.Ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// startRequest is the JSON body of POST /v1/jobs.
type startRequest struct {
	job.StartCommand
	APIKey string `json:"apiKey,omitempty"`
}

func (s *Server) startJob(w http.ResponseWriter, r *http.Request) {
	req := startRequest{StartCommand: job.StartCommand{Options: s.opts.Defaults}}
	if err := decodeStrict(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	cmd := req.StartCommand
	if req.APIKey != "" {
		cmd.Credentials = map[string]string{llm.CredentialsKey: req.APIKey}
	}
	s.launch(w, r, cmd)
}

func (s *Server) startAnalysis(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(s.opts.MaxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			s.logger.Debug("close upload", zap.Error(cerr))
		}
	}()
	content, err := io.ReadAll(io.LimitReader(file, s.opts.MaxUploadBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read file")
		return
	}
	if int64(len(content)) > s.opts.MaxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "file too large")
		return
	}

	opts := s.opts.Defaults
	if raw := strings.TrimSpace(r.FormValue("options")); raw != "" {
		if err := decodeStrict(strings.NewReader(raw), &opts); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid options: %v", err))
			return
		}
	}
	cmd := job.StartCommand{
		Kind:    job.KindAnalysis,
		Input:   header.Filename,
		File:    &job.FileInput{Name: header.Filename, Content: content},
		Options: opts,
		Meta:    map[string]string{},
	}
	if provider := strings.TrimSpace(r.FormValue("provider")); provider != "" {
		cmd.Meta[llm.MetaProvider] = provider
	}
	if model := strings.TrimSpace(r.FormValue("model")); model != "" {
		cmd.Meta[llm.MetaModel] = model
	}
	if key := strings.TrimSpace(r.FormValue("apiKey")); key != "" {
		cmd.Credentials = map[string]string{llm.CredentialsKey: key}
	}
	s.launch(w, r, cmd)
}

// launch starts the run and either streams its events or, with ?detach=true,
// answers 202 with the run ID.
func (s *Server) launch(w http.ResponseWriter, r *http.Request, cmd job.StartCommand) {
	run, err := s.runner.Start(r.Context(), cmd)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			s.logger.Error("start run failed", zap.Error(err))
		}
		writeError(w, status, err.Error())
		return
	}
	s.logger.Info("run started", zap.String("run_id", run.ID()), zap.String("kind", string(cmd.Kind)))

	if detach, _ := strconv.ParseBool(r.URL.Query().Get("detach")); detach {
		writeJSON(w, http.StatusAccepted, map[string]string{"run_id": run.ID()})
		return
	}
	s.progress.stream(w, r, run, 0)
}

func (s *Server) cancelJob(w http.ResponseWriter, _ *http.Request) {
	canceled := s.runner.Cancel()
	if canceled {
		s.logger.Info("run cancel requested")
	}
	writeJSON(w, http.StatusOK, map[string]bool{"canceled": canceled})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, job.ErrRunActive):
		return http.StatusConflict
	case errors.Is(err, job.ErrInvalidConfig), errors.Is(err, job.ErrNoItems):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decodeStrict(r io.Reader, dst any) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after JSON body")
	}
	return nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", requestID(r.Context())),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-API-Key") != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		http.Error(w, "encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
