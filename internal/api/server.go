// Package api exposes the ingest pipeline over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"sensoretl/internal/ingest"
	"sensoretl/internal/metrics"
)

// Pipeline is the part of *ingest.Orchestrator the server drives.
type Pipeline interface {
	Ingest(ctx context.Context, fileName string, body io.Reader) (ingest.Summary, error)
	IngestDir(ctx context.Context, dir string, opts ingest.BatchOptions) (ingest.BatchReport, error)
	Reset(ctx context.Context) error
}

// Options configures a Server.
type Options struct {
	// UploadDir is scanned by the dev batch route.
	UploadDir string

	Batch ingest.BatchOptions

	// MaxUploadBytes caps a request body. <= 0 means unlimited.
	MaxUploadBytes int64

	// MetricsHandler is mounted on /metrics when set.
	MetricsHandler http.Handler

	Logger ingest.Logger
}

type Server struct {
	router   chi.Router
	pipeline Pipeline
	opts     Options
	log      ingest.Logger
}

func NewServer(p Pipeline, opts Options) (*Server, error) {
	if p == nil {
		return nil, fmt.Errorf("pipeline required")
	}
	l := opts.Logger
	if l == nil {
		l = log.New(io.Discard, "", 0)
	}
	s := &Server{router: chi.NewRouter(), pipeline: p, opts: opts, log: l}
	s.routes()
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.observe)

	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.opts.MetricsHandler != nil {
		s.router.Method(http.MethodGet, "/metrics", s.opts.MetricsHandler)
	}

	s.router.Route("/api", func(r chi.Router) {
		r.Post("/upload-csv", s.handleUpload)
		r.Get("/dev/upload-sample", s.handleUploadDir)
		r.Post("/dev/upload-sample", s.handleUploadDir)
		r.Post("/admin/reset", s.handleReset)
	})
}

// observe logs each request and records HTTP metrics under the matched
// route pattern, so path parameters never explode label cardinality.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		metrics.RecordHTTP(r.Method, route, status, time.Since(start))
		s.log.Printf("stage=http method=%s route=%s status=%d bytes=%d request_id=%s duration=%s",
			r.Method, route, status, ww.BytesWritten(), middleware.GetReqID(r.Context()), time.Since(start).Truncate(time.Millisecond))
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.opts.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	}

	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, &ingest.Error{Kind: ingest.KindRejectedInput, Op: "upload", Detail: "expected multipart/form-data", Err: err})
		return
	}

	// Stream the first "file" part straight into the pipeline.
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			writeError(w, statusFor(err, http.StatusBadRequest), &ingest.Error{Kind: ingest.KindRejectedInput, Op: "upload", Detail: "malformed multipart body", Err: err})
			return
		}
		if part.FormName() != "file" {
			_ = part.Close()
			continue
		}

		summary, err := s.pipeline.Ingest(r.Context(), part.FileName(), part)
		_ = part.Close()
		if err != nil {
			writeError(w, statusFor(err, http.StatusInternalServerError), err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
		return
	}

	writeError(w, http.StatusBadRequest, &ingest.Error{Kind: ingest.KindRejectedInput, Op: "upload", Detail: `missing form field "file"`})
}

func (s *Server) handleUploadDir(w http.ResponseWriter, r *http.Request) {
	rep, err := s.pipeline.IngestDir(r.Context(), s.opts.UploadDir, s.opts.Batch)
	if err != nil {
		writeError(w, statusFor(err, http.StatusInternalServerError), err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.pipeline.Reset(r.Context()); err != nil {
		writeError(w, statusFor(err, http.StatusInternalServerError), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// statusFor maps pipeline errors onto HTTP statuses; fallback covers
// errors that carry no ingest kind.
func statusFor(err error, fallback int) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ingest.ErrResetDisabled):
		return http.StatusForbidden
	}
	switch ingest.KindOf(err) {
	case ingest.KindRejectedInput:
		return http.StatusBadRequest
	case ingest.KindConflict:
		return http.StatusConflict
	case ingest.KindTransactionFailure, ingest.KindResourceFailure:
		return http.StatusInternalServerError
	}
	return fallback
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Error string      `json:"error"`
	Kind  ingest.Kind `json:"kind,omitempty"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: ingest.KindOf(err)})
}
