package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/jo-hoe/podqueue/internal/common"
	"github.com/jo-hoe/podqueue/internal/config"
	"github.com/jo-hoe/podqueue/internal/jobs"
	"github.com/jo-hoe/podqueue/internal/metrics"
	"github.com/jo-hoe/podqueue/internal/service"
)

// Pinger reports whether the job store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	Log     *slog.Logger
	Cfg     *config.Config
	Jobs    *service.Service
	Store   Pinger
	Metrics *metrics.Metrics
}

// NewHTTPServer builds the http.Server with routes and middleware.
func NewHTTPServer(s *Server) *http.Server {
	return &http.Server{
		Addr:         s.Cfg.Server.Addr,
		Handler:      s.Router(),
		ReadTimeout:  s.Cfg.Server.ReadTimeout,
		WriteTimeout: s.Cfg.Server.WriteTimeout,
		IdleTimeout:  s.Cfg.Server.IdleTimeout,
	}
}

func (s *Server) Router() http.Handler {
	if s.Log == nil {
		s.Log = discardLogger()
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware(s.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.Cfg.Server.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", common.HeaderAPIKey},
		MaxAge:         300,
	}))

	r.Get(common.PathHealth, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": common.HealthStatusOK, "service": common.ServiceName})
	})
	r.Handle(common.PathMetrics, s.Metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.withCommon)
		r.Get(common.PathReady, s.handleReady)
		r.Post(common.PathGenerateAsync, s.handleGenerate)
		r.Get(common.PathStatus+"/{id}", s.handleStatus)
		r.Get(common.PathLibrary, s.handleLibrary)
		r.Get(common.PathAudio+"/{id}", s.handleAudio)
	})
	return r
}

func (s *Server) withCommon(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Enforce API key if configured
		if key := strings.TrimSpace(s.Cfg.Server.APIKey); key != "" {
			if r.Header.Get(common.HeaderAPIKey) != key {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		if max := safeInt64(s.Cfg.Server.MaxBodySize); max > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, max)
		}
		next.ServeHTTP(w, r)
	})
}

type generateRequest struct {
	URL string `json:"url"`
}

type generateResponse struct {
	JobID    string `json:"job_id"`
	Status   string `json:"status"`
	AudioURL string `json:"audio_url,omitempty"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	v, err := s.Jobs.Submit(r.Context(), req.URL)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, generateResponse{JobID: v.ID, Status: string(v.State), AudioURL: v.AccessRef})
}

type statusResponse struct {
	Status       string     `json:"status"`
	AudioURL     string     `json:"audio_url,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	RetryCount   int        `json:"retry_count"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	v, err := s.Jobs.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:       string(v.State),
		AudioURL:     v.AccessRef,
		ErrorMessage: v.ErrorMessage,
		RetryCount:   v.RetryCount,
		CreatedAt:    v.CreatedAt,
		StartedAt:    v.StartedAt,
		CompletedAt:  v.CompletedAt,
	})
}

type libraryItem struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Title     *string   `json:"title,omitempty"`
	AudioURL  string    `json:"audio_url,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	Duration  *int      `json:"duration,omitempty"`
}

func (s *Server) handleLibrary(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	views, err := s.Jobs.Library(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]libraryItem, 0, len(views))
	for _, v := range views {
		out = append(out, libraryItem{
			ID:        v.ID,
			URL:       v.SourceKey,
			Title:     v.Title,
			AudioURL:  v.AccessRef,
			Status:    string(v.State),
			CreatedAt: v.CreatedAt,
			Duration:  v.DurationSeconds,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	art, err := s.Jobs.OpenArtifact(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer func() { _ = art.Body.Close() }()

	contentType := art.ContentType
	if contentType == "" {
		contentType = common.ContentTypeAudio
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set(common.HeaderContentDisp, `attachment; filename="`+art.Filename+`"`)

	// Local files support range requests; remote bodies are streamed as-is.
	if rs, ok := art.Body.(io.ReadSeeker); ok {
		http.ServeContent(w, r, art.Filename, time.Time{}, rs)
		return
	}
	if art.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(art.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, art.Body); err != nil {
		s.Log.Warn("stream artifact", "err", err)
	}
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.Store != nil {
		if err := s.Store.Ping(r.Context()); err != nil {
			s.Log.Warn("readiness check failed", "err", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidSource):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, jobs.ErrNotFound):
		http.Error(w, "job not found", http.StatusNotFound)
	case errors.Is(err, service.ErrArtifactUnavailable):
		http.Error(w, "audio not available", http.StatusNotFound)
	default:
		s.Log.Error("request failed", "path", r.URL.Path, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", common.ContentTypeJSON)
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(v)
}

func safeInt64(u config.ByteSize) int64 {
	if u > config.ByteSize(math.MaxInt64) {
		return math.MaxInt64
	}
	return int64(u) // #nosec G115 - safe cast after explicit upper-bound check
}

func loggingMiddleware(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &writeWrap{ResponseWriter: w, code: http.StatusOK}
			next.ServeHTTP(ww, r)
			log.Info("http",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.code,
				"duration", time.Since(start).String(),
				"remote", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()))
		})
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type writeWrap struct {
	http.ResponseWriter
	code int
}

func (w *writeWrap) WriteHeader(statusCode int) {
	w.code = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
