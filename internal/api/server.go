// Package api exposes a session over HTTP as JSON.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/govchat/internal/adapter"
	"github.com/sells-group/govchat/internal/export"
	"github.com/sells-group/govchat/internal/ingest"
	"github.com/sells-group/govchat/internal/metrics"
	"github.com/sells-group/govchat/internal/model"
	"github.com/sells-group/govchat/internal/session"
)

// maxUploadMemory is how much of a multipart upload is held in memory
// before spilling to temp files.
const maxUploadMemory = 32 << 20

// Server serves one session.
type Server struct {
	sess    *session.Session
	metrics *metrics.Metrics
	origins []string
	log     *zap.Logger
}

// New creates a server for sess. m may be nil, in which case /metrics is
// not mounted.
func New(sess *session.Session, m *metrics.Metrics, corsOrigins []string) *Server {
	return &Server{
		sess:    sess,
		metrics: m,
		origins: corsOrigins,
		log:     zap.L().With(zap.String("component", "api")),
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, s.logRequests, middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/session", func(r chi.Router) {
		r.Get("/", s.handleSnapshot)
		r.Post("/ask", s.handleAsk)
		r.Delete("/messages", s.handleClear)

		r.Get("/files", s.handleListFiles)
		r.Post("/files", s.handleUpload)
		r.Delete("/files/{id}", s.handleRemoveFile)

		r.Put("/settings/draft", s.handleSetDraft)
		r.Post("/settings/save", s.handleSaveSettings)
		r.Post("/settings/reset", s.handleResetDraft)

		r.Post("/index/rebuild", s.handleRebuild)
		r.Get("/index/status", s.handleIndexStatus)

		r.Get("/export.xlsx", s.handleExport)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ok := s.sess.CheckHealth(r.Context())
	status := "ok"
	if !ok {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status, "backend": ok})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sess.Snapshot())
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Question string `json:"question"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	msg, err := s.sess.Ask(r.Context(), req.Question)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, msg)
	case errors.Is(err, session.ErrEmptyQuestion), errors.Is(err, session.ErrQuestionTooLong):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrRoundTripInFlight):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, adapter.ErrUnrecognizedSchema):
		// The synthesized message is in the conversation; return it too.
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": "unrecognized backend response", "message": msg})
	default:
		s.log.Error("ask failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "question failed")
	}
}

func (s *Server) handleClear(w http.ResponseWriter, _ *http.Request) {
	s.sess.ClearMessages()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListFiles(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"files":  s.sess.Files(),
		"counts": s.sess.Tracker().Counts(),
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	// Keep the client's field order: file_0, file_1, ..., file_10.
	fields := make([]string, 0, len(r.MultipartForm.File))
	for k := range r.MultipartForm.File {
		fields = append(fields, k)
	}
	sort.Slice(fields, func(i, j int) bool {
		if len(fields[i]) != len(fields[j]) {
			return len(fields[i]) < len(fields[j])
		}
		return fields[i] < fields[j]
	})

	var blobs []model.FileBlob
	for _, field := range fields {
		for _, fh := range r.MultipartForm.File[field] {
			ct := fh.Header.Get("Content-Type")
			if ct == "" || ct == "application/octet-stream" {
				ct = model.MIMEType(fh.Filename)
			}
			blobs = append(blobs, model.FileBlob{
				Name: fh.Filename,
				Size: fh.Size,
				Type: ct,
				Open: func() (io.ReadCloser, error) { return fh.Open() },
			})
		}
	}

	job, err := s.sess.UploadFiles(r.Context(), blobs)
	switch {
	case errors.Is(err, session.ErrNoFiles):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil && job != nil:
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "files": s.current(job.Files)})
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, map[string]any{"files": s.current(job.Files)})
	}
}

// current returns the latest tracker state of files, skipping removed ones.
func (s *Server) current(files []model.UploadedFile) []model.UploadedFile {
	out := make([]model.UploadedFile, 0, len(files))
	for _, f := range files {
		if cur, ok := s.sess.Tracker().Get(f.ID); ok {
			out = append(out, cur)
		}
	}
	return out
}

func (s *Server) handleRemoveFile(w http.ResponseWriter, r *http.Request) {
	if !s.sess.RemoveFile(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, ingest.ErrUnknownFile.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetDraft(w http.ResponseWriter, r *http.Request) {
	var draft model.ChatSettings
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		writeError(w, http.StatusBadRequest, "invalid settings body")
		return
	}
	s.sess.SetDraft(draft)
	s.writeSettings(w, http.StatusOK)
}

func (s *Server) handleSaveSettings(w http.ResponseWriter, _ *http.Request) {
	if err := s.sess.SaveSettings(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.writeSettings(w, http.StatusOK)
}

func (s *Server) handleResetDraft(w http.ResponseWriter, _ *http.Request) {
	s.sess.ResetDraft()
	s.writeSettings(w, http.StatusOK)
}

func (s *Server) writeSettings(w http.ResponseWriter, status int) {
	snap := s.sess.Snapshot()
	writeJSON(w, status, map[string]any{
		"settings":          snap.Settings,
		"draft":             snap.Draft,
		"hasUnsavedChanges": snap.HasUnsavedChanges,
	})
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	res, err := s.sess.RebuildIndex(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, session.ErrIndexingInFlight):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (s *Server) handleIndexStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.sess.IndexStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleExport(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="audit.xlsx"`)
	if err := export.WriteAudit(w, s.sess.Snapshot().Messages); err != nil {
		s.log.Error("export failed", zap.Error(err))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
