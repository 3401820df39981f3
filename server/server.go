package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ivanvanderbyl/magreflow"
)

// maxRequestBody bounds job submission bodies.
const maxRequestBody = 1 << 20

// ProcessRequest is the body of a job submission.
type ProcessRequest struct {
	PDFFileID string              `json:"pdf_file_id"`
	Config    magreflow.JobConfig `json:"config"`
}

// AcceptedResponse is returned when a job has been queued.
type AcceptedResponse struct {
	Message     string `json:"message"`
	JobID       string `json:"job_id"`
	IssueNumber string `json:"issue_number"`
}

// New returns the HTTP handler: health check, job submission for both modes
// and job status lookup.
func New(dispatcher *Dispatcher, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{dispatcher: dispatcher, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.requestLogger)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/reflow", h.submit(magreflow.ModeReflow))
	r.Post("/process-pdf", h.submit(magreflow.ModeInteractive))
	r.Get("/jobs/{id}", h.jobStatus)

	return r
}

type handler struct {
	dispatcher *Dispatcher
	logger     *slog.Logger
}

func (h *handler) submit(mode magreflow.Mode) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ProcessRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
		if err := dec.Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body: " + err.Error()})
			return
		}
		req.PDFFileID = strings.TrimSpace(req.PDFFileID)
		if req.PDFFileID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "pdf_file_id is required"})
			return
		}
		if err := req.Config.Validate(); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}

		job := h.dispatcher.Submit(r.Context(), mode, req.PDFFileID, req.Config)
		h.logger.Info("job accepted",
			"job_id", job.ID, "mode", string(mode), "issue_number", req.Config.IssueNumber,
			"request_id", middleware.GetReqID(r.Context()))

		writeJSON(w, http.StatusAccepted, AcceptedResponse{
			Message:     "Processing job accepted",
			JobID:       job.ID,
			IssueNumber: req.Config.IssueNumber,
		})
	}
}

func (h *handler) jobStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := h.dispatcher.Get(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("request",
			"method", r.Method, "path", r.URL.Path, "status", ww.Status(),
			"duration", time.Since(start), "request_id", middleware.GetReqID(r.Context()))
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
