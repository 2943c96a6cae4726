package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"convoscore/internal/common"
	"convoscore/internal/config"
	"convoscore/internal/eval"
	"convoscore/internal/jobs"
	"convoscore/internal/report"
	"convoscore/internal/rubric"
	"convoscore/internal/util"
)

// Evaluator is the synchronous fallback used when a job record cannot
// be persisted: the transcript is still evaluated, just not tracked.
type Evaluator interface {
	EvaluateNow(ctx context.Context, transcript, rubricID string) (*eval.Result, error)
}

type Service struct {
	Log       *slog.Logger
	Cfg       *config.Config
	Store     jobs.Store
	Rubrics   *rubric.Registry
	Evaluator Evaluator
}

// NewHTTPServer builds the http.Server with routes and middleware.
func NewHTTPServer(svc *Service) *http.Server {
	if svc.Log == nil {
		svc.Log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	}
	mux := http.NewServeMux()
	mux.HandleFunc(http.MethodGet+" "+common.PathHealthz, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc(http.MethodPost+" "+common.PathEvaluations, svc.withCommon(svc.handleCreateEvaluation))
	mux.HandleFunc(http.MethodGet+" "+common.PathEvaluations, svc.withCommon(svc.handleListEvaluations))
	mux.HandleFunc(http.MethodGet+" "+common.PathEvaluations+"/{id}", svc.withCommon(svc.handleGetEvaluation))
	mux.HandleFunc(http.MethodGet+" "+common.PathEvaluations+"/{id}/report", svc.withCommon(svc.handleGetReport))

	s := &http.Server{
		Addr:         svc.Cfg.Server.Addr,
		Handler:      loggingMiddleware(recoveryMiddleware(mux), svc.Log),
		ReadTimeout:  svc.Cfg.Server.ReadTimeout,
		WriteTimeout: svc.Cfg.Server.WriteTimeout,
		IdleTimeout:  svc.Cfg.Server.IdleTimeout,
	}
	return s
}

func (svc *Service) withCommon(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Enforce API key if configured
		if key := strings.TrimSpace(svc.Cfg.Server.APIKey); key != "" {
			if r.Header.Get(common.HeaderAPIKey) != key {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		// Enforce max body size
		if max := svc.Cfg.Server.MaxUploadSize; max > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, max)
		}
		next.ServeHTTP(w, r)
	}
}

type createRequest struct {
	Markdown string `json:"markdown"`
	FileName string `json:"fileName"`
	RubricID string `json:"rubricId"`
}

type createResponse struct {
	JobID     string `json:"jobId"`
	StatusURL string `json:"statusUrl"`
}

func (svc *Service) handleCreateEvaluation(w http.ResponseWriter, r *http.Request) {
	req, err := svc.parseCreateRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Markdown) == "" {
		http.Error(w, "markdown is required", http.StatusBadRequest)
		return
	}
	if req.RubricID != "" {
		if _, ok := svc.Rubrics.Get(req.RubricID); !ok {
			http.Error(w, "unknown rubric: "+req.RubricID, http.StatusBadRequest)
			return
		}
	}

	job := jobs.New(util.NewID(), req.Markdown, req.FileName, req.RubricID)
	if err := svc.Store.Save(r.Context(), job); err != nil {
		// Storage is down; evaluate inline so the caller still gets an
		// answer, just without a tracked record.
		svc.Log.Error("persist job, falling back to inline evaluation", "error", err)
		res, evalErr := svc.Evaluator.EvaluateNow(r.Context(), req.Markdown, req.RubricID)
		if evalErr != nil {
			svc.Log.Error("inline evaluation failed", "error", evalErr)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"result": res})
		return
	}
	svc.Log.Info("job created", "job_id", job.ID, "file", job.FileName)

	writeJSON(w, http.StatusAccepted, createResponse{
		JobID:     job.ID,
		StatusURL: path.Join(common.PathEvaluations, job.ID),
	})
}

// parseCreateRequest accepts either a JSON body or a multipart form with
// a markdown or PDF file upload.
func (svc *Service) parseCreateRequest(r *http.Request) (*createRequest, error) {
	ct := r.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "multipart/form-data") {
		var req createRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, fmt.Errorf("invalid json: %w", err)
		}
		return &req, nil
	}

	if err := r.ParseMultipartForm(svc.Cfg.Server.MaxUploadSize); err != nil {
		return nil, fmt.Errorf("invalid form: %w", err)
	}
	fileHeaders := r.MultipartForm.File["file"]
	if len(fileHeaders) == 0 {
		return nil, errors.New("file is required")
	}
	uploaded := fileHeaders[0]

	f, err := uploaded.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer func() { _ = f.Close() }()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}

	markdown := string(data)
	if strings.EqualFold(path.Ext(uploaded.Filename), ".pdf") {
		markdown, err = report.ExtractText(data)
		if err != nil {
			return nil, fmt.Errorf("extract pdf text: %w", err)
		}
	}

	return &createRequest{
		Markdown: markdown,
		FileName: uploaded.Filename,
		RubricID: strings.TrimSpace(r.FormValue("rubricId")),
	}, nil
}

func (svc *Service) handleListEvaluations(w http.ResponseWriter, r *http.Request) {
	list, err := svc.Store.List(r.Context())
	if err != nil {
		svc.Log.Error("list jobs", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(list))
	for _, job := range list {
		out = append(out, jobToOut(job))
	}
	writeJSON(w, http.StatusOK, map[string]any{"evaluations": out})
}

// lookupJob resolves the {id} path value to a record, writing the error
// response itself when the record cannot be served.
func (svc *Service) lookupJob(w http.ResponseWriter, r *http.Request) (*jobs.Job, bool) {
	id := r.PathValue("id")
	job, err := svc.Store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return nil, false
		}
		svc.Log.Error("get job", "job_id", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return nil, false
	}
	return job, true
}

func (svc *Service) handleGetEvaluation(w http.ResponseWriter, r *http.Request) {
	job, ok := svc.lookupJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, jobToOut(job))
}

func (svc *Service) handleGetReport(w http.ResponseWriter, r *http.Request) {
	job, ok := svc.lookupJob(w, r)
	if !ok {
		return
	}
	svc.serveReport(w, job)
}

func (svc *Service) serveReport(w http.ResponseWriter, job *jobs.Job) {
	if job.Status != jobs.StatusCompleted {
		http.Error(w, "evaluation not completed", http.StatusConflict)
		return
	}
	data, err := report.Render(job)
	if err != nil {
		svc.Log.Error("render report", "job_id", job.ID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", common.ContentTypePDF)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", job.ID+".pdf"))
	_, _ = w.Write(data)
}

func jobToOut(job *jobs.Job) map[string]any {
	out := map[string]any{
		"id":         job.ID,
		"status":     string(job.Status),
		"fileName":   job.FileName,
		"createdAt":  job.CreatedAt,
		"updatedAt":  job.UpdatedAt,
		"expiresAt":  job.ExpiresAt,
		"retryCount": job.RetryCount,
	}
	if job.RubricID != "" {
		out["rubricId"] = job.RubricID
	}
	if job.Result != nil {
		out["result"] = job.Result
	}
	if job.Error != "" {
		out["error"] = job.Error
	}
	if job.ErrorDetails != nil {
		out["errorDetails"] = job.ErrorDetails
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", common.ContentTypeJSON)
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(v)
}

func loggingMiddleware(next http.Handler, log *slog.Logger) http.Handler {
	// Fallback to a discard logger if none provided to avoid nil deref in tests or minimal setups.
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &writeWrap{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(ww, r)
		log.Info("http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.code,
			"duration", time.Since(start).String(),
			"remote", r.RemoteAddr)
	})
}

type writeWrap struct {
	http.ResponseWriter
	code int
}

func (w *writeWrap) WriteHeader(statusCode int) {
	w.code = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
