// Package api exposes the HTTP submission and status surface.
package api

import (
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
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"hmmerweb/internal/artifact"
	"hmmerweb/internal/config"
	"hmmerweb/internal/hmmer"
	"hmmerweb/internal/models"
	"hmmerweb/internal/queue"
	"hmmerweb/internal/ratelimit"
	"hmmerweb/internal/store"
	"hmmerweb/internal/telemetry"
)

// ownerHeader identifies the submitter; absent means anonymous. There is no
// authentication layer, the value only scopes rate limiting and ownership.
const ownerHeader = "X-Owner-ID"

// Enqueuer is the single queue operation the API needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID string) error
}

var _ Enqueuer = (*queue.Redis)(nil)

type Server struct {
	cfg       config.Config
	store     store.JobStore
	queue     Enqueuer
	artifacts artifact.Store
	// limiter may be nil, which disables rate limiting (tests, single-user
	// deployments).
	limiter  *ratelimit.TokenBucket
	validate *validator.Validate
	log      zerolog.Logger
	router   chi.Router
}

func NewServer(cfg config.Config, st store.JobStore, q Enqueuer, art artifact.Store, limiter *ratelimit.TokenBucket, log zerolog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		store:     st,
		queue:     q,
		artifacts: art,
		limiter:   limiter,
		validate:  validator.New(),
		log:       log,
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())
	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/{jobID}", s.handleStatus)
		r.Get("/{jobID}/output", s.handleOutput)
	})
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// submitForm mirrors the non-file multipart fields.
type submitForm struct {
	Tool    string `validate:"required,oneof=profile-build similarity-search emit"`
	Name    string `validate:"max=200"`
	NumSeqs int    `validate:"min=0,max=1000"`
	Seed    *int64 `validate:"omitempty,min=0"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner := r.Header.Get(ownerHeader)
	if owner == "" {
		owner = "anonymous"
	}

	if s.limiter != nil {
		ok, _, err := s.limiter.Allow(ctx, owner)
		if err != nil {
			// Fail open: a limiter outage must not take submissions down.
			s.log.Error().Err(err).Msg("rate limiter unavailable")
		} else if !ok {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "submission rate exceeded, slow down")
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "request is not valid multipart form data or exceeds the upload limit")
		return
	}

	form := submitForm{
		Tool: r.FormValue("tool"),
		Name: r.FormValue("name"),
	}
	if v := r.FormValue("num_seqs"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "num_seqs must be an integer")
			return
		}
		form.NumSeqs = n
	}
	if v := r.FormValue("seed"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "seed must be an integer")
			return
		}
		form.Seed = &n
	}
	if err := s.validate.Struct(form); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	tool, err := models.ParseTool(form.Tool)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	params := models.Params{NumSeqs: form.NumSeqs, Seed: form.Seed}
	if err := hmmer.ValidateParams(tool, params); err != nil {
		writeError(w, http.StatusBadRequest, trimSentinel(err))
		return
	}

	// The job id is assigned up front so uploads land in their final
	// location before the record exists.
	jobID := uuid.NewString()
	refs, err := s.saveUploads(r, jobID, tool)
	if err != nil {
		_ = s.artifacts.DeleteJob(ctx, jobID)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := s.store.CreateJob(ctx, store.CreateJobParams{
		ID:          jobID,
		Tool:        tool,
		Name:        form.Name,
		Owner:       owner,
		Params:      params,
		InputRefs:   refs,
		MaxAttempts: s.cfg.MaxLaunchAttempts,
		Retention:   s.cfg.RetentionWindow,
	})
	if err != nil {
		_ = s.artifacts.DeleteJob(ctx, jobID)
		if errors.Is(err, models.ErrValidation) {
			writeError(w, http.StatusBadRequest, trimSentinel(err))
			return
		}
		s.log.Error().Err(err).Msg("create job record")
		writeError(w, http.StatusInternalServerError, "could not record the job")
		return
	}

	// An enqueue failure is recoverable: the record is committed as queued
	// and the sweeper re-enqueues jobs missing from the queue.
	if err := s.queue.Enqueue(ctx, job.ID); err != nil {
		s.log.Error().Err(err).Str("job_id", job.ID).Msg("enqueue failed, sweeper will repair")
	}
	_ = s.store.AppendAudit(ctx, job.ID, "submitted", fmt.Sprintf("owner=%s tool=%s", owner, tool))
	telemetry.JobsSubmitted.Inc()

	s.log.Info().Str("job_id", job.ID).Str("tool", string(tool)).Str("owner", owner).Msg("job accepted")
	writeJSON(w, http.StatusAccepted, job)
}

// saveUploads validates and stores each required file for the tool,
// returning artifact refs in InputSpec order.
func (s *Server) saveUploads(r *http.Request, jobID string, tool models.Tool) ([]string, error) {
	spec := hmmer.InputSpec(tool)
	refs := make([]string, 0, len(spec))
	for _, field := range spec {
		file, hdr, err := r.FormFile(field.Field)
		if err != nil {
			return nil, fmt.Errorf("missing required file %q", field.Field)
		}
		if err := field.ValidateFilename(hdr.Filename); err != nil {
			file.Close()
			return nil, errors.New(trimSentinel(err))
		}
		ref, err := s.artifacts.Save(r.Context(), jobID, hdr.Filename, file)
		file.Close()
		if err != nil {
			return nil, fmt.Errorf("could not store upload %q", field.Field)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	if job.Status != models.StatusSucceeded {
		writeError(w, http.StatusNotFound, "job has no outputs")
		return
	}

	name := r.URL.Query().Get("name")
	var ref string
	for _, candidate := range job.OutputRefs {
		if artifact.Name(candidate) == name {
			ref = candidate
			break
		}
	}
	if ref == "" {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no output named %q", name))
		return
	}

	rc, err := s.artifacts.Open(r.Context(), ref)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			writeError(w, http.StatusNotFound, "output is no longer available")
			return
		}
		s.log.Error().Err(err).Str("ref", ref).Msg("open artifact")
		writeError(w, http.StatusInternalServerError, "could not read the output")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	if _, err := io.Copy(w, rc); err != nil {
		s.log.Warn().Err(err).Str("ref", ref).Msg("stream aborted")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) lookupJob(w http.ResponseWriter, r *http.Request) (models.Job, bool) {
	id := chi.URLParam(r, "jobID")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusNotFound, "no such job")
		return models.Job{}, false
	}
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no such job")
			return models.Job{}, false
		}
		s.log.Error().Err(err).Str("job_id", id).Msg("load job")
		writeError(w, http.StatusInternalServerError, "could not load the job")
		return models.Job{}, false
	}
	return job, true
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// trimSentinel drops the wrapped sentinel prefix so API messages read
// cleanly.
func trimSentinel(err error) string {
	return strings.TrimPrefix(err.Error(), models.ErrValidation.Error()+": ")
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid submission"
	}
	f := verrs[0]
	switch f.Field() {
	case "Tool":
		return "tool must be one of profile-build, similarity-search, emit"
	case "NumSeqs":
		return "num_seqs must be between 0 and 1000"
	case "Seed":
		return "seed must be non-negative"
	case "Name":
		return "name is too long"
	}
	return "invalid submission"
}
