// Package api is the HTTP surface: producers submit notifications and
// operators read queue status.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/SirClappington/notiq/internal/domain"
	"github.com/SirClappington/notiq/internal/publisher"
)

type Submitter interface {
	Submit(ctx context.Context, eventType domain.EventType, businessKey string, payload domain.Payload, opts ...publisher.Option) (publisher.Result, error)
}

// JobReader is the read side of the job store.
type JobReader interface {
	Get(ctx context.Context, id string) (*domain.Job, error)
	Stats(ctx context.Context, now time.Time) (domain.Stats, error)
	Failures(ctx context.Context, limit int) ([]*domain.Job, error)
}

// ConnState reports the store connection state, e.g. "connected".
type ConnState func() string

type Server struct {
	pub   Submitter
	jobs  JobReader
	conn  ConnState
	clock clock.Clock
	log   *zap.Logger
}

type Options struct {
	// Events streams job events over a websocket at /v1/events.
	Events http.Handler
	// Metrics serves /metrics.
	Metrics http.Handler
	Clock   clock.Clock
}

// NewRouter wires the routes onto a chi router. A nil pub leaves out the
// submit route, for processes that only serve status.
func NewRouter(pub Submitter, jobs JobReader, conn ConnState, opts Options, log *zap.Logger) http.Handler {
	if opts.Clock == nil {
		opts.Clock = clock.C
	}
	s := &Server{pub: pub, jobs: jobs, conn: conn, clock: opts.Clock, log: log.Named("api")}

	rtr := chi.NewRouter()
	rtr.Use(middleware.RequestID)
	rtr.Use(middleware.Recoverer)
	rtr.Use(s.logRequests)

	rtr.Get("/healthz", s.health)
	if pub != nil {
		rtr.Post("/v1/notifications", s.submit)
	}
	rtr.Get("/v1/jobs/{id}", s.getJob)
	rtr.Get("/v1/status", s.status)
	rtr.Get("/v1/failures", s.failures)
	if opts.Events != nil {
		rtr.Method(http.MethodGet, "/v1/events", opts.Events)
	}
	if opts.Metrics != nil {
		rtr.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	return rtr
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
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

type submitRequest struct {
	EventType   string         `json:"event_type"`
	BusinessKey string         `json:"business_key"`
	Payload     domain.Payload `json:"payload"`
	MaxAttempts int            `json:"max_attempts,omitempty"`
	// Delay is a Go duration string such as "10m".
	Delay string `json:"delay,omitempty"`
}

type submitResponse struct {
	JobID             string `json:"job_id,omitempty"`
	Accepted          bool   `json:"accepted"`
	Reason            string `json:"reason,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	var opts []publisher.Option
	if req.MaxAttempts > 0 {
		opts = append(opts, publisher.WithMaxAttempts(req.MaxAttempts))
	}
	if req.Delay != "" {
		d, err := time.ParseDuration(req.Delay)
		if err != nil || d < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid delay"})
			return
		}
		opts = append(opts, publisher.WithDelay(d))
	}

	res, err := s.pub.Submit(r.Context(), domain.EventType(req.EventType), req.BusinessKey, req.Payload, opts...)
	switch {
	case errors.Is(err, domain.ErrInvalidEvent), errors.Is(err, domain.ErrInvalidPayload):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	case errors.Is(err, domain.ErrStoreUnavailable), errors.Is(err, domain.ErrDisconnected):
		w.Header().Set("Retry-After", "5")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "notification store unavailable, try again later"})
		return
	case err != nil:
		s.log.Error("submit failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}

	resp := submitResponse{JobID: res.JobID, Accepted: res.Accepted, Reason: res.Reason}
	switch {
	case res.Accepted:
		writeJSON(w, http.StatusAccepted, resp)
	case res.Reason == publisher.ReasonRateLimited:
		secs := int(math.Ceil(res.RetryAfter.Seconds()))
		resp.RetryAfterSeconds = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeJSON(w, http.StatusTooManyRequests, resp)
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}

type jobView struct {
	ID            string           `json:"id"`
	EventType     domain.EventType `json:"event_type"`
	BusinessKey   string           `json:"business_key"`
	State         domain.State     `json:"state"`
	Attempts      int              `json:"attempts"`
	MaxAttempts   int              `json:"max_attempts"`
	NextRunAt     time.Time        `json:"next_run_at"`
	CreatedAt     time.Time        `json:"created_at"`
	LastAttemptAt *time.Time       `json:"last_attempt_at,omitempty"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
	FailedAt      *time.Time       `json:"failed_at,omitempty"`
	LastError     string           `json:"last_error,omitempty"`
	Owner         string           `json:"owner,omitempty"`
	Recipient     string           `json:"recipient"`
	Failures      []domain.Failure `json:"failures,omitempty"`
}

func viewOf(j *domain.Job) jobView {
	return jobView{
		ID:            j.ID,
		EventType:     j.EventType,
		BusinessKey:   j.BusinessKey,
		State:         j.State,
		Attempts:      j.Attempts,
		MaxAttempts:   j.MaxAttempts,
		NextRunAt:     j.NextRunAt,
		CreatedAt:     j.CreatedAt,
		LastAttemptAt: j.LastAttemptAt,
		CompletedAt:   j.CompletedAt,
		FailedAt:      j.FailedAt,
		LastError:     j.LastError,
		Owner:         j.Owner,
		Recipient:     j.Payload.Recipient,
		Failures:      j.Failures,
	}
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.readError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(j))
}

type statusResponse struct {
	Connection    string           `json:"connection"`
	Counts        map[string]int64 `json:"counts"`
	Depth         int64            `json:"depth"`
	Due           int64            `json:"due"`
	OldestPending *time.Time       `json:"oldest_pending,omitempty"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st, err := s.jobs.Stats(r.Context(), s.clock.Now())
	if err != nil {
		s.readError(w, err)
		return
	}
	counts := make(map[string]int64, len(st.Counts))
	for k, v := range st.Counts {
		counts[string(k)] = v
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Connection:    s.conn(),
		Counts:        counts,
		Depth:         st.Depth,
		Due:           st.Due,
		OldestPending: st.OldestPending,
	})
}

func (s *Server) failures(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be between 1 and 500"})
			return
		}
		limit = n
	}
	jobs, err := s.jobs.Failures(r.Context(), limit)
	if err != nil {
		s.readError(w, err)
		return
	}
	out := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, viewOf(j))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	state := s.conn()
	code := http.StatusOK
	if state != "connected" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"connection": state})
}

func (s *Server) readError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "job not found"})
	case errors.Is(err, domain.ErrStoreUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "notification store unavailable"})
	default:
		s.log.Error("read failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
