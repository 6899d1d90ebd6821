package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xraph/herald"
	"github.com/xraph/herald/auth"
	"github.com/xraph/herald/job"
	"github.com/xraph/herald/stream"
)

// SubmitJobRequest is the body of POST /v1/jobs/{category}.
type SubmitJobRequest struct {
	Payload  json.RawMessage `json:"payload" validate:"required"`
	Priority *int            `json:"priority,omitempty"`
	Delay    string          `json:"delay,omitempty"`
	JobID    string          `json:"job_id,omitempty"`
}

// SubmitJobResponse names the job and the topic that streams its events.
type SubmitJobResponse struct {
	JobID string `json:"job_id"`
	Topic string `json:"topic"`
}

// CancelJobResponse reports the job state after a cancellation request.
type CancelJobResponse struct {
	JobID           string    `json:"job_id"`
	State           job.State `json:"state"`
	CancelRequested bool      `json:"cancel_requested"`
}

func (a *API) submitJob(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")
	p, _ := auth.FromContext(r.Context())

	var req SubmitJobRequest
	if err := a.decodeBody(r, &req); err != nil {
		a.respondErr(w, r, err)
		return
	}

	opts := []job.SubmitOption{job.WithOwner(p.Subject)}
	if req.Priority != nil {
		opts = append(opts, job.WithPriority(*req.Priority))
	}
	if req.JobID != "" {
		opts = append(opts, job.WithJobID(req.JobID))
	}
	if req.Delay != "" {
		d, err := time.ParseDuration(req.Delay)
		if err != nil {
			a.respondErr(w, r, herald.NewValidationError(category, "invalid delay", err))
			return
		}
		opts = append(opts, job.WithDelay(d))
	}

	jobID, err := a.eng.SubmitRaw(r.Context(), category, req.Payload, opts...)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, SubmitJobResponse{
		JobID: jobID,
		Topic: stream.JobTopic(jobID),
	})
}

// getJob returns the status snapshot. Visibility follows the rule for
// subscribing to the job's topic, so a caller who may not watch a job
// cannot learn whether it exists.
func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	p, _ := auth.FromContext(r.Context())

	if err := a.eng.Broker().Authorize(r.Context(), p, stream.JobTopic(jobID)); err != nil {
		a.respondErr(w, r, err)
		return
	}
	st, err := a.eng.GetStatus(r.Context(), jobID)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (a *API) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	p, _ := auth.FromContext(r.Context())

	if err := a.eng.RequestCancellation(r.Context(), jobID, p); err != nil {
		if errors.Is(err, herald.ErrJobNotFound) && !p.IsOperator() {
			err = herald.ErrUnauthorized
		}
		a.respondErr(w, r, err)
		return
	}
	st, err := a.eng.GetStatus(r.Context(), jobID)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, CancelJobResponse{
		JobID:           jobID,
		State:           st.State,
		CancelRequested: st.CancelRequested,
	})
}
