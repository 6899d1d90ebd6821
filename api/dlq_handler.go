package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cast"

	"github.com/xraph/herald/dlq"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

// DeadLetterList is one page of dead-letter entries.
type DeadLetterList struct {
	Entries []*dlq.Entry `json:"entries"`
	Total   int64        `json:"total"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
}

// ReplayResponse names the job created by a replay.
type ReplayResponse struct {
	EntryID string `json:"entry_id"`
	JobID   string `json:"job_id"`
}

func (a *API) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := dlq.ListOpts{
		Limit:    pageLimit(q.Get("limit")),
		Offset:   max(cast.ToInt(q.Get("offset")), 0),
		Category: q.Get("category"),
	}

	entries, err := a.eng.DLQ().List(r.Context(), opts)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	total, err := a.eng.DLQ().Count(r.Context(), opts.Category)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	if entries == nil {
		entries = []*dlq.Entry{}
	}
	respondJSON(w, http.StatusOK, DeadLetterList{
		Entries: entries,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	})
}

func (a *API) getDeadLetter(w http.ResponseWriter, r *http.Request) {
	entry, err := a.eng.DLQ().Get(r.Context(), chi.URLParam(r, "entryID"))
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

func (a *API) replayDeadLetter(w http.ResponseWriter, r *http.Request) {
	entryID := chi.URLParam(r, "entryID")
	jobID, err := a.eng.DLQ().Replay(r.Context(), entryID)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, ReplayResponse{EntryID: entryID, JobID: jobID})
}

// pageLimit parses a limit query value, falling back to the default for
// missing or invalid input.
func pageLimit(raw string) int {
	n := cast.ToInt(raw)
	switch {
	case n <= 0:
		return defaultPageLimit
	case n > maxPageLimit:
		return maxPageLimit
	}
	return n
}
