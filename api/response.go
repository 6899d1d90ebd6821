package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/xraph/herald"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string              `json:"error"`
	Fields    []herald.FieldError `json:"fields,omitempty"`
	RequestID string              `json:"request_id,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body) //nolint:errcheck // client may be gone
}

func respondError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	respondJSON(w, status, ErrorResponse{
		Error:     msg,
		RequestID: middleware.GetReqID(r.Context()),
	})
}

// respondErr maps a herald error to its HTTP status.
func (a *API) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	var verr *herald.ValidationError
	switch {
	case errors.As(err, &verr):
		respondJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:     verr.Error(),
			Fields:    verr.Fields,
			RequestID: middleware.GetReqID(r.Context()),
		})
	case errors.Is(err, herald.ErrValidation):
		respondError(w, r, http.StatusBadRequest, err.Error())
	case isNotFound(err):
		respondError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, herald.ErrUnauthenticated):
		respondError(w, r, http.StatusUnauthorized, "unauthenticated")
	case errors.Is(err, herald.ErrUnauthorized):
		respondError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, herald.ErrNotInitialized), errors.Is(err, herald.ErrStoreClosed):
		respondError(w, r, http.StatusServiceUnavailable, err.Error())
	default:
		a.logger.Error("request failed",
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
		respondError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, herald.ErrJobNotFound) ||
		errors.Is(err, herald.ErrDeadLetterNotFound) ||
		errors.Is(err, herald.ErrUnknownCategory)
}

// decodeBody decodes a JSON request body into v and validates it.
func (a *API) decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return herald.NewValidationError("", "invalid request body", err)
	}
	if err := a.validate.Struct(v); err != nil {
		return herald.NewValidationError("", err.Error(), err)
	}
	return nil
}
