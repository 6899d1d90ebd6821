package api

import "net/http"

func (a *API) stats(w http.ResponseWriter, r *http.Request) {
	st, err := a.eng.Stats(r.Context())
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}
