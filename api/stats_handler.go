package api

import (
	"log/slog"
	"net/http"
	"strconv"
)

// DrainResponse reports how many jobs a drain removed.
type DrainResponse struct {
	Drained        int64 `json:"drained"`
	IncludeDelayed bool  `json:"include_delayed"`
}

// PauseResponse reports the claim state after pause or resume.
type PauseResponse struct {
	Paused bool `json:"paused"`
}

func (a *API) stats(w http.ResponseWriter, r *http.Request) {
	st, err := a.eng.Stats(r.Context())
	if err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) pause(w http.ResponseWriter, _ *http.Request) {
	a.eng.Pause()
	writeJSON(w, http.StatusOK, PauseResponse{Paused: a.eng.Paused()})
}

func (a *API) resume(w http.ResponseWriter, _ *http.Request) {
	a.eng.Resume()
	writeJSON(w, http.StatusOK, PauseResponse{Paused: a.eng.Paused()})
}

func (a *API) drain(w http.ResponseWriter, r *http.Request) {
	includeDelayed := false
	if raw := r.URL.Query().Get("delayed"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "delayed must be a boolean")
			return
		}
		includeDelayed = v
	}
	n, err := a.eng.Drain(r.Context(), includeDelayed)
	if err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	a.logger.Warn("queue drained over api",
		slog.Int64("drained", n),
		slog.Bool("include_delayed", includeDelayed),
	)
	writeJSON(w, http.StatusOK, DrainResponse{Drained: n, IncludeDelayed: includeDelayed})
}
