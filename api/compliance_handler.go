package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xraph/herald/compliance"
	"github.com/xraph/herald/job"
)

// PreferencesRequest is the body of the opt-out and opt-in routes. An
// empty body or no categories means every category.
type PreferencesRequest struct {
	Categories []job.Category `json:"categories"`
}

type preferenceFunc func(ctx context.Context, recipient string, cats ...job.Category) (*compliance.Record, error)

func (a *API) getCompliance(w http.ResponseWriter, r *http.Request) {
	rec, err := a.eng.Compliance(r.Context(), chi.URLParam(r, "recipient"))
	if err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) optOut(w http.ResponseWriter, r *http.Request) {
	a.changePreferences(w, r, a.eng.OptOut)
}

func (a *API) optIn(w http.ResponseWriter, r *http.Request) {
	a.changePreferences(w, r, a.eng.OptIn)
}

func (a *API) changePreferences(w http.ResponseWriter, r *http.Request, apply preferenceFunc) {
	var body PreferencesRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, a.maxBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	rec, err := apply(r.Context(), chi.URLParam(r, "recipient"), body.Categories...)
	if err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
