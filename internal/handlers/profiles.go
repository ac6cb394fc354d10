package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tzfun/etcd-workbench/internal/etcd"
)

type collectionRequest struct {
	Keys []string `json:"keys"`
}

func (a *API) ListProfiles(w http.ResponseWriter, r *http.Request) {
	list, err := a.Profiles.List()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// GetProfile returns the full connection spec, secrets included. The API
// is only served on loopback behind the token.
func (a *API) GetProfile(w http.ResponseWriter, r *http.Request) {
	spec, err := a.Profiles.Get(chi.URLParam(r, "name"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, spec)
}

func (a *API) SaveProfile(w http.ResponseWriter, r *http.Request) {
	var spec etcd.ConnectionSpec
	if err := decodeJSON(r, &spec); err != nil {
		writeErr(w, err)
		return
	}
	if err := a.Profiles.Save(chi.URLParam(r, "name"), spec); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) DeleteProfile(w http.ResponseWriter, r *http.Request) {
	if err := a.Profiles.Delete(chi.URLParam(r, "name")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) GetCollection(w http.ResponseWriter, r *http.Request) {
	keys, err := a.Profiles.Collection(chi.URLParam(r, "name"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, http.StatusOK, collectionRequest{Keys: keys})
}

func (a *API) SetCollection(w http.ResponseWriter, r *http.Request) {
	var body collectionRequest
	if err := decodeJSON(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	if err := a.Profiles.SetCollection(chi.URLParam(r, "name"), body.Keys); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
