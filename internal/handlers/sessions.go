package handlers

import (
	"net/http"

	"github.com/tzfun/etcd-workbench/internal/apperr"
	"github.com/tzfun/etcd-workbench/internal/etcd"
	"github.com/tzfun/etcd-workbench/internal/session"
)

type connectRequest struct {
	// Profile connects with a saved profile. Otherwise Spec is used.
	Profile string               `json:"profile"`
	Spec    *etcd.ConnectionSpec `json:"spec"`
}

func (a *API) ListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Sessions.List())
}

func (a *API) Connect(w http.ResponseWriter, r *http.Request) {
	var body connectRequest
	if err := decodeJSON(r, &body); err != nil {
		writeErr(w, err)
		return
	}

	var spec etcd.ConnectionSpec
	switch {
	case body.Profile != "":
		s, err := a.Profiles.Get(body.Profile)
		if err != nil {
			writeErr(w, err)
			return
		}
		spec = s
	case body.Spec != nil:
		spec = *body.Spec
	default:
		writeErr(w, apperr.Argument("profile or spec is required"))
		return
	}

	info, err := a.Sessions.Connect(r.Context(), spec, session.ConnectOptions{Profile: body.Profile})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (a *API) GetSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "id")
	if err != nil {
		writeErr(w, err)
		return
	}
	s, err := a.Sessions.Session(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Info())
}

func (a *API) Disconnect(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "id")
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := a.Sessions.Disconnect(id, "closed by user"); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
