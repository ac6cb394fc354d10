package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type snapshotRequest struct {
	Name string `json:"name"`
}

func (a *API) StartSnapshot(w http.ResponseWriter, r *http.Request) {
	c, id, ok := a.connector(w, r)
	if !ok {
		return
	}
	var body snapshotRequest
	if err := decodeOptionalJSON(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	info, err := a.Snapshots.Start(id, c, body.Name)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, info)
}

func (a *API) ListSessionSnapshots(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "id")
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.Snapshots.List(id))
}

func (a *API) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Snapshots.List(0))
}

func (a *API) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	info, err := a.Snapshots.Get(chi.URLParam(r, "task"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *API) StopSnapshot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "task")
	if err := a.Snapshots.Stop(id); err != nil {
		writeErr(w, err)
		return
	}
	info, err := a.Snapshots.Get(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *API) RemoveSnapshot(w http.ResponseWriter, r *http.Request) {
	if err := a.Snapshots.Remove(chi.URLParam(r, "task")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
