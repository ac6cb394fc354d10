package handlers

import (
	"net/http"

	"github.com/tzfun/etcd-workbench/internal/watcher"
)

type pauseRequest struct {
	Key    string `json:"key"`
	Paused bool   `json:"paused"`
}

func (a *API) ListWatches(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "id")
	if err != nil {
		writeErr(w, err)
		return
	}
	cfgs, err := a.Sessions.Watches(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfgs)
}

// SetWatch installs or replaces the watch named by the config key.
func (a *API) SetWatch(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "id")
	if err != nil {
		writeErr(w, err)
		return
	}
	var cfg watcher.Config
	if err := decodeJSON(r, &cfg); err != nil {
		writeErr(w, err)
		return
	}
	if err := a.Sessions.SetWatch(r.Context(), id, cfg); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (a *API) RemoveWatch(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "id")
	if err != nil {
		writeErr(w, err)
		return
	}
	key, err := requireKey(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := a.Sessions.RemoveWatch(id, string(key)); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) PauseWatch(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "id")
	if err != nil {
		writeErr(w, err)
		return
	}
	var body pauseRequest
	if err := decodeJSON(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	if err := a.Sessions.PauseWatch(r.Context(), id, body.Key, body.Paused); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
